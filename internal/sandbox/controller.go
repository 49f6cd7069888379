// Package sandbox is the SandboxController: the component owning the
// sandbox lifecycle state machine (starting/running/stopping/stopped/
// error), sequencing the MetadataStore, the container runtime, the
// per-sandbox workspace directory, and the AgentRegistry into one
// transactional create/delete path. Modeled on the teacher's
// PodmanManager, generalized to the durable, state-machine-driven
// semantics the rest of this service depends on.
package sandbox

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensandbox/opensandboxd/internal/agentreg"
	"github.com/opensandbox/opensandboxd/internal/auth"
	"github.com/opensandbox/opensandboxd/internal/events"
	"github.com/opensandbox/opensandboxd/internal/runtime"
	"github.com/opensandbox/opensandboxd/internal/store"
	"github.com/opensandbox/opensandboxd/pkg/types"
)

const (
	labelSandboxID = "opensandboxd.sandbox_id"
	containerName  = "osbx"
)

// Options configures a Controller.
type Options struct {
	DefaultImage          string
	DefaultMemoryMB       int
	DefaultCPUs           int
	DefaultDiskMB         int
	DefaultTimeoutSeconds int
	MaxTimeoutSeconds     int
	AgentAttachTimeout    time.Duration
	CallbackAddr          string // advertised to agents as the server address to dial back
	BatchDeleteMax        int
}

// Controller is the SandboxController.
type Controller struct {
	store     *store.Store
	runtime   runtime.ContainerRuntime
	workspace *WorkspaceDirs
	registry  *agentreg.Registry
	events    *events.Emitter
	audit     *AuditManager
	jwtIssuer *auth.JWTIssuer
	opts      Options

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	attachMu sync.Mutex
	attach   map[string]chan struct{}
}

// New builds a Controller. The caller constructs the Registry separately
// and must wire its Validator/AttachNotifier/DetachNotifier to
// c.ValidateAttach/c.OnAgentAttached/c.OnAgentDetached before accepting
// connections.
func New(st *store.Store, rt runtime.ContainerRuntime, ws *WorkspaceDirs, emitter *events.Emitter, audit *AuditManager, opts Options) *Controller {
	if opts.BatchDeleteMax <= 0 {
		opts.BatchDeleteMax = 50
	}
	if opts.AgentAttachTimeout <= 0 {
		opts.AgentAttachTimeout = 30 * time.Second
	}
	return &Controller{
		store:     st,
		runtime:   rt,
		workspace: ws,
		events:    emitter,
		audit:     audit,
		opts:      opts,
		locks:     make(map[string]*sync.Mutex),
		attach:    make(map[string]chan struct{}),
	}
}

// SetRegistry wires the AgentRegistry after construction, avoiding an
// import cycle between agentreg (which needs callbacks into the
// controller) and sandbox (which dispatches through the registry).
func (c *Controller) SetRegistry(r *agentreg.Registry) {
	c.registry = r
}

// SetJWTIssuer wires the agent-token issuer after construction, mirroring
// SetRegistry. When unset, Create leaves OPENSANDBOXD_AGENT_TOKEN empty,
// and api.controlStream refuses an agent that presents an empty token.
func (c *Controller) SetJWTIssuer(j *auth.JWTIssuer) {
	c.jwtIssuer = j
}

func (c *Controller) lockFor(id string) *sync.Mutex {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	l, ok := c.locks[id]
	if !ok {
		l = &sync.Mutex{}
		c.locks[id] = l
	}
	return l
}

func (c *Controller) dropLock(id string) {
	c.locksMu.Lock()
	delete(c.locks, id)
	c.locksMu.Unlock()
}

func (c *Controller) emit(kind types.EventKind, sb *types.Sandbox, reason string) {
	if c.events == nil {
		return
	}
	c.events.Emit(types.Event{
		Kind:      kind,
		SandboxID: sb.ID,
		Timestamp: time.Now().UnixMilli(),
		Sandbox:   sb,
		Reason:    reason,
	})
}

// Create runs the full transactional create sequence: insert the record
// in starting, allocate the workspace, create and start the container,
// then wait for the agent to Register. Any failed step rolls back in
// reverse order.
func (c *Controller) Create(ctx context.Context, req types.CreateRequest) (*types.Sandbox, error) {
	id := uuid.New().String()[:12]
	now := time.Now().UnixMilli()

	timeoutSec := req.TimeoutSeconds
	if timeoutSec <= 0 {
		timeoutSec = c.opts.DefaultTimeoutSeconds
	}
	if c.opts.MaxTimeoutSeconds > 0 && timeoutSec > c.opts.MaxTimeoutSeconds {
		timeoutSec = c.opts.MaxTimeoutSeconds
	}

	caps := types.ResourceCaps{CPUCount: c.opts.DefaultCPUs, MemoryMB: c.opts.DefaultMemoryMB, DiskMB: c.opts.DefaultDiskMB}
	if req.Resources != nil {
		if req.Resources.CPUCount > 0 {
			caps.CPUCount = req.Resources.CPUCount
		}
		if req.Resources.MemoryMB > 0 {
			caps.MemoryMB = req.Resources.MemoryMB
		}
		if req.Resources.DiskMB > 0 {
			caps.DiskMB = req.Resources.DiskMB
		}
	}

	sb := &types.Sandbox{
		ID:        id,
		Name:      req.Name,
		State:     types.SandboxStarting,
		Template:  req.Template,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now + int64(timeoutSec)*1000,
		Config: types.SandboxConfig{
			Env:            req.Env,
			Resources:      caps,
			TimeoutSeconds: timeoutSec,
			Metadata:       req.Metadata,
		},
	}

	if err := c.store.Insert(sb); err != nil {
		return nil, err
	}

	attachCh := make(chan struct{})
	c.attachMu.Lock()
	c.attach[id] = attachCh
	c.attachMu.Unlock()
	defer func() {
		c.attachMu.Lock()
		delete(c.attach, id)
		c.attachMu.Unlock()
	}()

	rollback := func(reason string) {
		if sb.ContainerRef != "" {
			_ = c.runtime.Stop(ctx, runtime.Handle(sb.ContainerRef), 0)
			_ = c.runtime.Remove(ctx, runtime.Handle(sb.ContainerRef), true)
		}
		if sb.WorkspacePath != "" {
			_ = c.workspace.Release(id)
		}
		_, _ = c.store.Update(id, func(s *types.Sandbox) error {
			s.State = types.SandboxError
			return nil
		})
		c.emit(types.EventSandboxError, sb, reason)
	}

	var workspacePath string
	var bindMounts []runtime.BindMount
	if c.workspace.Enabled() {
		p, err := c.workspace.Allocate(id)
		if err != nil {
			rollback("workspace_allocate_failed")
			return nil, fmt.Errorf("sandbox controller: allocate workspace: %w", err)
		}
		workspacePath = p
		bindMounts = []runtime.BindMount{{HostPath: p, ContainerPath: "/workspace", ReadOnly: false}}
	}

	image := req.Template
	if image == "" {
		image = c.opts.DefaultImage
	} else {
		image = resolveTemplateImage(image, c.opts.DefaultImage)
	}

	env := map[string]string{}
	for k, v := range req.Env {
		env[k] = v
	}
	env["OPENSANDBOXD_SANDBOX_ID"] = id
	if c.opts.CallbackAddr != "" {
		env["OPENSANDBOXD_CALLBACK_ADDR"] = c.opts.CallbackAddr
	}
	if c.jwtIssuer != nil {
		// Extend past timeoutSec so a later Extend call doesn't strand a
		// still-running agent with an expired token.
		ttl := time.Duration(timeoutSec)*time.Second + c.opts.AgentAttachTimeout
		if c.opts.MaxTimeoutSeconds > 0 {
			ttl = time.Duration(c.opts.MaxTimeoutSeconds)*time.Second + c.opts.AgentAttachTimeout
		}
		token, err := c.jwtIssuer.IssueAgentToken(id, ttl)
		if err != nil {
			rollback("agent_token_issue_failed")
			return nil, fmt.Errorf("sandbox controller: issue agent token: %w", err)
		}
		env["OPENSANDBOXD_AGENT_TOKEN"] = token
	}

	handle, err := c.runtime.Create(ctx, runtime.CreateSpec{
		Name:         fmt.Sprintf("%s-%s", containerName, id),
		Image:        image,
		Env:          env,
		BindMounts:   bindMounts,
		ResourceCaps: runtime.ResourceCaps{CPUCount: caps.CPUCount, MemoryMB: caps.MemoryMB},
		Labels:       map[string]string{labelSandboxID: id},
	})
	if err != nil {
		rollback("container_create_failed")
		return nil, fmt.Errorf("sandbox controller: create container: %w", err)
	}
	sb.ContainerRef = string(handle)
	sb.WorkspacePath = workspacePath
	if _, err := c.store.Update(id, func(s *types.Sandbox) error {
		s.ContainerRef = sb.ContainerRef
		s.WorkspacePath = sb.WorkspacePath
		return nil
	}); err != nil {
		rollback("record_update_failed")
		return nil, fmt.Errorf("sandbox controller: persist container ref: %w", err)
	}

	if err := c.runtime.Start(ctx, handle); err != nil {
		rollback("container_start_failed")
		return nil, fmt.Errorf("sandbox controller: start container: %w", err)
	}

	c.emit(types.EventSandboxStarting, sb, "")

	select {
	case <-attachCh:
		// agent registered; OnAgentAttached already transitioned the record
	case <-time.After(c.opts.AgentAttachTimeout):
		rollback("agent_attach_timeout")
		return nil, fmt.Errorf("sandbox controller: agent did not register within %s", c.opts.AgentAttachTimeout)
	case <-ctx.Done():
		rollback("context_cancelled")
		return nil, ctx.Err()
	}

	final, err := c.store.Get(id)
	if err != nil {
		return nil, err
	}
	c.emit(types.EventSandboxRunning, final, "")
	return final, nil
}

// ValidateAttach is the AgentRegistry Validator: the record must exist
// and be in starting, running, or error.
func (c *Controller) ValidateAttach(sandboxID string) error {
	sb, err := c.store.Get(sandboxID)
	if err != nil {
		return err
	}
	switch sb.State {
	case types.SandboxStarting, types.SandboxRunning, types.SandboxError:
		return nil
	default:
		return fmt.Errorf("sandbox %s is %s, not accepting agent registration", sandboxID, sb.State)
	}
}

// OnAgentAttached is the AgentRegistry AttachNotifier.
func (c *Controller) OnAgentAttached(sandboxID string) {
	lock := c.lockFor(sandboxID)
	lock.Lock()
	defer lock.Unlock()

	sb, err := c.store.Update(sandboxID, func(s *types.Sandbox) error {
		if s.State == types.SandboxStarting {
			s.State = types.SandboxRunning
		}
		return nil
	})
	if err != nil {
		log.Printf("sandbox controller: on_agent_attached %s: %v", sandboxID, err)
		return
	}
	c.emit(types.EventAgentConnected, sb, "")

	c.attachMu.Lock()
	ch, ok := c.attach[sandboxID]
	c.attachMu.Unlock()
	if ok {
		close(ch)
		c.attachMu.Lock()
		delete(c.attach, sandboxID)
		c.attachMu.Unlock()
	}
}

// OnAgentDetached is the AgentRegistry DetachNotifier: a running sandbox
// whose agent disconnects outside of a stopping teardown transitions to
// error.
func (c *Controller) OnAgentDetached(sandboxID, reason string) {
	lock := c.lockFor(sandboxID)
	lock.Lock()
	defer lock.Unlock()

	sb, err := c.store.Update(sandboxID, func(s *types.Sandbox) error {
		if s.State != types.SandboxStopping && s.State != types.SandboxStopped {
			s.State = types.SandboxError
		}
		return nil
	})
	if err != nil {
		log.Printf("sandbox controller: on_agent_detached %s: %v", sandboxID, err)
		return
	}
	c.emit(types.EventAgentDisconnect, sb, reason)
	if sb.State == types.SandboxError {
		c.emit(types.EventSandboxError, sb, reason)
	}
}

// Get returns the current record for id.
func (c *Controller) Get(id string) (*types.Sandbox, error) {
	return c.store.Get(id)
}

// List returns records matching filter.
func (c *Controller) List(filter types.ListFilter) ([]*types.Sandbox, error) {
	return c.store.List(filter)
}

// Delete tears down a sandbox: mark stopping, disconnect the agent
// session, stop and remove the container, release the workspace, and
// finally remove the record. Idempotent — deleting an already-stopped or
// absent sandbox succeeds.
func (c *Controller) Delete(ctx context.Context, id string, force, keepWorkspace bool) error {
	lock := c.lockFor(id)
	lock.Lock()
	defer func() {
		lock.Unlock()
		c.dropLock(id)
	}()

	sb, err := c.store.Get(id)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}
	if sb.State == types.SandboxStopped {
		return nil
	}

	if _, err := c.store.Update(id, func(s *types.Sandbox) error {
		s.State = types.SandboxStopping
		return nil
	}); err != nil {
		return err
	}

	if c.registry != nil {
		c.registry.Detach(id, "controller_teardown")
	}
	if c.audit != nil {
		c.audit.Remove(id)
	}

	grace := 10
	if force {
		grace = 0
	}
	var teardownErr error
	if sb.ContainerRef != "" {
		if err := c.runtime.Stop(ctx, runtime.Handle(sb.ContainerRef), grace); err != nil {
			teardownErr = fmt.Errorf("stop container: %w", err)
		} else if err := c.runtime.Remove(ctx, runtime.Handle(sb.ContainerRef), true); err != nil {
			teardownErr = fmt.Errorf("remove container: %w", err)
		}
	}
	if teardownErr != nil {
		_, _ = c.store.Update(id, func(s *types.Sandbox) error {
			s.State = types.SandboxError
			return nil
		})
		return teardownErr
	}

	if !keepWorkspace && sb.WorkspacePath != "" {
		if err := c.workspace.Release(id); err != nil {
			log.Printf("sandbox controller: release workspace %s: %v", id, err)
		}
	}

	final, err := c.store.Update(id, func(s *types.Sandbox) error {
		s.State = types.SandboxStopped
		return nil
	})
	if err != nil {
		return err
	}
	c.emit(types.EventSandboxDeleted, final, "")
	if err := c.store.Delete(id); err != nil {
		log.Printf("sandbox controller: remove record %s: %v", id, err)
	}
	return nil
}

// BatchDelete deletes up to opts.BatchDeleteMax sandboxes concurrently,
// reporting a per-id outcome.
func (c *Controller) BatchDelete(ctx context.Context, req types.BatchDeleteRequest) []types.BatchDeleteResult {
	ids := req.IDs
	if len(ids) > c.opts.BatchDeleteMax {
		ids = ids[:c.opts.BatchDeleteMax]
	}
	results := make([]types.BatchDeleteResult, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			err := c.Delete(ctx, id, false, req.KeepWorkspace)
			if err != nil {
				results[i] = types.BatchDeleteResult{ID: id, Ok: false, Reason: err.Error()}
			} else {
				results[i] = types.BatchDeleteResult{ID: id, Ok: true}
			}
		}(i, id)
	}
	wg.Wait()
	return results
}

// Extend updates expires_at = max(expires_at, now) + seconds, capped by
// the configured lifetime ceiling measured from CreatedAt.
func (c *Controller) Extend(id string, seconds int64) (*types.Sandbox, error) {
	return c.store.Update(id, func(s *types.Sandbox) error {
		now := time.Now().UnixMilli()
		base := s.ExpiresAt
		if base < now {
			base = now
		}
		newExpiry := base + seconds*1000
		if c.opts.MaxTimeoutSeconds > 0 {
			ceiling := s.CreatedAt + int64(c.opts.MaxTimeoutSeconds)*1000
			if newExpiry > ceiling {
				newExpiry = ceiling
			}
		}
		s.ExpiresAt = newExpiry
		s.ExpiringNotified = false
		return nil
	})
}

// Stats composes container-level runtime stats with workspace disk usage.
func (c *Controller) Stats(ctx context.Context, id string) (*types.Stats, error) {
	sb, err := c.store.Get(id)
	if err != nil {
		return nil, err
	}
	stats := &types.Stats{SandboxID: id}
	if sb.ContainerRef != "" {
		snap, err := c.runtime.Stats(ctx, runtime.Handle(sb.ContainerRef))
		if err != nil {
			return nil, fmt.Errorf("sandbox controller: container stats: %w", err)
		}
		stats.CPUPercent = snap.CPUPercent
		stats.MemUsageBytes = snap.MemUsage
		stats.MemLimitBytes = snap.MemLimit
		stats.NetInput = snap.NetInput
		stats.NetOutput = snap.NetOutput
		stats.PIDs = snap.PIDs
	}
	if c.workspace.Enabled() && sb.WorkspacePath != "" {
		used, err := c.workspace.DiskUsage(id)
		if err == nil {
			stats.DiskUsedBytes = used
		}
	}
	return stats, nil
}

// Logs fetches container logs for id.
func (c *Controller) Logs(ctx context.Context, id string, tailLines int, since, until string) ([]byte, error) {
	sb, err := c.store.Get(id)
	if err != nil {
		return nil, err
	}
	if sb.ContainerRef == "" {
		return nil, nil
	}
	return c.runtime.Logs(ctx, runtime.Handle(sb.ContainerRef), tailLines, since, until)
}

// RecoverOnStartup scans every non-terminal record and reconciles it
// against the container runtime. Running containers get a bounded window
// to reattach; everything else resolves to error or stopped.
func (c *Controller) RecoverOnStartup(ctx context.Context) error {
	all, err := c.store.ScanAll()
	if err != nil {
		return fmt.Errorf("sandbox controller: recovery scan: %w", err)
	}
	for _, sb := range all {
		if sb.State == types.SandboxStopped {
			continue
		}
		if sb.ContainerRef == "" {
			_, _ = c.store.Update(sb.ID, func(s *types.Sandbox) error {
				s.State = types.SandboxStopped
				return nil
			})
			continue
		}
		info, err := c.runtime.Inspect(ctx, runtime.Handle(sb.ContainerRef))
		if err != nil {
			log.Printf("sandbox controller: recovery inspect %s: %v", sb.ID, err)
			continue
		}
		if info.State != "running" {
			_, _ = c.store.Update(sb.ID, func(s *types.Sandbox) error {
				if info.State == "stopped" {
					s.State = types.SandboxStopped
				} else {
					s.State = types.SandboxError
				}
				return nil
			})
			continue
		}

		_, _ = c.store.Update(sb.ID, func(s *types.Sandbox) error {
			s.State = types.SandboxStarting
			return nil
		})
		go c.awaitReattach(sb.ID)
	}
	return nil
}

func (c *Controller) awaitReattach(id string) {
	ch := make(chan struct{})
	c.attachMu.Lock()
	c.attach[id] = ch
	c.attachMu.Unlock()
	defer func() {
		c.attachMu.Lock()
		delete(c.attach, id)
		c.attachMu.Unlock()
	}()

	select {
	case <-ch:
		log.Printf("sandbox controller: %s reattached after restart", id)
	case <-time.After(c.opts.AgentAttachTimeout):
		_, _ = c.store.Update(id, func(s *types.Sandbox) error {
			if s.State == types.SandboxStarting {
				s.State = types.SandboxError
			}
			return nil
		})
		log.Printf("sandbox controller: %s did not reattach after restart, marked error", id)
	}
}

func resolveTemplateImage(template, fallback string) string {
	switch template {
	case "", "base":
		if fallback != "" {
			return fallback
		}
		return "docker.io/library/ubuntu:22.04"
	case "python":
		return "docker.io/library/python:3.12-slim"
	case "node":
		return "docker.io/library/node:20-slim"
	default:
		return fmt.Sprintf("localhost/opensandboxd-template/%s:latest", template)
	}
}
