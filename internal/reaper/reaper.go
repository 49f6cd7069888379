// Package reaper runs the single periodic sweep that expires overdue
// sandboxes, emits expiring-soon warnings, and cleans up orphaned
// workspace directories and containers left behind by crashes or partial
// teardowns.
package reaper

import (
	"context"
	"log"
	"time"

	"github.com/opensandbox/opensandboxd/internal/events"
	"github.com/opensandbox/opensandboxd/internal/runtime"
	"github.com/opensandbox/opensandboxd/internal/sandbox"
	"github.com/opensandbox/opensandboxd/internal/store"
	"github.com/opensandbox/opensandboxd/pkg/types"
)

// Controller is the subset of sandbox.Controller the reaper drives.
type Controller interface {
	Delete(ctx context.Context, id string, force, keepWorkspace bool) error
}

// Options configures the reaper's tick interval and thresholds.
type Options struct {
	Interval   time.Duration // default 60s
	WarnWindow time.Duration // default 5m
}

// Reaper is the periodic sweep task.
type Reaper struct {
	store     *store.Store
	ctrl      Controller
	runtime   runtime.ContainerRuntime
	workspace *sandbox.WorkspaceDirs
	events    *events.Emitter
	opts      Options

	stop chan struct{}
	done chan struct{}
}

// New builds a Reaper. Start must be called to begin ticking.
func New(st *store.Store, ctrl Controller, rt runtime.ContainerRuntime, ws *sandbox.WorkspaceDirs, emitter *events.Emitter, opts Options) *Reaper {
	if opts.Interval <= 0 {
		opts.Interval = 60 * time.Second
	}
	if opts.WarnWindow <= 0 {
		opts.WarnWindow = 5 * time.Minute
	}
	return &Reaper{
		store:     st,
		ctrl:      ctrl,
		runtime:   rt,
		workspace: ws,
		events:    emitter,
		opts:      opts,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start runs the tick loop in its own goroutine until Stop is called.
func (r *Reaper) Start() {
	go r.loop()
}

// Stop ends the tick loop and waits for the in-flight tick to finish.
func (r *Reaper) Stop() {
	close(r.stop)
	<-r.done
}

func (r *Reaper) loop() {
	defer close(r.done)
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.tick(context.Background())
		}
	}
}

func (r *Reaper) tick(ctx context.Context) {
	now := time.Now().UnixMilli()

	r.expireOverdue(ctx, now)
	r.warnExpiringSoon(now)
	r.sweepOrphanWorkspaces()
	r.sweepOrphanContainers(ctx)
}

func (r *Reaper) expireOverdue(ctx context.Context, now int64) {
	ids, err := r.store.ScanExpired(now)
	if err != nil {
		log.Printf("reaper: scan_expired: %v", err)
		return
	}
	for _, id := range ids {
		if err := r.ctrl.Delete(ctx, id, false, false); err != nil {
			log.Printf("reaper: expire %s: %v", id, err)
		}
	}
}

func (r *Reaper) warnExpiringSoon(now int64) {
	all, err := r.store.ScanAll()
	if err != nil {
		log.Printf("reaper: scan_all: %v", err)
		return
	}
	threshold := r.opts.WarnWindow.Milliseconds()
	for _, sb := range all {
		if sb.State != types.SandboxRunning {
			continue
		}
		if sb.ExpiringNotified {
			continue
		}
		if sb.ExpiresAt-now > threshold {
			continue
		}
		if _, err := r.store.Update(sb.ID, func(s *types.Sandbox) error {
			s.ExpiringNotified = true
			return nil
		}); err != nil {
			continue
		}
		if r.events != nil {
			r.events.Emit(types.Event{
				Kind:      types.EventSandboxExpiring,
				SandboxID: sb.ID,
				Timestamp: now,
				Sandbox:   sb,
			})
		}
	}
}

func (r *Reaper) sweepOrphanWorkspaces() {
	if r.workspace == nil || !r.workspace.Enabled() {
		return
	}
	entries, err := r.workspace.ListEntries()
	if err != nil {
		log.Printf("reaper: list workspace entries: %v", err)
		return
	}
	for _, id := range entries {
		sb, err := r.store.Get(id)
		orphan := err == store.ErrNotFound || (sb != nil && sb.State == types.SandboxStopped)
		if !orphan {
			continue
		}
		if err := r.workspace.Release(id); err != nil {
			log.Printf("reaper: release orphan workspace %s: %v", id, err)
		}
	}
}

func (r *Reaper) sweepOrphanContainers(ctx context.Context) {
	if r.runtime == nil {
		return
	}
	handles, err := r.runtime.List(ctx)
	if err != nil {
		log.Printf("reaper: list runtime containers: %v", err)
		return
	}
	all, err := r.store.ScanAll()
	if err != nil {
		log.Printf("reaper: scan_all: %v", err)
		return
	}
	known := make(map[string]bool, len(all))
	for _, sb := range all {
		if sb.ContainerRef != "" {
			known[sb.ContainerRef] = true
		}
	}
	for _, h := range handles {
		if known[string(h)] {
			continue
		}
		if err := r.runtime.Remove(ctx, h, true); err != nil {
			log.Printf("reaper: remove orphan container %s: %v", h, err)
		}
	}
}
