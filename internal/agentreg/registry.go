// Package agentreg is the AgentRegistry: the connection registry over the
// reverse control stream each agent opens back to the server. It owns the
// single map of sandbox id to active session and fans out inbound frames
// to per-command and per-PTY waiters.
//
// Modeled as a concurrent map with per-sandbox-id entries (spec.md's
// "Shared mutable registry of agent sessions" re-architecture note): a
// single global lock only ever guards the map itself; everything
// session-scoped is guarded by that session's own lock, so waiter fan-out
// never blocks new registrations.
package agentreg

import (
	"encoding/base64"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/opensandbox/opensandboxd/pkg/types"
)

const (
	// DefaultHeartbeatIntervalSeconds is advertised to the agent in
	// RegisterAck.
	DefaultHeartbeatIntervalSeconds = 30
	// DefaultHeartbeatTimeout is 2x the interval plus slack, per spec.md §4.5.
	DefaultHeartbeatTimeout = 90 * time.Second
	// DefaultMaxOutputBufferSize is advertised to the agent as an advisory cap.
	DefaultMaxOutputBufferSize = 1 << 20 // 1 MiB
)

// Validator checks whether sandboxID may accept a new Register: the
// record must exist and be in starting, running, or error state.
type Validator func(sandboxID string) error

// AttachNotifier is invoked once a session has completed the register/ack
// handshake for sandboxID.
type AttachNotifier func(sandboxID string)

// DetachNotifier is invoked whenever a session is detached (heartbeat
// timeout, stream closed, controller-initiated teardown via Detach, or
// server shutdown), with the reason.
type DetachNotifier func(sandboxID string, reason string)

// Registry is the AgentRegistry.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session

	validate       Validator
	onAttach       AttachNotifier
	onDetach       DetachNotifier
	heartbeatEvery time.Duration
	heartbeatDead  time.Duration

	stopWatch chan struct{}
	wg        sync.WaitGroup
}

// New builds a Registry. validate, onAttach and onDetach may be nil in
// tests.
func New(validate Validator, onAttach AttachNotifier, onDetach DetachNotifier) *Registry {
	r := &Registry{
		sessions:       make(map[string]*session),
		validate:       validate,
		onAttach:       onAttach,
		onDetach:       onDetach,
		heartbeatEvery: DefaultHeartbeatIntervalSeconds * time.Second,
		heartbeatDead:  DefaultHeartbeatTimeout,
		stopWatch:      make(chan struct{}),
	}
	r.wg.Add(1)
	go r.watchHeartbeats()
	return r
}

// Close stops the heartbeat watchdog and detaches every session.
func (r *Registry) Close() {
	close(r.stopWatch)
	r.wg.Wait()
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.detach(id, "server_shutdown")
	}
}

// Serve runs the read loop for one accepted control stream connection
// until it errors or closes. It blocks; callers run it in its own
// goroutine per connection (e.g. from the control-stream HTTP handler).
func (r *Registry) Serve(t Transport) {
	defer t.Close()

	first, err := t.ReadFrame()
	if err != nil {
		return
	}
	if first.Type != types.FrameRegister {
		return
	}
	sandboxID := first.SandboxID
	if r.validate != nil {
		if err := r.validate(sandboxID); err != nil {
			log.Printf("agentreg: register rejected for %s: %v", sandboxID, err)
			return
		}
	}

	sess := newSession(sandboxID, t, first.Caps)

	r.mu.Lock()
	old, hadOld := r.sessions[sandboxID]
	r.sessions[sandboxID] = sess
	r.mu.Unlock()

	if hadOld {
		old.closeWaiters("agent_reconnect")
		old.transport.Close()
	}

	if err := sess.send(&types.ControlFrame{
		Type:                     types.FrameRegisterAck,
		HeartbeatIntervalSeconds: int(r.heartbeatEvery / time.Second),
		MaxOutputBufferSize:      DefaultMaxOutputBufferSize,
	}); err != nil {
		r.detach(sandboxID, "register_ack_failed")
		return
	}

	if r.onAttach != nil {
		r.onAttach(sandboxID)
	}

	for {
		frame, err := t.ReadFrame()
		if err != nil {
			r.detach(sandboxID, "stream_closed")
			return
		}
		r.route(sess, frame)
	}
}

func (r *Registry) route(sess *session, frame *types.ControlFrame) {
	switch frame.Type {
	case types.FrameHeartbeat:
		sess.touchHeartbeat()
	case types.FrameCmdOutput:
		sess.mu.Lock()
		waiter, ok := sess.pendingCmds[frame.CommandID]
		if ok && (frame.Kind == types.FrameExit || frame.Kind == types.FrameError) {
			delete(sess.pendingCmds, frame.CommandID)
		}
		sess.mu.Unlock()
		if !ok {
			return // late output for a closed waiter: silently dropped
		}
		data := frame.Payload
		if raw, err := base64.StdEncoding.DecodeString(frame.Payload); err == nil {
			data = string(raw)
		}
		pf := &types.ProcessFrame{
			Type:      frame.Kind,
			CommandID: frame.CommandID,
			Data:      data,
			ExitCode:  frame.ExitCode,
			Message:   frame.Error,
			Timestamp: time.Now().UnixMilli(),
		}
		waiter.deliver(pf)
		if frame.Kind == types.FrameExit || frame.Kind == types.FrameError {
			pf.Truncated = waiter.Truncated()
			waiter.finalize()
		}
	case types.FramePtyOutput:
		sess.mu.Lock()
		waiter, ok := sess.pendingPtys[frame.PtyID]
		isExit := frame.ExitCode != nil || frame.Error != ""
		if ok && isExit {
			delete(sess.pendingPtys, frame.PtyID)
		}
		sess.mu.Unlock()
		if !ok {
			return
		}
		msg := &types.PTYServerMsg{Data: frame.Payload}
		switch {
		case frame.ExitCode != nil:
			msg.Type = types.PTYServerExit
			msg.ExitCode = frame.ExitCode
		case frame.Error != "":
			msg.Type = types.PTYServerError
			msg.Message = frame.Error
		default:
			msg.Type = types.PTYServerOutput
		}
		waiter.deliver(msg)
		if isExit {
			waiter.finalize()
		}
	}
}

// detach tears down the session for sandboxID (if any), closes all its
// waiters, and notifies the controller unless the session is already gone.
func (r *Registry) detach(sandboxID, reason string) {
	r.mu.Lock()
	sess, ok := r.sessions[sandboxID]
	if ok {
		delete(r.sessions, sandboxID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	sess.closeWaiters("agent_disconnect")
	sess.transport.Close()
	if r.onDetach != nil {
		r.onDetach(sandboxID, reason)
	}
}

func (r *Registry) watchHeartbeats() {
	defer r.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopWatch:
			return
		case <-ticker.C:
			r.mu.RLock()
			var stale []string
			for id, sess := range r.sessions {
				if sess.heartbeatAge() > r.heartbeatDead {
					stale = append(stale, id)
				}
			}
			r.mu.RUnlock()
			for _, id := range stale {
				r.detach(id, "heartbeat_timeout")
			}
		}
	}
}

// Attached reports whether a session is currently attached for sandboxID.
func (r *Registry) Attached(sandboxID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[sandboxID]
	return ok
}

// RunCommand dispatches RunCommand to the attached agent and registers a
// CommandWaiter to receive the resulting output frames. Returns
// ErrAgentUnavailable if no session is attached.
func (r *Registry) RunCommand(sandboxID, commandID string, spec types.CommandSpec, bufLen int) (*CommandWaiter, error) {
	r.mu.RLock()
	sess, ok := r.sessions[sandboxID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrAgentUnavailable
	}

	maxBuf := spec.MaxBuffer
	if maxBuf <= 0 {
		maxBuf = 1 << 20
	}
	var deadline time.Time
	if spec.TimeoutMs > 0 {
		deadline = time.Now().Add(time.Duration(spec.TimeoutMs) * time.Millisecond)
	}
	waiter := newCommandWaiter(commandID, sandboxID, maxBuf, bufLen, deadline)

	sess.mu.Lock()
	sess.pendingCmds[commandID] = waiter
	sess.mu.Unlock()

	frame := &types.ControlFrame{
		Type:      types.FrameRunCommand,
		CommandID: commandID,
		Cwd:       spec.Cwd,
		Env:       spec.Env,
		TimeoutMs: spec.TimeoutMs,
	}
	if len(spec.Args) > 0 {
		frame.ArgvOrShellLine = append([]string{spec.Command}, spec.Args...)
	} else {
		frame.ShellLine = spec.Command
	}

	if err := sess.send(frame); err != nil {
		sess.mu.Lock()
		delete(sess.pendingCmds, commandID)
		sess.mu.Unlock()
		return nil, fmt.Errorf("agentreg: dispatch run_command: %w", err)
	}
	return waiter, nil
}

// KillCommand dispatches KillCommand for commandID, if a waiter exists.
func (r *Registry) KillCommand(sandboxID, commandID, signal string) error {
	r.mu.RLock()
	sess, ok := r.sessions[sandboxID]
	r.mu.RUnlock()
	if !ok {
		return ErrAgentUnavailable
	}
	return sess.send(&types.ControlFrame{Type: types.FrameKillCommand, CommandID: commandID, Signal: signal})
}

// RemoveCommandWaiter drops a waiter without waiting for its exit frame —
// used when the HTTP client disconnects mid-stream.
func (r *Registry) RemoveCommandWaiter(sandboxID, commandID string) {
	r.mu.RLock()
	sess, ok := r.sessions[sandboxID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	sess.mu.Lock()
	waiter, ok := sess.pendingCmds[commandID]
	if ok {
		delete(sess.pendingCmds, commandID)
	}
	sess.mu.Unlock()
	if ok {
		waiter.finalize()
	}
}

// CreatePty dispatches CreatePty and registers a PtyWaiter.
func (r *Registry) CreatePty(sandboxID, ptyID string, req types.PTYCreateRequest) (*PtyWaiter, error) {
	r.mu.RLock()
	sess, ok := r.sessions[sandboxID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrAgentUnavailable
	}

	waiter := newPtyWaiter(ptyID, sandboxID)
	sess.mu.Lock()
	sess.pendingPtys[ptyID] = waiter
	sess.mu.Unlock()

	frame := &types.ControlFrame{
		Type:  types.FrameCreatePty,
		PtyID: ptyID,
		Cols:  req.Cols,
		Rows:  req.Rows,
		Shell: req.Shell,
		Cwd:   req.Cwd,
		Env:   req.Env,
	}
	if err := sess.send(frame); err != nil {
		sess.mu.Lock()
		delete(sess.pendingPtys, ptyID)
		sess.mu.Unlock()
		return nil, fmt.Errorf("agentreg: dispatch create_pty: %w", err)
	}
	return waiter, nil
}

// PtyInput forwards base64-encoded terminal bytes to the agent unchanged.
func (r *Registry) PtyInput(sandboxID, ptyID string, payloadB64 string) error {
	r.mu.RLock()
	sess, ok := r.sessions[sandboxID]
	r.mu.RUnlock()
	if !ok {
		return ErrAgentUnavailable
	}
	return sess.send(&types.ControlFrame{Type: types.FramePtyInput, PtyID: ptyID, Payload: payloadB64})
}

// ResizePty forwards a terminal resize.
func (r *Registry) ResizePty(sandboxID, ptyID string, cols, rows int) error {
	r.mu.RLock()
	sess, ok := r.sessions[sandboxID]
	r.mu.RUnlock()
	if !ok {
		return ErrAgentUnavailable
	}
	return sess.send(&types.ControlFrame{Type: types.FrameResizePty, PtyID: ptyID, Cols: cols, Rows: rows})
}

// KillPty dispatches KillPty and drops the waiter.
func (r *Registry) KillPty(sandboxID, ptyID string) error {
	r.mu.RLock()
	sess, ok := r.sessions[sandboxID]
	r.mu.RUnlock()
	if !ok {
		return ErrAgentUnavailable
	}
	sess.mu.Lock()
	waiter, hadWaiter := sess.pendingPtys[ptyID]
	delete(sess.pendingPtys, ptyID)
	sess.mu.Unlock()
	if hadWaiter {
		waiter.finalize()
	}
	return sess.send(&types.ControlFrame{Type: types.FrameKillPty, PtyID: ptyID})
}

// LookupPtyWaiter returns the pending waiter for ptyID, if any — used by
// the WebSocket upgrade handler, which attaches after Create already
// registered the waiter.
func (r *Registry) LookupPtyWaiter(sandboxID, ptyID string) (*PtyWaiter, bool) {
	r.mu.RLock()
	sess, ok := r.sessions[sandboxID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	w, ok := sess.pendingPtys[ptyID]
	return w, ok
}

// Detach forcibly detaches sandboxID's session, e.g. when the controller
// begins teardown. No-op if nothing is attached.
func (r *Registry) Detach(sandboxID, reason string) {
	r.detach(sandboxID, reason)
}

// ErrAgentUnavailable is returned when no attached session exists at
// dispatch time.
var ErrAgentUnavailable = fmt.Errorf("no attached agent session")
