// Package pty is the PtyBridge: it allocates PtyWaiters through the
// AgentRegistry and bridges them to a single attached WebSocket per PTY,
// enforcing the one-writer-at-a-time / "replaced on reconnect" semantics
// and the idle-ping heartbeat.
package pty

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/opensandbox/opensandboxd/internal/agentreg"
	"github.com/opensandbox/opensandboxd/internal/apierr"
	"github.com/opensandbox/opensandboxd/internal/store"
	"github.com/opensandbox/opensandboxd/pkg/types"
)

// SandboxLookup is the subset of sandbox.Controller Bridge needs.
type SandboxLookup interface {
	Get(id string) (*types.Sandbox, error)
}

// Bridge is the PtyBridge.
type Bridge struct {
	registry  *agentreg.Registry
	sandboxes SandboxLookup
	idleTimeout time.Duration

	mu     sync.Mutex
	conns  map[string]*websocket.Conn // pty_id -> currently attached ws
}

// New builds a Bridge. idleTimeout is how long the bridge waits for a
// client ping before closing the WebSocket (default 90s).
func New(registry *agentreg.Registry, sandboxes SandboxLookup, idleTimeout time.Duration) *Bridge {
	if idleTimeout <= 0 {
		idleTimeout = 90 * time.Second
	}
	return &Bridge{
		registry:    registry,
		sandboxes:   sandboxes,
		idleTimeout: idleTimeout,
		conns:       make(map[string]*websocket.Conn),
	}
}

// Create allocates a PtyWaiter and dispatches CreatePty to the agent.
func (b *Bridge) Create(sandboxID string, req types.PTYCreateRequest) (*types.PTYCreateResponse, error) {
	sb, err := b.sandboxes.Get(sandboxID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apierr.New(apierr.KindNotFound, "sandbox %s not found", sandboxID)
		}
		return nil, apierr.New(apierr.KindStorageUnavailable, "%v", err)
	}
	if sb.State != types.SandboxRunning {
		return nil, apierr.New(apierr.KindSandboxNotRunning, "sandbox %s is %s", sandboxID, sb.State)
	}

	if req.Cols <= 0 {
		req.Cols = 80
	}
	if req.Rows <= 0 {
		req.Rows = 24
	}
	if req.Shell == "" {
		req.Shell = "/bin/bash"
	}

	ptyID := uuid.New().String()
	if _, err := b.registry.CreatePty(sandboxID, ptyID, req); err != nil {
		if err == agentreg.ErrAgentUnavailable {
			return nil, apierr.New(apierr.KindAgentUnavailable, "no agent attached for sandbox %s", sandboxID)
		}
		return nil, apierr.New(apierr.KindRuntimeError, "%v", err)
	}

	return &types.PTYCreateResponse{
		PtyID:      ptyID,
		WsEndpoint: fmt.Sprintf("/api/v1/sandboxes/%s/pty/%s/ws", sandboxID, ptyID),
	}, nil
}

// Resize proxies a terminal resize to the agent.
func (b *Bridge) Resize(sandboxID, ptyID string, cols, rows int) error {
	if err := b.registry.ResizePty(sandboxID, ptyID, cols, rows); err != nil {
		if err == agentreg.ErrAgentUnavailable {
			return apierr.New(apierr.KindAgentUnavailable, "no agent attached for sandbox %s", sandboxID)
		}
		return apierr.New(apierr.KindRuntimeError, "%v", err)
	}
	return nil
}

// Kill proxies a kill to the agent and drops the waiter.
func (b *Bridge) Kill(sandboxID, ptyID string) error {
	if err := b.registry.KillPty(sandboxID, ptyID); err != nil && err != agentreg.ErrAgentUnavailable {
		return apierr.New(apierr.KindRuntimeError, "%v", err)
	}
	return nil
}

// Attach binds conn to ptyID, replacing any previously attached
// connection (closed with reason "replaced"). It blocks until the
// connection closes, the PTY exits, or the idle timeout fires.
func (b *Bridge) Attach(sandboxID, ptyID string, conn *websocket.Conn) error {
	waiter, ok := b.registry.LookupPtyWaiter(sandboxID, ptyID)
	if !ok {
		return apierr.New(apierr.KindNotFound, "pty %s not found", ptyID)
	}
	waiterOutput := waiter.Output

	b.mu.Lock()
	if old, ok := b.conns[ptyID]; ok {
		writeClose(old, "replaced")
		old.Close()
	}
	b.conns[ptyID] = conn
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		if b.conns[ptyID] == conn {
			delete(b.conns, ptyID)
		}
		b.mu.Unlock()
		conn.Close()
	}()

	done := make(chan struct{})
	activity := make(chan struct{}, 1)
	go b.readLoop(sandboxID, ptyID, conn, done, activity)

	idle := time.NewTimer(b.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case msg, ok := <-waiterOutput:
			if !ok {
				return nil
			}
			if err := conn.WriteJSON(msg); err != nil {
				return nil
			}
			if msg.Type == types.PTYServerExit {
				return nil
			}
		case <-activity:
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(b.idleTimeout)
		case <-idle.C:
			writeClose(conn, "idle_timeout")
			_ = b.Kill(sandboxID, ptyID)
			return nil
		case <-done:
			_ = b.Kill(sandboxID, ptyID)
			return nil
		}
	}
}

func (b *Bridge) readLoop(sandboxID, ptyID string, conn *websocket.Conn, done chan<- struct{}, activity chan<- struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg types.PTYClientMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		select {
		case activity <- struct{}{}:
		default:
		}
		switch msg.Type {
		case types.PTYClientInput:
			if err := b.registry.PtyInput(sandboxID, ptyID, msg.Data); err != nil {
				log.Printf("pty bridge: input dispatch failed for %s/%s: %v", sandboxID, ptyID, err)
			}
		case types.PTYClientResize:
			_ = b.Resize(sandboxID, ptyID, msg.Cols, msg.Rows)
		case types.PTYClientPing:
			_ = conn.WriteJSON(&types.PTYServerMsg{Type: types.PTYServerPong})
		}
	}
}

func writeClose(conn *websocket.Conn, reason string) {
	_ = conn.WriteJSON(&types.PTYServerMsg{Type: types.PTYServerError, Message: reason})
}
