package agentreg

import (
	"sync"
	"time"

	"github.com/opensandbox/opensandboxd/pkg/types"
)

// session is the in-memory Agent session: it exists only while a control
// stream is attached and is destroyed on disconnect.
type session struct {
	sandboxID string
	transport Transport
	caps      []string

	mu            sync.Mutex
	lastHeartbeat time.Time
	pendingCmds   map[string]*CommandWaiter
	pendingPtys   map[string]*PtyWaiter

	writeMu sync.Mutex
}

func newSession(sandboxID string, t Transport, caps []string) *session {
	return &session{
		sandboxID:     sandboxID,
		transport:     t,
		caps:          caps,
		lastHeartbeat: time.Now(),
		pendingCmds:   make(map[string]*CommandWaiter),
		pendingPtys:   make(map[string]*PtyWaiter),
	}
}

func (s *session) send(frame *types.ControlFrame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.transport.WriteFrame(frame)
}

func (s *session) touchHeartbeat() {
	s.mu.Lock()
	s.lastHeartbeat = time.Now()
	s.mu.Unlock()
}

func (s *session) heartbeatAge() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastHeartbeat)
}

// closeWaiters finalizes every pending command/PTY waiter with reason,
// delivering a terminal error frame first so HTTP/WS responders observe
// a well-defined end rather than a silently closed channel.
func (s *session) closeWaiters(reason string) {
	s.mu.Lock()
	cmds := s.pendingCmds
	s.pendingCmds = make(map[string]*CommandWaiter)
	ptys := s.pendingPtys
	s.pendingPtys = make(map[string]*PtyWaiter)
	s.mu.Unlock()

	now := time.Now().UnixMilli()
	for _, w := range cmds {
		w.deliver(&types.ProcessFrame{
			Type:      types.FrameError,
			CommandID: w.CommandID,
			Message:   reason,
			Timestamp: now,
		})
		w.finalize()
	}
	for _, w := range ptys {
		w.deliver(&types.PTYServerMsg{Type: types.PTYServerError, Message: reason})
		w.finalize()
	}
}
