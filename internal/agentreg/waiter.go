package agentreg

import (
	"sync"
	"time"

	"github.com/opensandbox/opensandboxd/pkg/types"
)

// waiterState mirrors the spec's CommandWaiter.state.
type waiterState int

const (
	waiterOpen waiterState = iota
	waiterClosed
)

// CommandWaiter is the server-side record holding the output sink for one
// in-flight command. The registry holds only this struct; the HTTP
// responder holds the strong reference (via Sink) that keeps it alive —
// dropping the responder's read loop is what triggers cancellation.
type CommandWaiter struct {
	CommandID string
	SandboxID string
	Sink      chan *types.ProcessFrame
	Deadline  time.Time
	MaxBuffer int

	mu        sync.Mutex
	state     waiterState
	bytesSent int
	truncated bool
}

func newCommandWaiter(commandID, sandboxID string, maxBuffer, bufLen int, deadline time.Time) *CommandWaiter {
	return &CommandWaiter{
		CommandID: commandID,
		SandboxID: sandboxID,
		Sink:      make(chan *types.ProcessFrame, bufLen),
		Deadline:  deadline,
		MaxBuffer: maxBuffer,
	}
}

// deliver pushes a frame to the sink with drop-oldest backpressure: if the
// sink is full, the oldest buffered frame is dropped (stderr preferred
// over stdout) and the eventual terminal frame is marked truncated.
func (w *CommandWaiter) deliver(frame *types.ProcessFrame) {
	w.mu.Lock()
	closed := w.state == waiterClosed
	w.mu.Unlock()
	if closed {
		return
	}

	select {
	case w.Sink <- frame:
		return
	default:
	}

	w.mu.Lock()
	w.truncated = true
	w.mu.Unlock()

	// Drop-oldest: drain one buffered frame (preferring to evict a
	// stdout frame over a stderr one) and retry once.
	select {
	case old := <-w.Sink:
		if old.Type == types.FrameStdout {
			select {
			case w.Sink <- frame:
			default:
			}
			return
		}
		select {
		case w.Sink <- old:
		default:
		}
	default:
	}
	select {
	case w.Sink <- frame:
	default:
	}
}

// finalize marks the waiter closed; a duplicate exit arriving afterward is
// a no-op because deliver() checks state first.
func (w *CommandWaiter) finalize() {
	w.mu.Lock()
	w.state = waiterClosed
	w.mu.Unlock()
	close(w.Sink)
}

// Truncated reports whether any frame for this command was dropped.
func (w *CommandWaiter) Truncated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.truncated
}

// PtyWaiter is the in-memory record for one attached PTY session.
type PtyWaiter struct {
	PtyID     string
	SandboxID string
	Output    chan *types.PTYServerMsg

	mu                 sync.Mutex
	lastClientActivity time.Time
	closed             bool
}

func newPtyWaiter(ptyID, sandboxID string) *PtyWaiter {
	return &PtyWaiter{
		PtyID:               ptyID,
		SandboxID:           sandboxID,
		Output:              make(chan *types.PTYServerMsg, 256),
		lastClientActivity: time.Now(),
	}
}

func (w *PtyWaiter) deliver(msg *types.PTYServerMsg) {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return
	}
	select {
	case w.Output <- msg:
	default:
		// Slow WebSocket client: drop oldest terminal output frame.
		select {
		case <-w.Output:
		default:
		}
		select {
		case w.Output <- msg:
		default:
		}
	}
}

func (w *PtyWaiter) finalize() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()
	close(w.Output)
}

// Touch records client activity for idle-timeout bookkeeping.
func (w *PtyWaiter) Touch() {
	w.mu.Lock()
	w.lastClientActivity = time.Now()
	w.mu.Unlock()
}

// IdleSince returns how long it's been since the last client activity.
func (w *PtyWaiter) IdleSince() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return time.Since(w.lastClientActivity)
}
