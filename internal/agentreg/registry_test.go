package agentreg

import (
	"sync"
	"testing"
	"time"

	"github.com/opensandbox/opensandboxd/pkg/types"
)

// fakeTransport is an in-memory Transport: in is read by Serve (frames the
// "agent" sends), out captures every frame the registry writes back.
type fakeTransport struct {
	in     chan *types.ControlFrame
	mu     sync.Mutex
	out    []*types.ControlFrame
	outCh  chan *types.ControlFrame
	closed chan struct{}
	once   sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan *types.ControlFrame, 16),
		outCh:  make(chan *types.ControlFrame, 16),
		closed: make(chan struct{}),
	}
}

func (t *fakeTransport) ReadFrame() (*types.ControlFrame, error) {
	select {
	case f := <-t.in:
		return f, nil
	case <-t.closed:
		return nil, errClosed
	}
}

func (t *fakeTransport) WriteFrame(f *types.ControlFrame) error {
	select {
	case <-t.closed:
		return errClosed
	default:
	}
	t.mu.Lock()
	t.out = append(t.out, f)
	t.mu.Unlock()
	select {
	case t.outCh <- f:
	default:
	}
	return nil
}

func (t *fakeTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

type testErr string

func (e testErr) Error() string { return string(e) }

const errClosed = testErr("fake transport closed")

func waitAttached(t *testing.T, r *Registry, sandboxID string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if r.Attached(sandboxID) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("sandbox %s never attached", sandboxID)
}

func TestRegistry_RegisterHandshake(t *testing.T) {
	r := New(nil, nil, nil)
	defer r.Close()

	tr := newFakeTransport()
	tr.in <- &types.ControlFrame{Type: types.FrameRegister, SandboxID: "sbx_1", Caps: []string{"exec"}}

	go r.Serve(tr)
	waitAttached(t, r, "sbx_1")

	ack := <-tr.outCh
	if ack.Type != types.FrameRegisterAck {
		t.Fatalf("expected register_ack, got %v", ack.Type)
	}
}

func TestRegistry_RegisterRejectedByValidator(t *testing.T) {
	r := New(func(sandboxID string) error { return errClosed }, nil, nil)
	defer r.Close()

	tr := newFakeTransport()
	tr.in <- &types.ControlFrame{Type: types.FrameRegister, SandboxID: "sbx_bad"}
	r.Serve(tr)

	if r.Attached("sbx_bad") {
		t.Error("expected registration to be rejected")
	}
}

func TestRegistry_RunCommandDispatchesAndRoutesOutput(t *testing.T) {
	r := New(nil, nil, nil)
	defer r.Close()

	tr := newFakeTransport()
	tr.in <- &types.ControlFrame{Type: types.FrameRegister, SandboxID: "sbx_1"}
	go r.Serve(tr)
	waitAttached(t, r, "sbx_1")
	<-tr.outCh // register_ack

	waiter, err := r.RunCommand("sbx_1", "cmd_1", types.CommandSpec{Command: "ls"}, 8)
	if err != nil {
		t.Fatalf("run command: %v", err)
	}

	dispatched := <-tr.outCh
	if dispatched.Type != types.FrameRunCommand || dispatched.CommandID != "cmd_1" {
		t.Fatalf("expected run_command frame for cmd_1, got %+v", dispatched)
	}

	exitCode := 0
	tr.in <- &types.ControlFrame{
		Type:      types.FrameCmdOutput,
		CommandID: "cmd_1",
		Kind:      types.FrameExit,
		ExitCode:  &exitCode,
	}

	select {
	case frame := <-waiter.Sink:
		if frame.Type != types.FrameExit {
			t.Errorf("expected exit frame, got %v", frame.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for routed exit frame")
	}
}

func TestRegistry_RunCommandNoAgentAttached(t *testing.T) {
	r := New(nil, nil, nil)
	defer r.Close()

	if _, err := r.RunCommand("sbx_missing", "cmd_1", types.CommandSpec{Command: "ls"}, 8); err != ErrAgentUnavailable {
		t.Errorf("expected ErrAgentUnavailable, got %v", err)
	}
}

func TestRegistry_DetachNotifiesAndClosesWaiters(t *testing.T) {
	var detachedID, detachedReason string
	detached := make(chan struct{})
	r := New(nil, nil, func(id, reason string) {
		detachedID, detachedReason = id, reason
		close(detached)
	})
	defer r.Close()

	tr := newFakeTransport()
	tr.in <- &types.ControlFrame{Type: types.FrameRegister, SandboxID: "sbx_1"}
	go r.Serve(tr)
	waitAttached(t, r, "sbx_1")
	<-tr.outCh

	waiter, err := r.RunCommand("sbx_1", "cmd_1", types.CommandSpec{Command: "ls"}, 8)
	if err != nil {
		t.Fatalf("run command: %v", err)
	}
	<-tr.outCh // run_command

	r.Detach("sbx_1", "controller_teardown")

	select {
	case <-detached:
	case <-time.After(time.Second):
		t.Fatal("onDetach was never called")
	}
	if detachedID != "sbx_1" || detachedReason != "controller_teardown" {
		t.Errorf("unexpected detach args: %s %s", detachedID, detachedReason)
	}
	if r.Attached("sbx_1") {
		t.Error("expected sandbox detached")
	}
	frame, ok := <-waiter.Sink
	if !ok || frame.Type != types.FrameError || frame.Message != "agent_disconnect" {
		t.Errorf("expected agent_disconnect error frame, got %+v (ok=%v)", frame, ok)
	}
	if _, ok := <-waiter.Sink; ok {
		t.Error("expected waiter sink closed after detach")
	}
}
