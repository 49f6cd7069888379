package process

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/opensandbox/opensandboxd/internal/agentreg"
	"github.com/opensandbox/opensandboxd/internal/apierr"
	"github.com/opensandbox/opensandboxd/internal/store"
	"github.com/opensandbox/opensandboxd/pkg/types"
)

// fakeTransport is a minimal in-memory agentreg.Transport for exercising
// the pipeline against a real Registry without a network connection.
type fakeTransport struct {
	in     chan *types.ControlFrame
	outCh  chan *types.ControlFrame
	closed chan struct{}
	once   sync.Once
}

func newFakeTransportForPipeline() *fakeTransport {
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
		return nil, errFakeTransportClosed
	}
}

func (t *fakeTransport) WriteFrame(f *types.ControlFrame) error {
	select {
	case <-t.closed:
		return errFakeTransportClosed
	default:
	}
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

type fakeTransportErr string

func (e fakeTransportErr) Error() string { return string(e) }

const errFakeTransportClosed = fakeTransportErr("fake transport closed")

func waitAttachedForPipeline(t *testing.T, r *agentreg.Registry, sandboxID string) {
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

type fakeSandboxLookup struct {
	sandboxes map[string]*types.Sandbox
}

func (f *fakeSandboxLookup) Get(id string) (*types.Sandbox, error) {
	sb, ok := f.sandboxes[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return sb, nil
}

func TestPipeline_StreamRejectsUnknownSandbox(t *testing.T) {
	registry := agentreg.New(nil, nil, nil)
	defer registry.Close()
	lookup := &fakeSandboxLookup{sandboxes: map[string]*types.Sandbox{}}
	p := New(registry, lookup, 1)

	_, _, err := p.Stream(context.Background(), "sbx_missing", types.CommandSpec{Command: "ls"})
	apiErr, ok := err.(*apierr.Error)
	if !ok || apiErr.Kind != apierr.KindNotFound {
		t.Fatalf("expected KindNotFound error, got %v", err)
	}
}

func TestPipeline_StreamRejectsNonRunningSandbox(t *testing.T) {
	registry := agentreg.New(nil, nil, nil)
	defer registry.Close()
	lookup := &fakeSandboxLookup{sandboxes: map[string]*types.Sandbox{
		"sbx_1": {ID: "sbx_1", State: types.SandboxStopped},
	}}
	p := New(registry, lookup, 1)

	_, _, err := p.Stream(context.Background(), "sbx_1", types.CommandSpec{Command: "ls"})
	apiErr, ok := err.(*apierr.Error)
	if !ok || apiErr.Kind != apierr.KindSandboxNotRunning {
		t.Fatalf("expected KindSandboxNotRunning error, got %v", err)
	}
}

func TestPipeline_StreamNoAgentAttached(t *testing.T) {
	registry := agentreg.New(nil, nil, nil)
	defer registry.Close()
	lookup := &fakeSandboxLookup{sandboxes: map[string]*types.Sandbox{
		"sbx_1": {ID: "sbx_1", State: types.SandboxRunning},
	}}
	p := New(registry, lookup, 1)

	_, _, err := p.Stream(context.Background(), "sbx_1", types.CommandSpec{Command: "ls"})
	apiErr, ok := err.(*apierr.Error)
	if !ok || apiErr.Kind != apierr.KindAgentUnavailable {
		t.Fatalf("expected KindAgentUnavailable error, got %v", err)
	}
}

func TestPipeline_RunBuffersStdoutAndExitCode(t *testing.T) {
	registry := agentreg.New(nil, nil, nil)
	defer registry.Close()
	lookup := &fakeSandboxLookup{sandboxes: map[string]*types.Sandbox{
		"sbx_1": {ID: "sbx_1", State: types.SandboxRunning},
	}}
	p := New(registry, lookup, 1)

	tr := newFakeTransportForPipeline()
	tr.in <- &types.ControlFrame{Type: types.FrameRegister, SandboxID: "sbx_1"}
	go registry.Serve(tr)
	waitAttachedForPipeline(t, registry, "sbx_1")
	<-tr.outCh // register_ack

	done := make(chan struct{})
	var result *types.ProcessResult
	var runErr error
	go func() {
		result, runErr = p.Run(context.Background(), "sbx_1", types.CommandSpec{Command: "echo hi"}, 0)
		close(done)
	}()

	dispatched := <-tr.outCh // run_command
	exitCode := 0
	tr.in <- &types.ControlFrame{Type: types.FrameCmdOutput, CommandID: dispatched.CommandID, Kind: types.FrameStdout, Payload: "aGkK"}
	tr.in <- &types.ControlFrame{Type: types.FrameCmdOutput, CommandID: dispatched.CommandID, Kind: types.FrameExit, ExitCode: &exitCode}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline run did not complete in time")
	}

	if runErr != nil {
		t.Fatalf("run: %v", runErr)
	}
	if result.Stdout != "hi\n" {
		t.Errorf("stdout = %q, want %q", result.Stdout, "hi\n")
	}
	if result.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", result.ExitCode)
	}
}
