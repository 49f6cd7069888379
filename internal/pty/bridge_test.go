package pty

import (
	"testing"

	"github.com/opensandbox/opensandboxd/internal/agentreg"
	"github.com/opensandbox/opensandboxd/internal/apierr"
	"github.com/opensandbox/opensandboxd/internal/store"
	"github.com/opensandbox/opensandboxd/pkg/types"
)

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

func TestBridge_CreateRejectsUnknownSandbox(t *testing.T) {
	registry := agentreg.New(nil, nil, nil)
	defer registry.Close()
	b := New(registry, &fakeSandboxLookup{sandboxes: map[string]*types.Sandbox{}}, 0)

	_, err := b.Create("sbx_missing", types.PTYCreateRequest{})
	apiErr, ok := err.(*apierr.Error)
	if !ok || apiErr.Kind != apierr.KindNotFound {
		t.Fatalf("expected KindNotFound, got %v", err)
	}
}

func TestBridge_CreateRejectsNonRunningSandbox(t *testing.T) {
	registry := agentreg.New(nil, nil, nil)
	defer registry.Close()
	b := New(registry, &fakeSandboxLookup{sandboxes: map[string]*types.Sandbox{
		"sbx_1": {ID: "sbx_1", State: types.SandboxStopped},
	}}, 0)

	_, err := b.Create("sbx_1", types.PTYCreateRequest{})
	apiErr, ok := err.(*apierr.Error)
	if !ok || apiErr.Kind != apierr.KindSandboxNotRunning {
		t.Fatalf("expected KindSandboxNotRunning, got %v", err)
	}
}

func TestBridge_CreateNoAgentAttached(t *testing.T) {
	registry := agentreg.New(nil, nil, nil)
	defer registry.Close()
	b := New(registry, &fakeSandboxLookup{sandboxes: map[string]*types.Sandbox{
		"sbx_1": {ID: "sbx_1", State: types.SandboxRunning},
	}}, 0)

	_, err := b.Create("sbx_1", types.PTYCreateRequest{})
	apiErr, ok := err.(*apierr.Error)
	if !ok || apiErr.Kind != apierr.KindAgentUnavailable {
		t.Fatalf("expected KindAgentUnavailable, got %v", err)
	}
}

func TestBridge_ResizeAndKillNoAgentAttached(t *testing.T) {
	registry := agentreg.New(nil, nil, nil)
	defer registry.Close()
	b := New(registry, &fakeSandboxLookup{}, 0)

	if err := b.Resize("sbx_1", "pty_1", 80, 24); err == nil {
		t.Error("expected error resizing with no agent attached")
	}
	// Kill tolerates a missing agent: the waiter is already gone either way.
	if err := b.Kill("sbx_1", "pty_1"); err != nil {
		t.Errorf("expected Kill to be a no-op without an attached agent, got %v", err)
	}
}
