package reaper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/opensandbox/opensandboxd/internal/runtime"
	"github.com/opensandbox/opensandboxd/internal/sandbox"
	"github.com/opensandbox/opensandboxd/internal/store"
	"github.com/opensandbox/opensandboxd/pkg/types"
)

type fakeController struct {
	mu      sync.Mutex
	deleted []string
}

func (f *fakeController) Delete(ctx context.Context, id string, force, keepWorkspace bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeRuntime struct {
	handles []runtime.Handle
	removed []runtime.Handle
}

func (f *fakeRuntime) Create(ctx context.Context, spec runtime.CreateSpec) (runtime.Handle, error) {
	return "", nil
}
func (f *fakeRuntime) Start(ctx context.Context, h runtime.Handle) error { return nil }
func (f *fakeRuntime) Stop(ctx context.Context, h runtime.Handle, graceSeconds int) error {
	return nil
}
func (f *fakeRuntime) Remove(ctx context.Context, h runtime.Handle, force bool) error {
	f.removed = append(f.removed, h)
	return nil
}
func (f *fakeRuntime) Inspect(ctx context.Context, h runtime.Handle) (runtime.InspectResult, error) {
	return runtime.InspectResult{State: "running"}, nil
}
func (f *fakeRuntime) Stats(ctx context.Context, h runtime.Handle) (runtime.StatsSnapshot, error) {
	return runtime.StatsSnapshot{}, nil
}
func (f *fakeRuntime) Logs(ctx context.Context, h runtime.Handle, tailLines int, since, until string) ([]byte, error) {
	return nil, nil
}
func (f *fakeRuntime) List(ctx context.Context) ([]runtime.Handle, error) {
	return f.handles, nil
}

func sampleSandbox(id string) *types.Sandbox {
	return &types.Sandbox{
		ID:        id,
		Name:      "box-" + id,
		State:     types.SandboxRunning,
		Template:  "ubuntu",
		CreatedAt: 1000,
		UpdatedAt: 1000,
		ExpiresAt: 2000,
	}
}

func TestReaper_ExpireOverdue(t *testing.T) {
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	expired := sampleSandbox("sbx_expired")
	expired.ExpiresAt = 100
	if err := st.Insert(expired); err != nil {
		t.Fatalf("insert: %v", err)
	}

	ctrl := &fakeController{}
	r := New(st, ctrl, nil, nil, nil, Options{Interval: time.Hour, WarnWindow: time.Minute})

	r.expireOverdue(context.Background(), 1_000_000)

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	if len(ctrl.deleted) != 1 || ctrl.deleted[0] != "sbx_expired" {
		t.Errorf("expected sbx_expired deleted, got %v", ctrl.deleted)
	}
}

func TestReaper_WarnExpiringSoonSetsNotifiedOnce(t *testing.T) {
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	sb := sampleSandbox("sbx_soon")
	sb.ExpiresAt = 1_000_000
	if err := st.Insert(sb); err != nil {
		t.Fatalf("insert: %v", err)
	}

	r := New(st, &fakeController{}, nil, nil, nil, Options{Interval: time.Hour, WarnWindow: time.Hour})

	r.warnExpiringSoon(999_000)

	got, err := st.Get("sbx_soon")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.ExpiringNotified {
		t.Error("expected ExpiringNotified set true")
	}

	// A second tick should be a no-op; nothing should error or re-notify in a way that breaks idempotency.
	r.warnExpiringSoon(999_500)
	got2, err := st.Get("sbx_soon")
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if !got2.ExpiringNotified {
		t.Error("expected ExpiringNotified to remain true")
	}
}

func TestReaper_SweepOrphanWorkspaces(t *testing.T) {
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	ws, err := sandbox.NewWorkspaceDirs(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("new workspace dirs: %v", err)
	}
	if _, err := ws.Allocate("sbx_orphan"); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if _, err := ws.Allocate("sbx_known"); err != nil {
		t.Fatalf("allocate: %v", err)
	}

	known := sampleSandbox("sbx_known")
	if err := st.Insert(known); err != nil {
		t.Fatalf("insert: %v", err)
	}

	r := New(st, &fakeController{}, nil, ws, nil, Options{Interval: time.Hour, WarnWindow: time.Hour})
	r.sweepOrphanWorkspaces()

	entries, err := ws.ListEntries()
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 1 || entries[0] != "sbx_known" {
		t.Errorf("expected only sbx_known workspace to remain, got %v", entries)
	}
}

func TestReaper_SweepOrphanContainers(t *testing.T) {
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	known := sampleSandbox("sbx_known")
	known.ContainerRef = "container-known"
	if err := st.Insert(known); err != nil {
		t.Fatalf("insert: %v", err)
	}

	rt := &fakeRuntime{handles: []runtime.Handle{"container-known", "container-orphan"}}
	r := New(st, &fakeController{}, rt, nil, nil, Options{Interval: time.Hour, WarnWindow: time.Hour})

	r.sweepOrphanContainers(context.Background())

	if len(rt.removed) != 1 || rt.removed[0] != "container-orphan" {
		t.Errorf("expected only container-orphan removed, got %v", rt.removed)
	}
}
