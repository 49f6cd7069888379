package store

import (
	"testing"

	"github.com/opensandbox/opensandboxd/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleSandbox(id string) *types.Sandbox {
	return &types.Sandbox{
		ID:        id,
		Name:      "box-" + id,
		State:     types.SandboxStarting,
		Template:  "ubuntu",
		CreatedAt: 1000,
		UpdatedAt: 1000,
		ExpiresAt: 2000,
	}
}

func TestStore_InsertAndGet(t *testing.T) {
	s := newTestStore(t)
	sb := sampleSandbox("sbx_1")

	if err := s.Insert(sb); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := s.Get("sbx_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != sb.Name || got.State != sb.State {
		t.Errorf("got %+v, want %+v", got, sb)
	}
}

func TestStore_GetNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get("missing"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_InsertNameConflict(t *testing.T) {
	s := newTestStore(t)
	a := sampleSandbox("sbx_1")
	b := sampleSandbox("sbx_2")
	b.Name = a.Name

	if err := s.Insert(a); err != nil {
		t.Fatalf("insert a: %v", err)
	}
	if err := s.Insert(b); err != ErrNameConflict {
		t.Errorf("expected ErrNameConflict, got %v", err)
	}
}

func TestStore_Update(t *testing.T) {
	s := newTestStore(t)
	sb := sampleSandbox("sbx_1")
	if err := s.Insert(sb); err != nil {
		t.Fatalf("insert: %v", err)
	}

	updated, err := s.Update("sbx_1", func(sb *types.Sandbox) error {
		sb.State = types.SandboxRunning
		sb.ContainerRef = "container-xyz"
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.State != types.SandboxRunning || updated.ContainerRef != "container-xyz" {
		t.Errorf("update did not apply: %+v", updated)
	}

	got, err := s.Get("sbx_1")
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if got.State != types.SandboxRunning {
		t.Errorf("state not persisted: %+v", got)
	}
}

func TestStore_DeleteIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	sb := sampleSandbox("sbx_1")
	if err := s.Insert(sb); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Delete("sbx_1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete("sbx_1"); err != nil {
		t.Fatalf("delete again: %v", err)
	}
	if _, err := s.Get("sbx_1"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestStore_ListFiltersByState(t *testing.T) {
	s := newTestStore(t)
	running := sampleSandbox("sbx_run")
	running.State = types.SandboxRunning
	stopped := sampleSandbox("sbx_stop")
	stopped.State = types.SandboxStopped

	if err := s.Insert(running); err != nil {
		t.Fatalf("insert running: %v", err)
	}
	if err := s.Insert(stopped); err != nil {
		t.Fatalf("insert stopped: %v", err)
	}

	out, err := s.List(types.ListFilter{State: types.SandboxRunning})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(out) != 1 || out[0].ID != "sbx_run" {
		t.Errorf("expected only sbx_run, got %+v", out)
	}
}

func TestStore_ScanExpired(t *testing.T) {
	s := newTestStore(t)
	expired := sampleSandbox("sbx_expired")
	expired.State = types.SandboxRunning
	expired.ExpiresAt = 100
	fresh := sampleSandbox("sbx_fresh")
	fresh.State = types.SandboxRunning
	fresh.ExpiresAt = 1_000_000

	if err := s.Insert(expired); err != nil {
		t.Fatalf("insert expired: %v", err)
	}
	if err := s.Insert(fresh); err != nil {
		t.Fatalf("insert fresh: %v", err)
	}

	ids, err := s.ScanExpired(500)
	if err != nil {
		t.Fatalf("scan expired: %v", err)
	}
	if len(ids) != 1 || ids[0] != "sbx_expired" {
		t.Errorf("expected only sbx_expired, got %v", ids)
	}
}
