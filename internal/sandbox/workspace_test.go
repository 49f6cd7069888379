package sandbox

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWorkspaceDirs_Disabled(t *testing.T) {
	w, err := NewWorkspaceDirs("", 0)
	if err != nil {
		t.Fatalf("new workspace dirs: %v", err)
	}
	if w.Enabled() {
		t.Error("expected Enabled() false with empty root")
	}
	if _, err := w.Allocate("sbx_1"); err == nil {
		t.Error("expected Allocate to fail when disabled")
	}
	if err := w.Release("sbx_1"); err != nil {
		t.Errorf("Release should be a no-op when disabled, got %v", err)
	}
	if usage, err := w.DiskUsage("sbx_1"); err != nil || usage != 0 {
		t.Errorf("expected zero usage when disabled, got %d, %v", usage, err)
	}
}

func TestWorkspaceDirs_AllocateAndRelease(t *testing.T) {
	root := t.TempDir()
	w, err := NewWorkspaceDirs(root, 0)
	if err != nil {
		t.Fatalf("new workspace dirs: %v", err)
	}
	if !w.Enabled() {
		t.Fatal("expected Enabled() true")
	}

	dir, err := w.Allocate("sbx_1")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("allocated dir does not exist: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "f.txt"), []byte("hello"), 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	usage, err := w.DiskUsage("sbx_1")
	if err != nil {
		t.Fatalf("disk usage: %v", err)
	}
	if usage != 5 {
		t.Errorf("expected usage 5, got %d", usage)
	}

	if err := w.Release("sbx_1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("expected dir removed after release, stat err = %v", err)
	}

	// Releasing an already-absent directory must not be an error.
	if err := w.Release("sbx_1"); err != nil {
		t.Errorf("release of absent dir should be idempotent, got %v", err)
	}
}

func TestWorkspaceDirs_ListEntries(t *testing.T) {
	root := t.TempDir()
	w, err := NewWorkspaceDirs(root, 0)
	if err != nil {
		t.Fatalf("new workspace dirs: %v", err)
	}
	if _, err := w.Allocate("sbx_a"); err != nil {
		t.Fatalf("allocate a: %v", err)
	}
	if _, err := w.Allocate("sbx_b"); err != nil {
		t.Fatalf("allocate b: %v", err)
	}

	entries, err := w.ListEntries()
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("expected 2 entries, got %v", entries)
	}
}
