package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
)

// WorkspaceDirs owns the on-disk root under which every sandbox gets its
// own workspace directory, bind-mounted into its container and exposed
// through NfsCore.
type WorkspaceDirs struct {
	root          string
	rootCanonical string
	diskQuotaMB   int
}

// NewWorkspaceDirs prepares root (creating it if necessary) and caches its
// canonical form for NfsCore's confinement checks. diskQuotaMB is the
// default per-sandbox XFS project quota; 0 disables quota enforcement.
func NewWorkspaceDirs(root string, diskQuotaMB int) (*WorkspaceDirs, error) {
	if root == "" {
		return &WorkspaceDirs{}, nil
	}
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("workspace dirs: create root: %w", err)
	}
	canon, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, fmt.Errorf("workspace dirs: resolve root: %w", err)
	}
	return &WorkspaceDirs{root: root, rootCanonical: canon, diskQuotaMB: diskQuotaMB}, nil
}

// Enabled reports whether a workspace root was configured; when false, the
// controller creates containers with no workspace bind mount.
func (w *WorkspaceDirs) Enabled() bool {
	return w.root != ""
}

// RootCanonical returns the cached canonical form of the configured root.
func (w *WorkspaceDirs) RootCanonical() string {
	return w.rootCanonical
}

// Allocate creates root/sandboxID with a mode restricted to the service
// user and returns its canonical absolute path.
func (w *WorkspaceDirs) Allocate(sandboxID string) (string, error) {
	if !w.Enabled() {
		return "", fmt.Errorf("workspace dirs: no root configured")
	}
	dir := filepath.Join(w.root, sandboxID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("workspace dirs: allocate %s: %w", sandboxID, err)
	}
	if w.diskQuotaMB > 0 {
		w.SetDiskQuota(sandboxID, w.diskQuotaMB)
	}
	canon, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return "", fmt.Errorf("workspace dirs: resolve %s: %w", sandboxID, err)
	}
	return canon, nil
}

// Release recursively removes root/sandboxID. Idempotent: removing an
// already-absent directory is not an error. Retries once on failure since
// a concurrent writer (NFS, podman teardown) can transiently hold a file
// open.
func (w *WorkspaceDirs) Release(sandboxID string) error {
	if !w.Enabled() {
		return nil
	}
	dir := filepath.Join(w.root, sandboxID)
	err := os.RemoveAll(dir)
	if err != nil {
		err = os.RemoveAll(dir)
	}
	if err != nil {
		return fmt.Errorf("workspace dirs: release %s: %w", sandboxID, err)
	}
	w.RemoveDiskQuota(sandboxID)
	return nil
}

// Path returns root/sandboxID without touching the filesystem, for callers
// that already know the directory exists (e.g. bind-mount wiring).
func (w *WorkspaceDirs) Path(sandboxID string) string {
	if !w.Enabled() {
		return ""
	}
	return filepath.Join(w.root, sandboxID)
}

// ListEntries enumerates the immediate children of root, used by the
// reaper to find workspace directories with no corresponding record.
func (w *WorkspaceDirs) ListEntries() ([]string, error) {
	if !w.Enabled() {
		return nil, nil
	}
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return nil, fmt.Errorf("workspace dirs: list: %w", err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// DiskUsage walks root/sandboxID and sums file sizes. Best-effort: read
// errors on individual entries are skipped rather than failing the call.
func (w *WorkspaceDirs) DiskUsage(sandboxID string) (uint64, error) {
	if !w.Enabled() {
		return 0, nil
	}
	var total uint64
	root := filepath.Join(w.root, sandboxID)
	err := filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			total += uint64(info.Size())
		}
		return nil
	})
	if err != nil {
		return total, fmt.Errorf("workspace dirs: disk usage %s: %w", sandboxID, err)
	}
	return total, nil
}
