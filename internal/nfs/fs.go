// Package nfs is NfsCore: it exposes every running or stopping sandbox's
// workspace directory over NFSv3, confined strictly to that sandbox's
// subtree. The billy.Filesystem this package builds backs
// willscott/go-nfs's Handler, which does the protocol-level NFSv3 work;
// this package is responsible only for the confinement and visibility
// invariants the data model requires.
package nfs

import (
	"os"
	"path/filepath"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/helper/chroot"
	"github.com/go-git/go-billy/v5/osfs"

	"github.com/opensandbox/opensandboxd/internal/store"
	"github.com/opensandbox/opensandboxd/pkg/types"
)

// SandboxLister is the subset of MetadataStore NfsCore needs to decide
// root-listing visibility.
type SandboxLister interface {
	List(filter types.ListFilter) ([]*types.Sandbox, error)
	Get(id string) (*types.Sandbox, error)
}

// Root describes the configured workspace root,
// presenting one visible entry per sandbox whose state is running or
// stopping. Confinement to a sandbox's own subtree is delegated entirely
// to the chroot.Filesystem Filesystem returns; Root itself only decides
// which sandbox ids are visible and where their workspace lives on disk.
type Root struct {
	root       string
	sandboxes  SandboxLister
}

// NewRoot builds a Root confined to workspaceRoot.
func NewRoot(workspaceRoot string, sandboxes SandboxLister) *Root {
	return &Root{root: workspaceRoot, sandboxes: sandboxes}
}

// Visible reports whether sandboxID should appear in the root listing.
func (r *Root) Visible(sandboxID string) bool {
	sb, err := r.sandboxes.Get(sandboxID)
	if err != nil {
		return false
	}
	return sb.State == types.SandboxRunning || sb.State == types.SandboxStopping
}

// ListVisible returns the ids of every sandbox currently visible in the
// root listing.
func (r *Root) ListVisible() ([]string, error) {
	running, err := r.sandboxes.List(types.ListFilter{State: types.SandboxRunning, Limit: 10000})
	if err != nil {
		return nil, err
	}
	stopping, err := r.sandboxes.List(types.ListFilter{State: types.SandboxStopping, Limit: 10000})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(running)+len(stopping))
	for _, sb := range running {
		ids = append(ids, sb.ID)
	}
	for _, sb := range stopping {
		ids = append(ids, sb.ID)
	}
	return ids, nil
}

// Filesystem returns a billy.Filesystem rooted at sandbox_id's workspace
// directory, for handing to willscott/go-nfs's Handler. chroot.New
// rejects any path (including a ".." sequence) that would resolve
// outside dir; it does not walk symlinks planted inside the workspace,
// so a symlink a client creates pointing back out of its own tree is
// followed rather than blocked.
func (r *Root) Filesystem(sandboxID string) (billy.Filesystem, error) {
	if !r.Visible(sandboxID) {
		return nil, store.ErrNotFound
	}
	dir := filepath.Join(r.root, sandboxID)
	if _, err := os.Stat(dir); err != nil {
		return nil, err
	}
	return chroot.New(osfs.New("/"), dir), nil
}
