package nfs

import (
	"context"
	"log"
	"net"
	"strings"
	"sync"

	"github.com/go-git/go-billy/v5"
	gonfs "github.com/willscott/go-nfs"
	nfshelper "github.com/willscott/go-nfs/helpers"
)

// Server is the NFSv3 listener NfsCore exposes. go-nfs owns the wire
// protocol, RPC framing, and vfs walking entirely; this type's only job
// is resolving each mount request to the right sandbox's confined billy
// filesystem and caching the per-sandbox handler go-nfs needs for
// stable NFS file handles.
type Server struct {
	addr     string
	root     *Root
	listener net.Listener
}

// NewServer builds a Server that will listen on addr (e.g. ":2049") and
// serve every sandbox workspace known to root.
func NewServer(addr string, root *Root) *Server {
	return &Server{addr: addr, root: root}
}

// Start begins listening and serving NFSv3 requests, blocking until the
// listener is closed or ctx is cancelled. Callers run it in a goroutine.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	handler := newDispatchHandler(s.root)
	log.Printf("nfs: serving on %s", s.addr)
	if err := gonfs.Serve(ln, handler); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	return nil
}

// Close stops accepting new NFS connections.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// dispatchHandler mounts one path per sandbox ("/<sandbox_id>") and
// hands each its own cached go-nfs Handler, since every sandbox's
// workspace is an independent confined filesystem with its own handle
// space. Sub-handlers are built lazily and kept for the listener's
// lifetime. Root.Visible is checked only when a sandbox's handler is
// first built (its first Mount); a handler already built keeps serving
// that sandbox's directory after the sandbox leaves running/stopping,
// until the directory itself is removed.
type dispatchHandler struct {
	root *Root

	mu       sync.Mutex
	handlers map[string]gonfs.Handler    // sandbox id -> its handler
	byFS     map[billy.Filesystem]gonfs.Handler // the fs Mount returned -> same handler
}

func newDispatchHandler(root *Root) *dispatchHandler {
	return &dispatchHandler{
		root:     root,
		handlers: make(map[string]gonfs.Handler),
		byFS:     make(map[billy.Filesystem]gonfs.Handler),
	}
}

func (d *dispatchHandler) forSandbox(sandboxID string) (gonfs.Handler, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h, ok := d.handlers[sandboxID]; ok {
		return h, nil
	}
	fs, err := d.root.Filesystem(sandboxID)
	if err != nil {
		return nil, err
	}
	base := gonfs.NewNullAuthHandler(fs)
	cached := nfshelper.NewCachingHandler(base, 1<<16)
	d.handlers[sandboxID] = cached
	d.byFS[fs] = cached
	return cached, nil
}

// sandboxFromMountPath pulls the leading path component a client
// requested to mount, e.g. "/abc123" or "abc123/sub" -> "abc123".
func sandboxFromMountPath(path []string) string {
	for _, seg := range path {
		seg = strings.TrimSpace(seg)
		if seg != "" {
			return seg
		}
	}
	return ""
}

func (d *dispatchHandler) Mount(ctx context.Context, conn net.Conn, req gonfs.MountRequest) (gonfs.MountStatus, billy.Filesystem, []gonfs.AuthFlavor) {
	sandboxID := sandboxFromMountPath(req.Dirpath)
	if sandboxID == "" {
		return gonfs.MountStatusErrNoEnt, nil, nil
	}
	h, err := d.forSandbox(sandboxID)
	if err != nil {
		return gonfs.MountStatusErrNoEnt, nil, nil
	}
	return h.Mount(ctx, conn, req)
}

func (d *dispatchHandler) Change(fs billy.Filesystem) billy.Change {
	if h, ok := d.lookupBySentinel(fs); ok {
		return h.Change(fs)
	}
	return nil
}

func (d *dispatchHandler) FSStat(ctx context.Context, fs billy.Filesystem, stat *gonfs.FSStat) error {
	if h, ok := d.lookupBySentinel(fs); ok {
		return h.FSStat(ctx, fs, stat)
	}
	return gonfs.NfsErrorIO
}

func (d *dispatchHandler) ToHandle(fs billy.Filesystem, path []string) []byte {
	if h, ok := d.lookupBySentinel(fs); ok {
		return h.ToHandle(fs, path)
	}
	return nil
}

func (d *dispatchHandler) FromHandle(fh []byte) (billy.Filesystem, []string, error) {
	d.mu.Lock()
	handlers := make([]gonfs.Handler, 0, len(d.handlers))
	for _, h := range d.handlers {
		handlers = append(handlers, h)
	}
	d.mu.Unlock()
	for _, h := range handlers {
		if fs, path, err := h.FromHandle(fh); err == nil {
			return fs, path, nil
		}
	}
	return nil, nil, gonfs.NfsErrorStale
}

func (d *dispatchHandler) HandleLimit() int {
	return 1 << 20
}

func (d *dispatchHandler) InvalidateHandle(fs billy.Filesystem, fh []byte) error {
	if h, ok := d.lookupBySentinel(fs); ok {
		return h.InvalidateHandle(fs, fh)
	}
	return nil
}

// lookupBySentinel finds the cached per-sandbox handler whose
// filesystem is fs, since go-nfs calls these methods with the
// billy.Filesystem it was handed back from Mount rather than a sandbox
// id.
func (d *dispatchHandler) lookupBySentinel(fs billy.Filesystem) (gonfs.Handler, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.byFS[fs]
	return h, ok
}
