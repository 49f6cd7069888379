package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/opensandbox/opensandboxd/internal/agentreg"
	"github.com/opensandbox/opensandboxd/internal/process"
	"github.com/opensandbox/opensandboxd/internal/pty"
	"github.com/opensandbox/opensandboxd/internal/runtime"
	"github.com/opensandbox/opensandboxd/internal/sandbox"
	"github.com/opensandbox/opensandboxd/internal/store"
	"github.com/opensandbox/opensandboxd/pkg/types"
)

type noopRuntime struct{}

func (noopRuntime) Create(ctx context.Context, spec runtime.CreateSpec) (runtime.Handle, error) {
	return "handle", nil
}
func (noopRuntime) Start(ctx context.Context, h runtime.Handle) error { return nil }
func (noopRuntime) Stop(ctx context.Context, h runtime.Handle, graceSeconds int) error {
	return nil
}
func (noopRuntime) Remove(ctx context.Context, h runtime.Handle, force bool) error { return nil }
func (noopRuntime) Inspect(ctx context.Context, h runtime.Handle) (runtime.InspectResult, error) {
	return runtime.InspectResult{State: "running"}, nil
}
func (noopRuntime) Stats(ctx context.Context, h runtime.Handle) (runtime.StatsSnapshot, error) {
	return runtime.StatsSnapshot{}, nil
}
func (noopRuntime) Logs(ctx context.Context, h runtime.Handle, tailLines int, since, until string) ([]byte, error) {
	return []byte("log line\n"), nil
}
func (noopRuntime) List(ctx context.Context) ([]runtime.Handle, error) { return nil, nil }

func newTestServer(t *testing.T, apiKey string) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ws, err := sandbox.NewWorkspaceDirs("", 0)
	if err != nil {
		t.Fatalf("new workspace dirs: %v", err)
	}
	audit := sandbox.NewAuditManager(t.TempDir())
	t.Cleanup(audit.CloseAll)

	ctrl := sandbox.New(st, noopRuntime{}, ws, nil, audit, sandbox.Options{})
	registry := agentreg.New(ctrl.ValidateAttach, ctrl.OnAgentAttached, ctrl.OnAgentDetached)
	ctrl.SetRegistry(registry)
	t.Cleanup(registry.Close)

	pipeline := process.New(registry, ctrl, 1)
	bridge := pty.New(registry, ctrl, 0)

	s := NewServer(ServerOpts{
		Controller: ctrl,
		Registry:   registry,
		Pipeline:   pipeline,
		PTYBridge:  bridge,
		APIKey:     apiKey,
	})
	return s, st
}

func insertSandbox(t *testing.T, st *store.Store, id string) *types.Sandbox {
	t.Helper()
	sb := &types.Sandbox{
		ID:        id,
		Name:      "box-" + id,
		State:     types.SandboxRunning,
		Template:  "ubuntu",
		CreatedAt: 1000,
		UpdatedAt: 1000,
		ExpiresAt: 9_999_999_999_999,
	}
	if err := st.Insert(sb); err != nil {
		t.Fatalf("insert sandbox: %v", err)
	}
	return sb
}

func TestRouter_HealthAndReadyAreUnauthenticated(t *testing.T) {
	s, _ := newTestServer(t, "secret-key")

	paths := []string{"/health", "/ready"}
	for _, path := range paths {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		s.Echo().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want 200", path, rec.Code)
		}
	}
}

func TestRouter_SandboxRoutesRequireAPIKey(t *testing.T) {
	s, _ := newTestServer(t, "secret-key")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sandboxes", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/sandboxes", nil)
	req.Header.Set("X-API-Key", "wrong-key")
	rec = httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestRouter_ListSandboxesEmpty(t *testing.T) {
	s, _ := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sandboxes", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var listed []*types.Sandbox
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(listed) != 0 {
		t.Errorf("expected empty sandbox list, got %v", listed)
	}
}

func TestRouter_GetSandboxNotFound(t *testing.T) {
	s, _ := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sandboxes/does-not-exist", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}

	var env types.ErrorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Error.Name != "SANDBOX_NOT_FOUND" {
		t.Errorf("error name = %q, want SANDBOX_NOT_FOUND", env.Error.Name)
	}
}

func TestRouter_GetSandboxFound(t *testing.T) {
	s, st := newTestServer(t, "")
	insertSandbox(t, st, "sbx_1")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sandboxes/sbx_1", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var sb types.Sandbox
	if err := json.Unmarshal(rec.Body.Bytes(), &sb); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if sb.ID != "sbx_1" {
		t.Errorf("id = %q, want sbx_1", sb.ID)
	}
}

func TestRouter_RunProcessNoAgentAttached(t *testing.T) {
	s, st := newTestServer(t, "")
	insertSandbox(t, st, "sbx_1")

	body := `{"command":"ls"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sandboxes/sbx_1/process/run", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 (no agent attached)", rec.Code)
	}
}

func TestRouter_DeleteSandbox(t *testing.T) {
	s, st := newTestServer(t, "")
	insertSandbox(t, st, "sbx_1")

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/sandboxes/sbx_1", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}

	if _, err := st.Get("sbx_1"); err != store.ErrNotFound {
		t.Errorf("expected sandbox removed from store, got err=%v", err)
	}
}
