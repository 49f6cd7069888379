package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/opensandbox/opensandboxd/pkg/types"
)

func TestClient_CreateSandbox(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "test-key" {
			t.Errorf("expected X-API-Key header, got %q", r.Header.Get("X-API-Key"))
		}
		var req types.CreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(types.Sandbox{ID: "sbx_1", Name: req.Name, State: types.SandboxStarting})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-key")
	sb, err := c.CreateSandbox(context.Background(), types.CreateRequest{Name: "box"})
	if err != nil {
		t.Fatalf("create sandbox: %v", err)
	}
	if sb.ID != "sbx_1" || sb.Name != "box" {
		t.Errorf("unexpected sandbox: %+v", sb)
	}
}

func TestClient_ListSandboxesWithFilter(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_ = json.NewEncoder(w).Encode([]*types.Sandbox{{ID: "sbx_1"}, {ID: "sbx_2"}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-key")
	out, err := c.ListSandboxes(context.Background(), types.ListFilter{State: types.SandboxRunning, NamePrefix: "dev-"})
	if err != nil {
		t.Fatalf("list sandboxes: %v", err)
	}
	if len(out) != 2 {
		t.Errorf("expected 2 sandboxes, got %d", len(out))
	}
	if gotQuery != "state=running&name_prefix=dev-" {
		t.Errorf("unexpected query string: %q", gotQuery)
	}
}

func TestClient_GetSandboxSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(types.ErrorEnvelope{
			Error: types.ErrorDetail{Code: http.StatusNotFound, Name: "SANDBOX_NOT_FOUND", Message: "sandbox sbx_missing not found"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-key")
	_, err := c.GetSandbox(context.Background(), "sbx_missing")
	if err == nil {
		t.Fatal("expected error for missing sandbox")
	}
}

func TestClient_DeleteSandbox(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("expected DELETE, got %s", r.Method)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-key")
	if err := c.DeleteSandbox(context.Background(), "sbx_1"); err != nil {
		t.Fatalf("delete sandbox: %v", err)
	}
}

func TestClient_RunCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var spec types.CommandSpec
		_ = json.NewDecoder(r.Body).Decode(&spec)
		if spec.Stream {
			t.Error("expected Stream forced false for RunCommand")
		}
		_ = json.NewEncoder(w).Encode(types.ProcessResult{CommandID: "cmd_1", ExitCode: 0, Stdout: "hi\n"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-key")
	result, err := c.RunCommand(context.Background(), "sbx_1", types.CommandSpec{Command: "echo hi", Stream: true})
	if err != nil {
		t.Fatalf("run command: %v", err)
	}
	if result.Stdout != "hi\n" || result.ExitCode != 0 {
		t.Errorf("unexpected result: %+v", result)
	}
}
