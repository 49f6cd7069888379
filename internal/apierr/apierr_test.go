package apierr

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/opensandbox/opensandboxd/pkg/types"
)

func TestError_StatusByKind(t *testing.T) {
	cases := map[Kind]int{
		KindNotFound:         http.StatusNotFound,
		KindSandboxLimit:     http.StatusTooManyRequests,
		KindUnauthorized:     http.StatusUnauthorized,
		Kind("UNMAPPED_KIND"): http.StatusInternalServerError,
	}
	for kind, want := range cases {
		err := New(kind, "boom")
		if got := err.Status(); got != want {
			t.Errorf("Kind %s: status = %d, want %d", kind, got, want)
		}
	}
}

func newContext() (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestError_Write(t *testing.T) {
	c, rec := newContext()
	err := New(KindNotFound, "sandbox %s not found", "sbx_1").WithDetails(map[string]interface{}{"id": "sbx_1"})

	if werr := err.Write(c); werr != nil {
		t.Fatalf("write: %v", werr)
	}
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	var env types.ErrorEnvelope
	if jerr := json.Unmarshal(rec.Body.Bytes(), &env); jerr != nil {
		t.Fatalf("unmarshal: %v", jerr)
	}
	if env.Error.Name != string(KindNotFound) {
		t.Errorf("name = %q, want %q", env.Error.Name, KindNotFound)
	}
	if env.Error.Message != "sandbox sbx_1 not found" {
		t.Errorf("message = %q", env.Error.Message)
	}
	if env.Error.Details["id"] != "sbx_1" {
		t.Errorf("details = %v", env.Error.Details)
	}
}

func TestRespond_WrapsUnrecognizedError(t *testing.T) {
	c, rec := newContext()
	if err := Respond(c, errors.New("unexpected")); err != nil {
		t.Fatalf("respond: %v", err)
	}
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}

	var env types.ErrorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Error.Message != "unexpected" {
		t.Errorf("message = %q, want %q", env.Error.Message, "unexpected")
	}
}

func TestRespond_PassesThroughTypedError(t *testing.T) {
	c, rec := newContext()
	if err := Respond(c, New(KindConflict, "already running")); err != nil {
		t.Fatalf("respond: %v", err)
	}
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
}
