package events

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opensandbox/opensandboxd/pkg/types"
)

func TestEmitter_DeliversToWebhook(t *testing.T) {
	var mu sync.Mutex
	var received types.Event
	var sig string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		sig = r.Header.Get("X-Signature-256")
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := New(srv.URL, "shh-secret")
	defer e.Close()

	e.Emit(types.Event{Kind: "sandbox.created", SandboxID: "sbx_1"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		got := received.SandboxID
		mu.Unlock()
		if got == "sbx_1" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if received.SandboxID != "sbx_1" || received.Kind != "sandbox.created" {
		t.Fatalf("webhook did not receive expected event, got %+v", received)
	}
	if !strings.HasPrefix(sig, "sha256=") {
		t.Errorf("expected signed payload, got signature %q", sig)
	}
}

func TestEmitter_NoopWithoutEndpoint(t *testing.T) {
	e := New("", "")
	defer e.Close()
	// Must not panic or block; there's no receiver to observe.
	e.Emit(types.Event{Kind: "sandbox.created", SandboxID: "sbx_1"})
}

func TestEmitter_DropsWhenQueueFull(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(block)

	e := New(srv.URL, "")
	defer e.Close()

	for i := 0; i < queueCapacity+10; i++ {
		e.Emit(types.Event{Kind: "sandbox.created", SandboxID: "sbx_flood"})
	}
	// Must return promptly rather than blocking on a full queue.
}
