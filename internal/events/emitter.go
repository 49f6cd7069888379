// Package events is the EventEmitter: best-effort, at-least-once webhook
// delivery of sandbox lifecycle notifications, signed with HMAC-SHA256 the
// same way the rest of the service signs bearer tokens with HS256.
package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/opensandbox/opensandboxd/pkg/types"
)

const (
	defaultRetryCount  = 3
	compressThreshold  = 8 << 10 // payloads above this size are zstd-compressed
	queueCapacity      = 1024
	deliverTimeout     = 10 * time.Second
)

// Emitter delivers Events to a configured webhook endpoint.
type Emitter struct {
	endpoint   string
	secret     string
	retryCount int
	httpClient *http.Client
	encoder    *zstd.Encoder

	queue chan types.Event
	done  chan struct{}
}

// New builds an Emitter. If endpoint is empty, Emit is a no-op — useful
// for deployments that don't configure a webhook receiver.
func New(endpoint, secret string) *Emitter {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		// zstd.NewWriter only fails on invalid options; none are set here.
		log.Printf("events: zstd encoder init failed: %v", err)
	}
	e := &Emitter{
		endpoint:   endpoint,
		secret:     secret,
		retryCount: defaultRetryCount,
		httpClient: &http.Client{Timeout: deliverTimeout},
		encoder:    enc,
		queue:      make(chan types.Event, queueCapacity),
		done:       make(chan struct{}),
	}
	go e.loop()
	return e
}

// Close stops the delivery loop, dropping any undelivered queued events.
func (e *Emitter) Close() {
	close(e.done)
}

// Emit enqueues an event for delivery. Never blocks the caller: if the
// queue is full, the event is dropped and logged — a slow or down webhook
// receiver must not stall the originating sandbox operation.
func (e *Emitter) Emit(ev types.Event) {
	if e.endpoint == "" {
		return
	}
	select {
	case e.queue <- ev:
	default:
		log.Printf("events: queue full, dropping %s for %s", ev.Kind, ev.SandboxID)
	}
}

func (e *Emitter) loop() {
	for {
		select {
		case <-e.done:
			return
		case ev := <-e.queue:
			e.deliverWithRetry(ev)
		}
	}
}

func (e *Emitter) deliverWithRetry(ev types.Event) {
	backoff := time.Second
	var lastErr error
	for attempt := 0; attempt <= e.retryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-e.done:
				return
			}
			backoff *= 2
		}
		if err := e.deliverOnce(ev); err != nil {
			lastErr = err
			continue
		}
		return
	}
	log.Printf("events: delivery failed for %s (%s) after %d attempts: %v", ev.Kind, ev.SandboxID, e.retryCount+1, lastErr)
}

func (e *Emitter) deliverOnce(ev types.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal: %w", err)
	}

	compressed := false
	payload := body
	if e.encoder != nil && len(body) > compressThreshold {
		payload = e.encoder.EncodeAll(body, nil)
		compressed = true
	}

	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("events: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if compressed {
		req.Header.Set("Content-Encoding", "zstd")
	}
	if e.secret != "" {
		req.Header.Set("X-Signature-256", signPayload(e.secret, body))
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("events: deliver: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("events: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// signPayload signs the uncompressed payload so receivers never need to
// decompress before verifying.
func signPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
