package webhooks

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"keydrop/core/types"
	"keydrop/native/drops"
)

type settledEvent struct{ evt *types.Event }

func (s settledEvent) EventType() string   { return s.evt.Type }
func (s settledEvent) Event() *types.Event { return s.evt }

func settlement(typ string) settledEvent {
	return settledEvent{evt: &types.Event{Type: typ, Attributes: map[string]string{
		"claimId":  "0b6c1c5e-5a0e-4f8e-9a51-0f0b0e5d2c11",
		"dropId":   "drop-1",
		"funder":   "funder.testnet",
		"receiver": "alice.testnet",
		"status":   "refund_applied",
		"refunded": "6",
	}}}
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestDispatcherSignsSettlement(t *testing.T) {
	var mu sync.Mutex
	var signature, eventHeader string
	var payload SettlementPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = r.Body.Close()
		mu.Lock()
		defer mu.Unlock()
		signature = r.Header.Get(headerSignature)
		eventHeader = r.Header.Get(headerEvent)
		if Sign([]byte("secret"), body) != signature {
			t.Errorf("signature mismatch")
		}
		_ = json.Unmarshal(body, &payload)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d, err := NewDispatcher(server.URL, []byte("secret"), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	defer d.Close()
	d.Emit(settlement(drops.EventTypeClaimRefunded))

	waitFor(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return signature != ""
	}, time.Second)
	mu.Lock()
	defer mu.Unlock()
	if signature[:7] != "sha256=" {
		t.Fatalf("unexpected signature prefix %s", signature)
	}
	if eventHeader != drops.EventTypeClaimRefunded || payload.Refunded != "6" || payload.DropID != "drop-1" {
		t.Fatalf("unexpected delivery %s %+v", eventHeader, payload)
	}
	if payload.DeliveryID == "" {
		t.Fatalf("expected delivery id")
	}
}

func TestDispatcherRetries(t *testing.T) {
	attempts := int32(0)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	d, err := NewDispatcher(server.URL, []byte("secret"), WithLogger(quietLogger()),
		WithRetryPolicy(5, 10*time.Millisecond, 20*time.Millisecond))
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	defer d.Close()
	d.Emit(settlement(drops.EventTypeClaimFinalized))
	waitFor(func() bool { return atomic.LoadInt32(&attempts) >= 3 }, time.Second)
	if atomic.LoadInt32(&attempts) < 3 {
		t.Fatalf("expected retries, got %d", attempts)
	}
}

func TestDispatcherRefundsOnlySkipsFinalized(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	d, err := NewDispatcher(server.URL, []byte("secret"), WithLogger(quietLogger()), WithRefundsOnly())
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	d.Emit(settlement(drops.EventTypeClaimFinalized))
	d.Emit(settlement(drops.EventTypeClaim))
	d.Emit(settlement(drops.EventTypeClaimRefunded))
	waitFor(func() bool { return atomic.LoadInt32(&hits) >= 1 }, time.Second)
	d.Close()
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("expected exactly one delivery, got %d", got)
	}
}

func TestEnqueueAfterClose(t *testing.T) {
	d, err := NewDispatcher("http://127.0.0.1:1", []byte("secret"), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	d.Close()
	if err := d.Enqueue(SettlementPayload{Type: drops.EventTypeClaimRefunded}); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestNewDispatcherValidates(t *testing.T) {
	if _, err := NewDispatcher(" ", []byte("secret")); err == nil {
		t.Fatalf("expected endpoint error")
	}
	if _, err := NewDispatcher("http://localhost", nil); err == nil {
		t.Fatalf("expected secret error")
	}
}

func waitFor(cond func() bool, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}
