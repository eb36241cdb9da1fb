package stream

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"keydrop/core/types"
	"keydrop/native/drops"
)

type settledEvent struct{ evt *types.Event }

func (s settledEvent) EventType() string   { return s.evt.Type }
func (s settledEvent) Event() *types.Event { return s.evt }

type plainEvent string

func (p plainEvent) EventType() string { return string(p) }

func settlement(typ, claimID, dropID, refunded string) settledEvent {
	return settledEvent{evt: &types.Event{Type: typ, Attributes: map[string]string{
		"claimId":  claimID,
		"dropId":   dropID,
		"keyId":    "key-1",
		"receiver": "alice.testnet",
		"status":   "finalized",
		"refunded": refunded,
	}}}
}

func newTestHub() *Hub {
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)), []string{"https://claim.example"})
	hub.nowFn = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return hub
}

func dial(t *testing.T, ctx context.Context, server *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/?" + query
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test complete") })
	return conn
}

func readUpdate(t *testing.T, ctx context.Context, conn *websocket.Conn) Update {
	t.Helper()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var update Update
	require.NoError(t, json.Unmarshal(data, &update))
	return update
}

func TestHubStreamsSettlementsByDrop(t *testing.T) {
	hub := newTestHub()
	server := httptest.NewServer(hub)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	all := dial(t, ctx, server, "")
	filtered := dial(t, ctx, server, "drop_id=drop-2")
	require.Eventually(t, func() bool { return hub.Subscribers() == 2 }, 2*time.Second, 10*time.Millisecond)

	hub.Emit(plainEvent(drops.EventTypeClaim))
	hub.Emit(settlement(drops.EventTypeClaimFinalized, "c-1", "drop-1", "0"))
	hub.Emit(settlement(drops.EventTypeClaimRefunded, "c-2", "drop-2", "5"))

	first := readUpdate(t, ctx, all)
	require.Equal(t, "c-1", first.ClaimID)
	require.Equal(t, drops.EventTypeClaimFinalized, first.Type)
	require.EqualValues(t, 1_700_000_000, first.Ts)
	second := readUpdate(t, ctx, all)
	require.Equal(t, "c-2", second.ClaimID)

	only := readUpdate(t, ctx, filtered)
	require.Equal(t, "c-2", only.ClaimID)
	require.Equal(t, "drop-2", only.DropID)
	require.Equal(t, "5", only.Refunded)
}

func TestHubUnsubscribesOnDisconnect(t *testing.T) {
	hub := newTestHub()
	server := httptest.NewServer(hub)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(t, ctx, server, "")
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))
	require.Eventually(t, func() bool { return hub.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHubDropsUpdatesForLaggingSubscriber(t *testing.T) {
	hub := newTestHub()
	updates, cancel := hub.Subscribe("")
	defer cancel()
	for i := 0; i < subscriberBacklog+5; i++ {
		hub.Emit(settlement(drops.EventTypeClaimFinalized, "c", "drop-1", "0"))
	}
	require.Len(t, updates, subscriberBacklog)

	var nilHub *Hub
	nilHub.Emit(settlement(drops.EventTypeClaimFinalized, "c", "drop-1", "0"))
}

func TestHubEnforcesAllowedOrigins(t *testing.T) {
	hub := newTestHub()
	server := httptest.NewServer(hub)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/"
	dialFrom := func(origin string) (*websocket.Conn, *http.Response, error) {
		header := http.Header{}
		header.Set("Origin", origin)
		return websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	}

	_, resp, err := dialFrom("https://evil.example")
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Zero(t, hub.Subscribers())

	conn, _, err := dialFrom("https://claim.example")
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestOriginHosts(t *testing.T) {
	require.Equal(t,
		[]string{"claim.example", "wallet.example:8443", "app.example"},
		originHosts([]string{"https://Claim.example", " ", "*", "https://wallet.example:8443", "app.example"}))
	require.Empty(t, originHosts(nil))
}
