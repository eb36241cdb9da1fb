// Package stream pushes claim settlements to websocket subscribers.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"keydrop/core/events"
	"keydrop/native/drops"
)

const (
	wsWriteTimeout    = 10 * time.Second
	subscriberBacklog = 64
)

// Update is one settlement pushed to subscribers.
type Update struct {
	Type     string `json:"type"`
	ClaimID  string `json:"claimId"`
	DropID   string `json:"dropId"`
	KeyID    string `json:"keyId"`
	Receiver string `json:"receiverId"`
	Status   string `json:"status"`
	Refunded string `json:"refunded"`
	Ts       int64  `json:"ts"`
}

type subscriber struct {
	dropID  string
	updates chan Update
}

// Hub fans settlement events out to websocket clients. It implements
// events.Emitter and never blocks the emitter: a subscriber whose backlog is
// full misses the update.
type Hub struct {
	mu      sync.Mutex
	subs    map[*subscriber]struct{}
	origins []string
	logger  *slog.Logger
	nowFn   func() time.Time
}

// NewHub returns a hub accepting upgrades from allowedOrigins, the same list
// the gateway CORS middleware enforces. With no origins only same-origin
// browsers and clients that send no Origin header may connect.
func NewHub(logger *slog.Logger, allowedOrigins []string) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:    make(map[*subscriber]struct{}),
		origins: originHosts(allowedOrigins),
		logger:  logger,
		nowFn:   time.Now,
	}
}

// originHosts converts CORS origins into the host patterns the websocket
// handshake matches against.
func originHosts(origins []string) []string {
	hosts := make([]string, 0, len(origins))
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin == "" || origin == "*" {
			continue
		}
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			origin = u.Host
		}
		hosts = append(hosts, strings.ToLower(origin))
	}
	return hosts
}

// Emit implements events.Emitter.
func (h *Hub) Emit(evt events.Event) {
	if h == nil || evt == nil {
		return
	}
	switch evt.EventType() {
	case drops.EventTypeClaimFinalized, drops.EventTypeClaimRefunded:
	default:
		return
	}
	typed, ok := evt.(events.Typed)
	if !ok || typed.Event() == nil {
		return
	}
	payload := typed.Event()
	update := Update{
		Type:     payload.Type,
		ClaimID:  payload.Attr("claimId"),
		DropID:   payload.Attr("dropId"),
		KeyID:    payload.Attr("keyId"),
		Receiver: payload.Attr("receiver"),
		Status:   payload.Attr("status"),
		Refunded: payload.Attr("refunded"),
		Ts:       h.nowFn().Unix(),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if sub.dropID != "" && sub.dropID != update.DropID {
			continue
		}
		select {
		case sub.updates <- update:
		default:
			h.logger.Warn("settlement stream subscriber lagging",
				slog.String("component", "stream"),
				slog.String("claim_id", update.ClaimID))
		}
	}
}

// Subscribe registers a listener for settlements of dropID, or of every drop
// when dropID is empty. The returned cancel func must be called once.
func (h *Hub) Subscribe(dropID string) (<-chan Update, func()) {
	sub := &subscriber{dropID: dropID, updates: make(chan Update, subscriberBacklog)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub.updates, func() {
		h.mu.Lock()
		delete(h.subs, sub)
		h.mu.Unlock()
	}
}

// Subscribers returns the number of connected listeners.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// ServeHTTP upgrades the request and streams updates until the client leaves.
// The optional drop_id query parameter filters by drop.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	dropID := strings.TrimSpace(r.URL.Query().Get("drop_id"))
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.logger.Debug("settlement stream upgrade rejected",
			slog.String("component", "stream"),
			slog.String("origin", r.Header.Get("Origin")),
			slog.Any("error", err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	// Inbound frames are ignored; CloseRead cancels ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())
	updates, cancel := h.Subscribe(dropID)
	defer cancel()

	if err := pump(ctx, conn, updates); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			h.logger.Debug("settlement stream write failed", slog.String("component", "stream"), slog.Any("error", err))
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func pump(ctx context.Context, conn *websocket.Conn, updates <-chan Update) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update := <-updates:
			if err := writeUpdate(ctx, conn, update); err != nil {
				return err
			}
		}
	}
}

func writeUpdate(ctx context.Context, conn *websocket.Conn, update Update) error {
	data, err := json.Marshal(update)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
