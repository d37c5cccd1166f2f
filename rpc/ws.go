package rpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"paymentengine/core/events"
	"paymentengine/core/types"
)

const (
	wsWriteTimeout      = 10 * time.Second
	subscriberQueueSize = 64
)

// Hub fans committed escrow events out to websocket subscribers. A subscriber
// that cannot keep up loses events rather than stalling the emitter.
type Hub struct {
	mu      sync.Mutex
	subs    map[*subscriber]struct{}
	logger  *slog.Logger
	dropped func(eventType string)
}

type subscriber struct {
	address string
	ch      chan *types.Event
}

// NewHub creates an empty hub. dropped, when set, is called for every event
// discarded because a subscriber queue was full.
func NewHub(logger *slog.Logger, dropped func(eventType string)) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{subs: make(map[*subscriber]struct{}), logger: logger, dropped: dropped}
}

// Emit implements events.Emitter.
func (h *Hub) Emit(evt events.Event) {
	if h == nil || evt == nil {
		return
	}
	payload := evt.Event()
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if sub.address != "" && payload.Attr("address") != sub.address {
			continue
		}
		select {
		case sub.ch <- payload.Clone():
		default:
			if h.dropped != nil {
				h.dropped(payload.Type)
			}
		}
	}
}

// Subscribe registers a subscriber filtered to address (empty for all) and
// returns its channel together with a cancel function.
func (h *Hub) Subscribe(address string) (<-chan *types.Event, func()) {
	sub := &subscriber{address: strings.TrimSpace(address), ch: make(chan *types.Event, subscriberQueueSize)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, sub)
			h.mu.Unlock()
		})
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (s *Server) handleEscrowWS(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		http.Error(w, "event stream disabled", http.StatusServiceUnavailable)
		return
	}
	address := strings.TrimSpace(r.URL.Query().Get("address"))
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	// Subscribers only receive; CloseRead handles control frames and
	// cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	if err := s.streamEscrowEvents(ctx, conn, address); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			s.logger.Debug("event stream closed", slog.Any("error", err))
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEscrowEvents(ctx context.Context, conn *websocket.Conn, address string) error {
	updates, cancel := s.hub.Subscribe(address)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-updates:
			if !ok {
				return nil
			}
			if err := writeEvent(ctx, conn, evt); err != nil {
				return err
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt *types.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
