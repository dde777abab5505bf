package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mtzanidakis/docpipe/internal/natsbus"
	"github.com/nats-io/nats.go"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Event is what websocket clients receive: the event type, the NATS subject
// it was published on and its data.
type Event struct {
	Type    string `json:"type"`
	Topic   string `json:"topic,omitempty"`
	Payload any    `json:"payload"`
}

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	clientSend = 64
)

// subscriber is one websocket connection and its outbound queue. The queue
// is closed exactly once, by whoever removes the subscriber from the hub.
type subscriber struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans pipeline events out to websocket subscribers. Each subscriber has
// its own bounded queue; one that falls behind is disconnected instead of
// stalling the others.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	events chan Event
}

func NewHub() *Hub {
	return &Hub{
		subs:   make(map[*subscriber]struct{}),
		events: make(chan Event, 256),
	}
}

// Run encodes each event once and queues it for every subscriber until ctx
// ends. All subscribers are disconnected on return.
func (h *Hub) Run(ctx context.Context) {
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-h.events:
			data, err := json.Marshal(event)
			if err != nil {
				slog.Warn("unencodable websocket event", "type", event.Type, "error", err)
				continue
			}
			h.fanOut(data)
		}
	}
}

func (h *Hub) fanOut(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.send <- data:
		default:
			slog.Warn("websocket client too slow, disconnecting", "remote", sub.conn.RemoteAddr())
			delete(h.subs, sub)
			close(sub.send)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		delete(h.subs, sub)
		close(sub.send)
	}
}

// Broadcast queues an event without blocking; it is dropped when the hub is
// backed up.
func (h *Hub) Broadcast(event Event) {
	select {
	case h.events <- event:
	default:
		slog.Warn("websocket broadcast channel full, dropping event", "type", event.Type)
	}
}

// Follow relays every event published under events.> to the subscribers.
// The caller unsubscribes when done.
func (h *Hub) Follow(events *natsbus.Client) (*nats.Subscription, error) {
	sub, err := events.Subscribe(natsbus.TopicEventsAll, func(msg *nats.Msg) {
		var event natsbus.Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			slog.Warn("invalid NATS event payload", "subject", msg.Subject, "error", err)
			return
		}
		h.Broadcast(Event{Type: event.Type, Topic: msg.Subject, Payload: event.Data})
	})
	if err != nil {
		return nil, fmt.Errorf("follow %s: %w", natsbus.TopicEventsAll, err)
	}
	return sub, nil
}

func (h *Hub) attach(conn *websocket.Conn) *subscriber {
	sub := &subscriber{conn: conn, send: make(chan []byte, clientSend)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) detach(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.send)
	}
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// write drains the subscriber's queue onto the connection and keeps it alive
// with pings. It closes the connection when the queue is closed or a write
// fails, which also ends the reader.
func (sub *subscriber) write() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.conn.Close()
	}()

	for {
		select {
		case data, ok := <-sub.send:
			sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				sub.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := sub.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	sub := s.hub.attach(conn)
	go sub.write()
	defer s.hub.detach(sub)

	// Clients only listen; reading handles pongs and detects the close.
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
