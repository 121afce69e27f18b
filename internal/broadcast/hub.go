// Package broadcast fans pipeline events out to websocket viewers. A
// viewer subscribes to one conversation topic; publishes are fire-and-
// forget and never block the pipeline.
package broadcast

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 32
)

// Event is the frame written to subscribers.
type Event struct {
	Topic   string    `json:"topic"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload"`
}

// Hub tracks subscribers per topic.
type Hub struct {
	mu      sync.RWMutex
	viewers map[string]map[string]*viewer // topic → viewer id → viewer
}

type viewer struct {
	id    string
	topic string
	send  chan []byte
	conn  *websocket.Conn

	closeOnce sync.Once
}

func NewHub() *Hub {
	return &Hub{viewers: make(map[string]map[string]*viewer)}
}

// Publish delivers event to every subscriber of topic. Slow viewers whose
// buffer is full miss the event; delivery here is best-effort by design of
// the pipeline, which never depends on a viewer seeing anything.
func (h *Hub) Publish(topic string, payload any) {
	frame, err := json.Marshal(Event{Topic: topic, Time: time.Now(), Payload: payload})
	if err != nil {
		slog.Error("encode broadcast event", "topic", topic, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, v := range h.viewers[topic] {
		select {
		case v.send <- frame:
		default:
			slog.Debug("viewer buffer full, dropping event", "topic", topic, "viewer", v.id)
		}
	}
}

// Serve registers conn as a subscriber of topic and blocks until the
// connection closes. The caller owns the upgrade; Serve owns the close.
func (h *Hub) Serve(conn *websocket.Conn, topic string) {
	v := &viewer{
		id:    uuid.Must(uuid.NewV7()).String(),
		topic: topic,
		send:  make(chan []byte, sendBufferSize),
		conn:  conn,
	}
	h.register(v)

	go v.writePump()

	// Read loop exists to detect the close; inbound frames are ignored.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	// Unregister before closing the send channel: unregister takes the
	// write lock, so once it returns no Publish can still hold a reference
	// to this viewer, and the close cannot race a send.
	h.unregister(v)
	v.close()
}

func (h *Hub) register(v *viewer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	topic := h.viewers[v.topic]
	if topic == nil {
		topic = make(map[string]*viewer)
		h.viewers[v.topic] = topic
	}
	topic[v.id] = v
	slog.Info("viewer subscribed", "topic", v.topic, "viewer", v.id)
}

func (h *Hub) unregister(v *viewer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.viewers[v.topic], v.id)
	if len(h.viewers[v.topic]) == 0 {
		delete(h.viewers, v.topic)
	}
	slog.Info("viewer unsubscribed", "topic", v.topic, "viewer", v.id)
}

func (v *viewer) writePump() {
	for frame := range v.send {
		v.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := v.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			break
		}
	}
	v.conn.Close()
}

func (v *viewer) close() {
	v.closeOnce.Do(func() { close(v.send) })
}
