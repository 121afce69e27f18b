package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/leadpulse/leadpulse/internal/store"
)

// WABridgeAdapter sends messages through an unofficial WhatsApp bridge
// over websocket. Each send dials the bridge, writes one frame and waits
// for the bridge's ack; the bridge owns the long-lived phone session.
type WABridgeAdapter struct {
	dialer *websocket.Dialer
}

func NewWABridgeAdapter() *WABridgeAdapter {
	return &WABridgeAdapter{
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

func (a *WABridgeAdapter) Kind() store.ProviderKind { return store.ProviderWABridge }

type bridgeFrame struct {
	Type     string `json:"type"`
	To       string `json:"to"`
	Body     string `json:"body,omitempty"`
	MediaURL string `json:"media_url,omitempty"`
}

type bridgeAck struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	Error     string `json:"error,omitempty"`
}

func (a *WABridgeAdapter) Send(ctx context.Context, creds *store.ChannelCredentials, token string, target Target, payload Payload) (*SendResult, error) {
	if creds.BridgeURL == "" {
		return nil, Permanent(a.Kind(), "bridge url not configured")
	}
	if target.Phone == "" {
		return nil, Permanent(a.Kind(), "recipient phone number missing")
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := a.dialer.DialContext(ctx, creds.BridgeURL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, Permanent(a.Kind(), "bridge rejected credentials: status %d", resp.StatusCode)
		}
		return nil, Transient(a.Kind(), "dial bridge: %v", err)
	}
	defer conn.Close()

	frame := bridgeFrame{
		Type:     "message",
		To:       target.Phone,
		Body:     payload.Text,
		MediaURL: payload.MediaURL,
	}

	deadline := time.Now().Add(30 * time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	conn.SetWriteDeadline(deadline)
	conn.SetReadDeadline(deadline)

	if err := conn.WriteJSON(frame); err != nil {
		return nil, Transient(a.Kind(), "write frame: %v", err)
	}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, Transient(a.Kind(), "read ack: %v", err)
	}

	var ack bridgeAck
	if err := json.Unmarshal(raw, &ack); err != nil {
		return nil, Transient(a.Kind(), "decode ack: %v", err)
	}
	if ack.Error != "" {
		// The bridge reports unreachable/invalid recipients in the ack.
		return nil, Permanent(a.Kind(), "bridge error: %s", ack.Error)
	}
	return &SendResult{ProviderMessageID: ack.MessageID}, nil
}
