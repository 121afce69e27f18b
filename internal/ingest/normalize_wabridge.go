package ingest

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/leadpulse/leadpulse/internal/store"
)

// wabridgePayload is the unofficial WhatsApp bridge's inbound frame.
// The bridge (whatsapp-web.js based) relays messages as flat JSON.
type wabridgePayload struct {
	Type      string `json:"type"` // "message"
	From      string `json:"from"` // e.g. "5511999999999@c.us"
	Name      string `json:"name"`
	ID        string `json:"id"`
	Body      string `json:"body"`
	MediaURL  string `json:"media_url"`
	Timestamp int64  `json:"timestamp"` // unix seconds
	FromMe    bool   `json:"from_me"`
}

// WABridgeNormalizer parses frames relayed by the unofficial bridge.
type WABridgeNormalizer struct{}

func (WABridgeNormalizer) Kind() store.ProviderKind { return store.ProviderWABridge }

func (WABridgeNormalizer) Normalize(workspaceID uuid.UUID, body []byte) ([]InboundEvent, error) {
	var payload wabridgePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &ValidationError{Provider: store.ProviderWABridge, Reason: "malformed JSON"}
	}
	if payload.Type != "" && payload.Type != "message" {
		return nil, nil
	}
	if payload.FromMe {
		return nil, nil
	}
	if payload.From == "" || payload.ID == "" {
		return nil, &ValidationError{Provider: store.ProviderWABridge, Reason: "missing sender or message id"}
	}

	text := strings.TrimSpace(payload.Body)
	if text == "" && payload.MediaURL == "" {
		return nil, nil
	}

	// "5511999999999@c.us" → "5511999999999"
	sender := payload.From
	if i := strings.IndexByte(sender, '@'); i > 0 {
		sender = sender[:i]
	}

	occurredAt := time.Now()
	if payload.Timestamp > 0 {
		occurredAt = time.Unix(payload.Timestamp, 0)
	}

	return []InboundEvent{{
		WorkspaceID:       workspaceID,
		Provider:          store.ProviderWABridge,
		ProviderChannelID: payload.From,
		SenderExternalID:  sender,
		SenderDisplayName: payload.Name,
		Text:              text,
		MediaRef:          payload.MediaURL,
		ProviderMessageID: payload.ID,
		OccurredAt:        occurredAt,
	}}, nil
}
