package ingest

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/leadpulse/leadpulse/internal/store"
)

// hostedchatPayload is the hosted chat gateway's message_created webhook.
// Account and conversation ids are numeric on the provider side.
type hostedchatPayload struct {
	Event        string `json:"event"`
	Account      struct {
		ID int64 `json:"id"`
	} `json:"account"`
	Conversation struct {
		ID int64 `json:"id"`
	} `json:"conversation"`
	Sender struct {
		ID          int64  `json:"id"`
		Name        string `json:"name"`
		PhoneNumber string `json:"phone_number"`
	} `json:"sender"`
	ID          int64  `json:"id"`
	Content     string `json:"content"`
	MessageType string `json:"message_type"` // "incoming" | "outgoing"
	CreatedAt   string `json:"created_at"`   // RFC3339
	Attachments []struct {
		DataURL string `json:"data_url"`
	} `json:"attachments"`
}

// HostedChatNormalizer parses hosted chat gateway webhooks.
type HostedChatNormalizer struct{}

func (HostedChatNormalizer) Kind() store.ProviderKind { return store.ProviderHostedChat }

func (HostedChatNormalizer) Normalize(workspaceID uuid.UUID, body []byte) ([]InboundEvent, error) {
	var payload hostedchatPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &ValidationError{Provider: store.ProviderHostedChat, Reason: "malformed JSON"}
	}
	if payload.Event != "" && payload.Event != "message_created" {
		// Other gateway events (conversation_status_changed, ...) are ignored.
		return nil, nil
	}
	if payload.MessageType == "outgoing" {
		// Echo of our own send; the dispatcher already recorded it.
		return nil, nil
	}
	if payload.Conversation.ID == 0 || payload.Sender.ID == 0 {
		return nil, &ValidationError{Provider: store.ProviderHostedChat, Reason: "missing conversation or sender id"}
	}

	content := strings.TrimSpace(payload.Content)
	mediaRef := ""
	if len(payload.Attachments) > 0 {
		mediaRef = payload.Attachments[0].DataURL
	}
	if content == "" && mediaRef == "" {
		return nil, nil
	}

	sender := payload.Sender.PhoneNumber
	if sender == "" {
		sender = strconv.FormatInt(payload.Sender.ID, 10)
	}

	occurredAt := time.Now()
	if t, err := time.Parse(time.RFC3339, payload.CreatedAt); err == nil {
		occurredAt = t
	}

	return []InboundEvent{{
		WorkspaceID:       workspaceID,
		Provider:          store.ProviderHostedChat,
		ProviderChannelID: strconv.FormatInt(payload.Conversation.ID, 10),
		SenderExternalID:  sender,
		SenderDisplayName: payload.Sender.Name,
		Text:              content,
		MediaRef:          mediaRef,
		ProviderMessageID: strconv.FormatInt(payload.ID, 10),
		OccurredAt:        occurredAt,
	}}, nil
}
