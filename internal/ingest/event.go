// Package ingest turns provider webhook payloads into canonical inbound
// events, resolves them to clients and conversations, persists the
// messages and triggers the debounce batcher. This is the entry point of
// the inbound pipeline.
package ingest

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/leadpulse/leadpulse/internal/store"
)

// InboundEvent is the canonical form of one inbound provider message.
// Ephemeral: produced by a normalizer, consumed once, never persisted.
type InboundEvent struct {
	WorkspaceID       uuid.UUID
	Provider          store.ProviderKind
	ProviderChannelID string // provider-side thread/conversation id
	SenderExternalID  string // phone number or provider user id
	SenderDisplayName string
	Text              string
	MediaRef          string // provider media URL/id, optional
	ProviderMessageID string
	OccurredAt        time.Time
}

// ValidationError rejects a malformed webhook payload at the boundary.
// It never enters the pipeline and is never retried.
type ValidationError struct {
	Provider store.ProviderKind
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s payload: %s", e.Provider, e.Reason)
}

// IsValidationError reports whether err is a boundary rejection.
func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// Normalizer turns one provider's webhook body into canonical events.
// A single webhook delivery may carry several messages.
type Normalizer interface {
	Kind() store.ProviderKind
	Normalize(workspaceID uuid.UUID, body []byte) ([]InboundEvent, error)
}
