// Package dispatch routes outbound payloads to the conversation's bound
// provider, normalizes heterogeneous provider results into one outcome
// shape and persists the message's delivery status.
package dispatch

import (
	"context"
	"fmt"

	"github.com/leadpulse/leadpulse/internal/store"
)

// Target identifies the recipient in provider terms.
type Target struct {
	AccountID string // hostedchat: numeric account id
	ThreadID  string // provider-side conversation/thread id
	Phone     string // wacloud/wabridge: recipient phone number
}

// Payload is the outbound content.
type Payload struct {
	Text     string
	MediaURL string

	// FirstContact marks the first outbound message of a conversation.
	// WhatsApp Cloud only accepts a pre-registered template there.
	FirstContact bool
}

// SendResult is a successful provider send.
type SendResult struct {
	ProviderMessageID string
}

// Adapter sends one payload through one provider. The decrypted token is
// handed in per call and must not be retained.
type Adapter interface {
	Kind() store.ProviderKind
	Send(ctx context.Context, creds *store.ChannelCredentials, token string, target Target, payload Payload) (*SendResult, error)
}

// ProviderError is a classified provider failure. Permanent errors
// (invalid credentials, rejected recipient) are never retried; everything
// else participates in the queue's backoff.
type ProviderError struct {
	Provider  store.ProviderKind
	Detail    string
	permanent bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Detail)
}

func (e *ProviderError) Permanent() bool { return e.permanent }

// Transient builds a retryable provider error (timeout, 5xx, rate limit).
func Transient(provider store.ProviderKind, format string, args ...any) *ProviderError {
	return &ProviderError{Provider: provider, Detail: fmt.Sprintf(format, args...)}
}

// Permanent builds a non-retryable provider error.
func Permanent(provider store.ProviderKind, format string, args ...any) *ProviderError {
	return &ProviderError{Provider: provider, Detail: fmt.Sprintf(format, args...), permanent: true}
}

// classifyStatus maps an HTTP status to transient/permanent.
func classifyStatus(provider store.ProviderKind, status int, body string) *ProviderError {
	detail := fmt.Sprintf("status %d: %s", status, body)
	switch {
	case status == 429 || status >= 500:
		return Transient(provider, "%s", detail)
	default:
		return Permanent(provider, "%s", detail)
	}
}
