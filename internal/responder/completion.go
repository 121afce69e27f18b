// Package responder builds bounded conversation context and invokes the
// AI completion capability once per settled batch. Generation and
// dispatch are separated so the orchestrator stays channel-agnostic.
package responder

import (
	"context"
	"fmt"
)

// ChatMessage is one turn of bounded conversation context.
type ChatMessage struct {
	Role    string // "system", "user", "assistant"
	Content string
}

// Completion is the AI completion capability. Implementations map quota,
// timeout and malformed-response failures to ProviderError.
type Completion interface {
	Complete(ctx context.Context, history []ChatMessage, model string) (string, error)
}

// ProviderError reports an AI provider failure.
type ProviderError struct {
	Provider string
	Cause    error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("ai provider %s: %v", e.Provider, e.Cause)
}

func (e *ProviderError) Unwrap() error { return e.Cause }
