package responder

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/leadpulse/leadpulse/internal/store"
)

// Orchestrator loads bounded history, calls the completion capability and
// persists the AI reply as a PENDING outbound message. It never touches a
// channel; the dispatcher owns delivery.
type Orchestrator struct {
	stores       *store.Stores
	completion   Completion
	historyLimit int
	now          func() time.Time
}

func NewOrchestrator(stores *store.Stores, completion Completion, historyLimit int) *Orchestrator {
	if historyLimit <= 0 {
		historyLimit = 20
	}
	return &Orchestrator{
		stores:       stores,
		completion:   completion,
		historyLimit: historyLimit,
		now:          time.Now,
	}
}

// GenerateReply produces the AI reply for the conversation's pending
// batch. Returns nil (no message) when the AI produces empty output —
// that is "no outbound action", not an error.
func (o *Orchestrator) GenerateReply(ctx context.Context, conversationID uuid.UUID) (*store.Message, error) {
	conv, err := o.stores.Conversations.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}

	settings, err := o.stores.Workspaces.Settings(ctx, conv.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("load workspace settings: %w", err)
	}

	history, err := o.stores.Messages.History(ctx, conversationID, o.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	chat := buildChatContext(settings.SystemPrompt, history)

	text, err := o.completion.Complete(ctx, chat, settings.Model)
	if err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}

	sentAt := o.now()
	msg := &store.Message{
		ConversationID: conversationID,
		Sender:         store.SenderAI,
		Content:        text,
		Timestamp:      sentAt,
		Status:         store.StatusPending,
	}
	if err := o.stores.Messages.Append(ctx, msg); err != nil {
		return nil, fmt.Errorf("append ai message: %w", err)
	}
	if err := o.stores.Conversations.AdvanceLastMessage(ctx, conversationID, sentAt); err != nil {
		return nil, fmt.Errorf("advance conversation: %w", err)
	}

	slog.Info("ai reply generated",
		"conversation", conversationID, "context_messages", len(chat), "chars", len(text))
	return msg, nil
}

// buildChatContext maps stored history (oldest-first) onto completion
// roles. SYSTEM nudges were sent to the client, so they read as
// assistant turns, not system instructions.
func buildChatContext(systemPrompt string, history []store.Message) []ChatMessage {
	chat := make([]ChatMessage, 0, len(history)+1)
	if systemPrompt != "" {
		chat = append(chat, ChatMessage{Role: "system", Content: systemPrompt})
	}
	for _, m := range history {
		content := m.Content
		if content == "" && m.MediaURL != "" {
			content = "[media]"
		}
		switch m.Sender {
		case store.SenderClient:
			chat = append(chat, ChatMessage{Role: "user", Content: content})
		case store.SenderAI, store.SenderSystem:
			// Failed outbound attempts never reached the client; keep
			// them out of the model's view of the dialogue.
			if m.Status == store.StatusFailed {
				continue
			}
			chat = append(chat, ChatMessage{Role: "assistant", Content: content})
		}
	}
	return chat
}
