// Package batch coalesces bursts of client messages into one AI
// invocation. Each inbound message arms (or re-arms) a settle-check job
// for its conversation after a fixed quiet window; the check re-validates
// at fire time that its trigger is still the newest client message, so
// duplicate or stale checks exit silently instead of duplicating AI calls.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/leadpulse/leadpulse/internal/dispatch"
	"github.com/leadpulse/leadpulse/internal/jobs"
	"github.com/leadpulse/leadpulse/internal/store"
)

// Responder generates and persists the AI reply for a settled batch.
// A nil message means the AI chose not to answer.
type Responder interface {
	GenerateReply(ctx context.Context, conversationID uuid.UUID) (*store.Message, error)
}

// Dispatcher delivers an outbound message through the conversation's
// bound channel.
type Dispatcher interface {
	Dispatch(ctx context.Context, conv *store.Conversation, msg *store.Message) (*dispatch.Result, error)
}

// settlePayload is the settle-check job body.
type settlePayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	MessageID      uuid.UUID `json:"message_id"`
}

// Batcher debounces client messages per conversation.
type Batcher struct {
	queue      jobs.Queue
	stores     *store.Stores
	responder  Responder
	dispatcher Dispatcher
	window     time.Duration
}

func New(queue jobs.Queue, stores *store.Stores, responder Responder, dispatcher Dispatcher, window time.Duration) *Batcher {
	if window <= 0 {
		window = 3 * time.Second
	}
	return &Batcher{
		queue:      queue,
		stores:     stores,
		responder:  responder,
		dispatcher: dispatcher,
		window:     window,
	}
}

// dedupeKey keys the pending settle-check per conversation, so a burst of
// K messages holds at most one pending job: each message replaces it with
// a later fire time and its own message id (last trigger wins).
func dedupeKey(conversationID uuid.UUID) string {
	return "settle:" + conversationID.String()
}

// OnClientMessage arms the settle-check for the conversation. The quiet
// window is a queue delay, not a sleep: it costs no goroutine and
// survives restarts.
func (b *Batcher) OnClientMessage(ctx context.Context, conversationID, messageID uuid.UUID) error {
	err := b.queue.Enqueue(ctx, jobs.ClassSettle,
		settlePayload{ConversationID: conversationID, MessageID: messageID},
		jobs.Options{Delay: b.window, DedupeKey: dedupeKey(conversationID)})
	if err != nil {
		return fmt.Errorf("arm settle-check: %w", err)
	}
	slog.Debug("settle-check armed", "conversation", conversationID, "message", messageID)
	return nil
}

// HandleSettle is the settle-check job handler. Under at-least-once
// delivery the same check may run twice; every exit path below is safe to
// re-run because the decision is re-derived from the store each time.
func (b *Batcher) HandleSettle(ctx context.Context, job *jobs.Job) error {
	var payload settlePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return jobs.Permanent(fmt.Errorf("decode settle payload: %w", err))
	}

	conv, err := b.stores.Conversations.GetConversation(ctx, payload.ConversationID)
	if errors.Is(err, store.ErrNotFound) {
		return jobs.Skip("conversation no longer exists")
	}
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	if conv.Status != store.ConversationActive {
		return jobs.Skip("conversation not active")
	}

	// The newest AI reply is the idempotent checkpoint: everything a
	// client sent after it is the pending batch.
	var since time.Time
	lastAI, err := b.stores.Messages.LastBySender(ctx, conv.ID, store.SenderAI)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// No AI reply yet; the whole history is pending.
	case err != nil:
		return fmt.Errorf("load last ai message: %w", err)
	default:
		since = lastAI.Timestamp
	}

	pending, err := b.stores.Messages.ClientMessagesSince(ctx, conv.ID, since)
	if err != nil {
		return fmt.Errorf("load pending client messages: %w", err)
	}
	if len(pending) == 0 {
		return jobs.Skip("no client messages since last reply")
	}

	// Last-trigger-wins: only the check armed by the newest message
	// proceeds. A stale trigger from earlier in the burst exits here;
	// the newer trigger's own check handles the batch.
	newest := pending[len(pending)-1]
	if newest.ID != payload.MessageID {
		return jobs.Skip("superseded by newer client message")
	}

	slog.Info("batch settled",
		"conversation", conv.ID, "messages", len(pending))

	reply, err := b.responder.GenerateReply(ctx, conv.ID)
	if err != nil {
		// Client messages are already durable; failing the job lets the
		// queue retry, and the checkpoint re-validation keeps a retry
		// from double-replying.
		return fmt.Errorf("generate reply: %w", err)
	}
	if reply == nil {
		slog.Info("ai produced no reply", "conversation", conv.ID)
		return nil
	}

	result, err := b.dispatcher.Dispatch(ctx, conv, reply)
	if err != nil {
		return fmt.Errorf("dispatch reply: %w", err)
	}
	if !result.Success && !result.Deferred {
		// Permanent rejection, recorded on the message row (FAILED +
		// detail). Transient failures came back Deferred: the retry lane
		// owns them, not the settle path.
		slog.Warn("reply dispatch failed",
			"conversation", conv.ID, "message", reply.ID, "detail", result.ErrorDetail)
	}
	return nil
}
