package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/leadpulse/leadpulse/internal/config"
	"github.com/leadpulse/leadpulse/internal/jobs"
	"github.com/leadpulse/leadpulse/internal/secrets"
	"github.com/leadpulse/leadpulse/internal/store"
)

// Result is the uniform dispatch outcome across providers.
type Result struct {
	Success           bool
	Deferred          bool // the send continues asynchronously via the queue
	ProviderMessageID string
	ErrorDetail       string
	Permanent         bool
}

// Broadcaster publishes delivery-status events to interactive viewers.
// Best-effort: a publish failure never fails the dispatch.
type Broadcaster interface {
	Publish(topic string, event any)
}

// StatusEvent is broadcast on the conversation's topic after a dispatch
// completes.
type StatusEvent struct {
	ConversationID uuid.UUID           `json:"conversation_id"`
	MessageID      uuid.UUID           `json:"message_id"`
	Status         store.MessageStatus `json:"status"`
	Error          string              `json:"error,omitempty"`
}

// sendPayload is the body of media.send and message.dispatch jobs.
type sendPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	MessageID      uuid.UUID `json:"message_id"`
}

// Dispatcher selects the adapter for the conversation's bound channel,
// resolves credentials per call and persists the PENDING→SENT/FAILED
// transition.
type Dispatcher struct {
	stores   *store.Stores
	codec    secrets.Codec
	queue    jobs.Queue
	hub      Broadcaster
	adapters map[store.ProviderKind]Adapter
	timeout  time.Duration

	mu       sync.Mutex
	limiters map[store.ProviderKind]*rate.Limiter
	rateCfg  config.RateLimitConfig

	now func() time.Time
}

func NewDispatcher(stores *store.Stores, codec secrets.Codec, queue jobs.Queue, hub Broadcaster, timeout time.Duration, rateCfg config.RateLimitConfig) *Dispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Dispatcher{
		stores:   stores,
		codec:    codec,
		queue:    queue,
		hub:      hub,
		adapters: make(map[store.ProviderKind]Adapter),
		limiters: make(map[store.ProviderKind]*rate.Limiter),
		timeout:  timeout,
		rateCfg:  rateCfg,
		now:      time.Now,
	}
}

// Register adds a provider adapter.
func (d *Dispatcher) Register(a Adapter) {
	d.adapters[a.Kind()] = a
}

// Dispatch delivers msg through the conversation's bound channel.
// Permanent provider failures are captured in the Result and on the
// message row; transient ones hand the message to the per-message retry
// lane, where backoff applies without re-running the caller. The returned
// error is reserved for infrastructure failures (store, queue) that the
// caller may retry.
func (d *Dispatcher) Dispatch(ctx context.Context, conv *store.Conversation, msg *store.Message) (*Result, error) {
	if msg.MediaURL != "" {
		// Media needs provider-side upload; run it on the media lane so
		// transient upload failures retry without blocking the batch.
		err := d.queue.Enqueue(ctx, jobs.ClassMedia,
			sendPayload{ConversationID: conv.ID, MessageID: msg.ID},
			jobs.Options{DedupeKey: "media:" + msg.ID.String()})
		if err != nil {
			return nil, fmt.Errorf("enqueue media send: %w", err)
		}
		return &Result{Deferred: true}, nil
	}

	result, err := d.send(ctx, conv, msg)
	if err != nil {
		return nil, err
	}
	if !result.Success && !result.Permanent {
		// The message stays PENDING; the retry lane re-attempts it with
		// backoff and marks it FAILED only once the attempt budget is
		// spent.
		err := d.queue.Enqueue(ctx, jobs.ClassDispatch,
			sendPayload{ConversationID: conv.ID, MessageID: msg.ID},
			jobs.Options{DedupeKey: "dispatch:" + msg.ID.String()})
		if err != nil {
			return nil, fmt.Errorf("enqueue dispatch retry: %w", err)
		}
		slog.Warn("dispatch deferred to retry lane",
			"conversation", conv.ID, "message", msg.ID,
			"channel", conv.BoundChannel, "error", result.ErrorDetail)
		return &Result{Deferred: true, ErrorDetail: result.ErrorDetail}, nil
	}
	return result, nil
}

// HandleSend is the media.send and message.dispatch job handler.
func (d *Dispatcher) HandleSend(ctx context.Context, job *jobs.Job) error {
	var payload sendPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return jobs.Permanent(fmt.Errorf("decode send payload: %w", err))
	}

	conv, err := d.stores.Conversations.GetConversation(ctx, payload.ConversationID)
	if errors.Is(err, store.ErrNotFound) {
		return jobs.Skip("conversation no longer exists")
	}
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}

	msg, err := d.stores.Messages.GetMessage(ctx, payload.MessageID)
	if errors.Is(err, store.ErrNotFound) {
		return jobs.Skip("message no longer exists")
	}
	if err != nil {
		return fmt.Errorf("load message: %w", err)
	}
	if msg.Status != store.StatusPending {
		return jobs.Skip("message already dispatched")
	}

	result, err := d.send(ctx, conv, msg)
	if err != nil {
		return err
	}
	if result.Success {
		return nil
	}
	if result.Permanent {
		return Permanent(conv.BoundChannel, "%s", result.ErrorDetail)
	}

	// Transient: the queue retries with backoff. On the final attempt the
	// message surfaces as FAILED rather than staying PENDING forever.
	if job.Attempts >= job.MaxAttempts {
		if _, ferr := d.fail(ctx, conv, msg, false, result.ErrorDetail); ferr != nil {
			return ferr
		}
	}
	return Transient(conv.BoundChannel, "%s", result.ErrorDetail)
}

func (d *Dispatcher) send(ctx context.Context, conv *store.Conversation, msg *store.Message) (*Result, error) {
	adapter, ok := d.adapters[conv.BoundChannel]
	if !ok {
		return d.fail(ctx, conv, msg, true, fmt.Sprintf("no adapter for channel %s", conv.BoundChannel))
	}

	creds, err := d.stores.Workspaces.Credentials(ctx, conv.WorkspaceID, conv.BoundChannel)
	if errors.Is(err, store.ErrNotFound) {
		// Missing credentials are a workspace configuration gap, not a
		// pipeline error; the message surfaces as FAILED.
		slog.Warn("channel not configured for workspace",
			"workspace", conv.WorkspaceID, "channel", conv.BoundChannel)
		return d.fail(ctx, conv, msg, true, "channel not configured")
	}
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}

	// Decrypted per call, held for this dispatch only.
	token := ""
	if creds.EncryptedToken != "" {
		token, err = d.codec.Decrypt(creds.EncryptedToken)
		if err != nil {
			slog.Error("credential decryption failed",
				"workspace", conv.WorkspaceID, "channel", conv.BoundChannel, "error", err)
			return d.fail(ctx, conv, msg, true, "credential decryption failed")
		}
	}

	client, err := d.stores.Clients.Get(ctx, conv.ClientID)
	if err != nil {
		return nil, fmt.Errorf("load client: %w", err)
	}

	firstContact := false
	if conv.BoundChannel == store.ProviderWACloud {
		sent, err := d.stores.Messages.HasSentOutbound(ctx, conv.ID)
		if err != nil {
			return nil, fmt.Errorf("check first contact: %w", err)
		}
		firstContact = !sent
	}

	if err := d.limiter(conv.BoundChannel).Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	target := Target{
		AccountID: creds.AccountID,
		ThreadID:  conv.ChannelConversationID,
		Phone:     client.ExternalID,
	}
	payload := Payload{Text: msg.Content, MediaURL: msg.MediaURL, FirstContact: firstContact}

	sendRes, sendErr := adapter.Send(sendCtx, creds, token, target, payload)
	if sendErr != nil {
		detail := sendErr.Error()
		if errors.Is(sendErr, context.DeadlineExceeded) {
			detail = fmt.Sprintf("%s: request timed out after %s", conv.BoundChannel, d.timeout)
		}
		if jobs.IsPermanent(sendErr) {
			return d.fail(ctx, conv, msg, true, detail)
		}
		// Transient; the message stays PENDING so the retry lane can
		// re-attempt it.
		return &Result{ErrorDetail: detail}, nil
	}

	if err := d.stores.Messages.UpdateStatus(ctx, msg.ID, store.StatusSent, sendRes.ProviderMessageID, ""); err != nil {
		return nil, fmt.Errorf("mark message sent: %w", err)
	}
	if err := d.stores.Conversations.AdvanceLastMessage(ctx, conv.ID, d.now()); err != nil {
		return nil, fmt.Errorf("advance conversation: %w", err)
	}
	d.notify(conv.ID, msg.ID, store.StatusSent, "")

	slog.Info("message dispatched",
		"conversation", conv.ID, "message", msg.ID,
		"channel", conv.BoundChannel, "provider_message", sendRes.ProviderMessageID)

	return &Result{Success: true, ProviderMessageID: sendRes.ProviderMessageID}, nil
}

// fail records the PENDING→FAILED transition with the error detail in
// metadata, so the failure is visible in conversation history rather than
// silently dropped.
func (d *Dispatcher) fail(ctx context.Context, conv *store.Conversation, msg *store.Message, permanent bool, detail string) (*Result, error) {
	if err := d.stores.Messages.UpdateStatus(ctx, msg.ID, store.StatusFailed, "", detail); err != nil {
		return nil, fmt.Errorf("mark message failed: %w", err)
	}
	d.notify(conv.ID, msg.ID, store.StatusFailed, detail)
	return &Result{ErrorDetail: detail, Permanent: permanent}, nil
}

// notify publishes the status change. Fire-and-forget.
func (d *Dispatcher) notify(conversationID, messageID uuid.UUID, status store.MessageStatus, errDetail string) {
	if d.hub == nil {
		return
	}
	d.hub.Publish("conversation:"+conversationID.String(), StatusEvent{
		ConversationID: conversationID,
		MessageID:      messageID,
		Status:         status,
		Error:          errDetail,
	})
}

func (d *Dispatcher) limiter(kind store.ProviderKind) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[kind]
	if !ok {
		if d.rateCfg.SendsPerMinute <= 0 {
			l = rate.NewLimiter(rate.Inf, 1)
		} else {
			burst := d.rateCfg.Burst
			if burst <= 0 {
				burst = 1
			}
			l = rate.NewLimiter(rate.Limit(float64(d.rateCfg.SendsPerMinute)/60.0), burst)
		}
		d.limiters[kind] = l
	}
	return l
}
