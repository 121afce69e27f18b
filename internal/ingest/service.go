package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/leadpulse/leadpulse/internal/store"
)

// Batcher schedules debounced settle-checks for client messages.
type Batcher interface {
	OnClientMessage(ctx context.Context, conversationID, messageID uuid.UUID) error
}

// Automation is the follow-up scheduler surface the ingest path needs.
type Automation interface {
	StartIfEligible(ctx context.Context, clientID, workspaceID uuid.UUID, trigger string) (*store.FollowUpCycle, bool, error)
	PauseOnReply(ctx context.Context, clientID, workspaceID uuid.UUID) error
}

// Service is the inbound entry point called by webhook handlers. It
// returns once the message is persisted; AI processing happens later via
// the queue.
type Service struct {
	stores      *store.Stores
	resolver    *Resolver
	batcher     Batcher
	automation  Automation
	normalizers map[store.ProviderKind]Normalizer
}

func NewService(stores *store.Stores, batcher Batcher, automation Automation) *Service {
	s := &Service{
		stores:      stores,
		resolver:    NewResolver(stores),
		batcher:     batcher,
		automation:  automation,
		normalizers: make(map[store.ProviderKind]Normalizer),
	}
	for _, n := range []Normalizer{HostedChatNormalizer{}, WACloudNormalizer{}, WABridgeNormalizer{}} {
		s.normalizers[n.Kind()] = n
	}
	return s
}

// IngestInbound normalizes, resolves and persists one webhook delivery,
// then arms the debounce batcher. Redelivered provider messages are
// detected by the store's uniqueness guard and dropped silently.
func (s *Service) IngestInbound(ctx context.Context, workspaceID uuid.UUID, kind store.ProviderKind, body []byte) error {
	normalizer, ok := s.normalizers[kind]
	if !ok {
		return &ValidationError{Provider: kind, Reason: "unknown provider"}
	}

	events, err := normalizer.Normalize(workspaceID, body)
	if err != nil {
		return err
	}

	for i := range events {
		if err := s.processEvent(ctx, &events[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) processEvent(ctx context.Context, ev *InboundEvent) error {
	res, err := s.resolver.Resolve(ctx, ev)
	if err != nil {
		return fmt.Errorf("resolve inbound event: %w", err)
	}

	msg := &store.Message{
		ConversationID:    res.Conversation.ID,
		Sender:            store.SenderClient,
		Content:           ev.Text,
		MediaURL:          ev.MediaRef,
		Timestamp:         ev.OccurredAt,
		Status:            store.StatusDelivered,
		ProviderMessageID: ev.ProviderMessageID,
	}
	if err := s.stores.Messages.Append(ctx, msg); err != nil {
		if errors.Is(err, store.ErrConflict) {
			slog.Debug("duplicate webhook delivery dropped",
				"conversation", res.Conversation.ID, "provider_message", ev.ProviderMessageID)
			return nil
		}
		return fmt.Errorf("append inbound message: %w", err)
	}

	if err := s.stores.Conversations.AdvanceLastMessage(ctx, res.Conversation.ID, msg.Timestamp); err != nil {
		return fmt.Errorf("advance conversation: %w", err)
	}

	if err := s.batcher.OnClientMessage(ctx, res.Conversation.ID, msg.ID); err != nil {
		return fmt.Errorf("schedule settle-check: %w", err)
	}

	if res.NewClient {
		if _, started, err := s.automation.StartIfEligible(ctx, res.Client.ID, ev.WorkspaceID, "first-message"); err != nil {
			// Automation is best-effort from the ingest path; the
			// message itself is already durable.
			slog.Error("start follow-up automation failed", "client", res.Client.ID, "error", err)
		} else if started {
			slog.Info("follow-up cycle started", "client", res.Client.ID, "trigger", "first-message")
		}
	} else if err := s.automation.PauseOnReply(ctx, res.Client.ID, ev.WorkspaceID); err != nil {
		slog.Error("pause follow-up cycle failed", "client", res.Client.ID, "error", err)
	}

	slog.Info("inbound message ingested",
		"workspace", ev.WorkspaceID,
		"conversation", res.Conversation.ID,
		"channel", ev.Provider,
		"message", msg.ID,
	)
	return nil
}
