package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/leadpulse/leadpulse/internal/store"
)

// Resolver finds-or-creates the client and conversation for an inbound
// event. At most one ACTIVE conversation drives automation per client;
// the resolver reuses it when present and creates one otherwise.
type Resolver struct {
	stores *store.Stores
}

func NewResolver(stores *store.Stores) *Resolver {
	return &Resolver{stores: stores}
}

// Resolution is the outcome of resolving one inbound event.
type Resolution struct {
	Client       *store.Client
	Conversation *store.Conversation
	NewClient    bool // first contact ever: eligible for first-touch automation
}

// Resolve maps the event's sender identity onto Client and Conversation
// records. Concurrent webhooks for the same unknown sender race on the
// unique (workspace, external id, channel) index; the loser re-reads.
func (r *Resolver) Resolve(ctx context.Context, ev *InboundEvent) (*Resolution, error) {
	client, err := r.stores.Clients.FindByExternalID(ctx, ev.WorkspaceID, ev.SenderExternalID, ev.Provider)
	newClient := false
	switch {
	case errors.Is(err, store.ErrNotFound):
		client = &store.Client{
			WorkspaceID: ev.WorkspaceID,
			ExternalID:  ev.SenderExternalID,
			Channel:     ev.Provider,
			DisplayName: ev.SenderDisplayName,
		}
		if cerr := r.stores.Clients.Create(ctx, client); cerr != nil {
			if !errors.Is(cerr, store.ErrConflict) {
				return nil, fmt.Errorf("create client: %w", cerr)
			}
			// Lost the race: another webhook created it first.
			client, err = r.stores.Clients.FindByExternalID(ctx, ev.WorkspaceID, ev.SenderExternalID, ev.Provider)
			if err != nil {
				return nil, fmt.Errorf("reload client after conflict: %w", err)
			}
		} else {
			newClient = true
		}
	case err != nil:
		return nil, fmt.Errorf("find client: %w", err)
	}

	// Display-name backfill: providers often omit the name on the first
	// contact and include it later.
	if !newClient && ev.SenderDisplayName != "" && client.DisplayName == "" {
		client.DisplayName = ev.SenderDisplayName
		if uerr := r.stores.Clients.Update(ctx, client); uerr != nil {
			slog.Warn("client name backfill failed", "client", client.ID, "error", uerr)
		}
	}

	conv, err := r.stores.Conversations.FindActiveByClient(ctx, client.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		conv = &store.Conversation{
			WorkspaceID:           ev.WorkspaceID,
			ClientID:              client.ID,
			Status:                store.ConversationActive,
			BoundChannel:          ev.Provider,
			ChannelConversationID: ev.ProviderChannelID,
			LastMessageAt:         ev.OccurredAt,
		}
		if cerr := r.stores.Conversations.CreateConversation(ctx, conv); cerr != nil {
			return nil, fmt.Errorf("create conversation: %w", cerr)
		}
		slog.Info("conversation started",
			"conversation", conv.ID, "client", client.ID, "channel", ev.Provider)
	case err != nil:
		return nil, fmt.Errorf("find conversation: %w", err)
	default:
		// Carry the provider thread id from this event when the stored
		// row predates it. Dispatch reloads the conversation, so the
		// backfill has to reach the store, not just this copy.
		if conv.ChannelConversationID == "" && ev.ProviderChannelID != "" {
			if berr := r.stores.Conversations.BindChannelThread(ctx, conv.ID, ev.ProviderChannelID); berr != nil {
				return nil, fmt.Errorf("bind channel thread: %w", berr)
			}
			conv.ChannelConversationID = ev.ProviderChannelID
		}
	}

	return &Resolution{Client: client, Conversation: conv, NewClient: newClient}, nil
}
