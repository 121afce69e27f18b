package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Stores is the top-level container for all storage backends.
type Stores struct {
	Clients       ClientStore
	Conversations ConversationStore
	Messages      MessageStore
	FollowUps     FollowUpStore
	Workspaces    WorkspaceStore
}

// ClientStore manages client identities.
type ClientStore interface {
	// Get returns the client by id, or ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (*Client, error)

	// FindByExternalID looks up the unique client for
	// (workspace, external id, channel), or ErrNotFound.
	FindByExternalID(ctx context.Context, workspaceID uuid.UUID, externalID string, channel ProviderKind) (*Client, error)

	// Create inserts a new client. Returns ErrConflict when the
	// (workspace, external id, channel) triple already exists.
	Create(ctx context.Context, c *Client) error

	// Update persists display-name/channel backfill.
	Update(ctx context.Context, c *Client) error
}

// ConversationStore manages conversation threads.
type ConversationStore interface {
	GetConversation(ctx context.Context, id uuid.UUID) (*Conversation, error)

	// FindActiveByClient returns the client's ACTIVE conversation,
	// or ErrNotFound.
	FindActiveByClient(ctx context.Context, clientID uuid.UUID) (*Conversation, error)

	CreateConversation(ctx context.Context, c *Conversation) error

	// AdvanceLastMessage moves LastMessageAt forward. Earlier
	// timestamps are ignored so the field is monotonic.
	AdvanceLastMessage(ctx context.Context, id uuid.UUID, at time.Time) error

	// BindChannelThread backfills the provider-side thread id on a row
	// that predates it. A non-empty stored id is never overwritten.
	BindChannelThread(ctx context.Context, id uuid.UUID, channelConversationID string) error

	SetStatus(ctx context.Context, id uuid.UUID, status ConversationStatus) error
}

// MessageStore is the append-only message log. Ordering within a
// conversation is by (timestamp, insertion order).
type MessageStore interface {
	// Append inserts a message, assigning its insertion sequence.
	// Returns ErrConflict when the same provider message id was
	// already appended to the conversation (webhook redelivery).
	Append(ctx context.Context, m *Message) error

	GetMessage(ctx context.Context, id uuid.UUID) (*Message, error)

	// History returns the most recent limit messages, oldest-first.
	History(ctx context.Context, conversationID uuid.UUID, limit int) ([]Message, error)

	// ClientMessagesSince returns client messages with timestamp
	// strictly after since, oldest-first.
	ClientMessagesSince(ctx context.Context, conversationID uuid.UUID, since time.Time) ([]Message, error)

	// LastBySender returns the newest message from the given sender,
	// or ErrNotFound.
	LastBySender(ctx context.Context, conversationID uuid.UUID, sender SenderType) (*Message, error)

	// HasSentOutbound reports whether any non-client message in the
	// conversation reached SENT or DELIVERED (first-contact check).
	HasSentOutbound(ctx context.Context, conversationID uuid.UUID) (bool, error)

	// UpdateStatus applies a PENDING→SENT / PENDING→FAILED transition.
	// providerMessageID is set on success; errDetail is merged into
	// metadata under "error" on failure.
	UpdateStatus(ctx context.Context, id uuid.UUID, status MessageStatus, providerMessageID, errDetail string) error
}

// FollowUpStore manages follow-up rules and cycles.
type FollowUpStore interface {
	// RulesForWorkspace returns the workspace's rules ordered by
	// step order. Empty result means automation is not configured.
	RulesForWorkspace(ctx context.Context, workspaceID uuid.UUID) ([]FollowUpRule, error)

	// ActiveCycleForClient returns the client's ACTIVE or PAUSED
	// cycle, or ErrNotFound.
	ActiveCycleForClient(ctx context.Context, clientID, workspaceID uuid.UUID) (*FollowUpCycle, error)

	GetCycle(ctx context.Context, id uuid.UUID) (*FollowUpCycle, error)

	// CreateCycle inserts a cycle. Returns ErrConflict when an
	// ACTIVE/PAUSED cycle already exists for the client.
	CreateCycle(ctx context.Context, c *FollowUpCycle) error

	UpdateCycle(ctx context.Context, c *FollowUpCycle) error
}

// WorkspaceStore exposes read-only workspace configuration.
type WorkspaceStore interface {
	Settings(ctx context.Context, workspaceID uuid.UUID) (*WorkspaceSettings, error)

	// Credentials returns the workspace's credentials for one
	// channel, or ErrNotFound when the channel is not configured.
	Credentials(ctx context.Context, workspaceID uuid.UUID, channel ProviderKind) (*ChannelCredentials, error)
}
