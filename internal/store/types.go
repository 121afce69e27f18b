// Package store defines the domain types and storage interfaces for the
// message pipeline. Implementations live in store/pg (Postgres) and
// store/memory (tests, single-node dev).
package store

import (
	"time"

	"github.com/google/uuid"
)

// ProviderKind identifies a messaging provider/transport bound to a
// conversation.
type ProviderKind string

const (
	ProviderHostedChat ProviderKind = "hostedchat" // hosted chat gateway (account/thread ids)
	ProviderWACloud    ProviderKind = "wacloud"    // WhatsApp Cloud API (Graph)
	ProviderWABridge   ProviderKind = "wabridge"   // unofficial WhatsApp bridge (websocket)
)

// Valid reports whether the kind is one of the known providers.
func (k ProviderKind) Valid() bool {
	switch k {
	case ProviderHostedChat, ProviderWACloud, ProviderWABridge:
		return true
	}
	return false
}

// SenderType classifies who produced a message.
type SenderType string

const (
	SenderClient SenderType = "CLIENT"
	SenderAI     SenderType = "AI"
	SenderSystem SenderType = "SYSTEM"
)

// MessageStatus is the delivery state of an outbound message. Inbound
// messages are stored DELIVERED directly; they have no delivery lifecycle.
type MessageStatus string

const (
	StatusPending   MessageStatus = "PENDING"
	StatusSent      MessageStatus = "SENT"
	StatusDelivered MessageStatus = "DELIVERED"
	StatusFailed    MessageStatus = "FAILED"
)

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	ConversationActive ConversationStatus = "ACTIVE"
	ConversationClosed ConversationStatus = "CLOSED"
)

// CycleStatus is the state of a follow-up cycle.
// COMPLETED, CONVERTED and CANCELED are terminal.
type CycleStatus string

const (
	CycleActive    CycleStatus = "ACTIVE"
	CyclePaused    CycleStatus = "PAUSED"
	CycleConverted CycleStatus = "CONVERTED"
	CycleCanceled  CycleStatus = "CANCELED"
	CycleCompleted CycleStatus = "COMPLETED"
)

// Terminal reports whether no further automation may run for this status.
func (s CycleStatus) Terminal() bool {
	return s == CycleConverted || s == CycleCanceled || s == CycleCompleted
}

// Client is a counterparty identity within a workspace, unique per
// (workspace, external id, channel).
type Client struct {
	ID          uuid.UUID
	WorkspaceID uuid.UUID
	ExternalID  string // phone number or provider-side user id
	Channel     ProviderKind
	DisplayName string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Conversation is one channel thread with a client. At most one ACTIVE
// conversation drives automation for a given client.
type Conversation struct {
	ID                    uuid.UUID
	WorkspaceID           uuid.UUID
	ClientID              uuid.UUID
	Status                ConversationStatus
	BoundChannel          ProviderKind
	ChannelConversationID string // provider-side thread id, optional
	LastMessageAt         time.Time
	CreatedAt             time.Time
}

// Message is an immutable conversation entry; only Status,
// ProviderMessageID and Metadata change after creation, and only through
// the bounded PENDING→SENT / PENDING→FAILED transitions.
type Message struct {
	ID                uuid.UUID
	ConversationID    uuid.UUID
	Sender            SenderType
	Content           string
	MediaURL          string
	Timestamp         time.Time
	Seq               int64 // insertion order, assigned by the store
	Status            MessageStatus
	ProviderMessageID string
	Metadata          map[string]string
}

// FollowUpRule is one workspace-configured step of the follow-up sequence.
// Read-only to the engine.
type FollowUpRule struct {
	ID              uuid.UUID
	WorkspaceID     uuid.UUID
	DelayMillis     int64
	MessageTemplate string
	Order           int
}

// FollowUpCycle is one automation run for a single client. At most one
// ACTIVE or PAUSED cycle may exist per (client, workspace).
type FollowUpCycle struct {
	ID               uuid.UUID
	ClientID         uuid.UUID
	WorkspaceID      uuid.UUID
	Status           CycleStatus
	CurrentStepOrder int
	NextFireAt       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// WorkspaceSettings holds the per-workspace automation configuration.
// Read-only to the engine.
type WorkspaceSettings struct {
	WorkspaceID  uuid.UUID
	SystemPrompt string
	Model        string
	SendWindow   string // cron expression gating nudge sends; empty = always
}

// ChannelCredentials are the provider credentials for one workspace+channel.
// Secret material is stored encrypted and decrypted on demand, never cached
// beyond a single dispatch.
type ChannelCredentials struct {
	WorkspaceID    uuid.UUID
	Channel        ProviderKind
	AccountID      string // hostedchat: numeric account id
	PhoneNumberID  string // wacloud: sender phone number id
	APIVersion     string // wacloud: Graph API version, e.g. "v20.0"
	APIBase        string // override for tests; empty = provider default
	EncryptedToken string // bearer/access token, AES-GCM ciphertext
	TemplateName   string // wacloud: pre-registered first-contact template
	TemplateLang   string // wacloud: template language code
	BridgeURL      string // wabridge/hostedchat: bridge endpoint
}
