package pg

import (
	"database/sql"

	"github.com/leadpulse/leadpulse/internal/store"
)

// NewStores creates all stores backed by Postgres.
func NewStores(db *sql.DB) *store.Stores {
	return &store.Stores{
		Clients:       NewClientStore(db),
		Conversations: NewConversationStore(db),
		Messages:      NewMessageStore(db),
		FollowUps:     NewFollowUpStore(db),
		Workspaces:    NewWorkspaceStore(db),
	}
}
