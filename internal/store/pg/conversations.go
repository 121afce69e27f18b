package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/leadpulse/leadpulse/internal/store"
)

// ConversationStore implements store.ConversationStore backed by Postgres.
type ConversationStore struct {
	db *sql.DB
}

func NewConversationStore(db *sql.DB) *ConversationStore {
	return &ConversationStore{db: db}
}

const conversationColumns = `id, workspace_id, client_id, status, bound_channel, channel_conversation_id, last_message_at, created_at`

func scanConversation(row *sql.Row) (*store.Conversation, error) {
	var c store.Conversation
	err := row.Scan(&c.ID, &c.WorkspaceID, &c.ClientID, &c.Status, &c.BoundChannel,
		&c.ChannelConversationID, &c.LastMessageAt, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	return &c, nil
}

func (s *ConversationStore) GetConversation(ctx context.Context, id uuid.UUID) (*store.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	return scanConversation(row)
}

func (s *ConversationStore) FindActiveByClient(ctx context.Context, clientID uuid.UUID) (*store.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE client_id = $1 AND status = $2
		 ORDER BY created_at DESC LIMIT 1`,
		clientID, store.ConversationActive)
	return scanConversation(row)
}

func (s *ConversationStore) CreateConversation(ctx context.Context, c *store.Conversation) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.Must(uuid.NewV7())
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	if c.LastMessageAt.IsZero() {
		c.LastMessageAt = c.CreatedAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, workspace_id, client_id, status, bound_channel, channel_conversation_id, last_message_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.WorkspaceID, c.ClientID, c.Status, c.BoundChannel,
		c.ChannelConversationID, c.LastMessageAt, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

// AdvanceLastMessage moves last_message_at forward only; stale updates from
// racing workers are no-ops.
func (s *ConversationStore) AdvanceLastMessage(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET last_message_at = GREATEST(last_message_at, $2) WHERE id = $1`,
		id, at)
	if err != nil {
		return fmt.Errorf("advance last message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *ConversationStore) BindChannelThread(ctx context.Context, id uuid.UUID, channelConversationID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET channel_conversation_id = $2
		 WHERE id = $1 AND channel_conversation_id = ''`,
		id, channelConversationID)
	if err != nil {
		return fmt.Errorf("bind channel thread: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either missing or already bound; only the former is an error.
		if _, gerr := s.GetConversation(ctx, id); gerr != nil {
			return gerr
		}
	}
	return nil
}

func (s *ConversationStore) SetStatus(ctx context.Context, id uuid.UUID, status store.ConversationStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("set conversation status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}
