package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/leadpulse/leadpulse/internal/store"
)

// MessageStore implements store.MessageStore backed by Postgres.
// Per-conversation ordering is (timestamp, seq): seq is a bigserial so ties
// preserve insertion order, and Append clamps timestamps so they never go
// backwards within a conversation.
type MessageStore struct {
	db *sql.DB
}

func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db}
}

const messageColumns = `id, conversation_id, sender, content, media_url, ts, seq, status, provider_message_id, metadata`

func scanMessage(scan func(dest ...any) error) (*store.Message, error) {
	var (
		m        store.Message
		metadata []byte
	)
	err := scan(&m.ID, &m.ConversationID, &m.Sender, &m.Content, &m.MediaURL,
		&m.Timestamp, &m.Seq, &m.Status, &m.ProviderMessageID, &metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &m.Metadata); err != nil {
			return nil, fmt.Errorf("decode message metadata: %w", err)
		}
	}
	return &m, nil
}

func (s *MessageStore) Append(ctx context.Context, m *store.Message) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.Must(uuid.NewV7())
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	metadata, err := json.Marshal(m.Metadata)
	if err != nil {
		return fmt.Errorf("encode message metadata: %w", err)
	}

	// GREATEST against the conversation's newest timestamp keeps the
	// per-conversation timeline monotonically non-decreasing.
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO messages (id, conversation_id, sender, content, media_url, ts, status, provider_message_id, metadata)
		 VALUES ($1, $2, $3, $4, $5,
		         GREATEST($6::timestamptz, COALESCE((SELECT MAX(ts) FROM messages WHERE conversation_id = $2), $6::timestamptz)),
		         $7, $8, $9)
		 RETURNING ts, seq`,
		m.ID, m.ConversationID, m.Sender, m.Content, m.MediaURL,
		m.Timestamp, m.Status, m.ProviderMessageID, metadata)
	if err := row.Scan(&m.Timestamp, &m.Seq); err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *MessageStore) GetMessage(ctx context.Context, id uuid.UUID) (*store.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	return scanMessage(row.Scan)
}

func (s *MessageStore) History(ctx context.Context, conversationID uuid.UUID, limit int) ([]store.Message, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM (
		     SELECT `+messageColumns+` FROM messages
		     WHERE conversation_id = $1
		     ORDER BY ts DESC, seq DESC
		     LIMIT $2
		 ) recent ORDER BY ts ASC, seq ASC`,
		conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (s *MessageStore) ClientMessagesSince(ctx context.Context, conversationID uuid.UUID, since time.Time) ([]store.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE conversation_id = $1 AND sender = $2 AND ts > $3
		 ORDER BY ts ASC, seq ASC`,
		conversationID, store.SenderClient, since)
	if err != nil {
		return nil, fmt.Errorf("query client messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (s *MessageStore) LastBySender(ctx context.Context, conversationID uuid.UUID, sender store.SenderType) (*store.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE conversation_id = $1 AND sender = $2
		 ORDER BY ts DESC, seq DESC LIMIT 1`,
		conversationID, sender)
	return scanMessage(row.Scan)
}

func (s *MessageStore) HasSentOutbound(ctx context.Context, conversationID uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM messages
		     WHERE conversation_id = $1 AND sender <> $2 AND status IN ($3, $4)
		 )`,
		conversationID, store.SenderClient, store.StatusSent, store.StatusDelivered).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query outbound existence: %w", err)
	}
	return exists, nil
}

func (s *MessageStore) UpdateStatus(ctx context.Context, id uuid.UUID, status store.MessageStatus, providerMessageID, errDetail string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET
		     status = $2,
		     provider_message_id = CASE WHEN $3 <> '' THEN $3 ELSE provider_message_id END,
		     metadata = CASE WHEN $4 <> ''
		         THEN COALESCE(metadata, '{}'::jsonb) || jsonb_build_object('error', $4::text)
		         ELSE metadata END
		 WHERE id = $1`,
		id, status, providerMessageID, errDetail)
	if err != nil {
		return fmt.Errorf("update message status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func collectMessages(rows *sql.Rows) ([]store.Message, error) {
	var out []store.Message
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}
