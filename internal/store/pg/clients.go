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

// ClientStore implements store.ClientStore backed by Postgres.
type ClientStore struct {
	db *sql.DB
}

func NewClientStore(db *sql.DB) *ClientStore {
	return &ClientStore{db: db}
}

const clientColumns = `id, workspace_id, external_id, channel, display_name, created_at, updated_at`

func scanClient(row *sql.Row) (*store.Client, error) {
	var c store.Client
	err := row.Scan(&c.ID, &c.WorkspaceID, &c.ExternalID, &c.Channel, &c.DisplayName, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan client: %w", err)
	}
	return &c, nil
}

func (s *ClientStore) Get(ctx context.Context, id uuid.UUID) (*store.Client, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+clientColumns+` FROM clients WHERE id = $1`, id)
	return scanClient(row)
}

func (s *ClientStore) FindByExternalID(ctx context.Context, workspaceID uuid.UUID, externalID string, channel store.ProviderKind) (*store.Client, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+clientColumns+` FROM clients
		 WHERE workspace_id = $1 AND external_id = $2 AND channel = $3`,
		workspaceID, externalID, channel)
	return scanClient(row)
}

func (s *ClientStore) Create(ctx context.Context, c *store.Client) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.Must(uuid.NewV7())
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO clients (id, workspace_id, external_id, channel, display_name, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.WorkspaceID, c.ExternalID, c.Channel, c.DisplayName, c.CreatedAt, c.UpdatedAt)
	if isUniqueViolation(err) {
		return store.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert client: %w", err)
	}
	return nil
}

func (s *ClientStore) Update(ctx context.Context, c *store.Client) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE clients SET display_name = $2, channel = $3, updated_at = $4 WHERE id = $1`,
		c.ID, c.DisplayName, c.Channel, time.Now())
	if err != nil {
		return fmt.Errorf("update client: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}
