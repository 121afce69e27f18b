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

// FollowUpStore implements store.FollowUpStore backed by Postgres.
// The single-ACTIVE/PAUSED-cycle-per-client invariant is enforced by a
// partial unique index, so concurrent starters race safely: the loser gets
// store.ErrConflict.
type FollowUpStore struct {
	db *sql.DB
}

func NewFollowUpStore(db *sql.DB) *FollowUpStore {
	return &FollowUpStore{db: db}
}

func (s *FollowUpStore) RulesForWorkspace(ctx context.Context, workspaceID uuid.UUID) ([]store.FollowUpRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workspace_id, delay_millis, message_template, step_order
		 FROM follow_up_rules WHERE workspace_id = $1 ORDER BY step_order ASC`,
		workspaceID)
	if err != nil {
		return nil, fmt.Errorf("query follow-up rules: %w", err)
	}
	defer rows.Close()

	var out []store.FollowUpRule
	for rows.Next() {
		var r store.FollowUpRule
		if err := rows.Scan(&r.ID, &r.WorkspaceID, &r.DelayMillis, &r.MessageTemplate, &r.Order); err != nil {
			return nil, fmt.Errorf("scan follow-up rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const cycleColumns = `id, client_id, workspace_id, status, current_step_order, next_fire_at, created_at, updated_at`

func scanCycle(row *sql.Row) (*store.FollowUpCycle, error) {
	var (
		c      store.FollowUpCycle
		nextAt sql.NullTime
	)
	err := row.Scan(&c.ID, &c.ClientID, &c.WorkspaceID, &c.Status, &c.CurrentStepOrder,
		&nextAt, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan follow-up cycle: %w", err)
	}
	if nextAt.Valid {
		c.NextFireAt = &nextAt.Time
	}
	return &c, nil
}

func (s *FollowUpStore) ActiveCycleForClient(ctx context.Context, clientID, workspaceID uuid.UUID) (*store.FollowUpCycle, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+cycleColumns+` FROM follow_up_cycles
		 WHERE client_id = $1 AND workspace_id = $2 AND status IN ($3, $4)
		 LIMIT 1`,
		clientID, workspaceID, store.CycleActive, store.CyclePaused)
	return scanCycle(row)
}

func (s *FollowUpStore) GetCycle(ctx context.Context, id uuid.UUID) (*store.FollowUpCycle, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+cycleColumns+` FROM follow_up_cycles WHERE id = $1`, id)
	return scanCycle(row)
}

func (s *FollowUpStore) CreateCycle(ctx context.Context, c *store.FollowUpCycle) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.Must(uuid.NewV7())
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	var nextAt any
	if c.NextFireAt != nil {
		nextAt = *c.NextFireAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO follow_up_cycles (id, client_id, workspace_id, status, current_step_order, next_fire_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.ClientID, c.WorkspaceID, c.Status, c.CurrentStepOrder, nextAt, c.CreatedAt, c.UpdatedAt)
	if isUniqueViolation(err) {
		return store.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert follow-up cycle: %w", err)
	}
	return nil
}

func (s *FollowUpStore) UpdateCycle(ctx context.Context, c *store.FollowUpCycle) error {
	var nextAt any
	if c.NextFireAt != nil {
		nextAt = *c.NextFireAt
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE follow_up_cycles SET
		     status = $2, current_step_order = $3, next_fire_at = $4, updated_at = $5
		 WHERE id = $1`,
		c.ID, c.Status, c.CurrentStepOrder, nextAt, time.Now())
	if err != nil {
		return fmt.Errorf("update follow-up cycle: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}
