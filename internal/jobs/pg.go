package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const defaultMaxAttempts = 5

// PGBackend stores jobs in the delayed_jobs table. Claiming uses
// FOR UPDATE SKIP LOCKED so multiple engine processes can poll the same
// table without handing out a job twice.
type PGBackend struct {
	db *sql.DB

	// MaxAttempts is the default attempt cap for jobs enqueued without
	// their own; zero means defaultMaxAttempts.
	MaxAttempts int
}

func NewPGBackend(db *sql.DB) *PGBackend {
	return &PGBackend{db: db}
}

func (b *PGBackend) Enqueue(ctx context.Context, class Class, payload any, opts Options) error {
	raw, err := encodePayload(payload)
	if err != nil {
		return err
	}

	fireAt := time.Now()
	if opts.Delay > 0 {
		fireAt = fireAt.Add(opts.Delay)
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = b.MaxAttempts
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	id := uuid.Must(uuid.NewV7())

	if opts.DedupeKey == "" {
		_, err = b.db.ExecContext(ctx,
			`INSERT INTO delayed_jobs (id, class, payload, fire_at, dedupe_key, status, max_attempts)
			 VALUES ($1, $2, $3, $4, '', 'pending', $5)`,
			id, class, raw, fireAt, maxAttempts)
		if err != nil {
			return fmt.Errorf("enqueue job: %w", err)
		}
		return nil
	}

	// The partial unique index on pending dedupe keys turns a reschedule
	// into a replace: newest payload and fire time win, attempts reset.
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO delayed_jobs (id, class, payload, fire_at, dedupe_key, status, max_attempts)
		 VALUES ($1, $2, $3, $4, $5, 'pending', $6)
		 ON CONFLICT (dedupe_key) WHERE status = 'pending' AND dedupe_key <> ''
		 DO UPDATE SET payload = EXCLUDED.payload,
		               fire_at = EXCLUDED.fire_at,
		               class = EXCLUDED.class,
		               attempts = 0,
		               last_error = '',
		               updated_at = now()`,
		id, class, raw, fireAt, opts.DedupeKey, maxAttempts)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

func (b *PGBackend) Cancel(ctx context.Context, dedupeKey string) error {
	if dedupeKey == "" {
		return nil
	}
	_, err := b.db.ExecContext(ctx,
		`UPDATE delayed_jobs SET status = 'canceled', updated_at = now()
		 WHERE dedupe_key = $1 AND status = 'pending'`,
		dedupeKey)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	return nil
}

func (b *PGBackend) ClaimDue(ctx context.Context, class Class, limit int, now time.Time) ([]Job, error) {
	rows, err := b.db.QueryContext(ctx,
		`UPDATE delayed_jobs SET status = 'running', attempts = attempts + 1, updated_at = now()
		 WHERE id IN (
		     SELECT id FROM delayed_jobs
		     WHERE class = $1 AND status = 'pending' AND fire_at <= $2
		     ORDER BY fire_at ASC
		     LIMIT $3
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, class, payload, fire_at, dedupe_key, status, attempts, max_attempts, last_error, created_at`,
		class, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.Class, &j.Payload, &j.FireAt, &j.DedupeKey,
			&j.Status, &j.Attempts, &j.MaxAttempts, &j.LastError, &j.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (b *PGBackend) Complete(ctx context.Context, id uuid.UUID) error {
	_, err := b.db.ExecContext(ctx,
		`UPDATE delayed_jobs SET status = 'done', updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

func (b *PGBackend) Retry(ctx context.Context, id uuid.UUID, lastError string, fireAt time.Time) error {
	_, err := b.db.ExecContext(ctx,
		`UPDATE delayed_jobs SET status = 'pending', last_error = $2, fire_at = $3, updated_at = now()
		 WHERE id = $1`,
		id, lastError, fireAt)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	return nil
}

func (b *PGBackend) Fail(ctx context.Context, id uuid.UUID, lastError string) error {
	_, err := b.db.ExecContext(ctx,
		`UPDATE delayed_jobs SET status = 'failed', last_error = $2, updated_at = now()
		 WHERE id = $1`,
		id, lastError)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}
