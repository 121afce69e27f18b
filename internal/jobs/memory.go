package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryBackend is an in-process Backend for tests and `serve --memory`.
// Same semantics as PGBackend, without durability.
type MemoryBackend struct {
	// MaxAttempts mirrors PGBackend.MaxAttempts.
	MaxAttempts int

	mu   sync.Mutex
	jobs map[uuid.UUID]*Job
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{jobs: make(map[uuid.UUID]*Job)}
}

func (b *MemoryBackend) Enqueue(ctx context.Context, class Class, payload any, opts Options) error {
	raw, err := encodePayload(payload)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

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

	if opts.DedupeKey != "" {
		for _, j := range b.jobs {
			if j.DedupeKey == opts.DedupeKey && j.Status == StatusPending {
				j.Class = class
				j.Payload = raw
				j.FireAt = fireAt
				j.Attempts = 0
				j.LastError = ""
				return nil
			}
		}
	}

	id := uuid.Must(uuid.NewV7())
	b.jobs[id] = &Job{
		ID:          id,
		Class:       class,
		Payload:     raw,
		FireAt:      fireAt,
		DedupeKey:   opts.DedupeKey,
		Status:      StatusPending,
		MaxAttempts: maxAttempts,
		CreatedAt:   time.Now(),
	}
	return nil
}

func (b *MemoryBackend) Cancel(ctx context.Context, dedupeKey string) error {
	if dedupeKey == "" {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, j := range b.jobs {
		if j.DedupeKey == dedupeKey && j.Status == StatusPending {
			j.Status = StatusCanceled
		}
	}
	return nil
}

func (b *MemoryBackend) ClaimDue(ctx context.Context, class Class, limit int, now time.Time) ([]Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var due []*Job
	for _, j := range b.jobs {
		if j.Class == class && j.Status == StatusPending && !j.FireAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].FireAt.Before(due[k].FireAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]Job, 0, len(due))
	for _, j := range due {
		j.Status = StatusRunning
		j.Attempts++
		out = append(out, *j)
	}
	return out, nil
}

func (b *MemoryBackend) Complete(ctx context.Context, id uuid.UUID) error {
	return b.setStatus(id, StatusDone, "")
}

func (b *MemoryBackend) Retry(ctx context.Context, id uuid.UUID, lastError string, fireAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if j, ok := b.jobs[id]; ok {
		j.Status = StatusPending
		j.LastError = lastError
		j.FireAt = fireAt
	}
	return nil
}

func (b *MemoryBackend) Fail(ctx context.Context, id uuid.UUID, lastError string) error {
	return b.setStatus(id, StatusFailed, lastError)
}

func (b *MemoryBackend) setStatus(id uuid.UUID, status Status, lastError string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if j, ok := b.jobs[id]; ok {
		j.Status = status
		if lastError != "" {
			j.LastError = lastError
		}
	}
	return nil
}

// Pending returns a snapshot of pending jobs, soonest first. Test helper.
func (b *MemoryBackend) Pending(class Class) []Job {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Job
	for _, j := range b.jobs {
		if j.Status == StatusPending && (class == "" || j.Class == class) {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].FireAt.Before(out[k].FireAt) })
	return out
}
