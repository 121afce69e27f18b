package jobs

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"
)

// Handler executes one job. Returning a SkipError completes the job as an
// expected skip; a Permanent error fails it immediately; any other error
// re-schedules it with backoff until the attempt cap.
type Handler func(ctx context.Context, job *Job) error

// RunnerConfig tunes the polling runner.
type RunnerConfig struct {
	PollInterval time.Duration // how often each class polls for due jobs
	BatchSize    int           // max jobs claimed per poll
	Workers      int           // concurrent handlers per class
	BackoffBase  time.Duration // first retry delay
	BackoffMax   time.Duration // retry delay ceiling
}

// DefaultRunnerConfig returns the runner defaults.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		PollInterval: time.Second,
		BatchSize:    25,
		Workers:      4,
		BackoffBase:  5 * time.Second,
		BackoffMax:   10 * time.Minute,
	}
}

// Runner polls the backend per job class and executes handlers on a
// bounded worker pool. Workers suspend only at I/O; the quiet windows and
// nudge delays live in the queue, not in sleeps.
type Runner struct {
	backend  Backend
	cfg      RunnerConfig
	handlers map[Class]Handler
	now      func() time.Time
}

// NewRunner creates a runner. Handlers are registered with Register before
// Start.
func NewRunner(backend Backend, cfg RunnerConfig) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 5 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 10 * time.Minute
	}
	return &Runner{
		backend:  backend,
		cfg:      cfg,
		handlers: make(map[Class]Handler),
		now:      time.Now,
	}
}

// Register binds a handler to a job class.
func (r *Runner) Register(class Class, h Handler) {
	r.handlers[class] = h
}

// Start launches one poll loop per registered class and blocks until ctx
// is canceled.
func (r *Runner) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for class, handler := range r.handlers {
		g.Go(func() error {
			r.pollLoop(ctx, class, handler)
			return nil
		})
	}
	return g.Wait()
}

func (r *Runner) pollLoop(ctx context.Context, class Class, handler Handler) {
	slog.Info("job runner started", "class", class, "workers", r.cfg.Workers)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("job runner stopped", "class", class)
			return
		case <-ticker.C:
			r.drain(ctx, class, handler)
		}
	}
}

// drain claims and executes due jobs until none remain.
func (r *Runner) drain(ctx context.Context, class Class, handler Handler) {
	for {
		claimed, err := r.backend.ClaimDue(ctx, class, r.cfg.BatchSize, r.now())
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("claim due jobs failed", "class", class, "error", err)
			}
			return
		}
		if len(claimed) == 0 {
			return
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.cfg.Workers)
		for i := range claimed {
			job := claimed[i]
			g.Go(func() error {
				r.execute(gctx, &job, handler)
				return nil
			})
		}
		g.Wait()

		if len(claimed) < r.cfg.BatchSize {
			return
		}
	}
}

func (r *Runner) execute(ctx context.Context, job *Job, handler Handler) {
	err := handler(ctx, job)
	switch {
	case err == nil:
		if cerr := r.backend.Complete(ctx, job.ID); cerr != nil {
			slog.Error("complete job failed", "class", job.Class, "job", job.ID, "error", cerr)
		}
	case IsSkip(err):
		// Expected outcome, not a failure.
		slog.Debug("job skipped", "class", job.Class, "job", job.ID, "reason", err.Error())
		if cerr := r.backend.Complete(ctx, job.ID); cerr != nil {
			slog.Error("complete job failed", "class", job.Class, "job", job.ID, "error", cerr)
		}
	case IsPermanent(err) || job.Attempts >= job.MaxAttempts:
		slog.Error("job failed permanently",
			"class", job.Class, "job", job.ID, "attempts", job.Attempts, "error", err)
		if ferr := r.backend.Fail(ctx, job.ID, err.Error()); ferr != nil {
			slog.Error("fail job failed", "class", job.Class, "job", job.ID, "error", ferr)
		}
	default:
		delay := r.backoff(job.Attempts)
		slog.Warn("job failed, will retry",
			"class", job.Class, "job", job.ID, "attempts", job.Attempts, "retry_in", delay, "error", err)
		if rerr := r.backend.Retry(ctx, job.ID, err.Error(), r.now().Add(delay)); rerr != nil {
			slog.Error("retry job failed", "class", job.Class, "job", job.ID, "error", rerr)
		}
	}
}

// backoff is exponential with jitter: base*2^(attempts-1), capped.
func (r *Runner) backoff(attempts int) time.Duration {
	d := r.cfg.BackoffBase
	for i := 1; i < attempts && d < r.cfg.BackoffMax; i++ {
		d *= 2
	}
	if d > r.cfg.BackoffMax {
		d = r.cfg.BackoffMax
	}
	if q := int64(d) / 4; q > 0 {
		d += time.Duration(rand.Int63n(q))
	}
	return d
}
