package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/leadpulse/leadpulse/internal/batch"
	"github.com/leadpulse/leadpulse/internal/broadcast"
	"github.com/leadpulse/leadpulse/internal/config"
	"github.com/leadpulse/leadpulse/internal/dispatch"
	"github.com/leadpulse/leadpulse/internal/followup"
	"github.com/leadpulse/leadpulse/internal/httpapi"
	"github.com/leadpulse/leadpulse/internal/ingest"
	"github.com/leadpulse/leadpulse/internal/jobs"
	"github.com/leadpulse/leadpulse/internal/responder"
	"github.com/leadpulse/leadpulse/internal/secrets"
	"github.com/leadpulse/leadpulse/internal/store"
	"github.com/leadpulse/leadpulse/internal/store/memory"
	"github.com/leadpulse/leadpulse/internal/store/pg"
)

var memoryMode bool

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook gateway and pipeline workers",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
	cmd.Flags().BoolVar(&memoryMode, "memory", false, "run with in-memory storage (development only; nothing survives restart)")
	return cmd
}

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	var stores *store.Stores
	var backend jobs.Backend
	if memoryMode {
		slog.Warn("running with in-memory storage; nothing survives restart")
		stores = memory.New().Stores()
		mb := jobs.NewMemoryBackend()
		mb.MaxAttempts = cfg.Jobs.MaxAttempts
		backend = mb
	} else {
		if cfg.Database.PostgresDSN == "" {
			slog.Error("LEADPULSE_POSTGRES_DSN environment variable is not set")
			os.Exit(1)
		}
		db, err := pg.OpenDB(cfg.Database.PostgresDSN)
		if err != nil {
			slog.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		stores = pg.NewStores(db)
		pb := jobs.NewPGBackend(db)
		pb.MaxAttempts = cfg.Jobs.MaxAttempts
		backend = pb
	}

	var codec secrets.Codec
	if cfg.EncryptionKey != "" {
		codec, err = secrets.NewAESCodec(cfg.EncryptionKey)
		if err != nil {
			slog.Error("invalid encryption key", "error", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("LEADPULSE_ENCRYPTION_KEY not set; channel tokens are treated as plaintext")
		codec = secrets.Plaintext{}
	}

	hub := broadcast.NewHub()

	dispatcher := dispatch.NewDispatcher(stores, codec, backend, hub, cfg.Pipeline.DispatchTimeout(), cfg.RateLimit)
	dispatcher.Register(dispatch.NewHostedChatAdapter())
	dispatcher.Register(dispatch.NewWACloudAdapter())
	dispatcher.Register(dispatch.NewWABridgeAdapter())

	orchestrator := responder.NewOrchestrator(stores, responder.NewOpenAICompletion(cfg.AI), cfg.Pipeline.HistoryLimit)
	batcher := batch.New(backend, stores, orchestrator, dispatcher, cfg.Pipeline.DebounceWindow())
	scheduler := followup.NewScheduler(stores, backend)
	evaluator := followup.NewEvaluator(stores, backend, scheduler, dispatcher, cfg.Pipeline.SendWindowRetry())

	ingestSvc := ingest.NewService(stores, batcher, scheduler)

	webhooks := httpapi.NewWebhookHandler(ingestSvc, cfg.Gateway.VerifyToken)
	events := httpapi.NewEventsHandler(hub, cfg.Gateway.AuthToken, cfg.Gateway.AllowedOrigins)
	server := httpapi.NewServer(cfg.Gateway, webhooks, events)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// One runner per class so each job class gets its own worker pool.
	settleRunner := newRunner(backend, cfg.Jobs, cfg.Jobs.SettleWorkers)
	settleRunner.Register(jobs.ClassSettle, batcher.HandleSettle)
	evaluateRunner := newRunner(backend, cfg.Jobs, cfg.Jobs.EvaluateWorkers)
	evaluateRunner.Register(jobs.ClassEvaluate, evaluator.HandleEvaluate)
	mediaRunner := newRunner(backend, cfg.Jobs, cfg.Jobs.MediaWorkers)
	mediaRunner.Register(jobs.ClassMedia, dispatcher.HandleSend)
	dispatchRunner := newRunner(backend, cfg.Jobs, cfg.Jobs.DispatchWorkers)
	dispatchRunner.Register(jobs.ClassDispatch, dispatcher.HandleSend)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(ctx) })
	g.Go(func() error { return settleRunner.Start(ctx) })
	g.Go(func() error { return evaluateRunner.Start(ctx) })
	g.Go(func() error { return mediaRunner.Start(ctx) })
	g.Go(func() error { return dispatchRunner.Start(ctx) })

	if err := g.Wait(); err != nil {
		slog.Error("engine stopped", "error", err)
		os.Exit(1)
	}
}

// newRunner builds a single-class runner; each job class gets its own
// worker pool sized from config.
func newRunner(backend jobs.Backend, jc config.JobsConfig, workers int) *jobs.Runner {
	cfg := jobs.DefaultRunnerConfig()
	if jc.PollIntervalSeconds > 0 {
		cfg.PollInterval = time.Duration(jc.PollIntervalSeconds) * time.Second
	}
	if jc.BatchSize > 0 {
		cfg.BatchSize = jc.BatchSize
	}
	if workers > 0 {
		cfg.Workers = workers
	}
	if jc.BackoffBaseSeconds > 0 {
		cfg.BackoffBase = time.Duration(jc.BackoffBaseSeconds) * time.Second
	}
	if jc.BackoffMaxSeconds > 0 {
		cfg.BackoffMax = time.Duration(jc.BackoffMaxSeconds) * time.Second
	}
	return jobs.NewRunner(backend, cfg)
}
