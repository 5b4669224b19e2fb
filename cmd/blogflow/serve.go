package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"blogflow/internal/api"
	"blogflow/internal/config"
	"blogflow/internal/handlers/webhook"
	"blogflow/internal/health"
	"blogflow/internal/metrics"
	"blogflow/internal/queue"
	"blogflow/internal/retry"
	"blogflow/internal/scheduler"
	"blogflow/internal/storage"
	"blogflow/internal/worker"
)

func serveCmd() *cobra.Command {
	def := config.Default()
	var (
		addr       string
		dbPath     string
		workers    int
		poll       time.Duration
		jobTimeout time.Duration
		maxRetries int
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the job queue, workers, scheduler and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			f := cmd.Flags()
			override(f, "addr", &cfg.Addr, addr)
			override(f, "db", &cfg.DBPath, dbPath)
			override(f, "workers", &cfg.Workers, workers)
			override(f, "poll", &cfg.Poll, poll)
			override(f, "job-timeout", &cfg.JobTimeout, jobTimeout)
			override(f, "max-retries", &cfg.MaxRetries, maxRetries)
			override(f, "debug", &cfg.Debug, debug)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	f := cmd.Flags()
	f.StringVar(&addr, "addr", def.Addr, "HTTP bind address")
	f.StringVar(&dbPath, "db", def.DBPath, "SQLite DB path for schedules and the job archive")
	f.IntVar(&workers, "workers", def.Workers, "number of concurrent job handlers")
	f.DurationVar(&poll, "poll", def.Poll, "poll interval for the dispatcher")
	f.DurationVar(&jobTimeout, "job-timeout", def.JobTimeout, "execution budget per attempt (0 disables)")
	f.IntVar(&maxRetries, "max-retries", def.MaxRetries, "default maxRetries for new jobs")
	f.BoolVar(&debug, "debug", false, "expose pprof under /debug/pprof")
	return cmd
}

// override copies v into dst when the flag was set on the command line.
func override[T any](f *pflag.FlagSet, name string, dst *T, v T) {
	if f.Changed(name) {
		*dst = v
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := storage.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()
	repo := storage.NewSQLite(db)

	store := queue.NewStore(
		queue.WithDefaultMaxRetries(cfg.MaxRetries),
		queue.WithHealthThresholds(queue.HealthThresholds{
			StuckAfter:   cfg.StuckAfter,
			Backlog:      cfg.BacklogThreshold,
			FailureRatio: queue.DefaultHealthThresholds().FailureRatio,
		}),
	)
	retries := retry.NewController(store, retry.Policy{BackoffBase: cfg.BackoffBase, BackoffCap: cfg.BackoffCap})

	handlers := worker.NewRegistry()
	headers := map[string]string{}
	if cfg.WebhookToken != "" {
		headers["Authorization"] = "Bearer " + cfg.WebhookToken
	}
	webhook.New(cfg.Webhooks, headers, cfg.WebhookTimeout).Register(handlers)
	if len(handlers.Types()) == 0 {
		log.Warn().Msg("no webhook endpoints configured; jobs will fail until a handler is registered")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pool := worker.NewPool(store, retries, handlers, cfg.Workers, cfg.Poll, cfg.JobTimeout)
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		pool.Run(ctx)
	}()

	automation := scheduler.NewService(repo, repo, store, cfg.ScheduleInterval, cfg.Retention)
	go automation.Start(ctx)

	aggregator := metrics.NewAggregator(store, metrics.Thresholds{
		StuckAfter:       cfg.StuckAfter,
		HighLatency:      cfg.HighLatency,
		HighErrorRate:    cfg.HighErrorRate,
		Backlog:          cfg.BacklogThreshold,
		HistogramBuckets: cfg.HistogramBuckets,
	}, store.Now)
	reporter := health.NewReporter(store, aggregator,
		automation,
		health.NewSystemCheck(health.SystemThresholds{
			MaxHeapMB:     cfg.MaxHeapMB,
			MaxGoroutines: cfg.MaxGoroutines,
			MaxSchedLag:   cfg.MaxSchedLag,
			MaxCPU:        cfg.MaxCPU,
		}),
		health.NewDependencyCheck(cfg.Dependencies, cfg.RequiredEnv, cfg.DependencyProbe),
	)

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: api.NewServer(api.Deps{
			Store:     store,
			Retries:   retries,
			Metrics:   aggregator,
			Health:    reporter,
			Schedules: repo,
			Archive:   repo,
			Debug:     cfg.Debug,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Int("workers", cfg.Workers).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)
	select {
	case <-sig:
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}
	log.Info().Msg("shutting down")

	shutdownCtx, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(shutdownCtx)

	automation.Stop()
	pool.Stop()
	cancel()
	select {
	case <-poolDone:
	case <-shutdownCtx.Done():
		log.Warn().Msg("workers did not finish before shutdown deadline")
	}
	return nil
}
