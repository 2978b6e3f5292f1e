// jobmate-pipeline-service
//
// Stage ledger and workflow automation for job applications.
//   - records every stage transition as a time interval (timeline, durations)
//   - flags stale applications and aggregates per-stage analytics
//   - runs the automation rules when POST /scheduler/run (or the gRPC
//     SchedulerService, or the optional in-process cron) fires
//
// Publishes EVENT_STAGE_CHANGED and CMD_SEND_WEEKLY_DIGEST to Redis when
// REDIS_URL is set.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"jobmate/pipeline-service/internal/automation"
	"jobmate/pipeline-service/internal/config"
	"jobmate/pipeline-service/internal/coordination"
	"jobmate/pipeline-service/internal/db"
	"jobmate/pipeline-service/internal/domain"
	"jobmate/pipeline-service/internal/duration"
	"jobmate/pipeline-service/internal/grpcserver"
	"jobmate/pipeline-service/internal/httpserver"
	"jobmate/pipeline-service/internal/kanban"
	"jobmate/pipeline-service/internal/logging"
	"jobmate/pipeline-service/internal/memstore"
	"jobmate/pipeline-service/internal/metrics"
	"jobmate/pipeline-service/internal/notify"
	"jobmate/pipeline-service/internal/settings"
	"jobmate/pipeline-service/internal/stale"
	"jobmate/pipeline-service/internal/trigger"
)

const version = "1.0.0"

var inMemory bool

var rootCmd = &cobra.Command{
	Use:           "pipeline-service",
	Short:         "Stage ledger and workflow automation for job applications",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API, the gRPC trigger and the optional cron",
	RunE:  runServe,
}

var runChecksCmd = &cobra.Command{
	Use:   "run-checks",
	Short: "Run the automation rules once and print the JSON report",
	RunE:  runChecks,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE:  runMigrate,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&inMemory, "in-memory", false, "use in-process stores instead of PostgreSQL")
	rootCmd.AddCommand(serveCmd, runChecksCmd, migrateCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		slog.Error("[pipeline-service] fatal", "error", err)
		os.Exit(1)
	}
}

// ─── Wiring ──────────────────────────────────────────────────────────────────

// app holds every component built from Config.
type app struct {
	cfg       *config.Config
	registry  *prometheus.Registry
	scheduler *automation.Scheduler
	http      *httpserver.Server
	closers   []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func build(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, registry: metrics.NewRegistry()}
	m := metrics.New(a.registry)
	clock := clockwork.NewRealClock()
	checks := map[string]httpserver.HealthCheck{}

	var (
		ledgerStore domain.LedgerStore
		appStore    domain.ApplicationStore
		entries     duration.EntrySource
		settingsDB  domain.SettingsStore
	)

	// ── Storage ──────────────────────────────────────────────────────────────
	if cfg.DatabaseURL == "" {
		slog.Warn("[pipeline-service] running with in-memory stores; data is lost on exit")
		store := memstore.NewStore()
		ledgerStore, appStore, entries = store, store, store
		settingsDB = memstore.NewSettings()
	} else {
		slog.Info("[pipeline-service] connecting to PostgreSQL…")
		pool, err := db.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		if err := db.Migrate(ctx, pool); err != nil {
			a.close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		store := db.NewStore(pool)
		ledgerStore, appStore, entries = store, store, store
		settingsDB = db.NewSettingsRepo(pool)
		checks["postgres"] = pool.Ping
	}

	// ── Redis ────────────────────────────────────────────────────────────────
	var (
		publisher interface {
			domain.EventPublisher
			automation.Notifier
		} = notify.LogPublisher{}
		locker coordination.RuleLocker = coordination.NoopLocker{}
	)
	if cfg.RedisURL != "" {
		slog.Info("[pipeline-service] connecting to Redis…")
		rdb, err := db.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		publisher = notify.NewRedisPublisher(rdb, clock)
		locker = coordination.NewRedisLocker(rdb, cfg.RuleLockTTL)
		checks["redis"] = redisCheck(rdb)
	} else {
		slog.Warn("[pipeline-service] REDIS_URL not set; events are logged and rule locks are process-local")
	}

	// ── Domain services ──────────────────────────────────────────────────────
	ledger := kanban.NewLedger(ledgerStore, publisher, m, clock)
	detector := stale.NewDetector(clock)

	a.scheduler = automation.NewScheduler(automation.Deps{
		Settings:     settings.NewService(settingsDB),
		Applications: appStore,
		Ledger:       ledger,
		Detector:     detector,
		Notifier:     publisher,
		Locker:       locker,
		Metrics:      m,
		Clock:        clock,
		Location:     cfg.Location(),
		Concurrency:  cfg.RuleConcurrency,
	})

	a.http = httpserver.New(httpserver.Deps{
		Scheduler:      a.scheduler,
		SchedulerToken: cfg.SchedulerToken,
		Ledger:         ledger,
		Applications:   appStore,
		Detector:       detector,
		Analytics:      duration.NewCalculator(entries, clock),
		Registry:       a.registry,
		Checks:         checks,
	})
	return a, nil
}

func redisCheck(rdb *redis.Client) httpserver.HealthCheck {
	return func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
}

// ─── Commands ────────────────────────────────────────────────────────────────

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(inMemory)
	if err != nil {
		return nil, err
	}
	if inMemory {
		cfg.DatabaseURL = ""
	}
	if cfg.SchedulerCron != "" {
		if err := trigger.Validate(cfg.SchedulerCron); err != nil {
			return nil, fmt.Errorf("SCHEDULER_CRON: %w", err)
		}
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logging.Init(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	errCh := make(chan error, 2)

	// ── HTTP server ──────────────────────────────────────────────────────────
	go func() {
		addr := fmt.Sprintf(":%s", cfg.Port)
		slog.Info("[pipeline-service] listening", "version", version, "addr", addr, "env", cfg.AppEnv)
		if err := a.http.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	// ── gRPC server ──────────────────────────────────────────────────────────
	var stopGRPC func()
	if cfg.GRPCEnabled() {
		g := grpcserver.New(a.scheduler, cfg.SchedulerToken)
		stopGRPC = g.GracefulStop
		go func() {
			if err := grpcserver.Serve(g, fmt.Sprintf(":%s", cfg.GRPCPort)); err != nil {
				errCh <- err
			}
		}()
	}

	// ── Cron trigger ─────────────────────────────────────────────────────────
	var cron *trigger.Cron
	if cfg.SchedulerCron != "" {
		cron = trigger.New(a.scheduler, cfg.SchedulerCron, cfg.Location())
		if err := cron.Start(ctx); err != nil {
			return err
		}
	}

	// ── Graceful shutdown ────────────────────────────────────────────────────
	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	slog.Info("[pipeline-service] shutting down…")
	if cron != nil {
		cron.Stop()
	}
	if stopGRPC != nil {
		stopGRPC()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		slog.Error("[pipeline-service] shutdown error", "error", err)
	}
	slog.Info("[pipeline-service] stopped")
	return runErr
}

func runChecks(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	// stdout carries the report; logs go to stderr.
	slog.SetDefault(logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat))

	a, err := build(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.close()

	report := a.scheduler.RunScheduledChecks(cmd.Context())
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(false)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logging.Init(cfg.LogLevel, cfg.LogFormat)

	pool, err := db.NewPostgresPool(cmd.Context(), cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()

	if err := db.Migrate(cmd.Context(), pool); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	slog.Info("[pipeline-service] migrations applied")
	return nil
}
