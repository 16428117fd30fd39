package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kailas-cloud/callguard/internal/clock"
	"github.com/kailas-cloud/callguard/internal/config"
	"github.com/kailas-cloud/callguard/internal/db"
	"github.com/kailas-cloud/callguard/internal/db/failover"
	"github.com/kailas-cloud/callguard/internal/db/memory"
	dbRedis "github.com/kailas-cloud/callguard/internal/db/redis"
	"github.com/kailas-cloud/callguard/internal/db/sqldb"
	"github.com/kailas-cloud/callguard/internal/metrics"
	"github.com/kailas-cloud/callguard/internal/repository/breakerstate"
	budgetrepo "github.com/kailas-cloud/callguard/internal/repository/budget"
	ledgerrepo "github.com/kailas-cloud/callguard/internal/repository/ledger"
	"github.com/kailas-cloud/callguard/internal/repository/ratewindow"
	chiTransport "github.com/kailas-cloud/callguard/internal/transport/chi"
	openaiProvider "github.com/kailas-cloud/callguard/internal/transport/openai"
	admissionuc "github.com/kailas-cloud/callguard/internal/usecase/admission"
	"github.com/kailas-cloud/callguard/internal/usecase/breaker"
	healthuc "github.com/kailas-cloud/callguard/internal/usecase/health"
	"github.com/kailas-cloud/callguard/internal/usecase/streaming"
	usageuc "github.com/kailas-cloud/callguard/internal/usecase/usage"
	"github.com/kailas-cloud/callguard/internal/version"
)

// Spend counters outlive their bucket so late reads still see the total.
const (
	hourlySpendTTL = 2 * time.Hour
	dailySpendTTL  = 48 * time.Hour
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, cfg, logger, err := loadRuntime(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			logger.Info("Starting callguard API server",
				zap.String("version", version.Version),
				zap.String("commit", version.Commit),
				zap.String("env", env),
				zap.Int("http_port", cfg.HTTP.Port),
				zap.String("coordination_driver", cfg.Coordination.Driver),
				zap.Strings("coordination_addrs", cfg.Coordination.Addrs),
				zap.String("ledger_driver", cfg.Ledger.Driver),
			)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

// coordination holds the coordination store handles. Limiters and breaker state go through
// store; spend counters use primary so a failed round trip surfaces instead of being
// answered from local memory.
type coordination struct {
	store   db.Store
	primary db.Store
	fo      *failover.Store
}

// openCoordination connects the shared store. Redis and Valkey are wrapped in a failover
// store backed by process memory; the memory driver is used as is.
func openCoordination(ctx context.Context, cfg config.CoordinationConfig, logger *zap.Logger) (coordination, error) {
	if cfg.Driver == config.DriverMemory {
		logger.Warn("Using in-memory coordination store, limits are per instance")
		mem := memory.NewStore(clock.Real())
		return coordination{store: mem, primary: mem}, nil
	}

	// rueidis speaks the same protocol to Redis 7+ and Valkey.
	primary, err := dbRedis.NewStore(dbRedis.Config{
		Addrs:            cfg.Addrs,
		Password:         cfg.Password,
		ConnWriteTimeout: 2 * time.Second,
	})
	if err != nil {
		return coordination{}, fmt.Errorf("create coordination store: %w", err)
	}
	if err := primary.WaitForReady(ctx, time.Duration(cfg.ReadinessTimeout)*time.Second); err != nil {
		primary.Close()
		return coordination{}, fmt.Errorf("coordination store not ready: %w", err)
	}
	logger.Info("Connected to coordination store")

	fo := failover.New(primary, memory.NewStore(clock.Real()), logger)
	return coordination{store: fo, primary: primary, fo: fo}, nil
}

func openLedger(ctx context.Context, cfg config.LedgerConfig, logger *zap.Logger) (*ledgerrepo.Repo, func(), error) {
	gdb, err := sqldb.Open(ledgerConfig(cfg), logger)
	if err != nil {
		return nil, nil, err //nolint:wrapcheck // already wrapped
	}
	repo := ledgerrepo.New(gdb)
	if cfg.AutoMigrate != nil && *cfg.AutoMigrate {
		if err := repo.Migrate(ctx); err != nil {
			_ = sqldb.Close(gdb)
			return nil, nil, err //nolint:wrapcheck // already wrapped
		}
	}
	logger.Info("Connected to usage ledger")
	return repo, func() { _ = sqldb.Close(gdb) }, nil
}

func serve(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	coord, err := openCoordination(ctx, cfg.Coordination, logger)
	if err != nil {
		return err
	}
	store, fo := coord.store, coord.fo
	defer store.Close()

	ledger, closeLedger, err := openLedger(ctx, cfg.Ledger, logger)
	if err != nil {
		return err
	}
	defer closeLedger()

	// Register metrics explicitly (no init())
	metrics.Register()

	provider := openaiProvider.New(&openaiProvider.Config{
		APIKey:             cfg.Provider.APIKey,
		BaseURL:            cfg.Provider.BaseURL,
		Provider:           cfg.Provider.Name,
		ChatModel:          cfg.Provider.ChatModel,
		EmbeddingModel:     cfg.Provider.EmbeddingModel,
		Dimensions:         cfg.Provider.Dimensions,
		TranscriptionModel: cfg.Provider.TranscriptionModel,
		SpeechModel:        cfg.Provider.SpeechModel,
		ModerationModel:    cfg.Provider.ModerationModel,
		User:               cfg.Provider.User,
		Logger:             logger,
	})

	prefix := cfg.Coordination.KeyPrefix
	breakerOpts := []breaker.Option{breaker.WithLogger(logger)}
	if cfg.Breaker.SnapshotTTLMs > 0 {
		breakerOpts = append(breakerOpts, breaker.WithSnapshotTTL(ms(cfg.Breaker.SnapshotTTLMs)))
	}
	breakers, err := breaker.NewRegistry(breakerstate.New(store, prefix), breakerConfigs(cfg.Breaker), breakerOpts...)
	if err != nil {
		return fmt.Errorf("breaker config: %w", err)
	}

	admissionOpts := []admissionuc.Option{admissionuc.WithLogger(logger), admissionuc.WithKeyPrefix(prefix)}
	if fo != nil {
		admissionOpts = append(admissionOpts, admissionuc.WithDegradedReporter(fo))
	}
	ctl, err := admissionuc.New(
		ratewindow.New(store, prefix),
		ledger,
		budgetrepo.New(coord.primary, hourlySpendTTL, dailySpendTTL),
		admissionConfig(cfg.Admission),
		admissionOpts...,
	)
	if err != nil {
		return fmt.Errorf("admission config: %w", err)
	}

	monitor, err := healthuc.NewMonitor(coord.primary, monitorConfig(cfg.Health), clock.Real(), logger)
	if err != nil {
		return fmt.Errorf("health config: %w", err)
	}
	if fo != nil {
		monitor.Subscribe(healthuc.DegradeWhileRed(fo))
	}
	monitor.Subscribe(ctl)

	streams, err := streaming.NewManager(provider.Classifier(), streamingConfig(cfg.Streaming), streaming.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("streaming config: %w", err)
	}

	server := chiTransport.NewServer(chiTransport.Deps{
		Admission:    ctl,
		Breakers:     breakers,
		Streams:      streams,
		Usage:        usageuc.New(ctl, ledger, clock.Real()),
		Health:       healthuc.New(ledger, monitor, breakers),
		Coordination: monitor,
		Provider:     provider.Provider(),
		Chat:         provider,
		Embedder:     provider,
		Transcriber:  provider,
		Synthesizer:  provider,
	}, logger)

	r := chi.NewRouter()
	r.Use(jsonRecoverer(logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(wideEventMiddleware(logger))
	r.Use(chiTransport.BearerAuthMiddleware(cfg.Auth.APIKeys))
	r.Use(metrics.Middleware())
	server.Routes(r)

	monitorCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	go func() {
		_ = monitor.Run(monitorCtx)
	}()

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	logger.Info("Server stopped gracefully")
	return nil
}
