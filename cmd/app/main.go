package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"tx_broadcast/pkg/api"
	"tx_broadcast/pkg/broadcast"
	"tx_broadcast/pkg/chain"
	"tx_broadcast/pkg/config"
	"tx_broadcast/pkg/data"
	"tx_broadcast/pkg/database"
	"tx_broadcast/pkg/feed"
	"tx_broadcast/pkg/monitor"
	"tx_broadcast/pkg/security"
	"tx_broadcast/pkg/utils"
)

var (
	configFile = flag.String("config", "config.yaml", "Path to configuration file")
	debug      = flag.Bool("debug", false, "Enable debug mode")
)

// txFeed is the slice of the gossip feed the app drives: announcing
// its own submissions and relaying terminal verdicts.
type txFeed interface {
	Publish(ctx context.Context, txHash string, chainID uint64) error
	PublishStatus(ctx context.Context, txHash, status string) error
	Stop()
}

// App wires the broadcast engine together.
type App struct {
	cfg      *config.Config
	db       *database.Service
	repo     data.Repository
	parallel *broadcast.ParallelStrategy
	failover *broadcast.FailoverStrategy
	prober   *broadcast.HealthProber
	monitor  *monitor.Monitor
	feed     txFeed
	api      *api.Server
	logger   *zap.Logger
}

func main() {
	flag.Parse()

	logger, err := initLogger(*debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Fatal("Failed to load configuration",
			zap.String("path", *configFile),
			zap.Error(err),
		)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := initializeApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize application", zap.Error(err))
	}

	setupGracefulShutdown(cancel, app, logger)

	// Block until shutdown signal
	<-ctx.Done()
}

func initLogger(debug bool) (*zap.Logger, error) {
	logCfg := utils.DefaultLogConfig()
	if debug {
		logCfg.Level = "debug"
		logCfg.Debug = true
	}
	return utils.NewLogger(logCfg)
}

func initializeApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	app := &App{cfg: cfg, logger: logger}

	// History repository: Postgres when configured, in-memory otherwise.
	if cfg.Database.URL != "" || cfg.Database.Embedded {
		db, err := database.NewService(&cfg.Database, logger)
		if err != nil {
			return nil, fmt.Errorf("initializing database service: %w", err)
		}
		if err := db.Start(initCtx); err != nil {
			return nil, fmt.Errorf("starting database service: %w", err)
		}
		app.db = db
		app.repo = db.Repository()
	} else {
		logger.Warn("No database configured, broadcast history is in-memory only")
		app.repo = data.NewMockRepository()
	}

	providers, err := buildProviders(cfg, logger)
	if err != nil {
		return nil, err
	}

	health, err := broadcast.NewHealthTracker(cfg.Health, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing health tracker: %w", err)
	}

	var validator broadcast.TxValidator
	if cfg.Security.Enabled {
		manager, err := security.NewManager(cfg.Security, logger)
		if err != nil {
			return nil, fmt.Errorf("initializing security manager: %w", err)
		}
		validator = manager
	}

	deps := broadcast.Deps{
		Health:    health,
		Validator: validator,
		Logger:    logger,
	}
	defaults := broadcast.OptionsFromConfig(cfg.Broadcast)

	app.parallel, err = broadcast.NewParallelStrategy(providers, deps, defaults)
	if err != nil {
		return nil, fmt.Errorf("initializing parallel strategy: %w", err)
	}
	app.failover, err = broadcast.NewFailoverStrategy(providers, deps, defaults)
	if err != nil {
		return nil, fmt.Errorf("initializing failover strategy: %w", err)
	}

	app.prober, err = broadcast.NewHealthProber(providers, health, cfg.Health, nil, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing health prober: %w", err)
	}
	if err := app.prober.Start(); err != nil {
		return nil, fmt.Errorf("starting health prober: %w", err)
	}

	// The monitor polls through the highest-priority provider.
	app.monitor, err = monitor.New(providers[0].Client, cfg.Monitor, nil, nil, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing monitor: %w", err)
	}
	app.monitor.Subscribe(app.confirmationRecorder(ctx))
	if err := app.monitor.Start(); err != nil {
		return nil, fmt.Errorf("starting monitor: %w", err)
	}

	if cfg.Feed.Enabled {
		pendingFeed, err := feed.New(ctx, cfg.Feed, app.monitor.NotePending, logger)
		if err != nil {
			return nil, fmt.Errorf("initializing pending feed: %w", err)
		}
		pendingFeed.Start(ctx)
		app.feed = pendingFeed
	}

	if cfg.API.Enabled {
		server, err := api.NewServer(cfg.API, app, app.monitor, app.repo, health, logger)
		if err != nil {
			return nil, fmt.Errorf("initializing API server: %w", err)
		}
		server.Start()
		app.api = server
	}

	logger.Info("Broadcast engine initialized",
		zap.Int("providers", len(providers)),
		zap.Bool("security", cfg.Security.Enabled),
		zap.Bool("api", cfg.API.Enabled),
		zap.Bool("feed", cfg.Feed.Enabled))
	return app, nil
}

func buildProviders(cfg *config.Config, logger *zap.Logger) ([]*broadcast.Provider, error) {
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("no providers configured")
	}
	providers := make([]*broadcast.Provider, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		client, err := chain.NewRPCClient(pc.URL, cfg.Broadcast.ProviderTimeout, logger)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", pc.ID, err)
		}
		provider, err := broadcast.NewProvider(pc, client)
		if err != nil {
			return nil, err
		}
		providers = append(providers, provider)
	}
	return providers, nil
}

// confirmationRecorder persists the monitor's terminal verdicts and
// relays them to the gossip feed. Both are write-behind: failures are
// logged, never surfaced into the tracking path.
func (a *App) confirmationRecorder(ctx context.Context) monitor.Callbacks {
	record := func(snap monitor.Snapshot) {
		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := a.repo.UpdateConfirmation(wctx, snap.TxHash, string(snap.Status), snap.Confirmations); err != nil {
			a.logger.Warn("Failed to persist confirmation status",
				zap.String("txHash", snap.TxHash),
				zap.Error(err))
		}
		if a.feed != nil {
			if err := a.feed.PublishStatus(wctx, snap.TxHash, string(snap.Status)); err != nil {
				a.logger.Warn("Failed to announce terminal status",
					zap.String("txHash", snap.TxHash),
					zap.Error(err))
			}
		}
	}
	return monitor.Callbacks{
		Confirmed: record,
		Failed:    record,
		Dropped:   record,
	}
}

// Broadcast submits through the configured strategy, registers the
// hash with the monitor, and writes the summary to history.
func (a *App) Broadcast(ctx context.Context, tx *chain.SignedTx, parallel bool) (*broadcast.Outcome, error) {
	req := broadcast.NewRequest(tx, broadcast.Options{})

	var (
		outcome  *broadcast.Outcome
		strategy string
		err      error
	)
	if parallel {
		strategy = "parallel"
		outcome, err = a.parallel.Broadcast(ctx, req)
	} else {
		strategy = "failover"
		outcome, err = a.failover.Broadcast(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	if !a.monitor.AddTransaction(outcome.TxHash, req.Metadata) {
		a.logger.Warn("Transaction not registered with monitor",
			zap.String("txHash", outcome.TxHash))
	}
	if a.feed != nil {
		if err := a.feed.Publish(ctx, outcome.TxHash, tx.ChainID); err != nil {
			a.logger.Warn("Failed to announce pending transaction",
				zap.String("txHash", outcome.TxHash),
				zap.Error(err))
		}
	}
	a.recordHistory(ctx, tx.ChainID, strategy, outcome)
	return outcome, nil
}

func (a *App) recordHistory(ctx context.Context, chainID uint64, strategy string, outcome *broadcast.Outcome) {
	record := &data.BroadcastRecord{
		ID:              outcome.BroadcastID,
		TxHash:          outcome.TxHash,
		ChainID:         chainID,
		Strategy:        strategy,
		State:           string(outcome.State),
		SuccessfulCount: len(outcome.Successful),
		FailedCount:     len(outcome.Failed),
		TotalAttempts:   outcome.TotalAttempts,
		DurationMs:      outcome.Duration.Milliseconds(),
		Warnings:        outcome.Warnings,
		CreatedAt:       outcome.CompletedAt,
	}
	if outcome.Consensus != nil {
		record.Agreement = outcome.Consensus.Agreement
	}

	attempts := make([]*data.AttemptRecord, 0, len(outcome.Successful)+len(outcome.Failed))
	for _, att := range outcome.Successful {
		rec := data.NewAttemptRecord(outcome.BroadcastID, att.ProviderID)
		rec.Success = true
		rec.ResponseTimeMs = att.ResponseTime.Milliseconds()
		attempts = append(attempts, rec)
	}
	for _, att := range outcome.Failed {
		rec := data.NewAttemptRecord(outcome.BroadcastID, att.ProviderID)
		rec.ErrorCategory = string(att.ErrorCategory)
		if att.Err != nil {
			rec.ErrorMessage = att.Err.Error()
		}
		rec.ResponseTimeMs = att.ResponseTime.Milliseconds()
		attempts = append(attempts, rec)
	}

	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.repo.SaveBroadcast(wctx, record); err != nil {
		a.logger.Warn("Failed to persist broadcast summary",
			zap.String("broadcastID", record.ID), zap.Error(err))
		return
	}
	if err := a.repo.SaveAttempts(wctx, attempts); err != nil {
		a.logger.Warn("Failed to persist broadcast attempts",
			zap.String("broadcastID", record.ID), zap.Error(err))
	}
}

func (a *App) stop(ctx context.Context) {
	if a.api != nil {
		if err := a.api.Stop(ctx); err != nil {
			a.logger.Warn("Error stopping API server", zap.Error(err))
		}
	}
	if a.feed != nil {
		a.feed.Stop()
	}
	a.monitor.Stop()
	a.prober.Stop()
	if a.db != nil {
		if err := a.db.Stop(ctx); err != nil {
			a.logger.Warn("Error stopping database service", zap.Error(err))
		}
	}
}

func setupGracefulShutdown(cancel context.CancelFunc, app *App, logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("Shutdown signal received", zap.String("signal", sig.String()))

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()

		app.stop(shutdownCtx)
		cancel()
	}()
}
