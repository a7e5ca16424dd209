package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"oisentry/internal/aggregation"
	"oisentry/internal/bucket"
	"oisentry/internal/chatsink"
	"oisentry/internal/config"
	"oisentry/internal/exchanges"
	"oisentry/internal/ingestion"
	"oisentry/internal/marketstate"
	"oisentry/internal/notify"
	"oisentry/internal/store"
	"oisentry/internal/telemetry"
	"oisentry/internal/trigger"
	redisclient "oisentry/pkg/redis"
)

// App owns every long-lived component of the surveillance engine and
// drives its startup and shutdown sequence.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	redis    *redisclient.Client
	telem    *telemetry.Metrics
	health   *telemetry.Server
	buckets  *bucket.Store
	states   *marketstate.Store
	calc     *aggregation.Calculator
	registry *trigger.Registry
	pipeline *notify.Pipeline
	eval     *trigger.Evaluator
	gateway  *ingestion.Gateway

	ctx    context.Context
	cancel context.CancelFunc
}

func main() {
	app := &App{}

	if err := app.initialize(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize oisentry: %v\n", err)
		os.Exit(1)
	}

	if err := app.start(); err != nil {
		app.logger.Fatal("failed to start oisentry", zap.Error(err))
	}

	app.waitForShutdown()

	if err := app.shutdown(); err != nil {
		app.logger.Error("error during shutdown", zap.Error(err))
		os.Exit(1)
	}
}

func (app *App) initialize() error {
	app.ctx, app.cancel = context.WithCancel(context.Background())

	logger, err := app.setupLogger()
	if err != nil {
		return fmt.Errorf("setup logger: %w", err)
	}
	app.logger = logger

	app.cfg = config.Load()
	app.logger.Info("configuration loaded",
		zap.Int("providers", len(app.cfg.Providers)),
		zap.Int("tracked_symbols", len(app.cfg.Symbols)),
		zap.String("health_addr", app.cfg.HealthAddr),
	)

	app.redis, err = redisclient.NewClient(redisclient.ClientConfig{
		URL:          app.cfg.RedisURL,
		DB:           app.cfg.RedisDB,
		Password:     app.cfg.RedisPassword,
		PoolSize:     20,
		MaxRetries:   3,
		RetryBackoff: 500 * time.Millisecond,
	}, app.logger)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	app.telem = telemetry.New()
	app.health = telemetry.NewServer(app.cfg.HealthAddr, app.logger)
	app.health.AddDependency("redis", app.redis)

	app.buckets = bucket.NewStore()
	app.buckets.SetMetrics(app.telem)
	app.buckets.SetCapacities(app.cfg.Max15sBuckets, app.cfg.MaxMinuteBuckets)
	app.states = marketstate.NewStore(app.cfg.MaxTrackedSymbols, 24*time.Hour)
	app.calc = aggregation.NewCalculator(app.buckets, app.states, func() int64 { return time.Now().UnixMilli() })
	app.calc.SetFallbackShiftMultiplier(app.cfg.FallbackShiftMultiplier)

	triggerRepo := store.NewRedisTriggerRepository(app.redis)
	signalRepo := store.NewRedisSignalRepository(app.redis)

	app.registry = trigger.NewRegistry(triggerRepo, app.logger)
	if err := app.registry.Init(app.ctx); err != nil {
		return fmt.Errorf("init trigger registry: %w", err)
	}

	sink := chatsink.NewRedisChatSink(app.redis, app.logger)
	app.pipeline = notify.New(sink, app.logger, app.telem)

	evalCfg := trigger.EvaluatorConfig{
		FlushInterval:     app.cfg.TriggerEngineFlush,
		BatchSize:         app.cfg.BatchProcessingSize,
		MetricCacheTTL:    app.cfg.TriggerEngineCacheTTL,
		MinCheckInterval:  app.cfg.MinCheckInterval,
		DebounceThreshold: app.cfg.TriggerEngineDebounceThreshold,
		BackoffEnabled:    app.cfg.NotifyBackoffEnabled,
	}
	app.eval = trigger.NewEvaluator(app.registry, app.calc, app.pipeline, signalRepo, app.logger, app.telem, evalCfg, nil)

	app.gateway = ingestion.New(app.buckets, app.states, app.eval, app.logger, app.telem, 0)
	app.registerProviders()

	app.logger.Info("core components initialized")
	return nil
}

func (app *App) setupLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	level := zapcore.InfoLevel
	if os.Getenv("DEBUG") == "true" {
		level = zapcore.DebugLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stdout"}
	return cfg.Build()
}

// registerProviders builds one exchanges.Provider per configured spec
// and subscribes it to the tracked-symbol watchlist before Connect.
func (app *App) registerProviders() {
	for _, spec := range app.cfg.Providers {
		var p exchanges.Provider
		if spec.Exchange == "hybrid" {
			trade := app.newVenueProvider(spec.HybridTrade)
			ticker := app.newVenueProvider(spec.HybridTicker)
			if trade == nil || ticker == nil {
				app.logger.Warn("hybrid provider names an unknown sub-exchange, skipping",
					zap.String("trade", spec.HybridTrade), zap.String("ticker", spec.HybridTicker))
				continue
			}
			p = exchanges.NewHybridProvider(app.logger, trade, ticker)
		} else if p = app.newVenueProvider(spec.Exchange); p == nil {
			app.logger.Warn("unknown provider exchange, skipping", zap.String("exchange", spec.Exchange))
			continue
		}
		if err := p.Subscribe(app.cfg.Symbols); err != nil {
			app.logger.Warn("subscribe failed", zap.String("provider", p.ID()), zap.Error(err))
		}
		app.gateway.RegisterProvider(p)
	}
}

// newVenueProvider builds the single-venue connector named by exchange,
// or nil if it isn't one oisentry knows how to speak to.
func (app *App) newVenueProvider(exchange string) exchanges.Provider {
	switch exchange {
	case "binance":
		return exchanges.NewBinanceFuturesProvider(app.logger)
	case "bybit":
		return exchanges.NewBybitFuturesProvider(app.logger)
	case "okx":
		return exchanges.NewOKXFuturesProvider(app.logger)
	default:
		return nil
	}
}

func (app *App) start() error {
	app.logger.Info("starting oisentry")

	go func() {
		if err := app.health.Start(app.ctx); err != nil {
			app.logger.Error("telemetry server stopped", zap.Error(err))
		}
	}()

	go app.registry.RunRefreshLoop(app.ctx, 30*time.Second)
	go app.watchTriggerInvalidations(app.ctx)
	go app.runMaintenanceLoop(app.ctx)

	go app.pipeline.Run(app.ctx)

	app.eval.Start(app.ctx)

	if err := app.gateway.Connect(app.ctx); err != nil {
		return fmt.Errorf("connect ingestion gateway: %w", err)
	}

	app.logger.Info("oisentry operational",
		zap.Strings("active_providers", app.gateway.ActiveProviders()),
	)
	return nil
}

// watchTriggerInvalidations refreshes the trigger registry as soon as
// another process saves or removes a trigger, instead of waiting out
// the periodic reload.
func (app *App) watchTriggerInvalidations(ctx context.Context) {
	msgs, err := app.redis.Subscribe(ctx, []string{store.TriggerInvalidateChannel})
	if err != nil {
		app.logger.Warn("trigger invalidation subscribe failed; relying on periodic refresh", zap.Error(err))
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-msgs:
			if !ok {
				return
			}
			if err := app.registry.Refresh(ctx); err != nil {
				app.logger.Warn("trigger registry refresh failed", zap.Error(err))
			}
		}
	}
}

// runMaintenanceLoop drives market-state TTL/cap eviction on
// SYMBOL_CHECK_INTERVAL, purging the bucket store's per-symbol maps for
// whatever the state store evicts.
func (app *App) runMaintenanceLoop(ctx context.Context) {
	interval := app.cfg.SymbolCheckInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			app.states.Maintenance(time.Now(), app.buckets.CleanupSymbol)
			app.telem.SymbolsTracked.Set(float64(len(app.states.AllSymbols())))
		}
	}
}

func (app *App) waitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	app.logger.Info("received shutdown signal", zap.String("signal", sig.String()))
}

func (app *App) shutdown() error {
	app.logger.Info("shutting down oisentry")

	// Cancel first: this unwinds the telemetry server (which shuts
	// itself down on ctx.Done) and the trigger registry's refresh loop.
	app.cancel()

	if err := app.gateway.Disconnect(); err != nil {
		app.logger.Error("gateway disconnect failed", zap.Error(err))
	}
	app.eval.Stop()
	app.pipeline.Stop()

	if err := app.redis.Close(); err != nil {
		app.logger.Error("redis close failed", zap.Error(err))
	}

	app.logger.Info("oisentry shutdown complete")
	return nil
}
