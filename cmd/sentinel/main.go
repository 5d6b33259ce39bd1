// Package main is the process entry point: wire every component together,
// start the cycle loop and the two background monitors, serve the
// health/metrics surface, and shut down gracefully on signal. Grounded on
// the teacher's cmd/server/main.go (flag parsing, setupLogger, signal
// channel + cancel-then-drain shutdown shape), replaced wholesale since
// none of the teacher's PhD-level component wiring survives.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atlas-desktop/perpsentinel/internal/api"
	"github.com/atlas-desktop/perpsentinel/internal/arbitration"
	"github.com/atlas-desktop/perpsentinel/internal/breaker"
	"github.com/atlas-desktop/perpsentinel/internal/config"
	"github.com/atlas-desktop/perpsentinel/internal/decision"
	"github.com/atlas-desktop/perpsentinel/internal/equity"
	"github.com/atlas-desktop/perpsentinel/internal/events"
	"github.com/atlas-desktop/perpsentinel/internal/feedback"
	"github.com/atlas-desktop/perpsentinel/internal/gateway"
	"github.com/atlas-desktop/perpsentinel/internal/marketdata"
	"github.com/atlas-desktop/perpsentinel/internal/monitor"
	"github.com/atlas-desktop/perpsentinel/internal/orchestrator"
	"github.com/atlas-desktop/perpsentinel/internal/orders"
	"github.com/atlas-desktop/perpsentinel/internal/persistence"
	"github.com/atlas-desktop/perpsentinel/internal/risk"
	"github.com/atlas-desktop/perpsentinel/internal/venue"
	"github.com/atlas-desktop/perpsentinel/internal/workers"
	"github.com/atlas-desktop/perpsentinel/pkg/types"
	"github.com/atlas-desktop/perpsentinel/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	logger := setupLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("starting perpsentinel",
		zap.Strings("symbols", cfg.Symbols),
		zap.Bool("paperTrading", cfg.PaperTrading),
		zap.Bool("venueTestnet", cfg.VenueTestnet))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := persistence.New(logger, cfg.DataDir)
	if err != nil {
		logger.Fatal("failed to initialize persistence store", zap.Error(err))
	}

	bus := events.NewBus(logger, events.DefaultConfig())
	bus.SubscribeAll(func(e events.Event) {
		store.RecordError(e.Symbol, string(e.Type), e.Message)
	})

	binanceVenue := venue.New(logger, venue.Config{
		APIKey:    cfg.VenueAPIKey,
		APISecret: cfg.VenueAPISecret,
		Testnet:   cfg.VenueTestnet,
	})
	gw := gateway.New(logger, binanceVenue, gateway.Config{
		RetryBaseDelay:     cfg.RetryBaseDelay,
		RetryFactor:        cfg.RetryFactor,
		RetryMaxAttempts:   cfg.RetryMaxAttempts,
		CallTimeout:        cfg.ExchangeCallTimeout,
		SafetyTicks:        2,
		MarkPriceStreamTTL: 5 * time.Second,
	})
	gw.StartMarkPriceStream(ctx, cfg.Symbols)

	md := marketdata.New(logger, gw, marketdata.Config{
		TTL:         cfg.IndicatorCacheTTL,
		HardRefresh: cfg.IndicatorHardRefresh,
		Interval:    "5m",
		CandleLimit: 100,
	})

	breakers := breaker.NewRegistry(breaker.Config{PauseDuration: cfg.BreakerPause})

	oracle := decision.NewTechnicalOracle()
	decisions := decision.New(logger, oracle, decision.Config{
		Timeout:            cfg.DecisionTimeout,
		CacheCycles:        cfg.DecisionCacheCycles,
		CacheConfidenceMin: decimal.NewFromFloat(cfg.DecisionCacheConfidence),
	})
	normalizer := arbitration.NewNormalizer()

	startingEquity, err := seedStartingEquity(ctx, gw, cfg.QuoteAsset)
	if err != nil {
		logger.Warn("could not read starting equity, defaulting to zero", zap.Error(err))
	}
	riskState := risk.NewGlobalState(startingEquity)
	riskEngine := risk.New(risk.Config{
		RiskFraction:        decimal.NewFromFloat(cfg.RiskFraction),
		RiskFractionCeiling: decimal.NewFromFloat(cfg.RiskFractionCeiling),
		MaxMarginPerTrade:   decimal.NewFromFloat(cfg.MaxMarginPerTrade),
		MinMarginPerTrade:   decimal.NewFromFloat(cfg.MinMarginPerTrade),
		MaxLeverage:         cfg.MaxLeverage,
		MaxDailyLossPct:     decimal.NewFromFloat(cfg.MaxDailyLossPct),
		MaxDrawdown:         decimal.NewFromFloat(cfg.MaxDrawdown),
		LatencyThreshold:    5 * time.Second,
	}, riskState)

	sm := orders.NewStateMachine()
	orderMgr := orders.New(logger, gw, sm, orders.Config{
		SameSideCooldown:       cfg.SameSideCooldown,
		ReversalCooldown:       cfg.ReversalCooldown,
		DuplicateGuardDebounce: cfg.DuplicateGuardDebounce,
		ExitDebounce:           cfg.ExitDebounce,
		MinNotional:            decimal.NewFromFloat(cfg.MinNotional),
		ConfirmTimeout:         2 * time.Second,
		ConfirmPoll:            200 * time.Millisecond,
		PartialCloseROI:        decimal.NewFromFloat(cfg.PartialCloseROI),
		PartialCloseFraction:   decimal.NewFromFloat(cfg.PartialCloseFraction),
	})

	equityReconciler := equity.New(logger, gw, sm, riskState, bus, cfg.QuoteAsset)
	tracker := feedback.New(logger, normalizer, store, bus)

	agents, err := orchestrator.LoadOrSeedAgents(cfg.DataDir, cfg.Symbols)
	if err != nil {
		logger.Fatal("failed to load or seed agent roster", zap.Error(err))
	}

	pool := workers.NewPool(logger, workers.CyclePoolConfig(len(cfg.Symbols)))
	pool.Start()

	orch := orchestrator.New(logger, orchestrator.Config{
		Symbols:              cfg.Symbols,
		QuoteAsset:           cfg.QuoteAsset,
		CycleInterval:        cfg.CycleInterval,
		CycleTimeout:         cfg.CycleTimeout,
		EquityReconcileEvery: cfg.EquityReconcileEvery,
		FlushEvery:           cfg.FlushEvery,
		CorrelationWindow:    50,
	}, orchestrator.Deps{
		Gateway:      gw,
		MarketData:   md,
		Breakers:     breakers,
		RiskEngine:   riskEngine,
		RiskState:    riskState,
		Decisions:    decisions,
		Normalizer:   normalizer,
		Orders:       orderMgr,
		StateMachine: sm,
		Equity:       equityReconciler,
		Feedback:     tracker,
		Store:        store,
		Bus:          bus,
		Pool:         pool,
		Agents:       agents,
	})

	liveMonitor := monitor.NewLiveMonitor(logger, gw, sm, orderMgr, orch, monitor.LiveConfig{
		Poll:                 cfg.LiveMonitorPoll,
		LogDebounce:          60 * time.Second,
		PartialCloseROI:      decimal.NewFromFloat(cfg.PartialCloseROI),
		PartialCloseFraction: decimal.NewFromFloat(cfg.PartialCloseFraction),
	})
	sentinel := monitor.NewSentinel(logger, gw, sm, orderMgr, bus, orch.TPSLPriceFunc(ctx), monitor.SentinelConfig{
		Poll:        cfg.SentinelPoll,
		MinDebounce: cfg.SentinelDebounce,
		MinCycleGap: cfg.SentinelCycleDebounce,
	})

	healthServer := api.New(logger, api.Config{Host: cfg.Host, Port: cfg.MetricsPort}, orch)

	go orch.Run(ctx)
	go liveMonitor.Run(ctx)
	go sentinel.Run(ctx)
	go func() {
		if err := healthServer.Start(); err != nil {
			logger.Error("health server error", zap.Error(err))
		}
	}()

	logger.Info("perpsentinel running",
		zap.String("health", healthAddr(cfg)),
		zap.Duration("cycleInterval", cfg.CycleInterval))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received, draining in-flight work")

	// Cancel the loops; open venue orders are intentionally left in place
	// (spec §5: only an operator, never this process, cancels resting
	// TP/SL orders on shutdown).
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := healthServer.Stop(shutdownCtx); err != nil {
		logger.Error("error stopping health server", zap.Error(err))
	}

	if err := pool.Stop(); err != nil {
		logger.Error("error stopping worker pool", zap.Error(err))
	}
	if err := store.FlushAll(); err != nil {
		logger.Error("error flushing persistence store", zap.Error(err))
	}
	bus.Stop()

	logger.Info("perpsentinel stopped")
}

// seedStartingEquity retries the initial balance fetch with backoff since
// it runs before the Gateway's own retry loop has a latency baseline to
// judge the latency kill-switch against.
func seedStartingEquity(ctx context.Context, gw *gateway.Gateway, quoteAsset string) (decimal.Decimal, error) {
	balances, err := utils.Retry(utils.DefaultRetryConfig(), func() ([]types.Balance, error) {
		return gw.GetBalance(ctx)
	})
	if err != nil {
		return decimal.Zero, err
	}
	for _, b := range balances {
		if b.Asset == quoteAsset {
			return b.Balance, nil
		}
	}
	return decimal.Zero, nil
}

func healthAddr(cfg config.Config) string {
	return fmt.Sprintf("%s:%d", cfg.Host, cfg.MetricsPort)
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
