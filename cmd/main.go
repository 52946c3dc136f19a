package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stalectl/stalectl/internal/config"
	"github.com/stalectl/stalectl/internal/impact"
	"github.com/stalectl/stalectl/internal/invalidation"
	"github.com/stalectl/stalectl/internal/logging"
	"github.com/stalectl/stalectl/internal/metrics"
	"github.com/stalectl/stalectl/internal/resultstore"
	"github.com/stalectl/stalectl/internal/server"
	"github.com/stalectl/stalectl/internal/tiercache"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "STALECTL", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	promRegistry := prometheus.NewRegistry()
	metricsRecorder := metrics.NewRecorder(promRegistry)

	tiers := buildTiers(logger.With(slog.String("agent", "cache_factory")), cfg.Server.Cache)
	cache, err := tiercache.New(tiercache.Config{
		Tiers:   tiers,
		Logger:  logger,
		Metrics: metricsRecorder,
	})
	if err != nil {
		logger.Error("unable to construct tier cache", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := cache.Close(shutdownCtx); err != nil {
			logger.Error("cache shutdown failed", slog.Any("error", err))
		}
	}()

	analyzer := impact.NewAnalyzer(logger)
	registerRules(logger, analyzer, cfg.Rules)
	for _, skipped := range cfg.SkippedRules {
		logger.Warn("invalidation rule skipped",
			slog.String("rule", skipped.Name),
			slog.String("reason", skipped.Reason))
	}

	engine := invalidation.New(invalidation.Config{
		Analyzer:      analyzer,
		Results:       resultstore.NewMemory(),
		Cache:         cache,
		Logger:        logger,
		Metrics:       metricsRecorder,
		DebounceDelay: cfg.Server.Invalidation.GetDebounceDelay(),
		SweepInterval: cfg.Server.Invalidation.GetSweepInterval(),
	})
	defer engine.Close()

	stopSweep := engine.StartExpirySweep(ctx)
	defer stopSweep()

	if cfg.Server.Rules.RulesFile != "" || cfg.Server.Rules.RulesFolder != "" {
		watcher, err := config.NewRulesWatcher(cfg, logger, func(bundle config.RuleBundle) {
			registerRules(logger, analyzer, bundle.Rules)
		})
		if err != nil {
			logger.Error("rules watcher setup failed", slog.Any("error", err))
		} else {
			go func() {
				if err := watcher.Run(ctx); err != nil {
					logger.Error("rules watcher stopped", slog.Any("error", err))
				}
			}()
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsRecorder.Handler())
	mux.Handle("/", server.NewAdminHandler(adminFacade{engine: engine, cache: cache}))

	srv, err := server.New(cfg, logger, mux)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}

// buildTiers assembles the layered cache fastest first. The memory tier is
// always present; optional tiers that fail to initialize are skipped with a
// log line rather than aborting startup.
func buildTiers(logger *slog.Logger, cfg config.CacheConfig) []tiercache.Tier {
	tiers := []tiercache.Tier{tiercache.NewMemory(cfg.Memory.MaxEntries)}

	if cfg.Badger.Enabled {
		local, err := tiercache.NewBadger(tiercache.BadgerConfig{
			Path:           cfg.Badger.Path,
			SyncWrites:     cfg.Badger.SyncWrites,
			GCInterval:     cfg.Badger.GetGCInterval(),
			GCDiscardRatio: cfg.Badger.GCDiscardRatio,
			Logger:         logger,
		})
		if err != nil {
			logger.Error("badger tier initialization failed", slog.Any("error", err))
			logger.Info("continuing without persisted tier")
		} else {
			logger.Info("persisted tier enabled", slog.String("path", cfg.Badger.Path))
			tiers = append(tiers, local)
		}
	}

	if cfg.Redis.Enabled {
		shared, err := tiercache.NewRedis(tiercache.RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS: tiercache.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			logger.Error("redis tier initialization failed", slog.Any("error", err))
			logger.Info("continuing without shared tier")
		} else {
			logger.Info("shared tier enabled", slog.String("address", cfg.Redis.Address))
			tiers = append(tiers, shared)
		}
	}

	return tiers
}

// registerRules loads declarative rule definitions into the analyzer; a rule
// that fails to register is logged and skipped so the rest still apply.
func registerRules(logger *slog.Logger, analyzer *impact.Analyzer, rules map[string]config.RuleConfig) {
	for name, rule := range rules {
		err := analyzer.Register(impact.Rule{
			OperationID:    name,
			Queries:        rule.Queries,
			Types:          rule.Types,
			TenantSpecific: rule.IsTenantSpecific(),
			When:           rule.When,
		})
		if err != nil {
			logger.Warn("rule registration failed",
				slog.String("rule", name),
				slog.Any("error", err))
		}
	}
}

// adminFacade joins the engine and cache behind the router's surface.
type adminFacade struct {
	engine *invalidation.Engine
	cache  *tiercache.MultiTier
}

func (f adminFacade) Metrics() invalidation.Snapshot { return f.engine.Metrics() }
func (f adminFacade) ResetMetrics()                  { f.engine.ResetMetrics() }

func (f adminFacade) InvalidateManual(ctx context.Context, req invalidation.ManualRequest) {
	f.engine.InvalidateManual(ctx, req)
}

func (f adminFacade) CacheStats(ctx context.Context) tiercache.Stats {
	return f.cache.Stats(ctx)
}
