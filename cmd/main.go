package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"maestro/internal/ai"
	"maestro/internal/api"
	"maestro/internal/budget"
	"maestro/internal/cache"
	"maestro/internal/catalog"
	"maestro/internal/config"
	"maestro/internal/events"
	"maestro/internal/governance"
	"maestro/internal/logging"
	"maestro/internal/spend"
)

func main() {
	if err := godotenv.Load(); err != nil {
		if err := godotenv.Load("../.env"); err != nil {
			log.Println("no .env file found, using process environment")
		}
	}

	cfg := config.Load()
	logging.Init()
	defer logging.Sync()
	logger := logging.L().Named("main")

	if err := cfg.ValidateSecrets(); err != nil {
		logger.Fatal("secret validation failed", zap.Error(err))
	}

	store, err := spend.Open(cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		logger.Fatal("spend store open failed", zap.Error(err))
	}
	defer store.Close()

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, rerr := redis.ParseURL(cfg.RedisURL)
		if rerr != nil {
			logger.Fatal("invalid REDIS_URL", zap.Error(rerr))
		}
		rdb = redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if perr := rdb.Ping(pingCtx).Err(); perr != nil {
			logger.Warn("redis unreachable, continuing without it", zap.Error(perr))
			rdb = nil
		}
		cancel()
	}

	bus := events.NewBus(256)
	defer bus.Close()

	cat := catalog.Default()
	registry := ai.NewProviderRegistry(cat)
	registerProviders(registry, cat, cfg, logger)

	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	defer stopMonitor()
	go registry.MonitorHealth(monitorCtx, time.Minute)

	tracker, err := budget.NewTracker(store, budget.Config{
		DailyCap:   cfg.DailyBudget,
		MonthlyCap: cfg.MonthlyBudget,
		WarningPct: cfg.BudgetWarningPct,
		ReducePct:  cfg.BudgetReducePct,
	}, rdb)
	if err != nil {
		logger.Fatal("budget tracker init failed", zap.Error(err))
	}

	if cfg.SpendExportBucket != "" {
		exporter, xerr := spend.NewS3Exporter(context.Background(), store, cfg.SpendExportBucket)
		if xerr != nil {
			logger.Warn("spend export disabled", zap.Error(xerr))
		} else {
			go exporter.Run(monitorCtx, 24*time.Hour)
		}
	}

	var approver ai.Governance
	if cfg.GovernanceEnabled {
		approver = governance.NewRuleApprover(governance.RuleConfig{
			HardCeiling:      catalog.FromDollars(5),
			AutoApproveLimit: cfg.GovernanceCostThreshold,
			DelegateTimeout:  cfg.GovernanceTimeout,
		}, nil)
	}

	var responseCache ai.ResponseCache
	if cfg.ResponseCacheEnabled {
		responseCache = cache.New(rdb, cache.Config{})
	}

	chains, weights := loadOverrides(cfg, logger)

	orch := ai.NewOrchestrator(ai.OrchestratorConfig{
		Flags: ai.FeatureFlags{
			Enabled:              cfg.OrchestratorEnabled,
			CachingEnabled:       cfg.PromptCaching,
			GovernanceEnabled:    cfg.GovernanceEnabled,
			EscalationEnabled:    cfg.QualityEscalation,
			ResponseCacheEnabled: cfg.ResponseCacheEnabled,
		},
		Catalog:       cat,
		Registry:      registry,
		Bus:           bus,
		CostTracker:   tracker,
		Governance:    approver,
		ResponseCache: responseCache,
		Weights:       weights,
		Chains:        chains,

		GovernanceCostThreshold: cfg.GovernanceCostThreshold,
		GovernanceTimeout:       cfg.GovernanceTimeout,
	})

	server := api.NewServer(cfg, orch, registry, cat, store, bus).HTTPServer()

	go func() {
		logger.Info("listening", zap.String("addr", server.Addr))
		if serr := server.ListenAndServe(); serr != nil && serr != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(serr))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if serr := server.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("http shutdown error", zap.Error(serr))
	}
	if oerr := orch.Shutdown(shutdownCtx); oerr != nil {
		logger.Warn("orchestrator shutdown error", zap.Error(oerr))
	}
	logger.Info("goodbye")
}

// registerProviders builds each configured adapter. A provider with no key
// or explicitly disabled is skipped; a registration error is logged but does
// not abort startup as long as at least one provider registered.
func registerProviders(registry *ai.ProviderRegistry, cat *catalog.Registry, cfg *config.Config, logger *zap.Logger) {
	type entry struct {
		id       catalog.ProviderID
		provider ai.LLMProvider
	}
	entries := []entry{
		{catalog.ProviderAnthropic, ai.NewAnthropicProvider(cat)},
		{catalog.ProviderOpenAI, ai.NewOpenAIProvider(cat)},
		{catalog.ProviderGoogle, ai.NewGoogleProvider(cat)},
		{catalog.ProviderXAI, ai.NewXAIProvider(cat)},
	}

	registered := 0
	for _, e := range entries {
		pc := cfg.Providers[e.id]
		if !pc.Enabled || pc.APIKey == "" {
			continue
		}
		err := registry.Register(e.provider, ai.ProviderConfig{
			APIKey:     pc.APIKey,
			BaseURL:    pc.BaseURL,
			TimeoutMS:  pc.TimeoutMS,
			MaxRetries: pc.MaxRetries,
			Priority:   pc.Priority,
			Enabled:    pc.Enabled,
			RPS:        pc.RPS,
		})
		if err != nil {
			logger.Error("provider registration failed",
				zap.String("provider", string(e.id)), zap.Error(err))
			continue
		}
		registered++
	}
	if registered == 0 {
		logger.Fatal("no provider registered, refusing to start")
	}
}

// loadOverrides applies the optional chains YAML file on top of the
// defaults.
func loadOverrides(cfg *config.Config, logger *zap.Logger) (ai.ChainSet, ai.Weights) {
	chains := ai.DefaultChains()
	weights := ai.DefaultWeights()

	override, err := cfg.LoadChainsFile()
	if err != nil {
		logger.Fatal("chains file load failed", zap.Error(err))
	}
	if override == nil {
		return chains, weights
	}

	for name, steps := range override.Chains {
		out := make([]ai.CascadeStep, len(steps))
		for i, s := range steps {
			out[i] = ai.CascadeStep{Model: s.Model, Threshold: s.Threshold}
		}
		chains[name] = out
	}
	if w := override.Weights; w != nil {
		weights = ai.Weights{
			Quality: w.Quality, History: w.History,
			Cost: w.Cost, Latency: w.Latency,
			Budget: w.Budget, Circuit: w.Circuit,
		}
	}
	logger.Info("chain overrides applied", zap.String("file", cfg.ChainsFile))
	return chains, weights
}
