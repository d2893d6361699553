// Package main runs the full forecasting service: the hourly forecast
// cycle, the settlement loop and the HTTP API in one process.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"btc-consensus/internal/accuracy"
	"btc-consensus/internal/api"
	"btc-consensus/internal/config"
	"btc-consensus/internal/llm"
	"btc-consensus/internal/market"
	"btc-consensus/internal/observability"
	"btc-consensus/internal/scheduler"
	"btc-consensus/internal/service"
	"btc-consensus/internal/settlement"
	"btc-consensus/internal/storage"
	"btc-consensus/internal/storage/memory"
	"btc-consensus/internal/storage/migrations"
	pgstore "btc-consensus/internal/storage/postgres"
)

type stores struct {
	forecasts        storage.ForecastStore
	settlements      storage.SettlementStore
	modelSettlements storage.ModelSettlementStore
}

func main() {
	configPath := flag.String("config", "", "Path to YAML config file (defaults apply when empty)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Pretty)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, cleanup, err := createStores(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("create stores")
	}
	defer cleanup()

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics("")
	}

	binance := market.NewBinanceSource(cfg.Market.BinanceAPIKey, cfg.Market.BinanceSecretKey, log)
	external := market.NewExternalClient(log)
	assembler := market.NewAssembler(binance, binance, external, cfg.Market.CacheTTL, log)

	clients := buildModelClients(ctx, cfg, log)
	if len(clients) == 0 {
		log.Warn().Msg("no model API keys configured, every cycle will fall back to neutral consensus")
	}
	runner := llm.NewRunner(clients, cfg.Models.CallTimeout, log)

	forecastSvc := service.NewForecastService(assembler, runner, st.forecasts, st.settlements, metrics, log)
	engine := settlement.NewEngine(st.forecasts, st.settlements, st.modelSettlements, binance, log)
	calculator := accuracy.NewCalculator(st.forecasts, st.settlements, st.modelSettlements)
	sched := scheduler.New(forecastSvc, engine, cfg.Settlement.Interval, metrics, log)

	server := api.New(api.Options{
		Forecasts:    forecastSvc,
		Accuracy:     calculator,
		Market:       assembler,
		Metrics:      cfg.Metrics.Enabled,
		MetricsPath:  cfg.Metrics.Path,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		Log:          log,
	})

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		log.Info().Str("addr", addr).Msg("http server listening")
		if err := server.Start(addr); err != nil {
			log.Error().Err(err).Msg("http server stopped")
			cancel()
		}
	}()

	log.Info().
		Str("environment", cfg.Environment).
		Dur("settle_interval", cfg.Settlement.Interval).
		Int("models", len(clients)).
		Msg("starting forecast scheduler")

	err = sched.Run(ctx)
	if err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("scheduler stopped")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	log.Info().Msg("shutdown complete")
}

// createStores picks the storage backend. Memory mode needs no external
// services; postgres mode connects and applies embedded migrations.
func createStores(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*stores, func(), error) {
	if cfg.Database.UseMemory || cfg.Database.URL == "" {
		log.Info().Msg("using in-memory storage")
		return &stores{
			forecasts:        memory.NewForecastStore(),
			settlements:      memory.NewSettlementStore(),
			modelSettlements: memory.NewModelSettlementStore(),
		}, func() {}, nil
	}

	pool, err := pgstore.NewPool(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("run migrations: %w", err)
	}

	return &stores{
		forecasts:        pgstore.NewForecastStore(pool),
		settlements:      pgstore.NewSettlementStore(pool),
		modelSettlements: pgstore.NewModelSettlementStore(pool),
	}, pool.Close, nil
}

// buildModelClients constructs one client per configured API key.
// Missing keys just shrink the panel; the cycle tolerates any subset.
func buildModelClients(ctx context.Context, cfg *config.Config, log zerolog.Logger) []llm.Client {
	var clients []llm.Client

	if cfg.Models.DeepSeekAPIKey != "" {
		clients = append(clients, llm.NewDeepSeek(cfg.Models.DeepSeekAPIKey))
	} else {
		log.Warn().Msg("DEEPSEEK_API_KEY not set, deepseek disabled")
	}

	if cfg.Models.GeminiAPIKey != "" {
		gemini, err := llm.NewGemini(ctx, cfg.Models.GeminiAPIKey)
		if err != nil {
			log.Warn().Err(err).Msg("gemini client init failed, gemini disabled")
		} else {
			clients = append(clients, gemini)
		}
	} else {
		log.Warn().Msg("GEMINI_API_KEY not set, gemini disabled")
	}

	if cfg.Models.GrokAPIKey != "" {
		clients = append(clients, llm.NewGrok(cfg.Models.GrokAPIKey))
	} else {
		log.Warn().Msg("XAI_API_KEY not set, grok disabled")
	}

	return clients
}
