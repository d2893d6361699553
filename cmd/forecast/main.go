// Package main generates a single forecast and prints it as JSON.
// By default nothing is persisted; --persist stores the current hour
// bucket the same way the scheduled cycle would.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"

	"btc-consensus/internal/config"
	"btc-consensus/internal/llm"
	"btc-consensus/internal/market"
	"btc-consensus/internal/observability"
	"btc-consensus/internal/service"
	"btc-consensus/internal/storage"
	"btc-consensus/internal/storage/memory"
	"btc-consensus/internal/storage/migrations"
	pgstore "btc-consensus/internal/storage/postgres"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file (defaults apply when empty)")
	persist := flag.Bool("persist", false, "Persist the forecast for the current hour bucket")
	timeout := flag.Duration("timeout", 5*time.Minute, "Overall deadline for the run")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Pretty)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	forecasts, settlements, cleanup, err := openStores(ctx, cfg, *persist, log)
	if err != nil {
		log.Fatal().Err(err).Msg("open stores")
	}
	defer cleanup()

	binance := market.NewBinanceSource(cfg.Market.BinanceAPIKey, cfg.Market.BinanceSecretKey, log)
	external := market.NewExternalClient(log)
	assembler := market.NewAssembler(binance, binance, external, cfg.Market.CacheTTL, log)

	clients := buildModelClients(ctx, cfg, log)
	if len(clients) == 0 {
		log.Warn().Msg("no model API keys configured, output will be neutral consensus")
	}
	runner := llm.NewRunner(clients, cfg.Models.CallTimeout, log)

	svc := service.NewForecastService(assembler, runner, forecasts, settlements, nil, log)

	var forecast any
	if *persist {
		forecast, err = svc.RunScheduledCycle(ctx)
	} else {
		forecast, err = svc.GenerateOnDemand(ctx)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("generate forecast")
	}

	out, err := sonic.MarshalIndent(forecast, "", "  ")
	if err != nil {
		log.Fatal().Err(err).Msg("encode forecast")
	}
	fmt.Println(string(out))
}

// openStores returns stores for the run. Without --persist the memory
// store is enough regardless of config; nothing outlives the process.
func openStores(ctx context.Context, cfg *config.Config, persist bool, log zerolog.Logger) (storage.ForecastStore, storage.SettlementStore, func(), error) {
	if !persist || cfg.Database.UseMemory || cfg.Database.URL == "" {
		if persist && cfg.Database.URL == "" {
			log.Warn().Msg("no database configured, --persist writes to process-local memory only")
		}
		return memory.NewForecastStore(), memory.NewSettlementStore(), func() {}, nil
	}

	pool, err := pgstore.NewPool(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("run migrations: %w", err)
	}
	return pgstore.NewForecastStore(pool), pgstore.NewSettlementStore(pool), pool.Close, nil
}

func buildModelClients(ctx context.Context, cfg *config.Config, log zerolog.Logger) []llm.Client {
	var clients []llm.Client
	if cfg.Models.DeepSeekAPIKey != "" {
		clients = append(clients, llm.NewDeepSeek(cfg.Models.DeepSeekAPIKey))
	}
	if cfg.Models.GeminiAPIKey != "" {
		gemini, err := llm.NewGemini(ctx, cfg.Models.GeminiAPIKey)
		if err != nil {
			log.Warn().Err(err).Msg("gemini client init failed, gemini disabled")
		} else {
			clients = append(clients, gemini)
		}
	}
	if cfg.Models.GrokAPIKey != "" {
		clients = append(clients, llm.NewGrok(cfg.Models.GrokAPIKey))
	}
	return clients
}
