// Package main runs one settlement pass over pending forecast windows
// and exits. Useful for backfilling after downtime or from cron.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"btc-consensus/internal/config"
	"btc-consensus/internal/market"
	"btc-consensus/internal/observability"
	"btc-consensus/internal/settlement"
	"btc-consensus/internal/storage/migrations"
	pgstore "btc-consensus/internal/storage/postgres"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file (defaults apply when empty)")
	timeout := flag.Duration("timeout", 10*time.Minute, "Overall deadline for the pass")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Database.URL == "" || cfg.Database.UseMemory {
		fmt.Fprintln(os.Stderr, "a postgres DATABASE_URL is required: settlement needs the stored forecasts")
		os.Exit(1)
	}

	log := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Pretty)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := pgstore.NewPool(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		log.Fatal().Err(err).Msg("connect to postgres")
	}
	defer pool.Close()

	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}

	binance := market.NewBinanceSource(cfg.Market.BinanceAPIKey, cfg.Market.BinanceSecretKey, log)
	engine := settlement.NewEngine(
		pgstore.NewForecastStore(pool),
		pgstore.NewSettlementStore(pool),
		pgstore.NewModelSettlementStore(pool),
		binance,
		log,
	)

	stats, err := engine.SettleDue(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("settlement pass failed")
	}

	log.Info().
		Int("windows_settled", stats.WindowsSettled).
		Int("model_rows_settled", stats.ModelsSettled).
		Int("skipped", stats.Skipped).
		Int("failures", stats.Failures).
		Msg("settlement pass complete")
}
