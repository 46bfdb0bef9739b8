// Package main is the signal-DCA bot's entrypoint.
//
// Boot sequence (grounded on the teacher's main.go):
//   1) LoadDotEnv()              – read .env (no shell exports required)
//   2) cfg := LoadFromEnv()      – build runtime Config
//   3) wire store/broker/zone/trade/messaging
//   4) start the HTTP server (webhook + /healthz + /metrics + status API)
//   5) orchestrator.Run blocks until SIGINT/SIGTERM
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chidi150c/signaldca/internal/config"
	"github.com/chidi150c/signaldca/internal/exchange"
	"github.com/chidi150c/signaldca/internal/httpapi"
	"github.com/chidi150c/signaldca/internal/messaging"
	"github.com/chidi150c/signaldca/internal/orchestrator"
	"github.com/chidi150c/signaldca/internal/store"
	"github.com/chidi150c/signaldca/internal/trade"
	"github.com/chidi150c/signaldca/internal/zone"
)

func main() {
	config.LoadDotEnv()
	cfg := config.LoadFromEnv()

	st := openStore(cfg)
	broker := openBroker(cfg)
	zones := zone.NewManager(st, time.Duration(cfg.ZoneStalenessMinutes)*time.Minute)
	trades := trade.NewManager(tradeParams(cfg), st)
	msgClient := messaging.NewHTTPWebhookClient()

	orch := orchestrator.New(cfg, broker, zones, trades, st, msgClient)
	if cfg.WSPushEnabled && !cfg.DryRun {
		orch.SetPushFeed(exchange.NewPushFeed(cfg.WSPushURL, cfg.ExchangeAPIKey, cfg.ExchangeAPISecret))
	}

	mux := httpapi.New(orch, trades, zones, st, msgClient)
	srv := &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.Host, cfg.Port), Handler: mux}
	go func() {
		log.Printf("serving HTTP on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server: %v", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	orch.Run(ctx)

	shutdownCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
	defer c()
	_ = srv.Shutdown(shutdownCtx)
}

func openStore(cfg config.Config) store.Store {
	if cfg.DatabaseDSN == "" {
		log.Println("[BOOT] no DATABASE_DSN set, running with in-memory/file-snapshot store")
		return store.NewMemStore(cfg.StateDir + "/state.json")
	}
	gs, err := store.OpenGormStore(cfg.DatabaseDSN)
	if err != nil {
		log.Fatalf("[BOOT] store connect failed: %v", err)
	}
	return gs
}

func openBroker(cfg config.Config) exchange.Broker {
	if cfg.DryRun {
		log.Println("[BOOT] DRY_RUN enabled, using in-memory paper broker")
		return exchange.NewPaperBroker(decimal.NewFromFloat(10000))
	}
	return exchange.NewBybitBroker(cfg.ExchangeAPIKey, cfg.ExchangeAPISecret, cfg.Testnet)
}

func tradeParams(cfg config.Config) trade.Params {
	return trade.Params{
		EquityPctPerTrade:     cfg.EquityPctPerTrade,
		MaxSimultaneousTrades: cfg.MaxSimultaneousTrades,
		DCAMultipliers:        decimalSlice(cfg.DCAMultipliers),
		DCASpacingPct:         decimalSlice(cfg.DCASpacingPct),
		MaxDCALevels:          cfg.MaxDCALevels,
		E1LimitOrder:          cfg.E1LimitOrder,
		SignalTPClosePcts:     decimalSlice(cfg.SignalTPClosePcts),
		DCATPPcts:             decimalSlice(cfg.DCATPPcts),
		DCATPClosePcts:        decimalSlice(cfg.DCATPClosePcts),
		HardSLPct:             decimal.NewFromFloat(cfg.HardSLPct),
		AllowedCoins:          cfg.AllowedCoins,
		BlockedCoins:          cfg.BlockedCoins,
		MinQty:                decimal.NewFromFloat(0.001),
	}
}

func decimalSlice(in []float64) []decimal.Decimal {
	out := make([]decimal.Decimal, len(in))
	for i, f := range in {
		out[i] = decimal.NewFromFloat(f)
	}
	return out
}
