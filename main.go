// FILE: main.go
// Package main – Program entrypoint and HTTP/metrics server.
//
// Boot sequence:
//   1) loadBotEnv()                – read bot.env (no shell exports required)
//   2) cfg := loadConfigFromEnv()  – build runtime Config
//   3) wire broker (alpaca or paper) behind the rate-limit/breaker guard
//   4) open the instrument ledger (process-fatal if unreadable)
//   5) start the operator/metrics server on cfg.Port
//   6) run the reconciliation scheduler until SIGINT/SIGTERM
//
// Flags:
//   -once   Run a single reconciliation cycle and exit (useful for cron-style
//           invocation and smoke checks)
//
// Example:
//   PAPER_BROKER=true go run . -once
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

func main() {
	var once bool
	flag.BoolVar(&once, "once", false, "Run a single reconciliation cycle and exit")
	flag.Parse()

	// ---- Environment & Config ----
	loadBotEnv()
	cfg, err := loadConfigFromEnv()
	if err != nil {
		initLogging("info", true)
		log.Fatal().Err(err).Msg("config")
	}
	initLogging(cfg.LogLevel, cfg.LogPretty)

	// ---- Broker wiring ----
	var venue Broker
	if cfg.PaperBroker {
		venue = NewPaperBroker()
	} else {
		venue = NewAlpacaBroker(cfg)
	}
	broker := NewGuardedBroker(cfg, venue)
	log.Info().Str("broker", broker.Name()).Msg("broker ready")

	// ---- Ledger (process-fatal when the store cannot be acquired) ----
	ledger, err := OpenLedger(cfg.DataFile)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DataFile).Msg("ledger")
	}
	log.Info().Str("path", cfg.DataFile).Int("instruments", len(ledger.Symbols())).Msg("ledger loaded")

	engine := NewEngine(cfg, broker, ledger)

	var assistant *Assistant
	if cfg.OpenAIAPIKey != "" {
		assistant = NewAssistant(cfg, broker, ledger)
	}

	// ---- Operator / metrics HTTP ----
	mux := newAdminMux(cfg, ledger, broker, assistant)
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: mux}
	go func() {
		log.Info().Int("port", cfg.Port).Msg("serving /instruments and /metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server")
		}
	}()

	// ---- Run ----
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if once {
		engine.RunCycle(ctx)
		if err := ledger.Save(); err != nil {
			log.Error().Err(err).Msg("final persist failed")
		}
	} else {
		sched := NewScheduler(cfg, engine, ledger)
		if err := sched.Run(ctx); err != nil {
			log.Error().Err(err).Msg("scheduler")
		}
	}

	// ---- Graceful shutdown for HTTP server ----
	shutdownCtx, c := context.WithTimeout(context.Background(), 2*time.Second)
	defer c()
	_ = srv.Shutdown(shutdownCtx)
}
