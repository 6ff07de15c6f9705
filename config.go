// FILE: config.go
// Package main – Runtime configuration model and loader.
//
// This file defines the Config struct (all the knobs the bot uses) and a
// loader that populates it from environment variables via caarlos0/env. The
// .env file is read by loadBotEnv() (see env.go), so you can tune behavior
// without shell exports.
//
// Typical flow (see main.go):
//   loadBotEnv()
//   cfg, err := loadConfigFromEnv()
package main

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all runtime knobs for trading and operations.
type Config struct {
	// Alpaca credentials & endpoints
	AlpacaAPIKey    string `env:"ALPACA_API_KEY"`
	AlpacaSecretKey string `env:"ALPACA_SECRET_KEY"`
	AlpacaBaseURL   string `env:"ALPACA_BASE_URL" envDefault:"https://paper-api.alpaca.markets"`
	AlpacaDataURL   string `env:"ALPACA_DATA_URL" envDefault:"https://data.alpaca.markets"`

	// Assistant (optional; chat endpoint disabled without a key)
	OpenAIAPIKey string `env:"OPENAI_API_KEY"`
	OpenAIModel  string `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`

	// Strategy
	OrderQty       int `env:"ORDER_QTY" envDefault:"1"`       // units per rung
	FilledLookback int `env:"FILLED_LOOKBACK" envDefault:"50"` // filled orders scanned for the entry price

	// Scheduling: fixed cadence, or a cron spec (e.g. market hours) when set.
	CycleIntervalSec int    `env:"CYCLE_INTERVAL_SEC" envDefault:"5"`
	CycleCron        string `env:"CYCLE_CRON"`

	// Venue call budget
	BrokerTimeoutSec int     `env:"BROKER_TIMEOUT_SEC" envDefault:"10"`
	BrokerRateLimit  float64 `env:"BROKER_RATE_LIMIT" envDefault:"3"` // calls/sec
	BrokerRateBurst  int     `env:"BROKER_RATE_BURST" envDefault:"5"`

	// Ops
	DataFile    string `env:"DATA_FILE" envDefault:"equities.json"`
	Port        int    `env:"PORT" envDefault:"8077"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty   bool   `env:"LOG_PRETTY" envDefault:"false"`
	PaperBroker bool   `env:"PAPER_BROKER" envDefault:"false"` // in-memory venue, no external calls
}

func (c Config) BrokerTimeout() time.Duration {
	return time.Duration(c.BrokerTimeoutSec) * time.Second
}

func (c Config) CycleInterval() time.Duration {
	return time.Duration(c.CycleIntervalSec) * time.Second
}

// loadConfigFromEnv builds the runtime Config and validates the knobs the
// engine depends on.
func loadConfigFromEnv() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return c, fmt.Errorf("parse env config: %w", err)
	}
	if c.OrderQty < 1 {
		return c, fmt.Errorf("ORDER_QTY must be >= 1, got %d", c.OrderQty)
	}
	if c.CycleIntervalSec < 1 {
		return c, fmt.Errorf("CYCLE_INTERVAL_SEC must be >= 1, got %d", c.CycleIntervalSec)
	}
	if c.BrokerTimeoutSec < 1 {
		return c, fmt.Errorf("BROKER_TIMEOUT_SEC must be >= 1, got %d", c.BrokerTimeoutSec)
	}
	if c.FilledLookback < 1 {
		return c, fmt.Errorf("FILLED_LOOKBACK must be >= 1, got %d", c.FilledLookback)
	}
	if !c.PaperBroker && (c.AlpacaAPIKey == "" || c.AlpacaSecretKey == "") {
		return c, fmt.Errorf("ALPACA_API_KEY and ALPACA_SECRET_KEY must be set (or PAPER_BROKER=true)")
	}
	return c, nil
}
