// FILE: env.go
// Package main – .env loader for the trading bot.
//
// loadBotEnv reads a local bot.env file (path overridable via BOT_ENV_FILE)
// and sets ONLY the keys the bot needs, without overriding variables already
// in the environment. The bot never requires `export $(cat .env ...)`; keep
// editing bot.env and restart. Config parsing itself happens in config.go.

package main

import (
	"bufio"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
)

// loadBotEnv seeds the process environment from bot.env.
func loadBotEnv() {
	path := strings.TrimSpace(os.Getenv("BOT_ENV_FILE"))
	if path == "" {
		path = "bot.env"
	}
	f, err := os.Open(path)
	if err != nil {
		log.Debug().Str("path", path).Msg("env file not found, relying on process env")
		return
	}
	defer f.Close()

	needed := map[string]struct{}{
		"ALPACA_API_KEY": {}, "ALPACA_SECRET_KEY": {}, "ALPACA_BASE_URL": {}, "ALPACA_DATA_URL": {},
		"OPENAI_API_KEY": {}, "OPENAI_MODEL": {},
		"ORDER_QTY": {}, "FILLED_LOOKBACK": {},
		"CYCLE_INTERVAL_SEC": {}, "CYCLE_CRON": {},
		"BROKER_TIMEOUT_SEC": {}, "BROKER_RATE_LIMIT": {}, "BROKER_RATE_BURST": {},
		"DATA_FILE": {}, "PORT": {}, "LOG_LEVEL": {}, "LOG_PRETTY": {}, "PAPER_BROKER": {},
	}

	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(line[len("export "):])
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		if _, ok := needed[key]; !ok {
			continue
		}
		val := strings.TrimSpace(line[eq+1:])
		if len(val) > 0 && (val[0] == '"' || val[0] == '\'') {
			// Quoted values are taken verbatim up to the closing quote;
			// '#' inside quotes is data, anything after the quote is not.
			if end := strings.IndexByte(val[1:], val[0]); end >= 0 {
				val = val[1 : 1+end]
			} else {
				val = val[1:]
			}
		} else if idx := strings.IndexByte(val, '#'); idx >= 0 {
			val = strings.TrimSpace(val[:idx])
		}
		if os.Getenv(key) == "" {
			_ = os.Setenv(key, val)
		}
	}
	log.Info().Str("path", path).Msg("env file loaded")
}
