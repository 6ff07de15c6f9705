// FILE: logging.go
// Package main – zerolog setup.
//
// All files log through the package-level github.com/rs/zerolog/log logger;
// initLogging configures its level and output once at boot. LOG_PRETTY=true
// switches to the human console writer for local runs; the default is JSON
// lines for collectors.
package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

func initLogging(level string, pretty bool) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339

	if pretty {
		zlog.Logger = zlog.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		zlog.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}
