// Package logx configures the process-wide structured logger and
// hands out component loggers, grounded on streamspace's
// internal/logger package: one zerolog.Logger initialized once at
// startup (level + pretty/JSON output), then narrowed per component
// with .With().Str("component", ...).
package logx

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger is the type every component logger getter below returns,
// aliased so callers never need to import zerolog directly.
type Logger = zerolog.Logger

// Root is the process-wide base logger, set up by Initialize.
var Root zerolog.Logger

// Initialize configures the global logger. level is a zerolog level
// name ("debug", "info", ...); pretty selects a human-readable console
// writer over the default JSON stream, for interactive runs.
func Initialize(level string, pretty bool) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	Root = log.With().Str("service", "ucollect").Logger()
	Root.Info().Str("level", lvl.String()).Bool("pretty", pretty).Msg("logger initialized")
}

func component(name string) Logger {
	return Root.With().Str("component", name).Logger()
}

// Reactor returns the event-loop component logger.
func Reactor() Logger { return component("reactor") }

// Uplink returns the uplink protocol engine's component logger.
func Uplink() Logger { return component("uplink") }

// Config returns the configurator's component logger.
func Config() Logger { return component("config") }

// Plugin returns a per-plugin component logger, named after the
// plugin instance the way the original's per-interface/per-plugin log
// prefixes did.
func Plugin(name string) Logger {
	return Root.With().Str("component", "plugin").Str("plugin", name).Logger()
}

// Capture returns a per-interface capture component logger.
func Capture(ifname string) Logger {
	return Root.With().Str("component", "capture").Str("interface", ifname).Logger()
}
