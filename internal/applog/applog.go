// Package applog builds the orchestrator's structured application logger.
// cmd/api logs with the standard library's log package throughout
// (log.Printf/log.Fatalf); this entry swaps that sink for zap, while
// keeping the same "one line per lifecycle event" usage pattern at call
// sites.
package applog

import "go.uber.org/zap"

// New builds a *zap.Logger. In daemon/headless mode it uses the JSON
// production encoder (log-collector friendly); otherwise a human-readable
// console encoder, since a foreground run is read by a person at a
// terminal.
func New(daemon bool) (*zap.Logger, error) {
	if daemon {
		return zap.NewProduction()
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.DisableStacktrace = true
	return cfg.Build()
}
