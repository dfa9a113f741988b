// Package log carries CLI-facing run logging on top of the structured
// logger: per-provider progress lines and a timing summary for refresh runs.
package log

import (
	"time"

	"github.com/rs/zerolog/log"
)

// RunLogger tracks one refresh run across providers.
type RunLogger struct {
	name      string
	startTime time.Time
	providers int
	failed    int
}

// NewRunLogger starts timing a named run.
func NewRunLogger(name string) *RunLogger {
	log.Info().Str("run", name).Msg("Run started")
	return &RunLogger{name: name, startTime: time.Now()}
}

// Provider records one provider's outcome inside the run.
func (r *RunLogger) Provider(name, status string, upserted, failedSymbols int) {
	r.providers++
	evt := log.Info()
	if status != "ok" {
		evt = log.Warn()
	}
	if failedSymbols > 0 {
		r.failed++
	}
	evt.Str("run", r.name).
		Str("provider", name).
		Str("status", status).
		Int("upserted", upserted).
		Int("failed_symbols", failedSymbols).
		Msg("Provider refreshed")
}

// Finish logs the run summary.
func (r *RunLogger) Finish() {
	log.Info().
		Str("run", r.name).
		Int("providers", r.providers).
		Int("with_failures", r.failed).
		Dur("elapsed", time.Since(r.startTime)).
		Msg("Run completed")
}

// Fail logs an aborted run.
func (r *RunLogger) Fail(err error) {
	log.Error().
		Str("run", r.name).
		Dur("elapsed", time.Since(r.startTime)).
		Err(err).
		Msg("Run failed")
}
