// Package provider defines the plugin interface the core consumes and the
// in-process registry that loads, verifies and caches plugin instances.
// Plugins are a closed set registered statically through a Factory; the
// stored file hash is still verified and the secrets blob decrypted exactly
// as the upload contract requires.
package provider

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/quantfold/markethub/internal/models"
)

// ErrNotSupported is returned by plugins for capabilities they do not
// implement, e.g. discovery on a stream-only provider.
var ErrNotSupported = errors.New("operation not supported by provider")

// Provider types.
const (
	TypeHistorical = "historical"
	TypeRealtime   = "realtime"
	TypeIndex      = "index"
)

// RateLimit is a token bucket declaration: Calls per Seconds window.
type RateLimit struct {
	Calls   int `json:"calls"`
	Seconds int `json:"seconds"`
}

// BarSink receives streamed bars. A non-nil return stops the stream.
type BarSink func(models.Bar) error

// Provider is the capability set every plugin exposes.
type Provider interface {
	// Name is the stable registry key.
	Name() string
	// Type is one of TypeHistorical, TypeRealtime, TypeIndex.
	Type() string
	// RateLimit declares the plugin's token bucket.
	RateLimit() RateLimit
	// GetAvailableSymbols lists everything the provider can serve.
	GetAvailableSymbols(ctx context.Context) ([]models.SymbolInfo, error)
	// Close releases any resources the plugin itself holds.
	Close() error
}

// Historical is implemented by providers that serve finite bar history.
// Bars are yielded oldest to newest with inclusive endpoints.
type Historical interface {
	Provider
	GetHistory(ctx context.Context, req models.Req, sink BarSink) error
	// GetData fans a request batch out; the default behavior is sequential
	// GetHistory calls, which FanOut provides.
	GetData(ctx context.Context, reqs []models.Req, sink BarSink) error
}

// Realtime is implemented by providers that listen on live streams. GetData
// orchestrates connect/subscribe/listen-until-cutoff/unsubscribe/close and
// returns at most one bar per symbol (latest received with ts <= bar end).
type Realtime interface {
	Provider
	CloseBufferSeconds() int
	GetData(ctx context.Context, interval string, symbols []string) ([]models.Bar, error)
}

// Index is implemented by index providers.
type Index interface {
	Provider
	FetchConstituents(ctx context.Context, asOf *time.Time) ([]models.Constituent, error)
}

// FanOut is the default Historical.GetData: sequential per-request history
// pulls into the same sink.
func FanOut(ctx context.Context, h Historical, reqs []models.Req, sink BarSink) error {
	for _, req := range reqs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := h.GetHistory(ctx, req, sink); err != nil {
			return err
		}
	}
	return nil
}

// Env is everything a plugin constructor receives: decrypted secrets, the
// stored preferences, and the shared HTTP client owned by the instance.
type Env struct {
	Secrets     map[string]string
	Preferences Preferences
	HTTPClient  *http.Client
}

// Constructor builds one plugin instance.
type Constructor func(env Env) (Provider, error)

// NextIntervalBoundary returns the next even interval boundary after t, used
// by realtime providers to compute the listen cutoff.
func NextIntervalBoundary(t time.Time, interval string) time.Time {
	d := intervalDuration(interval)
	return t.Truncate(d).Add(d)
}

func intervalDuration(interval string) time.Duration {
	switch interval {
	case "1min":
		return time.Minute
	case "5min":
		return 5 * time.Minute
	case "15min":
		return 15 * time.Minute
	case "30min":
		return 30 * time.Minute
	case "1h":
		return time.Hour
	case "4h":
		return 4 * time.Hour
	case "1w":
		return 7 * 24 * time.Hour
	case "1M":
		return 30 * 24 * time.Hour
	default: // 1d and anything unrecognized
		return 24 * time.Hour
	}
}
