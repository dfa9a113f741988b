// Package datahub is the Registry-side client for the DataHub collector
// service.
package datahub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/quantfold/markethub/internal/errs"
	"github.com/quantfold/markethub/internal/metrics"
	"github.com/quantfold/markethub/internal/models"
)

// SymbolSource fetches provider discovery payloads. The Registry pipeline
// depends on this interface so tests can stub the collector.
type SymbolSource interface {
	AvailableSymbols(ctx context.Context, provider string) ([]models.SymbolInfo, error)
	Constituents(ctx context.Context, provider string) ([]models.Constituent, error)
}

// Client calls DataHub's internal endpoints behind a circuit breaker, so a
// dead collector fails fast instead of stalling every update run.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Registry
	log     zerolog.Logger
}

// NewClient wires the client. baseURL has no trailing slash.
func NewClient(baseURL string, m *metrics.Registry) *Client {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "datahub",
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("DataHub circuit breaker state changed")
		},
	})
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 120 * time.Second},
		breaker: breaker,
		metrics: m,
		log:     log.With().Str("component", "datahub_client").Logger(),
	}
}

// AvailableSymbols fetches a provider's discovery list.
func (c *Client) AvailableSymbols(ctx context.Context, provider string) ([]models.SymbolInfo, error) {
	var payload struct {
		Items []models.SymbolInfo `json:"items"`
	}
	if err := c.getJSON(ctx, "/internal/providers/available-symbols", provider, &payload); err != nil {
		return nil, err
	}
	return payload.Items, nil
}

// Constituents fetches an index provider's member list.
func (c *Client) Constituents(ctx context.Context, provider string) ([]models.Constituent, error) {
	var payload struct {
		Items []models.Constituent `json:"items"`
	}
	if err := c.getJSON(ctx, "/internal/providers/constituents", provider, &payload); err != nil {
		return nil, err
	}
	return payload.Items, nil
}

func (c *Client) getJSON(ctx context.Context, path, provider string, out interface{}) error {
	endpoint := c.baseURL + path + "?provider_name=" + url.QueryEscape(provider)

	_, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to build request: %w", err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, errs.Upstream("datahub unreachable: %v", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
		if err != nil {
			return nil, errs.Upstream("failed to read datahub response: %v", err)
		}

		switch resp.StatusCode {
		case http.StatusOK:
			if err := json.Unmarshal(body, out); err != nil {
				return nil, errs.Upstream("datahub returned non-JSON payload: %v", err)
			}
			return nil, nil
		case http.StatusNotFound:
			return nil, errs.NotFound("provider %s unknown to datahub", provider)
		default:
			return nil, errs.Upstream("datahub %s returned %d: %s", path, resp.StatusCode, truncate(string(body), 200))
		}
	})
	if err != nil {
		// Breaker-rejected calls surface as upstream failures too.
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			err = errs.Upstream("datahub circuit open: %v", err)
		}
		if errs.KindOf(err) == errs.KindUpstreamFailure {
			c.metrics.UpstreamFailures.WithLabelValues(path).Inc()
		}
		return err
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
