// Package plugins holds the built-in provider implementations registered in
// the closed factory set. Each plugin still goes through the code-registry
// hash check before it is handed out.
package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/quantfold/markethub/internal/models"
	"github.com/quantfold/markethub/internal/provider"
)

// Builtin returns the closed set of plugin constructors.
func Builtin() provider.Factory {
	return provider.Factory{
		"kraken":           NewKraken,
		"kraken_live":      NewKrakenLive,
		"coingecko_top100": NewCoinGeckoTop100,
	}
}

const krakenAPIURL = "https://api.kraken.com"

// Kraken serves daily and intraday OHLC history from the public REST API.
type Kraken struct {
	baseURL string
	client  *http.Client
}

// NewKraken builds the historical Kraken plugin.
func NewKraken(env provider.Env) (provider.Provider, error) {
	baseURL := krakenAPIURL
	if override, ok := env.Secrets["base_url"]; ok && override != "" {
		baseURL = override
	}
	return &Kraken{baseURL: baseURL, client: env.HTTPClient}, nil
}

func (k *Kraken) Name() string { return "kraken" }
func (k *Kraken) Type() string { return provider.TypeHistorical }
func (k *Kraken) RateLimit() provider.RateLimit {
	return provider.RateLimit{Calls: 15, Seconds: 45}
}
func (k *Kraken) Close() error { return nil }

type krakenPair struct {
	WSName string `json:"wsname"`
	Base   string `json:"base"`
	Quote  string `json:"quote"`
}

// GetAvailableSymbols lists every tradable pair.
func (k *Kraken) GetAvailableSymbols(ctx context.Context) ([]models.SymbolInfo, error) {
	var payload struct {
		Error  []string              `json:"error"`
		Result map[string]krakenPair `json:"result"`
	}
	if err := k.getJSON(ctx, "/0/public/AssetPairs", nil, &payload); err != nil {
		return nil, err
	}
	if len(payload.Error) > 0 {
		return nil, fmt.Errorf("kraken asset pairs failed: %v", payload.Error)
	}

	exchange := "CRYPTO"
	symbols := make([]models.SymbolInfo, 0, len(payload.Result))
	for pair, info := range payload.Result {
		if info.WSName == "" {
			continue
		}
		base, quote := info.Base, info.Quote
		symbols = append(symbols, models.SymbolInfo{
			Provider:      k.Name(),
			Symbol:        pair,
			MatcherSymbol: &info.WSName,
			Name:          info.WSName,
			Exchange:      &exchange,
			AssetClass:    "crypto",
			BaseCurrency:  &base,
			QuoteCurrency: &quote,
		})
	}
	return symbols, nil
}

// GetHistory streams one pair's OHLC bars oldest to newest.
func (k *Kraken) GetHistory(ctx context.Context, req models.Req, sink provider.BarSink) error {
	params := url.Values{}
	params.Set("pair", req.Symbol)
	params.Set("interval", strconv.Itoa(krakenInterval(req.Interval)))
	params.Set("since", strconv.FormatInt(req.Start.Unix(), 10))

	var payload struct {
		Error  []string                   `json:"error"`
		Result map[string]json.RawMessage `json:"result"`
	}
	if err := k.getJSON(ctx, "/0/public/OHLC", params, &payload); err != nil {
		return err
	}
	if len(payload.Error) > 0 {
		return fmt.Errorf("kraken OHLC failed for %s: %v", req.Symbol, payload.Error)
	}

	raw, ok := payload.Result[req.Symbol]
	if !ok {
		// Kraken may answer under its canonical pair alias.
		for key, value := range payload.Result {
			if key != "last" {
				raw = value
				ok = true
				break
			}
		}
	}
	if !ok {
		return nil
	}

	var candles [][]json.Number
	if err := json.Unmarshal(raw, &candles); err != nil {
		return fmt.Errorf("kraken OHLC payload malformed: %w", err)
	}

	end := req.End.AddDate(0, 0, 1)
	for _, c := range candles {
		if len(c) < 7 {
			continue
		}
		ts, err := c[0].Int64()
		if err != nil {
			continue
		}
		when := time.Unix(ts, 0).UTC()
		if when.Before(req.Start) || !when.Before(end) {
			continue
		}
		bar := models.Bar{
			Timestamp: when,
			Symbol:    req.Symbol,
			Open:      number(c[1]),
			High:      number(c[2]),
			Low:       number(c[3]),
			Close:     number(c[4]),
			Volume:    number(c[6]),
		}
		if err := sink(bar); err != nil {
			return err
		}
	}
	return nil
}

// GetData fans requests out sequentially.
func (k *Kraken) GetData(ctx context.Context, reqs []models.Req, sink provider.BarSink) error {
	return provider.FanOut(ctx, k, reqs, sink)
}

func (k *Kraken) getJSON(ctx context.Context, path string, params url.Values, out interface{}) error {
	endpoint := k.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build kraken request: %w", err)
	}
	resp, err := k.client.Do(req)
	if err != nil {
		return fmt.Errorf("kraken request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("kraken returned %d for %s", resp.StatusCode, path)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("kraken payload malformed: %w", err)
	}
	return nil
}

// krakenInterval maps canonical intervals onto Kraken's minute granularity.
func krakenInterval(interval string) int {
	switch interval {
	case "1min":
		return 1
	case "5min":
		return 5
	case "15min":
		return 15
	case "30min":
		return 30
	case "1h":
		return 60
	case "4h":
		return 240
	case "1w":
		return 10080
	default: // 1d
		return 1440
	}
}

func number(n json.Number) float64 {
	v, _ := n.Float64()
	return v
}
