package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/quantfold/markethub/internal/models"
	"github.com/quantfold/markethub/internal/provider"
)

const coinGeckoAPIURL = "https://api.coingecko.com/api/v3"

// CoinGeckoTop100 is an index provider: the top 100 coins by market cap,
// weighted by market-cap share.
type CoinGeckoTop100 struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewCoinGeckoTop100 builds the index plugin. An api_key secret unlocks the
// pro tier but is not required.
func NewCoinGeckoTop100(env provider.Env) (provider.Provider, error) {
	baseURL := coinGeckoAPIURL
	if override, ok := env.Secrets["base_url"]; ok && override != "" {
		baseURL = override
	}
	return &CoinGeckoTop100{
		baseURL: baseURL,
		apiKey:  env.Secrets["api_key"],
		client:  env.HTTPClient,
	}, nil
}

func (c *CoinGeckoTop100) Name() string { return "coingecko_top100" }
func (c *CoinGeckoTop100) Type() string { return provider.TypeIndex }
func (c *CoinGeckoTop100) RateLimit() provider.RateLimit {
	return provider.RateLimit{Calls: 10, Seconds: 60}
}
func (c *CoinGeckoTop100) Close() error { return nil }

type geckoMarket struct {
	ID        string  `json:"id"`
	Symbol    string  `json:"symbol"`
	Name      string  `json:"name"`
	MarketCap float64 `json:"market_cap"`
}

// GetAvailableSymbols mirrors the constituent list in discovery shape.
func (c *CoinGeckoTop100) GetAvailableSymbols(ctx context.Context) ([]models.SymbolInfo, error) {
	markets, err := c.fetchMarkets(ctx)
	if err != nil {
		return nil, err
	}
	quote := "USD"
	symbols := make([]models.SymbolInfo, 0, len(markets))
	for _, m := range markets {
		base := strings.ToUpper(m.Symbol)
		externalID := m.ID
		symbols = append(symbols, models.SymbolInfo{
			Provider:      c.Name(),
			ProviderID:    &externalID,
			Symbol:        base + "/USD",
			Name:          m.Name,
			AssetClass:    "crypto",
			BaseCurrency:  &base,
			QuoteCurrency: &quote,
		})
	}
	return symbols, nil
}

// FetchConstituents returns the current top 100 with market-cap weights.
func (c *CoinGeckoTop100) FetchConstituents(ctx context.Context, _ *time.Time) ([]models.Constituent, error) {
	markets, err := c.fetchMarkets(ctx)
	if err != nil {
		return nil, err
	}

	var totalCap float64
	for _, m := range markets {
		totalCap += m.MarketCap
	}

	quote := "USD"
	constituents := make([]models.Constituent, 0, len(markets))
	for _, m := range markets {
		base := strings.ToUpper(m.Symbol)
		name := m.Name
		class := "crypto"
		var weight *float64
		if totalCap > 0 {
			w := m.MarketCap / totalCap
			weight = &w
		}
		constituents = append(constituents, models.Constituent{
			Symbol:        base + "/USD",
			Weight:        weight,
			Name:          &name,
			AssetClass:    &class,
			MatcherSymbol: &base,
			BaseCurrency:  &base,
			QuoteCurrency: &quote,
		})
	}
	return constituents, nil
}

func (c *CoinGeckoTop100) fetchMarkets(ctx context.Context) ([]geckoMarket, error) {
	params := url.Values{}
	params.Set("vs_currency", "usd")
	params.Set("order", "market_cap_desc")
	params.Set("per_page", "100")
	params.Set("page", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/coins/markets?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build coingecko request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("x-cg-pro-api-key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coingecko request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coingecko returned %d", resp.StatusCode)
	}

	var markets []geckoMarket
	if err := json.NewDecoder(resp.Body).Decode(&markets); err != nil {
		return nil, fmt.Errorf("coingecko payload malformed: %w", err)
	}
	return markets, nil
}
