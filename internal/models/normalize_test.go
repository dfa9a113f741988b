package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeInterval(t *testing.T) {
	cases := map[string]string{
		"1m":      "1min",
		"1MIN":    "1min",
		"daily":   "1d",
		"1day":    "1d",
		"60min":   "1h",
		"1M":      "1M",
		"monthly": "1M",
		"weekly":  "1w",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeInterval(in), "interval %q", in)
	}
}

func TestValidInterval(t *testing.T) {
	assert.True(t, ValidInterval("1d"))
	assert.True(t, ValidInterval("1M"))
	assert.False(t, ValidInterval("2d"))
	assert.False(t, ValidInterval(""))
}

func TestNormalizeAssetClass(t *testing.T) {
	assert.Equal(t, "equity", NormalizeAssetClass("stock"))
	assert.Equal(t, "equity", NormalizeAssetClass("Equity"))
	assert.Equal(t, "currency", NormalizeAssetClass("FX"))
	assert.Equal(t, "crypto", NormalizeAssetClass("cryptocurrency"))
	// Unknown values are preserved lower-cased.
	assert.Equal(t, "weather", NormalizeAssetClass("Weather"))
	assert.False(t, ValidAssetClass("weather"))
}

func TestNormalizeSymbol(t *testing.T) {
	full, root := NormalizeSymbol("BRK.B")
	assert.Equal(t, "brkb", full)
	assert.Equal(t, "brk", root)

	full, root = NormalizeSymbol("BTC/USD")
	assert.Equal(t, "btcusd", full)
	assert.Equal(t, "btc", root)

	full, root = NormalizeSymbol("AAPL")
	assert.Equal(t, "aapl", full)
	assert.Equal(t, "aapl", root)

	full, root = NormalizeSymbol("  ")
	assert.Empty(t, full)
	assert.Empty(t, root)
}

func TestClassGroup(t *testing.T) {
	assert.Equal(t, GroupCrypto, ClassGroup("crypto"))
	assert.Equal(t, GroupSecurities, ClassGroup("equity"))
	assert.Equal(t, GroupSecurities, ClassGroup("bond"))
}

func TestResolvedPrimaryID(t *testing.T) {
	primary := "F123"
	providerID := "P456"
	empty := ""

	info := SymbolInfo{PrimaryID: &primary, ProviderID: &providerID}
	assert.Equal(t, &primary, info.ResolvedPrimaryID())

	info = SymbolInfo{ProviderID: &providerID}
	assert.Equal(t, &providerID, info.ResolvedPrimaryID())

	info = SymbolInfo{PrimaryID: &empty, ProviderID: &providerID}
	assert.Equal(t, &providerID, info.ResolvedPrimaryID())

	info = SymbolInfo{}
	assert.Nil(t, info.ResolvedPrimaryID())
}

func TestSubscriptionGroupJobKey(t *testing.T) {
	g := SubscriptionGroup{Provider: "kraken", Interval: "1d", Cron: "0 2 * * *"}
	assert.Equal(t, "kraken|1d|0 2 * * *", g.JobKey())
}
