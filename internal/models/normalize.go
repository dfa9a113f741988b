package models

import "strings"

// Canonical bar intervals accepted across the system.
var Intervals = []string{"1min", "5min", "15min", "30min", "1h", "4h", "1d", "1w", "1M"}

var intervalAliases = map[string]string{
	"1m":      "1min",
	"1minute": "1min",
	"5m":      "5min",
	"15m":     "15min",
	"30m":     "30min",
	"60min":   "1h",
	"1hour":   "1h",
	"hourly":  "1h",
	"4hour":   "4h",
	"daily":   "1d",
	"day":     "1d",
	"1day":    "1d",
	"weekly":  "1w",
	"1week":   "1w",
	"monthly": "1M",
	"1month":  "1M",
	"1mo":     "1M",
}

// Canonical asset classes. Closed set; validators reject anything else.
var AssetClasses = []string{
	"equity", "fund", "etf", "bond", "crypto", "currency", "future", "option",
	"index", "commodity", "derivative", "cfd", "warrant", "adr", "preferred",
	"mutual_fund", "money_market", "rates", "mbs", "muni", "structured_product",
}

var assetClassAliases = map[string]string{
	"stock":           "equity",
	"stocks":          "equity",
	"common stock":    "equity",
	"common_stock":    "equity",
	"shares":          "equity",
	"fx":              "currency",
	"forex":           "currency",
	"fiat":            "currency",
	"cryptocurrency":  "crypto",
	"digital_asset":   "crypto",
	"exchange traded fund": "etf",
	"exchange_traded_fund": "etf",
	"mutualfund":      "mutual_fund",
	"mutual fund":     "mutual_fund",
	"fixed_income":    "bond",
	"bonds":           "bond",
	"futures":         "future",
	"options":         "option",
	"indices":         "index",
	"commodities":     "commodity",
	"preferred_stock": "preferred",
}

var assetClassSet = func() map[string]bool {
	set := make(map[string]bool, len(AssetClasses))
	for _, c := range AssetClasses {
		set[c] = true
	}
	return set
}()

var intervalSet = func() map[string]bool {
	set := make(map[string]bool, len(Intervals))
	for _, i := range Intervals {
		set[i] = true
	}
	return set
}()

// NormalizeInterval maps interval aliases onto the canonical set. Unknown
// values are preserved lower-cased; ValidInterval decides acceptance.
func NormalizeInterval(interval string) string {
	s := strings.ToLower(strings.TrimSpace(interval))
	// 1M is the one case-sensitive canonical form.
	if strings.TrimSpace(interval) == "1M" {
		return "1M"
	}
	if canon, ok := intervalAliases[s]; ok {
		return canon
	}
	if intervalSet[s] {
		return s
	}
	return s
}

// ValidInterval reports whether the value is a canonical interval.
func ValidInterval(interval string) bool {
	return intervalSet[interval] || interval == "1M"
}

// NormalizeAssetClass maps asset-class aliases onto the canonical set.
func NormalizeAssetClass(class string) string {
	s := strings.ToLower(strings.TrimSpace(class))
	if canon, ok := assetClassAliases[s]; ok {
		return canon
	}
	return s
}

// ValidAssetClass reports whether the value is a canonical asset class.
func ValidAssetClass(class string) bool {
	return assetClassSet[class]
}
