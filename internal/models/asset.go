package models

import (
	"strings"
	"time"
)

// Asset class groups partition assets for identity matching and mapping.
const (
	GroupSecurities = "securities"
	GroupCrypto     = "crypto"
)

// Primary ID provenance values. A provider-sourced primary ID is authoritative
// and must never be overwritten by the matcher.
const (
	PrimaryIDSourceProvider = "provider"
	PrimaryIDSourceMatcher  = "matcher"
	PrimaryIDSourceManual   = "manual"
)

// Asset represents one tradable symbol as seen by one provider.
// Uniqueness: (class_name, class_type, symbol).
type Asset struct {
	ID              int64      `json:"id" db:"id"`
	ClassName       string     `json:"class_name" db:"class_name"`
	ClassType       string     `json:"class_type" db:"class_type"`
	Symbol          string     `json:"symbol" db:"symbol"`
	ExternalID      *string    `json:"external_id,omitempty" db:"external_id"`
	PrimaryID       *string    `json:"primary_id,omitempty" db:"primary_id"`
	PrimaryIDSource *string    `json:"primary_id_source,omitempty" db:"primary_id_source"`
	MatcherSymbol   *string    `json:"matcher_symbol,omitempty" db:"matcher_symbol"`
	Name            *string    `json:"name,omitempty" db:"name"`
	Exchange        *string    `json:"exchange,omitempty" db:"exchange"`
	AssetClass      string     `json:"asset_class" db:"asset_class"`
	AssetClassGroup string     `json:"asset_class_group" db:"asset_class_group"`
	BaseCurrency    *string    `json:"base_currency,omitempty" db:"base_currency"`
	QuoteCurrency   *string    `json:"quote_currency,omitempty" db:"quote_currency"`
	Country         *string    `json:"country,omitempty" db:"country"`
	SymNormFull     *string    `json:"sym_norm_full,omitempty" db:"sym_norm_full"`
	SymNormRoot     *string    `json:"sym_norm_root,omitempty" db:"sym_norm_root"`
	IdentityConf    *float64   `json:"identity_conf,omitempty" db:"identity_conf"`
	IdentityMatch   *string    `json:"identity_match_type,omitempty" db:"identity_match_type"`
	IdentityUpdated *time.Time `json:"identity_updated_at,omitempty" db:"identity_updated_at"`
}

// SymbolInfo is the discovery payload a provider returns for one symbol.
type SymbolInfo struct {
	Provider      string  `json:"provider"`
	ProviderID    *string `json:"provider_id,omitempty"`
	PrimaryID     *string `json:"primary_id,omitempty"`
	ISIN          *string `json:"isin,omitempty"`
	Symbol        string  `json:"symbol"`
	MatcherSymbol *string `json:"matcher_symbol,omitempty"`
	Name          string  `json:"name"`
	Exchange      *string `json:"exchange,omitempty"`
	AssetClass    string  `json:"asset_class"`
	BaseCurrency  *string `json:"base_currency,omitempty"`
	QuoteCurrency *string `json:"quote_currency,omitempty"`
	Country       *string `json:"country,omitempty"`
}

// ResolvedPrimaryID prefers the explicit primary ID and falls back to the
// provider-scoped ID when the payload carries only that.
func (s SymbolInfo) ResolvedPrimaryID() *string {
	if s.PrimaryID != nil && *s.PrimaryID != "" {
		return s.PrimaryID
	}
	if s.ProviderID != nil && *s.ProviderID != "" {
		return s.ProviderID
	}
	return nil
}

// ClassGroup derives the coarse matching group from a canonical asset class.
func ClassGroup(assetClass string) string {
	if assetClass == "crypto" {
		return GroupCrypto
	}
	return GroupSecurities
}

var normReplacer = strings.NewReplacer(".", " ", "-", " ", "/", " ", ":", " ", "_", " ")

// NormalizeSymbol returns the full and root normalized forms of a symbol.
// The full form lower-cases and strips separators; the root form keeps only
// the leading token, which is what cross-provider joins index on.
func NormalizeSymbol(symbol string) (full string, root string) {
	s := strings.TrimSpace(strings.ToLower(symbol))
	if s == "" {
		return "", ""
	}
	fields := strings.Fields(normReplacer.Replace(s))
	if len(fields) == 0 {
		return "", ""
	}
	return strings.Join(fields, ""), fields[0]
}
