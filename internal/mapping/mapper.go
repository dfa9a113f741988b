// Package mapping owns the cross-provider symbol mapping: the automated
// mapper that assigns a common symbol per identity group, and the suggestion
// scorer that proposes mappings for review.
package mapping

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/markethub/internal/db"
	"github.com/quantfold/markethub/internal/errs"
	"github.com/quantfold/markethub/internal/metrics"
	"github.com/quantfold/markethub/internal/models"
)

// Reasoning tags carried on emitted candidates.
const (
	ReasonPrimaryIDGroup = "primary-id-group"
	ReasonSingleQuote    = "single-quote-available"
	ReasonPreferredMatch = "preferred-match"
	ReasonUSDFallback    = "usd-fallback"
	ReasonNoSuitableUSD  = "no-suitable-usd"
)

// Candidate is one proposed asset_mapping row.
type Candidate struct {
	ClassName       string `json:"class_name"`
	ClassType       string `json:"class_type"`
	ClassSymbol     string `json:"class_symbol"`
	CommonSymbol    string `json:"common_symbol"`
	PrimaryID       string `json:"primary_id"`
	AssetClassGroup string `json:"asset_class_group"`
	Reasoning       string `json:"reasoning"`
}

// ApplyResult counts what the apply step did.
type ApplyResult struct {
	Inserted int `json:"inserted"`
	Skipped  int `json:"skipped"`
}

type groupAsset struct {
	ID              int64   `db:"id"`
	ClassName       string  `db:"class_name"`
	ClassType       string  `db:"class_type"`
	Symbol          string  `db:"symbol"`
	PrimaryID       string  `db:"primary_id"`
	AssetClassGroup string  `db:"asset_class_group"`
	SymNormRoot     *string `db:"sym_norm_root"`
	QuoteCurrency   *string `db:"quote_currency"`
}

type existingMapping struct {
	ClassName    string `db:"class_name"`
	ClassType    string `db:"class_type"`
	ClassSymbol  string `db:"class_symbol"`
	CommonSymbol string `db:"common_symbol"`
	PrimaryID    string `db:"primary_id"`
}

// Mapper groups identified assets and emits mapping candidates.
type Mapper struct {
	db      *sqlx.DB
	metrics *metrics.Registry
	log     zerolog.Logger
}

// NewMapper wires the mapper.
func NewMapper(database *sqlx.DB, m *metrics.Registry) *Mapper {
	return &Mapper{
		db:      database,
		metrics: m,
		log:     log.With().Str("component", "automated_mapper").Logger(),
	}
}

// BuildCandidates computes mapping candidates for one provider's identified
// assets.
func (m *Mapper) BuildCandidates(ctx context.Context, className, classType string) ([]Candidate, error) {
	var assets []groupAsset
	err := m.db.SelectContext(ctx, &assets, `
		SELECT id, class_name, class_type, symbol, primary_id, asset_class_group,
			sym_norm_root, quote_currency
		FROM assets
		WHERE class_name = $1 AND class_type = $2 AND primary_id IS NOT NULL
		ORDER BY id`,
		className, classType)
	if err != nil {
		return nil, fmt.Errorf("failed to load identified assets: %w", err)
	}
	if len(assets) == 0 {
		return nil, nil
	}

	type groupKey struct{ primaryID, group string }
	groups := make(map[groupKey][]groupAsset)
	primaryIDs := make([]string, 0, len(assets))
	seen := make(map[string]bool)
	for _, a := range assets {
		key := groupKey{a.PrimaryID, a.AssetClassGroup}
		groups[key] = append(groups[key], a)
		if !seen[a.PrimaryID] {
			seen[a.PrimaryID] = true
			primaryIDs = append(primaryIDs, a.PrimaryID)
		}
	}

	existing, err := m.loadExisting(ctx, primaryIDs)
	if err != nil {
		return nil, err
	}
	byPrimaryID := make(map[string]string)
	for _, row := range existing {
		if _, ok := byPrimaryID[row.PrimaryID]; !ok {
			byPrimaryID[row.PrimaryID] = row.CommonSymbol
		}
	}

	keys := make([]groupKey, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].primaryID != keys[j].primaryID {
			return keys[i].primaryID < keys[j].primaryID
		}
		return keys[i].group < keys[j].group
	})

	// Symbols claimed during this run, so sibling groups conflict too.
	claimed := make(map[string]string)

	var candidates []Candidate
	for _, key := range keys {
		members := groups[key]

		common := commonSymbolFor(members, byPrimaryID[key.primaryID])
		conflicted, err := m.conflictsWithOther(ctx, common, key.primaryID, claimed)
		if err != nil {
			return nil, err
		}
		if conflicted {
			rewritten := common + ":" + key.primaryID
			m.log.Info().Str("common_symbol", common).Str("primary_id", key.primaryID).
				Str("rewritten", rewritten).Msg("Common symbol already claimed, qualifying with primary ID")
			common = rewritten
		}
		claimed[common] = key.primaryID

		if key.group == models.GroupCrypto {
			selected, reason := selectCryptoAsset(members, m.quotePreference(ctx, members[0]))
			if selected == nil {
				m.log.Debug().Str("primary_id", key.primaryID).Str("reason", reason).
					Msg("No suitable crypto asset for group")
				continue
			}
			candidates = append(candidates, Candidate{
				ClassName:       selected.ClassName,
				ClassType:       selected.ClassType,
				ClassSymbol:     selected.Symbol,
				CommonSymbol:    common,
				PrimaryID:       key.primaryID,
				AssetClassGroup: key.group,
				Reasoning:       reason,
			})
			continue
		}

		for _, a := range members {
			candidates = append(candidates, Candidate{
				ClassName:       a.ClassName,
				ClassType:       a.ClassType,
				ClassSymbol:     a.Symbol,
				CommonSymbol:    common,
				PrimaryID:       key.primaryID,
				AssetClassGroup: key.group,
				Reasoning:       ReasonPrimaryIDGroup,
			})
		}
	}

	for _, c := range candidates {
		m.metrics.MappingCandidates.WithLabelValues(c.AssetClassGroup).Inc()
	}
	return candidates, nil
}

func (m *Mapper) loadExisting(ctx context.Context, primaryIDs []string) ([]existingMapping, error) {
	var rows []existingMapping
	err := m.db.SelectContext(ctx, &rows, `
		SELECT am.class_name, am.class_type, am.class_symbol, am.common_symbol, a.primary_id
		FROM asset_mapping am
		JOIN assets a ON a.class_name = am.class_name
			AND a.class_type = am.class_type
			AND a.symbol = am.class_symbol
		WHERE am.is_active AND a.primary_id = ANY($1)
		ORDER BY am.id`,
		pq.StringArray(primaryIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to load existing mappings: %w", err)
	}
	return rows, nil
}

// conflictsWithOther reports whether a different primary ID already owns the
// candidate common symbol, either in the DB or earlier in this run.
func (m *Mapper) conflictsWithOther(ctx context.Context, common, primaryID string, claimed map[string]string) (bool, error) {
	if owner, ok := claimed[common]; ok && owner != primaryID {
		return true, nil
	}
	var conflicted bool
	err := m.db.GetContext(ctx, &conflicted, `
		SELECT EXISTS (
			SELECT 1 FROM asset_mapping am
			JOIN assets a ON a.class_name = am.class_name
				AND a.class_type = am.class_type
				AND a.symbol = am.class_symbol
			WHERE am.is_active AND am.common_symbol = $1
			  AND a.primary_id IS NOT NULL AND a.primary_id <> $2
		)`,
		common, primaryID)
	if err != nil {
		return false, fmt.Errorf("failed to check common symbol conflict: %w", err)
	}
	return conflicted, nil
}

func (m *Mapper) quotePreference(ctx context.Context, a groupAsset) string {
	var raw string
	err := m.db.GetContext(ctx, &raw, `
		SELECT COALESCE(preferences->>'preferred_quote_currency', '')
		FROM code_registry WHERE class_name = $1 AND class_type = $2`,
		a.ClassName, a.ClassType)
	if err != nil {
		return ""
	}
	return raw
}

// commonSymbolFor reuses the group's existing common symbol when present;
// otherwise the shortest normalized root wins, uppercased.
func commonSymbolFor(members []groupAsset, existing string) string {
	if existing != "" {
		return existing
	}

	best := ""
	for _, a := range members {
		if a.SymNormRoot == nil || *a.SymNormRoot == "" {
			continue
		}
		root := *a.SymNormRoot
		if best == "" || len(root) < len(best) || (len(root) == len(best) && root < best) {
			best = root
		}
	}
	if best != "" {
		return strings.ToUpper(best)
	}
	return strings.ToUpper(members[0].Symbol)
}

// selectCryptoAsset picks at most one provider asset per crypto group. First
// matching rule wins.
func selectCryptoAsset(members []groupAsset, preferredQuote string) (*groupAsset, string) {
	quotes := make(map[string]bool)
	for _, a := range members {
		q := ""
		if a.QuoteCurrency != nil {
			q = *a.QuoteCurrency
		}
		quotes[q] = true
	}
	if len(quotes) == 1 {
		return &members[0], ReasonSingleQuote
	}

	if preferredQuote != "" {
		if pick := firstBySymbol(members, func(a groupAsset) bool {
			return a.QuoteCurrency != nil && strings.EqualFold(*a.QuoteCurrency, preferredQuote)
		}); pick != nil {
			return pick, ReasonPreferredMatch
		}
	}

	if pick := firstBySymbol(members, func(a groupAsset) bool {
		return a.QuoteCurrency != nil && strings.Contains(strings.ToUpper(*a.QuoteCurrency), "USD")
	}); pick != nil {
		return pick, ReasonUSDFallback
	}

	return nil, ReasonNoSuitableUSD
}

func firstBySymbol(members []groupAsset, match func(groupAsset) bool) *groupAsset {
	var pick *groupAsset
	for i := range members {
		if !match(members[i]) {
			continue
		}
		if pick == nil || members[i].Symbol < pick.Symbol {
			pick = &members[i]
		}
	}
	return pick
}

// Apply inserts candidates inside the given transaction. Every candidate runs
// under its own savepoint; duplicates and constraint losers are skipped, not
// fatal.
func (m *Mapper) Apply(ctx context.Context, tx *sqlx.Tx, candidates []Candidate) (ApplyResult, error) {
	var out ApplyResult
	for i, c := range candidates {
		name := fmt.Sprintf("mapping_%d", i)
		var inserted int64
		err := db.WithSavepoint(ctx, tx, name, func() error {
			if _, execErr := tx.ExecContext(ctx, `
				INSERT INTO common_symbols (symbol) VALUES ($1)
				ON CONFLICT (symbol) DO NOTHING`, c.CommonSymbol); execErr != nil {
				return execErr
			}
			res, execErr := tx.ExecContext(ctx, `
				INSERT INTO asset_mapping (class_name, class_type, class_symbol, common_symbol)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (class_name, class_type, class_symbol) DO NOTHING`,
				c.ClassName, c.ClassType, c.ClassSymbol, c.CommonSymbol)
			if execErr != nil {
				return execErr
			}
			inserted, _ = res.RowsAffected()
			if inserted > 0 {
				if _, execErr := tx.ExecContext(ctx, `
					UPDATE common_symbols SET ref_count = ref_count + 1 WHERE symbol = $1`,
					c.CommonSymbol); execErr != nil {
					return execErr
				}
			}
			return nil
		})

		switch {
		case err == nil && inserted > 0:
			out.Inserted++
		case err == nil:
			out.Skipped++
		case errs.IsUniqueViolation(err, ""):
			// The (class, common_symbol) pair is already taken.
			out.Skipped++
			m.log.Debug().Str("class_symbol", c.ClassSymbol).Str("common_symbol", c.CommonSymbol).
				Msg("Mapping insert lost a uniqueness race, skipped")
		default:
			return out, fmt.Errorf("failed to apply mapping for %s: %w", c.ClassSymbol, err)
		}
	}
	return out, nil
}
