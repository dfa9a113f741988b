// Package identity resolves provider assets to primary identifiers using the
// identity manifest: exact alias overlap first, trigram similarity second.
package identity

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/markethub/internal/db"
	"github.com/quantfold/markethub/internal/errs"
	"github.com/quantfold/markethub/internal/metrics"
)

// Match types recorded on resolved assets.
const (
	MatchExactAlias  = "exact_alias"
	MatchFuzzySymbol = "fuzzy_symbol"
)

// Scoring constants for the fuzzy phase.
const (
	SimilarityFloor = 0.35
	SymBoost        = 50.0
	ExchangeBoost   = 35.0
	NameBoost       = 8.0
	AutoThreshold   = 80.0

	fuzzyCandidateCap  = 20
	providerPrimaryIDC = "assets_provider_primary_id_uniq"
)

// Candidate is an asset awaiting identity resolution.
type Candidate struct {
	ID              int64   `db:"id"`
	ClassName       string  `db:"class_name"`
	ClassType       string  `db:"class_type"`
	Symbol          string  `db:"symbol"`
	MatcherSymbol   string  `db:"matcher_symbol"`
	Name            *string `db:"name"`
	Exchange        *string `db:"exchange"`
	AssetClassGroup string  `db:"asset_class_group"`
}

// MatchResult pairs an asset with its resolved primary ID.
type MatchResult struct {
	AssetID    int64
	PrimaryID  string
	Confidence float64
	MatchType  string
}

// Outcomes counts what happened when matches were applied.
type Outcomes struct {
	Applied            int `json:"applied"`
	ConstraintRejected int `json:"constraint_rejected"`
	Failed             int `json:"failed"`
	Skipped            int `json:"skipped"`
}

// Matcher runs the two-phase identity resolution.
type Matcher struct {
	db      *sqlx.DB
	metrics *metrics.Registry
	log     zerolog.Logger
}

// NewMatcher wires the matcher.
func NewMatcher(database *sqlx.DB, m *metrics.Registry) *Matcher {
	return &Matcher{
		db:      database,
		metrics: m,
		log:     log.With().Str("component", "identity_matcher").Logger(),
	}
}

// ListUnidentified returns assets with no primary ID, optionally restricted to
// one provider.
func (m *Matcher) ListUnidentified(ctx context.Context, className, classType string) ([]Candidate, error) {
	query := `SELECT id, class_name, class_type, symbol,
			COALESCE(matcher_symbol, symbol) AS matcher_symbol,
			name, exchange, asset_class_group
		FROM assets
		WHERE primary_id IS NULL AND asset_class_group IN ('securities', 'crypto')`
	args := []interface{}{}
	if className != "" {
		query += ` AND class_name = $1 AND class_type = $2`
		args = append(args, className, classType)
	}
	query += ` ORDER BY id`

	var out []Candidate
	if err := m.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list unidentified assets: %w", err)
	}
	return out, nil
}

// Match resolves candidates per asset-class group: phase 1 exact alias, phase
// 2 fuzzy over the remainder.
func (m *Matcher) Match(ctx context.Context, candidates []Candidate) ([]MatchResult, error) {
	groups := make(map[string][]Candidate)
	for _, c := range candidates {
		groups[c.AssetClassGroup] = append(groups[c.AssetClassGroup], c)
	}

	var results []MatchResult
	for group, members := range groups {
		exact, rest, err := m.matchExact(ctx, group, members)
		if err != nil {
			return nil, err
		}
		results = append(results, exact...)

		fuzzy, err := m.matchFuzzy(ctx, group, rest)
		if err != nil {
			return nil, err
		}
		results = append(results, fuzzy...)
	}

	m.log.Info().Int("candidates", len(candidates)).Int("matched", len(results)).
		Msg("Identity matching completed")
	return results, nil
}

type manifestAlias struct {
	PrimaryID string `db:"primary_id"`
	Aliases   string `db:"aliases"`
}

// matchExact resolves candidates whose matcher symbol appears in a manifest
// alias list. Unmatched candidates are returned for the fuzzy phase.
func (m *Matcher) matchExact(ctx context.Context, group string, candidates []Candidate) ([]MatchResult, []Candidate, error) {
	if len(candidates) == 0 {
		return nil, nil, nil
	}

	symbols := make([]string, 0, len(candidates))
	for _, c := range candidates {
		symbols = append(symbols, c.MatcherSymbol)
	}

	var rows []manifestAlias
	err := m.db.SelectContext(ctx, &rows, `
		SELECT primary_id, aliases FROM identity_manifest
		WHERE asset_class_group = $1
		  AND string_to_array(aliases, ';') && $2::text[]`,
		group, pq.StringArray(symbols))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query manifest aliases: %w", err)
	}

	byAlias := make(map[string]string)
	for _, row := range rows {
		for _, alias := range strings.Split(row.Aliases, ";") {
			if alias == "" {
				continue
			}
			if _, ok := byAlias[alias]; !ok {
				byAlias[alias] = row.PrimaryID
			}
		}
	}

	var matched []MatchResult
	var rest []Candidate
	for _, c := range candidates {
		primaryID, ok := byAlias[c.MatcherSymbol]
		if !ok {
			rest = append(rest, c)
			continue
		}
		matched = append(matched, MatchResult{
			AssetID:    c.ID,
			PrimaryID:  primaryID,
			Confidence: 100.0,
			MatchType:  MatchExactAlias,
		})
	}
	return matched, rest, nil
}

type fuzzyRow struct {
	PrimaryID string  `db:"primary_id"`
	Symbol    string  `db:"symbol"`
	Name      *string `db:"name"`
	Exchange  *string `db:"exchange"`
	SymSim    float64 `db:"sym_sim"`
	NameSim   float64 `db:"name_sim"`
}

// matchFuzzy resolves the remainder via trigram similarity, one best-match
// query per candidate.
func (m *Matcher) matchFuzzy(ctx context.Context, group string, candidates []Candidate) ([]MatchResult, error) {
	var results []MatchResult
	for _, c := range candidates {
		best, ok, err := m.bestFuzzyMatch(ctx, group, c)
		if err != nil {
			return nil, err
		}
		if ok {
			results = append(results, best)
		}
	}
	return results, nil
}

func (m *Matcher) bestFuzzyMatch(ctx context.Context, group string, c Candidate) (MatchResult, bool, error) {
	name := ""
	if c.Name != nil {
		name = *c.Name
	}

	var rows []fuzzyRow
	err := m.db.SelectContext(ctx, &rows, `
		SELECT primary_id, symbol, name, exchange,
			similarity(symbol, $2) AS sym_sim,
			similarity(COALESCE(name, ''), $3) AS name_sim
		FROM identity_manifest
		WHERE asset_class_group = $1 AND similarity(symbol, $2) > $4
		ORDER BY sym_sim DESC
		LIMIT $5`,
		group, c.MatcherSymbol, name, SimilarityFloor, fuzzyCandidateCap)
	if err != nil {
		return MatchResult{}, false, fmt.Errorf("failed to query fuzzy manifest candidates: %w", err)
	}

	bestScore := 0.0
	bestPrimary := ""
	for _, row := range rows {
		score := Score(row.SymSim, row.NameSim, exchangeMatches(c.Exchange, row.Exchange))
		if score > bestScore {
			bestScore = score
			bestPrimary = row.PrimaryID
		}
	}
	if bestScore < AutoThreshold {
		return MatchResult{}, false, nil
	}
	return MatchResult{
		AssetID:    c.ID,
		PrimaryID:  bestPrimary,
		Confidence: bestScore,
		MatchType:  MatchFuzzySymbol,
	}, true, nil
}

// Score combines symbol similarity, exchange agreement and name similarity
// into the fuzzy confidence.
func Score(symSim, nameSim float64, exchangeMatch bool) float64 {
	var score float64
	switch {
	case symSim > 0.8:
		score = 80.0
	case symSim > 0.6:
		score = 60.0
	default:
		score = symSim * SymBoost
	}
	if exchangeMatch {
		score += ExchangeBoost
	}
	score += nameSim * NameBoost
	return score
}

func exchangeMatches(a, b *string) bool {
	return a != nil && b != nil && *a != "" && strings.EqualFold(*a, *b)
}

// Apply writes matches onto assets inside the given transaction. Each update
// runs under a savepoint so a constraint rejection does not poison the
// transaction. Updates are conditional on the asset still being unidentified.
func (m *Matcher) Apply(ctx context.Context, tx *sqlx.Tx, matches []MatchResult) (Outcomes, error) {
	var out Outcomes
	// Deterministic apply order keeps constraint winners stable across runs.
	sorted := make([]MatchResult, len(matches))
	copy(sorted, matches)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].AssetID < sorted[j].AssetID })

	for i, match := range sorted {
		name := fmt.Sprintf("identity_%d", i)
		var affected int64
		err := db.WithSavepoint(ctx, tx, name, func() error {
			res, execErr := tx.ExecContext(ctx, `
				UPDATE assets
				SET primary_id = $1, primary_id_source = 'matcher',
					identity_conf = $2, identity_match_type = $3, identity_updated_at = $4
				WHERE id = $5 AND primary_id IS NULL`,
				match.PrimaryID, match.Confidence, match.MatchType, time.Now().UTC(), match.AssetID)
			if execErr != nil {
				return execErr
			}
			affected, _ = res.RowsAffected()
			return nil
		})

		switch {
		case err == nil && affected == 0:
			out.Skipped++
			m.observe("skipped")
		case err == nil:
			out.Applied++
			m.observe("applied")
		case errs.IsUniqueViolation(err, providerPrimaryIDC):
			// Another asset of this provider already claimed the identity.
			out.ConstraintRejected++
			m.observe("constraint_rejected")
			m.log.Info().Int64("asset_id", match.AssetID).Str("primary_id", match.PrimaryID).
				Msg("Identity already claimed for provider, match rejected")
		case errs.IsUniqueViolation(err, ""):
			out.Failed++
			m.observe("failed")
			m.log.Warn().Int64("asset_id", match.AssetID).Str("constraint", errs.ConstraintName(err)).
				Err(err).Msg("Identity update hit unexpected constraint")
		default:
			return out, fmt.Errorf("failed to apply identity match for asset %d: %w", match.AssetID, err)
		}
	}
	return out, nil
}

func (m *Matcher) observe(outcome string) {
	m.metrics.MatchOutcomes.WithLabelValues(outcome).Inc()
}
