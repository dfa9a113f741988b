package mapping

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/markethub/internal/errs"
)

// Suggestion scoring weights. All terms are additive.
const (
	weightPrimaryID  = 70
	weightExternalID = 50
	weightSymNorm    = 30
	weightCurrencies = 10
	weightExchange   = 5

	symSimilarityBoost  = 15
	nameSimilarityBoost = 10

	DefaultMinScore = 30.0
	DefaultLimit    = 50
	MaxLimit        = 200
)

// SuggestParams selects and pages the suggestion query.
type SuggestParams struct {
	SourceClassName string
	SourceClassType string
	TargetClassName string
	TargetClassType string
	Search          string
	MinScore        float64
	Limit           int
	Cursor          string
	IncludeTotal    bool
}

// Suggestion is one scored source/target pair.
type Suggestion struct {
	SourceSymbol         string  `json:"source_symbol"`
	TargetSymbol         string  `json:"target_symbol"`
	TargetCommonSymbol   *string `json:"target_common_symbol,omitempty"`
	ProposedCommonSymbol string  `json:"proposed_common_symbol"`
	Score                float64 `json:"score"`
}

// SuggestionsResponse is the paged result.
type SuggestionsResponse struct {
	Items      []Suggestion `json:"items"`
	HasMore    bool         `json:"has_more"`
	NextCursor string       `json:"next_cursor,omitempty"`
	Total      *int         `json:"total,omitempty"`
}

// Suggester serves read-only mapping suggestions.
type Suggester struct {
	db  *sqlx.DB
	log zerolog.Logger
}

// NewSuggester wires the suggester.
func NewSuggester(database *sqlx.DB) *Suggester {
	return &Suggester{db: database, log: log.With().Str("component", "suggester").Logger()}
}

type suggestionRow struct {
	SourceSymbol      string  `db:"source_symbol"`
	SourceNormRoot    *string `db:"source_norm_root"`
	TargetSymbol      string  `db:"target_symbol"`
	TargetCommon      *string `db:"target_common"`
	Score             float64 `db:"score"`
}

// Suggest runs the scored pairing query with cursor pagination. When the
// engine lacks the similarity function, the query retries once without the
// similarity terms.
func (s *Suggester) Suggest(ctx context.Context, p SuggestParams) (*SuggestionsResponse, error) {
	if p.MinScore <= 0 {
		p.MinScore = DefaultMinScore
	}
	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}

	var after *cursorKey
	if p.Cursor != "" {
		key, err := decodeCursor(p.Cursor)
		if err != nil {
			return nil, err
		}
		after = &key
	}

	rows, err := s.queryPairs(ctx, p, after, true)
	if isMissingSimilarity(err) {
		s.log.Warn().Msg("similarity() unavailable, retrying suggestions without trigram terms")
		rows, err = s.queryPairs(ctx, p, after, false)
	}
	if err != nil {
		return nil, fmt.Errorf("suggestion query failed: %w", err)
	}

	resp := &SuggestionsResponse{Items: make([]Suggestion, 0, p.Limit)}
	if len(rows) > p.Limit {
		resp.HasMore = true
		rows = rows[:p.Limit]
	}
	for _, row := range rows {
		resp.Items = append(resp.Items, toSuggestion(row))
	}
	if resp.HasMore && len(rows) > 0 {
		last := rows[len(rows)-1]
		resp.NextCursor = encodeCursor(cursorKey{last.Score, last.SourceSymbol, last.TargetSymbol})
	}

	if p.IncludeTotal {
		total, err := s.countPairs(ctx, p)
		if err != nil {
			return nil, err
		}
		resp.Total = &total
	}
	return resp, nil
}

// toSuggestion uppercases the proposal for unmapped targets; mapped targets
// keep their common symbol's casing.
func toSuggestion(row suggestionRow) Suggestion {
	item := Suggestion{
		SourceSymbol:       row.SourceSymbol,
		TargetSymbol:       row.TargetSymbol,
		TargetCommonSymbol: row.TargetCommon,
		Score:              row.Score,
	}
	if row.TargetCommon != nil && *row.TargetCommon != "" {
		item.ProposedCommonSymbol = *row.TargetCommon
		return item
	}
	proposed := row.SourceSymbol
	if row.SourceNormRoot != nil && *row.SourceNormRoot != "" {
		proposed = *row.SourceNormRoot
	}
	item.ProposedCommonSymbol = strings.ToUpper(proposed)
	return item
}

func (s *Suggester) queryPairs(ctx context.Context, p SuggestParams, after *cursorKey, withSimilarity bool) ([]suggestionRow, error) {
	query, args := buildSuggestQuery(p, after, withSimilarity, false)
	var rows []suggestionRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Suggester) countPairs(ctx context.Context, p SuggestParams) (int, error) {
	query, args := buildSuggestQuery(p, nil, true, true)
	var total int
	err := s.db.GetContext(ctx, &total, query, args...)
	if isMissingSimilarity(err) {
		query, args = buildSuggestQuery(p, nil, false, true)
		err = s.db.GetContext(ctx, &total, query, args...)
	}
	if err != nil {
		return 0, fmt.Errorf("suggestion count failed: %w", err)
	}
	return total, nil
}

// buildSuggestQuery assembles the UNION ALL query. Each branch joins on one
// indexed column so the planner never falls back to an OR'd scan; DISTINCT ON
// keeps the highest-scoring branch per pair.
func buildSuggestQuery(p SuggestParams, after *cursorKey, withSimilarity, countOnly bool) (string, []interface{}) {
	args := []interface{}{
		p.SourceClassName, p.SourceClassType, // $1 $2
		p.TargetClassName, p.TargetClassType, // $3 $4
	}

	searchClause := ""
	if p.Search != "" {
		args = append(args, "%"+p.Search+"%")
		searchClause = fmt.Sprintf(" AND (a.symbol ILIKE $%d OR a.name ILIKE $%d)", len(args), len(args))
	}

	symSim := "0"
	nameSim := "0"
	if withSimilarity {
		symSim = "similarity(COALESCE(s.sym_norm_root, ''), COALESCE(t.sym_norm_root, ''))"
		nameSim = "similarity(COALESCE(s.name, ''), COALESCE(t.name, ''))"
	}

	score := fmt.Sprintf(`(
		CASE WHEN s.primary_id IS NOT NULL AND s.primary_id = t.primary_id THEN %d ELSE 0 END
		+ CASE WHEN s.external_id IS NOT NULL AND s.external_id = t.external_id THEN %d ELSE 0 END
		+ CASE WHEN s.sym_norm_root = t.sym_norm_root OR s.sym_norm_full = t.sym_norm_full THEN %d ELSE 0 END
		+ CASE WHEN s.base_currency IS NOT NULL AND s.base_currency = t.base_currency
			AND s.quote_currency IS NOT NULL AND s.quote_currency = t.quote_currency THEN %d ELSE 0 END
		+ CASE WHEN s.exchange IS NOT NULL AND s.exchange = t.exchange THEN %d ELSE 0 END
		+ %s * %d
		+ %s * %d
	)`, weightPrimaryID, weightExternalID, weightSymNorm, weightCurrencies, weightExchange,
		symSim, symSimilarityBoost, nameSim, nameSimilarityBoost)

	branch := func(cond string) string {
		return fmt.Sprintf(`SELECT s.symbol AS source_symbol, s.sym_norm_root AS source_norm_root,
			t.symbol AS target_symbol, t.common_symbol AS target_common,
			%s::double precision AS score
		FROM src s JOIN tgt t ON %s
			AND (s.asset_class = t.asset_class OR (s.asset_class IS NULL AND t.asset_class IS NULL))`,
			score, cond)
	}

	branches := strings.Join([]string{
		branch("s.primary_id IS NOT NULL AND t.primary_id IS NOT NULL AND s.primary_id = t.primary_id"),
		branch("s.external_id IS NOT NULL AND t.external_id IS NOT NULL AND s.external_id = t.external_id"),
		branch("s.sym_norm_root IS NOT NULL AND s.sym_norm_root = t.sym_norm_root"),
		branch("s.sym_norm_full IS NOT NULL AND s.sym_norm_full = t.sym_norm_full AND s.sym_norm_full <> s.sym_norm_root"),
	}, "\n\t\tUNION ALL\n\t\t")

	args = append(args, p.MinScore)
	minScoreArg := len(args)

	cursorClause := ""
	if after != nil {
		args = append(args, after.Score, after.SourceSymbol, after.TargetSymbol)
		n := len(args)
		cursorClause = fmt.Sprintf(` AND (score < $%d OR (score = $%d AND (source_symbol > $%d
			OR (source_symbol = $%d AND target_symbol > $%d))))`,
			n-2, n-2, n-1, n-1, n)
	}

	tail := ""
	if countOnly {
		tail = fmt.Sprintf(`SELECT COUNT(*) FROM dedup WHERE score >= $%d`, minScoreArg)
	} else {
		args = append(args, p.Limit+1)
		tail = fmt.Sprintf(`SELECT source_symbol, source_norm_root, target_symbol, target_common, score
		FROM dedup
		WHERE score >= $%d%s
		ORDER BY score DESC, source_symbol ASC, target_symbol ASC
		LIMIT $%d`, minScoreArg, cursorClause, len(args))
	}

	query := fmt.Sprintf(`WITH src AS (
		SELECT a.* FROM assets a
		WHERE a.class_name = $1 AND a.class_type = $2%s
		  AND NOT EXISTS (
			SELECT 1 FROM asset_mapping m
			WHERE m.class_name = a.class_name AND m.class_type = a.class_type
			  AND m.class_symbol = a.symbol AND m.is_active)
	), tgt AS (
		SELECT a.*, m.common_symbol FROM assets a
		LEFT JOIN asset_mapping m ON m.class_name = a.class_name
			AND m.class_type = a.class_type AND m.class_symbol = a.symbol AND m.is_active
		WHERE a.class_name = $3 AND a.class_type = $4
	), pairs AS (
		%s
	), dedup AS (
		SELECT DISTINCT ON (source_symbol, target_symbol) *
		FROM pairs
		ORDER BY source_symbol, target_symbol, score DESC
	)
	%s`, searchClause, branches, tail)

	return query, args
}

func isMissingSimilarity(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "42883" { // undefined_function
		return true
	}
	return strings.Contains(err.Error(), "similarity")
}

type cursorKey struct {
	Score        float64
	SourceSymbol string
	TargetSymbol string
}

// encodeCursor packs (score, source, target) as URL-safe base64 of a JSON
// array.
func encodeCursor(key cursorKey) string {
	payload, _ := json.Marshal([]interface{}{key.Score, key.SourceSymbol, key.TargetSymbol})
	return base64.URLEncoding.EncodeToString(payload)
}

func decodeCursor(raw string) (cursorKey, error) {
	payload, err := base64.URLEncoding.DecodeString(raw)
	if err != nil {
		return cursorKey{}, errs.Validation("malformed cursor: %v", err)
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(payload, &parts); err != nil || len(parts) != 3 {
		return cursorKey{}, errs.Validation("malformed cursor payload")
	}
	var key cursorKey
	if err := json.Unmarshal(parts[0], &key.Score); err != nil {
		return cursorKey{}, errs.Validation("malformed cursor score")
	}
	if err := json.Unmarshal(parts[1], &key.SourceSymbol); err != nil {
		return cursorKey{}, errs.Validation("malformed cursor source symbol")
	}
	if err := json.Unmarshal(parts[2], &key.TargetSymbol); err != nil {
		return cursorKey{}, errs.Validation("malformed cursor target symbol")
	}
	return key, nil
}
