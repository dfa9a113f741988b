// Package index maintains index constituent membership with SCD-Type-2
// history.
package index

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/markethub/internal/metrics"
)

// Diff modes.
const (
	ModeInPlace  = "in_place"
	ModeSCDType2 = "scd_type_2"
)

// WeightTolerance bounds float noise when comparing constituent weights.
const WeightTolerance = 1e-9

// DiffResult counts membership changes for one sync.
type DiffResult struct {
	Added          int `json:"added"`
	Removed        int `json:"removed"`
	Unchanged      int `json:"unchanged"`
	WeightsUpdated int `json:"weights_updated"`
}

// Engine applies a constituent snapshot against the stored memberships.
type Engine struct {
	metrics *metrics.Registry
	log     zerolog.Logger
}

// NewEngine wires the diff engine.
func NewEngine(m *metrics.Registry) *Engine {
	return &Engine{metrics: m, log: log.With().Str("component", "index_diff").Logger()}
}

type memberRow struct {
	ID     int64    `db:"id"`
	Symbol string   `db:"asset_symbol"`
	Weight *float64 `db:"weight"`
}

// Sync diffs the incoming weights against active memberships inside the
// caller's transaction. to_add rows open, to_remove rows close, and weight
// changes follow the mode: updated in place, or closed and re-opened for full
// history.
func (e *Engine) Sync(ctx context.Context, tx *sqlx.Tx, indexName, indexType string, weights map[string]*float64, mode, source string) (DiffResult, error) {
	var result DiffResult
	now := time.Now().UTC()

	var current []memberRow
	err := tx.SelectContext(ctx, &current, `
		SELECT id, asset_symbol, weight FROM index_memberships
		WHERE index_class_name = $1 AND index_class_type = $2 AND valid_to IS NULL`,
		indexName, indexType)
	if err != nil {
		return result, fmt.Errorf("failed to load active memberships: %w", err)
	}

	currentBySymbol := make(map[string]memberRow, len(current))
	for _, row := range current {
		currentBySymbol[row.Symbol] = row
	}

	var toAdd, toRemove []string
	for symbol := range weights {
		if _, ok := currentBySymbol[symbol]; !ok {
			toAdd = append(toAdd, symbol)
		}
	}
	for symbol := range currentBySymbol {
		if _, ok := weights[symbol]; !ok {
			toRemove = append(toRemove, symbol)
		}
	}
	sort.Strings(toAdd)
	sort.Strings(toRemove)

	if len(toRemove) > 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE index_memberships SET valid_to = $1
			WHERE index_class_name = $2 AND index_class_type = $3
			  AND asset_symbol = ANY($4) AND valid_to IS NULL`,
			now, indexName, indexType, pq.StringArray(toRemove)); err != nil {
			return result, fmt.Errorf("failed to close removed memberships: %w", err)
		}
		result.Removed += len(toRemove)
	}

	for _, symbol := range toAdd {
		if err := e.insertMember(ctx, tx, indexName, indexType, symbol, weights[symbol], source, now); err != nil {
			return result, err
		}
		result.Added++
	}

	for _, row := range current {
		incoming, ok := weights[row.Symbol]
		if !ok {
			continue
		}
		if WeightsEqual(row.Weight, incoming) {
			result.Unchanged++
			continue
		}
		result.WeightsUpdated++

		switch mode {
		case ModeInPlace:
			if _, err := tx.ExecContext(ctx,
				`UPDATE index_memberships SET weight = $1 WHERE id = $2`,
				incoming, row.ID); err != nil {
				return result, fmt.Errorf("failed to update weight for %s: %w", row.Symbol, err)
			}
		case ModeSCDType2:
			if _, err := tx.ExecContext(ctx,
				`UPDATE index_memberships SET valid_to = $1 WHERE id = $2`,
				now, row.ID); err != nil {
				return result, fmt.Errorf("failed to close changed membership %s: %w", row.Symbol, err)
			}
			if err := e.insertMember(ctx, tx, indexName, indexType, row.Symbol, incoming, source, now); err != nil {
				return result, err
			}
			result.Removed++
			result.Added++
		default:
			return result, fmt.Errorf("unknown membership diff mode %q", mode)
		}
	}

	e.observe(result)
	e.log.Info().Str("index", indexName).Str("mode", mode).
		Int("added", result.Added).Int("removed", result.Removed).
		Int("unchanged", result.Unchanged).Int("weights_updated", result.WeightsUpdated).
		Msg("Index membership sync completed")
	return result, nil
}

func (e *Engine) insertMember(ctx context.Context, tx *sqlx.Tx, indexName, indexType, symbol string, weight *float64, source string, from time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO index_memberships
			(index_class_name, index_class_type, asset_symbol, weight, source, valid_from)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		indexName, indexType, symbol, weight, source, from)
	if err != nil {
		return fmt.Errorf("failed to insert membership for %s: %w", symbol, err)
	}
	return nil
}

func (e *Engine) observe(r DiffResult) {
	e.metrics.MembershipChanges.WithLabelValues("added").Add(float64(r.Added))
	e.metrics.MembershipChanges.WithLabelValues("removed").Add(float64(r.Removed))
	e.metrics.MembershipChanges.WithLabelValues("weights_updated").Add(float64(r.WeightsUpdated))
}

// WeightsEqual compares two optional weights: both null is equal, one null is
// not, and numeric values match within tolerance.
func WeightsEqual(a, b *float64) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return math.Abs(*a-*b) < WeightTolerance
}
