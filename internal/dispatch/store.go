// Package dispatch drives scheduled data pulls: gap-aware request building,
// calendar gating, provider streaming, and batched ingestion into the
// time-series tables.
package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/markethub/internal/errs"
	"github.com/quantfold/markethub/internal/metrics"
	"github.com/quantfold/markethub/internal/models"
)

// Bar tables by provider type.
const (
	TableHistorical = "historical_data"
	TableLive       = "live_data"
)

// BatchSize is the flush threshold for streamed bars.
const BatchSize = 500

// BarStore writes bar batches and tracks per-symbol pull state.
type BarStore struct {
	db      *sqlx.DB
	metrics *metrics.Registry
	cache   *BarCache
}

// NewBarStore creates a bar store. cache may be nil.
func NewBarStore(db *sqlx.DB, m *metrics.Registry, cache *BarCache) *BarStore {
	return &BarStore{db: db, metrics: m, cache: cache}
}

// Flush writes one batch. It first attempts a fast bulk copy; a unique
// violation aborts that transaction, so the fallback acquires a fresh
// connection and re-inserts with ON CONFLICT DO NOTHING. Any other DB error
// is re-raised to the caller.
func (s *BarStore) Flush(ctx context.Context, table, provider, interval string, bars []models.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	err := s.bulkCopy(ctx, table, provider, interval, bars)
	if err == nil {
		s.observeFlush(ctx, table, provider, interval, bars)
		return nil
	}
	if !errs.IsUniqueViolation(err, "") {
		return fmt.Errorf("failed to flush %d bars to %s: %w", len(bars), table, err)
	}

	log.Info().Str("provider", provider).Str("table", table).Int("bars", len(bars)).
		Msg("Bulk copy hit duplicates, retrying with conflict fallback")
	s.metrics.FlushConflicts.WithLabelValues(provider).Inc()

	if err := s.insertIgnoreConflicts(ctx, table, provider, interval, bars); err != nil {
		return fmt.Errorf("conflict fallback failed for %s: %w", table, err)
	}
	s.observeFlush(ctx, table, provider, interval, bars)
	return nil
}

func (s *BarStore) observeFlush(ctx context.Context, table, provider, interval string, bars []models.Bar) {
	s.metrics.BarsIngested.WithLabelValues(provider, table).Add(float64(len(bars)))
	s.cache.StoreLatest(ctx, provider, interval, bars)
}

// bulkCopy streams the batch through COPY inside one transaction.
func (s *BarStore) bulkCopy(ctx context.Context, table, provider, interval string, bars []models.Bar) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(table,
		"ts", "sym", "provider", "source", "interval", "o", "h", "l", "c", "v"))
	if err != nil {
		return fmt.Errorf("failed to prepare copy: %w", err)
	}

	for _, bar := range bars {
		if _, err := stmt.ExecContext(ctx,
			bar.Timestamp, bar.Symbol, provider, "provider", interval,
			bar.Open, bar.High, bar.Low, bar.Close, bar.Volume); err != nil {
			stmt.Close()
			return err
		}
	}
	// The final Exec drains the copy buffer; unique violations surface here.
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return err
	}
	if err := stmt.Close(); err != nil {
		return err
	}
	return tx.Commit()
}

// insertIgnoreConflicts re-inserts the batch row by row on a fresh
// connection, skipping duplicates.
func (s *BarStore) insertIgnoreConflicts(ctx context.Context, table, provider, interval string, bars []models.Bar) error {
	conn, err := s.db.Connx(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire fresh connection: %w", err)
	}
	defer conn.Close()

	query := `INSERT INTO ` + table + ` (ts, sym, provider, source, interval, o, h, l, c, v)
		VALUES ($1, $2, $3, 'provider', $4, $5, $6, $7, $8, $9)
		ON CONFLICT (ts, sym, interval, provider) DO NOTHING`

	for _, bar := range bars {
		if _, err := conn.ExecContext(ctx, query,
			bar.Timestamp, bar.Symbol, provider, interval,
			bar.Open, bar.High, bar.Low, bar.Close, bar.Volume); err != nil {
			return err
		}
	}
	return nil
}

// LastUpdated returns the last pulled date for (provider, symbol), or ok
// false for a new subscription.
func (s *BarStore) LastUpdated(ctx context.Context, provider, symbol string) (time.Time, bool, error) {
	var last time.Time
	err := s.db.GetContext(ctx, &last,
		`SELECT last_updated FROM historical_symbol_state WHERE provider = $1 AND symbol = $2`,
		provider, symbol)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query symbol state: %w", err)
	}
	return last, true, nil
}

// SetLastUpdated records the end of a completed pull window.
func (s *BarStore) SetLastUpdated(ctx context.Context, provider, symbol string, date time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO historical_symbol_state (provider, symbol, last_updated)
		VALUES ($1, $2, $3)
		ON CONFLICT (provider, symbol) DO UPDATE SET last_updated = EXCLUDED.last_updated`,
		provider, symbol, date)
	if err != nil {
		return fmt.Errorf("failed to update symbol state: %w", err)
	}
	return nil
}
