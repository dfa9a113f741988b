// Package reconcile keeps the scheduler in step with the subscription table
// and the registered index providers.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/markethub/internal/dispatch"
	"github.com/quantfold/markethub/internal/metrics"
	"github.com/quantfold/markethub/internal/models"
	"github.com/quantfold/markethub/internal/provider"
	"github.com/quantfold/markethub/internal/scheduler"
)

// DefaultInterval is how often the reconciler re-reads subscriptions.
const DefaultInterval = 30 * time.Second

// SubscriptionStore reads the grouped subscription view.
type SubscriptionStore struct {
	db *sqlx.DB
}

// NewSubscriptionStore wraps the shared pool.
func NewSubscriptionStore(db *sqlx.DB) *SubscriptionStore {
	return &SubscriptionStore{db: db}
}

// Grouped returns one row per (provider, interval, cron) with symbols and
// exchanges aligned by position. Symbols whose exchange cannot be resolved
// through the provider's assets are dropped.
func (s *SubscriptionStore) Grouped(ctx context.Context) ([]models.SubscriptionGroup, error) {
	var groups []models.SubscriptionGroup
	err := s.db.SelectContext(ctx, &groups, `
		SELECT ps.provider, ps.interval, ps.cron,
			array_agg(ps.symbol ORDER BY ps.symbol) AS symbols,
			array_agg(x.exchange ORDER BY ps.symbol) AS exchanges
		FROM provider_subscription ps
		JOIN LATERAL (
			SELECT a.exchange FROM assets a
			WHERE a.class_name = ps.provider AND a.symbol = ps.symbol
			  AND a.exchange IS NOT NULL
			LIMIT 1
		) x ON TRUE
		GROUP BY ps.provider, ps.interval, ps.cron
		ORDER BY ps.provider, ps.interval, ps.cron`)
	if err != nil {
		return nil, fmt.Errorf("failed to read grouped subscriptions: %w", err)
	}
	return groups, nil
}

// Reconciler converges the scheduler onto the subscription table.
type Reconciler struct {
	subs       *SubscriptionStore
	providers  *provider.Registry
	sched      *scheduler.Scheduler
	dispatcher *dispatch.Dispatcher
	metrics    *metrics.Registry
	interval   time.Duration
	log        zerolog.Logger

	mu      sync.Mutex
	tracked map[string]models.SubscriptionGroup
}

// NewReconciler wires the reconciler.
func NewReconciler(subs *SubscriptionStore, providers *provider.Registry, sched *scheduler.Scheduler,
	dispatcher *dispatch.Dispatcher, m *metrics.Registry, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reconciler{
		subs:       subs,
		providers:  providers,
		sched:      sched,
		dispatcher: dispatcher,
		metrics:    m,
		interval:   interval,
		log:        log.With().Str("component", "reconciler").Logger(),
		tracked:    make(map[string]models.SubscriptionGroup),
	}
}

// Run reconciles immediately, then on every tick until the context ends.
func (r *Reconciler) Run(ctx context.Context) {
	if err := r.Reconcile(ctx); err != nil {
		r.log.Error().Err(err).Msg("Reconcile cycle failed")
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Reconcile(ctx); err != nil {
				r.log.Error().Err(err).Msg("Reconcile cycle failed")
			}
		}
	}
}

// Reconcile performs one convergence pass.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	groups, err := r.subs.Grouped(ctx)
	if err != nil {
		return err
	}

	seen := make(map[string]bool)
	invalid := make(map[string]bool)
	for _, g := range groups {
		if seen[g.Provider] || invalid[g.Provider] {
			continue
		}
		if _, err := r.providers.Load(ctx, g.Provider); err != nil {
			invalid[g.Provider] = true
			continue
		}
		seen[g.Provider] = true
	}

	for _, name := range r.providers.LoadedNames() {
		if !seen[name] {
			r.providers.Drop(name)
		}
	}

	next := make(map[string]models.SubscriptionGroup, len(groups))
	r.mu.Lock()
	previous := r.tracked
	r.mu.Unlock()

	for _, g := range groups {
		if invalid[g.Provider] {
			continue
		}
		inst, ok := r.providers.Get(g.Provider)
		if !ok || inst.Type() == provider.TypeIndex {
			continue
		}

		key := g.JobKey()
		next[key] = g
		args := scheduler.Args{Symbols: g.Symbols, Exchanges: g.Exchanges}

		old, known := previous[key]
		if !known {
			if err := r.sched.Add(key, g.Cron, r.offsetFor(inst), r.jobFor(g.Provider, g.Interval)); err != nil {
				r.log.Warn().Str("job", key).Err(err).Msg("Failed to schedule subscription job")
				delete(next, key)
				continue
			}
			if err := r.sched.SetArgs(key, args); err != nil {
				r.log.Warn().Str("job", key).Err(err).Msg("Failed to set job args")
			}
			if inst.Type() == provider.TypeHistorical && inst.Preferences.ImmediatePull() {
				r.pullAsync(g.Provider, g.Interval, g.Symbols, g.Exchanges)
			}
			continue
		}

		if inst.Type() == provider.TypeHistorical && inst.Preferences.ImmediatePull() {
			symbols, exchanges := addedSymbols(old, g)
			if len(symbols) > 0 {
				r.pullAsync(g.Provider, g.Interval, symbols, exchanges)
			}
		}
		if err := r.sched.Modify(key, args); err != nil {
			r.log.Warn().Str("job", key).Err(err).Msg("Failed to update job args")
		}
	}

	for key := range previous {
		if _, ok := next[key]; !ok {
			r.sched.Remove(key)
		}
	}

	r.mu.Lock()
	r.tracked = next
	r.mu.Unlock()

	r.metrics.ReconcileCycles.Inc()
	r.log.Debug().Int("jobs", len(next)).Int("invalid_providers", len(invalid)).
		Msg("Reconcile cycle completed")
	return nil
}

// offsetFor derives the signed trigger offset: historical pulls wait out the
// provider's publication delay, live pulls start before interval close.
func (r *Reconciler) offsetFor(inst *provider.Instance) time.Duration {
	switch inst.Type() {
	case provider.TypeRealtime:
		return -time.Duration(inst.Preferences.PreCloseSeconds()) * time.Second
	default:
		return time.Duration(inst.Preferences.DelayHours()) * time.Hour
	}
}

func (r *Reconciler) jobFor(providerName, interval string) scheduler.JobFunc {
	return func(ctx context.Context, args scheduler.Args) {
		if err := r.dispatcher.Dispatch(ctx, providerName, interval, args.Symbols, args.Exchanges); err != nil {
			r.log.Error().Str("provider", providerName).Str("interval", interval).Err(err).
				Msg("Dispatch failed")
		}
	}
}

// pullAsync fires one dispatch without awaiting it, for new subscriptions and
// newly added symbols.
func (r *Reconciler) pullAsync(providerName, interval string, symbols, exchanges []string) {
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.metrics.JobPanics.Inc()
				r.log.Error().Str("provider", providerName).Interface("panic", rec).
					Msg("Immediate pull panicked")
			}
		}()
		if err := r.dispatcher.Dispatch(context.Background(), providerName, interval, symbols, exchanges); err != nil {
			r.log.Error().Str("provider", providerName).Err(err).Msg("Immediate pull failed")
		}
	}()
}

// addedSymbols diffs a group's symbol list against the previously tracked
// one, keeping exchanges aligned.
func addedSymbols(old, cur models.SubscriptionGroup) ([]string, []string) {
	existing := make(map[string]bool, len(old.Symbols))
	for _, s := range old.Symbols {
		existing[s] = true
	}
	var symbols, exchanges []string
	for i, s := range cur.Symbols {
		if existing[s] {
			continue
		}
		symbols = append(symbols, s)
		if i < len(cur.Exchanges) {
			exchanges = append(exchanges, cur.Exchanges[i])
		} else {
			exchanges = append(exchanges, "")
		}
	}
	return symbols, exchanges
}
