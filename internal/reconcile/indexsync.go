package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/markethub/internal/models"
	"github.com/quantfold/markethub/internal/provider"
	"github.com/quantfold/markethub/internal/scheduler"
)

const indexJobPrefix = "indexsync|"

// IndexStore reads index provider registrations and sync frequencies.
type IndexStore interface {
	ListBySubtype(ctx context.Context, subtype string) ([]models.CodeRegistryRow, error)
	AcceptedIntervalCron(ctx context.Context, interval string) (string, error)
}

// IndexSyncReconciler schedules one sync job per registered index provider.
// The job body fetches constituents and posts them to the Registry.
type IndexSyncReconciler struct {
	store       IndexStore
	providers   *provider.Registry
	sched       *scheduler.Scheduler
	registryURL string
	http        *http.Client
	log         zerolog.Logger

	tracked map[string]bool
}

// NewIndexSyncReconciler wires the index-sync reconciler. registryURL has no
// trailing slash.
func NewIndexSyncReconciler(store IndexStore, providers *provider.Registry, sched *scheduler.Scheduler, registryURL string) *IndexSyncReconciler {
	return &IndexSyncReconciler{
		store:       store,
		providers:   providers,
		sched:       sched,
		registryURL: registryURL,
		http:        &http.Client{Timeout: 5 * time.Minute},
		log:         log.With().Str("component", "indexsync_reconciler").Logger(),
		tracked:     make(map[string]bool),
	}
}

// Reconcile converges the scheduled index-sync jobs onto the registered index
// providers.
func (r *IndexSyncReconciler) Reconcile(ctx context.Context) error {
	rows, err := r.store.ListBySubtype(ctx, models.SubtypeIndexProvider)
	if err != nil {
		return err
	}

	next := make(map[string]bool, len(rows))
	for _, row := range rows {
		prefs, err := provider.ParsePreferences(row.Preferences)
		if err != nil {
			r.log.Warn().Str("provider", row.ClassName).Err(err).Msg("Unreadable preferences, sync not scheduled")
			continue
		}
		freq := prefs.SyncFrequency()
		cronSpec, err := r.store.AcceptedIntervalCron(ctx, freq)
		if err != nil {
			return err
		}
		if cronSpec == "" {
			r.log.Warn().Str("provider", row.ClassName).Str("sync_frequency", freq).
				Msg("No accepted interval for sync frequency, sync not scheduled")
			continue
		}

		key := indexJobPrefix + row.ClassName
		name := row.ClassName
		if !r.tracked[key] {
			err := r.sched.Add(key, cronSpec, 0, func(ctx context.Context, _ scheduler.Args) {
				if err := r.Sync(ctx, name); err != nil {
					r.log.Error().Str("provider", name).Err(err).Msg("Index sync failed")
				}
			})
			if err != nil {
				r.log.Warn().Str("job", key).Err(err).Msg("Failed to schedule index sync")
				continue
			}
		}
		next[key] = true
	}

	for key := range r.tracked {
		if !next[key] {
			r.sched.Remove(key)
		}
	}
	r.tracked = next
	return nil
}

// Sync pulls one index's constituents and posts the snapshot to the Registry.
// A non-200 response fails the job.
func (r *IndexSyncReconciler) Sync(ctx context.Context, providerName string) error {
	inst, err := r.providers.Load(ctx, providerName)
	if err != nil {
		return fmt.Errorf("index provider %s unavailable: %w", providerName, err)
	}
	idx, ok := inst.Impl.(provider.Index)
	if !ok {
		return fmt.Errorf("provider %s does not serve constituents", providerName)
	}

	inst.MarkInUse(true)
	defer inst.MarkInUse(false)

	constituents, err := idx.FetchConstituents(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to fetch constituents from %s: %w", providerName, err)
	}

	payload, err := json.Marshal(map[string]interface{}{"constituents": constituents})
	if err != nil {
		return fmt.Errorf("failed to encode constituents: %w", err)
	}

	endpoint := r.registryURL + "/api/registry/indices/" + url.PathEscape(providerName) + "/sync"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build sync request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("registry sync call failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("registry sync returned %d: %s", resp.StatusCode, string(body))
	}

	r.log.Info().Str("provider", providerName).Int("constituents", len(constituents)).
		Msg("Index sync posted")
	return nil
}
