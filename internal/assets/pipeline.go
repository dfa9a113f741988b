// Package assets orchestrates a provider's full refresh: discovery through
// DataHub, asset upserts, identity matching, automated mapping and, for index
// providers, membership sync.
package assets

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/markethub/internal/datahub"
	"github.com/quantfold/markethub/internal/db"
	"github.com/quantfold/markethub/internal/errs"
	"github.com/quantfold/markethub/internal/identity"
	"github.com/quantfold/markethub/internal/index"
	"github.com/quantfold/markethub/internal/mapping"
	"github.com/quantfold/markethub/internal/models"
)

// Pipeline statuses.
const (
	StatusOK        = "ok"
	StatusNoContent = "no-content"
	StatusUpstream  = "upstream-error"
)

// SubtypeStore resolves a registered class to its registry row.
type SubtypeStore interface {
	GetByClassName(ctx context.Context, className string) (*models.CodeRegistryRow, error)
	GetByClass(ctx context.Context, className, classType string) (*models.CodeRegistryRow, error)
	ListBySubtype(ctx context.Context, subtype string) ([]models.CodeRegistryRow, error)
}

// UpdateAssetsResponse summarizes every counter of one provider refresh. The
// counters are always populated, even when the run failed upstream.
type UpdateAssetsResponse struct {
	Provider      string             `json:"provider"`
	ClassType     string             `json:"class_type"`
	Status        string             `json:"status"`
	Discovered    int                `json:"discovered"`
	Inserted      int                `json:"inserted"`
	Updated       int                `json:"updated"`
	FailedSymbols int                `json:"failed_symbols"`
	Identity      identity.Outcomes  `json:"identity"`
	Mapping       mapping.ApplyResult `json:"mapping"`
	Membership    *index.DiffResult  `json:"membership,omitempty"`
	Error         string             `json:"error,omitempty"`
}

// Pipeline runs provider refreshes.
type Pipeline struct {
	db       *sqlx.DB
	source   datahub.SymbolSource
	registry SubtypeStore
	matcher  *identity.Matcher
	mapper   *mapping.Mapper
	index    *index.Engine
	log      zerolog.Logger
}

// NewPipeline wires the pipeline.
func NewPipeline(database *sqlx.DB, source datahub.SymbolSource, registry SubtypeStore,
	matcher *identity.Matcher, mapper *mapping.Mapper, indexEngine *index.Engine) *Pipeline {
	return &Pipeline{
		db:       database,
		source:   source,
		registry: registry,
		matcher:  matcher,
		mapper:   mapper,
		index:    indexEngine,
		log:      log.With().Str("component", "asset_pipeline").Logger(),
	}
}

// UpdateProvider refreshes one provider. The response always carries the
// counters accumulated so far; the error reports why the run stopped early.
func (p *Pipeline) UpdateProvider(ctx context.Context, className, classType string) (*UpdateAssetsResponse, error) {
	resp := &UpdateAssetsResponse{Provider: className, ClassType: classType, Status: StatusOK}

	row, err := p.registry.GetByClass(ctx, className, classType)
	if err != nil {
		return resp, err
	}
	if row == nil {
		return resp, errs.NotFound("class %s/%s is not registered", className, classType)
	}
	isIndex := row.ClassSubtype == models.SubtypeIndexProvider

	var symbols []models.SymbolInfo
	var weights map[string]*float64
	if isIndex {
		constituents, err := p.source.Constituents(ctx, className)
		if err != nil {
			resp.Status = StatusUpstream
			resp.Error = err.Error()
			return resp, err
		}
		if len(constituents) == 0 {
			// An empty snapshot preserves the existing memberships.
			p.log.Warn().Str("provider", className).Msg("Index returned no constituents, memberships preserved")
			return resp, nil
		}
		symbols, weights = constituentsToSymbols(className, constituents)
	} else {
		symbols, err = p.source.AvailableSymbols(ctx, className)
		if err != nil {
			resp.Status = StatusUpstream
			resp.Error = err.Error()
			return resp, err
		}
		if len(symbols) == 0 {
			resp.Status = StatusNoContent
			return resp, nil
		}
	}
	resp.Discovered = len(symbols)

	if err := p.upsertSymbols(ctx, className, classType, symbols, resp); err != nil {
		return resp, err
	}
	if err := p.matchProvider(ctx, className, classType, &resp.Identity); err != nil {
		return resp, err
	}
	if err := p.mapProvider(ctx, className, classType, &resp.Mapping); err != nil {
		return resp, err
	}

	if isIndex {
		diff, err := p.syncMembership(ctx, className, classType, index.ModeSCDType2, models.MembershipSourceAPI, weights)
		if err != nil {
			return resp, err
		}
		resp.Membership = &diff
	}

	p.log.Info().Str("provider", className).Int("discovered", resp.Discovered).
		Int("inserted", resp.Inserted).Int("updated", resp.Updated).
		Int("failed", resp.FailedSymbols).Msg("Provider refresh completed")
	return resp, nil
}

// UpdateAll refreshes every registered provider. Individual failures never
// abort the run; a global second matching pass catches assets made matchable
// by sibling providers.
func (p *Pipeline) UpdateAll(ctx context.Context) ([]*UpdateAssetsResponse, error) {
	var rows []models.CodeRegistryRow
	for _, subtype := range []string{models.SubtypeHistorical, models.SubtypeLive, models.SubtypeIndexProvider} {
		batch, err := p.registry.ListBySubtype(ctx, subtype)
		if err != nil {
			return nil, err
		}
		rows = append(rows, batch...)
	}

	responses := make([]*UpdateAssetsResponse, 0, len(rows))
	for _, row := range rows {
		resp, err := p.UpdateProvider(ctx, row.ClassName, row.ClassType)
		if err != nil {
			p.log.Warn().Str("provider", row.ClassName).Err(err).Msg("Provider refresh failed, continuing")
			if resp.Error == "" {
				resp.Error = err.Error()
			}
		}
		responses = append(responses, resp)
	}

	var global identity.Outcomes
	if err := p.matchProvider(ctx, "", "", &global); err != nil {
		p.log.Warn().Err(err).Msg("Global identity pass failed")
	} else if len(responses) > 0 {
		p.log.Info().Int("applied", global.Applied).Int("skipped", global.Skipped).
			Msg("Global identity pass completed")
	}
	return responses, nil
}

// upsertSymbols writes discovery rows inside one transaction, each row under
// its own savepoint so a bad row costs only itself.
func (p *Pipeline) upsertSymbols(ctx context.Context, className, classType string, symbols []models.SymbolInfo, resp *UpdateAssetsResponse) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin asset upsert: %w", err)
	}
	defer tx.Rollback()

	ensured := make(map[string]bool)
	for i, info := range symbols {
		class := models.NormalizeAssetClass(info.AssetClass)
		if !models.ValidAssetClass(class) {
			resp.FailedSymbols++
			p.log.Warn().Str("symbol", info.Symbol).Str("asset_class", info.AssetClass).
				Msg("Rejected symbol with unknown asset class")
			continue
		}

		name := fmt.Sprintf("asset_%d", i)
		err := db.WithSavepoint(ctx, tx, name, func() error {
			if !ensured[class] {
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO asset_class (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`,
					class); err != nil {
					return err
				}
				ensured[class] = true
			}
			inserted, err := upsertAsset(ctx, tx, className, classType, class, info)
			if err != nil {
				return err
			}
			if inserted {
				resp.Inserted++
			} else {
				resp.Updated++
			}
			return nil
		})
		if err != nil {
			resp.FailedSymbols++
			p.log.Warn().Str("symbol", info.Symbol).Err(err).Msg("Asset upsert failed")
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit asset upsert: %w", err)
	}
	return nil
}

// upsertAsset inserts or refreshes one asset. A provider-supplied primary ID
// wins; absent one, a matcher-resolved identity is preserved.
func upsertAsset(ctx context.Context, tx *sqlx.Tx, className, classType, class string, info models.SymbolInfo) (bool, error) {
	full, root := models.NormalizeSymbol(info.Symbol)
	primaryID := info.ResolvedPrimaryID()

	var inserted bool
	err := tx.GetContext(ctx, &inserted, `
		INSERT INTO assets (class_name, class_type, symbol, external_id, primary_id,
			primary_id_source, matcher_symbol, name, exchange, asset_class,
			asset_class_group, base_currency, quote_currency, country,
			sym_norm_full, sym_norm_root)
		VALUES ($1, $2, $3, $4, $5,
			CASE WHEN $5::text IS NOT NULL THEN 'provider' END,
			$6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (class_name, class_type, symbol) DO UPDATE SET
			external_id = EXCLUDED.external_id,
			primary_id = COALESCE(EXCLUDED.primary_id, assets.primary_id),
			primary_id_source = CASE
				WHEN EXCLUDED.primary_id IS NOT NULL THEN 'provider'
				ELSE assets.primary_id_source END,
			matcher_symbol = EXCLUDED.matcher_symbol,
			name = EXCLUDED.name,
			exchange = EXCLUDED.exchange,
			asset_class = EXCLUDED.asset_class,
			asset_class_group = EXCLUDED.asset_class_group,
			base_currency = EXCLUDED.base_currency,
			quote_currency = EXCLUDED.quote_currency,
			country = EXCLUDED.country,
			sym_norm_full = EXCLUDED.sym_norm_full,
			sym_norm_root = EXCLUDED.sym_norm_root
		RETURNING (xmax = 0)`,
		className, classType, info.Symbol, info.ISIN, primaryID,
		info.MatcherSymbol, info.Name, info.Exchange, class,
		models.ClassGroup(class), info.BaseCurrency, info.QuoteCurrency, info.Country,
		full, root)
	if err != nil {
		return false, err
	}
	return inserted, nil
}

func (p *Pipeline) matchProvider(ctx context.Context, className, classType string, out *identity.Outcomes) error {
	candidates, err := p.matcher.ListUnidentified(ctx, className, classType)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}
	matches, err := p.matcher.Match(ctx, candidates)
	if err != nil {
		return err
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin identity apply: %w", err)
	}
	defer tx.Rollback()

	outcomes, err := p.matcher.Apply(ctx, tx, matches)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit identity apply: %w", err)
	}
	*out = outcomes
	return nil
}

func (p *Pipeline) mapProvider(ctx context.Context, className, classType string, out *mapping.ApplyResult) error {
	candidates, err := p.mapper.BuildCandidates(ctx, className, classType)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin mapping apply: %w", err)
	}
	defer tx.Rollback()

	result, err := p.mapper.Apply(ctx, tx, candidates)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit mapping apply: %w", err)
	}
	*out = result
	return nil
}

func (p *Pipeline) syncMembership(ctx context.Context, className, classType, mode, source string, weights map[string]*float64) (index.DiffResult, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return index.DiffResult{}, fmt.Errorf("failed to begin membership sync: %w", err)
	}
	defer tx.Rollback()

	diff, err := p.index.Sync(ctx, tx, className, classType, weights, mode, source)
	if err != nil {
		return diff, err
	}
	if err := tx.Commit(); err != nil {
		return diff, fmt.Errorf("failed to commit membership sync: %w", err)
	}
	return diff, nil
}

// SyncIndex applies an externally supplied constituent snapshot, the
// /indices/{name}/sync path. An empty snapshot preserves the existing
// memberships.
func (p *Pipeline) SyncIndex(ctx context.Context, indexName string, constituents []models.Constituent) (*UpdateAssetsResponse, error) {
	resp := &UpdateAssetsResponse{Provider: indexName, Status: StatusOK}

	row, err := p.registry.GetByClassName(ctx, indexName)
	if err != nil {
		return resp, err
	}
	if row == nil {
		return resp, errs.NotFound("index %s is not registered", indexName)
	}
	if len(constituents) == 0 {
		p.log.Warn().Str("index", indexName).Msg("Empty constituent snapshot, memberships preserved")
		return resp, nil
	}

	symbols, weights := constituentsToSymbols(indexName, constituents)
	resp.Discovered = len(symbols)

	if err := p.upsertSymbols(ctx, row.ClassName, row.ClassType, symbols, resp); err != nil {
		return resp, err
	}
	if err := p.matchProvider(ctx, row.ClassName, row.ClassType, &resp.Identity); err != nil {
		return resp, err
	}
	if err := p.mapProvider(ctx, row.ClassName, row.ClassType, &resp.Mapping); err != nil {
		return resp, err
	}

	// User indices track the live snapshot in place; provider indices keep
	// point-in-time history.
	mode, source := index.ModeSCDType2, models.MembershipSourceAPI
	if row.ClassSubtype == models.SubtypeUserIndex {
		mode, source = index.ModeInPlace, models.MembershipSourceManual
	}
	diff, err := p.syncMembership(ctx, row.ClassName, row.ClassType, mode, source, weights)
	if err != nil {
		return resp, err
	}
	resp.Membership = &diff
	return resp, nil
}

// constituentsToSymbols converts an index snapshot to the discovery shape,
// keeping the weight map for the membership diff.
func constituentsToSymbols(provider string, constituents []models.Constituent) ([]models.SymbolInfo, map[string]*float64) {
	symbols := make([]models.SymbolInfo, 0, len(constituents))
	weights := make(map[string]*float64, len(constituents))
	for _, c := range constituents {
		weights[c.Symbol] = c.Weight

		class := "equity"
		if c.AssetClass != nil && *c.AssetClass != "" {
			class = strings.ToLower(*c.AssetClass)
		}
		name := ""
		if c.Name != nil {
			name = *c.Name
		}
		symbols = append(symbols, models.SymbolInfo{
			Provider:      provider,
			Symbol:        c.Symbol,
			MatcherSymbol: c.MatcherSymbol,
			Name:          name,
			AssetClass:    class,
			BaseCurrency:  c.BaseCurrency,
			QuoteCurrency: c.QuoteCurrency,
		})
	}
	return symbols, weights
}
