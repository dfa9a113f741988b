package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/markethub/internal/calendar"
	"github.com/quantfold/markethub/internal/models"
	"github.com/quantfold/markethub/internal/provider"
)

// Dispatcher executes one scheduled pull per invocation. All entry points
// run under the scheduler's safe-job envelope; errors returned here are
// logged by the caller and never propagate further.
type Dispatcher struct {
	providers *provider.Registry
	calendar  *calendar.Service
	store     *BarStore
	log       zerolog.Logger

	// now is injectable for gap-computation tests.
	now func() time.Time
}

// NewDispatcher wires the dispatcher.
func NewDispatcher(providers *provider.Registry, cal *calendar.Service, store *BarStore) *Dispatcher {
	return &Dispatcher{
		providers: providers,
		calendar:  cal,
		store:     store,
		log:       log.With().Str("component", "dispatcher").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetNow overrides the clock; tests only.
func (d *Dispatcher) SetNow(now func() time.Time) { d.now = now }

// Dispatch runs one pull for a provider: historical or realtime by provider
// type.
func (d *Dispatcher) Dispatch(ctx context.Context, providerName, interval string, symbols, exchanges []string) error {
	inst, err := d.providers.Load(ctx, providerName)
	if err != nil {
		return fmt.Errorf("provider %s unavailable: %w", providerName, err)
	}

	inst.MarkInUse(true)
	defer inst.MarkInUse(false)

	switch inst.Type() {
	case provider.TypeHistorical:
		return d.dispatchHistorical(ctx, inst, interval, symbols, exchanges)
	case provider.TypeRealtime:
		return d.dispatchRealtime(ctx, inst, interval, symbols, exchanges)
	default:
		return fmt.Errorf("provider %s type %s is not dispatchable", providerName, inst.Type())
	}
}

// BuildHistoricalRequests computes the gap-aware request list. New
// subscriptions back-fill [today-lookback, yesterday] and bypass the
// calendar; known symbols pull [last+1, yesterday] only when the market held
// at least one session in that window.
func (d *Dispatcher) BuildHistoricalRequests(ctx context.Context, inst *provider.Instance, interval string, symbols, exchanges []string) ([]models.Req, error) {
	today := truncateDay(d.now())
	yday := today.AddDate(0, 0, -1)
	lookback := inst.Preferences.LookbackDays()

	var reqs []models.Req
	for i, sym := range symbols {
		mic := ""
		if i < len(exchanges) {
			mic = exchanges[i]
		}

		last, known, err := d.store.LastUpdated(ctx, inst.Name(), sym)
		if err != nil {
			return nil, err
		}

		if !known {
			reqs = append(reqs, models.Req{
				Symbol:   sym,
				Start:    today.AddDate(0, 0, -lookback),
				End:      yday,
				Interval: interval,
			})
			continue
		}

		start := truncateDay(last).AddDate(0, 0, 1)
		if start.After(yday) {
			continue
		}
		if !d.calendar.HasSessionsInRange(mic, start, yday) {
			continue
		}
		reqs = append(reqs, models.Req{Symbol: sym, Start: start, End: yday, Interval: interval})
	}
	return reqs, nil
}

func (d *Dispatcher) dispatchHistorical(ctx context.Context, inst *provider.Instance, interval string, symbols, exchanges []string) error {
	hist, ok := inst.Impl.(provider.Historical)
	if !ok {
		return fmt.Errorf("provider %s does not serve history", inst.Name())
	}

	reqs, err := d.BuildHistoricalRequests(ctx, inst, interval, symbols, exchanges)
	if err != nil {
		return err
	}
	if len(reqs) == 0 {
		d.log.Debug().Str("provider", inst.Name()).Msg("No historical gaps to fill")
		return nil
	}

	buf := make([]models.Bar, 0, BatchSize)
	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		if err := d.store.Flush(ctx, TableHistorical, inst.Name(), interval, buf); err != nil {
			return err
		}
		buf = buf[:0]
		return nil
	}
	sink := func(bar models.Bar) error {
		buf = append(buf, bar)
		if len(buf) >= BatchSize {
			return flush()
		}
		return nil
	}

	// One token per request, acquired as it is issued. A gap batch larger
	// than the provider's burst then waits on the refill instead of failing.
	var streamErr error
	for i, req := range reqs {
		if err := provider.WaitN(ctx, inst.Limiter, 1); err != nil {
			streamErr = fmt.Errorf("rate limit wait aborted for %s after %d of %d requests: %w",
				inst.Name(), i, len(reqs), err)
			break
		}
		if err := hist.GetData(ctx, []models.Req{req}, sink); err != nil {
			streamErr = fmt.Errorf("historical stream failed for %s: %w", inst.Name(), err)
			break
		}
	}
	if err := flush(); err != nil {
		return err
	}
	if streamErr != nil {
		return streamErr
	}

	for _, req := range reqs {
		if err := d.store.SetLastUpdated(ctx, inst.Name(), req.Symbol, req.End); err != nil {
			return err
		}
	}

	d.log.Info().Str("provider", inst.Name()).Int("requests", len(reqs)).Msg("Historical pull completed")
	return nil
}

func (d *Dispatcher) dispatchRealtime(ctx context.Context, inst *provider.Instance, interval string, symbols, exchanges []string) error {
	rt, ok := inst.Impl.(provider.Realtime)
	if !ok {
		return fmt.Errorf("provider %s does not serve live data", inst.Name())
	}

	open := FilterOpenSymbols(d.calendar, symbols, exchanges)
	if len(open) == 0 {
		d.log.Debug().Str("provider", inst.Name()).Msg("All markets closed, skipping live pull")
		return nil
	}

	preClose := inst.Preferences.PreCloseSeconds()
	postClose := inst.Preferences.PostCloseSeconds()
	if postClose < 0 {
		postClose = rt.CloseBufferSeconds()
	}
	timeout := time.Duration(preClose+postClose+30) * time.Second

	if err := provider.WaitN(ctx, inst.Limiter, 1); err != nil {
		return fmt.Errorf("rate limit wait aborted: %w", err)
	}

	pullCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	bars, err := rt.GetData(pullCtx, interval, open)
	// Bars collected before a timeout are still flushed.
	if len(bars) > 0 {
		for start := 0; start < len(bars); start += BatchSize {
			end := start + BatchSize
			if end > len(bars) {
				end = len(bars)
			}
			if flushErr := d.store.Flush(ctx, TableLive, inst.Name(), interval, bars[start:end]); flushErr != nil {
				return flushErr
			}
		}
	}
	// Reaching the listen cutoff is the normal end of a live session, even
	// when the plugin wraps the deadline error.
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("live stream failed for %s: %w", inst.Name(), err)
	}

	d.log.Info().Str("provider", inst.Name()).Int("symbols", len(open)).Int("bars", len(bars)).
		Msg("Live pull completed")
	return nil
}

// FilterOpenSymbols keeps symbols whose exchange is open right now.
func FilterOpenSymbols(cal *calendar.Service, symbols, exchanges []string) []string {
	var open []string
	for i, sym := range symbols {
		mic := ""
		if i < len(exchanges) {
			mic = exchanges[i]
		}
		if cal.IsOpenNow(mic) {
			open = append(open, sym)
		}
	}
	return open
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
