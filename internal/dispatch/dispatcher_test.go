package dispatch

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/markethub/internal/calendar"
	"github.com/quantfold/markethub/internal/metrics"
	"github.com/quantfold/markethub/internal/models"
	"github.com/quantfold/markethub/internal/provider"
)

type fakeHistorical struct{}

func (fakeHistorical) Name() string                  { return "acme" }
func (fakeHistorical) Type() string                  { return provider.TypeHistorical }
func (fakeHistorical) RateLimit() provider.RateLimit { return provider.RateLimit{Calls: 10, Seconds: 1} }
func (fakeHistorical) Close() error                  { return nil }

func (fakeHistorical) GetAvailableSymbols(ctx context.Context) ([]models.SymbolInfo, error) {
	return nil, nil
}

func (f fakeHistorical) GetHistory(ctx context.Context, req models.Req, sink provider.BarSink) error {
	return nil
}

func (f fakeHistorical) GetData(ctx context.Context, reqs []models.Req, sink provider.BarSink) error {
	return provider.FanOut(ctx, f, reqs, sink)
}

func newGapDispatcher(t *testing.T) (*Dispatcher, sqlmock.Sqlmock, *provider.Instance) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := NewBarStore(sqlx.NewDb(db, "postgres"), metrics.NewRegistry(), nil)
	d := NewDispatcher(nil, calendar.New(), store)
	// Sunday 2025-12-21.
	d.SetNow(func() time.Time { return time.Date(2025, 12, 21, 12, 0, 0, 0, time.UTC) })

	inst := &provider.Instance{
		Impl:        fakeHistorical{},
		Preferences: provider.Preferences{"lookback_days": float64(30)},
	}
	return d, mock, inst
}

func expectLastUpdated(mock sqlmock.Sqlmock, provider, symbol string, last time.Time) {
	rows := sqlmock.NewRows([]string{"last_updated"})
	if !last.IsZero() {
		rows.AddRow(last)
	}
	mock.ExpectQuery(regexp.QuoteMeta("SELECT last_updated FROM historical_symbol_state")).
		WithArgs(provider, symbol).
		WillReturnRows(rows)
}

func TestBuildRequestsSkipsWeekendOnlyGap(t *testing.T) {
	d, mock, inst := newGapDispatcher(t)

	// Last pull ended Friday; the only missing day is Saturday, when XNAS
	// holds no session.
	expectLastUpdated(mock, "acme", "AAPL", time.Date(2025, 12, 19, 0, 0, 0, 0, time.UTC))

	reqs, err := d.BuildHistoricalRequests(context.Background(), inst, "1d",
		[]string{"AAPL"}, []string{"XNAS"})
	require.NoError(t, err)
	assert.Empty(t, reqs)
}

func TestBuildRequestsFillsTradingDayGap(t *testing.T) {
	d, mock, inst := newGapDispatcher(t)

	// Last pull ended Wednesday; Thursday and Friday are missing sessions.
	expectLastUpdated(mock, "acme", "AAPL", time.Date(2025, 12, 17, 0, 0, 0, 0, time.UTC))

	reqs, err := d.BuildHistoricalRequests(context.Background(), inst, "1d",
		[]string{"AAPL"}, []string{"XNAS"})
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, models.Req{
		Symbol:   "AAPL",
		Start:    time.Date(2025, 12, 18, 0, 0, 0, 0, time.UTC),
		End:      time.Date(2025, 12, 20, 0, 0, 0, 0, time.UTC),
		Interval: "1d",
	}, reqs[0])
}

func TestBuildRequestsNewSubscriptionBypassesCalendar(t *testing.T) {
	d, mock, inst := newGapDispatcher(t)

	// Unknown symbol back-fills the lookback window even over a weekend.
	expectLastUpdated(mock, "acme", "NEWCO", time.Time{})

	reqs, err := d.BuildHistoricalRequests(context.Background(), inst, "1d",
		[]string{"NEWCO"}, []string{"XNAS"})
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, time.Date(2025, 11, 21, 0, 0, 0, 0, time.UTC), reqs[0].Start)
	assert.Equal(t, time.Date(2025, 12, 20, 0, 0, 0, 0, time.UTC), reqs[0].End)
}

func TestBuildRequestsAlreadyCurrent(t *testing.T) {
	d, mock, inst := newGapDispatcher(t)

	// Pulled through yesterday already; nothing to request.
	expectLastUpdated(mock, "acme", "BTC/USD", time.Date(2025, 12, 20, 0, 0, 0, 0, time.UTC))

	reqs, err := d.BuildHistoricalRequests(context.Background(), inst, "1d",
		[]string{"BTC/USD"}, []string{"CRYPTO"})
	require.NoError(t, err)
	assert.Empty(t, reqs)
}

func TestBuildRequestsCryptoWeekendGap(t *testing.T) {
	d, mock, inst := newGapDispatcher(t)

	// Crypto trades through the weekend, so the Saturday gap is real.
	expectLastUpdated(mock, "acme", "BTC/USD", time.Date(2025, 12, 19, 0, 0, 0, 0, time.UTC))

	reqs, err := d.BuildHistoricalRequests(context.Background(), inst, "1d",
		[]string{"BTC/USD"}, []string{"CRYPTO"})
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, time.Date(2025, 12, 20, 0, 0, 0, 0, time.UTC), reqs[0].Start)
}

// countingHistorical records how many requests actually reached the provider.
type countingHistorical struct {
	fakeHistorical
	calls int
}

func (c *countingHistorical) GetData(ctx context.Context, reqs []models.Req, sink provider.BarSink) error {
	c.calls += len(reqs)
	return nil
}

func expectSetLastUpdated(mock sqlmock.Sqlmock, provider, symbol string) {
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO historical_symbol_state")).
		WithArgs(provider, symbol, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestDispatchHistoricalBeyondLimiterBurst(t *testing.T) {
	d, mock, inst := newGapDispatcher(t)
	impl := &countingHistorical{}
	inst.Impl = impl
	// Burst of 5 against 6 gap requests; the pull must wait on the refill,
	// not abort.
	inst.Limiter = provider.NewLimiter(provider.RateLimit{Calls: 5, Seconds: 1})

	symbols := []string{"S1", "S2", "S3", "S4", "S5", "S6"}
	for _, sym := range symbols {
		expectLastUpdated(mock, "acme", sym, time.Time{})
	}
	for _, sym := range symbols {
		expectSetLastUpdated(mock, "acme", sym)
	}

	err := d.dispatchHistorical(context.Background(), inst, "1d", symbols, nil)
	require.NoError(t, err)
	assert.Equal(t, len(symbols), impl.calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatchHistoricalRateLimitAbortNamesProvider(t *testing.T) {
	d, mock, inst := newGapDispatcher(t)
	impl := &countingHistorical{}
	inst.Impl = impl
	// One-token bucket refilling over an hour: the second request cannot be
	// admitted before the context deadline.
	inst.Limiter = provider.NewLimiter(provider.RateLimit{Calls: 1, Seconds: 3600})

	expectLastUpdated(mock, "acme", "S1", time.Time{})
	expectLastUpdated(mock, "acme", "S2", time.Time{})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := d.dispatchHistorical(ctx, inst, "1d", []string{"S1", "S2"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "acme")
	assert.Contains(t, err.Error(), "1 of 2")
	assert.Equal(t, 1, impl.calls)
}

type fakeRealtime struct {
	err error
}

func (fakeRealtime) Name() string                  { return "acme_live" }
func (fakeRealtime) Type() string                  { return provider.TypeRealtime }
func (fakeRealtime) RateLimit() provider.RateLimit { return provider.RateLimit{Calls: 10, Seconds: 1} }
func (fakeRealtime) Close() error                  { return nil }
func (fakeRealtime) CloseBufferSeconds() int       { return 1 }

func (fakeRealtime) GetAvailableSymbols(ctx context.Context) ([]models.SymbolInfo, error) {
	return nil, nil
}

func (f fakeRealtime) GetData(ctx context.Context, interval string, symbols []string) ([]models.Bar, error) {
	return nil, f.err
}

func TestDispatchRealtimeWrappedDeadlineIsNormalEnd(t *testing.T) {
	d, _, inst := newGapDispatcher(t)
	inst.Impl = fakeRealtime{err: fmt.Errorf("stream closed: %w", context.DeadlineExceeded)}

	err := d.dispatchRealtime(context.Background(), inst, "1min",
		[]string{"BTC/USD"}, []string{"CRYPTO"})
	assert.NoError(t, err)
}

func TestDispatchRealtimeOtherErrorsStillFail(t *testing.T) {
	d, _, inst := newGapDispatcher(t)
	inst.Impl = fakeRealtime{err: errors.New("connection refused")}

	err := d.dispatchRealtime(context.Background(), inst, "1min",
		[]string{"BTC/USD"}, []string{"CRYPTO"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "acme_live")
}

func TestFilterOpenSymbols(t *testing.T) {
	cal := calendar.New()
	// CRYPTO is always open; an unknown MIC defaults to open. The result
	// depends on the wall clock only for exchange-hours markets, so the
	// fixture sticks to around-the-clock calendars.
	open := FilterOpenSymbols(cal, []string{"BTC/USD", "ETH/USD"}, []string{"CRYPTO", ""})
	assert.Equal(t, []string{"BTC/USD", "ETH/USD"}, open)
}
