package mapping

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/markethub/internal/metrics"
)

func newMockMapper(t *testing.T) (*Mapper, sqlmock.Sqlmock, *sqlx.DB) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	sdb := sqlx.NewDb(db, "postgres")
	return NewMapper(sdb, metrics.NewRegistry()), mock, sdb
}

func strPtr(s string) *string { return &s }

func TestCommonSymbolFor(t *testing.T) {
	// An existing common symbol always wins.
	got := commonSymbolFor([]groupAsset{{Symbol: "BTC/USD", SymNormRoot: strPtr("btc")}}, "BTCX")
	assert.Equal(t, "BTCX", got)

	// Otherwise the shortest normalized root, uppercased.
	got = commonSymbolFor([]groupAsset{
		{Symbol: "XBTUSD", SymNormRoot: strPtr("xbtusd")},
		{Symbol: "BTC/USD", SymNormRoot: strPtr("btc")},
	}, "")
	assert.Equal(t, "BTC", got)

	// Equal lengths tie-break alphabetically.
	got = commonSymbolFor([]groupAsset{
		{Symbol: "ETH", SymNormRoot: strPtr("eth")},
		{Symbol: "BTC", SymNormRoot: strPtr("btc")},
	}, "")
	assert.Equal(t, "BTC", got)

	// No roots at all falls back to the first member's raw symbol.
	got = commonSymbolFor([]groupAsset{{Symbol: "weird-sym"}}, "")
	assert.Equal(t, "WEIRD-SYM", got)
}

func TestSelectCryptoAsset(t *testing.T) {
	usd := groupAsset{Symbol: "BTC/USD", QuoteCurrency: strPtr("USD")}
	usdt := groupAsset{Symbol: "BTC/USDT", QuoteCurrency: strPtr("USDT")}
	eur := groupAsset{Symbol: "BTC/EUR", QuoteCurrency: strPtr("EUR")}
	gbp := groupAsset{Symbol: "BTC/GBP", QuoteCurrency: strPtr("GBP")}

	// Single quote currency: no choice to make.
	pick, reason := selectCryptoAsset([]groupAsset{eur}, "")
	require.NotNil(t, pick)
	assert.Equal(t, "BTC/EUR", pick.Symbol)
	assert.Equal(t, ReasonSingleQuote, reason)

	// Preferred quote wins over the USD fallback.
	pick, reason = selectCryptoAsset([]groupAsset{usd, eur}, "EUR")
	require.NotNil(t, pick)
	assert.Equal(t, "BTC/EUR", pick.Symbol)
	assert.Equal(t, ReasonPreferredMatch, reason)

	// No preference: any USD-flavored quote qualifies, lowest symbol first.
	pick, reason = selectCryptoAsset([]groupAsset{usdt, eur, usd}, "")
	require.NotNil(t, pick)
	assert.Equal(t, "BTC/USD", pick.Symbol)
	assert.Equal(t, ReasonUSDFallback, reason)

	// Nothing USD-ish and no preference match: group is skipped.
	pick, reason = selectCryptoAsset([]groupAsset{eur, gbp}, "JPY")
	assert.Nil(t, pick)
	assert.Equal(t, ReasonNoSuitableUSD, reason)
}

func TestBuildCandidatesConflictRewrite(t *testing.T) {
	m, mock, _ := newMockMapper(t)

	// One crypto group whose natural common symbol is already owned by a
	// different primary ID.
	mock.ExpectQuery(regexp.QuoteMeta("FROM assets")).
		WithArgs("kraken", "DataProvider").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "class_name", "class_type", "symbol", "primary_id",
			"asset_class_group", "sym_norm_root", "quote_currency",
		}).AddRow(1, "kraken", "DataProvider", "BTC/USD", "B1", "crypto", "btc", "USD"))

	mock.ExpectQuery(regexp.QuoteMeta("FROM asset_mapping am")).
		WithArgs(pq.StringArray{"B1"}).
		WillReturnRows(sqlmock.NewRows([]string{
			"class_name", "class_type", "class_symbol", "common_symbol", "primary_id",
		}))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("BTC", "B1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	mock.ExpectQuery(regexp.QuoteMeta("preferred_quote_currency")).
		WithArgs("kraken", "DataProvider").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(""))

	candidates, err := m.BuildCandidates(context.Background(), "kraken", "DataProvider")
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "BTC:B1", candidates[0].CommonSymbol)
	assert.Equal(t, ReasonSingleQuote, candidates[0].Reasoning)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildCandidatesSecuritiesGroup(t *testing.T) {
	m, mock, _ := newMockMapper(t)

	// Two providers' views of the same security map onto one common symbol.
	mock.ExpectQuery(regexp.QuoteMeta("FROM assets")).
		WithArgs("acme", "DataProvider").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "class_name", "class_type", "symbol", "primary_id",
			"asset_class_group", "sym_norm_root", "quote_currency",
		}).
			AddRow(1, "acme", "DataProvider", "AAPL", "F1", "securities", "aapl", nil).
			AddRow(2, "acme", "DataProvider", "AAPL.O", "F1", "securities", "aapl", nil))

	mock.ExpectQuery(regexp.QuoteMeta("FROM asset_mapping am")).
		WithArgs(pq.StringArray{"F1"}).
		WillReturnRows(sqlmock.NewRows([]string{
			"class_name", "class_type", "class_symbol", "common_symbol", "primary_id",
		}).AddRow("other", "DataProvider", "AAPL", "AAPL", "F1"))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("AAPL", "F1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	candidates, err := m.BuildCandidates(context.Background(), "acme", "DataProvider")
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	for _, c := range candidates {
		assert.Equal(t, "AAPL", c.CommonSymbol)
		assert.Equal(t, ReasonPrimaryIDGroup, c.Reasoning)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyCountsInsertedAndSkipped(t *testing.T) {
	m, mock, sdb := newMockMapper(t)

	candidates := []Candidate{
		{ClassName: "kraken", ClassType: "DataProvider", ClassSymbol: "BTC/USD", CommonSymbol: "BTC"},
		{ClassName: "kraken", ClassType: "DataProvider", ClassSymbol: "ETH/USD", CommonSymbol: "ETH"},
	}

	mock.ExpectBegin()

	// First candidate inserts and bumps the ref count.
	mock.ExpectExec("SAVEPOINT mapping_0").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO common_symbols")).
		WithArgs("BTC").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO asset_mapping")).
		WithArgs("kraken", "DataProvider", "BTC/USD", "BTC").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE common_symbols SET ref_count")).
		WithArgs("BTC").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("RELEASE SAVEPOINT mapping_0").WillReturnResult(sqlmock.NewResult(0, 0))

	// Second candidate already exists: DO NOTHING affects zero rows.
	mock.ExpectExec("SAVEPOINT mapping_1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO common_symbols")).
		WithArgs("ETH").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO asset_mapping")).
		WithArgs("kraken", "DataProvider", "ETH/USD", "ETH").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("RELEASE SAVEPOINT mapping_1").WillReturnResult(sqlmock.NewResult(0, 0))

	tx, err := sdb.Beginx()
	require.NoError(t, err)

	out, err := m.Apply(context.Background(), tx, candidates)
	require.NoError(t, err)
	assert.Equal(t, ApplyResult{Inserted: 1, Skipped: 1}, out)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplySkipsConstraintLoser(t *testing.T) {
	m, mock, sdb := newMockMapper(t)

	mock.ExpectBegin()
	mock.ExpectExec("SAVEPOINT mapping_0").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO common_symbols")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO asset_mapping")).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "asset_mapping_class_common_uniq"})
	mock.ExpectExec("ROLLBACK TO SAVEPOINT mapping_0").WillReturnResult(sqlmock.NewResult(0, 0))

	tx, err := sdb.Beginx()
	require.NoError(t, err)

	out, err := m.Apply(context.Background(), tx, []Candidate{
		{ClassName: "kraken", ClassType: "DataProvider", ClassSymbol: "BTC/USD", CommonSymbol: "BTC"},
	})
	require.NoError(t, err)
	assert.Equal(t, ApplyResult{Skipped: 1}, out)
	assert.NoError(t, mock.ExpectationsWereMet())
}
