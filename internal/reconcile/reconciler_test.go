package reconcile

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/markethub/internal/models"
)

func TestAddedSymbols(t *testing.T) {
	old := models.SubscriptionGroup{
		Symbols:   pq.StringArray{"AAPL", "MSFT"},
		Exchanges: pq.StringArray{"XNAS", "XNAS"},
	}
	cur := models.SubscriptionGroup{
		Symbols:   pq.StringArray{"AAPL", "MSFT", "NVDA"},
		Exchanges: pq.StringArray{"XNAS", "XNAS", "XNAS"},
	}

	symbols, exchanges := addedSymbols(old, cur)
	assert.Equal(t, []string{"NVDA"}, symbols)
	assert.Equal(t, []string{"XNAS"}, exchanges)

	// Removals alone produce no immediate pull.
	symbols, _ = addedSymbols(cur, old)
	assert.Empty(t, symbols)
}

func TestAddedSymbolsMissingExchange(t *testing.T) {
	old := models.SubscriptionGroup{Symbols: pq.StringArray{"AAPL"}}
	cur := models.SubscriptionGroup{
		Symbols:   pq.StringArray{"AAPL", "NVDA"},
		Exchanges: pq.StringArray{"XNAS"},
	}

	symbols, exchanges := addedSymbols(old, cur)
	assert.Equal(t, []string{"NVDA"}, symbols)
	assert.Equal(t, []string{""}, exchanges)
}

func TestGroupedSubscriptions(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewSubscriptionStore(sqlx.NewDb(db, "postgres"))

	mock.ExpectQuery(regexp.QuoteMeta("FROM provider_subscription ps")).
		WillReturnRows(sqlmock.NewRows([]string{"provider", "interval", "cron", "symbols", "exchanges"}).
			AddRow("kraken", "1d", "0 2 * * *", `{BTC/USD,ETH/USD}`, `{CRYPTO,CRYPTO}`).
			AddRow("kraken_live", "1min", "* * * * *", `{BTC/USD}`, `{CRYPTO}`))

	groups, err := store.Grouped(context.Background())
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, "kraken|1d|0 2 * * *", groups[0].JobKey())
	assert.Equal(t, pq.StringArray{"BTC/USD", "ETH/USD"}, groups[0].Symbols)
	assert.Equal(t, pq.StringArray{"CRYPTO", "CRYPTO"}, groups[0].Exchanges)
	assert.NoError(t, mock.ExpectationsWereMet())
}
