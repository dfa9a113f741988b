package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/markethub/internal/mapping"
	"github.com/quantfold/markethub/internal/metrics"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return NewServer(DefaultConfig(0), metrics.NewRegistry(), "test_http")
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestHealthDegradedOnFailingCheck(t *testing.T) {
	s := newTestServer(t)
	s.AddHealthCheck("database", func(context.Context) error { return nil })
	s.AddHealthCheck("scheduler", func(context.Context) error {
		return errors.New("scheduler is stopped")
	})

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body["status"])
	checks := body["checks"].(map[string]interface{})
	assert.Equal(t, "ok", checks["database"])
	assert.Equal(t, "scheduler is stopped", checks["scheduler"])
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "markethub_")
}

func TestRequestIDsAreUnique(t *testing.T) {
	s := newTestServer(t)

	ids := make(map[string]bool)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		ids[rec.Header().Get("X-Request-ID")] = true
	}
	assert.Len(t, ids, 3)
}

func newSuggestAPI(t *testing.T) (*Server, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := newTestServer(t)
	NewRegistryAPI(nil, mapping.NewSuggester(sqlx.NewDb(db, "postgres"))).Register(s)
	return s, mock
}

func TestSuggestionsRequiresClassNames(t *testing.T) {
	s, _ := newSuggestAPI(t)

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/registry/suggestions", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSuggestionsRejectsBadParams(t *testing.T) {
	s, _ := newSuggestAPI(t)

	base := "/api/registry/suggestions?source_class_name=a&source_class_type=t&target_class_name=b&target_class_type=t"

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, base+"&min_score=abc", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, base+"&limit=many", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, base+"&cursor=%40%40broken%40%40", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSuggestionsHappyPath(t *testing.T) {
	s, mock := newSuggestAPI(t)

	mock.ExpectQuery("WITH src AS").
		WillReturnRows(sqlmock.NewRows([]string{
			"source_symbol", "source_norm_root", "target_symbol", "target_common", "score",
		}).AddRow("BTC/USD", "btc", "XBTUSD", nil, 45.0))

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/api/registry/suggestions?source_class_name=kraken&source_class_type=DataProvider&target_class_name=acme&target_class_type=DataProvider", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body mapping.SuggestionsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Items, 1)
	assert.Equal(t, "BTC", body.Items[0].ProposedCommonSymbol)
	assert.False(t, body.HasMore)
}
