package errs

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindNotFound, KindOf(NotFound("missing")))
	assert.Equal(t, KindValidation, KindOf(Validation("bad input")))
	assert.Equal(t, KindUpstreamFailure, KindOf(Upstream("datahub said no")))
	assert.Equal(t, KindInternal, KindOf(fmt.Errorf("plain error")))

	wrapped := fmt.Errorf("outer: %w", NotFound("inner"))
	assert.Equal(t, KindNotFound, KindOf(wrapped))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, HTTPStatus(NotFound("x")))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(Validation("x")))
	assert.Equal(t, http.StatusForbidden, HTTPStatus(New(KindPermissionDenied, "x")))
	assert.Equal(t, http.StatusBadGateway, HTTPStatus(Upstream("x")))
	assert.Equal(t, http.StatusConflict, HTTPStatus(New(KindConflict, "x")))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(fmt.Errorf("boom")))
}

func TestIsUniqueViolation(t *testing.T) {
	err := &pq.Error{Code: "23505", Constraint: "assets_provider_primary_id_uniq"}

	assert.True(t, IsUniqueViolation(err, ""))
	assert.True(t, IsUniqueViolation(err, "assets_provider_primary_id_uniq"))
	assert.False(t, IsUniqueViolation(err, "some_other_constraint"))
	assert.False(t, IsUniqueViolation(fmt.Errorf("plain"), ""))

	wrapped := fmt.Errorf("flush failed: %w", err)
	assert.True(t, IsUniqueViolation(wrapped, "assets_provider_primary_id_uniq"))
}

func TestIsForeignKeyViolation(t *testing.T) {
	assert.True(t, IsForeignKeyViolation(&pq.Error{Code: "23503"}))
	assert.False(t, IsForeignKeyViolation(&pq.Error{Code: "23505"}))
	assert.False(t, IsForeignKeyViolation(fmt.Errorf("plain")))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Wrap(KindTransientDB, cause, "upsert for %s failed", "kraken")

	assert.Contains(t, err.Error(), "upsert for kraken failed")
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, cause, err.Unwrap())
}
