package provider

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/quantfold/markethub/internal/models"
)

// SQLStore reads code registry rows from Postgres.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore wraps the shared pool.
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

const registryColumns = `id, class_name, class_type, class_subtype, file_path,
	file_hash, nonce, ciphertext, preferences, uploaded_at`

// GetByClassName fetches one registry row by provider name. A missing row
// returns (nil, nil).
func (s *SQLStore) GetByClassName(ctx context.Context, className string) (*models.CodeRegistryRow, error) {
	var row models.CodeRegistryRow
	query := `SELECT ` + registryColumns + ` FROM code_registry WHERE class_name = $1 LIMIT 1`
	err := s.db.GetContext(ctx, &row, query, className)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query code registry: %w", err)
	}
	return &row, nil
}

// GetByClass fetches one registry row by (class_name, class_type).
func (s *SQLStore) GetByClass(ctx context.Context, className, classType string) (*models.CodeRegistryRow, error) {
	var row models.CodeRegistryRow
	query := `SELECT ` + registryColumns + ` FROM code_registry WHERE class_name = $1 AND class_type = $2`
	err := s.db.GetContext(ctx, &row, query, className, classType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query code registry: %w", err)
	}
	return &row, nil
}

// ListBySubtype returns every registry row of the given subtype, e.g. all
// index providers.
func (s *SQLStore) ListBySubtype(ctx context.Context, subtype string) ([]models.CodeRegistryRow, error) {
	var rows []models.CodeRegistryRow
	query := `SELECT ` + registryColumns + ` FROM code_registry WHERE class_subtype = $1 ORDER BY class_name`
	if err := s.db.SelectContext(ctx, &rows, query, subtype); err != nil {
		return nil, fmt.Errorf("failed to list code registry by subtype: %w", err)
	}
	return rows, nil
}

// SetSecrets stores a freshly sealed nonce/ciphertext pair for one class.
func (s *SQLStore) SetSecrets(ctx context.Context, className string, nonce, ciphertext []byte) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE code_registry SET nonce = $2, ciphertext = $3 WHERE class_name = $1`,
		className, nonce, ciphertext)
	if err != nil {
		return fmt.Errorf("failed to store secrets for %s: %w", className, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("class %s is not registered", className)
	}
	return nil
}

// AcceptedIntervalCron resolves a sync interval key to its crontab. Missing
// keys return ("", nil).
func (s *SQLStore) AcceptedIntervalCron(ctx context.Context, interval string) (string, error) {
	var cronSpec string
	err := s.db.GetContext(ctx, &cronSpec,
		`SELECT cron FROM accepted_intervals WHERE interval = $1`, interval)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve accepted interval: %w", err)
	}
	return cronSpec, nil
}
