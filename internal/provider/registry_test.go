package provider

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/markethub/internal/errs"
	"github.com/quantfold/markethub/internal/metrics"
	"github.com/quantfold/markethub/internal/models"
	"github.com/quantfold/markethub/internal/secrets"
)

// fakeProvider is a minimal historical plugin for registry tests.
type fakeProvider struct {
	name    string
	secrets map[string]string
	closed  bool
}

func (f *fakeProvider) Name() string         { return f.name }
func (f *fakeProvider) Type() string         { return TypeHistorical }
func (f *fakeProvider) RateLimit() RateLimit { return RateLimit{Calls: 10, Seconds: 1} }
func (f *fakeProvider) Close() error         { f.closed = true; return nil }

func (f *fakeProvider) GetAvailableSymbols(ctx context.Context) ([]models.SymbolInfo, error) {
	return []models.SymbolInfo{{Symbol: "AAPL"}}, nil
}

func (f *fakeProvider) GetHistory(ctx context.Context, req models.Req, sink BarSink) error {
	return nil
}

func (f *fakeProvider) GetData(ctx context.Context, reqs []models.Req, sink BarSink) error {
	return FanOut(ctx, f, reqs, sink)
}

type stubRowStore struct {
	rows map[string]*models.CodeRegistryRow
}

func (s *stubRowStore) GetByClassName(ctx context.Context, className string) (*models.CodeRegistryRow, error) {
	return s.rows[className], nil
}

func writePlugin(t *testing.T, dir, name string) (path, hash string) {
	t.Helper()
	path = filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("plugin body for "+name), 0o600))
	hash, err := HashFile(path)
	require.NoError(t, err)
	return path, hash
}

func newTestRegistry(t *testing.T, sandbox string, rows map[string]*models.CodeRegistryRow, factory Factory) *Registry {
	t.Helper()
	sysCtx := secrets.NewSystemContext([]byte("test-master-key"))
	return NewRegistry(&stubRowStore{rows: rows}, factory, sysCtx, sandbox, metrics.NewRegistry())
}

func TestLoadVerifiesHashAndCaches(t *testing.T) {
	sandbox := t.TempDir()
	path, hash := writePlugin(t, sandbox, "acme.py")

	built := 0
	factory := Factory{
		"acme": func(env Env) (Provider, error) {
			built++
			return &fakeProvider{name: "acme", secrets: env.Secrets}, nil
		},
	}
	rows := map[string]*models.CodeRegistryRow{
		"acme": {ClassName: "acme", FilePath: path, FileHash: hash, UploadedAt: time.Now()},
	}
	r := newTestRegistry(t, sandbox, rows, factory)

	inst, err := r.Load(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "acme", inst.Name())
	assert.Equal(t, TypeHistorical, inst.Type())

	// Second load reuses the cached instance.
	again, err := r.Load(context.Background(), "acme")
	require.NoError(t, err)
	assert.Same(t, inst, again)
	assert.Equal(t, 1, built)
}

func TestLoadRejectsHashMismatch(t *testing.T) {
	sandbox := t.TempDir()
	path, _ := writePlugin(t, sandbox, "acme.py")

	factory := Factory{"acme": func(env Env) (Provider, error) {
		return &fakeProvider{name: "acme"}, nil
	}}
	rows := map[string]*models.CodeRegistryRow{
		"acme": {ClassName: "acme", FilePath: path, FileHash: "deadbeef"},
	}
	r := newTestRegistry(t, sandbox, rows, factory)

	_, err := r.Load(context.Background(), "acme")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash mismatch")
	_, loaded := r.Get("acme")
	assert.False(t, loaded)
}

func TestLoadRejectsPathOutsideSandbox(t *testing.T) {
	sandbox := t.TempDir()
	outside := t.TempDir()
	path, hash := writePlugin(t, outside, "acme.py")

	rows := map[string]*models.CodeRegistryRow{
		"acme": {ClassName: "acme", FilePath: path, FileHash: hash},
	}
	r := newTestRegistry(t, sandbox, rows, Factory{})

	_, err := r.Load(context.Background(), "acme")
	require.Error(t, err)
	assert.Equal(t, errs.KindPermissionDenied, errs.KindOf(err))
}

func TestLoadUnknownProvider(t *testing.T) {
	r := newTestRegistry(t, t.TempDir(), map[string]*models.CodeRegistryRow{}, Factory{})

	_, err := r.Load(context.Background(), "ghost")
	require.Error(t, err)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestLoadDecryptsSecrets(t *testing.T) {
	sandbox := t.TempDir()
	path, hash := writePlugin(t, sandbox, "acme.py")

	sysCtx := secrets.NewSystemContext([]byte("test-master-key"))
	derived, err := sysCtx.Derive(hash)
	require.NoError(t, err)
	nonce, ciphertext, err := derived.Seal(map[string]string{"api_key": "k-123"})
	require.NoError(t, err)

	var got map[string]string
	factory := Factory{"acme": func(env Env) (Provider, error) {
		got = env.Secrets
		return &fakeProvider{name: "acme"}, nil
	}}
	rows := map[string]*models.CodeRegistryRow{
		"acme": {ClassName: "acme", FilePath: path, FileHash: hash, Nonce: nonce, Ciphertext: ciphertext},
	}
	r := NewRegistry(&stubRowStore{rows: rows}, factory, sysCtx, sandbox, metrics.NewRegistry())

	_, err = r.Load(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"api_key": "k-123"}, got)
}

func TestDropDefersWhileInUse(t *testing.T) {
	sandbox := t.TempDir()
	path, hash := writePlugin(t, sandbox, "acme.py")

	factory := Factory{"acme": func(env Env) (Provider, error) {
		return &fakeProvider{name: "acme"}, nil
	}}
	rows := map[string]*models.CodeRegistryRow{
		"acme": {ClassName: "acme", FilePath: path, FileHash: hash},
	}
	r := newTestRegistry(t, sandbox, rows, factory)

	inst, err := r.Load(context.Background(), "acme")
	require.NoError(t, err)

	inst.MarkInUse(true)
	assert.False(t, r.Drop("acme"))
	_, loaded := r.Get("acme")
	assert.True(t, loaded)

	inst.MarkInUse(false)
	assert.True(t, r.Drop("acme"))
	_, loaded = r.Get("acme")
	assert.False(t, loaded)

	// Dropping an unloaded provider is a no-op.
	assert.False(t, r.Drop("acme"))
}

func TestValidate(t *testing.T) {
	sandbox := t.TempDir()
	path, _ := writePlugin(t, sandbox, "acme.py")

	factory := Factory{"acme": func(env Env) (Provider, error) {
		return &fakeProvider{name: "acme"}, nil
	}}
	r := newTestRegistry(t, sandbox, nil, factory)

	result, err := r.Validate(path)
	require.NoError(t, err)
	assert.Equal(t, "valid", result.Status)
	assert.Equal(t, "acme", result.ClassName)
	assert.Equal(t, models.SubtypeHistorical, result.SubclassType)
	assert.Equal(t, "acme", result.ModuleName)
}

func TestValidateRejections(t *testing.T) {
	sandbox := t.TempDir()
	r := newTestRegistry(t, sandbox, nil, Factory{})

	_, err := r.Validate("/etc/passwd")
	assert.Equal(t, errs.KindPermissionDenied, errs.KindOf(err))

	_, err = r.Validate(filepath.Join(sandbox, "missing.py"))
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))

	empty := filepath.Join(sandbox, "empty.py")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	_, err = r.Validate(empty)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))

	unknown, _ := writePlugin(t, sandbox, "unknown.py")
	_, err = r.Validate(unknown)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}
