package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/markethub/internal/errs"
	"github.com/quantfold/markethub/internal/metrics"
	"github.com/quantfold/markethub/internal/models"
	"github.com/quantfold/markethub/internal/secrets"
)

// RowStore reads code registry rows.
type RowStore interface {
	GetByClassName(ctx context.Context, className string) (*models.CodeRegistryRow, error)
}

// Factory is the closed set of statically registered plugin constructors,
// keyed by provider name.
type Factory map[string]Constructor

// Registry loads, verifies and caches provider instances (one per name).
type Registry struct {
	store         RowStore
	factory       Factory
	sysCtx        secrets.SystemContext
	sandboxPrefix string
	metrics       *metrics.Registry
	log           zerolog.Logger

	mu     sync.Mutex
	loaded map[string]*Instance
}

// NewRegistry creates an empty provider registry.
func NewRegistry(store RowStore, factory Factory, sysCtx secrets.SystemContext, sandboxPrefix string, m *metrics.Registry) *Registry {
	return &Registry{
		store:         store,
		factory:       factory,
		sysCtx:        sysCtx,
		sandboxPrefix: sandboxPrefix,
		metrics:       m,
		log:           log.With().Str("component", "provider_registry").Logger(),
		loaded:        make(map[string]*Instance),
	}
}

// Get returns a loaded instance without loading.
func (r *Registry) Get(name string) (*Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.loaded[name]
	return inst, ok
}

// LoadedNames returns the names of all loaded instances.
func (r *Registry) LoadedNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.loaded))
	for name := range r.loaded {
		names = append(names, name)
	}
	return names
}

// Load returns the cached instance or loads it from the code registry. Every
// failure is logged and reported as an error the caller may treat as
// non-fatal; a failed load never aborts the surrounding workflow.
func (r *Registry) Load(ctx context.Context, name string) (*Instance, error) {
	r.mu.Lock()
	if inst, ok := r.loaded[name]; ok {
		r.mu.Unlock()
		return inst, nil
	}
	r.mu.Unlock()

	inst, err := r.load(ctx, name)
	if err != nil {
		r.log.Warn().Str("provider", name).Err(err).Msg("Provider load failed")
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Another caller may have won the race; keep the first instance.
	if existing, ok := r.loaded[name]; ok {
		inst.Drop()
		return existing, nil
	}
	r.loaded[name] = inst
	r.metrics.LoadedProviders.Set(float64(len(r.loaded)))
	r.log.Info().Str("provider", name).Str("type", inst.Type()).Msg("Provider loaded")
	return inst, nil
}

func (r *Registry) load(ctx context.Context, name string) (*Instance, error) {
	row, err := r.store.GetByClassName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("registry lookup failed: %w", err)
	}
	if row == nil {
		return nil, errs.NotFound("provider %s is not registered", name)
	}

	if err := r.checkSandbox(row.FilePath); err != nil {
		return nil, err
	}

	hash, err := HashFile(row.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to hash plugin file: %w", err)
	}
	if hash != row.FileHash {
		return nil, fmt.Errorf("plugin file hash mismatch for %s: stored %s, actual %s",
			name, row.FileHash, hash)
	}

	ctor, ok := r.factory[name]
	if !ok {
		return nil, errs.NotFound("no plugin implementation registered for %s", name)
	}

	prefs, err := ParsePreferences(row.Preferences)
	if err != nil {
		return nil, err
	}

	secretValues, err := r.decryptSecrets(row)
	if err != nil {
		return nil, err
	}

	client := newHTTPClient()
	impl, err := ctor(Env{Secrets: secretValues, Preferences: prefs, HTTPClient: client})
	if err != nil {
		client.CloseIdleConnections()
		return nil, fmt.Errorf("plugin constructor failed: %w", err)
	}
	if impl.Name() != name {
		impl.Close()
		client.CloseIdleConnections()
		return nil, fmt.Errorf("plugin name %q does not match requested %q", impl.Name(), name)
	}

	return newInstance(impl, prefs, client), nil
}

func (r *Registry) decryptSecrets(row *models.CodeRegistryRow) (map[string]string, error) {
	if len(row.Ciphertext) == 0 {
		return map[string]string{}, nil
	}
	derived, err := r.sysCtx.Derive(row.FileHash)
	if err != nil {
		return nil, err
	}
	values, err := derived.Open(row.Nonce, row.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("secrets decryption failed for %s: %w", row.ClassName, err)
	}
	return values, nil
}

func (r *Registry) checkSandbox(path string) error {
	clean := filepath.Clean(path)
	if !strings.HasPrefix(clean, filepath.Clean(r.sandboxPrefix)+string(filepath.Separator)) {
		return errs.New(errs.KindPermissionDenied, "plugin path %s is outside the sandbox", path)
	}
	return nil
}

// Drop unloads a provider unless it is in use. Returns whether it was
// dropped.
func (r *Registry) Drop(name string) bool {
	r.mu.Lock()
	inst, ok := r.loaded[name]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if inst.InUse() {
		r.mu.Unlock()
		r.log.Debug().Str("provider", name).Msg("Provider in use, drop deferred")
		return false
	}
	delete(r.loaded, name)
	r.metrics.LoadedProviders.Set(float64(len(r.loaded)))
	r.mu.Unlock()

	inst.Drop()
	r.log.Info().Str("provider", name).Msg("Provider unloaded")
	return true
}

// ValidateResult is the response of the plugin validation endpoint.
type ValidateResult struct {
	Status       string `json:"status"`
	ClassName    string `json:"class_name"`
	SubclassType string `json:"subclass_type"`
	ModuleName   string `json:"module_name"`
	FilePath     string `json:"file_path"`
}

// Validate checks an uploaded plugin file: sandbox prefix, readable non-empty
// contents, and a registered implementation matching the file stem.
func (r *Registry) Validate(filePath string) (*ValidateResult, error) {
	if err := r.checkSandbox(filePath); err != nil {
		return nil, err
	}
	info, err := os.Stat(filePath)
	if err != nil {
		return nil, errs.Validation("plugin file %s is not readable: %v", filePath, err)
	}
	if info.Size() == 0 {
		return nil, errs.Validation("plugin file %s is empty", filePath)
	}

	module := strings.TrimSuffix(filepath.Base(filePath), filepath.Ext(filePath))
	ctor, ok := r.factory[module]
	if !ok {
		return nil, errs.Validation("no plugin implementation registered for %s", module)
	}

	impl, err := ctor(Env{Secrets: map[string]string{}, Preferences: Preferences{}, HTTPClient: newHTTPClient()})
	if err != nil {
		return nil, errs.Validation("plugin constructor failed: %v", err)
	}
	defer impl.Close()

	return &ValidateResult{
		Status:       "valid",
		ClassName:    impl.Name(),
		SubclassType: subclassFor(impl.Type()),
		ModuleName:   module,
		FilePath:     filePath,
	}, nil
}

func subclassFor(providerType string) string {
	switch providerType {
	case TypeRealtime:
		return models.SubtypeLive
	case TypeIndex:
		return models.SubtypeIndexProvider
	default:
		return models.SubtypeHistorical
	}
}

// HashFile returns the hex SHA-256 of a file's bytes.
func HashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
