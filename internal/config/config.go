// Package config loads service configuration from YAML with environment
// overrides for deployment secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quantfold/markethub/internal/db"
	"github.com/quantfold/markethub/internal/httpapi"
)

// RedisConfig configures the optional hot bar cache.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// DataHub configures the collector service.
type DataHub struct {
	HTTP              httpapi.Config `yaml:"http"`
	Database          db.Config      `yaml:"database"`
	Redis             RedisConfig    `yaml:"redis"`
	SandboxPrefix     string         `yaml:"sandbox_prefix"`
	RegistryURL       string         `yaml:"registry_url"`
	ReconcileInterval time.Duration  `yaml:"reconcile_interval"`
	LogLevel          string         `yaml:"log_level"`
}

// Registry configures the catalog service.
type Registry struct {
	HTTP       httpapi.Config `yaml:"http"`
	Database   db.Config      `yaml:"database"`
	DataHubURL string         `yaml:"datahub_url"`
	LogLevel   string         `yaml:"log_level"`
}

// DefaultDataHub returns the collector defaults.
func DefaultDataHub() DataHub {
	return DataHub{
		HTTP:              httpapi.DefaultConfig(8090),
		Database:          db.DefaultConfig(),
		Redis:             RedisConfig{TTL: 24 * time.Hour},
		SandboxPrefix:     "/var/lib/markethub/plugins",
		RegistryURL:       "http://127.0.0.1:8080",
		ReconcileInterval: 30 * time.Second,
		LogLevel:          "info",
	}
}

// DefaultRegistry returns the catalog defaults.
func DefaultRegistry() Registry {
	return Registry{
		HTTP:       httpapi.DefaultConfig(8080),
		Database:   db.DefaultConfig(),
		DataHubURL: "http://127.0.0.1:8090",
		LogLevel:   "info",
	}
}

// LoadDataHub reads the collector config. An empty path keeps the defaults.
func LoadDataHub(path string) (DataHub, error) {
	cfg := DefaultDataHub()
	if err := loadYAML(path, &cfg); err != nil {
		return cfg, err
	}
	applyEnv(&cfg.Database)
	if addr := os.Getenv("MARKETHUB_REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	return cfg, nil
}

// LoadRegistry reads the catalog config. An empty path keeps the defaults.
func LoadRegistry(path string) (Registry, error) {
	cfg := DefaultRegistry()
	if err := loadYAML(path, &cfg); err != nil {
		return cfg, err
	}
	applyEnv(&cfg.Database)
	return cfg, nil
}

func loadYAML(path string, out interface{}) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

// applyEnv lets deployments inject the DSN without writing it to disk.
func applyEnv(dbCfg *db.Config) {
	if dsn := os.Getenv("MARKETHUB_DB_DSN"); dsn != "" {
		dbCfg.DSN = dsn
	}
}
