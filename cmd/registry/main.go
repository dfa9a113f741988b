package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/quantfold/markethub/internal/assets"
	"github.com/quantfold/markethub/internal/config"
	"github.com/quantfold/markethub/internal/datahub"
	"github.com/quantfold/markethub/internal/db"
	"github.com/quantfold/markethub/internal/httpapi"
	"github.com/quantfold/markethub/internal/identity"
	"github.com/quantfold/markethub/internal/index"
	runlog "github.com/quantfold/markethub/internal/log"
	"github.com/quantfold/markethub/internal/mapping"
	"github.com/quantfold/markethub/internal/metrics"
	"github.com/quantfold/markethub/internal/provider"
	"github.com/quantfold/markethub/internal/secrets"
)

const version = "v1.3.0"

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	zlog.Logger = zlog.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     "registry",
		Short:   "MarketHub asset catalog",
		Version: version,
		Long: `Registry owns the asset catalog: provider discovery, identity matching,
automated symbol mapping, index memberships and mapping suggestions.`,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the catalog API service",
		RunE:  runServe,
	}
	serveCmd.Flags().String("config", "", "Path to YAML config file")

	updateCmd := &cobra.Command{
		Use:   "update",
		Short: "Refresh assets for one provider or all",
		RunE:  runUpdate,
	}
	updateCmd.Flags().String("config", "", "Path to YAML config file")
	updateCmd.Flags().String("class-name", "", "Provider class name (empty = all providers)")
	updateCmd.Flags().String("class-type", "DataProvider", "Provider class type")

	secretsCmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage sealed provider secrets",
	}
	setSecretsCmd := &cobra.Command{
		Use:   "set <class-name> KEY=VALUE [KEY=VALUE...]",
		Short: "Seal and store secrets for a registered provider",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runSecretsSet,
	}
	setSecretsCmd.Flags().String("config", "", "Path to YAML config file")
	secretsCmd.AddCommand(setSecretsCmd)

	rootCmd.AddCommand(serveCmd, updateCmd, secretsCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type services struct {
	manager   *db.Manager
	pipeline  *assets.Pipeline
	suggester *mapping.Suggester
	metrics   *metrics.Registry
	cfg       config.Registry
}

func buildServices(cmd *cobra.Command) (*services, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadRegistry(configPath)
	if err != nil {
		return nil, err
	}
	setLogLevel(cfg.LogLevel)

	manager, err := db.NewManager(cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := manager.Migrate(context.Background()); err != nil {
		manager.Close()
		return nil, err
	}

	m := metrics.NewRegistry()
	pool := manager.DB()

	source := datahub.NewClient(cfg.DataHubURL, m)
	store := provider.NewSQLStore(pool)
	matcher := identity.NewMatcher(pool, m)
	mapper := mapping.NewMapper(pool, m)
	engine := index.NewEngine(m)
	pipeline := assets.NewPipeline(pool, source, store, matcher, mapper, engine)
	suggester := mapping.NewSuggester(pool)

	return &services{
		manager:   manager,
		pipeline:  pipeline,
		suggester: suggester,
		metrics:   m,
		cfg:       cfg,
	}, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	svc, err := buildServices(cmd)
	if err != nil {
		return err
	}
	defer svc.manager.Close()

	server := httpapi.NewServer(svc.cfg.HTTP, svc.metrics, "registry_http")
	server.AddHealthCheck("database", svc.manager.Ping)
	httpapi.NewRegistryAPI(svc.pipeline, svc.suggester).Register(server)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start() }()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	zlog.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// runUpdate drives the refresh pipeline from the command line and prints the
// counters as JSON.
func runUpdate(cmd *cobra.Command, _ []string) error {
	svc, err := buildServices(cmd)
	if err != nil {
		return err
	}
	defer svc.manager.Close()

	className, _ := cmd.Flags().GetString("class-name")
	classType, _ := cmd.Flags().GetString("class-type")
	ctx := context.Background()

	if className == "" {
		run := runlog.NewRunLogger("update-all-assets")
		responses, err := svc.pipeline.UpdateAll(ctx)
		if err != nil {
			run.Fail(err)
			return err
		}
		for _, resp := range responses {
			run.Provider(resp.Provider, resp.Status, resp.Inserted+resp.Updated, resp.FailedSymbols)
		}
		run.Finish()
		return printJSON(responses)
	}

	run := runlog.NewRunLogger("update-assets")
	resp, err := svc.pipeline.UpdateProvider(ctx, className, classType)
	if err != nil {
		run.Fail(err)
		if resp != nil {
			printJSON(resp)
		}
		return err
	}
	run.Provider(resp.Provider, resp.Status, resp.Inserted+resp.Updated, resp.FailedSymbols)
	run.Finish()
	return printJSON(resp)
}

// runSecretsSet seals KEY=VALUE pairs under the provider's file hash and
// stores them on its registry row. The existing blob is replaced whole.
func runSecretsSet(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadRegistry(configPath)
	if err != nil {
		return err
	}
	setLogLevel(cfg.LogLevel)

	className := args[0]
	values := make(map[string]string, len(args)-1)
	for _, pair := range args[1:] {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return fmt.Errorf("secret %q is not KEY=VALUE", pair)
		}
		values[key] = value
	}

	masterKey, err := readMasterKey()
	if err != nil {
		return err
	}

	manager, err := db.NewManager(cfg.Database)
	if err != nil {
		return err
	}
	defer manager.Close()

	ctx := context.Background()
	store := provider.NewSQLStore(manager.DB())
	row, err := store.GetByClassName(ctx, className)
	if err != nil {
		return err
	}
	if row == nil {
		return fmt.Errorf("class %s is not registered", className)
	}

	derived, err := secrets.NewSystemContext(masterKey).Derive(row.FileHash)
	if err != nil {
		return err
	}
	nonce, ciphertext, err := derived.Seal(values)
	if err != nil {
		return err
	}
	if err := store.SetSecrets(ctx, className, nonce, ciphertext); err != nil {
		return err
	}

	for key := range values {
		zlog.Info().Str("class", className).Str("key", key).Msg("Secret sealed")
	}
	return nil
}

// readMasterKey takes the key material from the environment, or prompts when
// running interactively.
func readMasterKey() ([]byte, error) {
	if key := os.Getenv("MARKETHUB_MASTER_KEY"); key != "" {
		return []byte(key), nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil, fmt.Errorf("MARKETHUB_MASTER_KEY is required in non-interactive mode")
	}
	fmt.Fprint(os.Stderr, "Master key: ")
	key, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to read master key: %w", err)
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("master key must not be empty")
	}
	return key, nil
}

func printJSON(payload interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

func setLogLevel(level string) {
	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}
