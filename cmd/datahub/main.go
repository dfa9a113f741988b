package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/quantfold/markethub/internal/calendar"
	"github.com/quantfold/markethub/internal/config"
	"github.com/quantfold/markethub/internal/db"
	"github.com/quantfold/markethub/internal/dispatch"
	"github.com/quantfold/markethub/internal/httpapi"
	"github.com/quantfold/markethub/internal/metrics"
	"github.com/quantfold/markethub/internal/provider"
	"github.com/quantfold/markethub/internal/provider/plugins"
	"github.com/quantfold/markethub/internal/reconcile"
	"github.com/quantfold/markethub/internal/scheduler"
	"github.com/quantfold/markethub/internal/secrets"
)

const version = "v1.3.0"

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     "datahub",
		Short:   "MarketHub data collector",
		Version: version,
		Long: `DataHub pulls historical and live market data from registered providers,
reconciles subscriptions into scheduled jobs, and serves the internal
discovery endpoints the Registry depends on.`,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the collector service",
		RunE:  runServe,
	}
	serveCmd.Flags().String("config", "", "Path to YAML config file")
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadDataHub(configPath)
	if err != nil {
		return err
	}
	setLogLevel(cfg.LogLevel)

	masterKey, err := readMasterKey()
	if err != nil {
		return err
	}
	sysCtx := secrets.NewSystemContext(masterKey)

	manager, err := db.NewManager(cfg.Database)
	if err != nil {
		return err
	}
	defer manager.Close()
	if err := manager.Migrate(context.Background()); err != nil {
		return err
	}

	m := metrics.NewRegistry()

	var cache *dispatch.BarCache
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		cache = dispatch.NewBarCache(client, cfg.Redis.TTL)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Bar cache enabled")
	}

	store := provider.NewSQLStore(manager.DB())
	registry := provider.NewRegistry(store, plugins.Builtin(), sysCtx, cfg.SandboxPrefix, m)
	cal := calendar.New()
	barStore := dispatch.NewBarStore(manager.DB(), m, cache)
	dispatcher := dispatch.NewDispatcher(registry, cal, barStore)

	sched := scheduler.New(m)
	sched.Start()
	defer sched.Stop()

	subs := reconcile.NewSubscriptionStore(manager.DB())
	reconciler := reconcile.NewReconciler(subs, registry, sched, dispatcher, m, cfg.ReconcileInterval)
	indexSync := reconcile.NewIndexSyncReconciler(store, registry, sched, cfg.RegistryURL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go reconciler.Run(ctx)
	go runIndexSyncLoop(ctx, indexSync, cfg.ReconcileInterval)

	server := httpapi.NewServer(cfg.HTTP, m, "datahub_http")
	server.AddHealthCheck("database", manager.Ping)
	server.AddHealthCheck("scheduler", func(context.Context) error {
		if state := sched.State(); state != scheduler.StateRunning {
			return fmt.Errorf("scheduler is %s", state)
		}
		return nil
	})
	httpapi.NewDataHubAPI(registry).Register(server)

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start() }()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func runIndexSyncLoop(ctx context.Context, r *reconcile.IndexSyncReconciler, interval time.Duration) {
	if interval <= 0 {
		interval = reconcile.DefaultInterval
	}
	if err := r.Reconcile(ctx); err != nil {
		log.Error().Err(err).Msg("Index sync reconcile failed")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Reconcile(ctx); err != nil {
				log.Error().Err(err).Msg("Index sync reconcile failed")
			}
		}
	}
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

func setLogLevel(level string) {
	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}
