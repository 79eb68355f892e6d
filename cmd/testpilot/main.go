// Command testpilot runs the QA session orchestration daemon: it owns the
// browser driver handles, the live session registry, the saved-script
// library, and the HTTP control surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/odvcencio/testpilot/pkg/api"
	"github.com/odvcencio/testpilot/pkg/config"
	"github.com/odvcencio/testpilot/pkg/decision"
	"github.com/odvcencio/testpilot/pkg/decision/adapters/agentd"
	"github.com/odvcencio/testpilot/pkg/driver"
	"github.com/odvcencio/testpilot/pkg/driver/adapters/playwrightd"
	"github.com/odvcencio/testpilot/pkg/insert"
	"github.com/odvcencio/testpilot/pkg/logging"
	"github.com/odvcencio/testpilot/pkg/metrics"
	"github.com/odvcencio/testpilot/pkg/multirun"
	"github.com/odvcencio/testpilot/pkg/script"
	"github.com/odvcencio/testpilot/pkg/session"
	"github.com/odvcencio/testpilot/pkg/storage"
	"github.com/odvcencio/testpilot/pkg/stream"
)

// Version information - set via ldflags during build
var (
	version   = "1.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to config file (default: standard locations)")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("testpilot %s (%s, built %s)\n", version, commit, buildDate)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFromPath(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.Logging.Dir, "testpilot")
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logger.Close()
	logger.SetMinLevel(logging.Level(cfg.Logging.Level))

	store, err := storage.New(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	library, err := script.NewLibrary(cfg.Scripts.Dir)
	if err != nil {
		return fmt.Errorf("open script library: %w", err)
	}

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()
	go func() {
		if err := library.Watch(watchCtx); err != nil {
			_ = logger.Warn(logging.CategorySystem, "library.watch_failed", err.Error(), nil)
		}
	}()

	baseDriver, err := buildDriver(cfg)
	if err != nil {
		return err
	}
	defer baseDriver.Close()
	manager := driver.NewManager(baseDriver, cfg.Driver.MaxConcurrent)
	defer manager.Close()

	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}

	mets := metrics.New()
	hub := stream.NewHub(cfg.Session.EventLogCap)
	defer hub.Close()

	registry := session.NewRegistry(session.RegistryConfig{
		Hub:      hub,
		Manager:  manager,
		Provider: provider,
		Store:    store,
		Library:  library,
		Logger:   logger,
		Metrics:  mets,
	})
	if err := registry.RecoverOrphans(); err != nil {
		return fmt.Errorf("orphan recovery: %w", err)
	}

	batches := multirun.NewManager(hub, registry, library, logger)
	inserts := insert.NewManager(hub, manager, provider, library)

	server := api.NewServer(api.ServerConfig{
		Config:   cfg,
		Registry: registry,
		Batches:  batches,
		Inserts:  inserts,
		Library:  library,
		Hub:      hub,
		Store:    store,
		Metrics:  mets,
		Logger:   log.New(os.Stderr, "[api] ", log.LstdFlags),
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		_ = logger.Info(logging.CategorySystem, "shutdown.signal", sig.String(), nil)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		_ = logger.Warn(logging.CategorySystem, "shutdown.server", err.Error(), nil)
	}

	// Stop live work before the driver and store close underneath it.
	batches.StopAll()
	inserts.CloseAll()
	registry.StopAll()
	return nil
}

// buildDriver connects to the configured automation daemon.
func buildDriver(cfg *config.Config) (driver.Driver, error) {
	if cfg.Driver.Endpoint == "" {
		return nil, fmt.Errorf("driver.endpoint is not configured; point it at a running automation daemon")
	}
	return playwrightd.New(playwrightd.Config{Endpoint: cfg.Driver.Endpoint})
}

// buildProvider connects to the configured agent daemon and bounds its calls.
func buildProvider(cfg *config.Config) (decision.Provider, error) {
	if cfg.Provider.Endpoint == "" {
		return nil, fmt.Errorf("provider.endpoint is not configured; point it at a running agent daemon")
	}
	inner, err := agentd.New(agentd.Config{
		BaseURL: cfg.Provider.Endpoint,
		APIKey:  cfg.Provider.APIKey,
	})
	if err != nil {
		return nil, err
	}
	return decision.Bound(inner, cfg.Provider.DecideTimeout, cfg.Provider.PlanTimeout), nil
}
