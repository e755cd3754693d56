/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the settlement engine server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags, load config (file + SETTLE_* env)
  2. Initialize SQLite store
  3. Build the rail registry from configured rails
  4. Create engine, reconciliation scheduler, HTTP router
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Config file path (TOML/YAML, optional)
  -port    HTTP server port override
  -db      SQLite database path override
           Use ":memory:" for an in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete
  3. Stop the scheduler (drains in-flight reconciliations)
  4. Close database connection
  5. Exit

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration schema and defaults
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/shopspring/decimal"

	"github.com/blackgerm/settlement-engine/api"
	"github.com/blackgerm/settlement-engine/config"
	"github.com/blackgerm/settlement-engine/logging"
	"github.com/blackgerm/settlement-engine/rails"
	"github.com/blackgerm/settlement-engine/settlement"
	"github.com/blackgerm/settlement-engine/store/sqlite"
)

func main() {
	// Flags
	configPath := flag.String("config", "", "config file path (optional)")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	log := logging.New(cfg.Logging)

	// Initialize store
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		log.Error("failed to initialize database", "path", cfg.Database.Path, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// Build the rail registry
	registry, err := buildRegistry(cfg.Rails)
	if err != nil {
		log.Error("failed to build rail registry", "error", err)
		os.Exit(1)
	}

	// Engine and scheduler
	engine := settlement.NewEngine(store, registry, settlement.EngineConfig{
		MaxRetries:     cfg.Engine.MaxRetries,
		ExpireAfter:    cfg.Engine.ExpireAfter,
		AdapterTimeout: cfg.Engine.AdapterTimeout,
	}, log)

	scheduler := settlement.NewScheduler(engine, store, settlement.SchedulerConfig{
		Interval:    cfg.Scheduler.Interval,
		MinAge:      cfg.Scheduler.MinAge,
		Concurrency: cfg.Scheduler.Concurrency,
		ItemTimeout: cfg.Scheduler.ItemTimeout,
	}, log)
	scheduler.Start()
	defer scheduler.Stop()

	// Router and server
	handler := api.NewHandler(engine, scheduler, log)
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		log.Info("server starting", "port", cfg.Server.Port, "db", cfg.Database.Path)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", "error", err)
	}

	log.Info("server stopped")
}

// buildRegistry turns rail settings into a populated registry. Rail codes
// from config are uppercased; viper lowercases map keys on the way in.
func buildRegistry(settings map[string]config.RailSettings) (*rails.Registry, error) {
	registry := rails.NewRegistry()

	for name, rs := range settings {
		code := strings.ToUpper(name)

		railCfg, err := toRailConfig(code, rs)
		if err != nil {
			return nil, err
		}

		var adapter settlement.Adapter
		switch railCfg.Family {
		case settlement.FamilyBlockchain:
			adapter = rails.NewChainAdapter(rails.ChainConfig{
				BaseURL:   rs.Endpoint,
				APIKey:    rs.APIKey,
				Precision: rs.Precision,
			}, nil)
		case settlement.FamilyMobileMoney:
			adapter = rails.NewMomoAdapter(rails.MomoConfig{
				Provider:   code,
				BaseURL:    rs.Endpoint,
				APIKey:     rs.APIKey,
				APISecret:  rs.APISecret,
				MerchantID: rs.MerchantID,
				Currency:   rs.Currency,
			}, nil)
		default:
			return nil, fmt.Errorf("rail %s: unknown family %q", code, rs.Family)
		}

		registry.Register(railCfg, adapter)
	}

	return registry, nil
}

func toRailConfig(code string, rs config.RailSettings) (settlement.RailConfig, error) {
	min, err := decimal.NewFromString(rs.MinAmount)
	if err != nil {
		return settlement.RailConfig{}, fmt.Errorf("rail %s: bad min_amount %q: %w", code, rs.MinAmount, err)
	}
	max, err := decimal.NewFromString(rs.MaxAmount)
	if err != nil {
		return settlement.RailConfig{}, fmt.Errorf("rail %s: bad max_amount %q: %w", code, rs.MaxAmount, err)
	}
	fee, err := decimal.NewFromString(rs.WithdrawalFee)
	if err != nil {
		return settlement.RailConfig{}, fmt.Errorf("rail %s: bad withdrawal_fee %q: %w", code, rs.WithdrawalFee, err)
	}

	return settlement.RailConfig{
		Code:            code,
		Family:          settlement.RailFamily(rs.Family),
		Currency:        rs.Currency,
		Precision:       rs.Precision,
		MinAmount:       min,
		MaxAmount:       max,
		WithdrawalFee:   fee,
		PlatformAddress: rs.PlatformAddress,
	}, nil
}
