/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the settlement engine server, and exposes the
  operational subcommands. Handles configuration, dependency injection,
  and graceful shutdown.

COMMANDS:
  serve     Run the HTTP API (default when no subcommand is given)
  migrate   Create or update the database schema and exit
  seed      Reset the database and load a demo scenario
  version   Print the build version

STARTUP SEQUENCE (serve):
  1. Load configuration (.env, environment, then flags)
  2. Open the ledger store for DB_DRIVER
  3. Connect the Redis note lock when REDIS_ADDRESS is set
  4. Build engine, query service, handler and router
  5. Start the collections scheduler
  6. Start server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler, close Redis and the database
  4. Exit

EXAMPLES:
  # Run with file database
  ./server serve --sqlite-path=./data/settlement.db

  # Run with in-memory database and demo routes
  ./server serve --sqlite-path=":memory:" --demo

  # Production
  DB_DRIVER=mysql DB_USER=app DB_NAME=settlement REDIS_ADDRESS=redis:6379 ./server serve

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/warp/settlement-engine/api"
	"github.com/warp/settlement-engine/config"
	"github.com/warp/settlement-engine/ledger"
	"github.com/warp/settlement-engine/locker"
	"github.com/warp/settlement-engine/seed"
	"github.com/warp/settlement-engine/store/mysql"
	"github.com/warp/settlement-engine/store/sqlite"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// overrides holds flag values that win over the environment when set.
type overrides struct {
	port       int
	driver     string
	sqlitePath string
	logLevel   string
}

func (o overrides) apply(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Port = o.port
	}
	if flags.Changed("db-driver") {
		cfg.DBDriver = o.driver
	}
	if flags.Changed("sqlite-path") {
		cfg.SQLitePath = o.sqlitePath
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	return cfg.Validate()
}

func rootCmd() *cobra.Command {
	var o overrides

	cmd := &cobra.Command{
		Use:           "server",
		Short:         "Receivables settlement engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().IntVar(&o.port, "port", 8080, "HTTP server port")
	cmd.PersistentFlags().StringVar(&o.driver, "db-driver", config.DriverSQLite, "Ledger store: sqlite or mysql")
	cmd.PersistentFlags().StringVar(&o.sqlitePath, "sqlite-path", "settlement.db", `SQLite database path (":memory:" allowed)`)
	cmd.PersistentFlags().StringVar(&o.logLevel, "log-level", "info", "Log level")

	serve := serveCmd(&o)
	cmd.RunE = serve.RunE
	cmd.Flags().AddFlagSet(serve.Flags())

	cmd.AddCommand(serve)
	cmd.AddCommand(migrateCmd(&o))
	cmd.AddCommand(seedCmd(&o))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})

	return cmd
}

// =============================================================================
// SERVE
// =============================================================================

func serveCmd(o *overrides) *cobra.Command {
	var (
		demo             bool
		snapshotInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if err := o.apply(cmd, &cfg); err != nil {
				return err
			}
			return serve(cfg, demo, snapshotInterval)
		},
	}

	cmd.Flags().BoolVar(&demo, "demo", false, "Mount the demo scenario routes (they reset the database)")
	cmd.Flags().DurationVar(&snapshotInterval, "snapshot-interval", 15*time.Minute, "Collections gauge refresh interval (0 disables)")
	return cmd
}

func serve(cfg config.Config, demo bool, snapshotInterval time.Duration) error {
	logger := config.NewLogger(cfg.LogLevel)
	ctx := context.Background()

	// Initialize store
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	opts := []ledger.Option{
		ledger.WithLogger(logger),
		ledger.WithRetryPolicy(retryPolicy(cfg)),
	}

	if cfg.RedisAddress != "" {
		lock, rdb, err := locker.Connect(ctx, cfg.RedisAddress, logger)
		if err != nil {
			// The lock only narrows races; the store still serializes applies.
			config.LogError(logger, "main", "serve", "redis unavailable, running without note lock", cfg.RedisAddress, err)
		} else {
			defer rdb.Close()
			opts = append(opts, ledger.WithLocker(lock))
		}
	}

	engine := ledger.NewEngine(store, opts...)
	query := ledger.NewQueryService(store, ledger.WithLogger(logger))
	metrics := api.NewMetrics()

	handler := api.NewHandler(engine, query, store, logger, metrics)
	if demo {
		handler.Scenarios = seed.NewLoader(store, engine, logger)
	}
	router := api.NewRouter(handler, cfg.CORSOrigins)

	scheduler := api.NewCollectionsScheduler(query, metrics, logger)
	scheduler.CheckInterval = snapshotInterval
	scheduler.Enabled = snapshotInterval > 0
	scheduler.Start()
	defer scheduler.Stop()

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"module": "main",
			"port":   cfg.Port,
			"driver": cfg.DBDriver,
		}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-quit:
	}

	logger.WithField("module", "main").Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.WithField("module", "main").Info("server stopped")
	return nil
}

// =============================================================================
// MIGRATE / SEED
// =============================================================================

func migrateCmd(o *overrides) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if err := o.apply(cmd, &cfg); err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg, config.NewLogger(cfg.LogLevel))
			if err != nil {
				return err
			}
			defer store.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s)\n", cfg.DBDriver)
			return nil
		},
	}
}

func seedCmd(o *overrides) *cobra.Command {
	var (
		scenario string
		apply    bool
	)

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Reset the database and load a demo scenario",
		Long: `Reset the database and load a demo scenario.

Available scenarios:
  retail-return      Pending restocking credit note and late-fee debit note
  overdue-portfolio  Installment plans with paid, partial and overdue notes
  full               Both (default)
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if err := o.apply(cmd, &cfg); err != nil {
				return err
			}
			logger := config.NewLogger(cfg.LogLevel)
			ctx := cmd.Context()

			store, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			engine := ledger.NewEngine(store, ledger.WithLogger(logger), ledger.WithRetryPolicy(retryPolicy(cfg)))
			res, err := seed.NewLoader(store, engine, logger).Load(ctx, scenario)
			if err != nil {
				return err
			}

			if apply {
				for _, id := range res.CreditNotes {
					if _, err := engine.ApplyCreditNote(ctx, id, "seed"); err != nil {
						return err
					}
				}
				for _, id := range res.DebitNotes {
					if _, err := engine.ApplyDebitNote(ctx, id, "seed"); err != nil {
						return err
					}
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "loaded %s: %d credit notes, %d debit notes (applied: %t)\n",
				res.Scenario, len(res.CreditNotes), len(res.DebitNotes), apply)
			return nil
		},
	}

	cmd.Flags().StringVar(&scenario, "scenario", "full", "Scenario to load")
	cmd.Flags().BoolVar(&apply, "apply", false, "Also apply every note the scenario registers")
	return cmd
}

// =============================================================================
// WIRING
// =============================================================================

// backend is what every ledger store offers the binary.
type backend interface {
	ledger.Store
	ledger.Registry
	Ping(ctx context.Context) error
	Reset(ctx context.Context) error
	Close() error
}

// openStore opens the configured store with its schema in place.
func openStore(ctx context.Context, cfg config.Config, logger *logrus.Logger) (backend, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	switch cfg.DBDriver {
	case config.DriverMySQL:
		store, err := mysql.Open(mysql.Config{
			User:            cfg.DBUser,
			Password:        cfg.DBPassword,
			Host:            cfg.DBHost,
			Port:            cfg.DBPort,
			Name:            cfg.DBName,
			MaxOpenConns:    cfg.DBMaxOpenConns,
			MaxIdleConns:    cfg.DBMaxIdleConns,
			ConnMaxLifetime: cfg.DBConnMaxLifetime,
			ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
		}, logger)
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil
	default:
		store, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		return store, nil
	}
}

func retryPolicy(cfg config.Config) ledger.RetryPolicy {
	p := ledger.DefaultRetryPolicy
	p.MaxAttempts = cfg.ConflictMaxAttempts
	return p
}
