// Package main is the entry point for the taskctl-controller binary. It
// wires the Repository, Agent Registry, Connection Gateway, Task Manager,
// Scheduler, and Notifier together and serves the agent WebSocket endpoint.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Initialize encryption, open the database, build the repository Store
//  4. Build Agent Registry, Notifier, Task Manager, and start the Task
//     Manager (startup reconciliation)
//  5. Build Scheduler and start it (installs timers for existing tasks)
//  6. Build Connection Gateway
//  7. Serve HTTP, block until SIGINT/SIGTERM, then graceful shutdown
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

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/arkeep-io/taskctl/internal/db"
	"github.com/arkeep-io/taskctl/internal/gateway"
	"github.com/arkeep-io/taskctl/internal/notification"
	"github.com/arkeep-io/taskctl/internal/registry"
	"github.com/arkeep-io/taskctl/internal/repository"
	"github.com/arkeep-io/taskctl/internal/scheduler"
	"github.com/arkeep-io/taskctl/internal/taskmanager"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr  string
	dbDriver  string
	dbDSN     string
	secretKey string
	logLevel  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "taskctl-controller",
		Short: "taskctl controller — distributed task orchestration server",
		Long: `taskctl-controller accepts agent WebSocket connections, schedules
and dispatches tasks, tracks dependency graphs, and persists run history.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("TASKCTL_HTTP_ADDR", ":8080"), "Agent WebSocket listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("TASKCTL_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("TASKCTL_DB_DSN", "./taskctl.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.secretKey, "secret-key", envOrDefault("TASKCTL_SECRET_KEY", ""), "Master secret key for encrypting agent tokens and asset values at rest (required)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("TASKCTL_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("taskctl-controller %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.secretKey == "" {
		return fmt.Errorf("secret key is required — set --secret-key or TASKCTL_SECRET_KEY")
	}

	logger.Info("starting taskctl controller",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Encryption ---
	keyBytes := make([]byte, 32)
	copy(keyBytes, []byte(cfg.secretKey))
	if err := db.InitEncryption(keyBytes); err != nil {
		return fmt.Errorf("failed to initialize encryption: %w", err)
	}

	// --- 2. Database ---
	gormDB, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.logLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	store := repository.NewStore(gormDB)

	// --- 3. Registry, Notifier, Task Manager ---
	reg := registry.New(logger)
	notifier := notification.New(logger)
	taskMgr := taskmanager.New(store, reg, notifier, logger)
	if err := taskMgr.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task manager: %w", err)
	}

	// --- 4. Scheduler ---
	sched, err := scheduler.New(store.Tasks, taskMgr, logger)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	// --- 5. Connection Gateway ---
	gw := gateway.New(gateway.DefaultConfig(), reg, store.Agents, taskMgr, taskMgr, logger)

	mux := http.NewServeMux()
	mux.Handle("/agent", gw)

	httpSrv := &http.Server{
		Addr:         cfg.httpAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down taskctl controller")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	// §5 graceful shutdown order: stop the scheduler so no new run is
	// triggered, then mark every online agent offline and close every live
	// connection with code 1000, then tear down the HTTP listener. The
	// store itself closes last, via the sqlDB.Close() deferred above.
	if err := sched.Stop(); err != nil {
		logger.Warn("scheduler shutdown error", zap.Error(err))
	}

	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown did not complete before timeout", zap.Error(err))
	}

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("taskctl controller stopped")
	return nil
}

func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
