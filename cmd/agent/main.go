// Package main is the entry point for the taskctl-agent binary. It wires
// the reconnecting controller connection to the Agent Executor and starts
// the connection loop.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Build the reconnecting Conn
//  4. Build the Executor and bind it to the Conn as its Dispatcher
//  5. Run the connection loop until SIGINT/SIGTERM
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/arkeep-io/taskctl/internal/agentconn"
	"github.com/arkeep-io/taskctl/internal/executor"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	serverURL string
	agentID   string
	authToken string
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
		Use:   "taskctl-agent",
		Short: "taskctl agent — task execution agent for the taskctl system",
		Long: `taskctl-agent connects to the taskctl controller over a persistent
WebSocket, receives task dispatches, and runs them under the named
interpreter (bash, python, or node).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.serverURL, "controller-url", envOrDefault("TASKCTL_CONTROLLER_URL", "ws://localhost:8080/agent"), "taskctl controller WebSocket URL")
	root.PersistentFlags().StringVar(&cfg.agentID, "agent-id", envOrDefault("TASKCTL_AGENT_ID", ""), "Agent key this agent authenticates as (required)")
	root.PersistentFlags().StringVar(&cfg.authToken, "auth-token", envOrDefault("TASKCTL_AUTH_TOKEN", ""), "Auth token matching the controller's stored agent record (required)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("TASKCTL_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("taskctl-agent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.agentID == "" || cfg.authToken == "" {
		return fmt.Errorf("agent-id and auth-token are required — set --agent-id/--auth-token or TASKCTL_AGENT_ID/TASKCTL_AUTH_TOKEN")
	}

	logger.Info("starting taskctl agent",
		zap.String("version", version),
		zap.String("controller_url", cfg.serverURL),
		zap.String("agent_id", cfg.agentID),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	conn := agentconn.New(agentconn.Config{
		ServerURL: cfg.serverURL,
		AgentID:   cfg.agentID,
		AuthToken: cfg.authToken,
	}, nil, logger)

	exec := executor.New(conn, logger)
	conn.SetDispatcher(exec)

	conn.Run(ctx)

	logger.Info("taskctl agent stopped")
	return nil
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
