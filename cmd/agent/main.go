// Package main is the entry point for the distbuild agent binary. It wires
// the session listener, the paging logger, and their external collaborators
// together and runs the poll/keepalive loops until signalled to stop.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Build the external collaborators (transport, credentials, capability
//     discovery, RSA key store, diagnostic terminal, dynamic config)
//  4. Create the session
//  5. Run the keepalive loop and the message poll loop concurrently
//  6. Block until SIGINT/SIGTERM, then tear the session down
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/distbuild/agent/internal/agentserver"
	"github.com/distbuild/agent/internal/capabilities"
	"github.com/distbuild/agent/internal/config"
	"github.com/distbuild/agent/internal/correlation"
	"github.com/distbuild/agent/internal/credentials"
	"github.com/distbuild/agent/internal/jobqueue"
	"github.com/distbuild/agent/internal/listener"
	"github.com/distbuild/agent/internal/paging"
	"github.com/distbuild/agent/internal/rsakeys"
	"github.com/distbuild/agent/internal/terminal"
	"github.com/distbuild/agent/internal/transport/grpcclient"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type cliConfig struct {
	serverAddr   string
	poolID       int64
	agentID      int64
	agentName    string
	sharedSecret string
	stateDir     string
	rsaKeyPath   string
	logLevel     string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &cliConfig{}

	root := &cobra.Command{
		Use:   "distbuild-agent",
		Short: "distbuild agent — session listener and log pager",
		Long: `distbuild agent runs on each build machine. It maintains a
session with the orchestrator, long-polls for the next message, keeps the
session alive, and pages job log output to size-bounded upload-ready files.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.serverAddr, "server-addr", envOrDefault("DISTBUILD_SERVER", "localhost:9090"), "Orchestrator gRPC address (host:port)")
	root.PersistentFlags().Int64Var(&cfg.poolID, "pool-id", envOrDefaultInt("DISTBUILD_POOL_ID", 1), "Agent pool id")
	root.PersistentFlags().Int64Var(&cfg.agentID, "agent-id", envOrDefaultInt("DISTBUILD_AGENT_ID", 0), "Agent id")
	root.PersistentFlags().StringVar(&cfg.agentName, "agent-name", envOrDefault("DISTBUILD_AGENT_NAME", defaultAgentName()), "Agent name presented to the orchestrator")
	root.PersistentFlags().StringVar(&cfg.sharedSecret, "agent-secret", envOrDefault("DISTBUILD_AGENT_SECRET", ""), "Bearer token presented to the orchestrator")
	root.PersistentFlags().StringVar(&cfg.stateDir, "state-dir", envOrDefault("DISTBUILD_STATE_DIR", defaultStateDir()), "Directory for diagnostic page output")
	root.PersistentFlags().StringVar(&cfg.rsaKeyPath, "rsa-key", envOrDefault("DISTBUILD_RSA_KEY", ""), "Path to a PEM-encoded RSA private key (empty disables RSA-wrapped session keys)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("DISTBUILD_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("distbuild-agent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *cliConfig) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.sharedSecret == "" {
		logger.Warn("agent-secret not configured — requests to the orchestrator are unauthenticated")
	}

	logger.Info("starting distbuild agent",
		zap.String("version", version),
		zap.String("server", cfg.serverAddr),
		zap.Int64("pool_id", cfg.poolID),
		zap.Int64("agent_id", cfg.agentID),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var rsaKeys agentserver.RSAKeyManager
	if cfg.rsaKeyPath != "" {
		rsaKeys = rsakeys.New(cfg.rsaKeyPath)
	}

	l := listener.New(listener.Config{
		Settings: agentserver.AgentSettings{
			ServerURL: cfg.serverAddr,
			PoolID:    cfg.poolID,
			AgentID:   cfg.agentID,
			AgentName: cfg.agentName,
		},
		Server:       grpcclient.New(logger),
		ServerURI:    cfg.serverAddr,
		Credentials:  credentials.NewStatic(cfg.sharedSecret),
		ConfigMgr:    config.New(),
		Terminal:     terminal.New(logger),
		Capabilities: capabilities.New(),
		RSAKeys:      rsaKeys,
		Version:      version,
	}, logger)

	ok, err := l.CreateSession(ctx)
	if !ok {
		if err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
		return fmt.Errorf("failed to create session")
	}
	logger.Info("session established")

	pager := paging.New(filepath.Join(cfg.stateDir, "_diag"), jobqueue.New(logger), logger)
	pager.Setup(uuid.New(), uuid.New())

	go l.KeepAlive(ctx)

	for {
		msg, err := l.GetNextMessageAsync(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			logger.Error("get-next-message failed permanently", zap.Error(err))
			break
		}

		frame := correlation.Frame{ID: fmt.Sprintf("MSG-%d", msg.MessageID)}
		msgCtx := correlation.WithFrame(ctx, frame)
		line := fmt.Sprintf("[%s] received message %d (%d bytes)", correlation.BuildID(msgCtx), msg.MessageID, len(msg.Body))
		if werr := pager.Write(line); werr != nil {
			logger.Warn("failed to write diagnostic page line", zap.Error(werr))
		}

		if derr := l.DeleteMessageAsync(msg); derr != nil {
			logger.Warn("failed to ack message", zap.Uint64("message_id", msg.MessageID), zap.Error(derr))
		}
	}

	if err := pager.End(); err != nil {
		logger.Warn("failed to close diagnostic page", zap.Error(err))
	}
	if err := l.DeleteSessionAsync(); err != nil {
		logger.Warn("failed to tear down session", zap.Error(err))
	}

	logger.Info("distbuild agent stopped")
	return nil
}

func defaultStateDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return dir + "/.distbuild-agent"
	}
	return ".distbuild-agent"
}

func defaultAgentName() string {
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "agent"
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

func envOrDefaultInt(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var parsed int64
	if _, err := fmt.Sscanf(v, "%d", &parsed); err != nil {
		return defaultVal
	}
	return parsed
}
