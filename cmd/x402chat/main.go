package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"x402chat/internal/app"
	"x402chat/internal/config"
	"x402chat/internal/logging"
)

var (
	// Global flags
	verbose    bool
	configPath string
	timeout    time.Duration

	// Loaded by PersistentPreRunE
	cfg *config.Config

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "x402chat",
	Short: "x402chat - pay-per-message AI chat in the terminal",
	Long: `x402chat is a streaming AI chat client whose requests are paid with
x402 micropayments from a wallet session.

Conversations, messages and drafts are kept in a local SQLite database.
Run without arguments to start the interactive chat interface.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		logOpts := cfg.Logging.Options()
		if verbose {
			logOpts.DebugMode = true
			logOpts.Level = "debug"
		}
		if err := logging.Initialize(cfg.DataDir, logOpts); err != nil {
			logger.Warn("File logging disabled", zap.Error(err))
		} else if err := logging.InitAudit(); err != nil {
			logger.Warn("Audit log disabled", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAudit()
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		// Default behavior: launch interactive chat
		return runInteractiveChat(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultConfigPath(), "Config file")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "Timeout for one-shot commands")

	rootCmd.AddCommand(
		sendCmd,
		historyCmd,
		conversationsCmd,
		draftsCmd,
		loginCmd,
		signOutCmd,
		configCmd,
	)
}

// bootApp boots the chat core from the loaded config.
func bootApp(ctx context.Context, opts app.Options) (*app.App, error) {
	a, err := app.Boot(ctx, cfg, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to boot: %w", err)
	}
	return a, nil
}

// commandContext returns a context bounded by --timeout that is cancelled on
// SIGINT or SIGTERM.
func commandContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			logger.Info("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
