package main

import (
	"fmt"
	"os"

	"codeflow/api/internal/config"
	"codeflow/api/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	tokenFlag    string
	logLevelFlag string
	jsonOutput   bool

	cfg    config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "codeflow",
	Short: "Offline-first commit log and run history for code snippets",
	Long: `codeflow keeps a linear commit log and a run history for code snippets.
Everything is recorded on this device first and synchronized with the
configured remote store when it is reachable.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load()
		if err != nil {
			return err
		}
		cfg = loaded
		if logLevelFlag != "" {
			cfg.LogLevel = logLevelFlag
		}
		logger, err = logging.New(cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if tokenFlag == "" {
			tokenFlag = os.Getenv("CODEFLOW_TOKEN")
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&tokenFlag, "token", "", "bearer token of the acting user (default $CODEFLOW_TOKEN, empty for guest)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "override the configured log level")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")

	rootCmd.AddCommand(serveCmd, loginCmd, commitCmd, logCmd, checkoutCmd, pushCmd, pullCmd, historyCmd, exportGitCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
