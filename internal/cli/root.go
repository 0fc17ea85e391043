package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"navfund/internal/app"
	"navfund/internal/config"
	"navfund/internal/logging"
)

// skipConfig marks commands that run without loading configuration.
const skipConfig = "skip-config"

var (
	cfgFile     string
	logLevel    string
	genesisPath string
	appHandle   *app.App
)

var rootCmd = &cobra.Command{
	Use:           "navfund",
	Short:         "Stake-weighted price oracle and basket vault",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if appHandle != nil || cmd.Annotations[skipConfig] == "true" {
			return nil
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		if genesisPath != "" {
			cfg.Genesis.Path = genesisPath
		}

		logger := logging.NewLogger(cfg.Logging)
		appHandle = app.NewApp(cfg, logger)
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level defined in config")
	rootCmd.PersistentFlags().StringVar(&genesisPath, "genesis", "", "Override genesis.path defined in config")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(versionCmd)
}

func getApp() *app.App {
	if appHandle == nil {
		panic("application not initialized; PersistentPreRunE not executed")
	}
	return appHandle
}

// parseTimeFlag parses an optional RFC3339 flag value; empty yields nil.
func parseTimeFlag(name, raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s value: %w", name, err)
	}
	return &t, nil
}
