package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"chainwatch/internal/app"
	"chainwatch/internal/config"
	"chainwatch/internal/logging"
	"chainwatch/internal/version"
)

var (
	cfgFile   string
	logLevel  string
	rpcURL    string
	appHandle *app.App
)

var rootCmd = &cobra.Command{
	Use:     "chainwatch",
	Short:   "Watch chain events, lending positions and oracle prices",
	Version: version.String(),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if appHandle != nil {
			return nil
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		if rpcURL != "" {
			cfg.Chain.RPCURL = rpcURL
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
	rootCmd.PersistentFlags().StringVar(&rpcURL, "rpc-url", "", "Override chain.rpc_url")

	rootCmd.AddCommand(runCmd, replayCmd, simulateCmd, versionCmd)
}

func getApp() *app.App {
	if appHandle == nil {
		panic("application not initialized; PersistentPreRunE not executed")
	}
	return appHandle
}
