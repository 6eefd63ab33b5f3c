// Package commands implements the frankenrouter CLI.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/frankensim/frankenrouter/internal/logger"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "frankenrouter",
	Short:         "A protocol-aware router for PSX networks",
	Long:          "frankenrouter sits between one PSX main server (or another router)\nand many addon clients, caching state, enforcing access rules, and\nfiltering traffic so everything keeps working when the upstream is down.",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if logLevel != "" {
			logger.SetLevel(logLevel)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "frankenrouter.toml", "path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (DEBUG, INFO, WARN, ERROR)")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}
