package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/duynhne/imagegen-service/config"
	"github.com/duynhne/imagegen-service/internal/logger"
)

// cfg is loaded once before any subcommand runs.
var cfg *config.Config

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "imagegen-service",
	Short: "Credit and moderation gateway in front of an image generator",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg = config.Load()
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}
		logger.Setup(cfg.Logging.Level)
		return nil
	},
	SilenceUsage: true,
}

func init() {
	ledgerCmd.AddCommand(ledgerShowCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(ledgerCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
