package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/plantops/chillwatch/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:          "chillwatch",
	Short:        "Chiller plant data consolidation and forecasting",
	Long:         "Consolidates chiller exports, weather archives, and grid emission factors into one monthly dataset and projects consumption, cost, and emissions forward.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := c.Validate(); err != nil {
			return err
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, errPartialRun) {
			os.Exit(3)
		}
		os.Exit(1)
	}
}
