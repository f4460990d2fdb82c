package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/stage-batch/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "stage-batch",
	Short: "Monthly customer loyalty stage calculation",
	Long:  "Evaluates month-end customer snapshots against the effective stage conditions, assigns NONE/SILVER/GOLD/PLATINUM and records every evaluation and stage transition.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
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
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
