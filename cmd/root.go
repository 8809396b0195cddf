package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hammy15/snfalyze-sub014/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "snfalyze",
	Short: "Facility document extraction and reconciliation pipeline",
	Long:  "Extracts structured fields from batches of facility documents via Claude, merges them into per-facility profiles, detects cross-source conflicts, and raises clarification requests.",
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
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
