package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sds-labs/sdsx/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "sdsx",
	Short: "SDS field extraction pipeline",
	Long:  "Extracts chemical-safety fields from safety data sheets through heuristics, a local model pass and internet retrieval, with confidence scoring and provenance.",
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
