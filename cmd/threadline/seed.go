package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/threadline/threadline/internal/config"
	"github.com/threadline/threadline/internal/db"
	"github.com/threadline/threadline/internal/knowledge"
	"github.com/threadline/threadline/internal/logger"
)

func newSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed <knowledge.yaml>",
		Short: "Import knowledge base articles from a YAML seed file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger.Init(cfg.Log.Level, cfg.Log.Format)

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			pool, err := db.Open(ctx, cfg.Postgres)
			if err != nil {
				return fmt.Errorf("db connect: %w", err)
			}
			defer pool.Close()

			imported, err := knowledge.NewService(logger.L, pool).ImportSeed(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("imported %d articles\n", imported)
			return nil
		},
	}
}
