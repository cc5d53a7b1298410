package main

import (
	"fmt"
	"io/fs"
	"strconv"

	"github.com/spf13/cobra"

	migrations "github.com/threadline/threadline/db"
	"github.com/threadline/threadline/internal/config"
	"github.com/threadline/threadline/internal/db"
	"github.com/threadline/threadline/internal/logger"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate <up|down|status|force> [version]",
		Short: "Apply or roll back database migrations",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger.Init(cfg.Log.Level, cfg.Log.Format)

			source, err := fs.Sub(migrations.MigrationsFS, "migrations")
			if err != nil {
				return fmt.Errorf("migrations fs: %w", err)
			}
			migrator, err := db.NewMigrator(logger.L, cfg.Postgres, source)
			if err != nil {
				return err
			}
			defer migrator.Close()

			switch args[0] {
			case "up":
				return migrator.Up()
			case "down":
				return migrator.Down()
			case "status":
				return migrator.Status()
			case "force":
				if len(args) < 2 {
					return fmt.Errorf("force requires a version argument")
				}
				version, err := strconv.Atoi(args[1])
				if err != nil {
					return fmt.Errorf("invalid version %q: %w", args[1], err)
				}
				return migrator.Force(version)
			default:
				return fmt.Errorf("unknown migrate command %q (use: up, down, status, force)", args[0])
			}
		},
	}
}
