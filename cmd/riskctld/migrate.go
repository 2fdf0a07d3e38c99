package main

import (
	"fmt"

	"github.com/blackholedex/riskctl/internal/config"
	"github.com/blackholedex/riskctl/internal/store"
	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "run the audit-log schema migration (gorm AutoMigrate)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.MySQL.DSN == "" {
				return fmt.Errorf("migrate: mysql.dsn not configured")
			}
			log, err := store.NewAuditLog(cfg.MySQL.DSN)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			defer log.Close()
			fmt.Println("risk_decisions table migrated")
			return nil
		},
	}
}
