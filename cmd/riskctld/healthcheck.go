package main

import (
	"context"
	"fmt"
	"time"

	"github.com/blackholedex/riskctl/internal/config"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

func newHealthcheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "verify connectivity to configured backing stores",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			if cfg.Redis.Addr == "" {
				fmt.Println("redis: not configured, skipping")
			} else {
				client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
				defer client.Close()
				ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				defer cancel()
				if err := client.Ping(ctx).Err(); err != nil {
					return fmt.Errorf("redis: %w", err)
				}
				fmt.Println("redis: ok")
			}

			fmt.Println("healthcheck complete")
			return nil
		},
	}
}
