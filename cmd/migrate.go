package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openclaw/gateway/internal/config"
	"github.com/openclaw/gateway/internal/store/pg"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply Postgres schema migrations (requires OPENCLAW_POSTGRES_DSN)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			if cfg.Database.PostgresDSN == "" {
				return fmt.Errorf("no Postgres DSN configured (set OPENCLAW_POSTGRES_DSN)")
			}
			if err := pg.Migrate(cfg.Database.PostgresDSN); err != nil {
				return err
			}
			fmt.Println("migrations applied")
			return nil
		},
	}
}
