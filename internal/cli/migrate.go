package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"gitlab.com/timkado/api/daisi-crm-automation/internal/storage"
	"gitlab.com/timkado/api/daisi-crm-automation/pkg/logger"
)

const migrateTimeout = 5 * time.Minute

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the tenant schema and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := bootstrap()
		if err != nil {
			return err
		}
		defer logger.Sync()

		repo, err := initPostgresRepo(cfg.Database.PostgresDSN, false, cfg.Company.ID)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), migrateTimeout)
		defer cancel()
		defer repo.Close(ctx)

		schema := storage.SchemaName(cfg.Company.ID)
		if err := repo.Migrate(ctx, schema); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "schema %s migrated\n", schema)
		return nil
	},
}
