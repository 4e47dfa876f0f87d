// Package cli wires the service components behind the daisi-crm-automation commands.
package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-crm-automation/internal/config"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/observer"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/storage"
	"gitlab.com/timkado/api/daisi-crm-automation/pkg/logger"
)

var version = "dev"

// configPath is an extra directory searched for default.yaml.
var configPath string

func SetVersion(v string) {
	version = v
}

var rootCmd = &cobra.Command{
	Use:   "crm-automation",
	Short: "CRM stage automation engine",
	Long: `crm-automation runs the stage automation engine of the CRM: it applies
stage rules when deals enter a stage, watches for customer replies and moves
deals whose reply window expired.

Configuration is read from default.yaml and environment variables.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "directory containing default.yaml")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(migrateCmd)
}

// bootstrap loads the configuration and initializes logging and metrics.
func bootstrap() (*config.Config, error) {
	// all persisted timestamps are UTC
	time.Local = time.UTC

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Company.ID == "" {
		return nil, fmt.Errorf("company.id (COMPANY_ID) is required")
	}
	if err := logger.Initialize(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	observer.InitMetrics(cfg.Metrics.Enabled)
	return cfg, nil
}

func initPostgresRepo(dsn string, autoMigrate bool, companyID string) (*storage.PostgresRepo, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	repo, err := storage.NewPostgresRepo(dsn, autoMigrate, companyID)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize postgres repository: %w", err)
	}

	logger.Log.Info("Initialized PostgreSQL repository", zap.String("schema", storage.SchemaName(companyID)))
	return repo, nil
}
