package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-crm-automation/internal/flowrunner"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/jetstream"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/storage"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/usecase"
	"gitlab.com/timkado/api/daisi-crm-automation/pkg/logger"
)

var sweepPublish bool

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run a single timeout sweep and print its result",
	Long: `sweep moves every deal whose reply window expired, retries pending flows
and exits. It is safe to run next to a serving instance.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := bootstrap()
		if err != nil {
			return err
		}
		defer logger.Sync()
		ctx := cmd.Context()

		postgresRepo, err := initPostgresRepo(cfg.Database.PostgresDSN, false, cfg.Company.ID)
		if err != nil {
			return err
		}
		defer postgresRepo.Close(ctx)

		pool, err := usecase.NewAutomationPool(cfg.WorkerPools.Automation, logger.Log)
		if err != nil {
			return err
		}
		defer pool.Stop()

		var opts []usecase.EngineOption
		if sweepPublish {
			jsClient, err := jetstream.NewClient(cfg.NATS.URL, logger.Log)
			if err != nil {
				// moves still apply; entry rules run in-process instead
				logger.Log.Warn("NATS unavailable, stage changes will not be published", zap.Error(err))
			} else {
				defer jsClient.Close()
				opts = append(opts, usecase.WithPublisher(
					jetstream.NewStageChangePublisher(jsClient, cfg.NATS.PublishSubject, cfg.Company.ID)))
			}
		}

		engine := usecase.NewAutomationEngine(cfg.Automation,
			storage.NewAutomationConfigRepoAdapter(postgresRepo),
			storage.NewRunRepoAdapter(postgresRepo),
			storage.NewAutomationLogRepoAdapter(postgresRepo),
			postgresRepo,
			flowrunner.NewClient(cfg.FlowRunner),
			pool,
			logger.Log,
			opts...,
		)

		result := usecase.NewSweeper(engine, cfg.Automation.SweepInterval, cfg.Company.ID, logger.Log).RunOnce(ctx)

		out, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

func init() {
	sweepCmd.Flags().BoolVar(&sweepPublish, "publish", true, "publish completed moves as stage_changed events")
}
