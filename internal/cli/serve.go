package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-crm-automation/internal/api"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/apperrors"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/config"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/dlqworker"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/flowrunner"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/healthcheck"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/jetstream"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/storage"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/usecase"
	"gitlab.com/timkado/api/daisi-crm-automation/pkg/logger"
	"gitlab.com/timkado/api/daisi-crm-automation/pkg/utils"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the event consumer, the sweeper, the DLQ worker and the REST API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := bootstrap()
		if err != nil {
			return err
		}
		defer logger.Sync()
		return runServe(cmd.Context(), cfg)
	},
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger.Log.Info("Starting Daisi CRM Automation",
		zap.String("version", version),
		zap.String("environment", cfg.Environment),
		zap.String("company_id", cfg.Company.ID),
		zap.String("nats_url", cfg.NATS.URL),
	)

	postgresRepo, err := initPostgresRepo(cfg.Database.PostgresDSN, cfg.Database.PostgresAutoMigrate, cfg.Company.ID)
	if err != nil {
		return err
	}

	jsClient, err := jetstream.NewClient(cfg.NATS.URL, logger.Log)
	if err != nil {
		_ = postgresRepo.Close(ctx)
		return fmt.Errorf("failed to create JetStream client: %w", err)
	}

	configRepo := storage.NewAutomationConfigRepoAdapter(postgresRepo)
	runRepo := storage.NewRunRepoAdapter(postgresRepo)
	logRepo := storage.NewAutomationLogRepoAdapter(postgresRepo)
	exhaustedEventRepo := storage.NewExhaustedEventRepoAdapter(postgresRepo)

	publisher := jetstream.NewStageChangePublisher(jsClient, cfg.NATS.PublishSubject, cfg.Company.ID)
	flowClient := flowrunner.NewClient(cfg.FlowRunner)

	automationPool, err := usecase.NewAutomationPool(cfg.WorkerPools.Automation, logger.Log)
	if err != nil {
		jsClient.Close()
		_ = postgresRepo.Close(ctx)
		return err
	}

	engine := usecase.NewAutomationEngine(cfg.Automation, configRepo, runRepo, logRepo, postgresRepo,
		flowClient, automationPool, logger.Log, usecase.WithPublisher(publisher))

	processor := usecase.NewProcessor(engine, jsClient, cfg, cfg.Company.ID)
	if err := processor.Setup(); err != nil {
		return fmt.Errorf("failed to set up processor: %w", err)
	}

	dlqWorker, err := dlqworker.NewWorker(cfg, logger.Log, jsClient, processor.GetRouter(), exhaustedEventRepo)
	if err != nil {
		return fmt.Errorf("failed to initialize DLQ worker: %w", err)
	}
	if err := dlqWorker.Setup(ctx); err != nil {
		return fmt.Errorf("failed to set up DLQ worker: %w", err)
	}

	healthServer := healthcheck.NewServer(strconv.Itoa(cfg.Server.Port), logger.Log)
	healthServer.AddCheck("postgres", postgresRepo.Ping)
	healthServer.AddCheck("nats", func(context.Context) error {
		if !jsClient.IsConnected() {
			return fmt.Errorf("%w: not connected", apperrors.ErrNATS)
		}
		return nil
	})
	if cfg.Metrics.Enabled {
		healthServer.RegisterMetricsHandler(promhttp.Handler())
		logger.Log.Info("Metrics endpoint enabled", zap.String("path", "/metrics"), zap.Int("port", cfg.Server.Port))
	}
	healthServer.Start()

	configService := usecase.NewAutomationConfigService(configRepo, runRepo, logRepo, postgresRepo)
	dealService := usecase.NewDealService(postgresRepo, engine, publisher)
	apiServer := api.NewServer(cfg.API, cfg.Company.ID, api.NewHandler(configService, engine, dealService), logger.Log)

	if err := processor.Start(); err != nil {
		return fmt.Errorf("failed to start processor: %w", err)
	}

	mainCtx, mainCancel := context.WithCancel(ctx)
	defer mainCancel()
	sigChan := make(chan os.Signal, 1)

	// a failing background component shuts the process down
	fail := func(component string, err error) {
		logger.Log.Error("Component failed, initiating shutdown", zap.String("component", component), zap.Error(err))
		mainCancel()
		select {
		case sigChan <- syscall.SIGTERM:
		default:
		}
	}

	go func() {
		if err := dlqWorker.Start(mainCtx); err != nil {
			fail("dlq_worker", err)
		}
	}()
	go func() {
		if err := apiServer.Start(); err != nil {
			fail("api", err)
		}
	}()

	sweeper := usecase.NewSweeper(engine, cfg.Automation.SweepInterval, cfg.Company.ID, logger.Log)
	if cfg.Automation.SweepEnabled {
		sweeper.Start(mainCtx)
	} else {
		logger.Log.Info("Sweeper disabled")
	}

	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Log.Info("Received termination signal", zap.String("signal", sig.String()))
	mainCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	logger.Log.Info("Starting graceful shutdown", zap.Duration("timeout", shutdownTimeout))

	var wg sync.WaitGroup
	stopAll(&wg, map[string]func(){
		"api server": func() {
			if err := apiServer.Shutdown(shutdownCtx); err != nil {
				logger.Log.Error("[shutdown] Error stopping API server", zap.Error(err))
			}
		},
		"event processor": processor.Stop,
		"sweeper":         sweeper.Stop,
		"DLQ worker":      dlqWorker.Stop,
		"health check server": func() {
			if err := healthServer.Stop(shutdownCtx); err != nil {
				logger.Log.Error("[shutdown] Error stopping health check server", zap.Error(err))
			}
		},
	})
	waitOrTimeout(shutdownCtx, &wg)

	// the pool and the connections go last, after everything feeding them stopped
	automationPool.Stop()
	if err := postgresRepo.Close(shutdownCtx); err != nil {
		logger.Log.Error("[shutdown] Failed to close PostgreSQL connection", zap.Error(err))
	}
	jsClient.Close()

	logger.Log.Info("Daisi CRM Automation shutdown complete")
	return nil
}

// stopAll stops each component in its own goroutine. The deferred Done also
// runs when stop panics.
func stopAll(wg *sync.WaitGroup, components map[string]func()) {
	for name, stop := range components {
		name, stop := name, stop
		wg.Add(1)
		utils.SafeGo(func() {
			defer wg.Done()
			logger.Log.Info("[shutdown] Stopping " + name)
			start := time.Now()
			stop()
			logger.Log.Info("[shutdown] Stopped "+name, zap.Duration("duration", time.Since(start)))
		}, func(r interface{}, stack []byte) {
			logger.Log.Error("[shutdown] Panic while stopping "+name,
				zap.Any("panic", r),
				zap.ByteString("stack", stack),
			)
		})
	}
}

func waitOrTimeout(ctx context.Context, wg *sync.WaitGroup) {
	waitCh := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		logger.Log.Info("[shutdown] All components stopped gracefully")
	case <-ctx.Done():
		logger.Log.Warn("[shutdown] Graceful shutdown timed out, forcing exit")
	}
}
