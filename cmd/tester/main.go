package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-crm-automation/internal/config"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/jetstream"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/model"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/observer"
	"gitlab.com/timkado/api/daisi-crm-automation/pkg/logger"
)

// IndividualTaskDetail holds info for a single event within a batch.
type IndividualTaskDetail struct {
	BaseSubject string
	CompanyID   string
}

// BatchTask is a batch of events published by one worker.
type BatchTask struct {
	Tasks      []IndividualTaskDetail
	NatsClient jetstream.ClientInterface
}

// fixtures are ids of existing CRM rows. Empty lists fall back to random ids,
// which the engine logs as skipped entries.
type fixtures struct {
	dealIDs  []string
	stageIDs []string
	phones   []string
}

const (
	defaultBatchSize = 50
	publishTimeout   = 5 * time.Second
)

func main() {
	cfg, err := config.LoadConfig("")
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	natsURL := flag.String("url", cfg.NATS.URL, "NATS server URL")
	subjectsStr := flag.String("subjects", strings.Join([]string{string(model.V1DealStageChanged), string(model.V1MessagesUpsert)}, ","), "Comma-separated list of base NATS subjects")
	rate := flag.Int("rate", 50, "Target events per second (total)")
	duration := flag.Duration("duration", 1*time.Minute, "Load test duration")
	concurrency := flag.Int("concurrency", 10, "Number of concurrent workers")
	companyIDsStr := flag.String("company_ids", cfg.Company.ID, "Comma-separated list of company IDs")
	batchSize := flag.Int("batch-size", defaultBatchSize, "Number of events to publish per worker batch")
	dealIDsStr := flag.String("deal_ids", "", "Comma-separated existing deal IDs to move")
	stageIDsStr := flag.String("stage_ids", "", "Comma-separated existing stage IDs to move deals into")
	phonesStr := flag.String("phones", "", "Comma-separated contact phones that send replies")
	metricsPort := flag.Int("metrics-port", 9091, "Port for Prometheus metrics endpoint")
	logLevel := flag.String("log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "CRM automation event generator\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Publishes stage_changed and inbound message events for the automation engine.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *batchSize <= 0 {
		*batchSize = defaultBatchSize
	}
	if *rate <= 0 {
		fmt.Println("rate must be positive")
		os.Exit(1)
	}

	if err := logger.Initialize(*logLevel); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	observer.InitMetrics(true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsServer := startMetricsServer(*metricsPort)
	var metricsWg sync.WaitGroup
	metricsWg.Add(1)
	go func() {
		defer metricsWg.Done()
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Log.Error("Metrics server shutdown error", zap.Error(err))
		}
	}()

	logger.Log.Info("Starting event generator",
		zap.String("nats_url", *natsURL),
		zap.String("subjects", *subjectsStr),
		zap.Int("rate_per_sec", *rate),
		zap.Duration("duration", *duration),
		zap.Int("concurrency", *concurrency),
		zap.Int("batch_size", *batchSize),
		zap.String("company_ids", *companyIDsStr),
	)

	natsClient, err := jetstream.NewClient(*natsURL, logger.Log)
	if err != nil {
		logger.Log.Fatal("Failed to connect to NATS", zap.String("url", *natsURL), zap.Error(err))
	}
	defer natsClient.Close()

	baseSubjects := splitList(*subjectsStr)
	companyIDs := splitList(*companyIDsStr)
	if len(baseSubjects) == 0 {
		logger.Log.Fatal("No base subjects provided")
	}
	if len(companyIDs) == 0 {
		logger.Log.Fatal("No company IDs provided")
	}
	fx := fixtures{
		dealIDs:  splitList(*dealIDsStr),
		stageIDs: splitList(*stageIDsStr),
		phones:   splitList(*phonesStr),
	}

	gofakeit.Seed(time.Now().UnixNano())

	var wg sync.WaitGroup
	pool, err := ants.NewPoolWithFunc(*concurrency, func(data interface{}) {
		batchWorkerFunc(data, fx, &wg)
	})
	if err != nil {
		logger.Log.Fatal("Failed to create worker pool", zap.Error(err))
	}
	defer pool.Release()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var loopWg sync.WaitGroup
	loopWg.Add(1)
	go func() {
		runBatchLoadLoop(ctx, *rate, *duration, *batchSize, baseSubjects, companyIDs, natsClient, pool, &wg)
		loopWg.Done()
		cancel()
	}()

	select {
	case sig := <-sigChan:
		logger.Log.Info("Received termination signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	case <-ctx.Done():
		logger.Log.Info("Load generation finished")
	}

	loopWg.Wait()
	wg.Wait()
	metricsWg.Wait()
	logger.Log.Info("Event generator shutdown complete")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func startMetricsServer(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Error("Failed to start Prometheus metrics server", zap.Error(err))
		}
	}()
	return server
}

// runBatchLoadLoop submits batches to the pool at the target rate until duration elapses.
func runBatchLoadLoop(ctx context.Context, rate int, duration time.Duration, batchSize int, subjects, companies []string, nc jetstream.ClientInterface, pool *ants.PoolWithFunc, wg *sync.WaitGroup) {
	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()
	durationTimer := time.NewTimer(duration)
	defer durationTimer.Stop()

	counter := 0
	batch := make([]IndividualTaskDetail, 0, batchSize)

	submitBatch := func(tasks []IndividualTaskDetail) {
		if len(tasks) == 0 {
			return
		}
		wg.Add(len(tasks))
		if err := pool.Invoke(BatchTask{Tasks: tasks, NatsClient: nc}); err != nil {
			logger.Log.Warn("Failed to invoke worker pool for batch", zap.Int("batch_task_count", len(tasks)), zap.Error(err))
			wg.Add(-len(tasks))
			for _, td := range tasks {
				observer.IncLoadgenPublishErrors(td.BaseSubject, td.CompanyID)
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			submitBatch(batch)
			return
		case <-durationTimer.C:
			submitBatch(batch)
			return
		case <-ticker.C:
			batch = append(batch, IndividualTaskDetail{
				BaseSubject: subjects[counter%len(subjects)],
				CompanyID:   companies[counter%len(companies)],
			})
			counter++
			if len(batch) >= batchSize {
				submitBatch(batch)
				batch = make([]IndividualTaskDetail, 0, batchSize)
			}
		}
	}
}

func batchWorkerFunc(data interface{}, fx fixtures, wg *sync.WaitGroup) {
	batchTask := data.(BatchTask)
	for _, td := range batchTask.Tasks {
		func(td IndividualTaskDetail) {
			defer wg.Done()

			payload, ok := buildPayload(td, fx)
			if !ok {
				logger.Log.Error("Unsupported base subject", zap.String("subject", td.BaseSubject))
				observer.IncLoadgenPublishErrors(td.BaseSubject, td.CompanyID)
				return
			}
			body, err := json.Marshal(payload)
			if err != nil {
				logger.Log.Error("Failed to marshal payload", zap.String("subject", td.BaseSubject), zap.Error(err))
				observer.IncLoadgenPublishErrors(td.BaseSubject, td.CompanyID)
				return
			}

			subject := model.EventType(td.BaseSubject).Subject(td.CompanyID)
			headers := map[string]string{nats.MsgIdHdr: uuid.NewString()}
			// the final batch is published after the run context is cancelled
			pubCtx, cancel := context.WithTimeout(context.Background(), publishTimeout)
			defer cancel()
			if err := batchTask.NatsClient.Publish(pubCtx, subject, body, headers); err != nil {
				logger.Log.Error("Failed to publish event", zap.String("subject", subject), zap.Error(err))
				observer.IncLoadgenPublishErrors(td.BaseSubject, td.CompanyID)
				return
			}
			observer.IncLoadgenMessagesPublished(td.BaseSubject, td.CompanyID)
		}(td)
	}
}

func buildPayload(td IndividualTaskDetail, fx fixtures) (interface{}, bool) {
	switch model.EventType(td.BaseSubject) {
	case model.V1DealStageChanged:
		return model.NewDealStageChangedPayload(func(p *model.DealStageChangedPayload) {
			p.CompanyID = td.CompanyID
			if len(fx.dealIDs) > 0 {
				p.DealID = pick(fx.dealIDs)
			}
			if len(fx.stageIDs) > 0 {
				p.NewStageID = pick(fx.stageIDs)
			}
		}), true
	case model.V1MessagesUpsert:
		return model.NewInboundMessagePayload(func(p *model.InboundMessagePayload) {
			p.CompanyID = td.CompanyID
			if len(fx.phones) > 0 {
				p.FromPhone = pick(fx.phones)
			}
		}), true
	}
	return nil, false
}

func pick(items []string) string {
	return items[gofakeit.Number(0, len(items)-1)]
}
