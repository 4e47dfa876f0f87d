package dlqworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"gitlab.com/timkado/api/daisi-crm-automation/internal/apperrors"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/config"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/ingestion"
	internal_js "gitlab.com/timkado/api/daisi-crm-automation/internal/jetstream"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/model"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/observer"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/storage"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/tenant"
	"gitlab.com/timkado/api/daisi-crm-automation/pkg/logger"
	"gitlab.com/timkado/api/daisi-crm-automation/pkg/utils"
)

const (
	defaultMsgChanCap = 100
	fetchBatchSize    = 10
	fetchMaxWait      = 5 * time.Second
	fetchErrorPause   = time.Second
	taskTimeout       = time.Minute
	resubmitDelay     = 5 * time.Second
)

// dlqMessage is the part of *nats.Msg the worker acts on.
type dlqMessage interface {
	Metadata() (*nats.MsgMetadata, error)
	Ack(opts ...nats.AckOpt) error
	NakWithDelay(delay time.Duration, opts ...nats.AckOpt) error
	Term(opts ...nats.AckOpt) error
}

// Worker replays dead-lettered events through the router with growing delays,
// and parks them in the exhausted store once the retry budget is spent.
type Worker struct {
	cfg    *config.Config
	logger *zap.Logger
	js     internal_js.ClientInterface
	pool   *ants.Pool
	router ingestion.RouterInterface
	store  storage.ExhaustedEventRepo
	msgCh  chan *nats.Msg
	stopWg sync.WaitGroup
	cancel context.CancelFunc
}

// NewWorker builds the worker and its pool. Call Setup before Start.
func NewWorker(cfg *config.Config, baseLogger *zap.Logger, jsClient internal_js.ClientInterface, router ingestion.RouterInterface, exhaustedRepo storage.ExhaustedEventRepo) (*Worker, error) {
	log := baseLogger.Named("dlq_worker")
	pool, err := ants.NewPool(cfg.NATS.DLQWorkers,
		ants.WithLogger(newAntsLoggerAdapter(log.Named("ants_pool"))),
		ants.WithPanicHandler(func(err interface{}) {
			log.Error("DLQ task panic recovered", zap.Any("panic", err), zap.Stack("stack"))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create DLQ pool: %w", err)
	}

	return &Worker{
		cfg:    cfg,
		logger: log,
		js:     jsClient,
		pool:   pool,
		router: router,
		store:  exhaustedRepo,
		msgCh:  make(chan *nats.Msg, defaultMsgChanCap),
	}, nil
}

// durableName derives a valid durable consumer name from the DLQ subject.
func durableName(dlqSubject string) string {
	return strings.ReplaceAll(dlqSubject, ".", "_") + "_worker_consumer"
}

func (w *Worker) filterSubject() string {
	return w.cfg.NATS.DLQSubject + ".>"
}

// Setup ensures the DLQ stream and its pull consumer exist.
func (w *Worker) Setup(ctx context.Context) error {
	streamCfg := &nats.StreamConfig{
		Name:      w.cfg.NATS.DLQStream,
		Subjects:  []string{w.filterSubject()},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    time.Duration(w.cfg.NATS.DLQMaxAgeDays) * 24 * time.Hour,
	}
	if err := w.js.EnsureStream(ctx, streamCfg); err != nil {
		return fmt.Errorf("setup DLQ stream %s: %w", w.cfg.NATS.DLQStream, err)
	}

	consumerCfg := &nats.ConsumerConfig{
		Durable:       durableName(w.cfg.NATS.DLQSubject),
		FilterSubject: w.filterSubject(),
		AckPolicy:     nats.AckExplicitPolicy,
		MaxDeliver:    w.cfg.NATS.DLQMaxDeliver,
		AckWait:       w.cfg.NATS.DLQAckWait,
		MaxAckPending: w.cfg.NATS.DLQMaxAckPending,
		DeliverPolicy: nats.DeliverAllPolicy,
		ReplayPolicy:  nats.ReplayInstantPolicy,
	}
	if err := w.js.EnsureConsumer(ctx, w.cfg.NATS.DLQStream, consumerCfg); err != nil {
		return fmt.Errorf("setup DLQ consumer %s: %w", consumerCfg.Durable, err)
	}
	w.logger.Info("DLQ stream and consumer ready",
		zap.String("stream", w.cfg.NATS.DLQStream),
		zap.String("consumer", consumerCfg.Durable))
	return nil
}

// Start runs the fetch and dispatch loops until ctx is cancelled or Stop is called.
func (w *Worker) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	sub, err := w.js.SubscribePull(w.cfg.NATS.DLQStream, w.filterSubject(), durableName(w.cfg.NATS.DLQSubject))
	if err != nil {
		cancel()
		return fmt.Errorf("DLQ pull subscription: %w", err)
	}

	w.stopWg.Add(2)
	go w.fetchMessages(ctx, sub)
	go w.dispatchMessages(ctx)
	w.logger.Info("DLQ worker started", zap.Int("pool_size", w.cfg.NATS.DLQWorkers))

	<-ctx.Done()
	return nil
}

// Stop ends both loops and waits for in-flight replays.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.stopWg.Wait()
	w.pool.ReleaseTimeout(taskTimeout)
	w.logger.Info("DLQ worker stopped")
}

func (w *Worker) fetchMessages(ctx context.Context, sub *nats.Subscription) {
	defer w.stopWg.Done()

	for ctx.Err() == nil {
		msgs, err := sub.Fetch(fetchBatchSize, nats.MaxWait(fetchMaxWait), nats.Context(ctx))
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			observer.IncDlqFetchError()
			w.logger.Error("Failed to fetch DLQ messages", zap.Error(err))
			select {
			case <-time.After(fetchErrorPause):
			case <-ctx.Done():
			}
			continue
		}

		for _, msg := range msgs {
			select {
			case w.msgCh <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (w *Worker) dispatchMessages(ctx context.Context) {
	defer w.stopWg.Done()

	for {
		observer.SetDlqQueueLength(len(w.msgCh))
		select {
		case <-ctx.Done():
			return
		case msg := <-w.msgCh:
			companyID := peekCompany(msg.Data)
			err := w.pool.Submit(func() {
				taskCtx, cancel := context.WithTimeout(context.Background(), taskTimeout)
				defer cancel()
				w.process(taskCtx, msg.Data, msg)
			})
			if err != nil {
				w.logger.Error("Failed to submit DLQ task", zap.Error(err))
				if nakErr := msg.NakWithDelay(resubmitDelay); nakErr != nil {
					w.logger.Error("Failed to NAK DLQ message", zap.Error(nakErr))
				}
				continue
			}
			observer.IncDlqTasksSubmitted(companyID)
		}
	}
}

func peekCompany(data []byte) string {
	var p struct {
		Company string `json:"company"`
	}
	_ = json.Unmarshal(data, &p)
	return p.Company
}

// process replays one dead letter. Success acks it; a fatal error or a spent
// retry budget parks it as exhausted; anything else is retried after a backoff.
func (w *Worker) process(ctx context.Context, data []byte, msg dlqMessage) {
	start := time.Now()
	var payload model.DLQPayload
	defer func() { observer.ObserveDlqProcessingDuration(payload.Company, time.Since(start)) }()

	meta, err := msg.Metadata()
	if err != nil {
		w.logger.Error("Failed to read DLQ message metadata", zap.Error(err))
		if termErr := msg.Term(); termErr != nil {
			w.logger.Error("Failed to terminate DLQ message", zap.Error(termErr))
		}
		return
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		w.logger.Error("Undecodable DLQ payload, terminating",
			zap.Error(err),
			zap.Uint64("stream_sequence", meta.Sequence.Stream))
		if termErr := msg.Term(); termErr != nil {
			w.logger.Error("Failed to terminate DLQ message", zap.Error(termErr))
		}
		return
	}

	log := w.logger.With(
		zap.String("source_subject", payload.SourceSubject),
		zap.String("company_id", payload.Company),
		zap.Uint64("dlq_delivery", meta.NumDelivered))
	ctx = logger.WithLogger(tenant.WithCompanyID(ctx, payload.Company), log)

	metadata := &model.MessageMetadata{
		MessageSubject:   payload.SourceSubject,
		CompanyID:        payload.Company,
		StreamSequence:   meta.Sequence.Stream,
		ConsumerSequence: meta.Sequence.Consumer,
		NumDelivered:     meta.NumDelivered,
		Timestamp:        payload.Timestamp,
		Stream:           meta.Stream,
		Consumer:         meta.Consumer,
	}
	// a panicking handler counts as a failed replay
	processingErr := utils.WrapWithRecovery(func() error {
		return w.router.Route(ctx, metadata, payload.OriginalPayload)
	})()

	if processingErr == nil {
		log.Info("Replayed dead-lettered event")
		if ackErr := msg.Ack(); ackErr != nil {
			log.Error("Failed to ACK replayed DLQ message", zap.Error(ackErr))
			return
		}
		observer.IncDlqAckSuccess(payload.Company)
		return
	}

	if apperrors.IsFatal(processingErr) || int(meta.NumDelivered) >= w.cfg.NATS.DLQMaxDeliver {
		w.exhaust(ctx, log, payload, data, meta, processingErr)
		if termErr := msg.Term(); termErr != nil {
			log.Error("Failed to terminate exhausted DLQ message", zap.Error(termErr))
		}
		return
	}

	delay := calculateBackoffDelay(int(meta.NumDelivered), w.cfg.NATS.DLQBaseDelayMinutes, w.cfg.NATS.DLQMaxDelayMinutes)
	log.Warn("DLQ replay failed, retrying later", zap.Error(processingErr), zap.Duration("delay", delay))
	if nakErr := msg.NakWithDelay(delay); nakErr != nil {
		log.Error("Failed to NAK DLQ message", zap.Error(nakErr))
		return
	}
	observer.IncDlqTaskRetry(payload.Company)
}

// exhaust parks the event for inspection. A failed save is logged and the
// message is still terminated, so one poison event cannot block the queue.
func (w *Worker) exhaust(ctx context.Context, log *zap.Logger, payload model.DLQPayload, data []byte, meta *nats.MsgMetadata, processingErr error) {
	eventType, _ := model.MapToBaseEventType(payload.SourceSubject)
	event := model.ExhaustedEvent{
		CompanyID:       payload.Company,
		SourceSubject:   payload.SourceSubject,
		EventType:       eventType,
		LastError:       processingErr.Error(),
		RetryCount:      int(payload.RetryCount + meta.NumDelivered),
		EventTimestamp:  payload.Timestamp,
		DLQPayload:      datatypes.JSON(data),
		OriginalPayload: datatypes.JSON(payload.OriginalPayload),
	}
	if err := w.store.Save(ctx, event); err != nil {
		log.Error("Failed to save exhausted event", zap.Error(err))
		return
	}
	observer.IncDlqTasksExhausted(payload.Company)
	log.Warn("Event exhausted its retries", zap.Error(processingErr))
}

// calculateBackoffDelay doubles the base delay per attempt up to the max.
func calculateBackoffDelay(attempt int, baseDelayMinutes, maxDelayMinutes int) time.Duration {
	baseDelay := time.Duration(baseDelayMinutes) * time.Minute
	maxDelay := time.Duration(maxDelayMinutes) * time.Minute
	if attempt <= 1 {
		return baseDelay
	}
	if attempt > 30 {
		return maxDelay
	}
	delay := baseDelay * time.Duration(1<<uint(attempt-1))
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

type antsLoggerAdapter struct {
	logger *zap.Logger
}

func newAntsLoggerAdapter(logger *zap.Logger) *antsLoggerAdapter {
	return &antsLoggerAdapter{logger: logger}
}

func (a *antsLoggerAdapter) Printf(format string, args ...interface{}) {
	a.logger.Info(fmt.Sprintf(format, args...))
}
