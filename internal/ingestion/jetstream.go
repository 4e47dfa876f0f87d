package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-crm-automation/internal/apperrors"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/config"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/jetstream"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/model"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/observer"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/tenant"
	"gitlab.com/timkado/api/daisi-crm-automation/pkg/logger"
	"gitlab.com/timkado/api/daisi-crm-automation/pkg/utils"
)

// AckNakAction is the fate of a message after processing.
type AckNakAction int

const (
	ActionAck      AckNakAction = iota // processed
	ActionNak                          // redeliver now
	ActionNakDelay                     // retryable, redeliver after a backoff
	ActionDLQ                          // fatal or out of attempts: publish to DLQ, then ack
)

const (
	consumerType     = "automation"
	consumerAckWait  = 30 * time.Second
	maxAckPending    = 1000
	msgIDHeader      = "Nats-Msg-Id"
	originalIDHeader = "Original-Nats-Msg-Id"
)

// delivery is the part of *nats.Msg the consumer acts on.
type delivery interface {
	Metadata() (*nats.MsgMetadata, error)
	Ack(opts ...nats.AckOpt) error
	Nak(opts ...nats.AckOpt) error
	NakWithDelay(delay time.Duration, opts ...nats.AckOpt) error
}

// EventConsumer feeds deal stage changes and inbound messages of one tenant
// from the events stream into the router.
type EventConsumer struct {
	client     jetstream.ClientInterface
	router     RouterInterface
	cfg        config.ConsumerNatsConfig
	companyID  string
	dlqSubject string

	ctx    context.Context
	cancel context.CancelFunc
	sub    *nats.Subscription
}

var _ ConsumerInterface = (*EventConsumer)(nil)

// NewEventConsumer binds a push consumer for companyID. dlqSubject is the base
// subject for dead letters; the company is appended.
func NewEventConsumer(client jetstream.ClientInterface, router RouterInterface, cfg config.ConsumerNatsConfig, companyID, dlqSubject string) *EventConsumer {
	ctx, cancel := context.WithCancel(context.Background())
	ctx = logger.WithLogger(ctx, logger.Log.With(zap.String("company_id", companyID), zap.String("component", "event_consumer")))
	ctx = tenant.WithCompanyID(ctx, companyID)

	return &EventConsumer{
		client:     client,
		router:     router,
		cfg:        cfg,
		companyID:  companyID,
		dlqSubject: dlqSubject,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// modifySubjects widens each base subject to every tenant for the stream
// and narrows it to companyID for the consumer filter.
func modifySubjects(subjects []string, companyID string) (streamSubjects, consumerSubjects []string) {
	for _, subject := range subjects {
		streamSubjects = append(streamSubjects, subject+".*")
		consumerSubjects = append(consumerSubjects, subject+"."+companyID)
	}
	return streamSubjects, consumerSubjects
}

func (c *EventConsumer) streamConfig() *nats.StreamConfig {
	streamSubjects, _ := modifySubjects(c.cfg.SubjectList, c.companyID)
	return &nats.StreamConfig{
		Name:       c.cfg.Stream,
		Subjects:   streamSubjects,
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		MaxAge:     time.Duration(c.cfg.MaxAge*24) * time.Hour,
		Duplicates: 2 * time.Minute,
	}
}

func (c *EventConsumer) consumerConfig() *nats.ConsumerConfig {
	_, consumerSubjects := modifySubjects(c.cfg.SubjectList, c.companyID)
	return &nats.ConsumerConfig{
		Durable:        c.cfg.Consumer,
		DeliverGroup:   c.cfg.QueueGroup,
		DeliverSubject: nats.NewInbox(),
		FilterSubjects: consumerSubjects,
		AckPolicy:      nats.AckExplicitPolicy,
		AckWait:        consumerAckWait,
		MaxDeliver:     c.cfg.MaxDeliver,
		MaxAckPending:  maxAckPending,
		ReplayPolicy:   nats.ReplayInstantPolicy,
		DeliverPolicy:  nats.DeliverNewPolicy,
	}
}

// Setup ensures the stream and the durable consumer exist.
func (c *EventConsumer) Setup() error {
	log := logger.FromContext(c.ctx).With(zap.String("stream", c.cfg.Stream), zap.String("consumer", c.cfg.Consumer))
	log.Info("Setting up event consumer")

	if err := c.client.EnsureStream(c.ctx, c.streamConfig()); err != nil {
		log.Error("Failed to set up events stream", zap.Error(err))
		return fmt.Errorf("setup events stream %s: %w", c.cfg.Stream, err)
	}
	if err := c.client.EnsureConsumer(c.ctx, c.cfg.Stream, c.consumerConfig()); err != nil {
		log.Error("Failed to set up events consumer", zap.Error(err))
		return fmt.Errorf("setup events consumer %s: %w", c.cfg.Consumer, err)
	}
	return nil
}

// Start subscribes to the consumer's deliver group.
func (c *EventConsumer) Start() error {
	log := logger.FromContext(c.ctx)

	// The bound consumer carries the filter subjects.
	sub, err := c.client.SubscribePush("", c.cfg.Consumer, c.cfg.QueueGroup, c.cfg.Stream, c.handleMessage)
	if err != nil {
		log.Error("Failed to subscribe event consumer", zap.Error(err), zap.String("group", c.cfg.QueueGroup))
		return fmt.Errorf("subscribe events consumer %s: %w", c.cfg.Consumer, err)
	}
	c.sub = sub
	log.Info("Event consumer subscribed", zap.String("consumer", c.cfg.Consumer))
	return nil
}

// Stop drains the subscription so in-flight messages finish.
func (c *EventConsumer) Stop() {
	log := logger.FromContext(c.ctx)
	if c.sub != nil {
		if err := c.sub.Drain(); err != nil {
			log.Error("Error draining event subscription", zap.Error(err))
		}
	}
	c.cancel()
	log.Info("Event consumer stopped")
}

// determineAckNakAction decides the fate of a message from the processing error
// and how often it has been delivered.
func determineAckNakAction(processingErr error, metadata *nats.MsgMetadata, maxDeliver int, nakBaseDelay, nakMaxDelay time.Duration) (AckNakAction, time.Duration) {
	if processingErr == nil {
		return ActionAck, 0
	}

	numDelivered := metadata.NumDelivered
	if numDelivered >= uint64(maxDeliver) || !apperrors.IsRetryable(processingErr) {
		return ActionDLQ, 0
	}

	delay := nakBaseDelay
	if numDelivered > 1 {
		delay = nakBaseDelay * (1 << (numDelivered - 1))
	}
	if delay > nakMaxDelay || delay <= 0 {
		delay = nakMaxDelay
	}
	return ActionNakDelay, delay
}

func (c *EventConsumer) handleMessage(msg *nats.Msg) {
	c.process(msg.Subject, msg.Header, msg.Data, msg)
}

func (c *EventConsumer) process(subject string, header nats.Header, data []byte, d delivery) {
	start := utils.Now()
	eventType, found := model.MapToBaseEventType(subject)
	log := logger.FromContext(c.ctx).With(zap.String("subject", subject))

	defer func() {
		observer.ObserveEventProcessingDuration(string(eventType), c.companyID, consumerType, time.Since(start))
		if r := recover(); r != nil {
			log.Error("Recovered from panic in event handler", zap.Any("panic", r), zap.Stack("stack"))
			observer.IncEventsFailed(string(eventType), c.companyID, consumerType)
			observer.IncEventProcessingAction(string(eventType), c.companyID, consumerType, "panic_nak", "panic")
			if err := d.Nak(); err != nil {
				log.Error("Failed to NAK message after panic", zap.Error(err))
			}
		}
	}()

	if !found {
		// Only the filter subjects reach us, so an unknown type is a misconfiguration.
		log.Warn("Unknown event type, terminating message")
		observer.IncEventProcessingAction("unknown", c.companyID, consumerType, "ack_unknown_type", "unknown_event_type")
		if err := d.Ack(); err != nil {
			log.Error("Failed to ACK unknown message", zap.Error(err))
		}
		return
	}

	metadata, err := d.Metadata()
	if err != nil {
		log.Error("Failed to read message metadata", zap.Error(err))
		observer.IncEventProcessingAction(string(eventType), c.companyID, consumerType, "nak_metadata_error", "metadata")
		if nakErr := d.Nak(); nakErr != nil {
			log.Error("Failed to NAK message", zap.Error(nakErr))
		}
		return
	}

	msgID := header.Get(msgIDHeader)
	if msgID == "" {
		msgID = fmt.Sprintf("msg-%d", metadata.Sequence.Stream)
	}
	log = log.With(
		zap.String("nats_message_id", msgID),
		zap.Uint64("stream_sequence", metadata.Sequence.Stream),
		zap.Uint64("num_delivered", metadata.NumDelivered),
	)
	observer.IncEventsReceived(string(eventType), c.companyID, consumerType)

	internal := &model.MessageMetadata{
		ConsumerSequence: metadata.Sequence.Consumer,
		StreamSequence:   metadata.Sequence.Stream,
		NumDelivered:     metadata.NumDelivered,
		NumPending:       metadata.NumPending,
		Timestamp:        metadata.Timestamp,
		Stream:           metadata.Stream,
		Consumer:         metadata.Consumer,
		Domain:           metadata.Domain,
		MessageID:        msgID,
		MessageSubject:   subject,
		CompanyID:        c.companyID,
	}
	processingErr := c.router.Route(logger.WithLogger(c.ctx, log), internal, data)

	action, nakDelay := determineAckNakAction(processingErr, metadata, c.cfg.MaxDeliver, c.cfg.NakBaseDelay, c.cfg.NakMaxDelay)
	errorType := "none"
	if processingErr != nil {
		errorType = observer.SanitizeErrorType(processingErr.Error())
	}

	switch action {
	case ActionAck:
		log.Debug("Processed event", zap.Duration("duration", time.Since(start)))
		observer.IncEventsProcessed(string(eventType), c.companyID, consumerType)
		observer.IncEventProcessingAction(string(eventType), c.companyID, consumerType, "ack_success", errorType)
		if err := d.Ack(); err != nil {
			log.Error("Failed to ACK message", zap.Error(err))
		}

	case ActionNakDelay:
		log.Info("Retrying event later", zap.Error(processingErr), zap.Duration("nak_delay", nakDelay))
		observer.IncEventsFailed(string(eventType), c.companyID, consumerType)
		observer.IncEventProcessingAction(string(eventType), c.companyID, consumerType, "nak_retry", errorType)
		if err := d.NakWithDelay(nakDelay); err != nil {
			log.Error("Failed to NAK message with delay", zap.Error(err))
		}

	case ActionDLQ:
		observer.IncEventsFailed(string(eventType), c.companyID, consumerType)
		if err := c.publishDLQ(subject, msgID, data, metadata, processingErr); err != nil {
			log.Error("Failed to publish to DLQ, redelivering", zap.Error(err))
			observer.IncEventProcessingAction(string(eventType), c.companyID, consumerType, "nak_dlq_publish_fail", "dlq_publish_fail")
			if nakErr := d.Nak(); nakErr != nil {
				log.Error("Failed to NAK message after DLQ error", zap.Error(nakErr))
			}
			return
		}
		log.Warn("Event sent to DLQ", zap.Error(processingErr), zap.Bool("retryable", apperrors.IsRetryable(processingErr)))
		observer.IncEventProcessingAction(string(eventType), c.companyID, consumerType, "dlq_published_ack_success", errorType)
		if err := d.Ack(); err != nil {
			log.Error("Failed to ACK message after DLQ publish", zap.Error(err))
		}

	default:
		if err := d.Nak(); err != nil {
			log.Error("Failed to NAK message", zap.Error(err))
		}
	}
}

func (c *EventConsumer) publishDLQ(subject, msgID string, data []byte, metadata *nats.MsgMetadata, processingErr error) error {
	errorType := "fatal"
	if apperrors.IsRetryable(processingErr) {
		errorType = "retryable"
	}
	original := json.RawMessage(data)
	if !json.Valid(data) {
		// keep undecodable bodies as a JSON string so the envelope still marshals
		original, _ = json.Marshal(string(data))
	}
	payload := model.DLQPayload{
		SourceSubject:   subject,
		Company:         c.companyID,
		OriginalPayload: original,
		Error:           processingErr.Error(),
		ErrorType:       errorType,
		RetryCount:      metadata.NumDelivered,
		MaxRetry:        c.cfg.MaxDeliver,
		Timestamp:       utils.Now(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal dlq payload: %w", err)
	}
	return c.client.Publish(c.ctx, c.dlqSubject+"."+c.companyID, body, map[string]string{originalIDHeader: msgID})
}
