package usecase

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-crm-automation/internal/config"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/ingestion"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/ingestion/handler"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/jetstream"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/model"
	"gitlab.com/timkado/api/daisi-crm-automation/pkg/logger"
)

// Processor wires the events consumer, the router and the automation handler.
type Processor struct {
	consumer    ingestion.ConsumerInterface
	eventRouter ingestion.RouterInterface
	handler     handler.EventHandlerInterface
}

// NewProcessor builds the pipeline for companyID. Consumer and queue group names
// get the company appended so tenants never share a durable consumer.
func NewProcessor(engine Engine, jsClient jetstream.ClientInterface, cfg *config.Config, companyID string) *Processor {
	router := ingestion.NewRouter()

	eventsCfg := cfg.NATS.Events
	eventsCfg.Consumer = eventsCfg.Consumer + "-" + companyID
	eventsCfg.QueueGroup = eventsCfg.QueueGroup + "-" + companyID

	return &Processor{
		consumer:    ingestion.NewEventConsumer(jsClient, router, eventsCfg, companyID, cfg.NATS.DLQSubject),
		eventRouter: router,
		handler:     handler.NewAutomationHandler(engine),
	}
}

// GetRouter returns the router, shared with the DLQ worker for replays.
func (p *Processor) GetRouter() ingestion.RouterInterface {
	return p.eventRouter
}

// Setup registers the handlers and ensures the stream and consumer exist.
func (p *Processor) Setup() error {
	p.eventRouter.Register(model.V1DealStageChanged, p.handler.HandleEvent)
	p.eventRouter.Register(model.V1MessagesUpsert, p.handler.HandleEvent)
	p.eventRouter.RegisterDefault(func(ctx context.Context, eventType model.EventType, metadata *model.MessageMetadata, _ []byte) error {
		logger.FromContext(ctx).Warn("Unhandled event", zap.String("subject", metadata.MessageSubject))
		return nil
	})

	if err := p.consumer.Setup(); err != nil {
		return fmt.Errorf("failed to setup events consumer: %w", err)
	}
	return nil
}

// Start subscribes the consumer.
func (p *Processor) Start() error {
	if err := p.consumer.Start(); err != nil {
		return fmt.Errorf("failed to start events consumer: %w", err)
	}
	logger.Log.Info("Event processor started")
	return nil
}

// Stop drains the consumer.
func (p *Processor) Stop() {
	p.consumer.Stop()
	logger.Log.Info("Event processor stopped")
}
