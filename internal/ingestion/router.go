package ingestion

import (
	"context"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-crm-automation/internal/model"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/tenant"
	"gitlab.com/timkado/api/daisi-crm-automation/pkg/logger"
)

// EventHandler processes one decoded-subject event.
type EventHandler func(ctx context.Context, eventType model.EventType, metadata *model.MessageMetadata, rawEvent []byte) error

// Router dispatches events to handlers by base event type.
type Router struct {
	handlers       map[model.EventType]EventHandler
	defaultHandler EventHandler
}

func NewRouter() *Router {
	return &Router{handlers: make(map[model.EventType]EventHandler)}
}

// Register sets the handler for an event type, replacing any previous one.
func (r *Router) Register(eventType model.EventType, handler EventHandler) {
	r.handlers[eventType] = handler
}

// RegisterDefault sets the handler for event types nobody registered.
func (r *Router) RegisterDefault(handler EventHandler) {
	r.defaultHandler = handler
}

// Route scopes ctx to the event's tenant and logger, then calls the matching handler.
// Events without a handler are dropped.
func (r *Router) Route(ctx context.Context, metadata *model.MessageMetadata, rawEvent []byte) error {
	log := logger.FromContext(ctx).With(
		zap.String("event_subject", metadata.MessageSubject),
		zap.String("event_id", metadata.MessageID),
		zap.String("company_id", metadata.CompanyID),
	)
	ctx = logger.WithLogger(ctx, log)
	if metadata.CompanyID != "" {
		ctx = tenant.WithCompanyID(ctx, metadata.CompanyID)
	}

	eventType, found := model.MapToBaseEventType(metadata.MessageSubject)
	if !found {
		log.Warn("Could not map subject to a known event type")
	}
	log.Debug("Event received", zap.Int("payload_bytes", len(rawEvent)))

	handler, ok := r.handlers[eventType]
	if !ok {
		if r.defaultHandler == nil {
			log.Warn("No handler registered for event type")
			return nil
		}
		handler = r.defaultHandler
	}
	return handler(ctx, eventType, metadata, rawEvent)
}
