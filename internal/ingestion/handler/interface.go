package handler

import (
	"context"

	"gitlab.com/timkado/api/daisi-crm-automation/internal/model"
)

// EventHandlerInterface matches ingestion.EventHandler as a method.
type EventHandlerInterface interface {
	HandleEvent(ctx context.Context, eventType model.EventType, metadata *model.MessageMetadata, rawEvent []byte) error
}

// AutomationService is the part of the engine driven by bus events.
type AutomationService interface {
	HandleStageEntry(ctx context.Context, change model.StageChange) (*model.DealAutomationRun, error)
	HandleInboundMessage(ctx context.Context, msg model.InboundMessage) error
}

var _ EventHandlerInterface = (*AutomationHandler)(nil)
