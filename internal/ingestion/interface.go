package ingestion

import (
	"context"

	"gitlab.com/timkado/api/daisi-crm-automation/internal/model"
)

// RouterInterface dispatches events to handlers.
type RouterInterface interface {
	Register(eventType model.EventType, handler EventHandler)
	RegisterDefault(handler EventHandler)
	Route(ctx context.Context, metadata *model.MessageMetadata, rawEvent []byte) error
}

// ConsumerInterface is a stream consumer with a setup/start/stop lifecycle.
type ConsumerInterface interface {
	Setup() error
	Start() error
	Stop()
}

var _ RouterInterface = (*Router)(nil)
