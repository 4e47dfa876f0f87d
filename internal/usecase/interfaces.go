package usecase

import (
	"context"

	"gitlab.com/timkado/api/daisi-crm-automation/internal/model"
)

// FlowRunner starts and stops conversational flow sessions.
type FlowRunner interface {
	StartFlow(ctx context.Context, flowID, phone, dealID string) (string, error)
	StopFlow(ctx context.Context, sessionID string) error
}

// StageChangePublisher announces completed deal moves on the event bus.
type StageChangePublisher interface {
	PublishStageChange(ctx context.Context, change model.StageChange) error
}

// TaskPool runs tasks on a bounded set of goroutines.
type TaskPool interface {
	Submit(task func()) error
}

// Engine is the automation surface used by the REST API, the event handler and the sweeper.
type Engine interface {
	HandleStageEntry(ctx context.Context, change model.StageChange) (*model.DealAutomationRun, error)
	HandleInboundMessage(ctx context.Context, msg model.InboundMessage) error
	Sweep(ctx context.Context) (SweepResult, error)
	CancelDealAutomation(ctx context.Context, dealID string) (int, error)
	StartDealAutomation(ctx context.Context, dealID string) (*model.DealAutomationRun, error)
	BulkStartAutomation(ctx context.Context, req model.BulkStartRequest) (model.BulkStartResult, error)
}
