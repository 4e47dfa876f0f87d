package api

import (
	"context"

	"gitlab.com/timkado/api/daisi-crm-automation/internal/model"
)

// ConfigService serves stage rules and the per-deal run history.
type ConfigService interface {
	GetStageAutomation(ctx context.Context, stageID string) (*model.StageAutomationConfig, error)
	UpsertStageAutomation(ctx context.Context, stageID string, req model.UpsertAutomationRequest) (*model.StageAutomationConfig, error)
	DeleteStageAutomation(ctx context.Context, stageID string) error
	ListFunnelAutomations(ctx context.Context, funnelID string) ([]model.StageAutomationSummary, error)
	DealAutomationStatus(ctx context.Context, dealID string) ([]model.DealAutomationRun, error)
	DealAutomationLogs(ctx context.Context, dealID string, limit int) ([]model.AutomationLog, error)
}

// DealMover performs user-initiated stage moves.
type DealMover interface {
	MoveDeal(ctx context.Context, dealID, stageID string) (*model.StageChange, error)
}
