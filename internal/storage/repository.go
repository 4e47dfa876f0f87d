package storage

import (
	"context"
	"time"

	"gitlab.com/timkado/api/daisi-crm-automation/internal/model"
)

// AutomationConfigRepo stores stage automation rules.
type AutomationConfigRepo interface {
	FindByStageID(ctx context.Context, stageID string) (*model.StageAutomationConfig, error)
	Upsert(ctx context.Context, cfg model.StageAutomationConfig) (*model.StageAutomationConfig, error)
	DeleteByStageID(ctx context.Context, stageID string) error
	ListByFunnel(ctx context.Context, funnelID string) ([]model.StageAutomationSummary, error)
}

// RunRepo stores deal automation runs. Every status change goes through
// Transition, which only applies when the run still holds one of the expected statuses.
type RunRepo interface {
	Create(ctx context.Context, run *model.DealAutomationRun) error
	FindByID(ctx context.Context, id string) (*model.DealAutomationRun, error)
	FindOpen(ctx context.Context, dealID, stageID string) (*model.DealAutomationRun, error)
	ListOpenByDeal(ctx context.Context, dealID string) ([]model.DealAutomationRun, error)
	ListByDeal(ctx context.Context, dealID string) ([]model.DealAutomationRun, error)
	ListAwaitingReply(ctx context.Context, phone string) ([]model.DealAutomationRun, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]model.DealAutomationRun, error)
	ListStalePending(ctx context.Context, updatedBefore time.Time, limit int) ([]model.DealAutomationRun, error)
	Transition(ctx context.Context, id string, from []model.RunStatus, changes RunChanges) (bool, error)
	ClaimAttempt(ctx context.Context, id string, status model.RunStatus, expectedAttempts int) (bool, error)
	MarkNoTargetLogged(ctx context.Context, id string, now time.Time, interval time.Duration) (bool, error)
}

// AutomationLogRepo appends and reads the audit trail.
type AutomationLogRepo interface {
	Append(ctx context.Context, entry *model.AutomationLog) error
	ListByDeal(ctx context.Context, dealID string, limit int) ([]model.AutomationLog, error)
}

// DealStore is the CRM side: stage lookups and the deal stage-change operation.
type DealStore interface {
	FindStage(ctx context.Context, stageID string) (*model.Stage, error)
	FirstOpenStage(ctx context.Context, funnelID string) (*model.Stage, error)
	FindDeal(ctx context.Context, dealID string) (*model.Deal, error)
	FindContact(ctx context.Context, contactID string) (*model.Contact, error)
	MoveDeal(ctx context.Context, move DealMove) (*model.StageChange, error)
}

// DealMove describes one deal stage change.
type DealMove struct {
	DealID    string
	ToStageID string
	Source    string
	// FromStageID, when set, requires the deal to still sit in that stage.
	FromStageID string
	// RunID, when set, marks that waiting run moved in the same transaction.
	RunID string
}

// ExhaustedEventRepo parks events that failed every DLQ retry.
type ExhaustedEventRepo interface {
	Save(ctx context.Context, event model.ExhaustedEvent) error
}

// HealthChecker reports database reachability.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// RunChanges lists the columns a transition writes besides status.
// Nil pointers leave a column untouched.
type RunChanges struct {
	Status        model.RunStatus
	FlowSessionID *string
	FlowSentAt    *time.Time
	WaitUntil     *time.Time
	RespondedAt   *time.Time
	MovedAt       *time.Time
	CancelledAt   *time.Time
	LastError     *string
	IncAttempts   bool
}
