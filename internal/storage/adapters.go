package storage

import (
	"context"
	"time"

	"gitlab.com/timkado/api/daisi-crm-automation/internal/model"
)

// AutomationConfigRepoAdapter adapts PostgresRepo to AutomationConfigRepo.
type AutomationConfigRepoAdapter struct {
	postgres *PostgresRepo
}

func NewAutomationConfigRepoAdapter(postgres *PostgresRepo) AutomationConfigRepo {
	return &AutomationConfigRepoAdapter{postgres: postgres}
}

func (a *AutomationConfigRepoAdapter) FindByStageID(ctx context.Context, stageID string) (*model.StageAutomationConfig, error) {
	return a.postgres.FindAutomationConfigByStageID(ctx, stageID)
}

func (a *AutomationConfigRepoAdapter) Upsert(ctx context.Context, cfg model.StageAutomationConfig) (*model.StageAutomationConfig, error) {
	return a.postgres.UpsertAutomationConfig(ctx, cfg)
}

func (a *AutomationConfigRepoAdapter) DeleteByStageID(ctx context.Context, stageID string) error {
	return a.postgres.DeleteAutomationConfigByStageID(ctx, stageID)
}

func (a *AutomationConfigRepoAdapter) ListByFunnel(ctx context.Context, funnelID string) ([]model.StageAutomationSummary, error) {
	return a.postgres.ListAutomationConfigsByFunnel(ctx, funnelID)
}

// RunRepoAdapter adapts PostgresRepo to RunRepo.
type RunRepoAdapter struct {
	postgres *PostgresRepo
}

func NewRunRepoAdapter(postgres *PostgresRepo) RunRepo {
	return &RunRepoAdapter{postgres: postgres}
}

func (a *RunRepoAdapter) Create(ctx context.Context, run *model.DealAutomationRun) error {
	return a.postgres.CreateRun(ctx, run)
}

func (a *RunRepoAdapter) FindByID(ctx context.Context, id string) (*model.DealAutomationRun, error) {
	return a.postgres.FindRunByID(ctx, id)
}

func (a *RunRepoAdapter) FindOpen(ctx context.Context, dealID, stageID string) (*model.DealAutomationRun, error) {
	return a.postgres.FindOpenRun(ctx, dealID, stageID)
}

func (a *RunRepoAdapter) ListOpenByDeal(ctx context.Context, dealID string) ([]model.DealAutomationRun, error) {
	return a.postgres.ListOpenRunsByDeal(ctx, dealID)
}

func (a *RunRepoAdapter) ListByDeal(ctx context.Context, dealID string) ([]model.DealAutomationRun, error) {
	return a.postgres.ListRunsByDeal(ctx, dealID)
}

func (a *RunRepoAdapter) ListAwaitingReply(ctx context.Context, phone string) ([]model.DealAutomationRun, error) {
	return a.postgres.ListAwaitingReply(ctx, phone)
}

func (a *RunRepoAdapter) ListDue(ctx context.Context, now time.Time, limit int) ([]model.DealAutomationRun, error) {
	return a.postgres.ListDueRuns(ctx, now, limit)
}

func (a *RunRepoAdapter) ListStalePending(ctx context.Context, updatedBefore time.Time, limit int) ([]model.DealAutomationRun, error) {
	return a.postgres.ListStalePendingRuns(ctx, updatedBefore, limit)
}

func (a *RunRepoAdapter) Transition(ctx context.Context, id string, from []model.RunStatus, changes RunChanges) (bool, error) {
	return a.postgres.TransitionRun(ctx, id, from, changes)
}

func (a *RunRepoAdapter) ClaimAttempt(ctx context.Context, id string, status model.RunStatus, expectedAttempts int) (bool, error) {
	return a.postgres.ClaimRunAttempt(ctx, id, status, expectedAttempts)
}

func (a *RunRepoAdapter) MarkNoTargetLogged(ctx context.Context, id string, now time.Time, interval time.Duration) (bool, error) {
	return a.postgres.MarkRunNoTargetLogged(ctx, id, now, interval)
}

// AutomationLogRepoAdapter adapts PostgresRepo to AutomationLogRepo.
type AutomationLogRepoAdapter struct {
	postgres *PostgresRepo
}

func NewAutomationLogRepoAdapter(postgres *PostgresRepo) AutomationLogRepo {
	return &AutomationLogRepoAdapter{postgres: postgres}
}

func (a *AutomationLogRepoAdapter) Append(ctx context.Context, entry *model.AutomationLog) error {
	return a.postgres.AppendAutomationLog(ctx, entry)
}

func (a *AutomationLogRepoAdapter) ListByDeal(ctx context.Context, dealID string, limit int) ([]model.AutomationLog, error) {
	return a.postgres.ListAutomationLogsByDeal(ctx, dealID, limit)
}

// ExhaustedEventRepoAdapter adapts PostgresRepo to ExhaustedEventRepo.
type ExhaustedEventRepoAdapter struct {
	postgres *PostgresRepo
}

func NewExhaustedEventRepoAdapter(postgres *PostgresRepo) ExhaustedEventRepo {
	return &ExhaustedEventRepoAdapter{postgres: postgres}
}

func (a *ExhaustedEventRepoAdapter) Save(ctx context.Context, event model.ExhaustedEvent) error {
	return a.postgres.SaveExhaustedEvent(ctx, event)
}

var (
	_ AutomationConfigRepo = (*AutomationConfigRepoAdapter)(nil)
	_ RunRepo              = (*RunRepoAdapter)(nil)
	_ AutomationLogRepo    = (*AutomationLogRepoAdapter)(nil)
	_ ExhaustedEventRepo   = (*ExhaustedEventRepoAdapter)(nil)
	_ DealStore            = (*PostgresRepo)(nil)
	_ HealthChecker        = (*PostgresRepo)(nil)
)
