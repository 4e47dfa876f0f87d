package mock

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"gitlab.com/timkado/api/daisi-crm-automation/internal/model"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/storage"
)

// AutomationConfigRepoMock mocks storage.AutomationConfigRepo.
type AutomationConfigRepoMock struct {
	mock.Mock
}

func (m *AutomationConfigRepoMock) FindByStageID(ctx context.Context, stageID string) (*model.StageAutomationConfig, error) {
	args := m.Called(ctx, stageID)
	cfg, _ := args.Get(0).(*model.StageAutomationConfig)
	return cfg, args.Error(1)
}

func (m *AutomationConfigRepoMock) Upsert(ctx context.Context, cfg model.StageAutomationConfig) (*model.StageAutomationConfig, error) {
	args := m.Called(ctx, cfg)
	out, _ := args.Get(0).(*model.StageAutomationConfig)
	return out, args.Error(1)
}

func (m *AutomationConfigRepoMock) DeleteByStageID(ctx context.Context, stageID string) error {
	return m.Called(ctx, stageID).Error(0)
}

func (m *AutomationConfigRepoMock) ListByFunnel(ctx context.Context, funnelID string) ([]model.StageAutomationSummary, error) {
	args := m.Called(ctx, funnelID)
	out, _ := args.Get(0).([]model.StageAutomationSummary)
	return out, args.Error(1)
}

// RunRepoMock mocks storage.RunRepo.
type RunRepoMock struct {
	mock.Mock
}

func (m *RunRepoMock) Create(ctx context.Context, run *model.DealAutomationRun) error {
	return m.Called(ctx, run).Error(0)
}

func (m *RunRepoMock) FindByID(ctx context.Context, id string) (*model.DealAutomationRun, error) {
	args := m.Called(ctx, id)
	run, _ := args.Get(0).(*model.DealAutomationRun)
	return run, args.Error(1)
}

func (m *RunRepoMock) FindOpen(ctx context.Context, dealID, stageID string) (*model.DealAutomationRun, error) {
	args := m.Called(ctx, dealID, stageID)
	run, _ := args.Get(0).(*model.DealAutomationRun)
	return run, args.Error(1)
}

func (m *RunRepoMock) ListOpenByDeal(ctx context.Context, dealID string) ([]model.DealAutomationRun, error) {
	args := m.Called(ctx, dealID)
	runs, _ := args.Get(0).([]model.DealAutomationRun)
	return runs, args.Error(1)
}

func (m *RunRepoMock) ListByDeal(ctx context.Context, dealID string) ([]model.DealAutomationRun, error) {
	args := m.Called(ctx, dealID)
	runs, _ := args.Get(0).([]model.DealAutomationRun)
	return runs, args.Error(1)
}

func (m *RunRepoMock) ListAwaitingReply(ctx context.Context, phone string) ([]model.DealAutomationRun, error) {
	args := m.Called(ctx, phone)
	runs, _ := args.Get(0).([]model.DealAutomationRun)
	return runs, args.Error(1)
}

func (m *RunRepoMock) ListDue(ctx context.Context, now time.Time, limit int) ([]model.DealAutomationRun, error) {
	args := m.Called(ctx, now, limit)
	runs, _ := args.Get(0).([]model.DealAutomationRun)
	return runs, args.Error(1)
}

func (m *RunRepoMock) ListStalePending(ctx context.Context, updatedBefore time.Time, limit int) ([]model.DealAutomationRun, error) {
	args := m.Called(ctx, updatedBefore, limit)
	runs, _ := args.Get(0).([]model.DealAutomationRun)
	return runs, args.Error(1)
}

func (m *RunRepoMock) Transition(ctx context.Context, id string, from []model.RunStatus, changes storage.RunChanges) (bool, error) {
	args := m.Called(ctx, id, from, changes)
	return args.Bool(0), args.Error(1)
}

func (m *RunRepoMock) ClaimAttempt(ctx context.Context, id string, status model.RunStatus, expectedAttempts int) (bool, error) {
	args := m.Called(ctx, id, status, expectedAttempts)
	return args.Bool(0), args.Error(1)
}

func (m *RunRepoMock) MarkNoTargetLogged(ctx context.Context, id string, now time.Time, interval time.Duration) (bool, error) {
	args := m.Called(ctx, id, now, interval)
	return args.Bool(0), args.Error(1)
}

// AutomationLogRepoMock mocks storage.AutomationLogRepo.
type AutomationLogRepoMock struct {
	mock.Mock
}

func (m *AutomationLogRepoMock) Append(ctx context.Context, entry *model.AutomationLog) error {
	return m.Called(ctx, entry).Error(0)
}

func (m *AutomationLogRepoMock) ListByDeal(ctx context.Context, dealID string, limit int) ([]model.AutomationLog, error) {
	args := m.Called(ctx, dealID, limit)
	out, _ := args.Get(0).([]model.AutomationLog)
	return out, args.Error(1)
}

// DealStoreMock mocks storage.DealStore.
type DealStoreMock struct {
	mock.Mock
}

func (m *DealStoreMock) FindStage(ctx context.Context, stageID string) (*model.Stage, error) {
	args := m.Called(ctx, stageID)
	out, _ := args.Get(0).(*model.Stage)
	return out, args.Error(1)
}

func (m *DealStoreMock) FirstOpenStage(ctx context.Context, funnelID string) (*model.Stage, error) {
	args := m.Called(ctx, funnelID)
	out, _ := args.Get(0).(*model.Stage)
	return out, args.Error(1)
}

func (m *DealStoreMock) FindDeal(ctx context.Context, dealID string) (*model.Deal, error) {
	args := m.Called(ctx, dealID)
	out, _ := args.Get(0).(*model.Deal)
	return out, args.Error(1)
}

func (m *DealStoreMock) FindContact(ctx context.Context, contactID string) (*model.Contact, error) {
	args := m.Called(ctx, contactID)
	out, _ := args.Get(0).(*model.Contact)
	return out, args.Error(1)
}

func (m *DealStoreMock) MoveDeal(ctx context.Context, move storage.DealMove) (*model.StageChange, error) {
	args := m.Called(ctx, move)
	out, _ := args.Get(0).(*model.StageChange)
	return out, args.Error(1)
}

// ExhaustedEventRepoMock mocks storage.ExhaustedEventRepo.
type ExhaustedEventRepoMock struct {
	mock.Mock
}

func (m *ExhaustedEventRepoMock) Save(ctx context.Context, event model.ExhaustedEvent) error {
	return m.Called(ctx, event).Error(0)
}

var (
	_ storage.AutomationConfigRepo = (*AutomationConfigRepoMock)(nil)
	_ storage.RunRepo              = (*RunRepoMock)(nil)
	_ storage.AutomationLogRepo    = (*AutomationLogRepoMock)(nil)
	_ storage.DealStore            = (*DealStoreMock)(nil)
	_ storage.ExhaustedEventRepo   = (*ExhaustedEventRepoMock)(nil)
)
