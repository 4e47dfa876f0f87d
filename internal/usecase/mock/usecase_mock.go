package mock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"gitlab.com/timkado/api/daisi-crm-automation/internal/model"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/usecase"
)

// FlowRunnerMock mocks usecase.FlowRunner.
type FlowRunnerMock struct {
	mock.Mock
}

func (m *FlowRunnerMock) StartFlow(ctx context.Context, flowID, phone, dealID string) (string, error) {
	args := m.Called(ctx, flowID, phone, dealID)
	return args.String(0), args.Error(1)
}

func (m *FlowRunnerMock) StopFlow(ctx context.Context, sessionID string) error {
	return m.Called(ctx, sessionID).Error(0)
}

// StageChangePublisherMock mocks usecase.StageChangePublisher.
type StageChangePublisherMock struct {
	mock.Mock
}

func (m *StageChangePublisherMock) PublishStageChange(ctx context.Context, change model.StageChange) error {
	return m.Called(ctx, change).Error(0)
}

// EngineMock mocks usecase.Engine.
type EngineMock struct {
	mock.Mock
}

func (m *EngineMock) HandleStageEntry(ctx context.Context, change model.StageChange) (*model.DealAutomationRun, error) {
	args := m.Called(ctx, change)
	run, _ := args.Get(0).(*model.DealAutomationRun)
	return run, args.Error(1)
}

func (m *EngineMock) HandleInboundMessage(ctx context.Context, msg model.InboundMessage) error {
	return m.Called(ctx, msg).Error(0)
}

func (m *EngineMock) Sweep(ctx context.Context) (usecase.SweepResult, error) {
	args := m.Called(ctx)
	result, _ := args.Get(0).(usecase.SweepResult)
	return result, args.Error(1)
}

func (m *EngineMock) CancelDealAutomation(ctx context.Context, dealID string) (int, error) {
	args := m.Called(ctx, dealID)
	return args.Int(0), args.Error(1)
}

func (m *EngineMock) StartDealAutomation(ctx context.Context, dealID string) (*model.DealAutomationRun, error) {
	args := m.Called(ctx, dealID)
	run, _ := args.Get(0).(*model.DealAutomationRun)
	return run, args.Error(1)
}

func (m *EngineMock) BulkStartAutomation(ctx context.Context, req model.BulkStartRequest) (model.BulkStartResult, error) {
	args := m.Called(ctx, req)
	result, _ := args.Get(0).(model.BulkStartResult)
	return result, args.Error(1)
}

// InlinePool runs submitted tasks synchronously.
type InlinePool struct{}

func (InlinePool) Submit(task func()) error {
	task()
	return nil
}

var (
	_ usecase.FlowRunner           = (*FlowRunnerMock)(nil)
	_ usecase.StageChangePublisher = (*StageChangePublisherMock)(nil)
	_ usecase.Engine               = (*EngineMock)(nil)
	_ usecase.TaskPool             = InlinePool{}
)
