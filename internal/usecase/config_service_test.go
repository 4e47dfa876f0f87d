package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"gitlab.com/timkado/api/daisi-crm-automation/internal/apperrors"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/model"
	storagemock "gitlab.com/timkado/api/daisi-crm-automation/internal/storage/mock"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/tenant"
)

type configServiceMocks struct {
	configs *storagemock.AutomationConfigRepoMock
	runs    *storagemock.RunRepoMock
	logs    *storagemock.AutomationLogRepoMock
	deals   *storagemock.DealStoreMock
}

func newConfigService() (*AutomationConfigService, configServiceMocks) {
	m := configServiceMocks{
		configs: &storagemock.AutomationConfigRepoMock{},
		runs:    &storagemock.RunRepoMock{},
		logs:    &storagemock.AutomationLogRepoMock{},
		deals:   &storagemock.DealStoreMock{},
	}
	return NewAutomationConfigService(m.configs, m.runs, m.logs, m.deals), m
}

func stage(id, funnelID string, position int, terminal bool) *model.Stage {
	return &model.Stage{ID: id, FunnelID: funnelID, Position: position, IsTerminal: terminal}
}

func TestGetStageAutomation(t *testing.T) {
	ctx := context.Background()
	svc, m := newConfigService()
	m.configs.On("FindByStageID", ctx, "s1").Return(&model.StageAutomationConfig{StageID: "s1", WaitHours: 24}, nil).Once()
	m.configs.On("FindByStageID", ctx, "s2").Return(nil, apperrors.ErrNotFound).Once()
	m.configs.On("FindByStageID", ctx, "s3").Return(nil, apperrors.ErrDatabase).Once()

	cfg, err := svc.GetStageAutomation(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 24, cfg.WaitHours)

	cfg, err = svc.GetStageAutomation(ctx, "s2")
	require.NoError(t, err, "a stage without a rule is not an error")
	assert.Nil(t, cfg)

	_, err = svc.GetStageAutomation(ctx, "s3")
	assert.ErrorIs(t, err, apperrors.ErrDatabase)
}

func TestUpsertStageAutomation_Saves(t *testing.T) {
	ctx := tenant.WithCompanyID(context.Background(), "acme")
	svc, m := newConfigService()
	m.deals.On("FindStage", ctx, "s1").Return(stage("s1", "f1", 1, false), nil)
	m.deals.On("FindStage", ctx, "s2").Return(stage("s2", "f1", 2, false), nil)
	m.deals.On("FindStage", ctx, "intake").Return(stage("intake", "f2", 1, false), nil)
	m.configs.On("Upsert", ctx, mock.MatchedBy(func(cfg model.StageAutomationConfig) bool {
		return cfg.ID != "" && cfg.CompanyID == "acme" && cfg.StageID == "s1" &&
			cfg.IsActive && cfg.FlowID == nil && *cfg.NextStageID == "s2" && *cfg.FallbackStageID == "intake"
	})).Return(&model.StageAutomationConfig{StageID: "s1", WaitHours: 12, IsActive: true}, nil).Once()

	saved, err := svc.UpsertStageAutomation(ctx, "s1", model.UpsertAutomationRequest{
		FlowID:           strPtr("  "),
		WaitHours:        12,
		NextStageID:      strPtr("s2"),
		FallbackFunnelID: strPtr("f2"),
		FallbackStageID:  strPtr("intake"),
	})
	require.NoError(t, err)
	assert.Equal(t, 12, saved.WaitHours)
	m.configs.AssertExpectations(t)
}

func TestUpsertStageAutomation_Rejects(t *testing.T) {
	inactive := false
	tests := []struct {
		name    string
		stageID string
		req     model.UpsertAutomationRequest
		wantErr error
		wantMsg string
	}{
		{name: "missing wait_hours", stageID: "s2", req: model.UpsertAutomationRequest{}, wantErr: apperrors.ErrValidation, wantMsg: "wait_hours"},
		{name: "negative wait_hours", stageID: "s2", req: model.UpsertAutomationRequest{WaitHours: -3}, wantErr: apperrors.ErrValidation},
		{name: "unknown stage", stageID: "ghost", req: model.UpsertAutomationRequest{WaitHours: 1}, wantErr: apperrors.ErrNotFound},
		{name: "terminal stage", stageID: "won", req: model.UpsertAutomationRequest{WaitHours: 1}, wantErr: apperrors.ErrValidation},
		{name: "next stage backwards", stageID: "s2", req: model.UpsertAutomationRequest{WaitHours: 1, NextStageID: strPtr("s1")}, wantErr: apperrors.ErrValidation, wantMsg: "come after"},
		{name: "next stage other funnel", stageID: "s2", req: model.UpsertAutomationRequest{WaitHours: 1, NextStageID: strPtr("intake")}, wantErr: apperrors.ErrValidation, wantMsg: "same funnel"},
		{name: "next stage terminal", stageID: "s2", req: model.UpsertAutomationRequest{WaitHours: 1, NextStageID: strPtr("won")}, wantErr: apperrors.ErrValidation, wantMsg: "terminal"},
		{name: "next stage missing", stageID: "s2", req: model.UpsertAutomationRequest{WaitHours: 1, NextStageID: strPtr("ghost")}, wantErr: apperrors.ErrValidation, wantMsg: "does not exist"},
		{name: "fallback stage without funnel", stageID: "s2", req: model.UpsertAutomationRequest{WaitHours: 1, FallbackStageID: strPtr("intake")}, wantErr: apperrors.ErrValidation, wantMsg: "requires fallback_funnel_id"},
		{name: "fallback stage outside funnel", stageID: "s2", req: model.UpsertAutomationRequest{WaitHours: 1, FallbackFunnelID: strPtr("f2"), FallbackStageID: strPtr("s1")}, wantErr: apperrors.ErrValidation, wantMsg: "must belong to fallback_funnel_id"},
		{name: "inactive rule still validated", stageID: "s2", req: model.UpsertAutomationRequest{WaitHours: 1, IsActive: &inactive, NextStageID: strPtr("s1")}, wantErr: apperrors.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			svc, m := newConfigService()
			m.deals.On("FindStage", ctx, "s1").Return(stage("s1", "f1", 1, false), nil).Maybe()
			m.deals.On("FindStage", ctx, "s2").Return(stage("s2", "f1", 2, false), nil).Maybe()
			m.deals.On("FindStage", ctx, "won").Return(stage("won", "f1", 9, true), nil).Maybe()
			m.deals.On("FindStage", ctx, "intake").Return(stage("intake", "f2", 1, false), nil).Maybe()
			m.deals.On("FindStage", ctx, "ghost").Return(nil, apperrors.ErrNotFound).Maybe()

			_, err := svc.UpsertStageAutomation(ctx, tt.stageID, tt.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			if tt.wantMsg != "" {
				assert.Contains(t, err.Error(), tt.wantMsg)
			}
			m.configs.AssertNotCalled(t, "Upsert", mock.Anything, mock.Anything)
		})
	}
}

func TestDeleteAndListStageAutomations(t *testing.T) {
	ctx := context.Background()
	svc, m := newConfigService()
	m.configs.On("DeleteByStageID", ctx, "s1").Return(nil).Once()
	m.configs.On("ListByFunnel", ctx, "f1").Return([]model.StageAutomationSummary{{StageName: "Lead", StagePosition: 1}}, nil).Once()

	require.NoError(t, svc.DeleteStageAutomation(ctx, "s1"))
	list, err := svc.ListFunnelAutomations(ctx, "f1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Lead", list[0].StageName)
	m.configs.AssertExpectations(t)
}

func TestDealAutomationLogs_DefaultLimit(t *testing.T) {
	ctx := context.Background()
	svc, m := newConfigService()
	m.logs.On("ListByDeal", ctx, "d1", defaultLogsLimit).Return([]model.AutomationLog{{DealID: "d1"}}, nil).Once()
	m.logs.On("ListByDeal", ctx, "d1", 5).Return([]model.AutomationLog{}, nil).Once()
	m.runs.On("ListByDeal", ctx, "d1").Return(nil, errors.New("boom")).Once()

	logs, err := svc.DealAutomationLogs(ctx, "d1", 0)
	require.NoError(t, err)
	assert.Len(t, logs, 1)

	_, err = svc.DealAutomationLogs(ctx, "d1", 5)
	require.NoError(t, err)

	_, err = svc.DealAutomationStatus(ctx, "d1")
	assert.EqualError(t, err, "boom")
	m.logs.AssertExpectations(t)
}
