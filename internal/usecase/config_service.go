package usecase

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-crm-automation/internal/apperrors"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/model"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/storage"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/tenant"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/validator"
	"gitlab.com/timkado/api/daisi-crm-automation/pkg/logger"
)

const defaultLogsLimit = 200

// AutomationConfigService manages stage rules and exposes run state for reading.
type AutomationConfigService struct {
	configs storage.AutomationConfigRepo
	runs    storage.RunRepo
	logs    storage.AutomationLogRepo
	deals   storage.DealStore
}

func NewAutomationConfigService(
	configs storage.AutomationConfigRepo,
	runs storage.RunRepo,
	logs storage.AutomationLogRepo,
	deals storage.DealStore,
) *AutomationConfigService {
	return &AutomationConfigService{configs: configs, runs: runs, logs: logs, deals: deals}
}

// GetStageAutomation returns the rule of a stage, or nil when the stage has none.
func (s *AutomationConfigService) GetStageAutomation(ctx context.Context, stageID string) (*model.StageAutomationConfig, error) {
	cfg, err := s.configs.FindByStageID(ctx, stageID)
	if err != nil {
		if apperrors.IsNotFoundError(err) {
			return nil, nil
		}
		return nil, err
	}
	return cfg, nil
}

// UpsertStageAutomation validates and stores the rule of a stage.
func (s *AutomationConfigService) UpsertStageAutomation(ctx context.Context, stageID string, req model.UpsertAutomationRequest) (*model.StageAutomationConfig, error) {
	if err := validator.Validate(req); err != nil {
		return nil, err
	}
	req.FlowID = blankToNil(req.FlowID)
	req.NextStageID = blankToNil(req.NextStageID)
	req.FallbackFunnelID = blankToNil(req.FallbackFunnelID)
	req.FallbackStageID = blankToNil(req.FallbackStageID)

	stage, err := s.deals.FindStage(ctx, stageID)
	if err != nil {
		if apperrors.IsNotFoundError(err) {
			return nil, fmt.Errorf("%w: stage %s", apperrors.ErrNotFound, stageID)
		}
		return nil, err
	}
	if stage.IsTerminal {
		return nil, fmt.Errorf("%w: terminal stage %s cannot carry an automation", apperrors.ErrValidation, stageID)
	}
	if err := s.validateTargets(ctx, stage, req); err != nil {
		return nil, err
	}

	companyID, _ := tenant.FromContext(ctx)
	isActive := true
	if req.IsActive != nil {
		isActive = *req.IsActive
	}
	cfg := model.StageAutomationConfig{
		ID:                 uuid.NewString(),
		CompanyID:          companyID,
		StageID:            stage.ID,
		FlowID:             req.FlowID,
		WaitHours:          req.WaitHours,
		NextStageID:        req.NextStageID,
		FallbackFunnelID:   req.FallbackFunnelID,
		FallbackStageID:    req.FallbackStageID,
		IsActive:           isActive,
		ExecuteImmediately: req.ExecuteImmediately,
	}
	saved, err := s.configs.Upsert(ctx, cfg)
	if err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Info("Stage automation saved",
		zap.String("stage_id", stage.ID),
		zap.Int("wait_hours", saved.WaitHours),
		zap.Bool("is_active", saved.IsActive))
	return saved, nil
}

// validateTargets checks that the next stage advances within the funnel and that
// the fallback stage lives in the fallback funnel.
func (s *AutomationConfigService) validateTargets(ctx context.Context, stage *model.Stage, req model.UpsertAutomationRequest) error {
	var problems []string

	if req.NextStageID != nil {
		next, err := s.deals.FindStage(ctx, *req.NextStageID)
		switch {
		case apperrors.IsNotFoundError(err):
			problems = append(problems, "next_stage_id does not exist")
		case err != nil:
			return err
		case next.FunnelID != stage.FunnelID:
			problems = append(problems, "next_stage_id must belong to the same funnel")
		case next.Position <= stage.Position:
			problems = append(problems, "next_stage_id must come after the current stage")
		case next.IsTerminal:
			problems = append(problems, "next_stage_id must not be a terminal stage")
		}
	}

	if req.FallbackStageID != nil {
		fallback, err := s.deals.FindStage(ctx, *req.FallbackStageID)
		switch {
		case apperrors.IsNotFoundError(err):
			problems = append(problems, "fallback_stage_id does not exist")
		case err != nil:
			return err
		case req.FallbackFunnelID == nil:
			problems = append(problems, "fallback_stage_id requires fallback_funnel_id")
		case fallback.FunnelID != *req.FallbackFunnelID:
			problems = append(problems, "fallback_stage_id must belong to fallback_funnel_id")
		case fallback.IsTerminal:
			problems = append(problems, "fallback_stage_id must not be a terminal stage")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", apperrors.ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

// DeleteStageAutomation removes a stage rule. Existing runs keep their snapshot.
func (s *AutomationConfigService) DeleteStageAutomation(ctx context.Context, stageID string) error {
	return s.configs.DeleteByStageID(ctx, stageID)
}

func (s *AutomationConfigService) ListFunnelAutomations(ctx context.Context, funnelID string) ([]model.StageAutomationSummary, error) {
	return s.configs.ListByFunnel(ctx, funnelID)
}

// DealAutomationStatus lists every run of a deal, newest first.
func (s *AutomationConfigService) DealAutomationStatus(ctx context.Context, dealID string) ([]model.DealAutomationRun, error) {
	return s.runs.ListByDeal(ctx, dealID)
}

// DealAutomationLogs lists the audit trail of a deal, newest first.
func (s *AutomationConfigService) DealAutomationLogs(ctx context.Context, dealID string, limit int) ([]model.AutomationLog, error) {
	if limit <= 0 {
		limit = defaultLogsLimit
	}
	return s.logs.ListByDeal(ctx, dealID, limit)
}

func blankToNil(s *string) *string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	v := strings.TrimSpace(*s)
	return &v
}
