package usecase

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-crm-automation/internal/apperrors"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/model"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/observer"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/storage"
)

// CancelDealAutomation cancels every open run of the deal and stops their flow sessions.
// It returns how many runs this call cancelled; zero is a successful no-op.
func (e *AutomationEngine) CancelDealAutomation(ctx context.Context, dealID string) (int, error) {
	if _, err := e.deals.FindDeal(ctx, dealID); err != nil {
		return 0, fmt.Errorf("failed to load deal %s: %w", dealID, err)
	}

	open, err := e.runs.ListOpenByDeal(ctx, dealID)
	if err != nil {
		return 0, fmt.Errorf("failed to list open runs: %w", err)
	}

	cancelled := 0
	for i := range open {
		run := &open[i]
		now := e.now()
		won, err := e.runs.Transition(ctx, run.ID, model.OpenRunStatuses, storage.RunChanges{
			Status:      model.RunStatusCancelled,
			CancelledAt: &now,
		})
		if err != nil {
			return cancelled, fmt.Errorf("failed to cancel run %s: %w", run.ID, err)
		}
		if !won {
			observer.IncRaceLoss(run.CompanyID, "cancel")
			continue
		}
		cancelled++
		run.Status = model.RunStatusCancelled
		run.CancelledAt = &now

		if run.FlowSessionID != nil && *run.FlowSessionID != "" {
			stopCtx, cancel := context.WithTimeout(ctx, e.cfg.FlowCallTimeout)
			stopErr := e.flows.StopFlow(stopCtx, *run.FlowSessionID)
			cancel()
			if stopErr != nil {
				e.audit(ctx, dealID, run, model.ActionFlowStopError, map[string]interface{}{
					"flow_session_id": *run.FlowSessionID,
					"error":           stopErr.Error(),
				})
			}
		}
		e.audit(ctx, dealID, run, model.ActionCancelled, map[string]interface{}{"stage_id": run.StageID})
	}

	e.logger(ctx).Info("Deal automation cancelled", zap.String("deal_id", dealID), zap.Int("cancelled", cancelled))
	return cancelled, nil
}

// StartDealAutomation starts the rule of the deal's current stage by hand.
// Without an open run a new one is created and its flow sent right away.
// An open run whose flow never went out sends it now and restarts the wait window.
func (e *AutomationEngine) StartDealAutomation(ctx context.Context, dealID string) (*model.DealAutomationRun, error) {
	deal, err := e.deals.FindDeal(ctx, dealID)
	if err != nil {
		return nil, fmt.Errorf("failed to load deal %s: %w", dealID, err)
	}

	run, err := e.runs.FindOpen(ctx, deal.ID, deal.StageID)
	if err != nil && !apperrors.IsNotFoundError(err) {
		return nil, fmt.Errorf("failed to look up open run: %w", err)
	}

	if run == nil {
		created, reason, err := e.enterStage(ctx, model.StageChange{
			DealID:     deal.ID,
			ToStageID:  deal.StageID,
			ToFunnelID: deal.FunnelID,
			Source:     model.SourceManual,
		}, true)
		if err != nil {
			return nil, err
		}
		if created == nil {
			return nil, fmt.Errorf("%w: stage %s has no runnable automation (%s)", apperrors.ErrValidation, deal.StageID, reason)
		}
		return created, nil
	}

	if run.FlowUnsent() {
		waitUntil := e.now().Add(run.WaitDuration())
		if err := e.deliverFlow(ctx, run, waitUntil); err != nil {
			return nil, err
		}
	}
	return run, nil
}

// BulkStartAutomation applies the target stage's rule to each deal in parallel.
// A deal already running counts as started; skipped or failing deals count as failed.
func (e *AutomationEngine) BulkStartAutomation(ctx context.Context, req model.BulkStartRequest) (model.BulkStartResult, error) {
	dealIDs := uniqueNonEmpty(req.DealIDs)
	if len(dealIDs) == 0 {
		return model.BulkStartResult{}, fmt.Errorf("%w: deal_ids must not be empty", apperrors.ErrValidation)
	}
	if len(dealIDs) > e.cfg.BulkStartMax {
		return model.BulkStartResult{}, fmt.Errorf("%w: at most %d deals per bulk start", apperrors.ErrValidation, e.cfg.BulkStartMax)
	}

	var started, failed atomic.Int64
	var wg sync.WaitGroup
	for _, dealID := range dealIDs {
		dealID := dealID
		e.dispatch(ctx, &wg, func() {
			run, reason, err := e.enterStage(ctx, model.StageChange{
				DealID:    dealID,
				ToStageID: req.TargetStageID,
				Source:    model.SourceBulkStart,
			}, false)
			switch {
			case err != nil:
				e.logger(ctx).Warn("Bulk start failed for deal", zap.String("deal_id", dealID), zap.Error(err))
				failed.Add(1)
			case run != nil && (reason == "" || reason == model.SkipReasonAlreadyRunning):
				started.Add(1)
			default:
				failed.Add(1)
			}
		})
	}
	wg.Wait()

	result := model.BulkStartResult{Started: int(started.Load()), Failed: int(failed.Load())}
	e.logger(ctx).Info("Bulk automation start finished",
		zap.String("target_stage_id", req.TargetStageID),
		zap.Int("started", result.Started),
		zap.Int("failed", result.Failed))
	return result, nil
}

func uniqueNonEmpty(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
