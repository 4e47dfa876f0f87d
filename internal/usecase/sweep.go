package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-crm-automation/internal/apperrors"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/model"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/observer"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/storage"
)

// Sweep outcomes, also used as metric labels.
const (
	outcomeMoved        = "moved"
	outcomeNoTarget     = "no_target"
	outcomeMoveError    = "move_error"
	outcomeRaceLost     = "race_lost"
	outcomeLeftStage    = "left_stage"
	outcomeFlowRetried  = "flow_retried"
	outcomePendingArmed = "pending_armed"
	outcomeError        = "error"
)

// SweepResult counts what one sweep did.
type SweepResult struct {
	Due          int `json:"due"`
	Stale        int `json:"stale_pending"`
	Moved        int `json:"moved"`
	NoTarget     int `json:"no_target"`
	MoveErrors   int `json:"move_errors"`
	RaceLost     int `json:"race_lost"`
	LeftStage    int `json:"left_stage"`
	FlowRetried  int `json:"flow_retried"`
	PendingArmed int `json:"pending_armed"`
	Errors       int `json:"errors"`
}

type sweepTally struct {
	mu        sync.Mutex
	result    SweepResult
	companyID string
}

func (t *sweepTally) add(outcome string) {
	observer.IncSweepOutcome(t.companyID, outcome)
	t.mu.Lock()
	defer t.mu.Unlock()
	switch outcome {
	case outcomeMoved:
		t.result.Moved++
	case outcomeNoTarget:
		t.result.NoTarget++
	case outcomeMoveError:
		t.result.MoveErrors++
	case outcomeRaceLost:
		t.result.RaceLost++
	case outcomeLeftStage:
		t.result.LeftStage++
	case outcomeFlowRetried:
		t.result.FlowRetried++
	case outcomePendingArmed:
		t.result.PendingArmed++
	default:
		t.result.Errors++
	}
}

// Sweep processes every waiting run whose wait elapsed and heals stale pending runs.
// Runs are handled in parallel on the pool; a failing run never aborts the sweep.
// The only returned errors are failures to list work.
func (e *AutomationEngine) Sweep(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	now := e.now()
	tally := &sweepTally{companyID: companyOf(ctx)}
	log := e.logger(ctx)

	var listErrs []error
	due, err := e.runs.ListDue(ctx, now, e.cfg.SweepBatchSize)
	if err != nil {
		listErrs = append(listErrs, fmt.Errorf("failed to list due runs: %w", err))
	}
	stale, err := e.runs.ListStalePending(ctx, now.Add(-e.cfg.PendingGrace), e.cfg.SweepBatchSize)
	if err != nil {
		listErrs = append(listErrs, fmt.Errorf("failed to list stale pending runs: %w", err))
	}
	tally.result.Due = len(due)
	tally.result.Stale = len(stale)

	var wg sync.WaitGroup
	for i := range due {
		run := due[i]
		e.dispatch(ctx, &wg, func() { tally.add(e.processDue(ctx, &run, now)) })
	}
	for i := range stale {
		run := stale[i]
		e.dispatch(ctx, &wg, func() { tally.add(e.processPending(ctx, &run, now)) })
	}
	wg.Wait()

	observer.ObserveSweepDuration(tally.companyID, time.Since(start))
	result := tally.result
	if result.Due > 0 || result.Stale > 0 {
		log.Info("Automation sweep finished",
			zap.Int("due", result.Due),
			zap.Int("stale_pending", result.Stale),
			zap.Int("moved", result.Moved),
			zap.Int("no_target", result.NoTarget),
			zap.Int("move_errors", result.MoveErrors),
			zap.Int("race_lost", result.RaceLost),
			zap.Int("errors", result.Errors),
			zap.Duration("duration", time.Since(start)))
	}
	return result, errors.Join(listErrs...)
}

// dispatch runs task on the pool, inline when the pool refuses it.
func (e *AutomationEngine) dispatch(ctx context.Context, wg *sync.WaitGroup, task func()) {
	wg.Add(1)
	wrapped := func() {
		defer wg.Done()
		task()
	}
	if e.pool == nil {
		wrapped()
		return
	}
	if err := e.pool.Submit(wrapped); err != nil {
		e.logger(ctx).Warn("Automation pool refused task, running inline", zap.Error(err))
		wrapped()
	}
}

// processDue moves one elapsed run to its target stage, or records that it has none.
func (e *AutomationEngine) processDue(ctx context.Context, run *model.DealAutomationRun, now time.Time) string {
	log := e.logger(ctx).With(runFields(run)...)

	deal, err := e.deals.FindDeal(ctx, run.DealID)
	if err != nil && !apperrors.IsNotFoundError(err) {
		log.Warn("Failed to load deal for due run", zap.Error(err))
		return outcomeError
	}
	if deal == nil || deal.StageID != run.StageID {
		return e.retireRun(ctx, run, deal)
	}

	target, err := e.resolveTarget(ctx, run)
	if err != nil {
		log.Warn("Failed to resolve target stage", zap.Error(err))
		return outcomeError
	}
	if target == nil {
		marked, err := e.runs.MarkNoTargetLogged(ctx, run.ID, now, e.cfg.NoTargetLogInterval)
		if err != nil {
			log.Warn("Failed to stamp no_target", zap.Error(err))
			return outcomeError
		}
		if marked {
			e.audit(ctx, run.DealID, run, model.ActionNoTarget, map[string]interface{}{
				"next_stage_id":      run.NextStageID,
				"fallback_funnel_id": run.FallbackFunnelID,
				"fallback_stage_id":  run.FallbackStageID,
			})
			log.Warn("Automation run has no target stage, deal stays put")
		}
		return outcomeNoTarget
	}

	// the guarded move is the claim: the deal changes stage and the run becomes
	// moved in one transaction, or neither happens
	moveCtx, cancel := context.WithTimeout(ctx, e.cfg.MoveCallTimeout)
	change, moveErr := e.deals.MoveDeal(moveCtx, storage.DealMove{
		DealID:      run.DealID,
		FromStageID: run.StageID,
		ToStageID:   target.ID,
		Source:      model.SourceAutomation,
		RunID:       run.ID,
	})
	cancel()

	// bookkeeping outlives a cancelled sweep so a finished move is always recorded
	bookCtx, bookCancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.MoveCallTimeout+e.cfg.FlowCallTimeout)
	defer bookCancel()

	if apperrors.IsConflictError(moveErr) {
		return e.resolveMoveConflict(bookCtx, run)
	}
	if moveErr != nil {
		_, err := e.runs.Transition(bookCtx, run.ID, []model.RunStatus{model.RunStatusWaiting}, storage.RunChanges{
			Status:      model.RunStatusWaiting,
			IncAttempts: true,
			LastError:   errString(moveErr),
		})
		if err != nil {
			log.Warn("Failed to record move error on run", zap.Error(err))
		}
		e.audit(bookCtx, run.DealID, run, model.ActionMoveError, map[string]interface{}{
			"target_stage_id": target.ID,
			"attempt":         run.Attempts + 1,
			"error":           moveErr.Error(),
		})
		log.Warn("Deal move failed, retrying next sweep", zap.String("target_stage_id", target.ID), zap.Error(moveErr))
		return outcomeMoveError
	}

	run.Status = model.RunStatusMoved
	run.MovedAt = timePtr(change.ChangedAt)
	e.audit(bookCtx, run.DealID, run, model.ActionMoved, map[string]interface{}{
		"from_stage_id": change.FromStageID,
		"to_stage_id":   change.ToStageID,
		"to_funnel_id":  change.ToFunnelID,
	})
	log.Info("Deal moved by automation", zap.String("to_stage_id", change.ToStageID))

	change.ContactPhone = run.ContactPhone
	e.announce(bookCtx, *change)
	return outcomeMoved
}

// resolveMoveConflict handles a move refused because the deal left the run's stage
// or the run stopped waiting after it was listed.
func (e *AutomationEngine) resolveMoveConflict(ctx context.Context, run *model.DealAutomationRun) string {
	deal, err := e.deals.FindDeal(ctx, run.DealID)
	if err != nil && !apperrors.IsNotFoundError(err) {
		e.logger(ctx).Warn("Failed to reload deal after move conflict", append(runFields(run), zap.Error(err))...)
		return outcomeError
	}
	if deal != nil && deal.StageID == run.StageID {
		observer.IncRaceLoss(run.CompanyID, "claim_due")
		return outcomeRaceLost
	}
	return e.retireRun(ctx, run, deal)
}

// retireRun cancels a due run whose deal is gone or no longer sits in the run's stage.
func (e *AutomationEngine) retireRun(ctx context.Context, run *model.DealAutomationRun, deal *model.Deal) string {
	reason := model.SkipReasonDealNotFound
	details := map[string]interface{}{}
	if deal != nil {
		reason = model.SkipReasonNotCurrent
		details["current_stage_id"] = deal.StageID
	}
	details["reason"] = reason

	won, err := e.runs.Transition(ctx, run.ID, []model.RunStatus{model.RunStatusWaiting}, storage.RunChanges{
		Status:      model.RunStatusCancelled,
		CancelledAt: timePtr(e.now()),
		LastError:   &reason,
	})
	if err != nil {
		e.logger(ctx).Warn("Failed to retire run", append(runFields(run), zap.Error(err))...)
		return outcomeError
	}
	if !won {
		return outcomeRaceLost
	}
	run.Status = model.RunStatusCancelled
	e.audit(ctx, run.DealID, run, model.ActionCancelled, details)
	return outcomeLeftStage
}

// resolveTarget picks next_stage, then fallback_stage, then the first open stage of
// the fallback funnel. It returns nil when none applies.
func (e *AutomationEngine) resolveTarget(ctx context.Context, run *model.DealAutomationRun) (*model.Stage, error) {
	if run.NextStageID != nil && *run.NextStageID != "" {
		stage, err := e.deals.FindStage(ctx, *run.NextStageID)
		if err == nil {
			return stage, nil
		}
		if !apperrors.IsNotFoundError(err) {
			return nil, err
		}
	}

	if run.FallbackStageID != nil && *run.FallbackStageID != "" {
		stage, err := e.deals.FindStage(ctx, *run.FallbackStageID)
		if err == nil {
			if run.FallbackFunnelID == nil || *run.FallbackFunnelID == "" || stage.FunnelID == *run.FallbackFunnelID {
				return stage, nil
			}
		} else if !apperrors.IsNotFoundError(err) {
			return nil, err
		}
	}

	if run.FallbackFunnelID != nil && *run.FallbackFunnelID != "" {
		stage, err := e.deals.FirstOpenStage(ctx, *run.FallbackFunnelID)
		if err == nil {
			return stage, nil
		}
		if !apperrors.IsNotFoundError(err) {
			return nil, err
		}
	}
	return nil, nil
}

// processPending retries an owed flow while the window is open, otherwise arms the run.
func (e *AutomationEngine) processPending(ctx context.Context, run *model.DealAutomationRun, now time.Time) string {
	log := e.logger(ctx).With(runFields(run)...)

	if run.FlowOwed() && run.WaitUntil != nil && now.Before(*run.WaitUntil) {
		if err := e.deliverFlow(ctx, run, *run.WaitUntil); err != nil {
			log.Warn("Flow retry failed", zap.Error(err))
			return outcomeError
		}
		if run.Status == model.RunStatusWaiting && run.FlowSentAt == nil {
			return outcomePendingArmed
		}
		return outcomeFlowRetried
	}

	waitUntil := now
	if run.WaitUntil != nil {
		waitUntil = *run.WaitUntil
	}
	won, err := e.runs.Transition(ctx, run.ID, []model.RunStatus{model.RunStatusPending},
		storage.RunChanges{Status: model.RunStatusWaiting, WaitUntil: &waitUntil})
	if err != nil {
		log.Warn("Failed to arm stale pending run", zap.Error(err))
		return outcomeError
	}
	if !won {
		return outcomeRaceLost
	}
	if run.FlowOwed() {
		e.audit(ctx, run.DealID, run, model.ActionFlowRetryExpired, map[string]interface{}{
			"flow_id":  *run.FlowID,
			"attempts": run.Attempts,
		})
	}
	run.Status = model.RunStatusWaiting
	e.audit(ctx, run.DealID, run, model.ActionWaiting, map[string]interface{}{"wait_until": waitUntil})
	return outcomePendingArmed
}

// announce publishes a completed automated move so the target stage's rule applies.
// Without a working publisher the entry is handled in-process.
func (e *AutomationEngine) announce(ctx context.Context, change model.StageChange) {
	if e.publisher != nil {
		err := e.publisher.PublishStageChange(ctx, change)
		if err == nil {
			return
		}
		e.logger(ctx).Warn("Failed to publish stage change, handling entry in-process",
			zap.String("deal_id", change.DealID), zap.Error(err))
	}
	if _, err := e.HandleStageEntry(ctx, change); err != nil {
		e.logger(ctx).Warn("Stage entry after automated move failed",
			zap.String("deal_id", change.DealID),
			zap.String("stage_id", change.ToStageID),
			zap.Error(err))
	}
}
