package usecase

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-crm-automation/internal/apperrors"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/model"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/observer"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/storage"
	"gitlab.com/timkado/api/daisi-crm-automation/pkg/utils"
)

// HandleStageEntry applies the stage's automation rule to a deal that just entered it.
// It returns the run now owning (deal, stage), or nil when the entry was skipped.
// Configuration problems are logged as skips, never returned as errors.
func (e *AutomationEngine) HandleStageEntry(ctx context.Context, change model.StageChange) (*model.DealAutomationRun, error) {
	run, _, err := e.enterStage(ctx, change, false)
	return run, err
}

// enterStage returns the run, or the skip reason when no run applies.
// forceFlow sends the rule's flow even when it is not set to execute immediately.
func (e *AutomationEngine) enterStage(ctx context.Context, change model.StageChange, forceFlow bool) (*model.DealAutomationRun, string, error) {
	log := e.logger(ctx).With(zap.String("deal_id", change.DealID), zap.String("stage_id", change.ToStageID))

	stage, err := e.deals.FindStage(ctx, change.ToStageID)
	if err != nil {
		if apperrors.IsNotFoundError(err) {
			return nil, e.skip(ctx, change, model.SkipReasonStageNotFound, nil), nil
		}
		return nil, "", fmt.Errorf("failed to load stage %s: %w", change.ToStageID, err)
	}
	if stage.IsTerminal {
		return nil, e.skip(ctx, change, model.SkipReasonTerminalStage, nil), nil
	}

	cfg, err := e.configs.FindByStageID(ctx, stage.ID)
	if err != nil {
		if apperrors.IsNotFoundError(err) {
			return nil, e.skip(ctx, change, model.SkipReasonNoConfig, nil), nil
		}
		return nil, "", fmt.Errorf("failed to load automation for stage %s: %w", stage.ID, err)
	}
	if !cfg.IsActive {
		return nil, e.skip(ctx, change, model.SkipReasonInactive, nil), nil
	}

	deal, err := e.deals.FindDeal(ctx, change.DealID)
	if err != nil {
		if apperrors.IsNotFoundError(err) {
			return nil, e.skip(ctx, change, model.SkipReasonDealNotFound, nil), nil
		}
		return nil, "", fmt.Errorf("failed to load deal %s: %w", change.DealID, err)
	}
	if deal.StageID != stage.ID {
		// stale event: the deal already left the stage
		return nil, e.skip(ctx, change, model.SkipReasonNotCurrent, map[string]interface{}{"current_stage_id": deal.StageID}), nil
	}

	existing, err := e.runs.FindOpen(ctx, deal.ID, stage.ID)
	if err == nil {
		return existing, e.skip(ctx, change, model.SkipReasonAlreadyRunning, map[string]interface{}{"deal_automation_id": existing.ID}), nil
	}
	if !apperrors.IsNotFoundError(err) {
		return nil, "", fmt.Errorf("failed to look up open run: %w", err)
	}

	phone := utils.NormalizePhone(change.ContactPhone)
	if phone == "" {
		if phone, err = e.contactPhone(ctx, deal); err != nil {
			return nil, "", err
		}
	}

	now := e.now()
	waitUntil := now.Add(cfg.WaitDuration())
	automationID := cfg.ID
	run := &model.DealAutomationRun{
		ID:                 e.newID(),
		CompanyID:          cfg.CompanyID,
		DealID:             deal.ID,
		StageID:            stage.ID,
		AutomationID:       &automationID,
		Status:             model.RunStatusPending,
		FlowID:             cfg.FlowID,
		ExecuteImmediately: cfg.ExecuteImmediately || forceFlow,
		WaitHours:          cfg.WaitHours,
		WaitUntil:          &waitUntil,
		NextStageID:        cfg.NextStageID,
		FallbackFunnelID:   cfg.FallbackFunnelID,
		FallbackStageID:    cfg.FallbackStageID,
		ContactPhone:       phone,
		CreatedAt:          now,
	}
	if run.CompanyID == "" {
		run.CompanyID = companyOf(ctx)
	}

	if err := e.runs.Create(ctx, run); err != nil {
		if !apperrors.IsDuplicateError(err) {
			return nil, "", fmt.Errorf("failed to create automation run: %w", err)
		}
		// a concurrent entry created the run between our lookup and insert
		observer.IncRaceLoss(companyOf(ctx), "create_run")
		winner, findErr := e.runs.FindOpen(ctx, deal.ID, stage.ID)
		if findErr != nil {
			log.Warn("Lost run creation race but winner is gone", zap.Error(findErr))
			return nil, model.SkipReasonAlreadyRunning, nil
		}
		return winner, e.skip(ctx, change, model.SkipReasonAlreadyRunning, map[string]interface{}{"deal_automation_id": winner.ID}), nil
	}

	observer.IncRunTransition(run.CompanyID, string(model.RunStatusPending))
	e.audit(ctx, deal.ID, run, model.ActionRunCreated, map[string]interface{}{
		"stage_id":          stage.ID,
		"previous_stage_id": change.FromStageID,
		"source":            change.Source,
		"wait_until":        waitUntil,
	})
	log.Info("Automation run created", zap.String("run_id", run.ID), zap.Time("wait_until", waitUntil))

	switch {
	case run.FlowOwed():
		if err := e.deliverFlow(ctx, run, waitUntil); err != nil {
			log.Warn("Flow delivery step failed, sweep will retry", zap.String("run_id", run.ID), zap.Error(err))
		}
		return run, "", nil
	case run.FlowUnsent():
		e.audit(ctx, deal.ID, run, model.ActionFlowDeferred, map[string]interface{}{"flow_id": *run.FlowID})
	}

	if err := e.arm(ctx, run, []model.RunStatus{model.RunStatusPending}, waitUntil); err != nil {
		log.Warn("Failed to arm automation run, sweep will retry", zap.String("run_id", run.ID), zap.Error(err))
	}
	return run, "", nil
}

// skip records why a stage entry produced no new run and returns the reason.
func (e *AutomationEngine) skip(ctx context.Context, change model.StageChange, reason string, extra map[string]interface{}) string {
	observer.IncStageEntrySkip(companyOf(ctx), reason)
	details := map[string]interface{}{
		"reason":   reason,
		"stage_id": change.ToStageID,
		"source":   change.Source,
	}
	for k, v := range extra {
		details[k] = v
	}
	e.audit(ctx, change.DealID, nil, model.ActionSkipped, details)
	e.logger(ctx).Debug("Stage entry skipped",
		zap.String("deal_id", change.DealID),
		zap.String("stage_id", change.ToStageID),
		zap.String("reason", reason))
	return reason
}

// contactPhone resolves the deal's primary contact phone, digits only.
// A deal without a reachable contact still gets a run; it can only time out.
func (e *AutomationEngine) contactPhone(ctx context.Context, deal *model.Deal) (string, error) {
	if deal.ContactID == nil || *deal.ContactID == "" {
		return "", nil
	}
	contact, err := e.deals.FindContact(ctx, *deal.ContactID)
	if err != nil {
		if apperrors.IsNotFoundError(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to load contact %s: %w", *deal.ContactID, err)
	}
	return utils.NormalizePhone(contact.PhoneNumber), nil
}

// deliverFlow claims the run's next attempt, starts its flow and arms the wait window
// ending at waitUntil. Only the actor that wins the claim calls the flow runner.
// A retryable flow failure leaves the run in its status with last_error set. A pending
// run whose flow can never go out (no phone, request rejected) is armed right away.
func (e *AutomationEngine) deliverFlow(ctx context.Context, run *model.DealAutomationRun, waitUntil time.Time) error {
	log := e.logger(ctx).With(runFields(run)...)
	from := run.Status

	if run.ContactPhone == "" {
		e.audit(ctx, run.DealID, run, model.ActionFlowSkipped, map[string]interface{}{
			"flow_id": *run.FlowID,
			"reason":  model.SkipReasonNoPhone,
		})
		log.Warn("Deal has no contact phone, flow not sent")
		if from != model.RunStatusPending {
			return fmt.Errorf("%w: deal %s has no contact phone", apperrors.ErrValidation, run.DealID)
		}
		return e.arm(ctx, run, []model.RunStatus{model.RunStatusPending}, waitUntil)
	}

	claimed, err := e.runs.ClaimAttempt(ctx, run.ID, from, run.Attempts)
	if err != nil {
		return fmt.Errorf("failed to claim flow attempt: %w", err)
	}
	if !claimed {
		observer.IncRaceLoss(run.CompanyID, "claim_flow")
		log.Debug("Flow attempt claimed by another actor")
		return nil
	}
	run.Attempts++

	flowCtx, cancel := context.WithTimeout(ctx, e.cfg.FlowCallTimeout)
	sessionID, flowErr := e.flows.StartFlow(flowCtx, *run.FlowID, run.ContactPhone, run.DealID)
	cancel()

	if flowErr != nil {
		abandon := from == model.RunStatusPending && apperrors.IsFatal(flowErr)
		status := from
		if abandon {
			status = model.RunStatusWaiting
		}
		changes := storage.RunChanges{Status: status, LastError: errString(flowErr), WaitUntil: &waitUntil}
		won, err := e.runs.Transition(ctx, run.ID, []model.RunStatus{from}, changes)
		if err != nil {
			log.Warn("Failed to record flow error on run", zap.Error(err))
		}
		run.LastError = flowErr.Error()
		run.WaitUntil = &waitUntil
		e.audit(ctx, run.DealID, run, model.ActionFlowError, map[string]interface{}{
			"flow_id":   *run.FlowID,
			"attempt":   run.Attempts,
			"error":     flowErr.Error(),
			"retryable": !abandon,
			"timeout":   apperrors.IsTimeoutError(flowErr),
		})
		log.Warn("Flow runner start failed", zap.Int("attempt", run.Attempts), zap.Bool("retryable", !abandon), zap.Error(flowErr))
		if abandon && won {
			run.Status = model.RunStatusWaiting
			e.audit(ctx, run.DealID, run, model.ActionWaiting, map[string]interface{}{"wait_until": waitUntil})
		}
		return nil
	}

	sentAt := e.now()
	if from == model.RunStatusPending {
		won, err := e.runs.Transition(ctx, run.ID, []model.RunStatus{model.RunStatusPending}, storage.RunChanges{
			Status:        model.RunStatusFlowSent,
			FlowSessionID: &sessionID,
			FlowSentAt:    &sentAt,
		})
		if err != nil {
			return fmt.Errorf("failed to mark flow sent: %w", err)
		}
		if !won {
			observer.IncRaceLoss(run.CompanyID, "flow_sent")
			return nil
		}
		run.Status = model.RunStatusFlowSent
		run.FlowSessionID = &sessionID
		run.FlowSentAt = &sentAt
		e.audit(ctx, run.DealID, run, model.ActionFlowSent, map[string]interface{}{
			"flow_id":         *run.FlowID,
			"flow_session_id": sessionID,
		})
		return e.arm(ctx, run, []model.RunStatus{model.RunStatusFlowSent}, waitUntil)
	}

	// an already waiting run (deferred flow started by hand) keeps waiting with a fresh window
	won, err := e.runs.Transition(ctx, run.ID, []model.RunStatus{from}, storage.RunChanges{
		Status:        from,
		FlowSessionID: &sessionID,
		FlowSentAt:    &sentAt,
		WaitUntil:     &waitUntil,
	})
	if err != nil {
		return fmt.Errorf("failed to record flow session: %w", err)
	}
	if !won {
		observer.IncRaceLoss(run.CompanyID, "flow_sent")
		return nil
	}
	run.FlowSessionID = &sessionID
	run.FlowSentAt = &sentAt
	run.WaitUntil = &waitUntil
	e.audit(ctx, run.DealID, run, model.ActionFlowSent, map[string]interface{}{
		"flow_id":         *run.FlowID,
		"flow_session_id": sessionID,
		"wait_until":      waitUntil,
	})
	return nil
}

// arm moves the run to waiting with the given deadline.
func (e *AutomationEngine) arm(ctx context.Context, run *model.DealAutomationRun, from []model.RunStatus, waitUntil time.Time) error {
	won, err := e.runs.Transition(ctx, run.ID, from, storage.RunChanges{
		Status:    model.RunStatusWaiting,
		WaitUntil: &waitUntil,
	})
	if err != nil {
		return fmt.Errorf("failed to arm run: %w", err)
	}
	if !won {
		observer.IncRaceLoss(run.CompanyID, "arm")
		return nil
	}
	run.Status = model.RunStatusWaiting
	run.WaitUntil = &waitUntil
	e.audit(ctx, run.DealID, run, model.ActionWaiting, map[string]interface{}{"wait_until": waitUntil})
	return nil
}
