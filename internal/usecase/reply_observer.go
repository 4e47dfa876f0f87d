package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-crm-automation/internal/apperrors"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/config"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/model"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/observer"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/storage"
	"gitlab.com/timkado/api/daisi-crm-automation/pkg/utils"
)

// HandleInboundMessage marks the runs awaiting this customer's reply as responded.
// Only the run of each deal's current stage counts unless the reply scope is all_open.
// A run already resolved by another actor is not an error. Replies never move deals.
func (e *AutomationEngine) HandleInboundMessage(ctx context.Context, msg model.InboundMessage) error {
	phone := utils.NormalizePhone(msg.Phone)
	if phone == "" {
		e.logger(ctx).Debug("Inbound message without usable phone", zap.String("message_id", msg.MessageID))
		return nil
	}

	candidates, err := e.runs.ListAwaitingReply(ctx, phone)
	if err != nil {
		return fmt.Errorf("failed to list runs awaiting reply: %w", err)
	}
	if !msg.ReceivedAt.IsZero() {
		candidates = createdBy(candidates, msg.ReceivedAt)
	}
	if len(candidates) == 0 {
		return nil
	}

	// candidates are newest first; group them per deal keeping that order
	order := make([]string, 0, len(candidates))
	byDeal := make(map[string][]model.DealAutomationRun, len(candidates))
	for _, run := range candidates {
		if _, ok := byDeal[run.DealID]; !ok {
			order = append(order, run.DealID)
		}
		byDeal[run.DealID] = append(byDeal[run.DealID], run)
	}

	var errs []error
	for _, dealID := range order {
		runs, err := e.repliedRuns(ctx, dealID, byDeal[dealID])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for i := range runs {
			if err := e.markResponded(ctx, &runs[i], msg); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// createdBy keeps the runs that already existed when the message was received.
// A late redelivery of an old message cannot answer a newer automation.
func createdBy(runs []model.DealAutomationRun, receivedAt time.Time) []model.DealAutomationRun {
	kept := runs[:0]
	for _, run := range runs {
		if !run.CreatedAt.After(receivedAt) {
			kept = append(kept, run)
		}
	}
	return kept
}

// repliedRuns picks which of a deal's awaiting runs the reply resolves.
func (e *AutomationEngine) repliedRuns(ctx context.Context, dealID string, runs []model.DealAutomationRun) ([]model.DealAutomationRun, error) {
	if e.cfg.ReplyMatchScope == config.ReplyScopeAllOpen {
		return runs, nil
	}

	deal, err := e.deals.FindDeal(ctx, dealID)
	if err != nil {
		if apperrors.IsNotFoundError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load deal %s: %w", dealID, err)
	}
	for _, run := range runs {
		if run.StageID == deal.StageID {
			return []model.DealAutomationRun{run}, nil
		}
	}
	return nil, nil
}

func (e *AutomationEngine) markResponded(ctx context.Context, run *model.DealAutomationRun, msg model.InboundMessage) error {
	now := e.now()
	won, err := e.runs.Transition(ctx, run.ID,
		[]model.RunStatus{model.RunStatusFlowSent, model.RunStatusWaiting},
		storage.RunChanges{Status: model.RunStatusResponded, RespondedAt: &now})
	if err != nil {
		return fmt.Errorf("failed to mark run %s responded: %w", run.ID, err)
	}
	if !won {
		observer.IncRaceLoss(run.CompanyID, "responded")
		return nil
	}
	run.Status = model.RunStatusResponded
	run.RespondedAt = &now
	e.audit(ctx, run.DealID, run, model.ActionResponded, map[string]interface{}{
		"message_id": msg.MessageID,
		"chat_id":    msg.ChatID,
	})
	e.logger(ctx).Info("Customer replied, automation run resolved", runFields(run)...)
	return nil
}
