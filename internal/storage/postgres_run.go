package storage

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"gitlab.com/timkado/api/daisi-crm-automation/internal/model"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/observer"
	"gitlab.com/timkado/api/daisi-crm-automation/pkg/logger"
	"gitlab.com/timkado/api/daisi-crm-automation/pkg/utils"
)

func statusStrings(statuses ...model.RunStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// CreateRun inserts a run. A second open run for the same deal and stage fails
// with apperrors.ErrDuplicate through the uniq_deal_automations_open index.
func (r *PostgresRepo) CreateRun(ctx context.Context, run *model.DealAutomationRun) error {
	now := utils.Now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now

	err := r.observed(ctx, "create", "deal_automation", commitRetryMaxElapsedTime, func() error {
		return checkConstraintViolation(r.db.WithContext(ctx).Create(run).Error)
	})
	if err != nil {
		logger.FromContext(ctx).Warn("Failed to create deal automation run",
			zap.String("deal_id", run.DealID),
			zap.String("stage_id", run.StageID),
			zap.Error(err))
	}
	return err
}

func (r *PostgresRepo) FindRunByID(ctx context.Context, id string) (*model.DealAutomationRun, error) {
	var run model.DealAutomationRun
	err := r.observed(ctx, "find", "deal_automation", readRetryMaxElapsedTime, func() error {
		return checkConstraintViolation(r.db.WithContext(ctx).Where("id = ?", id).First(&run).Error)
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// FindOpenRun returns the open run of a deal in a stage or apperrors.ErrNotFound.
func (r *PostgresRepo) FindOpenRun(ctx context.Context, dealID, stageID string) (*model.DealAutomationRun, error) {
	var run model.DealAutomationRun
	err := r.observed(ctx, "find_open", "deal_automation", readRetryMaxElapsedTime, func() error {
		return checkConstraintViolation(r.db.WithContext(ctx).
			Where("deal_id = ? AND stage_id = ? AND status IN ?", dealID, stageID, statusStrings(model.OpenRunStatuses...)).
			Order("created_at DESC").
			First(&run).Error)
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *PostgresRepo) listRuns(ctx context.Context, op string, query func(db *gorm.DB) *gorm.DB) ([]model.DealAutomationRun, error) {
	var runs []model.DealAutomationRun
	err := r.observed(ctx, op, "deal_automation", readRetryMaxElapsedTime, func() error {
		runs = runs[:0]
		return checkConstraintViolation(query(r.db.WithContext(ctx)).Find(&runs).Error)
	})
	if err != nil {
		return nil, err
	}
	if runs == nil {
		runs = []model.DealAutomationRun{}
	}
	return runs, nil
}

func (r *PostgresRepo) ListOpenRunsByDeal(ctx context.Context, dealID string) ([]model.DealAutomationRun, error) {
	return r.listRuns(ctx, "list_open", func(db *gorm.DB) *gorm.DB {
		return db.Where("deal_id = ? AND status IN ?", dealID, statusStrings(model.OpenRunStatuses...)).
			Order("created_at DESC")
	})
}

// ListRunsByDeal returns every run of a deal, newest first.
func (r *PostgresRepo) ListRunsByDeal(ctx context.Context, dealID string) ([]model.DealAutomationRun, error) {
	return r.listRuns(ctx, "list", func(db *gorm.DB) *gorm.DB {
		return db.Where("deal_id = ?", dealID).Order("created_at DESC")
	})
}

// ListAwaitingReply returns runs for a phone that a customer reply can still resolve, newest first.
func (r *PostgresRepo) ListAwaitingReply(ctx context.Context, phone string) ([]model.DealAutomationRun, error) {
	return r.listRuns(ctx, "list_awaiting_reply", func(db *gorm.DB) *gorm.DB {
		return db.Where("contact_phone = ? AND status IN ?", phone, statusStrings(model.RunStatusFlowSent, model.RunStatusWaiting)).
			Order("created_at DESC")
	})
}

// ListDueRuns returns waiting runs whose wait has elapsed, oldest deadline first.
func (r *PostgresRepo) ListDueRuns(ctx context.Context, now time.Time, limit int) ([]model.DealAutomationRun, error) {
	return r.listRuns(ctx, "list_due", func(db *gorm.DB) *gorm.DB {
		return db.Where("status = ? AND wait_until <= ?", string(model.RunStatusWaiting), now).
			Order("wait_until ASC").
			Limit(limit)
	})
}

// ListStalePendingRuns returns pending runs untouched since updatedBefore.
func (r *PostgresRepo) ListStalePendingRuns(ctx context.Context, updatedBefore time.Time, limit int) ([]model.DealAutomationRun, error) {
	return r.listRuns(ctx, "list_pending", func(db *gorm.DB) *gorm.DB {
		return db.Where("status = ? AND updated_at <= ?", string(model.RunStatusPending), updatedBefore).
			Order("updated_at ASC").
			Limit(limit)
	})
}

func (c RunChanges) columns(now time.Time) map[string]interface{} {
	cols := map[string]interface{}{
		"status":     string(c.Status),
		"updated_at": now,
	}
	if c.FlowSessionID != nil {
		cols["flow_session_id"] = *c.FlowSessionID
	}
	if c.FlowSentAt != nil {
		cols["flow_sent_at"] = *c.FlowSentAt
	}
	if c.WaitUntil != nil {
		cols["wait_until"] = *c.WaitUntil
	}
	if c.RespondedAt != nil {
		cols["responded_at"] = *c.RespondedAt
	}
	if c.MovedAt != nil {
		cols["moved_at"] = *c.MovedAt
	}
	if c.CancelledAt != nil {
		cols["cancelled_at"] = *c.CancelledAt
	}
	if c.LastError != nil {
		cols["last_error"] = *c.LastError
	}
	if c.IncAttempts {
		cols["attempts"] = gorm.Expr("attempts + 1")
	}
	return cols
}

// TransitionRun applies changes only while the run still holds one of the from statuses.
// It returns false, without error, when another actor changed the run first.
func (r *PostgresRepo) TransitionRun(ctx context.Context, id string, from []model.RunStatus, changes RunChanges) (bool, error) {
	var affected int64
	err := r.observed(ctx, "transition", "deal_automation", commitRetryMaxElapsedTime, func() error {
		result := r.db.WithContext(ctx).
			Model(&model.DealAutomationRun{}).
			Where("id = ? AND status IN ?", id, statusStrings(from...)).
			Updates(changes.columns(utils.Now()))
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		affected = result.RowsAffected
		return nil
	})
	if err != nil {
		return false, err
	}
	won := affected == 1
	if won {
		observer.IncRunTransition(companyFromContext(ctx), string(changes.Status))
	}
	return won, nil
}

// ClaimRunAttempt bumps attempts from expectedAttempts while the run is in status,
// so that only one actor acts on a given attempt.
func (r *PostgresRepo) ClaimRunAttempt(ctx context.Context, id string, status model.RunStatus, expectedAttempts int) (bool, error) {
	var affected int64
	err := r.observed(ctx, "claim_attempt", "deal_automation", commitRetryMaxElapsedTime, func() error {
		result := r.db.WithContext(ctx).
			Model(&model.DealAutomationRun{}).
			Where("id = ? AND status = ? AND attempts = ?", id, string(status), expectedAttempts).
			Updates(map[string]interface{}{
				"attempts":   gorm.Expr("attempts + 1"),
				"updated_at": utils.Now(),
			})
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		affected = result.RowsAffected
		return nil
	})
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// MarkRunNoTargetLogged stamps no_target_logged_at unless it was stamped within interval.
// The caller writes the no_target log only when this returns true.
func (r *PostgresRepo) MarkRunNoTargetLogged(ctx context.Context, id string, now time.Time, interval time.Duration) (bool, error) {
	var affected int64
	err := r.observed(ctx, "mark_no_target", "deal_automation", commitRetryMaxElapsedTime, func() error {
		result := r.db.WithContext(ctx).
			Model(&model.DealAutomationRun{}).
			Where("id = ? AND status = ? AND (no_target_logged_at IS NULL OR no_target_logged_at <= ?)",
				id, string(model.RunStatusWaiting), now.Add(-interval)).
			Updates(map[string]interface{}{
				"no_target_logged_at": now,
				"updated_at":          now,
			})
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		affected = result.RowsAffected
		return nil
	})
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}
