package storage

import (
	"context"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-crm-automation/internal/model"
	"gitlab.com/timkado/api/daisi-crm-automation/pkg/logger"
	"gitlab.com/timkado/api/daisi-crm-automation/pkg/utils"
)

const defaultLogListLimit = 500

// AppendAutomationLog inserts an audit entry. Entries are never updated.
func (r *PostgresRepo) AppendAutomationLog(ctx context.Context, entry *model.AutomationLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = utils.Now()
	}
	err := r.observed(ctx, "append", "automation_log", commitRetryMaxElapsedTime, func() error {
		return checkConstraintViolation(r.db.WithContext(ctx).Create(entry).Error)
	})
	if err != nil {
		logger.FromContext(ctx).Error("Failed to append automation log",
			zap.String("deal_id", entry.DealID),
			zap.String("action", string(entry.Action)),
			zap.Error(err))
	}
	return err
}

// ListAutomationLogsByDeal returns the newest entries of a deal first.
func (r *PostgresRepo) ListAutomationLogsByDeal(ctx context.Context, dealID string, limit int) ([]model.AutomationLog, error) {
	if limit <= 0 {
		limit = defaultLogListLimit
	}
	var entries []model.AutomationLog
	err := r.observed(ctx, "list", "automation_log", readRetryMaxElapsedTime, func() error {
		entries = entries[:0]
		return checkConstraintViolation(r.db.WithContext(ctx).
			Where("deal_id = ?", dealID).
			Order("created_at DESC, id DESC").
			Limit(limit).
			Find(&entries).Error)
	})
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []model.AutomationLog{}
	}
	return entries, nil
}
