package storage

import (
	"context"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-crm-automation/internal/model"
	"gitlab.com/timkado/api/daisi-crm-automation/pkg/logger"
)

// SaveExhaustedEvent parks an event that failed every DLQ retry.
func (r *PostgresRepo) SaveExhaustedEvent(ctx context.Context, event model.ExhaustedEvent) error {
	err := r.observed(ctx, "save", "exhausted_event", commitRetryMaxElapsedTime, func() error {
		return checkConstraintViolation(r.db.WithContext(ctx).Create(&event).Error)
	})
	if err != nil {
		logger.FromContext(ctx).Error("Failed to save exhausted event after retries",
			zap.String("source_subject", event.SourceSubject),
			zap.String("company_id", event.CompanyID),
			zap.Error(err))
		return err
	}
	logger.FromContext(ctx).Info("Saved exhausted event",
		zap.Uint("event_id", event.ID),
		zap.String("source_subject", event.SourceSubject))
	return nil
}
