package storage

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm/clause"

	"gitlab.com/timkado/api/daisi-crm-automation/internal/model"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/observer"
	"gitlab.com/timkado/api/daisi-crm-automation/pkg/logger"
	"gitlab.com/timkado/api/daisi-crm-automation/pkg/utils"
)

// observed runs operation under the retry policy and records its duration.
func (r *PostgresRepo) observed(ctx context.Context, op, entity string, maxElapsed time.Duration, operation func() error) error {
	start := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, maxElapsed), op+" "+entity, operation)
	observer.ObserveDbOperationDuration(op, entity, companyFromContext(ctx), time.Since(start), err)
	return err
}

// FindAutomationConfigByStageID returns the rule of a stage or apperrors.ErrNotFound.
func (r *PostgresRepo) FindAutomationConfigByStageID(ctx context.Context, stageID string) (*model.StageAutomationConfig, error) {
	var cfg model.StageAutomationConfig
	err := r.observed(ctx, "find", "stage_automation", readRetryMaxElapsedTime, func() error {
		return checkConstraintViolation(r.db.WithContext(ctx).Where("stage_id = ?", stageID).First(&cfg).Error)
	})
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// UpsertAutomationConfig inserts the rule or overwrites the existing rule of the same stage.
func (r *PostgresRepo) UpsertAutomationConfig(ctx context.Context, cfg model.StageAutomationConfig) (*model.StageAutomationConfig, error) {
	now := utils.Now()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now

	err := r.observed(ctx, "upsert", "stage_automation", commitRetryMaxElapsedTime, func() error {
		return checkConstraintViolation(r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "stage_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"flow_id", "wait_hours", "next_stage_id", "fallback_funnel_id",
				"fallback_stage_id", "is_active", "execute_immediately", "updated_at",
			}),
		}).Create(&cfg).Error)
	})
	if err != nil {
		logger.FromContext(ctx).Error("Failed to upsert stage automation", zap.String("stage_id", cfg.StageID), zap.Error(err))
		return nil, err
	}
	return r.FindAutomationConfigByStageID(ctx, cfg.StageID)
}

// DeleteAutomationConfigByStageID removes the rule of a stage. Missing rules are not an error.
// Runs already created keep their snapshot.
func (r *PostgresRepo) DeleteAutomationConfigByStageID(ctx context.Context, stageID string) error {
	return r.observed(ctx, "delete", "stage_automation", commitRetryMaxElapsedTime, func() error {
		return checkConstraintViolation(r.db.WithContext(ctx).Where("stage_id = ?", stageID).Delete(&model.StageAutomationConfig{}).Error)
	})
}

// ListAutomationConfigsByFunnel returns the rules of a funnel's stages ordered by stage position.
func (r *PostgresRepo) ListAutomationConfigsByFunnel(ctx context.Context, funnelID string) ([]model.StageAutomationSummary, error) {
	configs := r.tableName(model.StageAutomationConfig{})
	stages := r.tableName(model.Stage{})

	var out []model.StageAutomationSummary
	err := r.observed(ctx, "list", "stage_automation", readRetryMaxElapsedTime, func() error {
		out = out[:0]
		return checkConstraintViolation(r.db.WithContext(ctx).
			Table(configs+" AS sa").
			Select("sa.*, s.name AS stage_name, s.position AS stage_position").
			Joins("JOIN "+stages+" AS s ON s.id = sa.stage_id").
			Where("s.funnel_id = ?", funnelID).
			Order("s.position ASC").
			Scan(&out).Error)
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []model.StageAutomationSummary{}
	}
	return out, nil
}
