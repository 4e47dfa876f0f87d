package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm/clause"

	"gitlab.com/timkado/api/daisi-crm-automation/internal/apperrors"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/model"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/observer"
	"gitlab.com/timkado/api/daisi-crm-automation/pkg/logger"
	"gitlab.com/timkado/api/daisi-crm-automation/pkg/utils"
)

func (r *PostgresRepo) FindStage(ctx context.Context, stageID string) (*model.Stage, error) {
	var stage model.Stage
	err := r.observed(ctx, "find", "stage", readRetryMaxElapsedTime, func() error {
		return checkConstraintViolation(r.db.WithContext(ctx).Where("id = ?", stageID).First(&stage).Error)
	})
	if err != nil {
		return nil, err
	}
	return &stage, nil
}

// FirstOpenStage returns the lowest-positioned non-terminal stage of a funnel.
func (r *PostgresRepo) FirstOpenStage(ctx context.Context, funnelID string) (*model.Stage, error) {
	var stage model.Stage
	err := r.observed(ctx, "find_first_open", "stage", readRetryMaxElapsedTime, func() error {
		return checkConstraintViolation(r.db.WithContext(ctx).
			Where("funnel_id = ? AND is_terminal = ?", funnelID, false).
			Order("position ASC").
			First(&stage).Error)
	})
	if err != nil {
		return nil, err
	}
	return &stage, nil
}

func (r *PostgresRepo) FindDeal(ctx context.Context, dealID string) (*model.Deal, error) {
	var deal model.Deal
	err := r.observed(ctx, "find", "deal", readRetryMaxElapsedTime, func() error {
		return checkConstraintViolation(r.db.WithContext(ctx).Where("id = ?", dealID).First(&deal).Error)
	})
	if err != nil {
		return nil, err
	}
	return &deal, nil
}

func (r *PostgresRepo) FindContact(ctx context.Context, contactID string) (*model.Contact, error) {
	var contact model.Contact
	err := r.observed(ctx, "find", "contact", readRetryMaxElapsedTime, func() error {
		return checkConstraintViolation(r.db.WithContext(ctx).Where("id = ?", contactID).First(&contact).Error)
	})
	if err != nil {
		return nil, err
	}
	return &contact, nil
}

// MoveDeal is the deal stage-change operation. It locks the deal, checks the
// target stage still exists, and writes stage, funnel and last_activity_at together.
// Moving a deal to the stage it already occupies is a no-op that still reports the change.
// A deal that left move.FromStageID, or a run that is no longer waiting, aborts the
// whole transaction with apperrors.ErrConflict.
func (r *PostgresRepo) MoveDeal(ctx context.Context, move DealMove) (*model.StageChange, error) {
	var change *model.StageChange

	operation := func() error {
		tx := r.db.WithContext(ctx).Begin()
		if tx.Error != nil {
			return fmt.Errorf("%w: failed to begin transaction: %w", apperrors.ErrDatabase, tx.Error)
		}
		var txErr error
		defer func() {
			if p := recover(); p != nil {
				tx.Rollback()
				panic(p)
			} else if txErr != nil {
				if rbErr := tx.Rollback().Error; rbErr != nil {
					logger.FromContext(ctx).Error("Failed to rollback transaction after error", zap.Error(rbErr), zap.NamedError("originalTxError", txErr))
				}
			}
		}()

		var deal model.Deal
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", move.DealID).First(&deal).Error; err != nil {
			txErr = checkConstraintViolation(err)
			return txErr
		}
		if move.FromStageID != "" && deal.StageID != move.FromStageID {
			txErr = fmt.Errorf("%w: deal %s is in stage %s, not %s", apperrors.ErrConflict, deal.ID, deal.StageID, move.FromStageID)
			return txErr
		}

		var stage model.Stage
		if err := tx.Where("id = ?", move.ToStageID).First(&stage).Error; err != nil {
			txErr = checkConstraintViolation(err)
			return txErr
		}

		now := utils.Now()
		if move.RunID != "" {
			result := tx.Model(&model.DealAutomationRun{}).
				Where("id = ? AND status = ?", move.RunID, string(model.RunStatusWaiting)).
				Updates(map[string]interface{}{
					"status":     string(model.RunStatusMoved),
					"moved_at":   now,
					"updated_at": now,
				})
			if result.Error != nil {
				txErr = checkConstraintViolation(result.Error)
				return txErr
			}
			if result.RowsAffected == 0 {
				txErr = fmt.Errorf("%w: run %s is no longer waiting", apperrors.ErrConflict, move.RunID)
				return txErr
			}
		}

		if deal.StageID != stage.ID {
			if err := tx.Model(&model.Deal{}).Where("id = ?", move.DealID).Updates(map[string]interface{}{
				"stage_id":         stage.ID,
				"funnel_id":        stage.FunnelID,
				"last_activity_at": now,
				"updated_at":       now,
			}).Error; err != nil {
				txErr = checkConstraintViolation(err)
				return txErr
			}
		}

		if err := tx.Commit().Error; err != nil {
			txErr = fmt.Errorf("%w: failed to commit deal move: %w", apperrors.ErrDatabase, err)
			return txErr
		}

		change = &model.StageChange{
			DealID:      deal.ID,
			FromStageID: deal.StageID,
			ToStageID:   stage.ID,
			ToFunnelID:  stage.FunnelID,
			Source:      move.Source,
			ChangedAt:   now,
		}
		return nil
	}

	err := r.observed(ctx, "move", "deal", commitRetryMaxElapsedTime, operation)
	if err != nil {
		log := logger.FromContext(ctx).With(zap.String("deal_id", move.DealID), zap.String("stage_id", move.ToStageID))
		if apperrors.IsConflictError(err) {
			log.Info("Deal move skipped", zap.Error(err))
		} else {
			log.Warn("Failed to move deal", zap.Error(err))
		}
		return nil, err
	}
	if move.RunID != "" {
		observer.IncRunTransition(companyFromContext(ctx), string(model.RunStatusMoved))
	}
	return change, nil
}
