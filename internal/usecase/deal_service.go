package usecase

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-crm-automation/internal/model"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/storage"
	"gitlab.com/timkado/api/daisi-crm-automation/pkg/logger"
)

// DealService performs user-initiated deal moves.
type DealService struct {
	deals     storage.DealStore
	engine    Engine
	publisher StageChangePublisher
}

// NewDealService wires the deal store with the engine. publisher may be nil,
// in which case the engine handles the stage entry directly.
func NewDealService(deals storage.DealStore, engine Engine, publisher StageChangePublisher) *DealService {
	return &DealService{deals: deals, engine: engine, publisher: publisher}
}

// MoveDeal moves a deal to stageID. Automation for the new stage is best effort:
// its failures are logged and never fail the move.
func (s *DealService) MoveDeal(ctx context.Context, dealID, stageID string) (*model.StageChange, error) {
	change, err := s.deals.MoveDeal(ctx, storage.DealMove{DealID: dealID, ToStageID: stageID, Source: model.SourceUser})
	if err != nil {
		return nil, fmt.Errorf("failed to move deal %s: %w", dealID, err)
	}
	if change.FromStageID == change.ToStageID {
		return change, nil
	}

	log := logger.FromContext(ctx).With(zap.String("deal_id", dealID), zap.String("stage_id", stageID))
	if s.publisher != nil {
		err := s.publisher.PublishStageChange(ctx, *change)
		if err == nil {
			return change, nil
		}
		log.Warn("Failed to publish stage change, applying automation in-process", zap.Error(err))
	}
	if _, err := s.engine.HandleStageEntry(ctx, *change); err != nil {
		log.Warn("Automation after deal move failed", zap.Error(err))
	}
	return change, nil
}
