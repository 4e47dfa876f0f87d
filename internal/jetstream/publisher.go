package jetstream

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-crm-automation/internal/model"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/tenant"
	"gitlab.com/timkado/api/daisi-crm-automation/pkg/logger"
)

// StageChangePublisher emits deal stage changes as v1.deals.stage_changed events.
type StageChangePublisher struct {
	client    ClientInterface
	subject   model.EventType
	companyID string
}

// NewStageChangePublisher publishes on baseSubject suffixed with the tenant.
// companyID is used when the context carries no tenant.
func NewStageChangePublisher(client ClientInterface, baseSubject, companyID string) *StageChangePublisher {
	if baseSubject == "" {
		baseSubject = string(model.V1DealStageChanged)
	}
	return &StageChangePublisher{client: client, subject: model.EventType(baseSubject), companyID: companyID}
}

// PublishStageChange publishes change with a Nats-Msg-Id derived from the move,
// so a retried publish of the same move is deduplicated by the stream.
func (p *StageChangePublisher) PublishStageChange(ctx context.Context, change model.StageChange) error {
	companyID, err := tenant.FromContext(ctx)
	if err != nil || companyID == "" {
		companyID = p.companyID
	}

	payload := model.DealStageChangedPayload{
		DealID:          change.DealID,
		CompanyID:       companyID,
		FunnelID:        change.ToFunnelID,
		PreviousStageID: change.FromStageID,
		NewStageID:      change.ToStageID,
		Source:          change.Source,
		ChangedAt:       change.ChangedAt.UnixMilli(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal stage change: %w", err)
	}

	subject := p.subject.Subject(companyID)
	headers := map[string]string{nats.MsgIdHdr: StageChangeMsgID(change)}
	if err := p.client.Publish(ctx, subject, data, headers); err != nil {
		return err
	}

	logger.FromContext(ctx).Debug("Published stage change",
		zap.String("subject", subject),
		zap.String("deal_id", change.DealID),
		zap.String("to_stage_id", change.ToStageID))
	return nil
}

// StageChangeMsgID identifies one move of one deal.
func StageChangeMsgID(change model.StageChange) string {
	return fmt.Sprintf("%s:%s:%d", change.DealID, change.ToStageID, change.ChangedAt.UnixNano())
}
