package handler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-crm-automation/internal/apperrors"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/model"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/tenant"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/validator"
	"gitlab.com/timkado/api/daisi-crm-automation/pkg/logger"
	"gitlab.com/timkado/api/daisi-crm-automation/pkg/utils"
)

// AutomationHandler decodes bus events and hands them to the automation engine.
type AutomationHandler struct {
	service AutomationService
}

func NewAutomationHandler(service AutomationService) *AutomationHandler {
	return &AutomationHandler{service: service}
}

// HandleEvent dispatches on the event type. Undecodable or invalid payloads are
// fatal; engine failures are retryable.
func (h *AutomationHandler) HandleEvent(ctx context.Context, eventType model.EventType, metadata *model.MessageMetadata, rawEvent []byte) error {
	ctx = tenant.WithRequestID(ctx, uuid.NewString())

	switch eventType {
	case model.V1DealStageChanged:
		return h.handleStageChanged(ctx, metadata, rawEvent)
	case model.V1MessagesUpsert:
		return h.handleMessageUpsert(ctx, metadata, rawEvent)
	default:
		logger.FromContext(ctx).Error("Unsupported event type", zap.String("event_type", string(eventType)))
		return apperrors.NewFatal(fmt.Errorf("unsupported event type: %s", eventType), "unsupported event")
	}
}

func (h *AutomationHandler) handleStageChanged(ctx context.Context, metadata *model.MessageMetadata, rawEvent []byte) error {
	log := logger.FromContext(ctx)

	var payload model.DealStageChangedPayload
	if err := decode(ctx, rawEvent, &payload, func() string { return payload.CompanyID }); err != nil {
		log.Error("Invalid stage change payload", zap.Error(err))
		return err
	}

	changedAt := utils.UnixToTime(payload.ChangedAt)
	if changedAt.IsZero() {
		changedAt = metadata.Timestamp.UTC()
	}
	source := payload.Source
	if source == "" {
		source = model.SourceEvent
	}

	run, err := h.service.HandleStageEntry(ctx, model.StageChange{
		DealID:      payload.DealID,
		FromStageID: payload.PreviousStageID,
		ToStageID:   payload.NewStageID,
		ToFunnelID:  payload.FunnelID,
		Source:      source,
		ChangedAt:   changedAt,
	})
	if err != nil {
		return classify(err, "handle stage entry for deal %s", payload.DealID)
	}
	if run != nil {
		log.Info("Stage entry handled",
			zap.String("deal_id", payload.DealID),
			zap.String("run_id", run.ID),
			zap.String("status", string(run.Status)))
	}
	return nil
}

func (h *AutomationHandler) handleMessageUpsert(ctx context.Context, metadata *model.MessageMetadata, rawEvent []byte) error {
	var payload model.InboundMessagePayload
	if err := decode(ctx, rawEvent, &payload, func() string { return payload.CompanyID }); err != nil {
		logger.FromContext(ctx).Error("Invalid message payload", zap.Error(err))
		return err
	}
	if payload.Flow != model.MessageFlowIncoming {
		return nil
	}

	receivedAt := utils.UnixToTime(payload.MessageTimestamp)
	if receivedAt.IsZero() {
		receivedAt = metadata.Timestamp.UTC()
	}
	err := h.service.HandleInboundMessage(ctx, model.InboundMessage{
		MessageID:  payload.MessageID,
		Phone:      payload.SenderPhone(),
		ChatID:     payload.ChatID,
		ReceivedAt: receivedAt,
	})
	if err != nil {
		return classify(err, "handle inbound message %s", payload.MessageID)
	}
	return nil
}

// decode unmarshals and validates an event payload and checks it belongs to the tenant.
func decode(ctx context.Context, raw []byte, payload interface{}, companyID func() string) error {
	if err := json.Unmarshal(raw, payload); err != nil {
		return apperrors.NewFatal(err, "failed to unmarshal payload")
	}
	if err := validator.Validate(payload); err != nil {
		return apperrors.NewFatal(err, "invalid payload")
	}
	if err := tenant.MatchCompany(ctx, companyID()); err != nil {
		return apperrors.NewFatal(fmt.Errorf("%w: %w", apperrors.ErrBadRequest, err), "foreign tenant")
	}
	return nil
}

func classify(err error, message string, args ...interface{}) error {
	if apperrors.IsValidationError(err) || apperrors.IsBadRequestError(err) {
		return apperrors.NewFatal(err, message, args...)
	}
	return apperrors.NewRetryable(err, message, args...)
}
