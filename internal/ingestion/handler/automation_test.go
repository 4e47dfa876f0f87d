package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gitlab.com/timkado/api/daisi-crm-automation/internal/apperrors"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/ingestion/handler"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/model"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/tenant"
	"gitlab.com/timkado/api/daisi-crm-automation/pkg/logger"
)

type automationServiceMock struct {
	mock.Mock
}

func (m *automationServiceMock) HandleStageEntry(ctx context.Context, change model.StageChange) (*model.DealAutomationRun, error) {
	args := m.Called(ctx, change)
	run, _ := args.Get(0).(*model.DealAutomationRun)
	return run, args.Error(1)
}

func (m *automationServiceMock) HandleInboundMessage(ctx context.Context, msg model.InboundMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

var published = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func testContext(t testing.TB) context.Context {
	ctx := logger.WithLogger(context.Background(), zaptest.NewLogger(t))
	return tenant.WithCompanyID(ctx, "acme")
}

func testMetadata(subject string) *model.MessageMetadata {
	return &model.MessageMetadata{MessageID: "evt-1", MessageSubject: subject, CompanyID: "acme", Timestamp: published}
}

func mustJSON(t testing.TB, v interface{}) []byte {
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestHandleEvent_StageChanged(t *testing.T) {
	svc := new(automationServiceMock)
	h := handler.NewAutomationHandler(svc)
	changedAt := time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)

	svc.On("HandleStageEntry", mock.Anything, model.StageChange{
		DealID:      "d1",
		FromStageID: "s1",
		ToStageID:   "s2",
		ToFunnelID:  "f1",
		Source:      model.SourceEvent,
		ChangedAt:   changedAt,
	}).Return(&model.DealAutomationRun{ID: "run-1", Status: model.RunStatusWaiting}, nil).Once()

	raw := mustJSON(t, model.DealStageChangedPayload{
		DealID: "d1", FunnelID: "f1", PreviousStageID: "s1", NewStageID: "s2", ChangedAt: changedAt.Unix(),
	})
	err := h.HandleEvent(testContext(t), model.V1DealStageChanged, testMetadata("v1.deals.stage_changed.acme"), raw)

	require.NoError(t, err)
	svc.AssertExpectations(t)
}

func TestHandleEvent_StageChangedDefaults(t *testing.T) {
	svc := new(automationServiceMock)
	h := handler.NewAutomationHandler(svc)

	svc.On("HandleStageEntry", mock.Anything, mock.MatchedBy(func(c model.StageChange) bool {
		return c.ChangedAt.Equal(published) && c.Source == model.SourceAutomation
	})).Return(nil, nil).Once()

	raw := []byte(`{"deal_id":"d1","new_stage_id":"s2","source":"automation"}`)
	require.NoError(t, h.HandleEvent(testContext(t), model.V1DealStageChanged, testMetadata("v1.deals.stage_changed.acme"), raw))
	svc.AssertExpectations(t)
}

func TestHandleEvent_InboundMessage(t *testing.T) {
	svc := new(automationServiceMock)
	h := handler.NewAutomationHandler(svc)

	svc.On("HandleInboundMessage", mock.Anything, model.InboundMessage{
		MessageID:  "m1",
		Phone:      "6281234567890@s.whatsapp.net",
		ChatID:     "6281234567890@s.whatsapp.net",
		ReceivedAt: time.Unix(1714554000, 0).UTC(),
	}).Return(nil).Once()

	raw := []byte(`{"message_id":"m1","jid":"6281234567890@s.whatsapp.net","chat_id":"6281234567890@s.whatsapp.net","flow":"IN","message_timestamp":1714554000}`)
	require.NoError(t, h.HandleEvent(testContext(t), model.V1MessagesUpsert, testMetadata("v1.messages.upsert.acme"), raw))
	svc.AssertExpectations(t)
}

func TestHandleEvent_OutgoingMessageIgnored(t *testing.T) {
	svc := new(automationServiceMock)
	h := handler.NewAutomationHandler(svc)

	raw := []byte(`{"message_id":"m1","from_phone":"628111","flow":"OUT"}`)
	require.NoError(t, h.HandleEvent(testContext(t), model.V1MessagesUpsert, testMetadata("v1.messages.upsert.acme"), raw))
	svc.AssertNotCalled(t, "HandleInboundMessage", mock.Anything, mock.Anything)
}

func TestHandleEvent_BadPayloadsAreFatal(t *testing.T) {
	tests := []struct {
		name      string
		eventType model.EventType
		raw       string
	}{
		{"not json", model.V1DealStageChanged, `{"deal_id":`},
		{"missing deal id", model.V1DealStageChanged, `{"new_stage_id":"s2"}`},
		{"missing stage", model.V1DealStageChanged, `{"deal_id":"d1"}`},
		{"foreign tenant", model.V1DealStageChanged, `{"deal_id":"d1","new_stage_id":"s2","company_id":"other"}`},
		{"bad flow", model.V1MessagesUpsert, `{"message_id":"m1","flow":"SIDEWAYS"}`},
		{"missing message id", model.V1MessagesUpsert, `{"flow":"IN"}`},
		{"unsupported type", model.EventType("v1.chats.upsert"), `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(automationServiceMock)
			h := handler.NewAutomationHandler(svc)

			err := h.HandleEvent(testContext(t), tt.eventType, testMetadata(string(tt.eventType)+".acme"), []byte(tt.raw))

			require.Error(t, err)
			assert.True(t, apperrors.IsFatal(err), "want fatal, got %v", err)
			svc.AssertNotCalled(t, "HandleStageEntry", mock.Anything, mock.Anything)
			svc.AssertNotCalled(t, "HandleInboundMessage", mock.Anything, mock.Anything)
		})
	}
}

func TestHandleEvent_EngineErrorsAreRetryable(t *testing.T) {
	svc := new(automationServiceMock)
	h := handler.NewAutomationHandler(svc)
	svc.On("HandleStageEntry", mock.Anything, mock.Anything).Return(nil, apperrors.ErrDatabase).Once()
	svc.On("HandleInboundMessage", mock.Anything, mock.Anything).Return(errors.Join(apperrors.ErrDatabase)).Once()

	err := h.HandleEvent(testContext(t), model.V1DealStageChanged, testMetadata("v1.deals.stage_changed.acme"),
		[]byte(`{"deal_id":"d1","new_stage_id":"s2"}`))
	assert.True(t, apperrors.IsRetryable(err))
	assert.ErrorIs(t, err, apperrors.ErrDatabase)

	err = h.HandleEvent(testContext(t), model.V1MessagesUpsert, testMetadata("v1.messages.upsert.acme"),
		[]byte(`{"message_id":"m1","from_phone":"628111","flow":"IN"}`))
	assert.True(t, apperrors.IsRetryable(err))
}

func TestHandleEvent_ValidationFromEngineIsFatal(t *testing.T) {
	svc := new(automationServiceMock)
	h := handler.NewAutomationHandler(svc)
	svc.On("HandleStageEntry", mock.Anything, mock.Anything).Return(nil, apperrors.ErrValidation).Once()

	err := h.HandleEvent(testContext(t), model.V1DealStageChanged, testMetadata("v1.deals.stage_changed.acme"),
		[]byte(`{"deal_id":"d1","new_stage_id":"s2"}`))
	assert.True(t, apperrors.IsFatal(err))
}
