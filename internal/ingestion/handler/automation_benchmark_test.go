package handler_test

import (
	"fmt"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/mock"

	"gitlab.com/timkado/api/daisi-crm-automation/internal/ingestion/handler"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/model"
)

func BenchmarkAutomationHandler_StageChanged(b *testing.B) {
	svc := new(automationServiceMock)
	svc.On("HandleStageEntry", mock.Anything, mock.Anything).Return(nil, nil)
	h := handler.NewAutomationHandler(svc)
	ctx := testContext(b)
	md := testMetadata("v1.deals.stage_changed.acme")

	payloads := make([][]byte, 64)
	for i := range payloads {
		payloads[i] = mustJSON(b, model.DealStageChangedPayload{
			DealID:          gofakeit.UUID(),
			PreviousStageID: gofakeit.UUID(),
			NewStageID:      gofakeit.UUID(),
			ChangedAt:       int64(gofakeit.Uint32()),
		})
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := h.HandleEvent(ctx, model.V1DealStageChanged, md, payloads[i%len(payloads)]); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkAutomationHandler_InboundMessage(b *testing.B) {
	svc := new(automationServiceMock)
	svc.On("HandleInboundMessage", mock.Anything, mock.Anything).Return(nil)
	h := handler.NewAutomationHandler(svc)
	ctx := testContext(b)
	md := testMetadata("v1.messages.upsert.acme")

	payloads := make([][]byte, 64)
	for i := range payloads {
		payloads[i] = []byte(fmt.Sprintf(`{"message_id":%q,"from_phone":%q,"flow":"IN","message_text":%q}`,
			gofakeit.UUID(), gofakeit.Phone(), gofakeit.Sentence(8)))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := h.HandleEvent(ctx, model.V1MessagesUpsert, md, payloads[i%len(payloads)]); err != nil {
			b.Fatal(err)
		}
	}
}
