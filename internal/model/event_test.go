package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMapToBaseEventType(t *testing.T) {
	tests := []struct {
		input string
		want  EventType
		ok    bool
	}{
		{"v1.deals.stage_changed", V1DealStageChanged, true},
		{"v1.deals.stage_changed.acme", V1DealStageChanged, true},
		{"v1.messages.upsert.acme", V1MessagesUpsert, true},
		{"v1.messages.update.acme", "", false},
		{"unknown", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := MapToBaseEventType(tt.input)
		assert.Equal(t, tt.want, got, tt.input)
		assert.Equal(t, tt.ok, ok, tt.input)
	}
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "v1.deals.stage_changed.acme", V1DealStageChanged.Subject("acme"))
	assert.Equal(t, "v1.messages.upsert", V1MessagesUpsert.Subject(""))
}

func TestSenderPhone(t *testing.T) {
	assert.Equal(t, "+62811", InboundMessagePayload{FromPhone: "+62811", Jid: "62822@s.whatsapp.net"}.SenderPhone())
	assert.Equal(t, "62822@s.whatsapp.net", InboundMessagePayload{Jid: "62822@s.whatsapp.net", ChatID: "c"}.SenderPhone())
	assert.Equal(t, "", InboundMessagePayload{}.SenderPhone())
}

func TestRunStatus(t *testing.T) {
	for _, s := range OpenRunStatuses {
		assert.False(t, s.IsTerminal(), s)
	}
	for _, s := range []RunStatus{RunStatusResponded, RunStatusMoved, RunStatusCancelled} {
		assert.True(t, s.IsTerminal(), s)
	}
}

func TestFlowOwed(t *testing.T) {
	flow := "flow-1"
	sent := time.Now()

	assert.False(t, DealAutomationRun{}.FlowOwed())
	assert.False(t, DealAutomationRun{FlowID: &flow}.FlowOwed(), "deferred flows wait for a manual start")
	assert.True(t, DealAutomationRun{FlowID: &flow}.FlowUnsent())
	assert.True(t, DealAutomationRun{FlowID: &flow, ExecuteImmediately: true}.FlowOwed())
	assert.False(t, DealAutomationRun{FlowID: &flow, ExecuteImmediately: true, FlowSentAt: &sent}.FlowOwed())
	assert.Equal(t, 24*time.Hour, DealAutomationRun{WaitHours: 24}.WaitDuration())
}
