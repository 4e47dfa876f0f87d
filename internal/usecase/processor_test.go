package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/timkado/api/daisi-crm-automation/internal/config"
	ingestionmock "gitlab.com/timkado/api/daisi-crm-automation/internal/ingestion/mock"
	jsmock "gitlab.com/timkado/api/daisi-crm-automation/internal/jetstream/mock"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/model"
)

func processorConfig() *config.Config {
	var cfg config.Config
	cfg.NATS.Events = config.ConsumerNatsConfig{
		Stream:      "crm_automation_events",
		Consumer:    "crm-automation-engine",
		QueueGroup:  "crm-automation",
		SubjectList: []string{"v1.deals.stage_changed", "v1.messages.upsert"},
		MaxDeliver:  3,
	}
	cfg.NATS.DLQSubject = "v1.dlq"
	return &cfg
}

func TestProcessor_SetupRegistersHandlers(t *testing.T) {
	f := newEngineFixture(t)
	p := NewProcessor(f.engine, new(jsmock.ClientMock), processorConfig(), testCompany)
	consumer := new(ingestionmock.ConsumerMock)
	consumer.On("Setup").Return(nil).Once()
	p.consumer = consumer

	require.NoError(t, p.Setup())
	consumer.AssertExpectations(t)

	// A stage change routed through the pipeline reaches the engine.
	f.store.addConfig(activeConfig("s2", 24))
	f.store.addDeal("d1", "s2", "+62 812-3456-7890")
	err := p.GetRouter().Route(context.Background(), &model.MessageMetadata{
		MessageID:      "evt-1",
		MessageSubject: "v1.deals.stage_changed.acme",
		CompanyID:      testCompany,
	}, []byte(`{"deal_id":"d1","previous_stage_id":"s1","new_stage_id":"s2"}`))
	require.NoError(t, err)
	assert.NotNil(t, f.store.openRun("d1", "s2"))
}

func TestProcessor_SetupError(t *testing.T) {
	f := newEngineFixture(t)
	p := NewProcessor(f.engine, new(jsmock.ClientMock), processorConfig(), testCompany)
	consumer := new(ingestionmock.ConsumerMock)
	consumer.On("Setup").Return(errors.New("stream unavailable")).Once()
	p.consumer = consumer

	assert.Error(t, p.Setup())
}

func TestProcessor_StartStop(t *testing.T) {
	f := newEngineFixture(t)
	p := NewProcessor(f.engine, new(jsmock.ClientMock), processorConfig(), testCompany)
	consumer := new(ingestionmock.ConsumerMock)
	consumer.On("Start").Return(nil).Once()
	consumer.On("Stop").Return().Once()
	p.consumer = consumer

	require.NoError(t, p.Start())
	p.Stop()
	consumer.AssertExpectations(t)
}

func TestProcessor_StartError(t *testing.T) {
	f := newEngineFixture(t)
	p := NewProcessor(f.engine, new(jsmock.ClientMock), processorConfig(), testCompany)
	consumer := new(ingestionmock.ConsumerMock)
	consumer.On("Start").Return(errors.New("no consumer")).Once()
	p.consumer = consumer

	assert.Error(t, p.Start())
}
