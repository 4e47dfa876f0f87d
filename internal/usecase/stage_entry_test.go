package usecase

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"gitlab.com/timkado/api/daisi-crm-automation/internal/apperrors"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/model"
)

func TestHandleStageEntry_ImmediateFlowSentOnce(t *testing.T) {
	f := newEngineFixture(t)
	cfg := activeConfig("s1", 24)
	cfg.FlowID = strPtr("flow-1")
	cfg.ExecuteImmediately = true
	cfg.NextStageID = strPtr("s2")
	f.store.addConfig(cfg)
	f.flows.On("StartFlow", mock.Anything, "flow-1", "6281234567890", "d1").Return("sess-1", nil).Once()

	run := f.enter(t, "d1", "s1")
	require.NotNil(t, run)

	stored := f.store.run(run.ID)
	assert.Equal(t, model.RunStatusWaiting, stored.Status)
	require.NotNil(t, stored.FlowSessionID)
	assert.Equal(t, "sess-1", *stored.FlowSessionID)
	assert.Equal(t, t0, *stored.FlowSentAt)
	assert.Equal(t, t0.Add(24*time.Hour), *stored.WaitUntil)
	assert.Equal(t, 1, stored.Attempts)
	assert.Equal(t, "6281234567890", stored.ContactPhone)
	assert.Equal(t, []model.LogAction{model.ActionRunCreated, model.ActionFlowSent, model.ActionWaiting}, f.store.actions("d1"))

	again := f.enter(t, "d1", "s1")
	require.NotNil(t, again)
	assert.Equal(t, run.ID, again.ID)
	assert.Len(t, f.store.runs, 1)
	assert.Contains(t, string(f.store.lastLog("d1").Details), model.SkipReasonAlreadyRunning)
	f.flows.AssertNumberOfCalls(t, "StartFlow", 1)
}

func TestHandleStageEntry_WaitOnlyRule(t *testing.T) {
	f := newEngineFixture(t)
	f.store.addConfig(activeConfig("s1", 48))

	run := f.enter(t, "d1", "s1")
	require.NotNil(t, run)

	stored := f.store.run(run.ID)
	assert.Equal(t, model.RunStatusWaiting, stored.Status)
	assert.Nil(t, stored.FlowSessionID)
	assert.Equal(t, t0.Add(48*time.Hour), *stored.WaitUntil)
	assert.Equal(t, []model.LogAction{model.ActionRunCreated, model.ActionWaiting}, f.store.actions("d1"))
	f.flows.AssertNotCalled(t, "StartFlow", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleStageEntry_DeferredFlow(t *testing.T) {
	f := newEngineFixture(t)
	cfg := activeConfig("s1", 24)
	cfg.FlowID = strPtr("flow-1")
	f.store.addConfig(cfg)

	run := f.enter(t, "d1", "s1")
	require.NotNil(t, run)

	stored := f.store.run(run.ID)
	assert.Equal(t, model.RunStatusWaiting, stored.Status)
	assert.True(t, stored.FlowUnsent())
	assert.False(t, stored.FlowOwed())
	assert.Equal(t, []model.LogAction{model.ActionRunCreated, model.ActionFlowDeferred, model.ActionWaiting}, f.store.actions("d1"))
	f.flows.AssertNotCalled(t, "StartFlow", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleStageEntry_FlowErrorKeepsRunPending(t *testing.T) {
	f := newEngineFixture(t)
	cfg := activeConfig("s1", 24)
	cfg.FlowID = strPtr("flow-1")
	cfg.ExecuteImmediately = true
	f.store.addConfig(cfg)
	f.flows.On("StartFlow", mock.Anything, "flow-1", mock.Anything, "d1").Return("", errors.New("runner down")).Once()

	run, err := f.engine.HandleStageEntry(f.ctx, model.StageChange{DealID: "d1", ToStageID: "s1"})
	require.NoError(t, err, "flow failures never fail the stage entry")
	require.NotNil(t, run)

	stored := f.store.run(run.ID)
	assert.Equal(t, model.RunStatusPending, stored.Status)
	assert.Equal(t, "runner down", stored.LastError)
	assert.Equal(t, 1, stored.Attempts)
	assert.Nil(t, stored.FlowSentAt)
	assert.Equal(t, []model.LogAction{model.ActionRunCreated, model.ActionFlowError}, f.store.actions("d1"))
}

func TestHandleStageEntry_SkipReasons(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(s *memStore)
		dealID string
		stage  string
		reason string
	}{
		{
			name:   "unknown stage",
			dealID: "d1",
			stage:  "ghost",
			reason: model.SkipReasonStageNotFound,
		},
		{
			name:   "terminal stage",
			setup:  func(s *memStore) { s.addConfig(activeConfig("won", 24)) },
			dealID: "d1",
			stage:  "won",
			reason: model.SkipReasonTerminalStage,
		},
		{
			name:   "no rule",
			dealID: "d1",
			stage:  "s1",
			reason: model.SkipReasonNoConfig,
		},
		{
			name: "inactive rule",
			setup: func(s *memStore) {
				cfg := activeConfig("s1", 24)
				cfg.IsActive = false
				s.addConfig(cfg)
			},
			dealID: "d1",
			stage:  "s1",
			reason: model.SkipReasonInactive,
		},
		{
			name:   "unknown deal",
			setup:  func(s *memStore) { s.addConfig(activeConfig("s1", 24)) },
			dealID: "nobody",
			stage:  "s1",
			reason: model.SkipReasonDealNotFound,
		},
		{
			name:   "deal already left the stage",
			setup:  func(s *memStore) { s.addConfig(activeConfig("s2", 24)) },
			dealID: "d1",
			stage:  "s2",
			reason: model.SkipReasonNotCurrent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newEngineFixture(t)
			if tt.setup != nil {
				tt.setup(f.store)
			}

			run, err := f.engine.HandleStageEntry(f.ctx, model.StageChange{DealID: tt.dealID, ToStageID: tt.stage, Source: model.SourceUser})
			require.NoError(t, err)
			assert.Nil(t, run)
			assert.Empty(t, f.store.runs)

			entry := f.store.lastLog(tt.dealID)
			assert.Equal(t, model.ActionSkipped, entry.Action)
			assert.Nil(t, entry.DealAutomationID)
			assert.Contains(t, string(entry.Details), tt.reason)
		})
	}
}

func TestHandleStageEntry_ConcurrentEntriesCreateOneRun(t *testing.T) {
	f := newEngineFixture(t)
	f.store.addConfig(activeConfig("s1", 24))

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			run, err := f.engine.HandleStageEntry(f.ctx, model.StageChange{DealID: "d1", ToStageID: "s1"})
			if err == nil && run != nil {
				ids[i] = run.ID
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, f.store.runs, 1)
	assert.Equal(t, 1, f.store.countAction("d1", model.ActionRunCreated))
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestHandleStageEntry_PhoneFromEvent(t *testing.T) {
	f := newEngineFixture(t)
	f.store.addConfig(activeConfig("s1", 24))

	run, err := f.engine.HandleStageEntry(f.ctx, model.StageChange{DealID: "d1", ToStageID: "s1", ContactPhone: "6299988877@s.whatsapp.net"})
	require.NoError(t, err)
	assert.Equal(t, "6299988877", f.store.run(run.ID).ContactPhone)
}

func TestHandleStageEntry_NoPhoneSkipsFlow(t *testing.T) {
	f := newEngineFixture(t)
	f.store.addDeal("d2", "s1", "")
	cfg := activeConfig("s1", 24)
	cfg.FlowID = strPtr("flow-1")
	cfg.ExecuteImmediately = true
	cfg.NextStageID = strPtr("s2")
	f.store.addConfig(cfg)

	run, err := f.engine.HandleStageEntry(f.ctx, model.StageChange{DealID: "d2", ToStageID: "s1"})
	require.NoError(t, err)
	require.NotNil(t, run)

	stored := f.store.run(run.ID)
	assert.Equal(t, model.RunStatusWaiting, stored.Status)
	assert.Equal(t, t0.Add(24*time.Hour), *stored.WaitUntil)
	assert.Zero(t, stored.Attempts)
	assert.Equal(t, []model.LogAction{model.ActionRunCreated, model.ActionFlowSkipped, model.ActionWaiting}, f.store.actions("d2"))
	f.flows.AssertNotCalled(t, "StartFlow", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	f.clock.Set(t0.Add(25 * time.Hour))
	result, err := f.engine.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Moved)
	assert.Equal(t, "s2", f.store.dealStage("d2"))
}

func TestHandleStageEntry_RejectedFlowArmsRun(t *testing.T) {
	f := newEngineFixture(t)
	cfg := activeConfig("s1", 24)
	cfg.FlowID = strPtr("flow-1")
	cfg.ExecuteImmediately = true
	f.store.addConfig(cfg)
	rejected := apperrors.NewFatal(apperrors.ErrFlowRunner, "flow runner rejected request")
	f.flows.On("StartFlow", mock.Anything, "flow-1", "6281234567890", "d1").Return("", rejected).Once()

	run := f.enter(t, "d1", "s1")

	stored := f.store.run(run.ID)
	assert.Equal(t, model.RunStatusWaiting, stored.Status)
	assert.Contains(t, stored.LastError, "rejected")
	assert.Equal(t, []model.LogAction{model.ActionRunCreated, model.ActionFlowError, model.ActionWaiting}, f.store.actions("d1"))

	f.clock.Set(t0.Add(10 * time.Minute))
	result, err := f.engine.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Stale, "a rejected flow is not retried")
	f.flows.AssertNumberOfCalls(t, "StartFlow", 1)
}
