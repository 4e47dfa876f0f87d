package usecase

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"go.uber.org/zap/zaptest"

	"gitlab.com/timkado/api/daisi-crm-automation/internal/apperrors"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/config"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/model"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/storage"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/tenant"
	"gitlab.com/timkado/api/daisi-crm-automation/pkg/logger"
)

const testCompany = "acme"

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type flowRunnerMock struct {
	mock.Mock
}

func (m *flowRunnerMock) StartFlow(ctx context.Context, flowID, phone, dealID string) (string, error) {
	args := m.Called(ctx, flowID, phone, dealID)
	return args.String(0), args.Error(1)
}

func (m *flowRunnerMock) StopFlow(ctx context.Context, sessionID string) error {
	return m.Called(ctx, sessionID).Error(0)
}

type publisherMock struct {
	mock.Mock
}

func (m *publisherMock) PublishStageChange(ctx context.Context, change model.StageChange) error {
	return m.Called(ctx, change).Error(0)
}

type inlinePool struct{}

func (inlinePool) Submit(task func()) error {
	task()
	return nil
}

// memStore keeps CRM data, rules, runs and logs in memory and honours the
// same compare-and-set semantics as the Postgres repository.
type memStore struct {
	mu       sync.Mutex
	clock    *fakeClock
	stages   map[string]model.Stage
	deals    map[string]model.Deal
	contacts map[string]model.Contact
	configs  map[string]model.StageAutomationConfig
	runs     map[string]*model.DealAutomationRun
	logs     []model.AutomationLog
	moveErr  error
	moves    int
	// beforeMove runs at the start of MoveDeal, outside the store lock.
	beforeMove func()

	findDealErr error
}

func newMemStore(clock *fakeClock) *memStore {
	return &memStore{
		clock:    clock,
		stages:   map[string]model.Stage{},
		deals:    map[string]model.Deal{},
		contacts: map[string]model.Contact{},
		configs:  map[string]model.StageAutomationConfig{},
		runs:     map[string]*model.DealAutomationRun{},
	}
}

func (s *memStore) addStage(id, funnelID string, position int, terminal bool) {
	s.stages[id] = model.Stage{ID: id, FunnelID: funnelID, Name: id, Position: position, IsTerminal: terminal}
}

func (s *memStore) addDeal(id, stageID, phone string) {
	contactID := "contact-" + id
	s.contacts[contactID] = model.Contact{ID: contactID, PhoneNumber: phone}
	s.deals[id] = model.Deal{ID: id, FunnelID: s.stages[stageID].FunnelID, StageID: stageID, ContactID: &contactID}
}

func (s *memStore) addConfig(cfg model.StageAutomationConfig) {
	if cfg.ID == "" {
		cfg.ID = "cfg-" + cfg.StageID
	}
	cfg.CompanyID = testCompany
	s.configs[cfg.StageID] = cfg
}

func (s *memStore) run(id string) model.DealAutomationRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.runs[id]
}

func (s *memStore) dealStage(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deals[id].StageID
}

func (s *memStore) actions(dealID string) []model.LogAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.LogAction
	for _, l := range s.logs {
		if l.DealID == dealID {
			out = append(out, l.Action)
		}
	}
	return out
}

func (s *memStore) countAction(dealID string, action model.LogAction) int {
	n := 0
	for _, a := range s.actions(dealID) {
		if a == action {
			n++
		}
	}
	return n
}

func (s *memStore) repos() (storage.AutomationConfigRepo, storage.RunRepo, storage.AutomationLogRepo, storage.DealStore) {
	return memConfigs{s}, memRuns{s}, memLogs{s}, memDeals{s}
}

func isOpen(status model.RunStatus) bool {
	for _, st := range model.OpenRunStatuses {
		if st == status {
			return true
		}
	}
	return false
}

type memConfigs struct{ s *memStore }

func (r memConfigs) FindByStageID(_ context.Context, stageID string) (*model.StageAutomationConfig, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cfg, ok := r.s.configs[stageID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return &cfg, nil
}

func (r memConfigs) Upsert(_ context.Context, cfg model.StageAutomationConfig) (*model.StageAutomationConfig, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if existing, ok := r.s.configs[cfg.StageID]; ok {
		cfg.ID = existing.ID
	}
	r.s.configs[cfg.StageID] = cfg
	return &cfg, nil
}

func (r memConfigs) DeleteByStageID(_ context.Context, stageID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.configs, stageID)
	return nil
}

func (r memConfigs) ListByFunnel(_ context.Context, funnelID string) ([]model.StageAutomationSummary, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []model.StageAutomationSummary{}
	for _, cfg := range r.s.configs {
		stage := r.s.stages[cfg.StageID]
		if stage.FunnelID == funnelID {
			out = append(out, model.StageAutomationSummary{StageAutomationConfig: cfg, StageName: stage.Name, StagePosition: stage.Position})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StagePosition < out[j].StagePosition })
	return out, nil
}

type memRuns struct{ s *memStore }

func (r memRuns) Create(_ context.Context, run *model.DealAutomationRun) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.runs {
		if existing.DealID == run.DealID && existing.StageID == run.StageID && isOpen(existing.Status) {
			return apperrors.ErrDuplicate
		}
	}
	cp := *run
	cp.UpdatedAt = r.s.clock.Now()
	r.s.runs[run.ID] = &cp
	return nil
}

func (r memRuns) FindByID(_ context.Context, id string) (*model.DealAutomationRun, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	run, ok := r.s.runs[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (r memRuns) filter(keep func(*model.DealAutomationRun) bool) []model.DealAutomationRun {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []model.DealAutomationRun{}
	for _, run := range r.s.runs {
		if keep(run) {
			out = append(out, *run)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (r memRuns) FindOpen(_ context.Context, dealID, stageID string) (*model.DealAutomationRun, error) {
	runs := r.filter(func(run *model.DealAutomationRun) bool {
		return run.DealID == dealID && run.StageID == stageID && isOpen(run.Status)
	})
	if len(runs) == 0 {
		return nil, apperrors.ErrNotFound
	}
	return &runs[0], nil
}

func (r memRuns) ListOpenByDeal(_ context.Context, dealID string) ([]model.DealAutomationRun, error) {
	return r.filter(func(run *model.DealAutomationRun) bool { return run.DealID == dealID && isOpen(run.Status) }), nil
}

func (r memRuns) ListByDeal(_ context.Context, dealID string) ([]model.DealAutomationRun, error) {
	return r.filter(func(run *model.DealAutomationRun) bool { return run.DealID == dealID }), nil
}

func (r memRuns) ListAwaitingReply(_ context.Context, phone string) ([]model.DealAutomationRun, error) {
	return r.filter(func(run *model.DealAutomationRun) bool {
		return run.ContactPhone == phone && (run.Status == model.RunStatusFlowSent || run.Status == model.RunStatusWaiting)
	}), nil
}

func (r memRuns) ListDue(_ context.Context, now time.Time, limit int) ([]model.DealAutomationRun, error) {
	runs := r.filter(func(run *model.DealAutomationRun) bool {
		return run.Status == model.RunStatusWaiting && run.WaitUntil != nil && !run.WaitUntil.After(now)
	})
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (r memRuns) ListStalePending(_ context.Context, updatedBefore time.Time, limit int) ([]model.DealAutomationRun, error) {
	runs := r.filter(func(run *model.DealAutomationRun) bool {
		return run.Status == model.RunStatusPending && !run.UpdatedAt.After(updatedBefore)
	})
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (r memRuns) Transition(ctx context.Context, id string, from []model.RunStatus, c storage.RunChanges) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	run, ok := r.s.runs[id]
	if !ok {
		return false, nil
	}
	matched := false
	for _, st := range from {
		if run.Status == st {
			matched = true
		}
	}
	if !matched {
		return false, nil
	}
	run.Status = c.Status
	if c.FlowSessionID != nil {
		run.FlowSessionID = c.FlowSessionID
	}
	if c.FlowSentAt != nil {
		run.FlowSentAt = c.FlowSentAt
	}
	if c.WaitUntil != nil {
		run.WaitUntil = c.WaitUntil
	}
	if c.RespondedAt != nil {
		run.RespondedAt = c.RespondedAt
	}
	if c.MovedAt != nil {
		run.MovedAt = c.MovedAt
	}
	if c.CancelledAt != nil {
		run.CancelledAt = c.CancelledAt
	}
	if c.LastError != nil {
		run.LastError = *c.LastError
	}
	if c.IncAttempts {
		run.Attempts++
	}
	run.UpdatedAt = r.s.clock.Now()
	return true, nil
}

func (r memRuns) ClaimAttempt(_ context.Context, id string, status model.RunStatus, expected int) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	run, ok := r.s.runs[id]
	if !ok || run.Status != status || run.Attempts != expected {
		return false, nil
	}
	run.Attempts++
	run.UpdatedAt = r.s.clock.Now()
	return true, nil
}

func (r memRuns) MarkNoTargetLogged(_ context.Context, id string, now time.Time, interval time.Duration) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	run, ok := r.s.runs[id]
	if !ok || run.Status != model.RunStatusWaiting {
		return false, nil
	}
	if run.NoTargetLoggedAt != nil && run.NoTargetLoggedAt.After(now.Add(-interval)) {
		return false, nil
	}
	run.NoTargetLoggedAt = &now
	return true, nil
}

type memLogs struct{ s *memStore }

func (r memLogs) Append(_ context.Context, entry *model.AutomationLog) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	entry.ID = int64(len(r.s.logs) + 1)
	r.s.logs = append(r.s.logs, *entry)
	return nil
}

func (r memLogs) ListByDeal(_ context.Context, dealID string, limit int) ([]model.AutomationLog, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []model.AutomationLog{}
	for i := len(r.s.logs) - 1; i >= 0 && len(out) < limit; i-- {
		if r.s.logs[i].DealID == dealID {
			out = append(out, r.s.logs[i])
		}
	}
	return out, nil
}

type memDeals struct{ s *memStore }

func (r memDeals) FindStage(_ context.Context, stageID string) (*model.Stage, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stage, ok := r.s.stages[stageID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return &stage, nil
}

func (r memDeals) FirstOpenStage(_ context.Context, funnelID string) (*model.Stage, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var best *model.Stage
	for _, stage := range r.s.stages {
		stage := stage
		if stage.FunnelID != funnelID || stage.IsTerminal {
			continue
		}
		if best == nil || stage.Position < best.Position {
			best = &stage
		}
	}
	if best == nil {
		return nil, apperrors.ErrNotFound
	}
	return best, nil
}

func (r memDeals) FindDeal(_ context.Context, dealID string) (*model.Deal, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.findDealErr != nil {
		return nil, r.s.findDealErr
	}
	deal, ok := r.s.deals[dealID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return &deal, nil
}

func (r memDeals) FindContact(_ context.Context, contactID string) (*model.Contact, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	contact, ok := r.s.contacts[contactID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return &contact, nil
}

func (r memDeals) MoveDeal(ctx context.Context, move storage.DealMove) (*model.StageChange, error) {
	if hook := r.s.beforeMove; hook != nil {
		hook()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.moveErr != nil {
		return nil, r.s.moveErr
	}
	deal, ok := r.s.deals[move.DealID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	if move.FromStageID != "" && deal.StageID != move.FromStageID {
		return nil, fmt.Errorf("%w: deal %s is in stage %s", apperrors.ErrConflict, deal.ID, deal.StageID)
	}
	stage, ok := r.s.stages[move.ToStageID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	now := r.s.clock.Now()
	if move.RunID != "" {
		run, ok := r.s.runs[move.RunID]
		if !ok || run.Status != model.RunStatusWaiting {
			return nil, fmt.Errorf("%w: run %s is no longer waiting", apperrors.ErrConflict, move.RunID)
		}
		run.Status = model.RunStatusMoved
		run.MovedAt = &now
		run.UpdatedAt = now
	}
	change := &model.StageChange{
		DealID:      move.DealID,
		FromStageID: deal.StageID,
		ToStageID:   stage.ID,
		ToFunnelID:  stage.FunnelID,
		Source:      move.Source,
		ChangedAt:   now,
	}
	deal.StageID = stage.ID
	deal.FunnelID = stage.FunnelID
	r.s.deals[move.DealID] = deal
	r.s.moves++
	return change, nil
}

// setDealStage moves a deal the way a user would, outside the engine.
func (s *memStore) setDealStage(dealID, stageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deal := s.deals[dealID]
	deal.StageID = stageID
	deal.FunnelID = s.stages[stageID].FunnelID
	s.deals[dealID] = deal
}

type engineFixture struct {
	engine *AutomationEngine
	store  *memStore
	flows  *flowRunnerMock
	clock  *fakeClock
	ctx    context.Context
}

// newEngineFixture builds funnel f1 with stages s1 < s2 < s3 < won(terminal)
// and funnel f2 with intake < followup, plus deal d1 in s1.
func newEngineFixture(t *testing.T, opts ...EngineOption) *engineFixture {
	t.Helper()
	clock := &fakeClock{t: t0}
	store := newMemStore(clock)
	store.addStage("s1", "f1", 1, false)
	store.addStage("s2", "f1", 2, false)
	store.addStage("s3", "f1", 3, false)
	store.addStage("won", "f1", 9, true)
	store.addStage("intake", "f2", 1, false)
	store.addStage("followup", "f2", 2, false)
	store.addDeal("d1", "s1", "+62 812-3456-7890")

	flows := &flowRunnerMock{}
	configs, runs, logs, deals := store.repos()
	log := zaptest.NewLogger(t)

	ids := 0
	var idMu sync.Mutex
	base := []EngineOption{
		WithClock(clock.Now),
		WithIDGenerator(func() string {
			idMu.Lock()
			defer idMu.Unlock()
			ids++
			return fmt.Sprintf("run-%d", ids)
		}),
	}
	engine := NewAutomationEngine(config.AutomationConfig{
		SweepBatchSize:      50,
		FlowCallTimeout:     time.Second,
		MoveCallTimeout:     time.Second,
		NoTargetLogInterval: 24 * time.Hour,
		PendingGrace:        2 * time.Minute,
		BulkStartMax:        10,
	}, configs, runs, logs, deals, flows, inlinePool{}, log, append(base, opts...)...)

	ctx := tenant.WithCompanyID(context.Background(), testCompany)
	ctx = logger.WithLogger(ctx, log)
	return &engineFixture{engine: engine, store: store, flows: flows, clock: clock, ctx: ctx}
}

func (f *engineFixture) enter(t *testing.T, dealID, stageID string) *model.DealAutomationRun {
	t.Helper()
	run, err := f.engine.HandleStageEntry(f.ctx, model.StageChange{DealID: dealID, ToStageID: stageID, Source: model.SourceUser})
	if err != nil {
		t.Fatalf("HandleStageEntry: %v", err)
	}
	return run
}

func (s *memStore) lastLog(dealID string) model.AutomationLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.logs) - 1; i >= 0; i-- {
		if s.logs[i].DealID == dealID {
			return s.logs[i]
		}
	}
	return model.AutomationLog{}
}

func (s *memStore) openRun(dealID, stageID string) *model.DealAutomationRun {
	run, err := memRuns{s}.FindOpen(context.Background(), dealID, stageID)
	if err != nil {
		return nil
	}
	return run
}

func strPtr(s string) *string {
	return &s
}

func activeConfig(stageID string, waitHours int) model.StageAutomationConfig {
	return model.StageAutomationConfig{StageID: stageID, WaitHours: waitHours, IsActive: true}
}
