package usecase

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"gitlab.com/timkado/api/daisi-crm-automation/internal/config"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/model"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/storage"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/tenant"
	"gitlab.com/timkado/api/daisi-crm-automation/pkg/logger"
	"gitlab.com/timkado/api/daisi-crm-automation/pkg/utils"
)

const (
	defaultFlowCallTimeout     = 10 * time.Second
	defaultMoveCallTimeout     = 10 * time.Second
	defaultNoTargetLogInterval = 24 * time.Hour
	defaultPendingGrace        = 2 * time.Minute
	defaultSweepBatchSize      = 200
	defaultBulkStartMax        = 500
)

// AutomationEngine reacts to stage entries, customer replies and elapsed waits.
// Status changes are compare-and-set updates, so the three sources may race freely.
type AutomationEngine struct {
	configs    storage.AutomationConfigRepo
	runs       storage.RunRepo
	logs       storage.AutomationLogRepo
	deals      storage.DealStore
	flows      FlowRunner
	pool       TaskPool
	publisher  StageChangePublisher
	cfg        config.AutomationConfig
	now        func() time.Time
	newID      func() string
	baseLogger *zap.Logger
}

var _ Engine = (*AutomationEngine)(nil)

// EngineOption customises an AutomationEngine.
type EngineOption func(*AutomationEngine)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) EngineOption {
	return func(e *AutomationEngine) { e.now = now }
}

// WithPublisher announces automated moves on the bus instead of chaining them in-process.
func WithPublisher(p StageChangePublisher) EngineOption {
	return func(e *AutomationEngine) { e.publisher = p }
}

// WithIDGenerator replaces uuid generation for run ids.
func WithIDGenerator(newID func() string) EngineOption {
	return func(e *AutomationEngine) { e.newID = newID }
}

func NewAutomationEngine(
	cfg config.AutomationConfig,
	configs storage.AutomationConfigRepo,
	runs storage.RunRepo,
	logs storage.AutomationLogRepo,
	deals storage.DealStore,
	flows FlowRunner,
	pool TaskPool,
	baseLogger *zap.Logger,
	opts ...EngineOption,
) *AutomationEngine {
	if cfg.FlowCallTimeout <= 0 {
		cfg.FlowCallTimeout = defaultFlowCallTimeout
	}
	if cfg.MoveCallTimeout <= 0 {
		cfg.MoveCallTimeout = defaultMoveCallTimeout
	}
	if cfg.NoTargetLogInterval <= 0 {
		cfg.NoTargetLogInterval = defaultNoTargetLogInterval
	}
	if cfg.PendingGrace <= 0 {
		cfg.PendingGrace = defaultPendingGrace
	}
	// a pending run must not look stale while its own flow call is in flight
	if cfg.PendingGrace < 2*cfg.FlowCallTimeout {
		cfg.PendingGrace = 2 * cfg.FlowCallTimeout
	}
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = defaultSweepBatchSize
	}
	if cfg.BulkStartMax <= 0 {
		cfg.BulkStartMax = defaultBulkStartMax
	}
	if cfg.ReplyMatchScope == "" {
		cfg.ReplyMatchScope = config.ReplyScopeCurrentStage
	}

	e := &AutomationEngine{
		configs:    configs,
		runs:       runs,
		logs:       logs,
		deals:      deals,
		flows:      flows,
		pool:       pool,
		cfg:        cfg,
		now:        utils.Now,
		newID:      uuid.NewString,
		baseLogger: baseLogger.Named("automation_engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *AutomationEngine) logger(ctx context.Context) *zap.Logger {
	return logger.FromContextOr(ctx, e.baseLogger)
}

func companyOf(ctx context.Context) string {
	companyID, err := tenant.FromContext(ctx)
	if err != nil {
		return "unknown"
	}
	return companyID
}

// audit appends an AutomationLog entry. A failed append is logged and swallowed:
// the audit trail never decides the outcome of an automation step.
func (e *AutomationEngine) audit(ctx context.Context, dealID string, run *model.DealAutomationRun, action model.LogAction, details map[string]interface{}) {
	entry := &model.AutomationLog{
		CompanyID: companyOf(ctx),
		DealID:    dealID,
		Action:    action,
		CreatedAt: e.now(),
	}
	if run != nil {
		runID := run.ID
		entry.DealAutomationID = &runID
		entry.CompanyID = run.CompanyID
	}
	if details != nil {
		raw, err := json.Marshal(details)
		if err != nil {
			e.logger(ctx).Warn("Failed to encode automation log details", zap.String("action", string(action)), zap.Error(err))
		} else {
			entry.Details = datatypes.JSON(raw)
		}
	}
	if err := e.logs.Append(ctx, entry); err != nil {
		e.logger(ctx).Warn("Failed to append automation log",
			zap.String("deal_id", dealID),
			zap.String("action", string(action)),
			zap.Error(err))
	}
}

func runFields(run *model.DealAutomationRun) []zap.Field {
	return []zap.Field{
		zap.String("run_id", run.ID),
		zap.String("deal_id", run.DealID),
		zap.String("stage_id", run.StageID),
		zap.String("status", string(run.Status)),
	}
}

func errString(err error) *string {
	msg := err.Error()
	return &msg
}

func timePtr(t time.Time) *time.Time {
	return &t
}
