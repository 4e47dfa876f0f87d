package usecase

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-crm-automation/internal/tenant"
	"gitlab.com/timkado/api/daisi-crm-automation/pkg/logger"
	"gitlab.com/timkado/api/daisi-crm-automation/pkg/utils"
)

// Sweeper runs the engine's Sweep on a fixed interval.
// Ticks never overlap within one process; replicas are kept safe by the run CAS.
type Sweeper struct {
	engine     Engine
	interval   time.Duration
	companyID  string
	baseLogger *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSweeper(engine Engine, interval time.Duration, companyID string, baseLogger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		engine:     engine,
		interval:   interval,
		companyID:  companyID,
		baseLogger: baseLogger.Named("sweeper"),
	}
}

// Start launches the loop; the first sweep runs immediately.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	utils.SafeGo(func() {
		defer s.wg.Done()
		s.loop(ctx)
	}, func(r interface{}, stack []byte) {
		s.baseLogger.Error("[panic] Sweeper loop crashed", zap.Any("panic", r), zap.ByteString("stack", stack))
	})
	s.baseLogger.Info("Sweeper started", zap.Duration("interval", s.interval))
}

func (s *Sweeper) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep and logs its result.
func (s *Sweeper) RunOnce(ctx context.Context) SweepResult {
	ctx = tenant.WithCompanyID(ctx, s.companyID)
	ctx = logger.WithLogger(ctx, s.baseLogger.With(zap.String("company_id", s.companyID)))

	defer utils.RecoverWithLog(ctx, "automation sweep")
	result, err := s.engine.Sweep(ctx)
	if err != nil {
		s.baseLogger.Error("Sweep could not list work", zap.Error(err))
	}
	return result
}

// Stop cancels the loop and waits for the running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.baseLogger.Info("Sweeper stopped")
}
