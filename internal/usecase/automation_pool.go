package usecase

import (
	"errors"
	"fmt"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-crm-automation/internal/config"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/observer"
)

// ErrPoolOverload is returned when the automation pool cannot take more work.
var ErrPoolOverload = errors.New("automation pool overload")

// AutomationPool runs sweep items and bulk starts in parallel.
type AutomationPool struct {
	pool       *ants.Pool
	baseLogger *zap.Logger
}

var _ TaskPool = (*AutomationPool)(nil)

// NewAutomationPool creates the pool sized by cfg.
func NewAutomationPool(cfg config.WorkerPoolConfig, baseLogger *zap.Logger) (*AutomationPool, error) {
	p := &AutomationPool{baseLogger: baseLogger.Named("automation_pool")}

	opts := []ants.Option{
		ants.WithNonblocking(false),
		ants.WithMaxBlockingTasks(cfg.QueueSize),
		ants.WithPanicHandler(func(err interface{}) {
			p.baseLogger.Error("Panic recovered in automation worker", zap.Any("panic_error", err), zap.Stack("stack"))
		}),
	}
	if cfg.ExpiryTime > 0 {
		opts = append(opts, ants.WithExpiryDuration(cfg.ExpiryTime))
	}

	pool, err := ants.NewPool(cfg.PoolSize, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create automation worker pool: %w", err)
	}
	p.pool = pool
	p.baseLogger.Info("Automation worker pool initialized",
		zap.Int("pool_size", cfg.PoolSize),
		zap.Int("queue_size", cfg.QueueSize),
		zap.Duration("expiry_time", cfg.ExpiryTime),
	)
	return p, nil
}

// Submit queues task, blocking while the queue has room.
func (p *AutomationPool) Submit(task func()) error {
	err := p.pool.Submit(task)
	observer.SetAutomationPoolRunning(p.pool.Running())
	if err != nil {
		if errors.Is(err, ants.ErrPoolOverload) {
			return fmt.Errorf("%w: %w", ErrPoolOverload, err)
		}
		return fmt.Errorf("failed to submit automation task: %w", err)
	}
	return nil
}

// Running reports the number of busy workers.
func (p *AutomationPool) Running() int {
	return p.pool.Running()
}

// Stop releases the workers; queued tasks are dropped.
func (p *AutomationPool) Stop() {
	p.baseLogger.Info("Stopping automation worker pool", zap.Int("running", p.pool.Running()))
	p.pool.Release()
}
