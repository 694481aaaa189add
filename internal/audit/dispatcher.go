package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"workorder-backend/internal/metadata"
	"workorder-backend/internal/metrics"
)

const defaultTaskTimeout = 10 * time.Second

// Dispatcher runs Bridge calls as detached tasks on a worker pool, so
// request handlers return as soon as their transaction commits.
type Dispatcher struct {
	pool    *ants.Pool
	bridge  *Bridge
	logger  *zap.Logger
	metrics *metrics.Metrics
	timeout time.Duration

	mu     sync.RWMutex // guards closed against wg.Add racing Close
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(bridge *Bridge, workers int, logger *zap.Logger, m *metrics.Metrics) (*Dispatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if workers < 1 {
		workers = 1
	}

	d := &Dispatcher{
		bridge:  bridge,
		logger:  logger,
		metrics: m,
		timeout: defaultTaskTimeout,
	}

	pool, err := ants.NewPool(workers,
		ants.WithPanicHandler(func(p any) {
			logger.Error("audit worker panic recovered", zap.Any("panic", p), zap.Stack("stack"))
		}),
		ants.WithNonblocking(true),
		ants.WithExpiryDuration(30*time.Second),
	)
	if err != nil {
		return nil, err
	}
	d.pool = pool
	return d, nil
}

// Dispatch schedules an audit record and returns immediately. When every
// worker is busy the task runs on its own goroutine rather than making the
// caller wait.
func (d *Dispatcher) Dispatch(op metadata.Operation, entityKey string, result map[string]any, ac *Context) {
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		d.logger.Warn("audit dropped: dispatcher closed",
			zap.String("operation", string(op)),
			zap.String("entity", entityKey))
		d.metrics.IncAudit("dropped")
		return
	}

	d.wg.Add(1)
	d.mu.RUnlock()

	task := func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		d.bridge.LogEntityAudit(ctx, op, entityKey, result, ac)
	}

	if err := d.pool.Submit(task); err != nil {
		if errors.Is(err, ants.ErrPoolOverload) {
			go task()
			return
		}
		d.wg.Done()
		d.logger.Error("audit dropped: submit failed",
			zap.String("operation", string(op)),
			zap.String("entity", entityKey),
			zap.Error(err))
		d.metrics.IncAudit("dropped")
	}
}

// Wait blocks until every dispatched task has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close stops accepting work and waits for in-flight audits, bounded by ctx.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Warn("audit dispatcher close timed out; pending records may be lost")
		d.pool.Release()
		return ctx.Err()
	}
	d.pool.Release()
	return nil
}
