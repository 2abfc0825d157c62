package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/volley/internal/metrics"
	"github.com/wesleyorama2/volley/internal/session"
)

// PerVUIterations runs a fixed number of sessions on each of a fixed set of
// VUs, back to back with no rate pacing. The stage ends when every VU is
// done or maxDuration elapses, whichever comes first.
type PerVUIterations struct {
	config *Config
	pool   *SlotPool

	started   atomic.Int64
	completed atomic.Int64

	startTime time.Time
	running   atomic.Bool
	mu        sync.RWMutex

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewPerVUIterations creates a per-vu-iterations executor.
func NewPerVUIterations() *PerVUIterations {
	return &PerVUIterations{stopCh: make(chan struct{})}
}

// Type returns the executor type.
func (e *PerVUIterations) Type() Type {
	return TypePerVUIterations
}

// Init initializes the executor with configuration.
func (e *PerVUIterations) Init(config *Config) error {
	if config.Type != TypePerVUIterations {
		return fmt.Errorf("invalid config type: expected %s, got %s", TypePerVUIterations, config.Type)
	}
	if err := config.Validate(); err != nil {
		return err
	}
	e.config = config
	return nil
}

// Run starts every VU and blocks until the stage has drained.
func (e *PerVUIterations) Run(ctx context.Context, rt *Runtime) error {
	if e.config == nil {
		return fmt.Errorf("executor %s not initialized", TypePerVUIterations)
	}

	logger := rt.logger().With(zap.String("stage", e.config.Name), zap.String("executor", string(TypePerVUIterations)))
	pool := NewSlotPool(e.config.VUs, e.config.VUs, rt.NewVU)
	// Sessions outlive ctx: a cancelled run drains like a stage end, and
	// only drain cancels sessions, once gracefulStop expires.
	sessionCtx, hardCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer hardCancel()

	e.mu.Lock()
	e.pool = pool
	e.startTime = time.Now()
	e.mu.Unlock()
	e.running.Store(true)
	defer e.running.Store(false)

	logger.Info("stage started",
		zap.Int("vus", e.config.VUs),
		zap.Int64("iterations", e.config.Iterations),
		zap.Duration("maxDuration", e.config.maxDuration()))

	var wg sync.WaitGroup
	for i := 0; i < e.config.VUs; i++ {
		vu, ok := pool.TryAcquire()
		if !ok {
			break
		}
		wg.Add(1)
		go e.runVU(sessionCtx, rt, pool, vu, &wg)
	}
	rt.Metrics.SetGauge(metrics.VUs, int64(pool.Active()), rt.Tags)

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	timer := time.NewTimer(e.config.maxDuration())
	defer timer.Stop()

	select {
	case <-finished:
	case <-timer.C:
		logger.Info("maxDuration reached", zap.Int("active", pool.Active()))
	case <-ctx.Done():
	case <-e.stopCh:
	}

	drain(pool, &wg, e.config.gracefulStop(), hardCancel, logger)
	rt.Metrics.SetGauge(metrics.VUs, 0, rt.Tags)

	logger.Info("stage finished",
		zap.Int64("started", e.started.Load()),
		zap.Int64("completed", e.completed.Load()))
	return nil
}

func (e *PerVUIterations) runVU(ctx context.Context, rt *Runtime, pool *SlotPool, vu *session.VirtualUser, wg *sync.WaitGroup) {
	defer wg.Done()
	defer pool.Release(vu)

	for i := int64(0); i < e.config.Iterations; i++ {
		if vu.Stopping() || e.stopped() || ctx.Err() != nil {
			return
		}
		e.started.Add(1)
		if out := rt.Journey.Run(ctx, vu); out.Completed {
			e.completed.Add(1)
		}
	}
}

func (e *PerVUIterations) stopped() bool {
	select {
	case <-e.stopCh:
		return true
	default:
		return false
	}
}

// GetProgress returns the fraction of all planned sessions started.
func (e *PerVUIterations) GetProgress() float64 {
	if e.config == nil {
		return 0
	}
	if !e.running.Load() {
		e.mu.RLock()
		started := !e.startTime.IsZero()
		e.mu.RUnlock()
		if started {
			return 1.0
		}
		return 0.0
	}
	total := float64(e.config.Iterations) * float64(e.config.VUs)
	progress := float64(e.started.Load()) / total
	if progress > 1.0 {
		progress = 1.0
	}
	return progress
}

// GetStats returns executor statistics.
func (e *PerVUIterations) GetStats() *Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	stats := &Stats{
		StartTime: e.startTime,
		Started:   e.started.Load(),
		Completed: e.completed.Load(),
	}
	if e.config != nil {
		stats.TotalDuration = e.config.TotalDuration()
		stats.MaxVUs = e.config.VUs
	}
	if !e.startTime.IsZero() {
		stats.Elapsed = time.Since(e.startTime)
	}
	if e.pool != nil {
		stats.ActiveVUs = e.pool.Active()
		stats.AllocatedVUs = e.pool.Allocated()
		stats.PeakVUs = e.pool.Peak()
	}
	return stats
}

// Stop ends the stage early.
func (e *PerVUIterations) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// Ensure PerVUIterations implements Executor
var _ Executor = (*PerVUIterations)(nil)
