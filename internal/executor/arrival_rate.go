package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/volley/internal/metrics"
	"github.com/wesleyorama2/volley/internal/rate"
	"github.com/wesleyorama2/volley/internal/session"
)

// ArrivalRate starts sessions on an open-model schedule, constant or
// ramping.
//
// A single issuing goroutine walks the arrival schedule. At each due tick
// it tries to take a free slot without blocking: on success the session
// starts immediately on its own goroutine, otherwise the arrival is
// counted as missed. Ticks are never delayed by busy slots, so the issued
// rate tracks the schedule until the pool saturates and the shortfall
// shows up as dropped_iterations.
//
// Example:
//
//	config:
//	  type: ramping-arrival-rate
//	  rate: 10               # start at 10 sessions per second
//	  stages:
//	    - duration: 2m
//	      target: 50
//	  preAllocatedVUs: 50
//	  maxVUs: 200
type ArrivalRate struct {
	typ      Type
	config   *Config
	schedule *rate.Schedule

	pool *SlotPool

	started   atomic.Int64
	missed    atomic.Int64
	completed atomic.Int64

	startTime time.Time
	running   atomic.Bool
	mu        sync.RWMutex

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewArrivalRate creates an arrival-rate executor of type t.
func NewArrivalRate(t Type) *ArrivalRate {
	return &ArrivalRate{typ: t, stopCh: make(chan struct{})}
}

// Type returns the executor type.
func (e *ArrivalRate) Type() Type {
	return e.typ
}

// Init initializes the executor with configuration.
func (e *ArrivalRate) Init(config *Config) error {
	if config.Type != e.typ {
		return fmt.Errorf("invalid config type: expected %s, got %s", e.typ, config.Type)
	}
	if err := config.Validate(); err != nil {
		return err
	}
	schedule, err := config.Schedule()
	if err != nil {
		return err
	}
	e.config = config
	e.schedule = schedule
	return nil
}

// Run issues arrivals until the schedule ends, then drains.
func (e *ArrivalRate) Run(ctx context.Context, rt *Runtime) error {
	if e.schedule == nil {
		return fmt.Errorf("executor %s not initialized", e.typ)
	}

	logger := rt.logger().With(zap.String("stage", e.config.Name), zap.String("executor", string(e.typ)))
	pool := NewSlotPool(e.config.PreAllocatedVUs, e.config.MaxVUs, rt.NewVU)
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
		zap.Int64("arrivals", e.schedule.Total()),
		zap.Duration("duration", e.schedule.Duration()),
		zap.Int("maxVUs", e.config.MaxVUs))

	var wg sync.WaitGroup
	e.issue(ctx, rt, pool, sessionCtx, &wg, logger)

	drain(pool, &wg, e.config.gracefulStop(), hardCancel, logger)
	rt.Metrics.SetGauge(metrics.VUs, 0, rt.Tags)

	logger.Info("stage finished",
		zap.Int64("started", e.started.Load()),
		zap.Int64("missed", e.missed.Load()),
		zap.Int("peakVUs", pool.Peak()))
	return nil
}

// issue walks the schedule until it ends, the stage is stopped or ctx is
// done.
func (e *ArrivalRate) issue(ctx context.Context, rt *Runtime, pool *SlotPool, sessionCtx context.Context, wg *sync.WaitGroup, logger *zap.Logger) {
	start := e.startTime
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	wait := func(until time.Time) bool {
		d := time.Until(until)
		if d <= 0 {
			select {
			case <-ctx.Done():
				return false
			case <-e.stopCh:
				return false
			default:
				return true
			}
		}
		timer.Reset(d)
		select {
		case <-ctx.Done():
			return false
		case <-e.stopCh:
			return false
		case <-timer.C:
			return true
		}
	}

	for n := int64(0); ; n++ {
		offset, ok := e.schedule.Offset(n)
		if !ok {
			break
		}
		if !wait(start.Add(offset)) {
			return
		}

		vu, ok := pool.TryAcquire()
		if !ok {
			e.missed.Add(1)
			rt.Metrics.RecordDropped(rt.Tags)
			logger.Debug("missed arrival", zap.Int64("arrival", n), zap.Int("active", pool.Active()))
			continue
		}

		e.started.Add(1)
		rt.Metrics.SetGauge(metrics.VUs, int64(pool.Active()), rt.Tags)
		wg.Add(1)
		go e.runSession(sessionCtx, rt, pool, vu, wg)
	}

	// The stage lasts its full duration even when the last arrival is
	// due earlier.
	wait(start.Add(e.schedule.Duration()))
}

func (e *ArrivalRate) runSession(ctx context.Context, rt *Runtime, pool *SlotPool, vu *session.VirtualUser, wg *sync.WaitGroup) {
	defer wg.Done()
	defer func() {
		pool.Release(vu)
		rt.Metrics.SetGauge(metrics.VUs, int64(pool.Active()), rt.Tags)
	}()

	if out := rt.Journey.Run(ctx, vu); out.Completed {
		e.completed.Add(1)
	}
}

// drain stops every slot, gives in-flight sessions the graceful window to
// finish their current step, cancels them after it, and tears the slots
// down.
func drain(pool *SlotPool, wg *sync.WaitGroup, graceful time.Duration, hardCancel context.CancelFunc, logger *zap.Logger) {
	pool.StopAll()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(graceful)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		logger.Warn("graceful stop expired, cancelling in-flight sessions",
			zap.Duration("gracefulStop", graceful),
			zap.Int("active", pool.Active()))
		hardCancel()
		<-done
	}

	pool.Close()
}

// GetProgress returns current progress (0.0 to 1.0).
func (e *ArrivalRate) GetProgress() float64 {
	e.mu.RLock()
	start := e.startTime
	e.mu.RUnlock()

	if !e.running.Load() {
		if start.IsZero() {
			return 0.0
		}
		return 1.0
	}

	progress := float64(time.Since(start)) / float64(e.schedule.Duration())
	if progress > 1.0 {
		progress = 1.0
	}
	return progress
}

// GetStats returns executor statistics.
func (e *ArrivalRate) GetStats() *Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	stats := &Stats{
		StartTime: e.startTime,
		Started:   e.started.Load(),
		Missed:    e.missed.Load(),
		Completed: e.completed.Load(),
	}
	if e.config != nil {
		stats.TotalDuration = e.config.TotalDuration()
		stats.MaxVUs = e.config.MaxVUs
	}
	if !e.startTime.IsZero() {
		stats.Elapsed = time.Since(e.startTime)
		if e.schedule != nil && e.running.Load() {
			stats.CurrentRate = e.schedule.Rate(stats.Elapsed)
		}
	}
	if e.pool != nil {
		stats.ActiveVUs = e.pool.Active()
		stats.AllocatedVUs = e.pool.Allocated()
		stats.PeakVUs = e.pool.Peak()
	}
	return stats
}

// Stop ends the stage early.
func (e *ArrivalRate) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// Ensure ArrivalRate implements Executor
var _ Executor = (*ArrivalRate)(nil)
