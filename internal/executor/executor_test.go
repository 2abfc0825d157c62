package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/volley/internal/metrics"
	"github.com/wesleyorama2/volley/internal/session"
)

// testRuntime runs a single-step journey that holds its slot for hold.
func testRuntime(reg *metrics.Registry, hold time.Duration, tags metrics.Tags) (*Runtime, *vuTracker) {
	tracker := &vuTracker{}
	env := &session.Env{Recorder: reg, Tags: tags}
	rt := &Runtime{
		Journey: &session.Journey{
			Name: "test",
			Steps: []session.Step{{
				Name: "hold",
				Run: func(ctx context.Context, vu *session.VirtualUser) error {
					select {
					case <-time.After(hold):
					case <-ctx.Done():
						return ctx.Err()
					}
					return nil
				},
			}},
		},
		NewVU: func(id int) *session.VirtualUser {
			vu := session.NewVirtualUser(id, env)
			tracker.add(vu)
			return vu
		},
		Metrics: reg,
		Tags:    tags,
	}
	return rt, tracker
}

type vuTracker struct {
	mu  sync.Mutex
	vus []*session.VirtualUser
}

func (t *vuTracker) add(vu *session.VirtualUser) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.vus = append(t.vus, vu)
}

func (t *vuTracker) all() []*session.VirtualUser {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*session.VirtualUser(nil), t.vus...)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"constant ok", Config{Name: "a", Type: TypeConstantArrivalRate, Rate: 10, Duration: time.Second, MaxVUs: 5}, ""},
		{"missing name", Config{Type: TypeConstantArrivalRate, Rate: 10, Duration: time.Second, MaxVUs: 5}, "name"},
		{"missing type", Config{Name: "a"}, "type"},
		{"unknown type", Config{Name: "a", Type: "constant-vus"}, "type"},
		{"zero rate", Config{Name: "a", Type: TypeConstantArrivalRate, Duration: time.Second, MaxVUs: 5}, "rate"},
		{"no duration", Config{Name: "a", Type: TypeConstantArrivalRate, Rate: 1, MaxVUs: 5}, "duration"},
		{"no maxVUs", Config{Name: "a", Type: TypeConstantArrivalRate, Rate: 1, Duration: time.Second}, "maxVUs"},
		{"prealloc over max", Config{Name: "a", Type: TypeConstantArrivalRate, Rate: 1, Duration: time.Second, MaxVUs: 2, PreAllocatedVUs: 3}, "preAllocatedVUs"},
		{"ramping ok from zero", Config{Name: "a", Type: TypeRampingArrivalRate, Stages: []Stage{{Duration: time.Second, Target: 5}}, MaxVUs: 1}, ""},
		{"ramping no stages", Config{Name: "a", Type: TypeRampingArrivalRate, MaxVUs: 1}, "stages"},
		{"ramping negative target", Config{Name: "a", Type: TypeRampingArrivalRate, Stages: []Stage{{Duration: time.Second, Target: -1}}, MaxVUs: 1}, "stages[0].target"},
		{"per-vu ok", Config{Name: "a", Type: TypePerVUIterations, VUs: 2, Iterations: 1}, ""},
		{"per-vu no vus", Config{Name: "a", Type: TypePerVUIterations, Iterations: 1}, "vus"},
		{"per-vu no iterations", Config{Name: "a", Type: TypePerVUIterations, VUs: 1}, "iterations"},
		{"negative startTime", Config{Name: "a", Type: TypePerVUIterations, VUs: 1, Iterations: 1, StartTime: -time.Second}, "startTime"},
		{"after itself", Config{Name: "a", Type: TypePerVUIterations, VUs: 1, Iterations: 1, After: "a"}, "after"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			var ve *ValidationError
			require.True(t, errors.As(err, &ve), "Validate() error = %v, want *ValidationError", err)
			assert.Equal(t, tt.wantErr, ve.Field)
		})
	}
}

func TestConfig_TotalDuration(t *testing.T) {
	ramp := Config{Type: TypeRampingArrivalRate, Stages: []Stage{{Duration: 2 * time.Minute}, {Duration: 3 * time.Minute}}}
	assert.Equal(t, 5*time.Minute, ramp.TotalDuration())

	perVU := Config{Type: TypePerVUIterations}
	assert.Equal(t, DefaultMaxDuration, perVU.TotalDuration())
}

func TestNew(t *testing.T) {
	for _, typ := range []Type{TypeConstantArrivalRate, TypeRampingArrivalRate, TypePerVUIterations} {
		exec, err := New(typ)
		require.NoError(t, err)
		assert.Equal(t, typ, exec.Type())
	}
	_, err := New("shared-iterations")
	assert.Error(t, err)

	_, err = CreateAndInit(&Config{Name: "x", Type: TypeConstantArrivalRate})
	assert.Error(t, err)

	exec := NewArrivalRate(TypeConstantArrivalRate)
	err = exec.Init(&Config{Name: "x", Type: TypePerVUIterations, VUs: 1, Iterations: 1})
	assert.Error(t, err, "type mismatch")
}

// A fast journey at 10/s for one second with plenty of slots starts about
// ten sessions and misses none.
func TestArrivalRate_ConstantRateWithFreeSlots(t *testing.T) {
	reg := metrics.NewRegistry()
	rt, _ := testRuntime(reg, time.Millisecond, metrics.Tags{"scenario": "test"})

	exec, err := CreateAndInit(&Config{
		Name:            "constant",
		Type:            TypeConstantArrivalRate,
		Rate:            10,
		Duration:        time.Second,
		PreAllocatedVUs: 2,
		MaxVUs:          100,
		GracefulStop:    time.Second,
	})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, exec.Run(context.Background(), rt))
	elapsed := time.Since(start)

	stats := exec.GetStats()
	assert.InDelta(t, 10, stats.Started, 1)
	assert.Equal(t, int64(0), stats.Missed)
	assert.True(t, reg.Query(metrics.DroppedIterations, nil).Empty())
	assert.InDelta(t, 10, reg.Query(metrics.Iterations, metrics.Tags{"scenario": "test"}).Count, 1)
	assert.GreaterOrEqual(t, elapsed, 950*time.Millisecond, "stage lasts its full duration")
	assert.Equal(t, 1.0, exec.GetProgress())
}

// At 1000/s with five slots held 100ms each, most ticks find no slot.
func TestArrivalRate_SaturatedPoolMissesArrivals(t *testing.T) {
	reg := metrics.NewRegistry()
	var concurrent, peak atomic.Int64
	rt, tracker := testRuntime(reg, 100*time.Millisecond, nil)
	inner := rt.Journey.Steps[0].Run
	rt.Journey.Steps[0].Run = func(ctx context.Context, vu *session.VirtualUser) error {
		n := concurrent.Add(1)
		defer concurrent.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		return inner(ctx, vu)
	}

	exec, err := CreateAndInit(&Config{
		Name:            "saturated",
		Type:            TypeConstantArrivalRate,
		Rate:            1000,
		Duration:        500 * time.Millisecond,
		PreAllocatedVUs: 5,
		MaxVUs:          5,
		GracefulStop:    time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, exec.Run(context.Background(), rt))

	stats := exec.GetStats()
	assert.LessOrEqual(t, peak.Load(), int64(5))
	assert.LessOrEqual(t, stats.PeakVUs, 5)
	assert.Len(t, tracker.all(), 5, "no slot beyond maxVUs is ever allocated")
	assert.Greater(t, stats.Missed, stats.Started, "most ticks are missed")
	assert.Equal(t, int64(500), stats.Started+stats.Missed, "every tick is either started or missed")
	assert.Equal(t, stats.Missed, reg.Query(metrics.DroppedIterations, nil).Count)
	assert.Equal(t, int64(5), reg.Query(metrics.VUs, nil).Peak)
}

func TestArrivalRate_Ramping(t *testing.T) {
	reg := metrics.NewRegistry()
	rt, _ := testRuntime(reg, 0, nil)

	// 0 -> 100/s over 500ms is 25 arrivals.
	exec, err := CreateAndInit(&Config{
		Name:         "ramp",
		Type:         TypeRampingArrivalRate,
		Stages:       []Stage{{Duration: 500 * time.Millisecond, Target: 100}},
		MaxVUs:       10,
		GracefulStop: time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, exec.Run(context.Background(), rt))

	stats := exec.GetStats()
	assert.Equal(t, int64(25), stats.Started+stats.Missed)
	assert.Equal(t, int64(0), stats.Missed)
}

func TestArrivalRate_GracefulStopCancelsStragglers(t *testing.T) {
	reg := metrics.NewRegistry()
	rt, tracker := testRuntime(reg, time.Hour, nil)

	exec, err := CreateAndInit(&Config{
		Name:         "stragglers",
		Type:         TypeConstantArrivalRate,
		Rate:         20,
		Duration:     100 * time.Millisecond,
		MaxVUs:       10,
		GracefulStop: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, exec.Run(context.Background(), rt))
	assert.Less(t, time.Since(start), time.Second)

	vus := tracker.all()
	require.NotEmpty(t, vus)
	for _, vu := range vus {
		assert.Equal(t, session.VUStateStopped, vu.GetState(), "slots are torn down at stage end")
	}
	assert.Equal(t, int64(0), exec.GetStats().Completed)
}

func TestArrivalRate_Stop(t *testing.T) {
	reg := metrics.NewRegistry()
	rt, _ := testRuntime(reg, 0, nil)

	exec, err := CreateAndInit(&Config{
		Name:         "long",
		Type:         TypeConstantArrivalRate,
		Rate:         10,
		Duration:     time.Hour,
		MaxVUs:       2,
		GracefulStop: time.Second,
	})
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		exec.Stop()
	}()

	start := time.Now()
	require.NoError(t, exec.Run(context.Background(), rt))
	assert.Less(t, time.Since(start), time.Second)
}

// Cancelling the run context ends arrivals but lets the in-flight session
// finish its step within the graceful window.
func TestArrivalRate_CancelledRunDrainsInFlight(t *testing.T) {
	reg := metrics.NewRegistry()
	rt, _ := testRuntime(reg, 300*time.Millisecond, nil)

	exec, err := CreateAndInit(&Config{
		Name:         "cancelled",
		Type:         TypeConstantArrivalRate,
		Rate:         1,
		Duration:     time.Hour,
		MaxVUs:       1,
		GracefulStop: 5 * time.Second,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	require.NoError(t, exec.Run(ctx, rt))
	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond, "the step is not aborted")

	stats := exec.GetStats()
	assert.Equal(t, int64(1), stats.Started)
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, int64(1), reg.Query(metrics.Iterations, nil).Count)
}

func TestPerVUIterations_CancelledRunDrainsInFlight(t *testing.T) {
	reg := metrics.NewRegistry()
	rt, _ := testRuntime(reg, 200*time.Millisecond, nil)

	exec, err := CreateAndInit(&Config{
		Name:         "cancelled",
		Type:         TypePerVUIterations,
		VUs:          2,
		Iterations:   10,
		GracefulStop: 5 * time.Second,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, exec.Run(ctx, rt))

	stats := exec.GetStats()
	assert.Equal(t, int64(2), stats.Started, "no iteration starts after the cancel")
	assert.Equal(t, int64(2), stats.Completed)
	assert.Equal(t, int64(2), reg.Query(metrics.Iterations, nil).Count)
}

func TestPerVUIterations_RunsEveryIteration(t *testing.T) {
	reg := metrics.NewRegistry()
	var perVU sync.Map
	rt, tracker := testRuntime(reg, 0, nil)
	rt.Journey.Steps[0].Run = func(_ context.Context, vu *session.VirtualUser) error {
		n, _ := perVU.LoadOrStore(vu.ID, new(atomic.Int64))
		n.(*atomic.Int64).Add(1)
		return nil
	}

	exec, err := CreateAndInit(&Config{Name: "sessions", Type: TypePerVUIterations, VUs: 3, Iterations: 4})
	require.NoError(t, err)
	require.NoError(t, exec.Run(context.Background(), rt))

	stats := exec.GetStats()
	assert.Equal(t, int64(12), stats.Started)
	assert.Equal(t, int64(12), stats.Completed)
	assert.Len(t, tracker.all(), 3)
	for id := 0; id < 3; id++ {
		n, ok := perVU.Load(id)
		require.True(t, ok, "vu %d never ran", id)
		assert.Equal(t, int64(4), n.(*atomic.Int64).Load())
	}
	assert.Equal(t, int64(12), reg.Query(metrics.Iterations, nil).Count)
}

func TestPerVUIterations_MaxDuration(t *testing.T) {
	reg := metrics.NewRegistry()
	rt, _ := testRuntime(reg, 20*time.Millisecond, nil)

	exec, err := CreateAndInit(&Config{
		Name:         "bounded",
		Type:         TypePerVUIterations,
		VUs:          2,
		Iterations:   1000,
		MaxDuration:  150 * time.Millisecond,
		GracefulStop: time.Second,
	})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, exec.Run(context.Background(), rt))
	assert.Less(t, time.Since(start), time.Second)

	stats := exec.GetStats()
	assert.Less(t, stats.Started, int64(2000))
	assert.Greater(t, stats.Started, int64(0))
}

func TestSlotPool(t *testing.T) {
	created := 0
	pool := NewSlotPool(2, 3, func(id int) *session.VirtualUser {
		created++
		return session.NewVirtualUser(id, &session.Env{})
	})
	assert.Equal(t, 2, created, "preallocated up front")
	assert.Equal(t, 2, pool.Allocated())

	a, ok := pool.TryAcquire()
	require.True(t, ok)
	b, ok := pool.TryAcquire()
	require.True(t, ok)
	c, ok := pool.TryAcquire()
	require.True(t, ok, "grows lazily up to max")
	assert.Equal(t, 3, created)

	_, ok = pool.TryAcquire()
	assert.False(t, ok, "never exceeds max")
	assert.Equal(t, 3, pool.Active())

	pool.Release(b)
	again, ok := pool.TryAcquire()
	require.True(t, ok)
	assert.Same(t, b, again, "released slots are reused")
	assert.Equal(t, 3, created)

	pool.Release(a)
	pool.Release(c)
	pool.Release(again)
	assert.Equal(t, 0, pool.Active())
	assert.Equal(t, 3, pool.Peak())

	pool.StopAll()
	assert.True(t, a.Stopping())
	pool.Close()
	assert.Equal(t, session.VUStateStopped, a.GetState())
}
