package engine

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/wesleyorama2/volley/internal/config"
	"github.com/wesleyorama2/volley/internal/fixture"
	"github.com/wesleyorama2/volley/internal/metrics"
	"github.com/wesleyorama2/volley/internal/mocktarget"
	"github.com/wesleyorama2/volley/internal/workload"
)

const (
	testUsers  = `[{"id":"user-0"},{"id":"user-1"},{"id":"user-2"},{"id":"user-3"}]`
	testTokens = `["tok-0","tok-1","tok-2","tok-3"]`
)

type target struct {
	mock    *mocktarget.Server
	baseURL string
	dial    grpc.DialOption
}

func newTarget(t *testing.T, cfg mocktarget.Config) *target {
	t.Helper()
	cfg.Prefix = "/challenge"
	mock := mocktarget.New(cfg)

	srv := httptest.NewServer(mock.Handler())
	t.Cleanup(srv.Close)

	lis := bufconn.Listen(1 << 20)
	grpcSrv := mock.GRPCServer()
	go func() { _ = grpcSrv.Serve(lis) }()
	t.Cleanup(grpcSrv.Stop)

	return &target{
		mock:    mock,
		baseURL: srv.URL + "/challenge",
		dial: grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	}
}

func (tg *target) profile(stages ...config.StageConfig) *config.Profile {
	p := &config.Profile{
		Name:   "test",
		Stages: stages,
		Settings: config.Settings{
			BaseURL:          tg.baseURL,
			EventHandlerAddr: "passthrough:///bufnet",
			Seed:             42,
			ThinkScale:       0.0001,
			Timeout:          config.Duration(5 * time.Second),
		},
		Thresholds: map[string][]string{},
	}
	return p
}

func (tg *target) engine(t *testing.T, p *config.Profile) *Engine {
	t.Helper()
	store, err := fixture.LoadReaders(strings.NewReader(testUsers), strings.NewReader(testTokens), nil)
	require.NoError(t, err)

	e, err := NewEngine(p, WithFixtures(store), WithDialOptions(tg.dial), WithLogger(zap.NewNop()))
	require.NoError(t, err)
	return e
}

func run(t *testing.T, e *Engine) *Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	res, err := e.Run(ctx)
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func TestEngine_ConstantRate(t *testing.T) {
	tg := newTarget(t, mocktarget.Config{Seed: 1})
	p := tg.profile(config.StageConfig{
		Name:            "init",
		Workload:        workload.Initialize,
		Executor:        "constant-arrival-rate",
		Rate:            10,
		Duration:        config.Duration(time.Second),
		PreAllocatedVUs: 10,
		MaxVUs:          100,
	})
	p.Thresholds["http_req_failed"] = []string{"rate<0.01"}

	res := run(t, tg.engine(t, p))
	require.Len(t, res.Stages, 1)
	stats := res.Stages[0].Stats
	assert.InDelta(t, 10, stats.Started, 1)
	assert.Zero(t, stats.Missed)

	assert.True(t, res.Passed)
	assert.Equal(t, ExitPassed, ExitCode(res, nil))

	reqs, ok := res.Summary.Metric(metrics.HTTPReqs)
	require.True(t, ok)
	assert.Equal(t, stats.Started, reqs.Count)
	_, ok = res.Summary.Metric(metrics.DroppedIterations)
	assert.False(t, ok, "no missed arrivals recorded")

	require.NotEmpty(t, res.Summary.Endpoints)
	assert.Equal(t, workload.TagInitialize, res.Summary.Endpoints[0].Endpoint)
}

func TestEngine_SaturatedStageMissesArrivals(t *testing.T) {
	tg := newTarget(t, mocktarget.Config{Seed: 1, Latency: 100 * time.Millisecond})
	p := tg.profile(config.StageConfig{
		Name:     "flood",
		Workload: workload.Initialize,
		Executor: "constant-arrival-rate",
		Rate:     1000,
		Duration: config.Duration(500 * time.Millisecond),
		MaxVUs:   5,
	})

	res := run(t, tg.engine(t, p))
	stats := res.Stages[0].Stats
	assert.LessOrEqual(t, stats.PeakVUs, 5)
	assert.Greater(t, stats.Missed, stats.Started, "most ticks find no free slot")

	dropped, ok := res.Summary.Metric(metrics.DroppedIterations)
	require.True(t, ok)
	assert.Equal(t, stats.Missed, dropped.Count)

	failed, ok := res.Summary.Metric(metrics.HTTPReqFailed)
	require.True(t, ok)
	assert.Zero(t, failed.Rate, "missed arrivals are not call failures")
}

func TestEngine_ThresholdsFail(t *testing.T) {
	tg := newTarget(t, mocktarget.Config{Seed: 1, Latency: 20 * time.Millisecond})
	p := tg.profile(config.StageConfig{
		Name: "visits", Workload: workload.Initialize, Executor: "per-vu-iterations", VUs: 2, Iterations: 2,
	})
	p.Thresholds["http_req_duration{endpoint:initialize}"] = []string{"p(95)<5"}
	p.Thresholds["checks"] = []string{"rate>0.9"}

	res := run(t, tg.engine(t, p))
	assert.False(t, res.Passed)
	assert.Equal(t, ExitThresholdsFailed, ExitCode(res, nil))

	byName := map[string]metrics.ThresholdResult{}
	for _, r := range res.Thresholds {
		byName[r.Name+" "+r.Expr] = r
	}
	assert.False(t, byName["http_req_duration{endpoint:initialize} p(95)<5"].Passed)
	assert.True(t, byName["checks rate>0.9"].Passed)
}

func TestEngine_EventsOverRPC(t *testing.T) {
	tg := newTarget(t, mocktarget.Config{Seed: 1})
	p := tg.profile(config.StageConfig{
		Name: "events", Workload: workload.Events, Executor: "per-vu-iterations", VUs: 2, Iterations: 5,
	})
	p.Thresholds["grpc_req_failed"] = []string{"rate<0.01"}

	res := run(t, tg.engine(t, p))
	assert.True(t, res.Passed)

	reqs, ok := res.Summary.Metric(metrics.GRPCReqs)
	require.True(t, ok)
	assert.Equal(t, int64(10), reqs.Count)

	stats := tg.mock.Stats()
	var events int64
	for _, n := range stats.Events {
		events += n
	}
	assert.Equal(t, int64(10), events)
	assert.Zero(t, stats.Requests[mocktarget.RouteInitialize], "events never call the API")
}

func TestEngine_StagesAreTagged(t *testing.T) {
	tg := newTarget(t, mocktarget.Config{Seed: 1})
	p := tg.profile(
		config.StageConfig{
			Name: "warmup", Workload: workload.Initialize, Executor: "per-vu-iterations", VUs: 1, Iterations: 2,
			Tags: map[string]string{"phase": "warmup"},
		},
		config.StageConfig{
			Name: "main", Workload: workload.API, Executor: "per-vu-iterations", VUs: 2, Iterations: 1,
			After: "warmup",
		},
	)
	p.Settings.Namespace = "loadtest"

	e := tg.engine(t, p)
	res := run(t, e)
	require.Len(t, res.Stages, 2)
	assert.False(t, res.Stages[1].StartedAt.Before(res.Stages[0].StartedAt.Add(res.Stages[0].Duration)))

	reg := e.Registry()
	assert.Equal(t, int64(2), reg.Query(metrics.Iterations, metrics.Tags{"phase": "warmup"}).Count)
	assert.Equal(t, int64(2), reg.Query(metrics.Iterations, metrics.Tags{"scenario": "main"}).Count)
	assert.Equal(t, int64(4), reg.Query(metrics.Iterations, metrics.Tags{"namespace": "loadtest"}).Count)
}

func TestEngine_Cancelled(t *testing.T) {
	tg := newTarget(t, mocktarget.Config{Seed: 1})
	p := tg.profile(config.StageConfig{
		Name: "long", Workload: workload.Initialize, Executor: "constant-arrival-rate",
		Rate: 20, Duration: config.Duration(time.Minute), MaxVUs: 5,
		GracefulStop: config.Duration(time.Second),
	})
	e := tg.engine(t, p)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	start := time.Now()
	res, err := e.Run(ctx)
	require.NoError(t, err)
	assert.True(t, res.Interrupted)
	assert.Less(t, time.Since(start), 10*time.Second)
}

type closeCountingTransport struct {
	http.RoundTripper
	closes atomic.Int32
}

func (c *closeCountingTransport) CloseIdleConnections() { c.closes.Add(1) }

func TestEngine_ReleasesIdleConnections(t *testing.T) {
	tg := newTarget(t, mocktarget.Config{Seed: 1})
	p := tg.profile(config.StageConfig{
		Name: "init", Workload: workload.Initialize, Executor: "per-vu-iterations", VUs: 1, Iterations: 1,
	})
	store, err := fixture.LoadReaders(strings.NewReader(testUsers), strings.NewReader(testTokens), nil)
	require.NoError(t, err)

	transport := &closeCountingTransport{RoundTripper: http.DefaultTransport}
	e, err := NewEngine(p, WithFixtures(store), WithDialOptions(tg.dial), WithLogger(zap.NewNop()),
		WithHTTPClient(&http.Client{Transport: transport}))
	require.NoError(t, err)

	res := run(t, e)
	assert.True(t, res.Passed)
	assert.GreaterOrEqual(t, transport.closes.Load(), int32(1))
}

func TestEngine_StopInterrupts(t *testing.T) {
	tg := newTarget(t, mocktarget.Config{Seed: 1})
	p := tg.profile(
		config.StageConfig{
			Name: "long", Workload: workload.Initialize, Executor: "constant-arrival-rate",
			Rate: 20, Duration: config.Duration(time.Minute), MaxVUs: 5,
			GracefulStop: config.Duration(time.Second),
		},
		config.StageConfig{
			Name: "next", Workload: workload.Initialize, Executor: "per-vu-iterations", VUs: 1, Iterations: 1,
			After: "long",
		},
	)
	e := tg.engine(t, p)

	go func() {
		time.Sleep(200 * time.Millisecond)
		e.Stop()
	}()

	start := time.Now()
	res := run(t, e)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.True(t, res.Interrupted)
	require.Len(t, res.Stages, 2)
	assert.True(t, res.Stages[1].Skipped)

	failed, ok := res.Summary.Metric(metrics.HTTPReqFailed)
	require.True(t, ok)
	assert.Zero(t, failed.Rate, "in-flight calls finish instead of being cancelled")
}

func TestEngine_FixtureFailure(t *testing.T) {
	tg := newTarget(t, mocktarget.Config{})
	p := tg.profile(config.StageConfig{
		Name: "init", Workload: workload.Initialize, Executor: "per-vu-iterations", VUs: 1, Iterations: 1,
	})
	p.Settings.FixturesDir = t.TempDir()

	e, err := NewEngine(p)
	require.NoError(t, err)
	res, err := e.Run(context.Background())
	assert.Nil(t, res)
	require.ErrorIs(t, err, fixture.ErrFixtureLoad)
	assert.Equal(t, ExitInvalid, ExitCode(res, err))
}

func TestNewEngine_InvalidProfile(t *testing.T) {
	p := &config.Profile{Name: "bad"}
	_, err := NewEngine(p)
	require.ErrorIs(t, err, config.ErrInvalidConfig)
	assert.Equal(t, ExitInvalid, ExitCode(nil, err))

	_, err = NewEngine(nil)
	require.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		res  *Result
		err  error
		want int
	}{
		{"passed", &Result{Passed: true}, nil, ExitPassed},
		{"thresholds failed", &Result{Passed: false}, nil, ExitThresholdsFailed},
		{"config", nil, config.ErrInvalidConfig, ExitInvalid},
		{"fixture", nil, &fixture.LoadError{Source: "users.json", Reason: "empty"}, ExitInvalid},
		{"runtime", &Result{Passed: true}, errors.New("stage broke"), ExitError},
		{"no result", nil, nil, ExitError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.res, tt.err))
		})
	}
}

func TestServeMetrics(t *testing.T) {
	reg := metrics.NewRegistry()
	reg.RecordIteration(10*time.Millisecond, metrics.Tags{"scenario": "init"})

	addr, stop, err := serveMetrics("127.0.0.1:0", reg, zap.NewNop())
	require.NoError(t, err)
	defer stop()

	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "iterations")
}
