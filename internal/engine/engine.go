// Package engine runs a profile: it loads the fixtures, builds one executor
// per stage, drives the stage plan and turns the recorded metrics into a
// verdict.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/wesleyorama2/volley/internal/config"
	"github.com/wesleyorama2/volley/internal/executor"
	"github.com/wesleyorama2/volley/internal/fixture"
	"github.com/wesleyorama2/volley/internal/metrics"
	"github.com/wesleyorama2/volley/internal/protocol"
	"github.com/wesleyorama2/volley/internal/session"
	"github.com/wesleyorama2/volley/internal/workload"
)

// Process exit codes.
const (
	ExitPassed           = 0
	ExitError            = 1
	ExitInvalid          = 2
	ExitThresholdsFailed = 99
)

// ErrAlreadyRunning is returned when Run is called twice.
var ErrAlreadyRunning = errors.New("engine is already running")

// Engine orchestrates a load test run.
type Engine struct {
	profile *config.Profile
	logger  *zap.Logger

	fixtures    *fixture.Store
	httpClient  *http.Client
	dialOptions []grpc.DialOption
	seed        uint64

	registry   *metrics.Registry
	thresholds []metrics.Threshold

	mu      sync.Mutex
	running bool
	stopped bool
	plan    *executor.Plan
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithFixtures uses an already loaded store instead of reading the
// fixtures directory.
func WithFixtures(s *fixture.Store) Option {
	return func(e *Engine) { e.fixtures = s }
}

// WithHTTPClient replaces the client used for the challenge API.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.httpClient = c }
}

// WithDialOptions adds options to every event handler connection.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(e *Engine) { e.dialOptions = append(e.dialOptions, opts...) }
}

// NewEngine validates the profile and prepares a run.
func NewEngine(p *config.Profile, opts ...Option) (*Engine, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: no profile", config.ErrInvalidConfig)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	thresholds, err := metrics.ParseThresholds(p.Thresholds)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}

	e := &Engine{
		profile:    p,
		logger:     zap.NewNop(),
		thresholds: thresholds,
		seed:       p.Settings.Seed,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.seed == 0 {
		e.seed = uint64(time.Now().UnixNano())
	}
	e.logger = e.logger.With(zap.String("component", "engine"), zap.String("profile", p.Name))
	return e, nil
}

// Seed is the seed every VU random source derives from.
func (e *Engine) Seed() uint64 {
	return e.seed
}

// Registry returns the metrics of the current or last run.
func (e *Engine) Registry() *metrics.Registry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registry
}

// Run executes the profile and blocks until every stage has finished or
// ctx is canceled. The result is non-nil whenever scheduling started.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	e.running = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.stopped = false
		e.plan = nil
		e.mu.Unlock()
	}()

	if e.fixtures == nil {
		store, err := fixture.Load(fixture.DirSource(e.profile.Settings.FixturesDir))
		if err != nil {
			return nil, err
		}
		e.fixtures = store
	}
	e.logger.Info("fixtures loaded", zap.Int("records", e.fixtures.Len()), zap.Int("challenges", len(e.fixtures.Challenges())))

	reg := metrics.NewRegistry()
	evaluator, err := metrics.NewEvaluator(reg, e.thresholds, e.logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}

	unary := e.newUnary()
	defer unary.CloseIdleConnections()

	stages, err := e.buildStages(reg, unary)
	if err != nil {
		return nil, err
	}
	plan, err := executor.NewPlan(e.logger, stages...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}

	e.mu.Lock()
	e.registry = reg
	e.plan = plan
	stopped := e.stopped
	e.mu.Unlock()
	if stopped {
		plan.Stop()
	}

	if addr := e.profile.Settings.MetricsAddr; addr != "" {
		_, stop, err := serveMetrics(addr, reg, e.logger)
		if err != nil {
			return nil, err
		}
		defer stop()
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go evaluator.Watch(watchCtx, e.profile.Settings.WatchInterval.Or(config.DefaultWatchInterval))

	e.logger.Info("run started",
		zap.Int("stages", len(stages)),
		zap.Duration("span", plan.Span()),
		zap.Uint64("seed", e.seed))

	start := time.Now()
	stageResults := plan.Run(ctx)
	reg.Stop()
	stopWatch()

	e.mu.Lock()
	interrupted := e.stopped || ctx.Err() != nil
	e.mu.Unlock()

	thresholdResults := evaluator.Evaluate()
	result := &Result{
		Name:        e.profile.Name,
		Description: e.profile.Description,
		Seed:        e.seed,
		StartTime:   start,
		EndTime:     time.Now(),
		Duration:    time.Since(start),
		Stages:      stageResults,
		Thresholds:  thresholdResults,
		Summary:     Summarize(reg),
		Passed:      metrics.Passed(thresholdResults),
		Interrupted: interrupted,
	}

	var runErr error
	for _, sr := range stageResults {
		if sr.Error != "" {
			runErr = errors.Join(runErr, fmt.Errorf("stage %s: %s", sr.Name, sr.Error))
		}
	}
	if runErr != nil {
		result.Error = runErr.Error()
	}

	e.logger.Info("run finished",
		zap.Duration("duration", result.Duration),
		zap.Bool("passed", result.Passed),
		zap.Bool("interrupted", result.Interrupted))
	return result, runErr
}

// Stop ends every running stage early and skips stages not yet started.
// In-flight sessions drain as at the natural end of a stage.
func (e *Engine) Stop() {
	e.mu.Lock()
	plan := e.plan
	if e.running {
		e.stopped = true
	}
	e.mu.Unlock()
	if plan != nil {
		plan.Stop()
	}
}

// buildStages creates the executor and runtime of every stage. VU ids are
// offset per stage so concurrent stages draw distinct identities.
func (e *Engine) buildStages(reg *metrics.Registry, unary *protocol.Unary) ([]executor.Planned, error) {
	s := e.profile.Settings
	rpc := e.rpcConfigs()

	planned := make([]executor.Planned, 0, len(e.profile.Stages))
	offset := 0
	for _, st := range e.profile.Stages {
		journey, err := workload.Build(st.Workload, workload.Options{
			Namespace:      s.Namespace,
			ChallengeID:    s.ChallengeID,
			BatchGoals:     s.BatchGoals,
			Challenges:     e.fixtures.Challenges(),
			RandomIdentity: s.RandomIdentity,
			ThinkScale:     s.ThinkScale,
			Requests:       e.profile.Requests,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: stage %s: %v", config.ErrInvalidConfig, st.Name, err)
		}

		cfg := st.ExecutorConfig()
		exec, err := executor.CreateAndInit(cfg)
		if err != nil {
			return nil, fmt.Errorf("%w: stage %s: %v", config.ErrInvalidConfig, st.Name, err)
		}

		tags := metrics.Tags{"scenario": st.Name, "namespace": namespace(s.Namespace)}.Merge(st.Tags)
		logger := e.logger.With(zap.String("stage", st.Name))
		env := &session.Env{
			Fixtures: e.fixtures,
			HTTP:     unary,
			RPC:      rpc,
			Recorder: reg,
			Logger:   logger,
			Seed:     e.seed,
			Tags:     tags,
			Vars:     e.profile.Variables,
		}
		base := offset
		planned = append(planned, executor.Planned{
			Config:   cfg,
			Executor: exec,
			Runtime: &executor.Runtime{
				Journey: journey,
				NewVU: func(id int) *session.VirtualUser {
					return session.NewVirtualUser(base+id, env)
				},
				Metrics: reg,
				Tags:    tags,
				Logger:  logger,
			},
		})
		offset += slots(cfg)
	}
	return planned, nil
}

func (e *Engine) newUnary() *protocol.Unary {
	s := e.profile.Settings
	tc := protocol.DefaultTransportConfig()
	tc.Timeout = s.Timeout.Or(config.DefaultTimeout)
	if s.MaxIdleConnsPerHost > 0 {
		tc.MaxIdleConnsPerHost = s.MaxIdleConnsPerHost
	}
	tc.MaxConnsPerHost = s.MaxConnsPerHost
	tc.InsecureSkipVerify = s.InsecureSkipVerify

	opts := workload.ContractOptions()
	if e.httpClient != nil {
		opts = append(opts, protocol.WithHTTPClient(e.httpClient))
	}
	keys := make([]string, 0, len(s.Headers))
	for k := range s.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		opts = append(opts, protocol.WithDefaultHeader(k, s.Headers[k]))
	}
	return protocol.NewUnary(s.BaseURL, tc, opts...)
}

func (e *Engine) rpcConfigs() map[string]protocol.RPCConfig {
	s := e.profile.Settings
	security := protocol.SecurityPlaintext
	if s.RPCSecure {
		security = protocol.SecuritySecure
	}
	cfg := protocol.RPCConfig{
		Address:            s.EventHandlerAddr,
		Security:           security,
		InsecureSkipVerify: s.InsecureSkipVerify,
		ConnectTimeout:     s.ConnectTimeout.Or(config.DefaultConnectTimeout),
		Timeout:            s.Timeout.Or(config.DefaultTimeout),
		DialOptions:        e.dialOptions,
	}
	return map[string]protocol.RPCConfig{
		workload.ConnLogin: cfg,
		workload.ConnStat:  cfg,
	}
}

func namespace(ns string) string {
	if ns == "" {
		return workload.DefaultNamespace
	}
	return ns
}

// slots is the most VUs a stage can allocate.
func slots(cfg *executor.Config) int {
	if cfg.Type == executor.TypePerVUIterations {
		return cfg.VUs
	}
	return max(cfg.MaxVUs, cfg.PreAllocatedVUs)
}

// serveMetrics exposes the registry on addr until the returned func is
// called. It returns the bound address.
func serveMetrics(addr string, reg *metrics.Registry, logger *zap.Logger) (string, func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, fmt.Errorf("metrics listener: %w", err)
	}

	r := mux.NewRouter()
	r.Handle("/metrics", metrics.Handler(reg)).Methods(http.MethodGet)
	srv := &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))

	return ln.Addr().String(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
