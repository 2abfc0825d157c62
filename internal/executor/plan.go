package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Planned is one stage of a run: its configuration, executor and runtime.
type Planned struct {
	Config   *Config
	Executor Executor
	Runtime  *Runtime
}

// StageResult summarizes a finished stage.
type StageResult struct {
	Name      string        `json:"name"`
	Executor  Type          `json:"executor"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
	Stats     *Stats        `json:"stats"`
	Skipped   bool          `json:"skipped,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Plan starts each stage at its startTime offset, or after another stage
// ends. Stages whose windows overlap run concurrently with independent
// slot pools.
type Plan struct {
	stages []Planned
	byName map[string]int
	logger *zap.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewPlan validates stage names and after references.
func NewPlan(logger *zap.Logger, stages ...Planned) (*Plan, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Plan{
		stages: stages,
		byName: make(map[string]int, len(stages)),
		logger: logger.With(zap.String("component", "plan")),
		stopCh: make(chan struct{}),
	}
	for i, s := range stages {
		if s.Config == nil || s.Executor == nil || s.Runtime == nil {
			return nil, fmt.Errorf("stage %d is incomplete", i)
		}
		if _, dup := p.byName[s.Config.Name]; dup {
			return nil, &ValidationError{Field: "name", Message: "duplicate stage name: " + s.Config.Name}
		}
		p.byName[s.Config.Name] = i
	}
	for _, s := range stages {
		if after := s.Config.After; after != "" {
			if _, ok := p.byName[after]; !ok {
				return nil, &ValidationError{Field: "after", Message: fmt.Sprintf("stage %s starts after unknown stage %s", s.Config.Name, after)}
			}
		}
	}
	for _, s := range stages {
		if err := p.checkCycle(s.Config.Name); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Plan) checkCycle(name string) error {
	seen := map[string]bool{name: true}
	for cur := p.stages[p.byName[name]].Config.After; cur != ""; cur = p.stages[p.byName[cur]].Config.After {
		if seen[cur] {
			return &ValidationError{Field: "after", Message: "stage ordering cycle through " + name}
		}
		seen[cur] = true
	}
	return nil
}

// Stages returns the planned stages in declaration order.
func (p *Plan) Stages() []Planned {
	return p.stages
}

// Span is the scheduled length of the plan, excluding graceful stops.
func (p *Plan) Span() time.Duration {
	ends := make(map[string]time.Duration, len(p.stages))
	var end func(name string) time.Duration
	end = func(name string) time.Duration {
		if e, ok := ends[name]; ok {
			return e
		}
		cfg := p.stages[p.byName[name]].Config
		start := cfg.StartTime
		if cfg.After != "" {
			start += end(cfg.After)
		}
		ends[name] = start + cfg.TotalDuration()
		return ends[name]
	}

	var span time.Duration
	for _, s := range p.stages {
		if e := end(s.Config.Name); e > span {
			span = e
		}
	}
	return span
}

// Run executes every stage and returns their results in declaration order.
func (p *Plan) Run(ctx context.Context) []StageResult {
	results := make([]StageResult, len(p.stages))
	done := make([]chan struct{}, len(p.stages))
	for i := range done {
		done[i] = make(chan struct{})
	}

	var wg sync.WaitGroup
	for i := range p.stages {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer close(done[i])
			results[i] = p.runStage(ctx, p.stages[i], done)
		}(i)
	}
	wg.Wait()
	return results
}

func (p *Plan) runStage(ctx context.Context, s Planned, done []chan struct{}) StageResult {
	cfg := s.Config
	res := StageResult{Name: cfg.Name, Executor: cfg.Type}

	if cfg.After != "" {
		select {
		case <-done[p.byName[cfg.After]]:
		case <-ctx.Done():
			res.Skipped = true
			return res
		case <-p.stopCh:
			res.Skipped = true
			return res
		}
	}
	if cfg.StartTime > 0 {
		timer := time.NewTimer(cfg.StartTime)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			res.Skipped = true
			return res
		case <-p.stopCh:
			timer.Stop()
			res.Skipped = true
			return res
		}
	}
	// Stop may land between the waits above and the executor start.
	select {
	case <-p.stopCh:
		res.Skipped = true
		return res
	default:
	}

	res.StartedAt = time.Now()
	if err := s.Executor.Run(ctx, s.Runtime); err != nil {
		p.logger.Error("stage failed", zap.String("stage", cfg.Name), zap.Error(err))
		res.Error = err.Error()
	}
	res.Duration = time.Since(res.StartedAt)
	res.Stats = s.Executor.GetStats()
	return res
}

// Stop ends every running stage early. Stages still waiting for their
// start are skipped.
func (p *Plan) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	for _, s := range p.stages {
		s.Executor.Stop()
	}
}
