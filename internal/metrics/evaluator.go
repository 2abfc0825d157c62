package metrics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ThresholdResult is the outcome of one threshold.
type ThresholdResult struct {
	Threshold Threshold `json:"-"`
	Name      string    `json:"name"`
	Expr      string    `json:"expression"`
	Actual    float64   `json:"actual"`
	Passed    bool      `json:"passed"`
	// NoData is set when no sample matched; such thresholds pass.
	NoData bool `json:"noData,omitempty"`
}

// Evaluator checks thresholds against a registry. The verdict comes from
// Evaluate at run end; Watch only reports while the run is in progress.
type Evaluator struct {
	reg        *Registry
	thresholds []Threshold
	logger     *zap.Logger

	mu      sync.Mutex
	failing map[string]bool
}

// NewEvaluator validates every threshold against reg.
func NewEvaluator(reg *Registry, thresholds []Threshold, logger *zap.Logger) (*Evaluator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var errs []error
	for _, th := range thresholds {
		if err := th.Check(reg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", th, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &Evaluator{
		reg:        reg,
		thresholds: thresholds,
		logger:     logger.With(zap.String("component", "thresholds")),
		failing:    make(map[string]bool),
	}, nil
}

// Thresholds returns the configured thresholds.
func (e *Evaluator) Thresholds() []Threshold {
	return e.thresholds
}

// Evaluate computes every threshold against the current aggregates.
func (e *Evaluator) Evaluate() []ThresholdResult {
	results := make([]ThresholdResult, 0, len(e.thresholds))
	for _, th := range e.thresholds {
		agg := e.reg.Query(th.Metric, th.Filter)
		res := ThresholdResult{
			Threshold: th,
			Name:      th.Name(),
			Expr:      th.Expression,
		}
		if agg.Empty() && th.Aggregation != "count" {
			res.NoData = true
			res.Passed = true
		} else {
			res.Actual = th.Actual(agg)
			res.Passed = th.Passes(res.Actual)
		}
		results = append(results, res)
	}
	return results
}

// Passed reports whether every result passed.
func Passed(results []ThresholdResult) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}

// Watch evaluates every interval until ctx is done and logs thresholds
// that start or stop failing. It never stops the run.
func (e *Evaluator) Watch(ctx context.Context, interval time.Duration) {
	if len(e.thresholds) == 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.report(e.Evaluate())
		}
	}
}

func (e *Evaluator) report(results []ThresholdResult) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, r := range results {
		key := r.Threshold.String()
		was := e.failing[key]
		switch {
		case !r.Passed && !was:
			e.failing[key] = true
			e.logger.Warn("threshold crossed",
				zap.String("threshold", r.Name),
				zap.String("expression", r.Expr),
				zap.Float64("actual", r.Actual))
		case r.Passed && was:
			delete(e.failing, key)
			e.logger.Info("threshold recovered",
				zap.String("threshold", r.Name),
				zap.String("expression", r.Expr),
				zap.Float64("actual", r.Actual))
		}
	}
}

// Failing returns the thresholds Watch currently sees as failing.
func (e *Evaluator) Failing() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.failing))
	for k := range e.failing {
		out = append(out, k)
	}
	return out
}
