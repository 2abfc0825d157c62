// Package executor turns load profiles into session starts.
package executor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/volley/internal/metrics"
	"github.com/wesleyorama2/volley/internal/rate"
	"github.com/wesleyorama2/volley/internal/session"
)

// Type identifies the type of executor.
type Type string

const (
	// TypeConstantArrivalRate starts sessions at a fixed rate.
	TypeConstantArrivalRate Type = "constant-arrival-rate"

	// TypeRampingArrivalRate moves the start rate through stages.
	TypeRampingArrivalRate Type = "ramping-arrival-rate"

	// TypePerVUIterations runs a fixed number of sessions per VU.
	TypePerVUIterations Type = "per-vu-iterations"
)

// DefaultGracefulStop is how long in-flight sessions may finish their
// current step after a stage ends.
const DefaultGracefulStop = 30 * time.Second

// DefaultMaxDuration bounds per-vu-iterations stages without maxDuration.
const DefaultMaxDuration = 10 * time.Minute

// Executor defines a load generation strategy for one stage.
type Executor interface {
	// Type returns the executor type.
	Type() Type

	// Init validates and adopts the configuration. Called once before Run.
	Init(config *Config) error

	// Run issues sessions and blocks until the stage has ended, in-flight
	// sessions have drained and every slot has been torn down.
	Run(ctx context.Context, rt *Runtime) error

	// GetProgress returns current progress (0.0 to 1.0).
	GetProgress() float64

	// GetStats returns a snapshot of the stage counters.
	GetStats() *Stats

	// Stop ends the stage early. In-flight sessions drain as at the
	// natural end of the stage.
	Stop()
}

// Runtime is what a stage needs to run sessions.
type Runtime struct {
	Journey *session.Journey
	// NewVU creates the VU for a freshly allocated slot.
	NewVU   func(id int) *session.VirtualUser
	Metrics *metrics.Registry
	// Tags are attached to the stage level metrics.
	Tags   metrics.Tags
	Logger *zap.Logger
}

func (rt *Runtime) logger() *zap.Logger {
	if rt.Logger == nil {
		return zap.NewNop()
	}
	return rt.Logger
}

// Config contains configuration for an executor.
type Config struct {
	// Name is the name of this stage
	Name string `json:"name" yaml:"name"`

	// Type is the executor type
	Type Type `json:"type" yaml:"type"`

	// Per-vu-iterations
	VUs         int           `json:"vus,omitempty" yaml:"vus,omitempty"`
	Iterations  int64         `json:"iterations,omitempty" yaml:"iterations,omitempty"`
	MaxDuration time.Duration `json:"maxDuration,omitempty" yaml:"maxDuration,omitempty"`

	// Arrival-rate executors. Rate is the constant rate, or the start rate
	// of a ramping profile.
	Rate            float64       `json:"rate,omitempty" yaml:"rate,omitempty"`
	Duration        time.Duration `json:"duration,omitempty" yaml:"duration,omitempty"`
	PreAllocatedVUs int           `json:"preAllocatedVUs,omitempty" yaml:"preAllocatedVUs,omitempty"`
	MaxVUs          int           `json:"maxVUs,omitempty" yaml:"maxVUs,omitempty"`

	// Stages (for ramping executors)
	Stages []Stage `json:"stages,omitempty" yaml:"stages,omitempty"`

	// Graceful stop timeout
	GracefulStop time.Duration `json:"gracefulStop,omitempty" yaml:"gracefulStop,omitempty"`

	// StartTime delays the stage from the run start, or from the end of
	// After when set.
	StartTime time.Duration `json:"startTime,omitempty" yaml:"startTime,omitempty"`
	After     string        `json:"after,omitempty" yaml:"after,omitempty"`
}

// Stage is one leg of a ramping profile.
type Stage struct {
	// Duration of this stage
	Duration time.Duration `json:"duration" yaml:"duration"`

	// Target rate reached at the end of the stage
	Target float64 `json:"target" yaml:"target"`
}

// Stats contains executor statistics.
type Stats struct {
	StartTime     time.Time     `json:"startTime"`
	Elapsed       time.Duration `json:"elapsed"`
	TotalDuration time.Duration `json:"totalDuration"`

	// Started counts session starts; Missed counts arrivals that found no
	// free slot.
	Started   int64 `json:"started"`
	Missed    int64 `json:"missed"`
	Completed int64 `json:"completed"`

	ActiveVUs    int `json:"activeVUs"`
	AllocatedVUs int `json:"allocatedVUs"`
	PeakVUs      int `json:"peakVUs"`
	MaxVUs       int `json:"maxVUs"`

	CurrentRate float64 `json:"currentRate"`
}

// Validate validates the executor configuration.
func (c *Config) Validate() error {
	if c.Name == "" {
		return &ValidationError{Field: "name", Message: "stage name is required"}
	}
	if c.Type == "" {
		return &ValidationError{Field: "type", Message: "executor type is required"}
	}
	if c.StartTime < 0 {
		return &ValidationError{Field: "startTime", Message: "startTime must be >= 0"}
	}
	if c.GracefulStop < 0 {
		return &ValidationError{Field: "gracefulStop", Message: "gracefulStop must be >= 0"}
	}
	if c.After == c.Name {
		return &ValidationError{Field: "after", Message: "a stage cannot start after itself"}
	}

	switch c.Type {
	case TypeConstantArrivalRate:
		if c.Rate <= 0 {
			return &ValidationError{Field: "rate", Message: "rate must be > 0"}
		}
		if c.Duration <= 0 {
			return &ValidationError{Field: "duration", Message: "duration must be > 0"}
		}
		return c.validatePool()

	case TypeRampingArrivalRate:
		if c.Rate < 0 {
			return &ValidationError{Field: "rate", Message: "start rate must be >= 0"}
		}
		if len(c.Stages) == 0 {
			return &ValidationError{Field: "stages", Message: "at least one stage is required"}
		}
		for i, s := range c.Stages {
			if s.Duration <= 0 {
				return &ValidationError{Field: fmt.Sprintf("stages[%d].duration", i), Message: "duration must be > 0"}
			}
			if s.Target < 0 {
				return &ValidationError{Field: fmt.Sprintf("stages[%d].target", i), Message: "target must be >= 0"}
			}
		}
		return c.validatePool()

	case TypePerVUIterations:
		if c.VUs <= 0 {
			return &ValidationError{Field: "vus", Message: "vus must be > 0"}
		}
		if c.Iterations <= 0 {
			return &ValidationError{Field: "iterations", Message: "iterations must be > 0"}
		}
		if c.MaxDuration < 0 {
			return &ValidationError{Field: "maxDuration", Message: "maxDuration must be >= 0"}
		}

	default:
		return &ValidationError{Field: "type", Message: "unknown executor type: " + string(c.Type)}
	}

	return nil
}

func (c *Config) validatePool() error {
	if c.MaxVUs <= 0 {
		return &ValidationError{Field: "maxVUs", Message: "maxVUs must be > 0"}
	}
	if c.PreAllocatedVUs < 0 {
		return &ValidationError{Field: "preAllocatedVUs", Message: "preAllocatedVUs must be >= 0"}
	}
	if c.PreAllocatedVUs > c.MaxVUs {
		return &ValidationError{Field: "preAllocatedVUs", Message: "preAllocatedVUs must be <= maxVUs"}
	}
	return nil
}

// Schedule builds the arrival profile of an arrival-rate stage.
func (c *Config) Schedule() (*rate.Schedule, error) {
	switch c.Type {
	case TypeConstantArrivalRate:
		return rate.Constant(c.Rate, c.Duration)
	case TypeRampingArrivalRate:
		targets := make([]rate.Target, len(c.Stages))
		for i, s := range c.Stages {
			targets[i] = rate.Target{Duration: s.Duration, Rate: s.Target}
		}
		return rate.Ramping(c.Rate, targets...)
	default:
		return nil, fmt.Errorf("%s stages have no arrival schedule", c.Type)
	}
}

// TotalDuration is the time box of the stage, excluding graceful stop.
func (c *Config) TotalDuration() time.Duration {
	switch c.Type {
	case TypeConstantArrivalRate:
		return c.Duration

	case TypeRampingArrivalRate:
		var total time.Duration
		for _, stage := range c.Stages {
			total += stage.Duration
		}
		return total

	case TypePerVUIterations:
		return c.maxDuration()

	default:
		return 0
	}
}

func (c *Config) maxDuration() time.Duration {
	if c.MaxDuration > 0 {
		return c.MaxDuration
	}
	return DefaultMaxDuration
}

func (c *Config) gracefulStop() time.Duration {
	if c.GracefulStop > 0 {
		return c.GracefulStop
	}
	return DefaultGracefulStop
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "validation error on field '" + e.Field + "': " + e.Message
}

// New creates an uninitialized executor of the given type.
func New(t Type) (Executor, error) {
	switch t {
	case TypeConstantArrivalRate, TypeRampingArrivalRate:
		return NewArrivalRate(t), nil
	case TypePerVUIterations:
		return NewPerVUIterations(), nil
	default:
		return nil, fmt.Errorf("unknown executor type: %s", t)
	}
}

// CreateAndInit creates and initializes an executor for cfg.
func CreateAndInit(cfg *Config) (Executor, error) {
	exec, err := New(cfg.Type)
	if err != nil {
		return nil, err
	}
	if err := exec.Init(cfg); err != nil {
		return nil, fmt.Errorf("stage %s: %w", cfg.Name, err)
	}
	return exec, nil
}
