package session

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// ThinkTime is a pause drawn uniformly from [Min, Max].
type ThinkTime struct {
	Min time.Duration
	Max time.Duration
}

// Fixed returns a think time that always lasts d.
func Fixed(d time.Duration) ThinkTime {
	return ThinkTime{Min: d, Max: d}
}

// Between returns a think time in [min, max].
func Between(min, max time.Duration) ThinkTime {
	return ThinkTime{Min: min, Max: max}
}

// Draw picks a duration from r.
func (t ThinkTime) Draw(r *rand.Rand) time.Duration {
	if t.Max <= t.Min {
		if t.Min < 0 {
			return 0
		}
		return t.Min
	}
	return t.Min + time.Duration(r.Int64N(int64(t.Max-t.Min)+1))
}

// StepFunc performs one step. A returned error marks the step failed; the
// session still moves on to the next step.
type StepFunc func(ctx context.Context, vu *VirtualUser) error

// Step is one stage of a journey, followed by its think time.
type Step struct {
	Name  string
	Run   StepFunc
	Think ThinkTime
}

// Journey is a fixed sequence of steps followed by a session gap.
type Journey struct {
	Name  string
	Steps []Step
	Gap   ThinkTime
}

// Outcome describes one session run.
type Outcome struct {
	// Steps is the number of steps started.
	Steps int
	// Failed is the number of steps that returned an error or panicked.
	Failed int
	// Completed is set when every step ran.
	Completed   bool
	Interrupted bool
	Duration    time.Duration
}

// Run executes one session on vu. Steps always advance regardless of
// their outcome. The session ends early only when vu is asked to stop or
// ctx is cancelled, checked between steps and during think time; a step in
// progress is never abandoned by the session itself.
func (j *Journey) Run(ctx context.Context, vu *VirtualUser) (out Outcome) {
	start := time.Now()
	vu.state.CompareAndSwap(int32(VUStateIdle), int32(VUStateRunning))
	vu.iteration.Add(1)

	defer func() {
		out.Duration = time.Since(start)
		vu.state.CompareAndSwap(int32(VUStateRunning), int32(VUStateIdle))
	}()

	for _, step := range j.Steps {
		if vu.Stopping() || ctx.Err() != nil {
			out.Interrupted = true
			return out
		}

		out.Steps++
		if err := j.runStep(ctx, vu, step); err != nil {
			out.Failed++
			vu.Logger.Debug("step failed",
				zap.String("journey", j.Name),
				zap.String("step", step.Name),
				zap.Error(err))
		}

		if !vu.Sleep(ctx, step.Think.Draw(vu.Rand)) {
			if ctx.Err() != nil {
				out.Interrupted = true
				return out
			}
			// Stop arrived during think time; the step itself finished.
			out.Interrupted = out.Steps < len(j.Steps)
			out.Completed = !out.Interrupted
			j.finish(vu, &out, start)
			return out
		}
	}

	out.Completed = true
	vu.Sleep(ctx, j.Gap.Draw(vu.Rand))
	j.finish(vu, &out, start)
	return out
}

func (j *Journey) finish(vu *VirtualUser, out *Outcome, start time.Time) {
	if out.Completed && vu.env.Recorder != nil {
		vu.env.Recorder.RecordIteration(time.Since(start), vu.tags)
	}
}

func (j *Journey) runStep(ctx context.Context, vu *VirtualUser, step Step) (err error) {
	defer func() {
		if r := recover(); r != nil {
			vu.Logger.Warn("step panicked",
				zap.String("journey", j.Name),
				zap.String("step", step.Name),
				zap.Any("panic", r))
			err = fmt.Errorf("step %s panicked: %v", step.Name, r)
		}
	}()
	if step.Run == nil {
		return nil
	}
	return step.Run(ctx, vu)
}
