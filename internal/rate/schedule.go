// Package rate computes arrival times for open-model load stages.
//
// A Schedule is a piecewise-linear rate profile: each segment moves the
// arrival rate linearly from its start rate to its end rate over its
// duration. Arrival times are derived analytically from the cumulative
// arrival integral, so they never drift with the wall clock and never
// depend on how fast consumers keep up.
//
// # Algorithm
//
// Let N(t) be the number of arrivals due by offset t. Arrival n (0-based)
// is due at the smallest t with N(t) = n. Inside a segment starting at
// rate r0 and ending at rate r1 after D seconds:
//
//	N(τ) = r0·τ + a·τ²,  a = (r1 - r0) / (2D)
//
// which is inverted with the numerically stable root
//
//	τ = 2m / (r0 + sqrt(r0² + 4am))
//
// where m is the count still needed inside the segment. For a constant
// rate this reduces to τ = m / r0, so arrival n is due at n/rate.
//
// # Thread Safety
//
// A Schedule is immutable after construction and safe for concurrent use.
package rate

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// epsilon absorbs float error when comparing arrival counts.
const epsilon = 1e-9

// ErrInvalidSchedule is returned for empty or malformed profiles.
var ErrInvalidSchedule = errors.New("invalid rate schedule")

// Segment is one linear piece of a profile. Rates are arrivals per second.
type Segment struct {
	Duration time.Duration
	Start    float64
	End      float64
}

// arrivals is the integral of the segment's rate over its duration.
func (s Segment) arrivals() float64 {
	return s.Duration.Seconds() * (s.Start + s.End) / 2
}

// Target moves the rate to Rate over Duration, starting from wherever the
// previous target ended.
type Target struct {
	Duration time.Duration
	Rate     float64
}

// Schedule is an immutable arrival profile.
type Schedule struct {
	segments []Segment
	// starts[i] is the offset at which segment i begins.
	starts []time.Duration
	// before[i] is N(starts[i]).
	before   []float64
	total    float64
	duration time.Duration
}

// New builds a schedule from segments in order.
func New(segments ...Segment) (*Schedule, error) {
	if len(segments) == 0 {
		return nil, fmt.Errorf("%w: no segments", ErrInvalidSchedule)
	}

	s := &Schedule{
		segments: make([]Segment, len(segments)),
		starts:   make([]time.Duration, len(segments)),
		before:   make([]float64, len(segments)),
	}
	copy(s.segments, segments)

	for i, seg := range s.segments {
		switch {
		case seg.Duration <= 0:
			return nil, fmt.Errorf("%w: segment %d has non-positive duration %s", ErrInvalidSchedule, i, seg.Duration)
		case invalidRate(seg.Start) || invalidRate(seg.End):
			return nil, fmt.Errorf("%w: segment %d has invalid rate %g -> %g", ErrInvalidSchedule, i, seg.Start, seg.End)
		}
		s.starts[i] = s.duration
		s.before[i] = s.total
		s.duration += seg.Duration
		s.total += seg.arrivals()
	}

	return s, nil
}

func invalidRate(r float64) bool {
	return r < 0 || math.IsNaN(r) || math.IsInf(r, 0)
}

// Constant issues rate arrivals per second for d.
func Constant(rate float64, d time.Duration) (*Schedule, error) {
	return New(Segment{Duration: d, Start: rate, End: rate})
}

// Ramping starts at start and walks through targets in order.
func Ramping(start float64, targets ...Target) (*Schedule, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: no targets", ErrInvalidSchedule)
	}
	segments := make([]Segment, 0, len(targets))
	from := start
	for _, t := range targets {
		segments = append(segments, Segment{Duration: t.Duration, Start: from, End: t.Rate})
		from = t.Rate
	}
	return New(segments...)
}

// Duration is the total length of the profile.
func (s *Schedule) Duration() time.Duration {
	return s.duration
}

// Total is the number of arrivals due strictly before the profile ends.
func (s *Schedule) Total() int64 {
	return int64(math.Ceil(s.total - epsilon))
}

// Rate returns the instantaneous rate at offset t. Outside the profile the
// rate is zero.
func (s *Schedule) Rate(t time.Duration) float64 {
	if t < 0 || t >= s.duration {
		return 0
	}
	i := s.segmentAt(t)
	seg := s.segments[i]
	frac := (t - s.starts[i]).Seconds() / seg.Duration.Seconds()
	return seg.Start + (seg.End-seg.Start)*frac
}

// Arrivals returns N(t), the fractional number of arrivals due by t.
func (s *Schedule) Arrivals(t time.Duration) float64 {
	if t <= 0 {
		return 0
	}
	if t >= s.duration {
		return s.total
	}
	i := s.segmentAt(t)
	seg := s.segments[i]
	tau := (t - s.starts[i]).Seconds()
	a := (seg.End - seg.Start) / (2 * seg.Duration.Seconds())
	return s.before[i] + seg.Start*tau + a*tau*tau
}

// Offset returns when arrival n is due, measured from the profile start.
// The second result is false when arrival n falls at or beyond the end.
func (s *Schedule) Offset(n int64) (time.Duration, bool) {
	if n < 0 || float64(n) >= s.total-epsilon {
		return s.duration, false
	}

	target := float64(n)
	for i, seg := range s.segments {
		have := seg.arrivals()
		if have <= epsilon {
			continue
		}
		m := target - s.before[i]
		if m > have+epsilon {
			continue
		}
		if m <= 0 {
			return s.starts[i], true
		}

		secs := seg.Duration.Seconds()
		a := (seg.End - seg.Start) / (2 * secs)
		disc := seg.Start*seg.Start + 4*a*m
		if disc < 0 {
			disc = 0
		}
		tau := 2 * m / (seg.Start + math.Sqrt(disc))
		if tau > secs {
			tau = secs
		}
		return s.starts[i] + time.Duration(tau*float64(time.Second)), true
	}

	return s.duration, false
}

// Peak is the highest rate anywhere in the profile.
func (s *Schedule) Peak() float64 {
	var peak float64
	for _, seg := range s.segments {
		peak = math.Max(peak, math.Max(seg.Start, seg.End))
	}
	return peak
}

func (s *Schedule) segmentAt(t time.Duration) int {
	for i := len(s.starts) - 1; i >= 0; i-- {
		if t >= s.starts[i] {
			return i
		}
	}
	return 0
}
