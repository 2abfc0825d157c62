package metrics

import (
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Aggregate is the merged view of one or more series of a metric.
type Aggregate struct {
	Metric  string
	Kind    Kind
	Filter  Tags
	Elapsed time.Duration

	// Count is the counter sum, the number of rate samples, or the number
	// of trend samples.
	Count int64
	// Hits is the number of non-zero rate samples.
	Hits int64
	// Value is summed over gauge series. Peak is the highest concurrent
	// sum for an unfiltered query, otherwise the highest peak of any
	// matching series.
	Value int64
	Peak  int64

	series int
	hist   *hdrhistogram.Histogram
}

func (a *Aggregate) merge(s *series, cfg HistogramConfig) {
	a.series++
	switch s.kind {
	case Counter:
		a.Count += s.value.Load()
	case Rate:
		a.Count += s.value.Load()
		a.Hits += s.hits.Load()
	case Gauge:
		a.Value += s.value.Load()
		a.Peak = max(a.Peak, s.peak.Load())
	case Trend:
		if a.hist == nil {
			a.hist = hdrhistogram.New(cfg.Min, cfg.Max, cfg.SigFigs)
		}
		s.mu.Lock()
		a.hist.Merge(s.hist)
		s.mu.Unlock()
		a.Count = a.hist.TotalCount()
	}
}

// Empty reports whether no series matched or none has samples.
func (a Aggregate) Empty() bool {
	switch a.Kind {
	case Gauge:
		return a.series == 0
	default:
		return a.Count == 0
	}
}

// Rate is the non-zero fraction for rate metrics and events per second
// for counters.
func (a Aggregate) Rate() float64 {
	switch a.Kind {
	case Rate:
		if a.Count == 0 {
			return 0
		}
		return float64(a.Hits) / float64(a.Count)
	case Counter:
		if secs := a.Elapsed.Seconds(); secs > 0 {
			return float64(a.Count) / secs
		}
	}
	return 0
}

// Percentile returns the p-th percentile (0-100) of a trend.
func (a Aggregate) Percentile(p float64) time.Duration {
	if a.hist == nil || a.hist.TotalCount() == 0 {
		return 0
	}
	return micros(a.hist.ValueAtQuantile(p))
}

// Min is the smallest trend sample.
func (a Aggregate) Min() time.Duration {
	if a.hist == nil || a.hist.TotalCount() == 0 {
		return 0
	}
	return micros(a.hist.Min())
}

// Max is the largest trend sample.
func (a Aggregate) Max() time.Duration {
	if a.hist == nil || a.hist.TotalCount() == 0 {
		return 0
	}
	return micros(a.hist.Max())
}

// Avg is the mean trend sample.
func (a Aggregate) Avg() time.Duration {
	if a.hist == nil || a.hist.TotalCount() == 0 {
		return 0
	}
	return time.Duration(a.hist.Mean() * float64(time.Microsecond))
}

// Med is the median trend sample.
func (a Aggregate) Med() time.Duration {
	return a.Percentile(50)
}

// TrendStats is a serializable summary of a trend.
type TrendStats struct {
	Count int64         `json:"count"`
	Min   time.Duration `json:"min"`
	Avg   time.Duration `json:"avg"`
	Med   time.Duration `json:"med"`
	Max   time.Duration `json:"max"`
	P90   time.Duration `json:"p90"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
}

// Trend summarizes a trend aggregate.
func (a Aggregate) Trend() TrendStats {
	return TrendStats{
		Count: a.Count,
		Min:   a.Min(),
		Avg:   a.Avg(),
		Med:   a.Med(),
		Max:   a.Max(),
		P90:   a.Percentile(90),
		P95:   a.Percentile(95),
		P99:   a.Percentile(99),
	}
}

func micros(v int64) time.Duration {
	return time.Duration(v) * time.Microsecond
}
