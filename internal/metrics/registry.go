// Package metrics aggregates call outcomes into tagged series and evaluates
// pass/fail thresholds against them.
//
// Series are keyed by metric name plus the sorted tag set. Lookup goes
// through a sync.Map, counters are atomics, and each latency series owns
// an HDR histogram behind its own mutex, so concurrent recorders only
// contend when they hit the same (metric, tags) pair.
package metrics

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"github.com/wesleyorama2/volley/internal/protocol"
)

// Kind is the aggregation family of a metric.
type Kind int

const (
	// Counter sums values; thresholds see count and per-second rate.
	Counter Kind = iota
	// Rate tracks the fraction of non-zero samples.
	Rate
	// Trend keeps a latency distribution.
	Trend
	// Gauge keeps the latest value and its peak.
	Gauge
)

func (k Kind) String() string {
	switch k {
	case Counter:
		return "counter"
	case Rate:
		return "rate"
	case Trend:
		return "trend"
	case Gauge:
		return "gauge"
	default:
		return "unknown"
	}
}

// Built-in metric names.
const (
	HTTPReqs          = "http_reqs"
	HTTPReqDuration   = "http_req_duration"
	HTTPReqFailed     = "http_req_failed"
	GRPCReqs          = "grpc_reqs"
	GRPCReqDuration   = "grpc_req_duration"
	GRPCReqFailed     = "grpc_req_failed"
	Checks            = "checks"
	Iterations        = "iterations"
	IterationDuration = "iteration_duration"
	DroppedIterations = "dropped_iterations"
	VUs               = "vus"
)

var builtins = map[string]Kind{
	HTTPReqs:          Counter,
	HTTPReqDuration:   Trend,
	HTTPReqFailed:     Rate,
	GRPCReqs:          Counter,
	GRPCReqDuration:   Trend,
	GRPCReqFailed:     Rate,
	Checks:            Rate,
	Iterations:        Counter,
	IterationDuration: Trend,
	DroppedIterations: Counter,
	VUs:               Gauge,
}

// ErrKindMismatch is returned when a metric is used with two kinds.
var ErrKindMismatch = errors.New("metric kind mismatch")

// HistogramConfig bounds latency histograms. Values are microseconds.
type HistogramConfig struct {
	Min     int64
	Max     int64
	SigFigs int
}

// DefaultHistogramConfig covers 1µs to 1h with 3 significant figures.
func DefaultHistogramConfig() HistogramConfig {
	return HistogramConfig{
		Min:     1,
		Max:     3600000000,
		SigFigs: 3,
	}
}

type series struct {
	name string
	kind Kind
	tags Tags

	// value is the counter sum, the rate sample count or the gauge value.
	value atomic.Int64
	hits  atomic.Int64
	peak  atomic.Int64

	mu   sync.Mutex
	hist *hdrhistogram.Histogram
}

// Registry holds every series of a run. It is safe for concurrent use.
type Registry struct {
	series sync.Map // key -> *series
	kinds  sync.Map // name -> Kind
	gauges sync.Map // name -> *gaugeTotal
	cfg    HistogramConfig

	start time.Time
	end   atomic.Int64
}

// NewRegistry returns a registry with the built-in metrics defined.
func NewRegistry() *Registry {
	return NewRegistryWithConfig(DefaultHistogramConfig())
}

// NewRegistryWithConfig is NewRegistry with custom histogram bounds.
func NewRegistryWithConfig(cfg HistogramConfig) *Registry {
	r := &Registry{cfg: cfg, start: time.Now()}
	for name, kind := range builtins {
		r.kinds.Store(name, kind)
	}
	return r
}

// Define declares a custom metric.
func (r *Registry) Define(name string, kind Kind) error {
	actual, loaded := r.kinds.LoadOrStore(name, kind)
	if loaded && actual.(Kind) != kind {
		return fmt.Errorf("%w: %s is a %s, not a %s", ErrKindMismatch, name, actual.(Kind), kind)
	}
	return nil
}

// Kind returns the kind of a defined metric.
func (r *Registry) Kind(name string) (Kind, bool) {
	k, ok := r.kinds.Load(name)
	if !ok {
		return 0, false
	}
	return k.(Kind), true
}

// Stop freezes the elapsed time used for per-second rates.
func (r *Registry) Stop() {
	r.end.CompareAndSwap(0, time.Now().UnixNano())
}

// Elapsed is the time since the registry was created, or until Stop.
func (r *Registry) Elapsed() time.Duration {
	if end := r.end.Load(); end != 0 {
		return time.Unix(0, end).Sub(r.start)
	}
	return time.Since(r.start)
}

func (r *Registry) get(name string, kind Kind, tags Tags) *series {
	key := seriesKey(name, tags)
	if s, ok := r.series.Load(key); ok {
		return s.(*series)
	}

	if k, loaded := r.kinds.LoadOrStore(name, kind); loaded {
		kind = k.(Kind)
	}
	s := &series{name: name, kind: kind, tags: Tags{}.Merge(tags)}
	if kind == Trend {
		s.hist = hdrhistogram.New(r.cfg.Min, r.cfg.Max, r.cfg.SigFigs)
	}
	actual, _ := r.series.LoadOrStore(key, s)
	return actual.(*series)
}

// Add increments a counter.
func (r *Registry) Add(name string, n int64, tags Tags) {
	r.get(name, Counter, tags).value.Add(n)
}

// AddRate records one rate sample; hit marks it non-zero.
func (r *Registry) AddRate(name string, hit bool, tags Tags) {
	s := r.get(name, Rate, tags)
	s.value.Add(1)
	if hit {
		s.hits.Add(1)
	}
}

// Observe records a duration sample into a trend.
func (r *Registry) Observe(name string, d time.Duration, tags Tags) {
	s := r.get(name, Trend, tags)
	if s.hist == nil {
		return
	}
	micros := d.Microseconds()
	if micros < r.cfg.Min {
		micros = r.cfg.Min
	}
	if micros > r.cfg.Max {
		micros = r.cfg.Max
	}
	s.mu.Lock()
	s.hist.RecordValue(micros)
	s.mu.Unlock()
	s.value.Add(1)
}

// gaugeTotal is the sum of every series of a gauge and the peak of that
// sum, so stages that never overlap do not add up their peaks.
type gaugeTotal struct {
	value atomic.Int64
	peak  atomic.Int64
}

// SetGauge stores a gauge value and tracks its peak, per series and for
// the sum over all series.
func (r *Registry) SetGauge(name string, v int64, tags Tags) {
	s := r.get(name, Gauge, tags)
	old := s.value.Swap(v)
	raisePeak(&s.peak, v)

	t, _ := r.gauges.LoadOrStore(name, &gaugeTotal{})
	total := t.(*gaugeTotal)
	raisePeak(&total.peak, total.value.Add(v-old))
}

func raisePeak(peak *atomic.Int64, v int64) {
	for {
		p := peak.Load()
		if v <= p || peak.CompareAndSwap(p, v) {
			return
		}
	}
}

// RecordCall records request count, latency and failure rate of a call.
// The call tag and status become the endpoint and status tags.
func (r *Registry) RecordCall(res protocol.CallResult, tags Tags) {
	t := tags.Merge(Tags{"endpoint": res.Tag, "status": res.Status})

	reqs, duration, failed := HTTPReqs, HTTPReqDuration, HTTPReqFailed
	if res.Protocol == protocol.ProtocolGRPC {
		reqs, duration, failed = GRPCReqs, GRPCReqDuration, GRPCReqFailed
	}

	r.Add(reqs, 1, t)
	r.Observe(duration, res.Latency, t)
	r.AddRate(failed, res.Failed(), t)
}

// RecordCheck tallies a named assertion in the checks rate.
func (r *Registry) RecordCheck(name string, ok bool, tags Tags) {
	r.AddRate(Checks, ok, tags.With("check", name))
}

// RecordIteration counts a completed session.
func (r *Registry) RecordIteration(d time.Duration, tags Tags) {
	r.Add(Iterations, 1, tags)
	r.Observe(IterationDuration, d, tags)
}

// RecordDropped counts a missed arrival.
func (r *Registry) RecordDropped(tags Tags) {
	r.Add(DroppedIterations, 1, tags)
}

// Query merges every series of metric whose tags contain filter.
func (r *Registry) Query(metric string, filter Tags) Aggregate {
	kind, _ := r.Kind(metric)
	agg := Aggregate{Metric: metric, Kind: kind, Filter: filter, Elapsed: r.Elapsed()}

	r.series.Range(func(_, v any) bool {
		s := v.(*series)
		if s.name == metric && s.tags.Contains(filter) {
			agg.merge(s, r.cfg)
		}
		return true
	})
	if kind == Gauge && len(filter) == 0 {
		if t, ok := r.gauges.Load(metric); ok {
			agg.Peak = t.(*gaugeTotal).peak.Load()
		}
	}
	return agg
}

// SeriesSnapshot is the aggregate of a single series.
type SeriesSnapshot struct {
	Name      string
	Tags      Tags
	Aggregate Aggregate
}

// Snapshot returns every series sorted by key.
func (r *Registry) Snapshot() []SeriesSnapshot {
	var out []SeriesSnapshot
	elapsed := r.Elapsed()
	r.series.Range(func(_, v any) bool {
		s := v.(*series)
		agg := Aggregate{Metric: s.name, Kind: s.kind, Filter: s.tags, Elapsed: elapsed}
		agg.merge(s, r.cfg)
		out = append(out, SeriesSnapshot{Name: s.name, Tags: s.tags, Aggregate: agg})
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		return seriesKey(out[i].Name, out[i].Tags) < seriesKey(out[j].Name, out[j].Tags)
	})
	return out
}

// Names returns the metrics that have at least one series, sorted.
func (r *Registry) Names() []string {
	seen := make(map[string]struct{})
	r.series.Range(func(_, v any) bool {
		seen[v.(*series).name] = struct{}{}
		return true
	})
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
