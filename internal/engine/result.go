package engine

import (
	"errors"
	"sort"
	"time"

	"github.com/wesleyorama2/volley/internal/config"
	"github.com/wesleyorama2/volley/internal/executor"
	"github.com/wesleyorama2/volley/internal/fixture"
	"github.com/wesleyorama2/volley/internal/metrics"
	"github.com/wesleyorama2/volley/internal/protocol"
)

// Result contains the results of a run.
type Result struct {
	Name        string                    `json:"name"`
	Description string                    `json:"description,omitempty"`
	Seed        uint64                    `json:"seed"`
	StartTime   time.Time                 `json:"startTime"`
	EndTime     time.Time                 `json:"endTime"`
	Duration    time.Duration             `json:"duration"`
	Stages      []executor.StageResult    `json:"stages"`
	Thresholds  []metrics.ThresholdResult `json:"thresholds"`
	Summary     Summary                   `json:"summary"`
	Passed      bool                      `json:"passed"`
	Interrupted bool                      `json:"interrupted,omitempty"`
	Error       string                    `json:"error,omitempty"`
}

// ExitCode maps the outcome of a run to the process exit status.
func ExitCode(res *Result, err error) int {
	switch {
	case errors.Is(err, config.ErrInvalidConfig), errors.Is(err, fixture.ErrFixtureLoad):
		return ExitInvalid
	case err != nil:
		return ExitError
	case res == nil:
		return ExitError
	case !res.Passed:
		return ExitThresholdsFailed
	default:
		return ExitPassed
	}
}

// Summary holds the aggregates reported at the end of a run.
type Summary struct {
	Metrics   []MetricSummary   `json:"metrics"`
	Endpoints []EndpointSummary `json:"endpoints,omitempty"`
	Checks    []CheckSummary    `json:"checks,omitempty"`
}

// MetricSummary is the aggregate of every series of one metric.
type MetricSummary struct {
	Name  string              `json:"name"`
	Kind  string              `json:"kind"`
	Count int64               `json:"count"`
	Rate  float64             `json:"rate"`
	Value int64               `json:"value,omitempty"`
	Peak  int64               `json:"peak,omitempty"`
	Trend *metrics.TrendStats `json:"trend,omitempty"`
}

// EndpointSummary breaks calls down by operation tag.
type EndpointSummary struct {
	Protocol protocol.Protocol  `json:"protocol"`
	Endpoint string             `json:"endpoint"`
	Requests int64              `json:"requests"`
	Failed   float64            `json:"failedRate"`
	Timeouts int64              `json:"timeouts"`
	Latency  metrics.TrendStats `json:"latency"`
}

// CheckSummary tallies one named check.
type CheckSummary struct {
	Name   string `json:"name"`
	Passes int64  `json:"passes"`
	Fails  int64  `json:"fails"`
}

// Summarize aggregates the registry.
func Summarize(reg *metrics.Registry) Summary {
	var s Summary
	for _, name := range reg.Names() {
		agg := reg.Query(name, nil)
		m := MetricSummary{
			Name:  name,
			Kind:  agg.Kind.String(),
			Count: agg.Count,
			Rate:  agg.Rate(),
			Value: agg.Value,
			Peak:  agg.Peak,
		}
		if agg.Kind == metrics.Trend {
			t := agg.Trend()
			m.Trend = &t
		}
		s.Metrics = append(s.Metrics, m)
	}

	type endpointKey struct {
		proto protocol.Protocol
		tag   string
	}
	endpoints := make(map[endpointKey]bool)
	checks := make(map[string]bool)
	for _, ss := range reg.Snapshot() {
		switch ss.Name {
		case metrics.HTTPReqs:
			endpoints[endpointKey{protocol.ProtocolHTTP, ss.Tags["endpoint"]}] = true
		case metrics.GRPCReqs:
			endpoints[endpointKey{protocol.ProtocolGRPC, ss.Tags["endpoint"]}] = true
		case metrics.Checks:
			checks[ss.Tags["check"]] = true
		}
	}

	for k := range endpoints {
		reqs, duration, failed := metrics.HTTPReqs, metrics.HTTPReqDuration, metrics.HTTPReqFailed
		if k.proto == protocol.ProtocolGRPC {
			reqs, duration, failed = metrics.GRPCReqs, metrics.GRPCReqDuration, metrics.GRPCReqFailed
		}
		filter := metrics.Tags{"endpoint": k.tag}
		s.Endpoints = append(s.Endpoints, EndpointSummary{
			Protocol: k.proto,
			Endpoint: k.tag,
			Requests: reg.Query(reqs, filter).Count,
			Failed:   reg.Query(failed, filter).Rate(),
			Timeouts: reg.Query(reqs, filter.With("status", protocol.StatusTimeout)).Count,
			Latency:  reg.Query(duration, filter).Trend(),
		})
	}
	sort.Slice(s.Endpoints, func(i, j int) bool {
		if s.Endpoints[i].Protocol != s.Endpoints[j].Protocol {
			return s.Endpoints[i].Protocol > s.Endpoints[j].Protocol
		}
		return s.Endpoints[i].Endpoint < s.Endpoints[j].Endpoint
	})

	for name := range checks {
		agg := reg.Query(metrics.Checks, metrics.Tags{"check": name})
		s.Checks = append(s.Checks, CheckSummary{Name: name, Passes: agg.Hits, Fails: agg.Count - agg.Hits})
	}
	sort.Slice(s.Checks, func(i, j int) bool { return s.Checks[i].Name < s.Checks[j].Name })
	return s
}

// Metric returns the summary of a metric, if it was recorded.
func (s Summary) Metric(name string) (MetricSummary, bool) {
	for _, m := range s.Metrics {
		if m.Name == name {
			return m, true
		}
	}
	return MetricSummary{}, false
}
