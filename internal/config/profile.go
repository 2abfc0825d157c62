// Package config parses run profiles: the target settings, the ordered
// load stages, the pass/fail thresholds and the declarative requests of a
// volley run.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wesleyorama2/volley/internal/workload"
)

// Profile is the root of a run configuration.
//
// Example YAML:
//
//	name: api-load
//	settings:
//	  baseUrl: http://localhost:8000/challenge
//	  timeout: 30s
//	stages:
//	  - name: api_load
//	    workload: api
//	    executor: constant-arrival-rate
//	    rate: 100
//	    rateFrom: rps
//	    duration: 10m
//	    preAllocatedVUs: 100
//	    maxVUs: 200
//	thresholds:
//	  http_req_duration: ["p(95)<2000"]
//	  http_req_failed: ["rate<0.01"]
type Profile struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Settings    Settings `json:"settings,omitempty" yaml:"settings,omitempty"`

	// Stages run according to their startTime and after fields. Stages
	// whose windows overlap run concurrently.
	Stages []StageConfig `json:"stages" yaml:"stages"`

	// Thresholds map a subject such as http_req_duration{endpoint:claim}
	// to its expressions.
	Thresholds map[string][]string `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`

	// Requests drive stages running the requests workload.
	Requests []workload.RequestSpec `json:"requests,omitempty" yaml:"requests,omitempty"`

	// Variables seed every VU's variable scope.
	Variables map[string]string `json:"variables,omitempty" yaml:"variables,omitempty"`
}

// Settings describe the target and the run environment.
type Settings struct {
	// BaseURL prefixes every challenge API path.
	BaseURL string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`

	// EventHandlerAddr is the gRPC address of the event handler.
	EventHandlerAddr string `json:"eventHandlerAddr,omitempty" yaml:"eventHandlerAddr,omitempty"`

	// RPCSecure dials the event handler with TLS.
	RPCSecure bool `json:"rpcSecure,omitempty" yaml:"rpcSecure,omitempty"`

	Namespace   string   `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	ChallengeID string   `json:"challengeId,omitempty" yaml:"challengeId,omitempty"`
	BatchGoals  []string `json:"batchGoals,omitempty" yaml:"batchGoals,omitempty"`

	// FixturesDir holds users.json, tokens.json and optionally
	// challenges.json.
	FixturesDir string `json:"fixturesDir,omitempty" yaml:"fixturesDir,omitempty"`

	// Seed makes every VU's random draws reproducible.
	Seed uint64 `json:"seed,omitempty" yaml:"seed,omitempty"`

	// Timeout is the per-call deadline.
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// ConnectTimeout bounds an RPC handshake.
	ConnectTimeout Duration `json:"connectTimeout,omitempty" yaml:"connectTimeout,omitempty"`

	MaxIdleConnsPerHost int  `json:"maxIdleConnsPerHost,omitempty" yaml:"maxIdleConnsPerHost,omitempty"`
	MaxConnsPerHost     int  `json:"maxConnsPerHost,omitempty" yaml:"maxConnsPerHost,omitempty"`
	InsecureSkipVerify  bool `json:"insecureSkipVerify,omitempty" yaml:"insecureSkipVerify,omitempty"`

	// Headers are sent with every HTTP call.
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// ThinkScale multiplies every think time; 0 means 1.
	ThinkScale float64 `json:"thinkScale,omitempty" yaml:"thinkScale,omitempty"`

	// RandomIdentity draws a fixture record per session.
	RandomIdentity bool `json:"randomIdentity,omitempty" yaml:"randomIdentity,omitempty"`

	// MetricsAddr serves Prometheus metrics during the run when set.
	MetricsAddr string `json:"metricsAddr,omitempty" yaml:"metricsAddr,omitempty"`

	// WatchInterval is how often failing thresholds are logged.
	WatchInterval Duration `json:"watchInterval,omitempty" yaml:"watchInterval,omitempty"`
}

// Rate sources a stage may take its rate from.
const (
	RateFromRPS = "rps"
	RateFromEPS = "eps"
)

// StageConfig is one load stage.
type StageConfig struct {
	Name string `json:"name" yaml:"name"`

	// Workload names the journey each session runs.
	Workload string `json:"workload" yaml:"workload"`

	// Executor is constant-arrival-rate, ramping-arrival-rate or
	// per-vu-iterations.
	Executor string `json:"executor" yaml:"executor"`

	// Rate is the constant rate, or the start rate of a ramp.
	Rate float64 `json:"rate,omitempty" yaml:"rate,omitempty"`

	// EndRate turns a constant stage into a single linear ramp over
	// Duration.
	EndRate *float64 `json:"endRate,omitempty" yaml:"endRate,omitempty"`

	// Targets are the legs of a ramping stage.
	Targets []TargetConfig `json:"targets,omitempty" yaml:"targets,omitempty"`

	// RateFrom lets TARGET_RPS or TARGET_EPS override the stage rate.
	RateFrom string `json:"rateFrom,omitempty" yaml:"rateFrom,omitempty"`

	Duration        Duration `json:"duration,omitempty" yaml:"duration,omitempty"`
	PreAllocatedVUs int      `json:"preAllocatedVUs,omitempty" yaml:"preAllocatedVUs,omitempty"`
	MaxVUs          int      `json:"maxVUs,omitempty" yaml:"maxVUs,omitempty"`

	VUs         int      `json:"vus,omitempty" yaml:"vus,omitempty"`
	Iterations  int64    `json:"iterations,omitempty" yaml:"iterations,omitempty"`
	MaxDuration Duration `json:"maxDuration,omitempty" yaml:"maxDuration,omitempty"`

	// GracefulStop of zero means the default.
	GracefulStop Duration `json:"gracefulStop,omitempty" yaml:"gracefulStop,omitempty"`
	StartTime    Duration `json:"startTime,omitempty" yaml:"startTime,omitempty"`
	After        string   `json:"after,omitempty" yaml:"after,omitempty"`

	// Tags are merged into every metric the stage records.
	Tags map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// TargetConfig is one leg of a ramp.
type TargetConfig struct {
	Duration Duration `json:"duration" yaml:"duration"`
	Target   float64  `json:"target" yaml:"target"`
}

// Duration is a time.Duration that can be unmarshaled from JSON/YAML strings.
type Duration time.Duration

// ParseDurationString parses "30s", "2m" or "1h30m". A bare integer is read
// as seconds and an empty string as zero.
func ParseDurationString(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}

// Or returns the duration, or def when zero.
func (d Duration) Or(def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return time.Duration(d)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" {
		*d = 0
		return nil
	}
	s = strings.Trim(s, `"`)
	dur, err := ParseDurationString(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	dur, err := ParseDurationString(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// Span is the scheduled length of the profile, following startTime and
// after chains. Graceful stops are not included.
func (p *Profile) Span() time.Duration {
	byName := make(map[string]StageConfig, len(p.Stages))
	for _, st := range p.Stages {
		byName[st.Name] = st
	}
	ends := make(map[string]time.Duration, len(p.Stages))
	visiting := make(map[string]bool)
	var end func(st StageConfig) time.Duration
	end = func(st StageConfig) time.Duration {
		if e, ok := ends[st.Name]; ok {
			return e
		}
		cfg := st.ExecutorConfig()
		start := cfg.StartTime
		if prev, ok := byName[st.After]; ok && !visiting[st.Name] {
			visiting[st.Name] = true
			start += end(prev)
		}
		ends[st.Name] = start + cfg.TotalDuration()
		return ends[st.Name]
	}

	var span time.Duration
	for _, st := range p.Stages {
		span = max(span, end(st))
	}
	return span
}
