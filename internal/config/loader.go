package config

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/wesleyorama2/volley/internal/executor"
)

// Defaults applied to unset settings.
const (
	DefaultBaseURL          = "http://localhost:8000/challenge"
	DefaultEventHandlerAddr = "localhost:6566"
	DefaultFixturesDir      = "fixtures"
	DefaultTimeout          = 30 * time.Second
	DefaultConnectTimeout   = 10 * time.Second
	DefaultWatchInterval    = 10 * time.Second
)

// ErrInvalidConfig is matched by every error that should stop a run
// before it starts.
var ErrInvalidConfig = errors.New("invalid configuration")

//go:embed presets/*.yaml
var presetFS embed.FS

// PresetNames lists the built-in profiles.
func PresetNames() []string {
	entries, err := presetFS.ReadDir("presets")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	sort.Strings(names)
	return names
}

// Preset returns a built-in profile.
func Preset(name string) (*Profile, error) {
	data, err := presetFS.ReadFile(path.Join("presets", name+".yaml"))
	if err != nil {
		return nil, fmt.Errorf("%w: unknown preset %q (available: %s)", ErrInvalidConfig, name, strings.Join(PresetNames(), ", "))
	}
	return Parse(data)
}

// Load reads a profile file, or a preset when no file of that name exists.
func Load(nameOrPath string) (*Profile, error) {
	data, err := os.ReadFile(nameOrPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !strings.ContainsAny(nameOrPath, `/\.`) {
			return Preset(nameOrPath)
		}
		return nil, fmt.Errorf("%w: reading profile: %v", ErrInvalidConfig, err)
	}
	return Parse(data)
}

// Parse decodes a YAML profile. Unknown fields are rejected.
func Parse(data []byte) (*Profile, error) {
	var p Profile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: parsing profile: %v", ErrInvalidConfig, err)
	}
	p.applyDefaults()
	return &p, nil
}

func (p *Profile) applyDefaults() {
	s := &p.Settings
	if s.BaseURL == "" {
		s.BaseURL = DefaultBaseURL
	}
	if s.EventHandlerAddr == "" {
		s.EventHandlerAddr = DefaultEventHandlerAddr
	}
	if s.FixturesDir == "" {
		s.FixturesDir = DefaultFixturesDir
	}
	if s.Timeout == 0 {
		s.Timeout = Duration(DefaultTimeout)
	}
	if s.ConnectTimeout == 0 {
		s.ConnectTimeout = Duration(DefaultConnectTimeout)
	}
	if s.WatchInterval == 0 {
		s.WatchInterval = Duration(DefaultWatchInterval)
	}
}

// Environment parameter keys. Each is read from the upper-cased
// environment variable of the same name, or from a bound flag.
const (
	KeyBaseURL          = "base_url"
	KeyEventHandlerAddr = "event_handler_addr"
	KeyTargetRPS        = "target_rps"
	KeyTargetEPS        = "target_eps"
	KeyTargetVUs        = "target_vus"
	KeyIterations       = "iterations"
	KeyDuration         = "duration"
	KeyNamespace        = "namespace"
	KeyChallengeID      = "challenge_id"
	KeyFixturesDir      = "fixtures_dir"
	KeySeed             = "seed"
	KeyRPCSecure        = "rpc_secure"
)

// EnvKeys lists every environment parameter.
var EnvKeys = []string{
	KeyBaseURL, KeyEventHandlerAddr, KeyTargetRPS, KeyTargetEPS, KeyTargetVUs,
	KeyIterations, KeyDuration, KeyNamespace, KeyChallengeID, KeyFixturesDir,
	KeySeed, KeyRPCSecure,
}

// NewViper returns a viper instance reading the environment parameters.
func NewViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()
	for _, k := range EnvKeys {
		_ = v.BindEnv(k, strings.ToUpper(k))
	}
	return v
}

// Overrides are the environment parameters of a run. Zero values leave the
// profile untouched.
type Overrides struct {
	BaseURL          string
	EventHandlerAddr string
	Namespace        string
	ChallengeID      string
	FixturesDir      string
	TargetRPS        float64
	TargetEPS        float64
	TargetVUs        int
	Iterations       int64
	Duration         time.Duration
	Seed             uint64
	RPCSecure        *bool
}

// OverridesFrom reads and validates the parameters set in v.
func OverridesFrom(v *viper.Viper) (Overrides, error) {
	errs := &ValidationErrors{}
	o := Overrides{
		BaseURL:          v.GetString(KeyBaseURL),
		EventHandlerAddr: v.GetString(KeyEventHandlerAddr),
		Namespace:        v.GetString(KeyNamespace),
		ChallengeID:      v.GetString(KeyChallengeID),
		FixturesDir:      v.GetString(KeyFixturesDir),
	}

	number := func(key string) float64 {
		if !v.IsSet(key) || v.GetString(key) == "" {
			return 0
		}
		n, err := parseNumber(v.GetString(key))
		if err != nil || n < 0 {
			errs.Add(strings.ToUpper(key), fmt.Sprintf("must be a non-negative number, got %q", v.GetString(key)))
			return 0
		}
		return n
	}
	o.TargetRPS = number(KeyTargetRPS)
	o.TargetEPS = number(KeyTargetEPS)
	o.TargetVUs = int(number(KeyTargetVUs))
	o.Iterations = int64(number(KeyIterations))
	o.Seed = uint64(number(KeySeed))

	if s := v.GetString(KeyDuration); s != "" {
		d, err := ParseDurationString(s)
		if err != nil || d <= 0 {
			errs.Add("DURATION", fmt.Sprintf("must be a positive duration, got %q", s))
		}
		o.Duration = d
	}
	if v.IsSet(KeyRPCSecure) && v.GetString(KeyRPCSecure) != "" {
		b := v.GetBool(KeyRPCSecure)
		o.RPCSecure = &b
	}

	if errs.HasErrors() {
		return Overrides{}, errs
	}
	return o, nil
}

func parseNumber(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

// Apply merges the overrides into the profile.
//
// TARGET_RPS and TARGET_EPS replace the rate of stages whose rateFrom
// names them; a ramping stage is rescaled so its peak equals the target.
// TARGET_VUS and ITERATIONS replace the per-vu-iterations parameters.
// DURATION replaces the duration of constant stages and the maxDuration
// of iteration stages.
func (p *Profile) Apply(o Overrides) {
	s := &p.Settings
	setString(&s.BaseURL, o.BaseURL)
	setString(&s.EventHandlerAddr, o.EventHandlerAddr)
	setString(&s.Namespace, o.Namespace)
	setString(&s.ChallengeID, o.ChallengeID)
	setString(&s.FixturesDir, o.FixturesDir)
	if o.Seed != 0 {
		s.Seed = o.Seed
	}
	if o.RPCSecure != nil {
		s.RPCSecure = *o.RPCSecure
	}

	for i := range p.Stages {
		st := &p.Stages[i]
		switch st.RateFrom {
		case RateFromRPS:
			st.rescale(o.TargetRPS)
		case RateFromEPS:
			st.rescale(o.TargetEPS)
		}

		switch executor.Type(st.Executor) {
		case executor.TypePerVUIterations:
			if o.TargetVUs > 0 {
				st.VUs = o.TargetVUs
			}
			if o.Iterations > 0 {
				st.Iterations = o.Iterations
			}
			if o.Duration > 0 {
				st.MaxDuration = Duration(o.Duration)
			}
		case executor.TypeConstantArrivalRate:
			if o.Duration > 0 {
				st.Duration = Duration(o.Duration)
			}
		}
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func (st *StageConfig) rescale(target float64) {
	if target <= 0 {
		return
	}
	peak := st.Rate
	for _, t := range st.Targets {
		peak = max(peak, t.Target)
	}
	if st.EndRate != nil {
		peak = max(peak, *st.EndRate)
	}
	if (len(st.Targets) == 0 && st.EndRate == nil) || peak == 0 {
		st.Rate = target
		return
	}
	factor := target / peak
	st.Rate *= factor
	for i := range st.Targets {
		st.Targets[i].Target *= factor
	}
	if st.EndRate != nil {
		end := *st.EndRate * factor
		st.EndRate = &end
	}
}

// ExecutorConfig converts the stage into its executor configuration.
func (st StageConfig) ExecutorConfig() *executor.Config {
	cfg := &executor.Config{
		Name:            st.Name,
		Type:            executor.Type(st.Executor),
		VUs:             st.VUs,
		Iterations:      st.Iterations,
		MaxDuration:     time.Duration(st.MaxDuration),
		Rate:            st.Rate,
		Duration:        time.Duration(st.Duration),
		PreAllocatedVUs: st.PreAllocatedVUs,
		MaxVUs:          st.MaxVUs,
		GracefulStop:    time.Duration(st.GracefulStop),
		StartTime:       time.Duration(st.StartTime),
		After:           st.After,
	}

	switch {
	case len(st.Targets) > 0:
		cfg.Type = executor.TypeRampingArrivalRate
		for _, t := range st.Targets {
			cfg.Stages = append(cfg.Stages, executor.Stage{Duration: time.Duration(t.Duration), Target: t.Target})
		}
	case st.EndRate != nil:
		cfg.Type = executor.TypeRampingArrivalRate
		cfg.Stages = []executor.Stage{{Duration: time.Duration(st.Duration), Target: *st.EndRate}}
	}
	return cfg
}
