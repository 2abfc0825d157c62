package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/wesleyorama2/volley/internal/executor"
	"github.com/wesleyorama2/volley/internal/metrics"
	"github.com/wesleyorama2/volley/internal/workload"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors struct {
	Errors []*ValidationError
}

func (e *ValidationErrors) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e.Errors))
	for i, err := range e.Errors {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// Is makes every validation failure match ErrInvalidConfig.
func (e *ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

// Add adds an error to the collection.
func (e *ValidationErrors) Add(field, message string) {
	e.Errors = append(e.Errors, &ValidationError{Field: field, Message: message})
}

// HasErrors returns true if there are any errors.
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Errors) > 0
}

// Validate checks the whole profile and reports every problem at once.
func (p *Profile) Validate() error {
	errs := &ValidationErrors{}

	if len(p.Stages) == 0 {
		errs.Add("stages", "at least one stage is required")
	}

	names := make(map[string]bool, len(p.Stages))
	needHTTP, needRPC, needRequests := false, false, false
	for i, st := range p.Stages {
		prefix := fmt.Sprintf("stages[%d]", i)
		if st.Name != "" {
			prefix = "stages." + st.Name
			if names[st.Name] {
				errs.Add(prefix+".name", "duplicate stage name")
			}
			names[st.Name] = true
		}
		validateStage(prefix, st, errs)

		needHTTP = needHTTP || workload.UsesHTTP(st.Workload)
		needRPC = needRPC || workload.UsesRPC(st.Workload)
		needRequests = needRequests || st.Workload == workload.Requests
	}
	for _, st := range p.Stages {
		if st.After != "" && !names[st.After] {
			errs.Add("stages."+st.Name+".after", fmt.Sprintf("unknown stage %q", st.After))
		}
	}

	validateSettings(&p.Settings, needHTTP, needRPC, errs)

	if needRequests {
		if err := workload.ValidateRequests(p.Requests); err != nil {
			for _, e := range unjoin(err) {
				errs.Add("requests", e.Error())
			}
		}
	}

	builtins := metrics.NewRegistry()
	for subject, exprs := range p.Thresholds {
		for i, expr := range exprs {
			th, err := metrics.ParseThreshold(subject, expr)
			if err == nil {
				err = th.Check(builtins)
			}
			if err != nil {
				errs.Add(fmt.Sprintf("thresholds.%s[%d]", subject, i), err.Error())
			}
		}
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func validateStage(prefix string, st StageConfig, errs *ValidationErrors) {
	if st.Workload == "" {
		errs.Add(prefix+".workload", "workload is required")
	} else if !knownWorkload(st.Workload) {
		errs.Add(prefix+".workload", fmt.Sprintf("unknown workload %q (available: %s)", st.Workload, strings.Join(workload.Names(), ", ")))
	}

	switch st.RateFrom {
	case "", RateFromRPS, RateFromEPS:
	default:
		errs.Add(prefix+".rateFrom", fmt.Sprintf("must be %q or %q", RateFromRPS, RateFromEPS))
	}

	if executor.Type(st.Executor) == executor.TypePerVUIterations && (len(st.Targets) > 0 || st.EndRate != nil) {
		errs.Add(prefix+".targets", "per-vu-iterations stages have no rate targets")
	}
	if len(st.Targets) > 0 && st.EndRate != nil {
		errs.Add(prefix+".endRate", "use either endRate or targets")
	}
	if st.EndRate != nil && *st.EndRate < 0 {
		errs.Add(prefix+".endRate", "endRate must be >= 0")
	}

	cfg := st.ExecutorConfig()
	if err := cfg.Validate(); err != nil {
		var ve *executor.ValidationError
		if errors.As(err, &ve) {
			errs.Add(prefix+"."+ve.Field, ve.Message)
		} else {
			errs.Add(prefix, err.Error())
		}
	}
}

func validateSettings(s *Settings, needHTTP, needRPC bool, errs *ValidationErrors) {
	if needHTTP {
		u, err := url.Parse(s.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs.Add("settings.baseUrl", fmt.Sprintf("invalid URL %q", s.BaseURL))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			errs.Add("settings.baseUrl", "scheme must be http or https")
		}
	}
	if needRPC && s.EventHandlerAddr == "" {
		errs.Add("settings.eventHandlerAddr", "required by the events workload")
	}
	if s.Timeout < 0 {
		errs.Add("settings.timeout", "cannot be negative")
	}
	if s.MaxIdleConnsPerHost < 0 {
		errs.Add("settings.maxIdleConnsPerHost", "cannot be negative")
	}
	if s.MaxConnsPerHost < 0 {
		errs.Add("settings.maxConnsPerHost", "cannot be negative")
	}
	if s.ThinkScale < 0 {
		errs.Add("settings.thinkScale", "cannot be negative")
	}
}

func knownWorkload(name string) bool {
	for _, n := range workload.Names() {
		if n == name {
			return true
		}
	}
	return false
}

func unjoin(err error) []error {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return j.Unwrap()
	}
	return []error{err}
}
