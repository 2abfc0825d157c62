package workload

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/volley/internal/protocol"
	"github.com/wesleyorama2/volley/internal/session"
	"github.com/wesleyorama2/volley/pkg/jsonpath"
)

// RequestSpec is one declarative HTTP step. Path, query, header and body
// values may reference session variables as {{name}}; user_id, token,
// namespace, challenge_id and vu are always defined.
type RequestSpec struct {
	Name    string            `yaml:"name" json:"name"`
	Method  string            `yaml:"method,omitempty" json:"method,omitempty"`
	Path    string            `yaml:"path" json:"path"`
	Query   map[string]string `yaml:"query,omitempty" json:"query,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Body    any               `yaml:"body,omitempty" json:"body,omitempty"`
	// Anonymous skips the identity headers.
	Anonymous        bool  `yaml:"anonymous,omitempty" json:"anonymous,omitempty"`
	ExpectedStatuses []int `yaml:"expectedStatuses,omitempty" json:"expectedStatuses,omitempty"`
	// Extract stores values of a successful response into variables.
	Extract  map[string]string `yaml:"extract,omitempty" json:"extract,omitempty"`
	Assert   []Assertion       `yaml:"assert,omitempty" json:"assert,omitempty"`
	ThinkMin time.Duration     `yaml:"thinkMin,omitempty" json:"thinkMin,omitempty"`
	ThinkMax time.Duration     `yaml:"thinkMax,omitempty" json:"thinkMax,omitempty"`
}

// Assertion is recorded as a named check. Status compares the response
// code; the other fields apply to the value at Path.
type Assertion struct {
	Name     string  `yaml:"name,omitempty" json:"name,omitempty"`
	Status   int     `yaml:"status,omitempty" json:"status,omitempty"`
	Path     string  `yaml:"path,omitempty" json:"path,omitempty"`
	Equals   *string `yaml:"equals,omitempty" json:"equals,omitempty"`
	Exists   *bool   `yaml:"exists,omitempty" json:"exists,omitempty"`
	MinCount *int    `yaml:"minCount,omitempty" json:"minCount,omitempty"`
}

// Label names the check an assertion is recorded under.
func (a Assertion) Label(request string) string {
	if a.Name != "" {
		return a.Name
	}
	switch {
	case a.Status != 0:
		return fmt.Sprintf("%s: status %d", request, a.Status)
	case a.Equals != nil:
		return fmt.Sprintf("%s: %s == %s", request, a.Path, *a.Equals)
	case a.MinCount != nil:
		return fmt.Sprintf("%s: count(%s) >= %d", request, a.Path, *a.MinCount)
	case a.Exists != nil && !*a.Exists:
		return fmt.Sprintf("%s: %s absent", request, a.Path)
	default:
		return fmt.Sprintf("%s: %s exists", request, a.Path)
	}
}

// Holds evaluates the assertion against a result.
func (a Assertion) Holds(res protocol.CallResult) bool {
	if a.Status != 0 && res.Code != a.Status {
		return false
	}
	if a.Path == "" {
		return a.Status != 0 || res.OK()
	}
	if a.Exists != nil && jsonpath.Exists(res.Payload, a.Path) != *a.Exists {
		return false
	}
	if a.MinCount != nil && jsonpath.Count(res.Payload, a.Path) < *a.MinCount {
		return false
	}
	if a.Equals != nil {
		v, err := jsonpath.Extract(res.Payload, a.Path)
		if err != nil || v != *a.Equals {
			return false
		}
	}
	if a.Exists == nil && a.MinCount == nil && a.Equals == nil {
		return jsonpath.Exists(res.Payload, a.Path)
	}
	return true
}

// ValidateRequests reports every problem of a request list.
func ValidateRequests(specs []RequestSpec) error {
	if len(specs) == 0 {
		return errors.New("requests workload needs at least one request")
	}
	seen := make(map[string]bool, len(specs))
	var errs []error
	for i, s := range specs {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("requests[%d]: name is required", i))
		} else if seen[s.Name] {
			errs = append(errs, fmt.Errorf("requests[%d]: duplicate name %q", i, s.Name))
		}
		seen[s.Name] = true
		if s.Path == "" {
			errs = append(errs, fmt.Errorf("requests[%d]: path is required", i))
		}
		if s.ThinkMin < 0 || s.ThinkMax < 0 {
			errs = append(errs, fmt.Errorf("requests[%d]: think time must not be negative", i))
		}
		for j, a := range s.Assert {
			if a.Status == 0 && a.Path == "" {
				errs = append(errs, fmt.Errorf("requests[%d].assert[%d]: status or path is required", i, j))
			}
		}
	}
	return errors.Join(errs...)
}

// buildRequests runs the declared requests in order, one step each.
func buildRequests(o Options) (*session.Journey, error) {
	if err := ValidateRequests(o.Requests); err != nil {
		return nil, err
	}
	api := ChallengeAPI{Namespace: o.Namespace}

	steps := make([]session.Step, len(o.Requests))
	for i, spec := range o.Requests {
		if spec.Method == "" {
			spec.Method = http.MethodGet
		}
		first := i == 0

		run := func(ctx context.Context, vu *session.VirtualUser) error {
			if first {
				rec := o.begin(vu)
				vu.SetVar("user_id", rec.User.ID)
				vu.SetVar("token", rec.Token)
				vu.SetVar("namespace", o.Namespace)
				vu.SetVar("challenge_id", o.ChallengeID)
				vu.SetVar("vu", strconv.Itoa(vu.ID))
			}
			return runRequest(ctx, vu, api, o, spec)
		}
		steps[i] = session.Step{
			Name:  spec.Name,
			Run:   run,
			Think: o.between(spec.ThinkMin, max(spec.ThinkMin, spec.ThinkMax)),
		}
	}

	return &session.Journey{Name: Requests, Steps: steps}, nil
}

func runRequest(ctx context.Context, vu *session.VirtualUser, api ChallengeAPI, o Options, spec RequestSpec) error {
	path := vu.Resolve(spec.Path)
	if len(spec.Query) > 0 {
		q := url.Values{}
		for k, v := range spec.Query {
			q.Set(k, vu.Resolve(v))
		}
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		path += sep + q.Encode()
	}

	header := make(http.Header)
	if !spec.Anonymous {
		header = api.header(o.current(vu))
	}
	keys := make([]string, 0, len(spec.Headers))
	for k := range spec.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		header.Set(k, vu.Resolve(spec.Headers[k]))
	}

	req := protocol.Request{
		Method:           strings.ToUpper(spec.Method),
		Path:             path,
		Header:           header,
		Tag:              spec.Name,
		ExpectedStatuses: spec.ExpectedStatuses,
	}
	if spec.Body != nil {
		if s, ok := spec.Body.(string); ok {
			req.Body = []byte(vu.Resolve(s))
		} else {
			req.Body = []byte(vu.Resolve(string(protocol.JSONBody(spec.Body))))
		}
		if header.Get("Content-Type") == "" {
			header.Set("Content-Type", "application/json")
		}
	}

	res := vu.HTTP(ctx, req, nil)

	if len(spec.Extract) > 0 && res.OK() {
		values, err := jsonpath.ExtractAll(res.Payload, spec.Extract)
		for k, v := range values {
			vu.SetVar(k, v)
		}
		if err != nil {
			vu.Logger.Debug("extraction failed", zap.String("request", spec.Name), zap.Error(err))
		}
		vu.Check(spec.Name+": extract", err == nil, nil)
	}
	for _, a := range spec.Assert {
		label := a.Label(spec.Name)
		if a.Equals != nil {
			want := vu.Resolve(*a.Equals)
			a.Equals = &want
		}
		vu.Check(label, a.Holds(res), nil)
	}
	return res.Err
}
