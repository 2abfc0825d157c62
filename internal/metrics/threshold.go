package metrics

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidThreshold is returned for unparseable threshold definitions.
var ErrInvalidThreshold = errors.New("invalid threshold")

// Threshold is one pass/fail criterion over exactly one (metric, filter)
// pair. Trend values are milliseconds.
type Threshold struct {
	Metric      string
	Filter      Tags
	Aggregation string
	// Percentile is set when Aggregation is "p".
	Percentile float64
	Operator   string
	Value      float64
	// Expression is the text the threshold was parsed from.
	Expression string
}

// Name renders the threshold subject in "metric{k:v}" form.
func (t Threshold) Name() string {
	if len(t.Filter) == 0 {
		return t.Metric
	}
	return t.Metric + "{" + t.Filter.String() + "}"
}

func (t Threshold) String() string {
	return t.Name() + ": " + t.Expression
}

// Both the k6 form "p(95)<2000" and the short form "p95 < 500ms" parse.
var expressionRe = regexp.MustCompile(`^\s*(p\(\s*(\d+(?:\.\d+)?)\s*\)|p(\d+(?:\.\d+)?)|avg|min|max|med|rate|count|value)\s*(<=|>=|==|!=|<|>)\s*(\S+)\s*$`)

// ParseSubject splits "metric{k:v,k2:v2}" into a metric and its filter.
func ParseSubject(subject string) (string, Tags, error) {
	subject = strings.TrimSpace(subject)
	open := strings.IndexByte(subject, '{')
	if open < 0 {
		if subject == "" || strings.ContainsAny(subject, "} ") {
			return "", nil, fmt.Errorf("%w: bad metric %q", ErrInvalidThreshold, subject)
		}
		return subject, nil, nil
	}
	if !strings.HasSuffix(subject, "}") || open == 0 {
		return "", nil, fmt.Errorf("%w: bad metric %q", ErrInvalidThreshold, subject)
	}

	metric := strings.TrimSpace(subject[:open])
	body := strings.TrimSpace(subject[open+1 : len(subject)-1])
	filter := Tags{}
	if body == "" {
		return metric, filter, nil
	}
	for _, pair := range strings.Split(body, ",") {
		k, v, ok := strings.Cut(pair, ":")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" {
			return "", nil, fmt.Errorf("%w: bad tag filter %q in %q", ErrInvalidThreshold, pair, subject)
		}
		filter[k] = v
	}
	return metric, filter, nil
}

// ParseThreshold parses one expression for subject.
func ParseThreshold(subject, expr string) (Threshold, error) {
	metric, filter, err := ParseSubject(subject)
	if err != nil {
		return Threshold{}, err
	}

	m := expressionRe.FindStringSubmatch(expr)
	if m == nil {
		return Threshold{}, fmt.Errorf("%w: %s: cannot parse %q", ErrInvalidThreshold, subject, expr)
	}

	th := Threshold{
		Metric:     metric,
		Filter:     filter,
		Operator:   m[4],
		Expression: strings.TrimSpace(expr),
	}

	switch {
	case m[2] != "" || m[3] != "":
		pct := m[2] + m[3]
		p, err := strconv.ParseFloat(pct, 64)
		if err != nil || p < 0 || p > 100 {
			return Threshold{}, fmt.Errorf("%w: %s: %q: bad percentile %q", ErrInvalidThreshold, subject, expr, pct)
		}
		th.Aggregation = "p"
		th.Percentile = p
	default:
		th.Aggregation = m[1]
	}

	value, err := parseValue(m[5])
	if err != nil {
		return Threshold{}, fmt.Errorf("%w: %s: %q: %v", ErrInvalidThreshold, subject, expr, err)
	}
	th.Value = value

	return th, nil
}

// parseValue accepts plain numbers or Go durations, converted to ms.
func parseValue(s string) (float64, error) {
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("bad value %q", s)
	}
	return float64(d) / float64(time.Millisecond), nil
}

// ParseThresholds parses a subject -> expressions map. Subjects are
// processed in sorted order; every problem is reported.
func ParseThresholds(defs map[string][]string) ([]Threshold, error) {
	subjects := make([]string, 0, len(defs))
	for s := range defs {
		subjects = append(subjects, s)
	}
	sort.Strings(subjects)

	var (
		out  []Threshold
		errs []error
	)
	for _, subject := range subjects {
		for _, expr := range defs[subject] {
			th, err := ParseThreshold(subject, expr)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			out = append(out, th)
		}
	}
	return out, errors.Join(errs...)
}

var aggregationsByKind = map[Kind][]string{
	Counter: {"count", "rate"},
	Rate:    {"rate", "count"},
	Trend:   {"p", "avg", "min", "max", "med", "count"},
	Gauge:   {"value", "max"},
}

// Check verifies the metric exists in reg and supports the aggregation.
func (t Threshold) Check(reg *Registry) error {
	kind, ok := reg.Kind(t.Metric)
	if !ok {
		return fmt.Errorf("%w: unknown metric %q", ErrInvalidThreshold, t.Metric)
	}
	for _, agg := range aggregationsByKind[kind] {
		if agg == t.Aggregation {
			return nil
		}
	}
	return fmt.Errorf("%w: %s is a %s metric and has no %q aggregation", ErrInvalidThreshold, t.Metric, kind, t.Aggregation)
}

// Actual extracts the value the threshold compares against.
func (t Threshold) Actual(agg Aggregate) float64 {
	switch t.Aggregation {
	case "p":
		return ms(agg.Percentile(t.Percentile))
	case "avg":
		return ms(agg.Avg())
	case "min":
		return ms(agg.Min())
	case "med":
		return ms(agg.Med())
	case "max":
		if agg.Kind == Gauge {
			return float64(agg.Peak)
		}
		return ms(agg.Max())
	case "rate":
		return agg.Rate()
	case "count":
		return float64(agg.Count)
	case "value":
		return float64(agg.Value)
	default:
		return 0
	}
}

// Passes compares actual against the threshold.
func (t Threshold) Passes(actual float64) bool {
	return compareValues(actual, t.Operator, t.Value)
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// compareValues compares two values using the given operator.
func compareValues(actual float64, op string, threshold float64) bool {
	switch op {
	case "<":
		return actual < threshold
	case "<=":
		return actual <= threshold
	case ">":
		return actual > threshold
	case ">=":
		return actual >= threshold
	case "==":
		return actual == threshold
	case "!=":
		return actual != threshold
	default:
		return false
	}
}
