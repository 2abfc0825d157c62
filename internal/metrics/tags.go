package metrics

import (
	"sort"
	"strings"
)

// Tags label a metric series. A nil Tags is an empty set.
type Tags map[string]string

// With returns a copy of t with k set to v.
func (t Tags) With(k, v string) Tags {
	out := make(Tags, len(t)+1)
	for key, val := range t {
		out[key] = val
	}
	out[k] = v
	return out
}

// Merge returns a copy of t overlaid with other.
func (t Tags) Merge(other Tags) Tags {
	out := make(Tags, len(t)+len(other))
	for k, v := range t {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Contains reports whether every pair of filter is present in t.
func (t Tags) Contains(filter Tags) bool {
	for k, v := range filter {
		if got, ok := t[k]; !ok || got != v {
			return false
		}
	}
	return true
}

// Keys returns the tag names in sorted order.
func (t Tags) Keys() []string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String renders the canonical "k:v,k:v" form with keys sorted.
func (t Tags) String() string {
	var sb strings.Builder
	for i, k := range t.Keys() {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte(':')
		sb.WriteString(t[k])
	}
	return sb.String()
}

// seriesKey identifies one (metric, tag set) pair.
func seriesKey(name string, tags Tags) string {
	if len(tags) == 0 {
		return name
	}
	return name + "{" + tags.String() + "}"
}
