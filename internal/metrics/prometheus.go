package metrics

import (
	"net/http"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "volley"

// Collector exposes registry aggregates at scrape time. Series of one
// metric may carry different tag sets, so labels are the union of tag
// names with missing tags exported as empty strings.
type Collector struct {
	reg *Registry
}

// NewCollector wraps reg.
func NewCollector(reg *Registry) *Collector {
	return &Collector{reg: reg}
}

// Describe sends nothing: the collector is unchecked because its label
// sets are only known at scrape time.
func (c *Collector) Describe(chan<- *prometheus.Desc) {}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	byName := make(map[string][]SeriesSnapshot)
	for _, s := range c.reg.Snapshot() {
		byName[s.Name] = append(byName[s.Name], s)
	}

	for name, group := range byName {
		labels := labelUnion(group)
		for _, s := range group {
			values := make([]string, len(labels))
			for i, l := range labels {
				values[i] = s.Tags[l]
			}
			collectSeries(ch, name, labels, values, s.Aggregate)
		}
	}
}

func collectSeries(ch chan<- prometheus.Metric, name string, labels, values []string, agg Aggregate) {
	switch agg.Kind {
	case Counter:
		desc := prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name+"_total"), name+" counter", labels, nil)
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(agg.Count), values...)
	case Rate:
		desc := prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name+"_ratio"), name+" rate", labels, nil)
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, agg.Rate(), values...)
	case Gauge:
		desc := prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), name+" gauge", labels, nil)
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(agg.Value), values...)
	case Trend:
		desc := prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name+"_seconds"), name+" distribution", labels, nil)
		quantiles := map[float64]float64{
			0.5:  agg.Med().Seconds(),
			0.9:  agg.Percentile(90).Seconds(),
			0.95: agg.Percentile(95).Seconds(),
			0.99: agg.Percentile(99).Seconds(),
		}
		sum := agg.Avg().Seconds() * float64(agg.Count)
		ch <- prometheus.MustNewConstSummary(desc, uint64(agg.Count), sum, quantiles, values...)
	}
}

func labelUnion(group []SeriesSnapshot) []string {
	seen := make(map[string]struct{})
	for _, s := range group {
		for k := range s.Tags {
			seen[k] = struct{}{}
		}
	}
	labels := make([]string, 0, len(seen))
	for k := range seen {
		labels = append(labels, k)
	}
	sort.Strings(labels)
	return labels
}

// Handler serves reg in the Prometheus text format.
func Handler(reg *Registry) http.Handler {
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(NewCollector(reg))
	return promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})
}
