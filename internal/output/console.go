// Package output renders run results: the console summary, live progress
// lines, the JSON summary export and the HTML report.
package output

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/wesleyorama2/volley/internal/engine"
	"github.com/wesleyorama2/volley/internal/metrics"
)

const ruleWidth = 64

// Console prints run summaries.
type Console struct {
	w      io.Writer
	colors *ColorScheme
	quiet  bool
}

// NewConsole creates a console printer. A nil scheme disables colors.
func NewConsole(w io.Writer, colors *ColorScheme, quiet bool) *Console {
	if colors == nil {
		colors = NoColorScheme()
	}
	return &Console{w: w, colors: colors, quiet: quiet}
}

// PrintHeader announces the run.
func (c *Console) PrintHeader(name string, stages int, span time.Duration, seed uint64) {
	if c.quiet {
		return
	}
	c.rule()
	c.writef("%s  %s\n", c.colors.Title.Sprint(name),
		c.colors.Dim.Sprintf("%d stage(s), scheduled %s, seed %d", stages, formatDuration(span), seed))
	c.rule()
}

// PrintSummary prints the final summary of a run.
func (c *Console) PrintSummary(res *engine.Result) {
	if res == nil {
		return
	}
	if c.quiet {
		if res.Passed {
			c.writef("%s\n", c.colors.Pass.Sprint("PASSED"))
		} else {
			c.writef("%s\n", c.colors.Fail.Sprint("FAILED"))
		}
		return
	}

	status := c.colors.Pass.Sprint("passed ✓")
	if !res.Passed {
		status = c.colors.Fail.Sprint("failed ✗")
	}
	if res.Interrupted {
		status += c.colors.Warn.Sprint(" (interrupted)")
	}

	c.writef("\n")
	c.rule()
	c.writef("%s - %s\n", c.colors.Title.Sprint(res.Name), status)
	c.rule()
	c.writef("%-16s %s\n", "duration", c.colors.Value.Sprint(formatDuration(res.Duration)))
	c.writef("%-16s %s\n", "seed", c.colors.Value.Sprint(res.Seed))
	if res.Error != "" {
		c.writef("%-16s %s\n", "error", c.colors.Fail.Sprint(res.Error))
	}

	c.printStages(res)
	c.printMetrics(res.Summary)
	c.printEndpoints(res.Summary)
	c.printChecks(res.Summary)
	c.printThresholds(res.Thresholds)
}

func (c *Console) printStages(res *engine.Result) {
	if len(res.Stages) == 0 {
		return
	}
	c.section("Stages")
	for _, st := range res.Stages {
		switch {
		case st.Skipped:
			c.writef("  %-20s %s\n", st.Name, c.colors.Warn.Sprint("skipped"))
			continue
		case st.Stats == nil:
			c.writef("  %-20s %s\n", st.Name, c.colors.Dim.Sprint("no stats"))
			continue
		}
		missed := c.colors.Value.Sprint(formatNumber(st.Stats.Missed))
		if st.Stats.Missed > 0 {
			missed = c.colors.Warn.Sprint(formatNumber(st.Stats.Missed))
		}
		c.writef("  %-20s %-22s started %s  completed %s  missed %s  peak VUs %d/%d  %s\n",
			st.Name,
			c.colors.Dim.Sprint(st.Executor),
			c.colors.Value.Sprint(formatNumber(st.Stats.Started)),
			c.colors.Value.Sprint(formatNumber(st.Stats.Completed)),
			missed,
			st.Stats.PeakVUs, st.Stats.MaxVUs,
			formatDuration(st.Duration))
		if st.Error != "" {
			c.writef("    %s\n", c.colors.Fail.Sprint(st.Error))
		}
	}
}

func (c *Console) printMetrics(s engine.Summary) {
	if len(s.Metrics) == 0 {
		return
	}
	c.section("Metrics")
	for _, m := range s.Metrics {
		var value string
		switch {
		case m.Trend != nil:
			value = formatTrend(*m.Trend)
		case m.Kind == metrics.Rate.String():
			value = c.colors.rate(failureRate(m)).Sprintf("%.2f%%", m.Rate*100) +
				c.colors.Dim.Sprintf("  (%s samples)", formatNumber(m.Count))
		case m.Kind == metrics.Gauge.String():
			value = fmt.Sprintf("%d  peak %d", m.Value, m.Peak)
		default:
			value = fmt.Sprintf("%s  %.2f/s", formatNumber(m.Count), m.Rate)
		}
		c.writef("  %-20s %s\n", m.Name, value)
	}
}

// failureRate is the share of bad samples a rate metric represents; for
// checks a hit is good, for *_failed a hit is bad.
func failureRate(m engine.MetricSummary) float64 {
	if m.Name == metrics.Checks {
		return 1 - m.Rate
	}
	return m.Rate
}

func (c *Console) printEndpoints(s engine.Summary) {
	if len(s.Endpoints) == 0 {
		return
	}
	c.section("Endpoints")
	for _, ep := range s.Endpoints {
		line := fmt.Sprintf("  %-5s %-22s %8s reqs  failed %s", ep.Protocol, ep.Endpoint,
			formatNumber(ep.Requests), c.colors.rate(ep.Failed).Sprintf("%6.2f%%", ep.Failed*100))
		if ep.Timeouts > 0 {
			line += c.colors.Warn.Sprintf("  timeouts %d", ep.Timeouts)
		}
		c.writef("%s  %s\n", line, formatTrend(ep.Latency))
	}
}

func (c *Console) printChecks(s engine.Summary) {
	if len(s.Checks) == 0 {
		return
	}
	c.section("Checks")
	for _, ch := range s.Checks {
		icon := c.colors.PassIcon()
		if ch.Fails > 0 {
			icon = c.colors.FailIcon()
		}
		c.writef("  %s %s %s\n", icon, ch.Name,
			c.colors.Dim.Sprintf("(%d passed, %d failed)", ch.Passes, ch.Fails))
	}
}

func (c *Console) printThresholds(results []metrics.ThresholdResult) {
	if len(results) == 0 {
		return
	}
	c.section("Thresholds")
	for _, r := range results {
		icon := c.colors.PassIcon()
		if !r.Passed {
			icon = c.colors.FailIcon()
		}
		actual := formatActual(r)
		c.writef("  %s %s %s %s\n", icon, r.Name, r.Expr, c.colors.Dim.Sprintf("(actual: %s)", actual))
	}
}

func formatActual(r metrics.ThresholdResult) string {
	if r.NoData {
		return "no data"
	}
	switch r.Threshold.Aggregation {
	case "rate":
		return fmt.Sprintf("%.4f", r.Actual)
	case "count", "value":
		return fmt.Sprintf("%.0f", r.Actual)
	default:
		return fmt.Sprintf("%.2fms", r.Actual)
	}
}

func (c *Console) section(name string) {
	c.writef("\n%s\n", c.colors.Section.Sprint(name))
}

func (c *Console) rule() {
	c.writef("%s\n", c.colors.Rule.Sprint(strings.Repeat("━", ruleWidth)))
}

func (c *Console) writef(format string, args ...any) {
	fmt.Fprintf(c.w, format, args...)
}

func formatTrend(t metrics.TrendStats) string {
	return fmt.Sprintf("avg=%s med=%s p90=%s p95=%s p99=%s max=%s",
		formatDurationShort(t.Avg), formatDurationShort(t.Med), formatDurationShort(t.P90),
		formatDurationShort(t.P95), formatDurationShort(t.P99), formatDurationShort(t.Max))
}

// formatDuration formats a duration in a human-readable format.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %02dm %02ds", int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60)
}

// formatDurationShort formats a latency.
func formatDurationShort(d time.Duration) string {
	switch {
	case d < time.Microsecond:
		return "0ms"
	case d < time.Millisecond:
		return fmt.Sprintf("%dµs", d.Microseconds())
	case d < time.Second:
		return fmt.Sprintf("%.1fms", float64(d)/float64(time.Millisecond))
	case d < time.Minute:
		return fmt.Sprintf("%.2fs", d.Seconds())
	default:
		return fmt.Sprintf("%.1fm", d.Minutes())
	}
}

// formatNumber formats a number with thousands separators.
func formatNumber(n int64) string {
	if n < 0 {
		return "-" + formatNumber(-n)
	}
	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return str
	}

	var b strings.Builder
	offset := len(str) % 3
	if offset > 0 {
		b.WriteString(str[:offset])
	}
	for i := offset; i < len(str); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(str[i : i+3])
	}
	return b.String()
}
