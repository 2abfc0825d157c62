package output

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/wesleyorama2/volley/internal/engine"
	"github.com/wesleyorama2/volley/internal/metrics"
)

// reportData is what the HTML template renders.
type reportData struct {
	*engine.Result
	Generated time.Time
	// EndpointChart feeds the latency chart.
	EndpointChart template.JS
}

// endpointPoint is one bar group of the endpoint latency chart, in ms.
type endpointPoint struct {
	Label string  `json:"label"`
	Med   float64 `json:"med"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
}

var reportTemplate = template.Must(template.New("report").Funcs(reportFuncs()).Parse(htmlTemplate))

func reportFuncs() template.FuncMap {
	return template.FuncMap{
		"duration":  formatDuration,
		"latency":   formatDurationShort,
		"number":    formatNumber,
		"actual":    formatActual,
		"badShare":  failureRate,
		"checkRate": checkRate,
		"percent":   func(r float64) string { return fmt.Sprintf("%.2f%%", r*100) },
		"perSecond": func(r float64) string { return fmt.Sprintf("%.2f/s", r) },
		"isRate":    func(m engine.MetricSummary) bool { return m.Kind == metrics.Rate.String() },
		"isGauge":   func(m engine.MetricSummary) bool { return m.Kind == metrics.Gauge.String() },
		"rateClass": rateClass,
	}
}

// rateClass mirrors the console thresholds for bad-sample shares.
func rateClass(r float64) string {
	switch {
	case r > 0.05:
		return "fail"
	case r > 0.01:
		return "warn"
	default:
		return "pass"
	}
}

// WriteHTML renders the result as a standalone HTML page.
func WriteHTML(w io.Writer, res *engine.Result) error {
	if res == nil {
		return errors.New("result cannot be nil")
	}

	chart, err := endpointChart(res.Summary.Endpoints)
	if err != nil {
		return fmt.Errorf("encoding chart data: %w", err)
	}
	data := reportData{Result: res, Generated: time.Now(), EndpointChart: template.JS(chart)}

	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return fmt.Errorf("rendering report: %w", err)
	}
	_, err = w.Write(buf.Bytes())
	return err
}

// ExportHTML writes the HTML report to path, creating parent directories.
func ExportHTML(path string, res *engine.Result) error {
	var buf bytes.Buffer
	if err := WriteHTML(&buf, res); err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating report directory: %w", err)
		}
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	return nil
}

func endpointChart(endpoints []engine.EndpointSummary) (string, error) {
	points := make([]endpointPoint, 0, len(endpoints))
	for _, ep := range endpoints {
		points = append(points, endpointPoint{
			Label: string(ep.Protocol) + " " + ep.Endpoint,
			Med:   ms(ep.Latency.Med),
			P95:   ms(ep.Latency.P95),
			P99:   ms(ep.Latency.P99),
		})
	}
	b, err := json.Marshal(points)
	if err != nil {
		return "[]", err
	}
	return string(b), nil
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// checkRate is the pass share of a check tally.
func checkRate(c engine.CheckSummary) float64 {
	total := c.Passes + c.Fails
	if total == 0 {
		return 0
	}
	return float64(c.Passes) / float64(total)
}
