package output

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/wesleyorama2/volley/internal/metrics"
)

// LiveStats is a point-in-time view of a running registry.
type LiveStats struct {
	Elapsed    time.Duration
	Span       time.Duration
	ActiveVUs  int64
	Requests   int64
	RPS        float64
	ErrorRate  float64
	Dropped    int64
	Iterations int64
	P95        time.Duration
}

// Progress reports the run on a terminal line, or as one log line per
// update when the writer is not a terminal.
type Progress struct {
	w      io.Writer
	colors *ColorScheme
	tty    bool
	span   time.Duration

	mu    sync.Mutex
	drawn bool
}

// NewProgress creates a progress reporter for a run of the given scheduled span.
func NewProgress(w io.Writer, colors *ColorScheme, tty bool, span time.Duration) *Progress {
	if colors == nil {
		colors = NoColorScheme()
	}
	return &Progress{w: w, colors: colors, tty: tty, span: span}
}

// StatsFrom reads the live values of reg.
func StatsFrom(reg *metrics.Registry, span time.Duration) LiveStats {
	httpReqs := reg.Query(metrics.HTTPReqs, nil)
	grpcReqs := reg.Query(metrics.GRPCReqs, nil)
	httpFailed := reg.Query(metrics.HTTPReqFailed, nil)
	grpcFailed := reg.Query(metrics.GRPCReqFailed, nil)

	s := LiveStats{
		Elapsed:    reg.Elapsed(),
		Span:       span,
		ActiveVUs:  reg.Query(metrics.VUs, nil).Value,
		Requests:   httpReqs.Count + grpcReqs.Count,
		RPS:        httpReqs.Rate() + grpcReqs.Rate(),
		Dropped:    reg.Query(metrics.DroppedIterations, nil).Count,
		Iterations: reg.Query(metrics.Iterations, nil).Count,
		P95:        reg.Query(metrics.HTTPReqDuration, nil).Percentile(95),
	}
	if n := httpFailed.Count + grpcFailed.Count; n > 0 {
		s.ErrorRate = float64(httpFailed.Hits+grpcFailed.Hits) / float64(n)
	}
	return s
}

// Update draws s.
func (p *Progress) Update(s LiveStats) {
	p.mu.Lock()
	defer p.mu.Unlock()

	line := fmt.Sprintf("[%s / %s] VUs %s | reqs %s (%.1f/s) | errors %s | dropped %s | iterations %s | p95 %s",
		formatDuration(s.Elapsed), formatDuration(s.Span),
		p.colors.Value.Sprint(s.ActiveVUs),
		p.colors.Value.Sprint(formatNumber(s.Requests)), s.RPS,
		p.colors.rate(s.ErrorRate).Sprintf("%.2f%%", s.ErrorRate*100),
		formatNumber(s.Dropped),
		formatNumber(s.Iterations),
		formatDurationShort(s.P95))

	if p.tty {
		fmt.Fprintf(p.w, "\r\033[2K%s", line)
		p.drawn = true
		return
	}
	fmt.Fprintln(p.w, line)
}

// Finish ends the live line.
func (p *Progress) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tty && p.drawn {
		fmt.Fprintln(p.w)
		p.drawn = false
	}
}

// Watch updates every interval from the registry returned by source until
// ctx is done. source may return nil until the run has started.
func (p *Progress) Watch(ctx context.Context, interval time.Duration, source func() *metrics.Registry) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer p.Finish()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if reg := source(); reg != nil {
				p.Update(StatsFrom(reg, p.span))
			}
		}
	}
}
