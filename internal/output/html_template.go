package output

const htmlTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>{{.Name}} - volley report</title>
    <script src="https://cdn.jsdelivr.net/npm/chart.js"></script>
    <style>
        :root {
            --bg-primary: #f8fafc;
            --bg-card: #ffffff;
            --text-primary: #1e293b;
            --text-secondary: #64748b;
            --border-color: #e2e8f0;
            --accent-primary: #3b82f6;
            --accent-success: #22c55e;
            --accent-warning: #f59e0b;
            --accent-error: #ef4444;
            --shadow: 0 1px 3px rgba(0, 0, 0, 0.1);
        }

        @media (prefers-color-scheme: dark) {
            :root {
                --bg-primary: #0f172a;
                --bg-card: #1e293b;
                --text-primary: #f1f5f9;
                --text-secondary: #94a3b8;
                --border-color: #334155;
                --shadow: 0 1px 3px rgba(0, 0, 0, 0.3);
            }
        }

        * { margin: 0; padding: 0; box-sizing: border-box; }

        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, 'Helvetica Neue', Arial, sans-serif;
            background: var(--bg-primary);
            color: var(--text-primary);
            line-height: 1.6;
        }

        .container { max-width: 1200px; margin: 0 auto; padding: 2rem; }

        .card {
            background: var(--bg-card);
            border-radius: 12px;
            padding: 1.5rem;
            margin-bottom: 1.5rem;
            box-shadow: var(--shadow);
        }

        .header { display: flex; justify-content: space-between; align-items: center; flex-wrap: wrap; gap: 1rem; }
        .header h1 { font-size: 1.75rem; }
        .meta { color: var(--text-secondary); font-size: 0.875rem; display: flex; gap: 1.5rem; flex-wrap: wrap; }

        .status { padding: 0.5rem 1.25rem; border-radius: 9999px; font-weight: 600; }
        .status.pass { background: rgba(34, 197, 94, 0.15); color: var(--accent-success); }
        .status.fail { background: rgba(239, 68, 68, 0.15); color: var(--accent-error); }

        h2 { font-size: 1.125rem; margin-bottom: 1rem; }

        table { width: 100%; border-collapse: collapse; font-size: 0.875rem; }
        th, td { text-align: left; padding: 0.5rem 0.75rem; border-bottom: 1px solid var(--border-color); }
        th { color: var(--text-secondary); font-weight: 600; }
        td.num { text-align: right; font-variant-numeric: tabular-nums; }

        .pass { color: var(--accent-success); }
        .warn { color: var(--accent-warning); }
        .fail { color: var(--accent-error); }
        .muted { color: var(--text-secondary); }

        .chart-container { position: relative; height: 320px; }

        footer { text-align: center; color: var(--text-secondary); font-size: 0.75rem; padding: 1rem; }
    </style>
</head>
<body>
<div class="container">
    <div class="card header">
        <div>
            <h1>{{.Name}}</h1>
            {{if .Description}}<p class="muted">{{.Description}}</p>{{end}}
            <div class="meta">
                <span>started {{.StartTime.Format "2006-01-02 15:04:05"}}</span>
                <span>ran {{duration .Duration}}</span>
                <span>seed {{.Seed}}</span>
                {{if .Interrupted}}<span class="warn">interrupted</span>{{end}}
            </div>
        </div>
        <div class="status {{if .Passed}}pass{{else}}fail{{end}}">{{if .Passed}}✓ PASSED{{else}}✗ FAILED{{end}}</div>
    </div>

    {{if .Error}}
    <div class="card"><h2 class="fail">Error</h2><pre>{{.Error}}</pre></div>
    {{end}}

    {{if .Stages}}
    <div class="card">
        <h2>Stages</h2>
        <table>
            <tr><th>Stage</th><th>Executor</th><th>Started</th><th>Completed</th><th>Missed</th><th>Peak VUs</th><th>Duration</th></tr>
            {{range .Stages}}
            <tr>
                <td>{{.Name}}</td>
                <td class="muted">{{.Executor}}</td>
                {{if .Skipped}}
                <td colspan="5" class="warn">skipped</td>
                {{else if .Stats}}
                <td class="num">{{number .Stats.Started}}</td>
                <td class="num">{{number .Stats.Completed}}</td>
                <td class="num {{if gt .Stats.Missed 0}}warn{{end}}">{{number .Stats.Missed}}</td>
                <td class="num">{{.Stats.PeakVUs}}/{{.Stats.MaxVUs}}</td>
                <td class="num">{{duration .Duration}}</td>
                {{else}}
                <td colspan="5" class="muted">no stats</td>
                {{end}}
            </tr>
            {{if .Error}}<tr><td></td><td colspan="6" class="fail">{{.Error}}</td></tr>{{end}}
            {{end}}
        </table>
    </div>
    {{end}}

    {{if .Summary.Endpoints}}
    <div class="card">
        <h2>Endpoint latency</h2>
        <div class="chart-container"><canvas id="endpointChart"></canvas></div>
    </div>
    <div class="card">
        <h2>Endpoints</h2>
        <table>
            <tr><th>Protocol</th><th>Endpoint</th><th>Requests</th><th>Failed</th><th>Timeouts</th><th>Avg</th><th>Med</th><th>P95</th><th>P99</th><th>Max</th></tr>
            {{range .Summary.Endpoints}}
            <tr>
                <td class="muted">{{.Protocol}}</td>
                <td>{{.Endpoint}}</td>
                <td class="num">{{number .Requests}}</td>
                <td class="num {{rateClass .Failed}}">{{percent .Failed}}</td>
                <td class="num {{if gt .Timeouts 0}}warn{{end}}">{{number .Timeouts}}</td>
                <td class="num">{{latency .Latency.Avg}}</td>
                <td class="num">{{latency .Latency.Med}}</td>
                <td class="num">{{latency .Latency.P95}}</td>
                <td class="num">{{latency .Latency.P99}}</td>
                <td class="num">{{latency .Latency.Max}}</td>
            </tr>
            {{end}}
        </table>
    </div>
    {{end}}

    {{if .Summary.Metrics}}
    <div class="card">
        <h2>Metrics</h2>
        <table>
            <tr><th>Metric</th><th>Kind</th><th>Value</th></tr>
            {{range .Summary.Metrics}}
            <tr>
                <td>{{.Name}}</td>
                <td class="muted">{{.Kind}}</td>
                {{if .Trend}}
                <td>avg {{latency .Trend.Avg}} · p95 {{latency .Trend.P95}} · p99 {{latency .Trend.P99}} · max {{latency .Trend.Max}}</td>
                {{else if isRate .}}
                <td class="{{rateClass (badShare .)}}">{{percent .Rate}} <span class="muted">({{number .Count}} samples)</span></td>
                {{else if isGauge .}}
                <td>{{.Value}} <span class="muted">peak {{.Peak}}</span></td>
                {{else}}
                <td>{{number .Count}} <span class="muted">{{perSecond .Rate}}</span></td>
                {{end}}
            </tr>
            {{end}}
        </table>
    </div>
    {{end}}

    {{if .Summary.Checks}}
    <div class="card">
        <h2>Checks</h2>
        <table>
            <tr><th>Check</th><th>Passed</th><th>Failed</th><th>Pass rate</th></tr>
            {{range .Summary.Checks}}
            <tr>
                <td>{{if gt .Fails 0}}<span class="fail">✗</span>{{else}}<span class="pass">✓</span>{{end}} {{.Name}}</td>
                <td class="num">{{number .Passes}}</td>
                <td class="num">{{number .Fails}}</td>
                <td class="num">{{percent (checkRate .)}}</td>
            </tr>
            {{end}}
        </table>
    </div>
    {{end}}

    {{if .Thresholds}}
    <div class="card">
        <h2>Thresholds</h2>
        <table>
            <tr><th></th><th>Metric</th><th>Expression</th><th>Actual</th></tr>
            {{range .Thresholds}}
            <tr>
                <td class="{{if .Passed}}pass{{else}}fail{{end}}">{{if .Passed}}✓{{else}}✗{{end}}</td>
                <td>{{.Name}}</td>
                <td><code>{{.Expr}}</code></td>
                <td class="num">{{actual .}}</td>
            </tr>
            {{end}}
        </table>
    </div>
    {{end}}

    <footer>Generated by volley · {{.Generated.Format "2006-01-02 15:04:05 MST"}}</footer>
</div>

<script>
    const endpointData = {{.EndpointChart}};
    if (endpointData.length > 0 && typeof Chart !== 'undefined') {
        new Chart(document.getElementById('endpointChart'), {
            type: 'bar',
            data: {
                labels: endpointData.map(d => d.label),
                datasets: [
                    { label: 'med (ms)', data: endpointData.map(d => d.med), backgroundColor: '#3b82f6' },
                    { label: 'p95 (ms)', data: endpointData.map(d => d.p95), backgroundColor: '#f59e0b' },
                    { label: 'p99 (ms)', data: endpointData.map(d => d.p99), backgroundColor: '#ef4444' }
                ]
            },
            options: { responsive: true, maintainAspectRatio: false, scales: { y: { beginAtZero: true } } }
        });
    }
</script>
</body>
</html>
`
