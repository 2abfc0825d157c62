package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wesleyorama2/volley/internal/config"
	"github.com/wesleyorama2/volley/internal/engine"
	"github.com/wesleyorama2/volley/internal/mocktarget"
)

func execute(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Execute(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func fixturesDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "users.json"), []byte(`[{"id":"user-0"},{"id":"user-1"}]`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tokens.json"), []byte(`["tok-0","tok-1"]`), 0o644))
	return dir
}

func writeProfile(t *testing.T, baseURL, fixtures, threshold string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profile.yaml")
	body := fmt.Sprintf(`name: cli-test
settings:
  baseUrl: %s
  fixturesDir: %s
  seed: 3
stages:
  - name: init
    workload: initialize
    executor: per-vu-iterations
    vus: 2
    iterations: 2
thresholds:
  http_req_failed: ["%s"]
`, baseURL, fixtures, threshold)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func mockURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(mocktarget.New(mocktarget.Config{Prefix: "/challenge", Seed: 1}).Handler())
	t.Cleanup(srv.Close)
	return srv.URL + "/challenge"
}

func TestProfiles(t *testing.T) {
	code, out, _ := execute(t, "profiles")
	require.Equal(t, 0, code)
	for _, name := range config.PresetNames() {
		assert.Contains(t, out, name)
	}
	assert.Contains(t, out, "DESCRIPTION")
}

func TestProfilesShow(t *testing.T) {
	code, out, _ := execute(t, "profiles", "show", "smoke")
	require.Equal(t, 0, code)

	p, err := config.Parse([]byte(out))
	require.NoError(t, err)
	assert.Equal(t, "smoke", p.Name)
	assert.Len(t, p.Stages, 3)

	code, _, stderr := execute(t, "profiles", "show", "nope")
	assert.Equal(t, engine.ExitInvalid, code)
	assert.Contains(t, stderr, "unknown preset")
}

func TestValidate(t *testing.T) {
	code, out, _ := execute(t, "validate", "--no-color", "api-load")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "✓ api-load")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("name: bad\nstages:\n  - name: x\n    workload: soak\n    executor: constant-arrival-rate\n"), 0o644))
	code, out, _ = execute(t, "validate", "--no-color", bad)
	assert.Equal(t, engine.ExitInvalid, code)
	assert.Contains(t, out, "stages.x.workload")
	assert.Contains(t, out, "stages.x.rate")
}

func TestValidate_EnvOverride(t *testing.T) {
	t.Setenv("TARGET_RPS", "lots")
	code, out, _ := execute(t, "validate", "api-load")
	assert.Equal(t, engine.ExitInvalid, code)
	assert.Contains(t, out, "TARGET_RPS")
}

func TestValidate_Fixtures(t *testing.T) {
	code, out, _ := execute(t, "validate", "--fixtures", "--fixtures-dir", fixturesDir(t), "sessions")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "fixtures: 2 records")

	code, _, stderr := execute(t, "validate", "--fixtures", "--fixtures-dir", t.TempDir(), "sessions")
	assert.Equal(t, engine.ExitInvalid, code)
	assert.Contains(t, stderr, "users.json")
}

func TestRun_Passes(t *testing.T) {
	profile := writeProfile(t, mockURL(t), fixturesDir(t), "rate<0.01")
	summary := filepath.Join(t.TempDir(), "summary.json")
	report := filepath.Join(t.TempDir(), "report.html")

	code, out, _ := execute(t, "run", "--no-color", "--log-level", "error", "--progress-interval", "0",
		"--summary-export", summary, "--html-report", report, profile)
	require.Equal(t, engine.ExitPassed, code, out)
	assert.Contains(t, out, "cli-test - passed")
	assert.Contains(t, out, "✓ http_req_failed rate<0.01")

	data, err := os.ReadFile(summary)
	require.NoError(t, err)
	var res engine.Result
	require.NoError(t, json.Unmarshal(data, &res))
	assert.True(t, res.Passed)
	assert.Equal(t, uint64(3), res.Seed)
	require.Len(t, res.Stages, 1)
	assert.Equal(t, int64(4), res.Stages[0].Stats.Started)

	page, err := os.ReadFile(report)
	require.NoError(t, err)
	assert.Contains(t, string(page), "✓ PASSED")
}

func TestRun_ThresholdFailureExitCode(t *testing.T) {
	profile := writeProfile(t, mockURL(t), fixturesDir(t), "count>1000")
	code, out, _ := execute(t, "run", "--log-level", "error", "--progress-interval", "0", "--quiet", profile)
	assert.Equal(t, engine.ExitThresholdsFailed, code)
	assert.Equal(t, "FAILED\n", out)
}

func TestRun_FlagBeatsEnv(t *testing.T) {
	t.Setenv("BASE_URL", "http://127.0.0.1:1/challenge")
	t.Setenv("SEED", "9")
	url := mockURL(t)
	profile := writeProfile(t, "http://unused.invalid/challenge", fixturesDir(t), "rate<0.01")

	summary := filepath.Join(t.TempDir(), "summary.json")
	code, _, _ := execute(t, "run", "--log-level", "error", "--progress-interval", "0",
		"--base-url", url, "--summary-export", summary, profile)
	require.Equal(t, engine.ExitPassed, code)

	data, err := os.ReadFile(summary)
	require.NoError(t, err)
	var res engine.Result
	require.NoError(t, json.Unmarshal(data, &res))
	assert.Equal(t, uint64(9), res.Seed, "env applies where no flag is given")
}

func TestRun_MissingFixtures(t *testing.T) {
	profile := writeProfile(t, mockURL(t), t.TempDir(), "rate<0.01")
	code, _, stderr := execute(t, "run", "--log-level", "error", "--progress-interval", "0", profile)
	assert.Equal(t, engine.ExitInvalid, code)
	assert.Contains(t, stderr, "users.json")
}

func TestRun_BadLogLevel(t *testing.T) {
	code, _, stderr := execute(t, "run", "--log-level", "loud", "smoke")
	assert.Equal(t, engine.ExitInvalid, code)
	assert.Contains(t, stderr, "log level")
}

func TestRun_RequiresProfile(t *testing.T) {
	code, _, _ := execute(t, "run")
	assert.Equal(t, engine.ExitInvalid, code)
}

type countingStopper struct{ calls atomic.Int32 }

func (s *countingStopper) Stop() { s.calls.Add(1) }

func TestInterruptible_FirstSignalStopsSecondCancels(t *testing.T) {
	sigs := make(chan os.Signal, 1)
	s := &countingStopper{}
	ctx, cancel := interruptible(context.Background(), sigs, s, zap.NewNop())
	defer cancel()

	sigs <- os.Interrupt
	require.Eventually(t, func() bool { return s.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.NoError(t, ctx.Err(), "in-flight calls keep their context after the first signal")

	sigs <- syscall.SIGTERM
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("second signal did not cancel the run")
	}
	assert.Equal(t, int32(1), s.calls.Load())
}

func TestInterruptible_ParentCancelEndsWatch(t *testing.T) {
	parent, cancelParent := context.WithCancel(context.Background())
	s := &countingStopper{}
	ctx, cancel := interruptible(parent, make(chan os.Signal), s, zap.NewNop())
	defer cancel()

	cancelParent()
	<-ctx.Done()
	assert.Zero(t, s.calls.Load())
}
