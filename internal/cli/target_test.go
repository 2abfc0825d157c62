package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/volley/internal/engine"
)

func TestTarget_ServesUntilCancelled(t *testing.T) {
	var stderr bytes.Buffer
	cmd := NewTargetCmd()
	cmd.SetArgs([]string{"--http-addr", "127.0.0.1:0", "--grpc-addr", "127.0.0.1:0", "--log-format", "json"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&stderr)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	require.NoError(t, cmd.ExecuteContext(ctx))
	assert.Contains(t, stderr.String(), "volley-target listening")
	assert.Contains(t, stderr.String(), "volley-target stopped")
}

func TestTarget_InvalidErrorRate(t *testing.T) {
	var stderr bytes.Buffer
	code := ExecuteTarget([]string{"--error-rate", "1.5"}, &bytes.Buffer{}, &stderr)
	assert.Equal(t, engine.ExitInvalid, code)
	assert.Contains(t, stderr.String(), "error-rate")
}

func TestTarget_EnvOverride(t *testing.T) {
	t.Setenv("VOLLEY_TARGET_ERROR_RATE", "-1")
	var stderr bytes.Buffer
	code := ExecuteTarget(nil, &bytes.Buffer{}, &stderr)
	assert.Equal(t, engine.ExitInvalid, code)
}

func TestReadChallenges(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "challenges.json")
	require.NoError(t, os.WriteFile(good, []byte(`[{"challengeId":"c1","goals":[{"goalId":"g1"}]}]`), 0o644))
	challenges, err := readChallenges(good)
	require.NoError(t, err)
	require.Len(t, challenges, 1)
	assert.Equal(t, "c1", challenges[0].ChallengeID)

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte(`[]`), 0o644))
	_, err = readChallenges(empty)
	assert.Error(t, err)

	_, err = readChallenges(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}
