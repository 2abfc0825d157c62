package output

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteHTML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteHTML(&buf, sampleResult(t)))
	page := buf.String()

	assert.Contains(t, page, "<title>api-load - volley report</title>")
	assert.Contains(t, page, "✗ FAILED")
	assert.Contains(t, page, "skipped")
	assert.Contains(t, page, "initialize")
	assert.Contains(t, page, "status is 200")
	assert.Contains(t, page, "p(95)&lt;10")
	assert.Contains(t, page, `"label":"http initialize"`)
}

func TestWriteHTML_Nil(t *testing.T) {
	assert.Error(t, WriteHTML(&bytes.Buffer{}, nil))
}

func TestExportHTML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports", "run.html")
	require.NoError(t, ExportHTML(path, sampleResult(t)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "<!DOCTYPE html>")
}
