package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/wesleyorama2/volley/internal/engine"
)

// WriteJSON writes the result as indented JSON.
func WriteJSON(w io.Writer, res *engine.Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("encoding summary: %w", err)
	}
	return nil
}

// ExportSummary writes the result to path, creating parent directories.
func ExportSummary(path string, res *engine.Result) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating summary directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating summary file: %w", err)
	}
	if err := WriteJSON(f, res); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
