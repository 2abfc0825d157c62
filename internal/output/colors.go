package output

import (
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// ColorScheme defines the colors used for the elements of a run summary.
type ColorScheme struct {
	Title   *color.Color
	Rule    *color.Color
	Section *color.Color
	Label   *color.Color
	Value   *color.Color
	Pass    *color.Color
	Warn    *color.Color
	Fail    *color.Color
	Dim     *color.Color
}

// DefaultColorScheme returns the default color scheme.
func DefaultColorScheme() *ColorScheme {
	return &ColorScheme{
		Title:   color.New(color.Bold),
		Rule:    color.New(color.FgCyan),
		Section: color.New(color.FgMagenta, color.Bold),
		Label:   color.New(color.FgWhite),
		Value:   color.New(color.FgCyan),
		Pass:    color.New(color.FgGreen, color.Bold),
		Warn:    color.New(color.FgYellow, color.Bold),
		Fail:    color.New(color.FgRed, color.Bold),
		Dim:     color.New(color.Faint),
	}
}

// NoColorScheme returns a color scheme with all colors disabled.
func NoColorScheme() *ColorScheme {
	s := DefaultColorScheme()
	for _, c := range []*color.Color{s.Title, s.Rule, s.Section, s.Label, s.Value, s.Pass, s.Warn, s.Fail, s.Dim} {
		c.DisableColor()
	}
	return s
}

// ForceColorScheme returns the default scheme with colors enabled even when
// the writer is not a terminal.
func ForceColorScheme() *ColorScheme {
	s := DefaultColorScheme()
	for _, c := range []*color.Color{s.Title, s.Rule, s.Section, s.Label, s.Value, s.Pass, s.Warn, s.Fail, s.Dim} {
		c.EnableColor()
	}
	return s
}

// PassIcon returns a checkmark symbol with appropriate color.
func (s *ColorScheme) PassIcon() string {
	return s.Pass.Sprint("✓")
}

// FailIcon returns an X symbol with appropriate color.
func (s *ColorScheme) FailIcon() string {
	return s.Fail.Sprint("✗")
}

// rate picks the color of an error rate.
func (s *ColorScheme) rate(r float64) *color.Color {
	switch {
	case r > 0.05:
		return s.Fail
	case r > 0.01:
		return s.Warn
	default:
		return s.Pass
	}
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// SchemeFor picks a scheme for w. Colors are used on terminals unless
// noColor is set or NO_COLOR is present in the environment.
func SchemeFor(w io.Writer, noColor bool) *ColorScheme {
	if noColor || os.Getenv("NO_COLOR") != "" || !IsTerminal(w) {
		return NoColorScheme()
	}
	return ForceColorScheme()
}
