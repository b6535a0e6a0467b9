package testutils

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/mcuadros/go-defaults"
)

// TestingT is the part of *testing.T the asserter needs.
type TestingT interface {
	Helper()
	Errorf(format string, args ...interface{})
}

// TextCompare controls how command output is normalized before comparison.
type TextCompare struct {
	TrimLines  bool `default:"true"`  // strip trailing blanks on every line
	SkipBlank  bool `default:"false"` // drop blank lines
	StripColor bool `default:"true"`  // remove ANSI escapes from the actual text
	Colorize   bool `default:"false"` // colour the diff
}

// TextAsserter compares multi-line CLI output and reports a unified diff on mismatch.
type TextAsserter struct {
	t   TestingT
	cmp TextCompare
}

func NewTextAsserter(t TestingT) *TextAsserter {
	var cmp TextCompare
	defaults.SetDefaults(&cmp)
	return &TextAsserter{t: t, cmp: cmp}
}

// With replaces the comparison settings.
func (a *TextAsserter) With(cmp TextCompare) *TextAsserter {
	a.cmp = cmp
	return a
}

// Equal fails the test with a diff when actual differs from expected.
func (a *TextAsserter) Equal(expected, actual string) bool {
	a.t.Helper()
	if d := a.Diff(expected, actual); d != "" {
		a.t.Errorf("output mismatch:\n%s", d)
		return false
	}
	return true
}

// Diff returns the unified diff of the normalized texts, or "" when they match.
func (a *TextAsserter) Diff(expected, actual string) string {
	if a.cmp.StripColor {
		actual = stripANSI(actual)
	}
	want, got := a.normalize(expected), a.normalize(actual)
	if want == got {
		return ""
	}

	edits := myers.ComputeEdits("", want, got)
	unified := fmt.Sprint(gotextdiff.ToUnified("expected", "actual", want, edits))
	if !a.cmp.Colorize {
		return unified
	}
	return colorizeDiff(unified)
}

// normalize drops leading and trailing newlines so expectations can be written as
// raw string literals starting on their own line.
func (a *TextAsserter) normalize(text string) string {
	lines := strings.Split(strings.Trim(text, "\n"), "\n")
	out := lines[:0]
	for _, l := range lines {
		if a.cmp.TrimLines {
			l = strings.TrimRight(l, " \t")
		}
		if a.cmp.SkipBlank && strings.TrimSpace(l) == "" {
			continue
		}
		out = append(out, l)
	}
	return strings.Join(out, "\n") + "\n"
}

func colorizeDiff(diff string) string {
	removed := color.New(color.FgRed)
	removed.EnableColor()
	added := color.New(color.FgGreen)
	added.EnableColor()
	hunk := color.New(color.FgCyan)
	hunk.EnableColor()

	lines := strings.Split(diff, "\n")
	for i, l := range lines {
		switch {
		case strings.HasPrefix(l, "@@"):
			lines[i] = hunk.Sprint(l)
		case strings.HasPrefix(l, "-") && !strings.HasPrefix(l, "---"):
			lines[i] = removed.Sprint(strings.ReplaceAll(l, " ", "·"))
		case strings.HasPrefix(l, "+") && !strings.HasPrefix(l, "+++"):
			lines[i] = added.Sprint(strings.ReplaceAll(l, " ", "·"))
		}
	}
	return strings.Join(lines, "\n")
}

func stripANSI(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == 0x1b && i+1 < len(s) && s[i+1] == '[' {
			j := i + 2
			for j < len(s) && (s[j] < 0x40 || s[j] > 0x7e) {
				j++
			}
			i = j
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
