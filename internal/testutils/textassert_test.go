package testutils

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingT struct {
	failures []string
}

func (r *recordingT) Helper() {}

func (r *recordingT) Errorf(format string, args ...interface{}) {
	r.failures = append(r.failures, fmt.Sprintf(format, args...))
}

func TestTextAsserter_Defaults(t *testing.T) {
	// GOAL: Verify default comparison settings come from struct tags
	a := NewTextAsserter(t)

	assert.True(t, a.cmp.TrimLines, "trailing blanks MUST be ignored by default")
	assert.True(t, a.cmp.StripColor, "ANSI escapes MUST be stripped by default")
	assert.False(t, a.cmp.SkipBlank, "blank lines MUST be significant by default")
	assert.False(t, a.cmp.Colorize, "diff MUST be plain by default")
}

func TestTextAsserter_Equal(t *testing.T) {
	// GOAL: Verify normalization and diff reporting
	//
	// TEST SCENARIO: Matching texts pass → coloured actual passes → mismatch reports a unified diff

	t.Run("trailing blanks and final newline are ignored", func(t *testing.T) {
		rt := &recordingT{}
		ok := NewTextAsserter(rt).Equal("device_name: blepd\n", "device_name: blepd   ")
		assert.True(t, ok, "texts MUST match")
		assert.Empty(t, rt.failures, "no failure MUST be reported")
	})

	t.Run("ansi colour in actual is stripped", func(t *testing.T) {
		rt := &recordingT{}
		ok := NewTextAsserter(rt).Equal("status: ok", "status: \x1b[32mok\x1b[0m")
		assert.True(t, ok, "colour escapes MUST NOT cause a mismatch")
	})

	t.Run("blank lines can be skipped", func(t *testing.T) {
		rt := &recordingT{}
		a := NewTextAsserter(rt).With(TextCompare{TrimLines: true, SkipBlank: true})
		assert.True(t, a.Equal("a\nb", "a\n\n\nb\n"), "blank lines MUST be skipped")
	})

	t.Run("mismatch reports diff", func(t *testing.T) {
		rt := &recordingT{}
		ok := NewTextAsserter(rt).Equal("mtu: 23\npeers: 0", "mtu: 185\npeers: 0")
		assert.False(t, ok, "texts MUST NOT match")
		if assert.Len(t, rt.failures, 1, "exactly one failure MUST be reported") {
			assert.Contains(t, rt.failures[0], "-mtu: 23", "diff MUST show expected line")
			assert.Contains(t, rt.failures[0], "+mtu: 185", "diff MUST show actual line")
		}
	})
}

func TestTextAsserter_ColorizedDiff(t *testing.T) {
	// GOAL: Verify colourized diffs mark whitespace on changed lines
	a := NewTextAsserter(t).With(TextCompare{Colorize: true})

	d := a.Diff("a b", "a  b")
	assert.Contains(t, d, "a··b", "changed lines MUST show spaces as dots")
	assert.Contains(t, d, "\x1b[", "diff MUST carry colour escapes")
}
