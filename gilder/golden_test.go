// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gilder

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mknyszek/gild"
)

func TestParseGolden(t *testing.T) {
	lines, err := ParseGolden(strings.NewReader(`
# faults we expect
PageFault 0 0x10 surf /0x2[0-9a-f]{3}
+AccessCounter 0 - surf
- NonReplayableFault 0

BufferOverflow /[01]
`))
	require.NoError(t, err)
	require.Len(t, lines, 4)

	assert.Equal(t, 3, lines[0].Num)
	assert.Equal(t, gild.EventPageFault, lines[0].Kind)
	assert.True(t, lines[0].Fields[4].IsRegex())
	assert.True(t, lines[1].Required)
	assert.True(t, lines[2].Forbidden)
	assert.Equal(t, "-NonReplayableFault 0", lines[2].String())
	assert.Equal(t, 7, lines[3].Num)

	f := []string{"PageFault", "0", "0x10", "surf", "0x2abc", "PTE", "VIRT_READ", "0"}
	assert.True(t, lines[0].Match(f))
	f[4] = "0x2abcd"
	assert.False(t, lines[0].Match(f), "regex is anchored to the whole field")
	f[4] = "x0x2abc"
	assert.False(t, lines[0].Match(f))
	assert.True(t, lines[3].Match([]string{"BufferOverflow", "1", "mmu-fault"}))
}

func TestParseLineRegexInFixedField(t *testing.T) {
	for _, s := range []string{
		"/Page.* 0 0x10",
		"PageFault /0 0x10",
		"PageFault 0 /0x1.",
		"AccessCounter /.*",
		"-/PageFault",
	} {
		_, err := ParseLine(s)
		assert.ErrorIs(t, err, ErrRegexInFixedField, s)
	}
	_, err := ParseLine("AccessCounter 0 /0x1.")
	assert.NoError(t, err, "channel is not fixed for access counters")
}

func TestParseLineErrors(t *testing.T) {
	for _, s := range []string{
		"Bogus 0",
		"-",
		"BufferOverflow 0 mmu-fault extra",
		"PageFault 0 0x10 surf /([",
	} {
		_, err := ParseLine(s)
		assert.ErrorIs(t, err, ErrGildSyntax, s)
	}
	l, err := ParseLine("   # just a comment")
	require.NoError(t, err)
	assert.Nil(t, l)
}

func TestParseGoldenReportsLine(t *testing.T) {
	_, err := ParseGolden(strings.NewReader("PageFault 0\n\n/bad\n"))
	require.ErrorIs(t, err, ErrRegexInFixedField)
	assert.Contains(t, err.Error(), "line 3")
}

func TestReadLog(t *testing.T) {
	occ, err := ReadLog(strings.NewReader("# gild mode=EQUAL events=2\nPageFault 0 - bar 0x0 PTE VIRT_READ 0\n\nBufferOverflow 1 mmu-fault\n"))
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"PageFault", "0", "-", "bar", "0x0", "PTE", "VIRT_READ", "0"},
		{"BufferOverflow", "1", "mmu-fault"},
	}, occ)

	_, err = ReadLog(strings.NewReader("+PageFault 0\n"))
	require.ErrorIs(t, err, ErrGildSyntax)
}

func TestMode(t *testing.T) {
	var m Mode
	require.NoError(t, m.UnmarshalText([]byte("equal")))
	assert.Equal(t, ModeEqual, m)
	text, err := ModeInclude.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "INCLUDE", string(text))
	require.Error(t, m.Set("sometimes"))
}
