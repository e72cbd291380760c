// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gilder

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dlclark/regexp2"

	"github.com/mknyszek/gild"
)

var (
	ErrRegexInFixedField = errors.New("regular expression in fixed field")
	ErrGildSyntax        = errors.New("malformed gild line")
)

// regexTimeout bounds a single field match.
const regexTimeout = 100 * time.Millisecond

// fieldCount is the number of gild fields of each event kind.
func fieldCount(k gild.EventKind) int {
	switch k {
	case gild.EventPageFault, gild.EventNonReplayableFault, gild.EventRecoverableFault:
		return 8
	case gild.EventAccessCounter:
		return 7
	case gild.EventBufferOverflow:
		return 3
	}
	return 1
}

// Matcher matches a single gild field, either exactly or by a
// regular expression anchored to the whole field.
type Matcher struct {
	text string
	re   *regexp2.Regexp
}

func exact(s string) Matcher { return Matcher{text: s} }

func (m Matcher) IsRegex() bool { return m.re != nil }

func (m Matcher) String() string {
	if m.re != nil {
		return "/" + m.text
	}
	return m.text
}

// Match reports whether field matches. A regular expression that
// exceeds its time limit does not match.
func (m Matcher) Match(field string) bool {
	if m.re == nil {
		return m.text == field
	}
	ok, err := m.re.MatchString(field)
	return err == nil && ok
}

// GildLine is one parsed line of a golden file, or a potential
// event pattern.
//
// Fields beyond those given are wildcards, so a line may name only
// the leading fields of an event.
type GildLine struct {
	Forbidden bool
	Required  bool
	Kind      gild.EventKind
	Fields    []Matcher

	// Num is the 1-based line number in the golden file, or 0.
	Num int
}

func (l *GildLine) String() string {
	var b strings.Builder
	switch {
	case l.Forbidden:
		b.WriteByte('-')
	case l.Required:
		b.WriteByte('+')
	}
	for i, f := range l.Fields {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(f.String())
	}
	return b.String()
}

// Match reports whether an event's gild fields match the line.
func (l *GildLine) Match(fields []string) bool {
	if len(fields) < len(l.Fields) {
		return false
	}
	for i, m := range l.Fields {
		if !m.Match(fields[i]) {
			return false
		}
	}
	return true
}

// ParseLine parses a single gild line. It returns nil and no error
// for blank lines and comments.
func ParseLine(s string) (*GildLine, error) {
	s = strings.TrimSpace(s)
	if s == "" || s[0] == '#' {
		return nil, nil
	}
	l := new(GildLine)
	switch s[0] {
	case '-':
		l.Forbidden = true
		s = strings.TrimSpace(s[1:])
	case '+':
		l.Required = true
		s = strings.TrimSpace(s[1:])
	}
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: no fields", ErrGildSyntax)
	}
	if strings.HasPrefix(fields[0], "/") {
		return nil, fmt.Errorf("%w: event kind %q", ErrRegexInFixedField, fields[0])
	}
	kind, err := gild.ParseEventKind(fields[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGildSyntax, err)
	}
	l.Kind = kind
	if n := fieldCount(kind); len(fields) > n {
		return nil, fmt.Errorf("%w: %s has %d fields, got %d", ErrGildSyntax, kind, n, len(fields))
	}
	fixed := kind.FixedFields()
	for i, f := range fields {
		if !strings.HasPrefix(f, "/") {
			l.Fields = append(l.Fields, exact(f))
			continue
		}
		if i < fixed {
			return nil, fmt.Errorf("%w: field %d (%q) of %s", ErrRegexInFixedField, i+1, f, kind)
		}
		re, err := regexp2.Compile("^(?:"+f[1:]+")$", regexp2.ECMAScript)
		if err != nil {
			return nil, fmt.Errorf("%w: field %d: %v", ErrGildSyntax, i+1, err)
		}
		re.MatchTimeout = regexTimeout
		l.Fields = append(l.Fields, Matcher{text: f[1:], re: re})
	}
	return l, nil
}

// ParseGolden parses a golden file. Blank lines and lines starting
// with # are skipped.
func ParseGolden(r io.Reader) ([]*GildLine, error) {
	var lines []*GildLine
	s := bufio.NewScanner(r)
	s.Buffer(nil, 1<<20)
	for n := 1; s.Scan(); n++ {
		l, err := ParseLine(s.Text())
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		if l == nil {
			continue
		}
		l.Num = n
		lines = append(lines, l)
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

// ReadLog reads a gild output log into per-event field slices.
// Comments and blank lines are skipped; flags are not allowed.
func ReadLog(r io.Reader) ([][]string, error) {
	var out [][]string
	s := bufio.NewScanner(r)
	s.Buffer(nil, 1<<20)
	for n := 1; s.Scan(); n++ {
		line := strings.TrimSpace(s.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		fields := strings.Fields(line)
		if _, err := gild.ParseEventKind(fields[0]); err != nil {
			return nil, fmt.Errorf("line %d: %w: %v", n, ErrGildSyntax, err)
		}
		out = append(out, fields)
	}
	return out, s.Err()
}
