// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gilder

import (
	"fmt"

	"github.com/mknyszek/gild"
)

// Potential is an event that a test action has made possible.
//
// Potentials with the same String are the same potential: starting
// one that is already open does nothing.
type Potential struct {
	line *GildLine
	key  string
}

// NewPotential returns a potential that matches exactly ev.
func NewPotential(ev gild.Event) *Potential {
	fields := ev.GildFields()
	l := &GildLine{Kind: ev.Kind, Fields: make([]Matcher, len(fields))}
	for i, f := range fields {
		l.Fields[i] = exact(f)
	}
	return &Potential{line: l, key: l.String()}
}

// ParsePotential returns a potential that matches events by a gild
// line pattern, which may use regular expressions and omit trailing
// fields. Forbidden and required flags are not allowed.
func ParsePotential(pattern string) (*Potential, error) {
	l, err := ParseLine(pattern)
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, fmt.Errorf("%w: empty potential event", ErrGildSyntax)
	}
	if l.Forbidden || l.Required {
		return nil, fmt.Errorf("%w: potential event %q has a flag", ErrGildSyntax, pattern)
	}
	return &Potential{line: l, key: l.String()}, nil
}

func (p *Potential) Kind() gild.EventKind { return p.line.Kind }
func (p *Potential) String() string       { return p.key }

// Match reports whether an event's gild fields match the potential.
func (p *Potential) Match(fields []string) bool {
	return p.line.Match(fields)
}
