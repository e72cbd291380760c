// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gilder

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mknyszek/gild"
)

var (
	ErrReconciliationMismatch = errors.New("gild reconciliation mismatch")
	ErrRequiredEventTimeout   = errors.New("timed out waiting for required events")
)

// Op is the kind of a log entry.
type Op uint8

const (
	OpStartPotential Op = iota
	OpEndPotential
	OpOccurred
)

func (o Op) String() string {
	switch o {
	case OpStartPotential:
		return "start"
	case OpEndPotential:
		return "end"
	case OpOccurred:
		return "occurred"
	}
	return fmt.Sprintf("Op(%d)", uint8(o))
}

// LogEntry is one record of a test's event log. Potential is set for
// the potential ops, and Event for OpOccurred.
type LogEntry struct {
	Op        Op
	Potential *Potential
	Event     gild.Event
}

// MismatchKind classifies a reconciliation failure.
type MismatchKind uint8

const (
	MismatchMissing      MismatchKind = iota // An expected event never occurred.
	MismatchUnexpected                       // An event occurred that nothing expected.
	MismatchForbidden                        // An event matched a forbidden line.
	MismatchOrder                            // An event differs from the golden line at its position.
	MismatchUnterminated                     // A potential event was never ended.
	MismatchTimeout                          // Required events did not arrive in time.
	MismatchTooFew                           // Fewer events than the configured minimum.
	MismatchFailure                          // Event delivery failed.
)

// Mismatch is a single reconciliation failure.
type Mismatch struct {
	Kind MismatchKind

	// Expected is the golden line or potential event involved,
	// and Actual the occurred event, when there is one.
	Expected string
	Actual   string

	// Line is the golden file line number, or 0.
	Line int
}

func (m Mismatch) String() string {
	at := ""
	if m.Line > 0 {
		at = fmt.Sprintf(" (line %d)", m.Line)
	}
	switch m.Kind {
	case MismatchMissing:
		return "missing" + at + ": " + m.Expected
	case MismatchUnexpected:
		return "unexpected: " + m.Actual
	case MismatchForbidden:
		return "forbidden" + at + ": " + m.Actual
	case MismatchOrder:
		return fmt.Sprintf("mismatch%s: expected %q, got %q", at, m.Expected, m.Actual)
	case MismatchUnterminated:
		return "unterminated potential event: " + m.Expected
	case MismatchTimeout:
		return "timed out waiting for " + m.Expected
	case MismatchTooFew:
		return fmt.Sprintf("too few events: got %s, want at least %s", m.Actual, m.Expected)
	case MismatchFailure:
		return "error: " + m.Actual
	}
	return fmt.Sprintf("MismatchKind(%d): %s %s", uint8(m.Kind), m.Expected, m.Actual)
}

// MismatchError is returned when reconciliation fails. It describes
// the first mismatch; all of them are in the Result.
type MismatchError struct {
	First Mismatch
	Total int
}

func (e *MismatchError) Error() string {
	if e.Total > 1 {
		return fmt.Sprintf("gild: %s (and %d more)", e.First, e.Total-1)
	}
	return "gild: " + e.First.String()
}

func (e *MismatchError) Unwrap() []error {
	if e.First.Kind == MismatchTimeout {
		return []error{ErrReconciliationMismatch, ErrRequiredEventTimeout}
	}
	return []error{ErrReconciliationMismatch}
}

// Result is the outcome of reconciling a test.
type Result struct {
	Passed     bool
	Mismatches []Mismatch
}

func newResult(ms []Mismatch) *Result {
	return &Result{Passed: len(ms) == 0, Mismatches: ms}
}

// Err returns a *MismatchError for a failed result, or nil.
func (r *Result) Err() error {
	if r.Passed {
		return nil
	}
	return &MismatchError{First: r.Mismatches[0], Total: len(r.Mismatches)}
}

func join(fields []string) string { return strings.Join(fields, " ") }

// window is a potential event's open interval in the log.
type window struct {
	p      *Potential
	closed bool
}

// reconcilePotentials checks occurrences against the potential
// event windows they fell in.
//
// An occurrence inside several matching windows satisfies all of
// them and consumes none, except in ModeEqual, where each window
// pairs with at most one occurrence and vice versa.
func reconcilePotentials(mode Mode, log []LogEntry) []Mismatch {
	var (
		windows []*window
		open    = make(map[string]*window)
		occ     []string
		adj     [][]int
	)
	for _, e := range log {
		switch e.Op {
		case OpStartPotential:
			if _, ok := open[e.Potential.String()]; ok {
				continue
			}
			w := &window{p: e.Potential}
			open[e.Potential.String()] = w
			windows = append(windows, w)
		case OpEndPotential:
			if w, ok := open[e.Potential.String()]; ok {
				w.closed = true
				delete(open, e.Potential.String())
			}
		case OpOccurred:
			fields := e.Event.GildFields()
			var edges []int
			for i, w := range windows {
				if !w.closed && w.p.Match(fields) {
					edges = append(edges, i)
				}
			}
			occ = append(occ, join(fields))
			adj = append(adj, edges)
		}
	}
	if mode == ModeNone {
		return nil
	}

	var ms []Mismatch
	for _, w := range windows {
		if !w.closed {
			ms = append(ms, Mismatch{Kind: MismatchUnterminated, Expected: w.p.String()})
		}
	}
	switch mode {
	case ModeRequired:
		hit := make([]bool, len(windows))
		for _, edges := range adj {
			for _, i := range edges {
				hit[i] = true
			}
		}
		for i, w := range windows {
			if !hit[i] {
				ms = append(ms, Mismatch{Kind: MismatchMissing, Expected: w.p.String()})
			}
		}
	case ModeInclude:
		for i, edges := range adj {
			if len(edges) == 0 {
				ms = append(ms, Mismatch{Kind: MismatchUnexpected, Actual: occ[i]})
			}
		}
	case ModeEqual:
		matchOcc, matchWin := bipartite(adj, len(windows))
		for i, w := range windows {
			if matchWin[i] < 0 {
				ms = append(ms, Mismatch{Kind: MismatchMissing, Expected: w.p.String()})
			}
		}
		for i := range occ {
			if matchOcc[i] < 0 {
				ms = append(ms, Mismatch{Kind: MismatchUnexpected, Actual: occ[i]})
			}
		}
	}
	return ms
}

// bipartite computes a maximum matching between left vertices, whose
// neighbors are given by adj, and nRight right vertices. It returns
// the partner of each vertex on both sides, or -1.
func bipartite(adj [][]int, nRight int) (left, right []int) {
	left = make([]int, len(adj))
	right = make([]int, nRight)
	for i := range left {
		left[i] = -1
	}
	for i := range right {
		right[i] = -1
	}
	var seen []bool
	var augment func(u int) bool
	augment = func(u int) bool {
		for _, v := range adj[u] {
			if seen[v] {
				continue
			}
			seen[v] = true
			if right[v] < 0 || augment(right[v]) {
				right[v] = u
				left[u] = v
				return true
			}
		}
		return false
	}
	for u := range adj {
		seen = make([]bool, nRight)
		augment(u)
	}
	return left, right
}

// stream groups events that come from the same kind of hardware
// buffer. Order is only meaningful within a stream.
func stream(k gild.EventKind) int {
	switch k {
	case gild.EventNonReplayableFault, gild.EventRecoverableFault:
		return int(gild.EventNonReplayableFault)
	}
	return int(k)
}

// reconcileGolden checks occurrences, given as gild fields, against
// the lines of a golden file.
func reconcileGolden(mode Mode, golden []*GildLine, occ [][]string) []Mismatch {
	if mode == ModeNone {
		return nil
	}
	var (
		ms        []Mismatch
		expected  []*GildLine
		forbidden = make([]bool, len(occ))
	)
	for _, l := range golden {
		if !l.Forbidden {
			expected = append(expected, l)
			continue
		}
		for i, fields := range occ {
			if l.Match(fields) {
				forbidden[i] = true
				ms = append(ms, Mismatch{Kind: MismatchForbidden, Expected: l.String(), Actual: join(fields), Line: l.Num})
			}
		}
	}

	switch mode {
	case ModeEqual:
		var rest [][]string
		for i, fields := range occ {
			if !forbidden[i] {
				rest = append(rest, fields)
			}
		}
		ms = append(ms, reconcileOrder(expected, rest)...)
	case ModeRequired:
		for _, l := range expected {
			if !anyMatch(l, occ) {
				ms = append(ms, Mismatch{Kind: MismatchMissing, Expected: l.String(), Line: l.Num})
			}
		}
	case ModeInclude:
		for i, fields := range occ {
			if forbidden[i] {
				continue
			}
			ok := false
			for _, l := range expected {
				if l.Match(fields) {
					ok = true
					break
				}
			}
			if !ok {
				ms = append(ms, Mismatch{Kind: MismatchUnexpected, Actual: join(fields)})
			}
		}
		for _, l := range expected {
			if l.Required && !anyMatch(l, occ) {
				ms = append(ms, Mismatch{Kind: MismatchMissing, Expected: l.String(), Line: l.Num})
			}
		}
	}
	return ms
}

func anyMatch(l *GildLine, occ [][]string) bool {
	for _, fields := range occ {
		if l.Match(fields) {
			return true
		}
	}
	return false
}

// reconcileOrder pairs golden lines and occurrences by position
// within each stream.
func reconcileOrder(expected []*GildLine, occ [][]string) []Mismatch {
	var (
		order   []int
		lines   = make(map[int][]*GildLine)
		actuals = make(map[int][][]string)
	)
	add := func(s int) {
		if _, ok := lines[s]; !ok {
			if _, ok := actuals[s]; !ok {
				order = append(order, s)
			}
		}
	}
	for _, l := range expected {
		s := stream(l.Kind)
		add(s)
		lines[s] = append(lines[s], l)
	}
	for _, fields := range occ {
		k, err := gild.ParseEventKind(fields[0])
		if err != nil {
			k = gild.EventBad
		}
		s := stream(k)
		add(s)
		actuals[s] = append(actuals[s], fields)
	}

	var ms []Mismatch
	for _, s := range order {
		ls, as := lines[s], actuals[s]
		for i := 0; i < len(ls) || i < len(as); i++ {
			switch {
			case i >= len(as):
				ms = append(ms, Mismatch{Kind: MismatchMissing, Expected: ls[i].String(), Line: ls[i].Num})
			case i >= len(ls):
				ms = append(ms, Mismatch{Kind: MismatchUnexpected, Actual: join(as[i])})
			case !ls[i].Match(as[i]):
				ms = append(ms, Mismatch{Kind: MismatchOrder, Expected: ls[i].String(), Actual: join(as[i]), Line: ls[i].Num})
			}
		}
	}
	return ms
}

// CheckLog reconciles a recorded log of occurrences, given as gild
// fields, against a golden file.
func CheckLog(mode Mode, golden []*GildLine, occ [][]string) *Result {
	return newResult(reconcileGolden(mode, golden, occ))
}
