// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package gilder records the events a test makes possible and the
// events hardware actually reports, and reconciles the two, either
// against each other or against a golden file.
package gilder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/mknyszek/gild"
	"github.com/mknyszek/gild/internal/clock"
	"github.com/mknyszek/gild/internal/logio"
)

var (
	ErrState   = errors.New("gilder is not in the right state")
	ErrNotOpen = errors.New("potential event is not open")
)

const (
	DefaultRequiredTimeout = 10 * time.Second
	DefaultPollInterval    = 10 * time.Millisecond
)

// Options configures a Gilder.
type Options struct {
	Mode Mode

	// GoldenPath, if set, is a golden file to reconcile against
	// instead of potential events.
	GoldenPath string

	// OutputPath, if set, receives the occurred events at EndTest.
	OutputPath string

	// MinEvents is the minimum number of events that must occur.
	MinEvents int

	RequiredTimeout time.Duration
	PollInterval    time.Duration

	// Simulated disables the required-event timeout unless
	// TimeoutUnderSimulation is also set.
	Simulated              bool
	TimeoutUnderSimulation bool
}

// State is the lifecycle state of a Gilder.
type State uint8

const (
	StateIdle State = iota
	StateRecording
	StateReconciling
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateReconciling:
		return "reconciling"
	case StateDone:
		return "done"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Gilder records and reconciles the events of one test run. It is
// safe for concurrent use.
type Gilder struct {
	opts Options
	clk  clock.Clock
	log  *slog.Logger

	mu       sync.Mutex
	state    State
	golden   []*GildLine
	entries  []LogEntry
	occurred [][]string
	open     map[string]bool
	failures []Mismatch
}

// New returns an idle Gilder. clk and log may be nil.
func New(opts Options, clk clock.Clock, log *slog.Logger) *Gilder {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.RequiredTimeout == 0 {
		opts.RequiredTimeout = DefaultRequiredTimeout
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Gilder{opts: opts, clk: clk, log: log}
}

// State returns the gilder's current state.
func (g *Gilder) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// StartTest clears the log and begins recording. If a golden file is
// configured, it is parsed here and not read again.
func (g *Gilder) StartTest() error {
	var golden []*GildLine
	if g.opts.GoldenPath != "" {
		r, err := logio.Open(g.opts.GoldenPath)
		if err != nil {
			return fmt.Errorf("opening golden file: %w", err)
		}
		golden, err = ParseGolden(r)
		r.Close()
		if err != nil {
			return fmt.Errorf("parsing golden file %s: %w", g.opts.GoldenPath, err)
		}
		if golden == nil {
			golden = []*GildLine{}
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == StateRecording || g.state == StateReconciling {
		return fmt.Errorf("%w: StartTest while %s", ErrState, g.state)
	}
	g.state = StateRecording
	g.golden = golden
	g.entries = nil
	g.occurred = nil
	g.open = make(map[string]bool)
	g.failures = nil
	g.log.Debug("gild test started", "mode", g.opts.Mode, "golden", g.opts.GoldenPath, "lines", len(golden))
	return nil
}

func (g *Gilder) recording(op string) error {
	if g.state != StateRecording {
		return fmt.Errorf("%w: %s while %s", ErrState, op, g.state)
	}
	return nil
}

// StartPotentialEvent opens a window in which p may occur. Starting
// a potential that is already open does nothing.
func (g *Gilder) StartPotentialEvent(p *Potential) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.recording("StartPotentialEvent"); err != nil {
		return err
	}
	if g.open[p.String()] {
		return nil
	}
	g.open[p.String()] = true
	g.entries = append(g.entries, LogEntry{Op: OpStartPotential, Potential: p})
	return nil
}

// EndPotentialEvent closes the window opened for p.
func (g *Gilder) EndPotentialEvent(p *Potential) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.recording("EndPotentialEvent"); err != nil {
		return err
	}
	if !g.open[p.String()] {
		return fmt.Errorf("%w: %s", ErrNotOpen, p)
	}
	delete(g.open, p.String())
	g.entries = append(g.entries, LogEntry{Op: OpEndPotential, Potential: p})
	return nil
}

// EventOccurred records an event reported by hardware.
func (g *Gilder) EventOccurred(ev gild.Event) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.recording("EventOccurred"); err != nil {
		return err
	}
	g.entries = append(g.entries, LogEntry{Op: OpOccurred, Event: ev})
	g.occurred = append(g.occurred, ev.GildFields())
	return nil
}

// RecordFailure records an error that prevented events from being
// delivered. It fails the test at EndTest.
func (g *Gilder) RecordFailure(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures = append(g.failures, Mismatch{Kind: MismatchFailure, Actual: err.Error()})
}

// Log returns a copy of the current event log.
func (g *Gilder) Log() []LogEntry {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]LogEntry(nil), g.entries...)
}

// required returns the golden lines that must occur before the test
// may end and have not yet, and whether the minimum event count has
// been reached.
func (g *Gilder) required() (missing []*GildLine, enough bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.opts.Mode != ModeNone {
		for _, l := range g.golden {
			if l.Forbidden || !(l.Required || g.opts.Mode == ModeRequired) {
				continue
			}
			if !anyMatch(l, g.occurred) {
				missing = append(missing, l)
			}
		}
	}
	return missing, len(g.occurred) >= g.opts.MinEvents
}

// WaitForRequiredEvents polls until every required golden line has
// occurred and at least MinEvents events have been recorded.
//
// If that does not happen within the required-event timeout, the
// timeout is recorded as a failure, to be reported by EndTest, and
// an error wrapping ErrRequiredEventTimeout is returned. The test
// should still be ended.
func (g *Gilder) WaitForRequiredEvents(ctx context.Context) error {
	timed := !g.opts.Simulated || g.opts.TimeoutUnderSimulation
	deadline := g.clk.Now().Add(g.opts.RequiredTimeout)
	for {
		missing, enough := g.required()
		if len(missing) == 0 && enough {
			return nil
		}
		wait := g.opts.PollInterval
		if timed {
			left := deadline.Sub(g.clk.Now())
			if left <= 0 {
				return g.timedOut(missing, enough)
			}
			wait = min(wait, left)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-g.clk.After(wait):
		}
	}
}

func (g *Gilder) timedOut(missing []*GildLine, enough bool) error {
	what := strconv.Itoa(len(missing)) + " required events"
	if !enough {
		what += fmt.Sprintf(" and at least %d events", g.opts.MinEvents)
	}
	for _, l := range missing {
		g.log.Warn("required event did not occur", "line", l.Num, "event", l.String())
	}

	g.mu.Lock()
	g.failures = append(g.failures, Mismatch{Kind: MismatchTimeout, Expected: what})
	g.mu.Unlock()

	return fmt.Errorf("%w: %s after %v", ErrRequiredEventTimeout, what, g.opts.RequiredTimeout)
}

// EndTest reconciles the log and returns the result. If the test
// failed, the error is a *MismatchError describing the first of the
// mismatches, every one of which is logged.
//
// If OutputPath is set the occurred events are written there in gild
// format, whether or not the test passed.
func (g *Gilder) EndTest() (*Result, error) {
	g.mu.Lock()
	if err := g.recording("EndTest"); err != nil {
		g.mu.Unlock()
		return nil, err
	}
	g.state = StateReconciling
	ms := append([]Mismatch(nil), g.failures...)
	if g.golden != nil {
		ms = append(ms, unterminated(g.opts.Mode, g.open, g.entries)...)
		ms = append(ms, reconcileGolden(g.opts.Mode, g.golden, g.occurred)...)
	} else {
		ms = append(ms, reconcilePotentials(g.opts.Mode, g.entries)...)
	}
	if g.opts.Mode != ModeNone && len(g.occurred) < g.opts.MinEvents {
		ms = append(ms, Mismatch{
			Kind:     MismatchTooFew,
			Expected: strconv.Itoa(g.opts.MinEvents),
			Actual:   strconv.Itoa(len(g.occurred)),
		})
	}
	occurred := g.occurred
	g.mu.Unlock()

	for _, m := range ms {
		g.log.Error("gild mismatch", "mode", g.opts.Mode, "mismatch", m.String())
	}
	res := newResult(ms)
	var outErr error
	if g.opts.OutputPath != "" {
		outErr = g.writeOutput(occurred)
	}

	g.mu.Lock()
	g.state = StateDone
	g.mu.Unlock()

	if res.Passed {
		g.log.Info("gild passed", "mode", g.opts.Mode, "events", len(occurred))
	}
	return res, errors.Join(res.Err(), outErr)
}

// unterminated reports potentials left open when reconciling against
// a golden file, where windows are otherwise unused.
func unterminated(mode Mode, open map[string]bool, log []LogEntry) []Mismatch {
	if mode == ModeNone || len(open) == 0 {
		return nil
	}
	var ms []Mismatch
	seen := make(map[string]bool)
	for _, e := range log {
		k := ""
		if e.Potential != nil {
			k = e.Potential.String()
		}
		if e.Op == OpStartPotential && open[k] && !seen[k] {
			seen[k] = true
			ms = append(ms, Mismatch{Kind: MismatchUnterminated, Expected: k})
		}
	}
	return ms
}

func (g *Gilder) writeOutput(occurred [][]string) (err error) {
	w, err := logio.Create(g.opts.OutputPath)
	if err != nil {
		return fmt.Errorf("creating gild output: %w", err)
	}
	defer func() {
		err = errors.Join(err, w.Close())
	}()
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "# gild mode=%s events=%d\n", g.opts.Mode, len(occurred))
	for _, fields := range occurred {
		bw.WriteString(join(fields))
		bw.WriteByte('\n')
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("writing gild output: %w", err)
	}
	return nil
}
