// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package policy

import (
	"fmt"
	"sync"

	"github.com/mknyszek/gild/gilder"
	"github.com/mknyszek/gild/registry"
)

// Status is the state of a test.
type Status uint8

const (
	StatusRunning Status = iota
	StatusAborted        // Aborted by the test; no further actions should be issued.
	StatusFailed         // Event delivery or reconciliation failed.
	StatusPassed
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusAborted:
		return "aborted"
	case StatusFailed:
		return "failed"
	case StatusPassed:
		return "passed"
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// Test is an active test. Its channels and memory are released from
// the registry when it ends.
type Test struct {
	m    *Manager
	id   registry.TestID
	name string
	g    *gilder.Gilder

	mu     sync.Mutex
	status Status
	ended  bool
	err    error
}

func (t *Test) ID() registry.TestID    { return t.id }
func (t *Test) Name() string           { return t.name }
func (t *Test) Gilder() *gilder.Gilder { return t.g }

// Status returns the test's status.
func (t *Test) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Err returns the reason the test was aborted or failed, if any.
func (t *Test) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Test) check() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended {
		return fmt.Errorf("test %s: %w", t.name, ErrTestEnded)
	}
	return nil
}

// Abort marks the test aborted. Callers driving the test should
// check Status before issuing further actions.
func (t *Test) Abort(reason error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == StatusRunning {
		t.status = StatusAborted
		t.err = reason
	}
}

func (t *Test) fail(err error) {
	t.g.RecordFailure(err)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == StatusRunning {
		t.status = StatusFailed
		t.err = err
	}
}

func (t *Test) end(res *gilder.Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ended = true
	if t.status != StatusRunning {
		return
	}
	if res != nil && res.Passed {
		t.status = StatusPassed
	} else {
		t.status = StatusFailed
	}
}

// AddChannel registers a channel owned by the test.
func (t *Test) AddChannel(ch registry.Channel) error {
	if err := t.check(); err != nil {
		return err
	}
	ch.Test = t.id
	return t.m.reg.AddChannel(ch)
}

// AddMemory registers a memory object owned by the test.
func (t *Test) AddMemory(mem registry.Memory) (registry.Memory, error) {
	if err := t.check(); err != nil {
		return registry.Memory{}, err
	}
	mem.Test = t.id
	return t.m.reg.AddMemory(mem)
}

// AddRange registers a named range of a memory object.
func (t *Test) AddRange(rg registry.Range) error {
	if err := t.check(); err != nil {
		return err
	}
	return t.m.reg.AddRange(rg)
}

// RegisterPotentialEvent opens a window in which p may occur.
func (t *Test) RegisterPotentialEvent(p *gilder.Potential) error {
	if err := t.check(); err != nil {
		return err
	}
	if err := t.g.StartPotentialEvent(p); err != nil {
		return err
	}
	if t.m.rec != nil {
		t.m.rec.AddPotential(p.String())
	}
	return nil
}

// ResolvePotentialEvent closes the window opened for p.
func (t *Test) ResolvePotentialEvent(p *gilder.Potential) error {
	if err := t.check(); err != nil {
		return err
	}
	return t.g.EndPotentialEvent(p)
}
