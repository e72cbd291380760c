// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package policy

import (
	"context"
	"fmt"

	"github.com/mknyszek/gild/capture"
	"github.com/mknyszek/gild/gilder"
)

// Replay runs a capture through a fresh Manager as a single test and
// reconciles it. Recorded potential events are open for the whole
// run.
//
// progress, if not nil, is called after each snapshot is played.
func Replay(ctx context.Context, f *capture.File, cfg Config, progress func(played, total int), opts ...Option) (*gilder.Result, *Stats, error) {
	m := New(cfg, f.EngineTable(), opts...)
	rings := f.Rings()
	total := 0
	for _, r := range rings {
		b := r.Buffer()
		err := m.AddBuffer(BufferConfig{
			Subdevice:  b.Subdevice,
			Handle:     b.Handle,
			NotifierID: b.NotifierID,
			Ring:       r,
			Notifier:   r,
		})
		if err != nil {
			return nil, nil, err
		}
		total += len(b.Snapshots)
	}
	potentials := make([]*gilder.Potential, 0, len(f.Potentials))
	for _, s := range f.Potentials {
		p, err := gilder.ParsePotential(s)
		if err != nil {
			return nil, nil, fmt.Errorf("potential event %q: %w", s, err)
		}
		potentials = append(potentials, p)
	}

	t, err := m.StartTest("replay")
	if err != nil {
		return nil, nil, err
	}
	if err := populate(t, f, potentials); err != nil {
		t.Abort(err)
		m.EndTest(ctx, t)
		return nil, nil, err
	}

	played := 0
	for advanced := true; advanced; {
		advanced = false
		for _, r := range rings {
			if !r.Advance() {
				continue
			}
			advanced = true
			played++
			if err := m.Flush(ctx); err != nil {
				t.Abort(err)
				m.EndTest(ctx, t)
				return nil, nil, err
			}
			if progress != nil {
				progress(played, total)
			}
		}
	}
	for _, p := range potentials {
		if err := t.ResolvePotentialEvent(p); err != nil {
			t.Abort(err)
			m.EndTest(ctx, t)
			return nil, nil, err
		}
	}
	res, err := m.EndTest(ctx, t)
	return res, m.Stats(), err
}

func populate(t *Test, f *capture.File, potentials []*gilder.Potential) error {
	for _, ch := range f.Channels {
		if err := t.AddChannel(ch); err != nil {
			return err
		}
	}
	for _, mem := range f.Memory {
		if _, err := t.AddMemory(mem); err != nil {
			return err
		}
	}
	for _, rg := range f.Ranges {
		if err := t.AddRange(rg); err != nil {
			return err
		}
	}
	for _, p := range potentials {
		if err := t.RegisterPotentialEvent(p); err != nil {
			return err
		}
	}
	return nil
}
