// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package capture

import (
	"fmt"
	"sync"

	"github.com/mknyszek/gild"
	"github.com/mknyszek/gild/classify"
	"github.com/mknyszek/gild/registry"
)

// Recorder builds a File from live rings. It is safe for concurrent
// use.
type Recorder struct {
	mu      sync.Mutex
	file    File
	buffers map[[2]uint32]int
	engines map[classify.EngineKey]bool
}

func NewRecorder() *Recorder {
	return &Recorder{
		buffers: make(map[[2]uint32]int),
		engines: make(map[classify.EngineKey]bool),
	}
}

// AddBuffer starts recording a ring. It must be called before the
// ring is first drained.
func (r *Recorder) AddBuffer(subdevice, handle, notifierID uint32, ring gild.Ring) error {
	get, err := ring.ReadGet()
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := [2]uint32{subdevice, handle}
	if _, ok := r.buffers[key]; ok {
		return fmt.Errorf("buffer 0x%x on gpu %d already recorded", handle, subdevice)
	}
	r.buffers[key] = len(r.file.Buffers)
	r.file.Buffers = append(r.file.Buffers, Buffer{
		Subdevice:  subdevice,
		Handle:     handle,
		NotifierID: notifierID,
		Variant:    ring.Variant(),
		SizeBytes:  ring.BufferSize(),
		Get:        get,
	})
	return nil
}

// Snapshot records the state of a ring just before it is drained.
func (r *Recorder) Snapshot(subdevice, handle uint32, ring gild.Ring) error {
	put, err := ring.ReadPut()
	if err != nil {
		return err
	}
	overflow, err := ring.Overflowed()
	if err != nil {
		return err
	}
	words, err := ring.Map()
	if err != nil {
		return err
	}
	s := Snapshot{Put: put, Overflow: overflow, Words: append([]uint32(nil), words[:ring.BufferSize()/4]...)}

	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.buffers[[2]uint32{subdevice, handle}]
	if !ok {
		return fmt.Errorf("buffer 0x%x on gpu %d is not being recorded", handle, subdevice)
	}
	r.file.Buffers[i].Snapshots = append(r.file.Buffers[i].Snapshots, s)
	return nil
}

// AddPotential records a potential event pattern.
func (r *Recorder) AddPotential(pattern string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.file.Potentials = append(r.file.Potentials, pattern)
}

type recordingEngines struct {
	r *Recorder
	q classify.EngineQuerier
}

func (e recordingEngines) QueryEngine(key classify.EngineKey) (classify.EngineInfo, error) {
	info, err := e.q.QueryEngine(key)
	if err != nil {
		return info, err
	}
	e.r.mu.Lock()
	defer e.r.mu.Unlock()
	if !e.r.engines[key] {
		e.r.engines[key] = true
		e.r.file.Engines = append(e.r.file.Engines, Engine{Key: key, Info: info})
	}
	return info, nil
}

// Engines wraps q so that every engine it reports is recorded.
func (r *Recorder) Engines(q classify.EngineQuerier) classify.EngineQuerier {
	return recordingEngines{r, q}
}

// File returns the capture recorded so far, with the channels, memory
// and ranges currently in reg.
func (r *Recorder) File(reg *registry.Registry) *File {
	r.mu.Lock()
	f := r.file
	f.Buffers = append([]Buffer(nil), r.file.Buffers...)
	f.Engines = append([]Engine(nil), r.file.Engines...)
	f.Potentials = append([]string(nil), r.file.Potentials...)
	r.mu.Unlock()

	f.Channels = reg.Channels()
	f.Memory = reg.Memory()
	f.Ranges = nil
	for _, m := range f.Memory {
		for _, rg := range reg.Ranges(m.Name) {
			if rg.Name != m.Name {
				f.Ranges = append(f.Ranges, rg)
			}
		}
	}
	return &f
}
