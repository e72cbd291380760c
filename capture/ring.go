// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package capture

import (
	"fmt"
	"sync"

	"github.com/mknyszek/gild"
)

// Ring replays a recorded Buffer. It implements gild.Ring and
// gild.Notifier; each call to Advance plays the next snapshot and,
// if notifications are enabled, notifies subscribers.
type Ring struct {
	buf Buffer

	mu       sync.Mutex
	words    []uint32
	get      uint32
	put      uint32
	overflow bool
	next     int
	armed    bool
	subs     map[int]func()
	nextSub  int
}

// NewRing returns a Ring positioned before the first snapshot.
func NewRing(b Buffer) *Ring {
	return &Ring{
		buf:   b,
		words: make([]uint32, b.SizeBytes/4),
		get:   b.Get,
		put:   b.Get,
		armed: true,
		subs:  make(map[int]func()),
	}
}

// Rings returns a replay ring for every buffer in f.
func (f *File) Rings() []*Ring {
	rs := make([]*Ring, len(f.Buffers))
	for i, b := range f.Buffers {
		rs[i] = NewRing(b)
	}
	return rs
}

// Buffer returns the recorded buffer being replayed.
func (r *Ring) Buffer() *Buffer { return &r.buf }

func (r *Ring) Variant() gild.Variant { return r.buf.Variant }
func (r *Ring) BufferSize() uint32    { return r.buf.SizeBytes }

// Map returns the replay buffer. Snapshots are copied into it.
func (r *Ring) Map() ([]uint32, error) {
	return r.words, nil
}

func (r *Ring) ReadGet() (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get, nil
}

func (r *Ring) ReadPut() (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.put, nil
}

func (r *Ring) WriteGet(get uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := r.buf.SizeBytes / r.buf.Variant.StrideBytes(); get >= n {
		return fmt.Errorf("get index %d out of range [0, %d)", get, n)
	}
	r.get = get
	return nil
}

func (r *Ring) Overflowed() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.overflow, nil
}

func (r *Ring) ClearOverflow() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overflow = false
	return nil
}

func (r *Ring) EnableNotifications() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.armed = true
	return nil
}

type subscription struct {
	r  *Ring
	id int
}

func (s subscription) Cancel() {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	delete(s.r.subs, s.id)
}

// Register subscribes fn to the ring's notifications. The handle and
// notifier id must match the recorded buffer.
func (r *Ring) Register(handle, notifierID uint32, fn func()) (gild.Subscription, error) {
	if handle != r.buf.Handle || notifierID != r.buf.NotifierID {
		return nil, fmt.Errorf("no buffer with handle 0x%x notifier %d", handle, notifierID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	return subscription{r, id}, nil
}

// Remaining returns the number of snapshots not yet played.
func (r *Ring) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf.Snapshots) - r.next
}

// Advance plays the next snapshot. It returns false once every
// snapshot has been played.
func (r *Ring) Advance() bool {
	r.mu.Lock()
	if r.next >= len(r.buf.Snapshots) {
		r.mu.Unlock()
		return false
	}
	s := r.buf.Snapshots[r.next]
	r.next++
	if len(s.Words) > 0 {
		copy(r.words, s.Words)
	}
	r.put = s.Put
	r.overflow = s.Overflow
	var fns []func()
	if r.armed {
		r.armed = false
		for _, fn := range r.subs {
			fns = append(fns, fn)
		}
	}
	r.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	return true
}
