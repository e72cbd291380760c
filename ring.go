// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gild

import (
	"fmt"
)

// Ring is a hardware-maintained circular event buffer.
//
// The buffer memory returned by Map is shared with the producer:
// the hardware writes entries and advances the put index, and the
// consumer reads entries, clears their valid bits, and advances the
// get index.
type Ring interface {
	// Variant returns the layout of the entries in the buffer.
	Variant() Variant

	// BufferSize returns the size of the buffer in bytes.
	BufferSize() uint32

	// Map returns the buffer memory as 32-bit words.
	Map() ([]uint32, error)

	ReadGet() (uint32, error)
	ReadPut() (uint32, error)
	WriteGet(uint32) error

	// Overflowed reports the hardware overflow status flag. This
	// is distinct from get == put, which means the buffer is empty.
	Overflowed() (bool, error)

	// ClearOverflow clears the overflow status flag.
	ClearOverflow() error

	// EnableNotifications re-arms the interrupt or notifier that
	// tells the consumer new entries are available.
	EnableNotifications() error
}

// Subscription is a registered notification callback. Cancel
// unregisters it; after Cancel returns the callback is not invoked
// again. Cancel may be called more than once.
type Subscription interface {
	Cancel()
}

// Notifier delivers buffer notifications, keyed by the buffer's
// handle and notifier id. Callbacks may run on any goroutine and
// must not block.
type Notifier interface {
	Register(handle, notifierID uint32, fn func()) (Subscription, error)
}

// RingBufferState is a snapshot of a consumer's view of its ring.
type RingBufferState struct {
	Get         uint32
	Put         uint32
	MaxEntries  uint32
	StrideWords uint32
}

// DrainOutcome describes how a call to Drain ended.
type DrainOutcome uint8

const (
	// DrainComplete means every entry up to put was consumed.
	DrainComplete DrainOutcome = iota

	// DrainPartialStop means an entry at get was not yet valid;
	// the producer is still writing it. The next drain retries
	// from the same index.
	DrainPartialStop

	// DrainOverflow means the buffer overflowed. Entries were
	// discarded and the caller should raise a single overflow
	// event.
	DrainOverflow
)

func (o DrainOutcome) String() string {
	switch o {
	case DrainComplete:
		return "complete"
	case DrainPartialStop:
		return "partial"
	case DrainOverflow:
		return "overflow"
	}
	return fmt.Sprintf("DrainOutcome(%d)", uint8(o))
}

// DrainResult is returned by Drain.
type DrainResult struct {
	Outcome  DrainOutcome
	Consumed int
}

// ConsumerOptions configures a Consumer.
type ConsumerOptions struct {
	// NoAutoAdvance leaves the hardware get pointer alone at the end
	// of a drain. The caller must call Acknowledge to publish it.
	NoAutoAdvance bool `yaml:"no_auto_advance" json:"no_auto_advance"`
}

// Consumer drains entries from a single Ring. It is the only writer
// of the ring's get index and must not be used concurrently.
type Consumer struct {
	ring       Ring
	variant    Variant
	words      []uint32
	stride     uint32
	maxEntries uint32
	get        uint32
	put        uint32
	pushed     uint32
	opts       ConsumerOptions
}

// NewConsumer creates and initializes a new Consumer given a Ring.
//
// The number of entries is derived once from the buffer size; a
// ring whose size is zero or not a whole number of entries is
// rejected here rather than at drain time.
func NewConsumer(r Ring, opts ConsumerOptions) (*Consumer, error) {
	v := r.Variant()
	stride := v.StrideWords()
	if stride == 0 {
		return nil, fmt.Errorf("%w: ring has unknown entry variant %d", ErrBufferSize, uint8(v))
	}
	size := r.BufferSize()
	if size == 0 {
		return nil, fmt.Errorf("%w: %s ring is zero-sized", ErrBufferSize, v)
	}
	if size%v.StrideBytes() != 0 {
		return nil, fmt.Errorf("%w: %s ring size %d is not a multiple of %d", ErrBufferSize, v, size, v.StrideBytes())
	}
	words, err := r.Map()
	if err != nil {
		return nil, fmt.Errorf("mapping %s ring: %w", v, err)
	}
	if uint32(len(words))*4 < size {
		return nil, fmt.Errorf("%w: %s ring maps %d bytes, reports %d", ErrBufferSize, v, len(words)*4, size)
	}
	c := &Consumer{
		ring:       r,
		variant:    v,
		words:      words,
		stride:     stride,
		maxEntries: size / v.StrideBytes(),
		opts:       opts,
	}
	get, err := r.ReadGet()
	if err != nil {
		return nil, fmt.Errorf("reading %s get index: %w", v, err)
	}
	if get >= c.maxEntries {
		return nil, fmt.Errorf("%w: %s get index %d out of range [0, %d)", ErrDecode, v, get, c.maxEntries)
	}
	c.get, c.put, c.pushed = get, get, get
	return c, nil
}

// Variant returns the entry variant of the consumed ring.
func (c *Consumer) Variant() Variant {
	return c.variant
}

// State returns the consumer's current view of the ring.
func (c *Consumer) State() RingBufferState {
	return RingBufferState{
		Get:         c.get,
		Put:         c.put,
		MaxEntries:  c.maxEntries,
		StrideWords: c.stride,
	}
}

func (c *Consumer) slot(idx uint32) []uint32 {
	off := idx * c.stride
	return c.words[off : off+c.stride]
}

func (c *Consumer) readPut() (uint32, error) {
	put, err := c.ring.ReadPut()
	if err != nil {
		return 0, fmt.Errorf("reading %s put index: %w", c.variant, err)
	}
	if put >= c.maxEntries {
		return 0, fmt.Errorf("%w: %s put index %d out of range [0, %d)", ErrDecode, c.variant, put, c.maxEntries)
	}
	return put, nil
}

// overflow resynchronizes get to put and clears the hardware flag.
// Discarded entries are invalidated without being interpreted.
func (c *Consumer) overflow(res DrainResult) (DrainResult, error) {
	put, err := c.readPut()
	if err != nil {
		return res, err
	}
	// Everything from get up to put is discarded. Clear the valid
	// bits so that a slot the producer has claimed but not yet
	// written is not mistaken for a new entry on the next lap. When
	// put has caught up with get the whole ring is full.
	n := (put + c.maxEntries - c.get) % c.maxEntries
	if n == 0 {
		n = c.maxEntries
	}
	for i := uint32(0); i < n; i++ {
		clearValid(c.slot((c.get + i) % c.maxEntries))
	}
	c.put = put
	c.get = put
	// Resynchronization is published even with NoAutoAdvance: the
	// hardware cannot make progress until get moves.
	if err := c.ring.WriteGet(c.get); err != nil {
		return res, fmt.Errorf("writing %s get index: %w", c.variant, err)
	}
	c.pushed = c.get
	if err := c.ring.ClearOverflow(); err != nil {
		return res, fmt.Errorf("clearing %s overflow: %w", c.variant, err)
	}
	res.Outcome = DrainOverflow
	return res, nil
}

func (c *Consumer) push() error {
	if c.opts.NoAutoAdvance || c.pushed == c.get {
		return nil
	}
	if err := c.ring.WriteGet(c.get); err != nil {
		return fmt.Errorf("writing %s get index: %w", c.variant, err)
	}
	c.pushed = c.get
	return nil
}

// Drain consumes every valid entry between the get and put indices,
// in index order, passing each to emit.
//
// If the hardware overflow flag is set, no entry is interpreted: get
// is moved to put and DrainOverflow is returned. If an entry that is
// not yet valid is found, draining stops at that entry and
// DrainPartialStop is returned. Each emitted entry is invalidated in
// the buffer before get moves past it, and the get index is written
// to hardware at most once per call.
//
// An error from emit stops the drain after the offending entry has
// been consumed and is returned to the caller.
func (c *Consumer) Drain(emit func(Entry) error) (DrainResult, error) {
	var res DrainResult
	overflowed, err := c.ring.Overflowed()
	if err != nil {
		return res, fmt.Errorf("reading %s overflow status: %w", c.variant, err)
	}
	if overflowed {
		return c.overflow(res)
	}
	put, err := c.readPut()
	if err != nil {
		return res, err
	}
	c.put = put

	var emitErr error
	for c.get != c.put {
		slot := c.slot(c.get)
		e, err := Decode(c.variant, slot)
		if err != nil {
			return res, err
		}
		if !e.Valid() {
			res.Outcome = DrainPartialStop
			break
		}
		emitErr = emit(e)
		clearValid(slot)
		c.get++
		if c.get == c.maxEntries {
			c.get = 0
		}
		res.Consumed++
		if emitErr != nil {
			break
		}
	}
	if err := c.push(); err != nil {
		return res, err
	}
	if emitErr != nil {
		return res, emitErr
	}

	// If put lapped get while we were draining, the hardware sets the
	// overflow flag and the buffer contents are indistinguishable from
	// an empty ring. Report it rather than risk silently losing entries.
	if overflowed, err = c.ring.Overflowed(); err != nil {
		return res, fmt.Errorf("reading %s overflow status: %w", c.variant, err)
	}
	if overflowed {
		return c.overflow(res)
	}
	return res, nil
}

// Acknowledge publishes the consumer's get index to hardware. It is
// only needed when NoAutoAdvance is set.
func (c *Consumer) Acknowledge() error {
	if c.pushed == c.get {
		return nil
	}
	if err := c.ring.WriteGet(c.get); err != nil {
		return fmt.Errorf("writing %s get index: %w", c.variant, err)
	}
	c.pushed = c.get
	return nil
}

// Resync forces the consumer's get index to the hardware put index,
// dropping anything in between, and publishes it.
func (c *Consumer) Resync() error {
	put, err := c.readPut()
	if err != nil {
		return err
	}
	c.put, c.get = put, put
	if err := c.ring.WriteGet(c.get); err != nil {
		return fmt.Errorf("writing %s get index: %w", c.variant, err)
	}
	c.pushed = c.get
	return nil
}

// EnableNotifications re-arms the ring's notifier.
func (c *Consumer) EnableNotifications() error {
	return c.ring.EnableNotifications()
}
