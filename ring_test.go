// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gild

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRing is an in-memory Ring whose producer side is driven
// by the test.
type fakeRing struct {
	variant  Variant
	words    []uint32
	entries  uint32
	get, put uint32
	overflow bool
	writes   int
	enables  int

	// onReadPut, if set, runs before every ReadPut.
	onReadPut func(r *fakeRing)
}

func newFakeRing(v Variant, entries uint32) *fakeRing {
	return &fakeRing{
		variant: v,
		words:   make([]uint32, entries*v.StrideWords()),
		entries: entries,
	}
}

func (r *fakeRing) Variant() Variant       { return r.variant }
func (r *fakeRing) BufferSize() uint32     { return r.entries * r.variant.StrideBytes() }
func (r *fakeRing) Map() ([]uint32, error) { return r.words, nil }
func (r *fakeRing) ReadGet() (uint32, error) {
	return r.get, nil
}

func (r *fakeRing) ReadPut() (uint32, error) {
	if r.onReadPut != nil {
		r.onReadPut(r)
	}
	return r.put, nil
}

func (r *fakeRing) WriteGet(get uint32) error {
	r.get = get
	r.writes++
	return nil
}

func (r *fakeRing) Overflowed() (bool, error)  { return r.overflow, nil }
func (r *fakeRing) ClearOverflow() error       { r.overflow = false; return nil }
func (r *fakeRing) EnableNotifications() error { r.enables++; return nil }

// produce writes a valid MMU fault with the given address at put and
// advances put.
func (r *fakeRing) produce(t *testing.T, addr uint64) {
	t.Helper()
	r.write(t, r.put, addr, true)
	r.put = (r.put + 1) % r.entries
}

func (r *fakeRing) write(t *testing.T, idx uint32, addr uint64, valid bool) {
	t.Helper()
	stride := r.variant.StrideWords()
	e := &MmuFault{Addr: addr, Replay: true, IsValid: valid}
	require.NoError(t, e.Encode(r.words[idx*stride:(idx+1)*stride]))
}

func collect(t *testing.T, c *Consumer) ([]uint64, DrainResult) {
	t.Helper()
	var addrs []uint64
	res, err := c.Drain(func(e Entry) error {
		addr, err := e.Address()
		require.NoError(t, err)
		addrs = append(addrs, addr)
		return nil
	})
	require.NoError(t, err)
	return addrs, res
}

func TestNewConsumerBufferSize(t *testing.T) {
	_, err := NewConsumer(newFakeRing(VariantMmuFault, 0), ConsumerOptions{})
	assert.ErrorIs(t, err, ErrBufferSize)

	r := newFakeRing(VariantMmuFault, 4)
	c, err := NewConsumer(r, ConsumerOptions{})
	require.NoError(t, err)
	assert.Equal(t, RingBufferState{MaxEntries: 4, StrideWords: 8}, c.State())

	r.get = 4
	_, err = NewConsumer(r, ConsumerOptions{})
	assert.ErrorIs(t, err, ErrDecode)
}

func TestDrainInOrderWithWrap(t *testing.T) {
	const entries = 8
	r := newFakeRing(VariantMmuFault, entries)
	r.get, r.put = 6, 6
	c, err := NewConsumer(r, ConsumerOptions{})
	require.NoError(t, err)

	var seen []uint64
	consumed := uint32(0)
	for round := 0; round < 5; round++ {
		var want []uint64
		for i := 0; i < 3; i++ {
			addr := uint64(round*0x10000 + i*0x1000)
			r.produce(t, addr)
			want = append(want, addr)
		}
		got, res := collect(t, c)
		assert.Equal(t, want, got)
		assert.Equal(t, DrainComplete, res.Outcome)
		consumed += 3
		assert.Equal(t, (6+consumed)%entries, c.State().Get)
		assert.Equal(t, c.State().Get, r.get, "get pushed to hardware")
		seen = append(seen, got...)
	}
	assert.Len(t, seen, 15)
}

func TestDrainPushesGetOnce(t *testing.T) {
	r := newFakeRing(VariantMmuFault, 16)
	c, err := NewConsumer(r, ConsumerOptions{})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		r.produce(t, uint64(i)<<12)
	}
	_, res := collect(t, c)
	assert.Equal(t, 5, res.Consumed)
	assert.Equal(t, 1, r.writes)

	_, res = collect(t, c)
	assert.Equal(t, 0, res.Consumed)
	assert.Equal(t, 1, r.writes, "empty drain does not write get")
}

func TestDrainPartialStop(t *testing.T) {
	r := newFakeRing(VariantMmuFault, 8)
	c, err := NewConsumer(r, ConsumerOptions{})
	require.NoError(t, err)

	r.produce(t, 0x1000)
	r.write(t, 1, 0x2000, false)
	r.put = 2

	got, res := collect(t, c)
	assert.Equal(t, []uint64{0x1000}, got)
	assert.Equal(t, DrainPartialStop, res.Outcome)
	assert.Equal(t, uint32(1), c.State().Get)

	// The producer finishes the entry; the next drain picks it up.
	r.write(t, 1, 0x2000, true)
	got, res = collect(t, c)
	assert.Equal(t, []uint64{0x2000}, got)
	assert.Equal(t, DrainComplete, res.Outcome)
	assert.Equal(t, uint32(2), c.State().Get)
}

func TestDrainInvalidatesConsumedEntries(t *testing.T) {
	r := newFakeRing(VariantMmuFault, 4)
	c, err := NewConsumer(r, ConsumerOptions{})
	require.NoError(t, err)
	r.produce(t, 0x3000)
	collect(t, c)

	e, err := Decode(VariantMmuFault, r.words[:8])
	require.NoError(t, err)
	assert.False(t, e.Valid())
}

func TestDrainOverflowPrecedence(t *testing.T) {
	r := newFakeRing(VariantMmuFault, 64)
	r.get = 40
	c, err := NewConsumer(r, ConsumerOptions{})
	require.NoError(t, err)
	for i := uint32(0); i < 56; i++ {
		r.write(t, (40+i)%64, uint64(i)<<12, true)
	}
	r.put = 32
	r.overflow = true

	got, res := collect(t, c)
	assert.Empty(t, got)
	assert.Equal(t, DrainOverflow, res.Outcome)
	assert.Equal(t, uint32(32), c.State().Get)
	assert.Equal(t, uint32(32), r.get)
	assert.False(t, r.overflow, "overflow flag cleared")

	got, res = collect(t, c)
	assert.Empty(t, got)
	assert.Equal(t, DrainComplete, res.Outcome)
}

func TestDrainOverflowDiscardsStaleEntries(t *testing.T) {
	r := newFakeRing(VariantMmuFault, 4)
	c, err := NewConsumer(r, ConsumerOptions{})
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		r.produce(t, uint64(i+1)<<12)
	}
	r.overflow = true

	got, res := collect(t, c)
	assert.Empty(t, got)
	assert.Equal(t, DrainOverflow, res.Outcome)
	assert.Equal(t, uint32(0), c.State().Get)
	for i := uint32(0); i < 4; i++ {
		e, err := Decode(VariantMmuFault, r.words[i*8:])
		require.NoError(t, err)
		assert.False(t, e.Valid(), "slot %d", i)
	}

	// The producer claims slot 0 but has not written it yet.
	r.put = 1
	got, res = collect(t, c)
	assert.Empty(t, got)
	assert.Equal(t, DrainPartialStop, res.Outcome)

	r.write(t, 0, 0x9000, true)
	got, res = collect(t, c)
	assert.Equal(t, []uint64{0x9000}, got)
	assert.Equal(t, DrainComplete, res.Outcome)
}

func TestDrainOverflowDuringDrain(t *testing.T) {
	r := newFakeRing(VariantMmuFault, 4)
	c, err := NewConsumer(r, ConsumerOptions{})
	require.NoError(t, err)
	r.produce(t, 0x1000)
	r.produce(t, 0x2000)

	drains := 0
	res, err := c.Drain(func(Entry) error {
		drains++
		// The producer laps the consumer mid-drain.
		r.overflow = true
		r.put = 1
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, DrainOverflow, res.Outcome)
	assert.Equal(t, 2, drains)
	assert.Equal(t, uint32(1), c.State().Get)
}

func TestDrainNoAutoAdvance(t *testing.T) {
	r := newFakeRing(VariantMmuFault, 8)
	c, err := NewConsumer(r, ConsumerOptions{NoAutoAdvance: true})
	require.NoError(t, err)
	r.produce(t, 0x1000)
	r.produce(t, 0x2000)

	_, res := collect(t, c)
	assert.Equal(t, 2, res.Consumed)
	assert.Equal(t, 0, r.writes)
	assert.Equal(t, uint32(0), r.get)

	require.NoError(t, c.Acknowledge())
	assert.Equal(t, uint32(2), r.get)
	assert.Equal(t, 1, r.writes)
}

func TestDrainEmitError(t *testing.T) {
	r := newFakeRing(VariantMmuFault, 8)
	c, err := NewConsumer(r, ConsumerOptions{})
	require.NoError(t, err)
	r.produce(t, 0x1000)
	r.produce(t, 0x2000)

	boom := errors.New("boom")
	res, err := c.Drain(func(Entry) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, res.Consumed)
	assert.Equal(t, uint32(1), r.get)

	got, _ := collect(t, c)
	assert.Equal(t, []uint64{0x2000}, got)
}

func TestDrainBadPut(t *testing.T) {
	r := newFakeRing(VariantMmuFault, 8)
	c, err := NewConsumer(r, ConsumerOptions{})
	require.NoError(t, err)
	r.put = 9
	_, err = c.Drain(func(Entry) error { return nil })
	assert.ErrorIs(t, err, ErrDecode)
}

func TestResync(t *testing.T) {
	r := newFakeRing(VariantMmuFault, 8)
	c, err := NewConsumer(r, ConsumerOptions{})
	require.NoError(t, err)
	r.produce(t, 0x1000)
	r.produce(t, 0x2000)
	require.NoError(t, c.Resync())
	assert.Equal(t, uint32(2), c.State().Get)
	got, _ := collect(t, c)
	assert.Empty(t, got)
}
