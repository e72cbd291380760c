// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mknyszek/gild"
	"github.com/mknyszek/gild/registry"
)

var inst = gild.InstanceBlock{Addr: 0xabc000, Aperture: gild.ApertureVideo}

type countingEngines struct {
	StaticEngines
	calls int
}

func (c *countingEngines) QueryEngine(key EngineKey) (EngineInfo, error) {
	c.calls++
	return c.StaticEngines.QueryEngine(key)
}

func setup(t *testing.T) (*registry.Registry, registry.Memory) {
	t.Helper()
	r := registry.New(registry.DefaultConfig)
	require.NoError(t, r.AddChannel(registry.Channel{Handle: 0x10, Test: 1, Inst: inst, Space: 1}))
	m, err := r.AddMemory(registry.Memory{
		Name:     "surf",
		Test:     1,
		Space:    1,
		Size:     0x10000,
		Pinned:   true,
		PhysAddr: 0x40000000,
		Aperture: gild.ApertureVideo,
	})
	require.NoError(t, err)
	return r, m
}

func TestClassifyReplayablePageFault(t *testing.T) {
	r, m := setup(t)
	c := New(r, nil, nil)

	ev, err := c.Classify(0, &gild.MmuFault{
		Inst:    inst,
		Addr:    uint64(m.VirtAddr) + 0x2000,
		Replay:  true,
		Type:    gild.FaultPTE,
		Access:  gild.AccessVirtWrite,
		Time:    77,
		IsValid: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "PageFault 0 0x10 surf 0x2000 PTE VIRT_WRITE 0", ev.GildString())
	assert.Equal(t, uint64(77), ev.Timestamp)
}

func TestClassifyNonReplayable(t *testing.T) {
	r, m := setup(t)
	c := New(r, nil, nil)
	addr := uint64(m.VirtAddr) + 0x10

	ev, err := c.Classify(0, &gild.MmuFault{Inst: inst, Addr: addr, Type: gild.FaultROViolation})
	require.NoError(t, err)
	assert.Equal(t, gild.EventRecoverableFault, ev.Kind)

	ev, err = c.Classify(0, &gild.PrivShadowFault{Inst: inst, Addr: addr, Type: gild.FaultPrivViolation})
	require.NoError(t, err)
	assert.Equal(t, gild.EventNonReplayableFault, ev.Kind)

	// Without a channel the address resolves in BAR space, and a
	// recoverable fault cannot be routed.
	_, err = c.Classify(0, &gild.MmuFault{Addr: addr, Type: gild.FaultPTE})
	require.ErrorIs(t, err, ErrNoMatchingChannel)
}

func TestClassifyLegacyIsPageFault(t *testing.T) {
	r, m := setup(t)
	c := New(r, nil, nil)
	ev, err := c.Classify(0, &gild.LegacyFault{Inst: inst, Addr: uint64(m.VirtAddr), Type: gild.FaultPDE})
	require.NoError(t, err)
	assert.Equal(t, gild.EventPageFault, ev.Kind)
	assert.Equal(t, uint32(0), ev.VEID)
}

func TestClassifyNoMatchingRange(t *testing.T) {
	r, _ := setup(t)
	c := New(r, nil, nil)
	_, err := c.Classify(0, &gild.MmuFault{Inst: inst, Addr: 0x1000, Replay: true})
	require.ErrorIs(t, err, ErrNoMatchingRange)
}

func TestClassifyVEID(t *testing.T) {
	r, m := setup(t)
	engines := &countingEngines{StaticEngines: StaticEngines{
		{Client: 3, EngineID: 36}: {SubctxAware: true, StartMmuEngineID: 32, MaxSubctx: 4},
		{Client: 3, EngineID: 40}: {SubctxAware: true, StartMmuEngineID: 32, MaxSubctx: 4},
		{Client: 3, EngineID: 20}: {SubctxAware: true, StartMmuEngineID: 32, MaxSubctx: 4},
		{Client: 3, EngineID: 34}: {SubctxAware: true, StartMmuEngineID: 32, MaxSubctx: 4},
	}}
	c := New(r, engines, nil)
	fault := func(engine uint32) gild.Event {
		ev, err := c.Classify(0, &gild.MmuFault{
			Inst:   inst,
			Addr:   uint64(m.VirtAddr),
			Replay: true,
			Client: 3,
			Engine: engine,
		})
		require.NoError(t, err)
		return ev
	}

	assert.Equal(t, uint32(2), fault(34).VEID)
	assert.Equal(t, gild.BadVEID, fault(36).VEID, "veid == max")
	assert.Equal(t, gild.BadVEID, fault(40).VEID)
	assert.Equal(t, gild.BadVEID, fault(20).VEID, "below start")
	assert.Equal(t, uint32(0), fault(7).VEID, "unaware engine")
	assert.Contains(t, fault(36).GildString(), " bad")

	calls := engines.calls
	fault(34)
	fault(7)
	assert.Equal(t, calls, engines.calls, "engine info is cached")
}

func TestClassifyPhysicalAccessCounter(t *testing.T) {
	r, _ := setup(t)
	c := New(r, nil, nil)
	ev, err := c.Classify(0, &gild.AccessCounterNotify{
		Inst:     inst,
		Addr:     0x40003000,
		AddrType: gild.AddressPhysical,
		AddrAper: gild.ApertureVideo,
		Info:     gild.CounterInfo{Type: gild.CounterMOMC, Value: 9},
		IsValid:  true,
	})
	require.NoError(t, err)
	assert.True(t, ev.Physical)
	assert.Equal(t, uint32(9), ev.Counter.Value)
	assert.Equal(t, "AccessCounter 0 0x10 surf 0x3000 VID MOMC", ev.GildString())
}

func TestClassifyScopedToSubdevice(t *testing.T) {
	r, _ := setup(t)
	require.NoError(t, r.AddChannel(registry.Channel{Handle: 0x20, Subdevice: 1, Test: 2, Inst: inst, Space: 1}))
	c := New(r, nil, nil)
	counter := &gild.AccessCounterNotify{
		Inst:     inst,
		Addr:     0x40003000,
		AddrType: gild.AddressPhysical,
		AddrAper: gild.ApertureVideo,
		Info:     gild.CounterInfo{Type: gild.CounterMOMC, Value: 1},
		IsValid:  true,
	}

	// Only gpu 0 has memory at this physical address.
	_, err := c.Classify(1, counter)
	require.ErrorIs(t, err, ErrNoMatchingRange)

	_, err = r.AddMemory(registry.Memory{
		Name:      "gpu1surf",
		Test:      2,
		Subdevice: 1,
		Space:     1,
		Size:      0x10000,
		Pinned:    true,
		PhysAddr:  0x40000000,
		Aperture:  gild.ApertureVideo,
	})
	require.NoError(t, err)
	ev, err := c.Classify(1, counter)
	require.NoError(t, err)
	assert.Equal(t, "AccessCounter 1 0x20 gpu1surf 0x3000 VID MOMC", ev.GildString())

	ev, err = c.Classify(0, counter)
	require.NoError(t, err)
	assert.Equal(t, "AccessCounter 0 0x10 surf 0x3000 VID MOMC", ev.GildString())
}

func TestRecoverableTable(t *testing.T) {
	assert.True(t, Recoverable(gild.FaultPTE))
	assert.True(t, Recoverable(gild.FaultAtomicViolation))
	assert.False(t, Recoverable(gild.FaultVALimitViolation))
	assert.False(t, Recoverable(gild.FaultType(200)))
}
