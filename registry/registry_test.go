// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mknyszek/gild"
)

func TestFindChannelActiveFirst(t *testing.T) {
	r := New(DefaultConfig)
	inst := gild.InstanceBlock{Addr: 0x7000, Aperture: gild.ApertureVideo}

	require.NoError(t, r.AddChannel(Channel{Handle: 1, Test: 1, Inst: inst, Name: "old"}))
	require.NoError(t, r.DeactivateChannel(0, 1))
	require.NoError(t, r.AddChannel(Channel{Handle: 2, Test: 1, Inst: inst, Name: "new"}))

	ch, ok := r.FindChannel(0, inst)
	require.True(t, ok)
	assert.Equal(t, "new", ch.Name)

	require.NoError(t, r.DeactivateChannel(0, 2))
	ch, ok = r.FindChannel(0, inst)
	require.True(t, ok)
	assert.Equal(t, "old", ch.Name, "first inactive match wins")

	_, ok = r.FindChannel(1, inst)
	assert.False(t, ok, "other subdevice")
	_, ok = r.FindChannel(0, gild.InstanceBlock{Addr: 0x7000, Aperture: gild.ApertureSysCoherent})
	assert.False(t, ok, "aperture is part of the identity")
}

func TestAddChannelDuplicate(t *testing.T) {
	r := New(DefaultConfig)
	require.NoError(t, r.AddChannel(Channel{Handle: 1}))
	require.ErrorIs(t, r.AddChannel(Channel{Handle: 1}), ErrExists)
	require.NoError(t, r.AddChannel(Channel{Handle: 1, Subdevice: 1}))
	require.ErrorIs(t, r.DeactivateChannel(0, 9), ErrNotFound)
}

func TestFindVirtualNarrowest(t *testing.T) {
	r := New(DefaultConfig)
	m, err := r.AddMemory(Memory{Name: "buf", Space: 3, Size: 0x10000})
	require.NoError(t, err)
	require.NotZero(t, m.VirtAddr)
	require.NoError(t, r.AddRange(Range{Memory: "buf", Name: "hot", Offset: 0x2000, Size: 0x1000}))

	got, ok := r.FindVirtual(0, 3, m.VirtAddr.Add(0x2010))
	require.True(t, ok)
	assert.Equal(t, Match{Range: "hot", Memory: "buf", Offset: 0x10}, got)

	got, ok = r.FindVirtual(0, 3, m.VirtAddr.Add(0x4000))
	require.True(t, ok)
	assert.Equal(t, Match{Range: "buf", Memory: "buf", Offset: 0x4000}, got)

	_, ok = r.FindVirtual(0, 3, m.VirtAddr.Add(0x10000))
	assert.False(t, ok, "end is exclusive")
	_, ok = r.FindVirtual(0, BarSpace, m.VirtAddr)
	assert.False(t, ok, "wrong address space")
}

func TestAddMemoryReservesDisjointVA(t *testing.T) {
	r := New(DefaultConfig)
	a, err := r.AddMemory(Memory{Name: "a", Size: 100})
	require.NoError(t, err)
	b, err := r.AddMemory(Memory{Name: "b", Size: 100})
	require.NoError(t, err)
	assert.Equal(t, Bytes(0), Bytes(a.VirtAddr)%r.PageSize())
	assert.GreaterOrEqual(t, uint64(b.VirtAddr), uint64(a.VirtAddr.Add(r.PageSize())))

	c, err := r.AddMemory(Memory{Name: "c", VirtAddr: 0x1000, Size: 100})
	require.NoError(t, err)
	assert.Equal(t, Address(0x1000), c.VirtAddr)

	_, err = r.AddMemory(Memory{Name: "a", Size: 1})
	require.ErrorIs(t, err, ErrExists)
	require.Error(t, r.AddRange(Range{Memory: "a", Name: "big", Size: 0x2000}))
	require.ErrorIs(t, r.AddRange(Range{Memory: "nope", Name: "x", Size: 1}), ErrNotFound)
}

func TestFindPhysicalPrefersCPUMapped(t *testing.T) {
	r := New(DefaultConfig)
	for _, name := range []string{"first", "second"} {
		_, err := r.AddMemory(Memory{
			Name:     name,
			Size:     0x2000,
			Pinned:   true,
			PhysAddr: 0x100000,
			Aperture: gild.ApertureSysCoherent,
		})
		require.NoError(t, err)
	}

	got, ok := r.FindPhysical(0, gild.ApertureSysCoherent, 0x101008)
	require.True(t, ok)
	assert.Equal(t, "first", got.Range)

	require.NoError(t, r.MapCPU("second"))
	got, ok = r.FindPhysical(0, gild.ApertureSysCoherent, 0x101008)
	require.True(t, ok)
	assert.Equal(t, Match{Range: "second", Memory: "second", Offset: 0x1008}, got)

	_, ok = r.FindPhysical(0, gild.ApertureVideo, 0x101008)
	assert.False(t, ok)
}

func TestFindScopedToSubdevice(t *testing.T) {
	r := New(DefaultConfig)
	for gpu, name := range []string{"gpu0surf", "gpu1surf"} {
		_, err := r.AddMemory(Memory{
			Name:      name,
			Subdevice: uint32(gpu),
			Space:     1,
			VirtAddr:  0x200000,
			Size:      0x1000,
			Pinned:    true,
			PhysAddr:  0x100000,
			Aperture:  gild.ApertureVideo,
		})
		require.NoError(t, err)
	}
	require.NoError(t, r.MapCPU("gpu0surf"))

	got, ok := r.FindPhysical(1, gild.ApertureVideo, 0x100010)
	require.True(t, ok)
	assert.Equal(t, Match{Range: "gpu1surf", Memory: "gpu1surf", Offset: 0x10}, got)
	got, ok = r.FindPhysical(0, gild.ApertureVideo, 0x100010)
	require.True(t, ok)
	assert.Equal(t, "gpu0surf", got.Range)

	got, ok = r.FindVirtual(1, 1, 0x200020)
	require.True(t, ok)
	assert.Equal(t, Match{Range: "gpu1surf", Memory: "gpu1surf", Offset: 0x20}, got)

	_, ok = r.FindPhysical(2, gild.ApertureVideo, 0x100010)
	assert.False(t, ok)
	_, ok = r.FindVirtual(2, 1, 0x200020)
	assert.False(t, ok)
}

func TestMapCPUCoversEveryPage(t *testing.T) {
	r := New(DefaultConfig)
	ps := r.PageSize()
	_, err := r.AddMemory(Memory{
		Name:      "span",
		Subdevice: 3,
		Size:      2 * ps,
		Pinned:    true,
		PhysAddr:  Address(ps) + 0x10,
		Aperture:  gild.ApertureSysCoherent,
	})
	require.NoError(t, err)
	require.NoError(t, r.MapCPU("span"))

	for i := Pages(0); i < 4; i++ {
		addr := Address(i.Bytes(ps))
		want := i >= 1 && i <= 3
		assert.Equal(t, want, r.cpu.Contains(r.pfn(3, gild.ApertureSysCoherent, addr)), "page %d", i)
		assert.False(t, r.cpu.Contains(r.pfn(0, gild.ApertureSysCoherent, addr)), "page %d on gpu 0", i)
	}
}

func TestReleaseTestAndRefs(t *testing.T) {
	r := New(DefaultConfig)
	require.NoError(t, r.AddChannel(Channel{Handle: 1, Test: 1}))
	require.NoError(t, r.AddChannel(Channel{Handle: 2, Test: SharedTest}))
	for _, m := range []Memory{
		{Name: "mine", Test: 1, Size: 0x1000, Pinned: true, PhysAddr: 0x5000},
		{Name: "kept", Test: 1, Size: 0x1000},
		{Name: "shared", Test: SharedTest, Size: 0x1000},
	} {
		_, err := r.AddMemory(m)
		require.NoError(t, err)
	}
	require.NoError(t, r.MapCPU("mine"))
	require.NoError(t, r.Retain("kept"))

	r.ReleaseTest(1)

	chs := r.Channels()
	require.Len(t, chs, 1)
	assert.Equal(t, uint32(2), chs[0].Handle)

	var names []string
	for _, m := range r.Memory() {
		names = append(names, m.Name)
	}
	assert.Equal(t, []string{"kept", "shared"}, names)
	assert.False(t, r.cpu.Contains(r.pfn(0, gild.ApertureVideo, 0x5000)), "cpu mapping dropped with the object")

	// Releasing the test again must not drop the retained reference.
	r.ReleaseTest(1)
	require.Len(t, r.Memory(), 2)
	require.NoError(t, r.Release("kept"))
	require.Len(t, r.Memory(), 1)
	require.ErrorIs(t, r.Release("kept"), ErrNotFound)
}

func TestAddressSet(t *testing.T) {
	var s AddressSet
	assert.True(t, s.Add(42))
	assert.False(t, s.Add(42))
	assert.True(t, s.Contains(42))
	assert.False(t, s.Contains(43))
	assert.True(t, s.Add(1<<62|42))
	assert.True(t, s.Remove(42))
	assert.False(t, s.Remove(42))
	assert.True(t, s.Contains(1<<62|42))
}

func TestVASpaceExhaustion(t *testing.T) {
	s := NewVASpace(0x1000, 0x4000, 0x1000)
	a, n, ok := s.MapAligned(1, 0)
	require.True(t, ok)
	assert.Equal(t, Address(0x1000), a)
	assert.Equal(t, Bytes(0x1000), n)
	a, _, ok = s.MapAligned(0x1000, 0x2000)
	require.True(t, ok)
	assert.Equal(t, Address(0x2000), a)
	_, _, ok = s.MapAligned(0x2000, 0)
	assert.False(t, ok)
}
