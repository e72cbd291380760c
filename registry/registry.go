// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package registry tracks the channels, memory objects and memory
// ranges that tests register, and resolves hardware-reported
// instance blocks and addresses back to them.
//
// A Registry is safe for concurrent use. Lookups take a shared lock
// and mutations take an exclusive one, so classification running on
// a notification goroutine never waits on another lookup.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mknyszek/gild"
)

var (
	ErrExists   = errors.New("already registered")
	ErrNotFound = errors.New("not registered")
)

// TestID identifies the test that owns a registered object.
type TestID uint32

// SharedTest owns objects that are visible to every test and
// outlive any single one of them.
const SharedTest TestID = 0

// SpaceID identifies a GPU virtual address space.
type SpaceID uint32

// BarSpace is the address space used to resolve virtual addresses
// of events that have no channel, such as BAR accesses.
const BarSpace SpaceID = 0

// Channel is a registered GPU channel.
type Channel struct {
	Handle    uint32
	Subdevice uint32
	Test      TestID
	Inst      gild.InstanceBlock
	Space     SpaceID
	Name      string
}

// Memory is a registered memory object.
type Memory struct {
	Name      string
	Test      TestID
	Subdevice uint32
	Space     SpaceID

	// VirtAddr is the GPU virtual address of the object. If zero
	// at registration, one is reserved from the registry's VASpace.
	VirtAddr Address
	Size     Bytes

	// Pinned objects have a fixed physical location, and may be
	// resolved from physical fault addresses.
	Pinned   bool
	PhysAddr Address
	Aperture gild.Aperture
}

// Range is a named sub-range of a memory object. Every memory object
// also has an implicit range covering all of it, named after it.
type Range struct {
	Memory string
	Name   string
	Offset Bytes
	Size   Bytes
}

// Match is the result of resolving an address.
type Match struct {
	Range  string
	Memory string
	Test   TestID
	// Offset is the address's offset from the start of the range.
	Offset Bytes
}

// Config configures a Registry.
type Config struct {
	PageSize Bytes
	VABase   Address
	VALimit  Address
}

// DefaultConfig reserves virtual addresses from the upper part of
// a 48-bit address space, with 4 KiB pages.
var DefaultConfig = Config{
	PageSize: 4 << 10,
	VABase:   1 << 40,
	VALimit:  1 << 48,
}

type memory struct {
	Memory
	refs   int
	owned  bool
	ranges []*Range
	mapped bool
}

// Registry holds every registered channel and memory object.
type Registry struct {
	mu       sync.RWMutex
	cfg      Config
	spaces   map[SpaceID]*VASpace
	active   []Channel
	inactive []Channel
	memory   map[string]*memory
	order    []string
	cpu      AddressSet
}

// New creates an empty Registry.
func New(cfg Config) *Registry {
	if cfg.PageSize == 0 {
		cfg.PageSize = DefaultConfig.PageSize
	}
	if cfg.VALimit == 0 {
		cfg.VABase, cfg.VALimit = DefaultConfig.VABase, DefaultConfig.VALimit
	}
	return &Registry{
		cfg:    cfg,
		spaces: make(map[SpaceID]*VASpace),
		memory: make(map[string]*memory),
	}
}

// PageSize returns the page size used for CPU mappings and
// virtual address reservations.
func (r *Registry) PageSize() Bytes {
	return r.cfg.PageSize
}

// AddChannel registers an active channel. Handles are unique per
// subdevice across active channels.
func (r *Registry) AddChannel(ch Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.active {
		if c.Subdevice == ch.Subdevice && c.Handle == ch.Handle {
			return fmt.Errorf("channel 0x%x on gpu %d: %w", ch.Handle, ch.Subdevice, ErrExists)
		}
	}
	r.active = append(r.active, ch)
	return nil
}

// DeactivateChannel moves a channel to the inactive set. Inactive
// channels still resolve faults that were buffered before the
// channel went away.
func (r *Registry) DeactivateChannel(subdevice, handle uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, c := range r.active {
		if c.Subdevice == subdevice && c.Handle == handle {
			r.active = append(r.active[:i], r.active[i+1:]...)
			r.inactive = append(r.inactive, c)
			return nil
		}
	}
	return fmt.Errorf("channel 0x%x on gpu %d: %w", handle, subdevice, ErrNotFound)
}

// FindChannel returns the channel on subdevice whose instance block
// is inst. Active channels are searched before inactive ones, and the
// first match wins.
func (r *Registry) FindChannel(subdevice uint32, inst gild.InstanceBlock) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, set := range [...][]Channel{r.active, r.inactive} {
		for _, c := range set {
			if c.Subdevice == subdevice && c.Inst == inst {
				return c, true
			}
		}
	}
	return Channel{}, false
}

// LookupChannel returns the active or inactive channel with the
// given handle on subdevice.
func (r *Registry) LookupChannel(subdevice, handle uint32) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, set := range [...][]Channel{r.active, r.inactive} {
		for _, c := range set {
			if c.Subdevice == subdevice && c.Handle == handle {
				return c, true
			}
		}
	}
	return Channel{}, false
}

// Channels returns a snapshot of the active channels.
func (r *Registry) Channels() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Channel(nil), r.active...)
}

// AddMemory registers a memory object and its implicit whole-object
// range. It returns the object as registered, with VirtAddr filled in.
func (r *Registry) AddMemory(m Memory) (Memory, error) {
	if m.Size == 0 {
		return Memory{}, fmt.Errorf("memory %q: zero size", m.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.memory[m.Name]; ok {
		return Memory{}, fmt.Errorf("memory %q: %w", m.Name, ErrExists)
	}
	if m.VirtAddr == 0 {
		s, ok := r.spaces[m.Space]
		if !ok {
			s = NewVASpace(r.cfg.VABase, r.cfg.VALimit, r.cfg.PageSize)
			r.spaces[m.Space] = s
		}
		addr, _, ok := s.MapAligned(m.Size, r.cfg.PageSize)
		if !ok {
			return Memory{}, fmt.Errorf("memory %q: out of virtual address space", m.Name)
		}
		m.VirtAddr = addr
	}
	r.memory[m.Name] = &memory{
		Memory: m,
		refs:   1,
		owned:  true,
		ranges: []*Range{{Memory: m.Name, Name: m.Name, Size: m.Size}},
	}
	r.order = append(r.order, m.Name)
	return m, nil
}

// AddRange registers a named sub-range of a memory object.
func (r *Registry) AddRange(rg Range) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.memory[rg.Memory]
	if !ok {
		return fmt.Errorf("range %q: memory %q: %w", rg.Name, rg.Memory, ErrNotFound)
	}
	if rg.Size == 0 || rg.Offset+rg.Size > m.Size || rg.Offset+rg.Size < rg.Offset {
		return fmt.Errorf("range %q [0x%x, +0x%x) does not fit in memory %q of size 0x%x",
			rg.Name, uint64(rg.Offset), uint64(rg.Size), m.Name, uint64(m.Size))
	}
	for _, x := range m.ranges {
		if x.Name == rg.Name {
			return fmt.Errorf("range %q in memory %q: %w", rg.Name, rg.Memory, ErrExists)
		}
	}
	m.ranges = append(m.ranges, &rg)
	return nil
}

// pfn returns the key of the page holding addr. Physical pages are
// only unique per subdevice and aperture, so both are folded into the
// bits above a 44-bit page frame number.
func (r *Registry) pfn(subdevice uint32, aper gild.Aperture, addr Address) uint64 {
	return uint64(addr.AlignDown(r.cfg.PageSize))/uint64(r.cfg.PageSize) |
		uint64(subdevice&0xffff)<<44 | uint64(aper)<<60
}

// MapCPU records that a pinned memory object is mapped for CPU access.
func (r *Registry) MapCPU(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.memory[name]
	if !ok {
		return fmt.Errorf("memory %q: %w", name, ErrNotFound)
	}
	if !m.Pinned {
		return fmt.Errorf("memory %q has no physical location", name)
	}
	if m.mapped {
		return nil
	}
	r.forPages(m, func(pfn uint64) { r.cpu.Add(pfn) })
	m.mapped = true
	return nil
}

func (r *Registry) forPages(m *memory, f func(pfn uint64)) {
	base := m.PhysAddr.AlignDown(r.cfg.PageSize)
	n := m.PhysAddr.Add(m.Size).Diff(base).Pages(r.cfg.PageSize)
	for i := Pages(0); i < n; i++ {
		f(r.pfn(m.Subdevice, m.Aperture, base.Add(i.Bytes(r.cfg.PageSize))))
	}
}

// Retain takes an extra reference to a memory object, keeping it
// registered after its owning test ends.
func (r *Registry) Retain(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.memory[name]
	if !ok {
		return fmt.Errorf("memory %q: %w", name, ErrNotFound)
	}
	m.refs++
	return nil
}

// Release drops a reference taken by Retain.
func (r *Registry) Release(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.memory[name]
	if !ok {
		return fmt.Errorf("memory %q: %w", name, ErrNotFound)
	}
	r.unref(m)
	return nil
}

func (r *Registry) unref(m *memory) {
	m.refs--
	if m.refs > 0 {
		return
	}
	if m.mapped {
		r.forPages(m, func(pfn uint64) { r.cpu.Remove(pfn) })
	}
	delete(r.memory, m.Name)
	for i, n := range r.order {
		if n == m.Name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// ReleaseTest removes every channel owned by test and drops the
// test's reference to every memory object it owns.
func (r *Registry) ReleaseTest(test TestID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.active = dropTest(r.active, test)
	r.inactive = dropTest(r.inactive, test)
	for _, name := range append([]string(nil), r.order...) {
		m := r.memory[name]
		if m.Test == test && m.owned {
			m.owned = false
			r.unref(m)
		}
	}
}

func dropTest(chs []Channel, test TestID) []Channel {
	out := chs[:0]
	for _, c := range chs {
		if c.Test != test {
			out = append(out, c)
		}
	}
	return out
}

// Memory returns a snapshot of the registered memory objects in
// registration order.
func (r *Registry) Memory() []Memory {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Memory, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.memory[n].Memory)
	}
	return out
}

// Ranges returns a snapshot of the ranges of a memory object,
// including its implicit whole-object range.
func (r *Registry) Ranges(name string) []Range {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.memory[name]
	if !ok {
		return nil
	}
	out := make([]Range, len(m.ranges))
	for i, rg := range m.ranges {
		out[i] = *rg
	}
	return out
}

type candidate struct {
	m      *memory
	rg     *Range
	offset Bytes
	pref   bool
}

// best picks the narrowest candidate, preferring those with pref set.
// Ties go to the earliest registration.
func best(cs []candidate) (Match, bool) {
	if len(cs) == 0 {
		return Match{}, false
	}
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].pref != cs[j].pref {
			return cs[i].pref
		}
		return cs[i].rg.Size < cs[j].rg.Size
	})
	c := cs[0]
	return Match{Range: c.rg.Name, Memory: c.m.Name, Test: c.m.Test, Offset: c.offset}, true
}

// FindVirtual resolves a GPU virtual address in the given address
// space of subdevice to the narrowest range containing it.
func (r *Registry) FindVirtual(subdevice uint32, space SpaceID, addr Address) (Match, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var cs []candidate
	for _, n := range r.order {
		m := r.memory[n]
		if m.Subdevice != subdevice || m.Space != space {
			continue
		}
		for _, rg := range m.ranges {
			base := m.VirtAddr.Add(rg.Offset)
			if (span{base, rg.Size}).contains(addr) {
				cs = append(cs, candidate{m: m, rg: rg, offset: addr.Diff(base)})
			}
		}
	}
	return best(cs)
}

// FindPhysical resolves a physical address in the given aperture of
// subdevice to the narrowest range containing it. Ranges of objects
// that are already mapped for CPU access are preferred.
func (r *Registry) FindPhysical(subdevice uint32, aper gild.Aperture, addr Address) (Match, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	mapped := r.cpu.Contains(r.pfn(subdevice, aper, addr))
	var cs []candidate
	for _, n := range r.order {
		m := r.memory[n]
		if !m.Pinned || m.Subdevice != subdevice || m.Aperture != aper {
			continue
		}
		for _, rg := range m.ranges {
			base := m.PhysAddr.Add(rg.Offset)
			if (span{base, rg.Size}).contains(addr) {
				cs = append(cs, candidate{m: m, rg: rg, offset: addr.Diff(base), pref: mapped && m.mapped})
			}
		}
	}
	return best(cs)
}
