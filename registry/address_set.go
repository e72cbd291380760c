// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

// AddressSet is a set of page frame numbers laid out for efficient
// memory use and access. The registry uses it to remember which
// pages of which subdevice and aperture are currently mapped for CPU
// access.
type AddressSet struct {
	// m is a 4-level radix structure.
	//
	// The bottom level is a bitmap, with one bit per frame.
	m [1 << 16]*[1 << 16]*[1 << 16]*[(1 << 16) / 8]uint8
}

func (a *AddressSet) leaf(pfn uint64, create bool) *[(1 << 16) / 8]uint8 {
	l1 := &a.m[pfn>>48]
	if *l1 == nil {
		if !create {
			return nil
		}
		*l1 = new([1 << 16]*[1 << 16]*[(1 << 16) / 8]uint8)
	}
	l2 := &((*l1)[(pfn>>32)&0xffff])
	if *l2 == nil {
		if !create {
			return nil
		}
		*l2 = new([1 << 16]*[(1 << 16) / 8]uint8)
	}
	l3 := &((*l2)[(pfn>>16)&0xffff])
	if *l3 == nil {
		if !create {
			return nil
		}
		*l3 = new([(1 << 16) / 8]uint8)
	}
	return *l3
}

// Add adds a new frame to the AddressSet.
//
// Returns true on success. That is, if the frame
// was not already present in the set.
func (a *AddressSet) Add(pfn uint64) bool {
	c := a.leaf(pfn, true)
	i := pfn & 0xffff
	mask := uint8(1) << (i % 8)
	idx := i / 8
	if c[idx]&mask != 0 {
		return false
	}
	c[idx] |= mask
	return true
}

// Remove removes a frame from the AddressSet.
//
// Returns true on success. That is, if the frame
// was present in the set.
func (a *AddressSet) Remove(pfn uint64) bool {
	c := a.leaf(pfn, false)
	if c == nil {
		return false
	}
	i := pfn & 0xffff
	mask := uint8(1) << (i % 8)
	idx := i / 8
	if c[idx]&mask == 0 {
		return false
	}
	c[idx] &^= mask
	return true
}

// Contains reports whether pfn is in the set.
func (a *AddressSet) Contains(pfn uint64) bool {
	c := a.leaf(pfn, false)
	if c == nil {
		return false
	}
	i := pfn & 0xffff
	return c[i/8]&(uint8(1)<<(i%8)) != 0
}
