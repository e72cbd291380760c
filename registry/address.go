// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

// Bytes represents an amount of bytes.
type Bytes uint64

// AlignUp rounds b up to align. align must be a power-of-two.
func (b Bytes) AlignUp(align Bytes) Bytes {
	if align&(align-1) != 0 {
		panic("alignment must be a power-of-two")
	}
	return (b + align - 1) &^ (align - 1)
}

// AlignDown rounds b down to align. align must be a power-of-two.
func (b Bytes) AlignDown(align Bytes) Bytes {
	if align&(align-1) != 0 {
		panic("alignment must be a power-of-two")
	}
	return b &^ (align - 1)
}

// Pages returns the amount of perPage-sized pages required to hold b bytes.
func (b Bytes) Pages(perPage Bytes) Pages {
	return Pages(b.AlignUp(perPage) / perPage)
}

// Address represents a GPU virtual or physical address.
type Address uint64

// AlignUp rounds a up to align. align must be a power-of-two.
func (a Address) AlignUp(align Bytes) Address {
	return Address(Bytes(a).AlignUp(align))
}

// AlignDown rounds a down to align. align must be a power-of-two.
func (a Address) AlignDown(align Bytes) Address {
	return Address(Bytes(a).AlignDown(align))
}

// Add adds a byte offset to an address.
func (a Address) Add(b Bytes) Address {
	return a + Address(b)
}

// Diff returns the absolute difference between a and b.
func (a Address) Diff(b Address) Bytes {
	if a < b {
		return Bytes(b - a)
	}
	return Bytes(a - b)
}

// Pages represents an amount of pages. The amount of bytes
// per page is determined contextually, usually from
// (*Registry).PageSize().
type Pages uint64

// Bytes returns the maximum amount of bytes that can be held within p pages,
// given perPage bytes per page.
func (p Pages) Bytes(perPage Bytes) Bytes {
	return Bytes(p) * perPage
}

// span is a half-open address interval [base, base+size).
type span struct {
	base Address
	size Bytes
}

func (s span) contains(a Address) bool {
	return a >= s.base && a.Diff(s.base) < s.size
}
