// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

// VASpace hands out GPU virtual addresses for memory objects that
// are registered without a fixed address. It is a bump allocator:
// addresses are never reused within the lifetime of a registry,
// which keeps stale faults from resolving to a newer object.
type VASpace struct {
	base     Address
	limit    Address
	pageSize Bytes
}

// NewVASpace returns a VASpace that allocates from [base, limit).
func NewVASpace(base, limit Address, pageSize Bytes) *VASpace {
	if pageSize&(pageSize-1) != 0 {
		panic("page size must be a power-of-two")
	}
	return &VASpace{
		base:     base.AlignUp(pageSize),
		limit:    limit,
		pageSize: pageSize,
	}
}

// MapAligned reserves size bytes aligned to align, rounded up to a
// whole number of pages. It returns the base address and the
// reserved size, or ok == false if the space is exhausted.
func (s *VASpace) MapAligned(size, align Bytes) (addr Address, reserved Bytes, ok bool) {
	if align < s.pageSize {
		align = s.pageSize
	}
	size = size.AlignUp(s.pageSize)
	base := s.base.AlignUp(align)
	if base < s.base || base.Add(size) > s.limit || base.Add(size) < base {
		return 0, 0, false
	}
	s.base = base.Add(size)
	return base, size, true
}
