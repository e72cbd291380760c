// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gild

import (
	"fmt"
	"strings"
)

// Variant identifies the layout of a hardware event buffer entry.
type Variant uint8

const (
	VariantBad             Variant = iota
	VariantLegacyFault             // Pre-MMU-v2 replayable fault buffer.
	VariantMmuFault                // MMU fault buffer (replayable or not).
	VariantAccessCounter           // Access counter notification buffer.
	VariantPrivShadowFault         // Register-shadowed non-replayable fault.
)

// entryWords is the size of every entry variant in 32-bit words.
const entryWords = 8

var variantNames = [...]string{
	VariantBad:             "bad",
	VariantLegacyFault:     "legacy-fault",
	VariantMmuFault:        "mmu-fault",
	VariantAccessCounter:   "access-counter",
	VariantPrivShadowFault: "priv-shadow-fault",
}

func (v Variant) String() string {
	if int(v) < len(variantNames) {
		return variantNames[v]
	}
	return fmt.Sprintf("variant-%d", uint8(v))
}

// ParseVariant is the inverse of Variant.String.
func ParseVariant(s string) (Variant, error) {
	for i, name := range variantNames {
		if i != int(VariantBad) && strings.EqualFold(s, name) {
			return Variant(i), nil
		}
	}
	return VariantBad, fmt.Errorf("unknown entry variant %q", s)
}

// StrideWords returns the size of one entry of this variant
// in 32-bit words, or 0 if the variant is not valid.
func (v Variant) StrideWords() uint32 {
	if v == VariantBad || int(v) >= len(variantNames) {
		return 0
	}
	return entryWords
}

// StrideBytes returns the size of one entry of this variant in bytes.
func (v Variant) StrideBytes() uint32 {
	return v.StrideWords() * 4
}

// Entry is a decoded view of one hardware event buffer record.
//
// Accessors for fields that a variant does not define return an
// error wrapping ErrUnsupported. Entries are snapshots: changing
// one has no effect on the buffer until Encode writes it back.
type Entry interface {
	Variant() Variant
	Class() Class

	// Valid reports whether the producer has finished writing
	// this entry and it has not yet been consumed.
	Valid() bool

	// Invalidate clears the valid bit. Invalidating an invalid
	// entry is a no-op.
	Invalidate()

	// Encode writes the entry back into dst, which must hold
	// at least one entry's worth of words. Bits of dst that the
	// entry does not model are left as they are.
	Encode(dst []uint32) error

	Address() (uint64, error)
	AddressType() (AddressType, error)
	Aperture() (Aperture, error)
	AccessType() (AccessType, error)
	FaultType() (FaultType, error)
	ClientID() (uint32, error)
	GPCID() (uint32, error)
	EngineID() (uint32, error)
	Replayable() (bool, error)
	InstanceBlock() (InstanceBlock, error)
	Timestamp() (uint64, error)
	Counter() (CounterInfo, error)
}

// Decode decodes one entry of variant v from raw. raw must contain
// at least v.StrideWords() words; any extra words are ignored.
//
// Decode has no side effects and never fails for well-sized input.
func Decode(v Variant, raw []uint32) (Entry, error) {
	n := v.StrideWords()
	if n == 0 {
		return nil, fmt.Errorf("%w: unknown entry variant %d", ErrDecode, uint8(v))
	}
	if uint32(len(raw)) < n {
		return nil, fmt.Errorf("%w: %s entry needs %d words, have %d", ErrDecode, v, n, len(raw))
	}
	switch v {
	case VariantLegacyFault:
		return decodeLegacyFault(raw), nil
	case VariantMmuFault:
		return decodeMmuFault(raw), nil
	case VariantAccessCounter:
		return decodeAccessCounter(raw), nil
	case VariantPrivShadowFault:
		return decodePrivShadowFault(raw), nil
	}
	panic("unreachable")
}

func checkEncodeDst(v Variant, dst []uint32) error {
	if uint32(len(dst)) < v.StrideWords() {
		return fmt.Errorf("%w: %s entry needs %d words to encode, have %d", ErrDecode, v, v.StrideWords(), len(dst))
	}
	return nil
}

// field extracts width bits of w starting at bit lo.
func field(w uint32, lo, width uint) uint32 {
	return (w >> lo) & (1<<width - 1)
}

// setField stores the low width bits of val into w at bit lo.
func setField(w *uint32, lo, width uint, val uint32) {
	mask := uint32(1<<width-1) << lo
	*w = *w&^mask | (val<<lo)&mask
}

const (
	validBit      = 31
	validWord     = entryWords - 1
	pageShift     = 12
	pageAddrMask  = ^uint32(1<<pageShift - 1)
	apertureShift = 8
)

func boolBit(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// clearValid clears the valid bit of a raw entry without decoding it.
func clearValid(slot []uint32) {
	slot[validWord] &^= 1 << validBit
}

func decodeInstanceBlock(lo, hi uint32, apertureLo uint) InstanceBlock {
	return InstanceBlock{
		Addr:     uint64(hi)<<32 | uint64(lo&pageAddrMask),
		Aperture: Aperture(field(lo, apertureLo, 2)),
	}
}

func encodeInstanceBlock(inst InstanceBlock, lo, hi *uint32, apertureLo uint) {
	setField(lo, pageShift, 32-pageShift, uint32(inst.Addr)>>pageShift)
	setField(lo, apertureLo, 2, uint32(inst.Aperture))
	*hi = uint32(inst.Addr >> 32)
}
