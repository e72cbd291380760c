// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gild

import (
	"fmt"
	"strings"
)

// Aperture identifies the memory a physical address refers to.
type Aperture uint8

const (
	ApertureVideo         Aperture = iota // Local video memory.
	AperturePeer                          // Peer GPU memory.
	ApertureSysCoherent                   // Coherent system memory.
	ApertureSysNoncoherent                // Non-coherent system memory.
)

var apertureNames = [...]string{"VID", "PEER", "SYS_COH", "SYS_NCOH"}

func (a Aperture) String() string {
	if int(a) < len(apertureNames) {
		return apertureNames[a]
	}
	return fmt.Sprintf("APERTURE_%d", uint8(a))
}

// ParseAperture is the inverse of Aperture.String.
func ParseAperture(s string) (Aperture, error) {
	for i, name := range apertureNames {
		if strings.EqualFold(s, name) {
			return Aperture(i), nil
		}
	}
	return 0, fmt.Errorf("unknown aperture %q", s)
}

// AccessType is the kind of memory access that caused a fault.
//
// Bit 3 distinguishes physical accesses from virtual ones.
type AccessType uint8

const (
	AccessVirtRead       AccessType = 0
	AccessVirtWrite      AccessType = 1
	AccessVirtAtomic     AccessType = 2
	AccessVirtPrefetch   AccessType = 3
	AccessVirtAtomicWeak AccessType = 4
	AccessPhysRead       AccessType = 8
	AccessPhysWrite      AccessType = 9
	AccessPhysAtomic     AccessType = 10
	AccessPhysPrefetch   AccessType = 11
	accessPhysicalBit    AccessType = 8
)

var accessNames = map[AccessType]string{
	AccessVirtRead:       "VIRT_READ",
	AccessVirtWrite:      "VIRT_WRITE",
	AccessVirtAtomic:     "VIRT_ATOMIC",
	AccessVirtPrefetch:   "VIRT_PREFETCH",
	AccessVirtAtomicWeak: "VIRT_ATOMIC_WEAK",
	AccessPhysRead:       "PHYS_READ",
	AccessPhysWrite:      "PHYS_WRITE",
	AccessPhysAtomic:     "PHYS_ATOMIC",
	AccessPhysPrefetch:   "PHYS_PREFETCH",
}

func (a AccessType) String() string {
	if name, ok := accessNames[a]; ok {
		return name
	}
	return fmt.Sprintf("ACCESS_%d", uint8(a))
}

// Physical reports whether the access used a physical address.
func (a AccessType) Physical() bool {
	return a&accessPhysicalBit != 0
}

// AddressType says how an entry's address must be resolved.
type AddressType uint8

const (
	AddressVirtual AddressType = iota
	AddressPhysical
)

func (a AddressType) String() string {
	if a == AddressPhysical {
		return "GPA"
	}
	return "GVA"
}

// FaultType is the MMU fault type code reported by hardware.
type FaultType uint8

const (
	FaultPDE FaultType = iota
	FaultPDESize
	FaultPTE
	FaultVALimitViolation
	FaultUnboundInstBlock
	FaultPrivViolation
	FaultROViolation
	FaultWOViolation
	FaultPitchMaskViolation
	FaultWorkCreation
	FaultUnsupportedAperture
	FaultCompressionFailure
	FaultUnsupportedKind
	FaultRegionViolation
	FaultPoisoned
	FaultAtomicViolation
)

var faultNames = [...]string{
	"PDE",
	"PDE_SIZE",
	"PTE",
	"VA_LIMIT_VIOLATION",
	"UNBOUND_INST_BLOCK",
	"PRIV_VIOLATION",
	"RO_VIOLATION",
	"WO_VIOLATION",
	"PITCH_MASK_VIOLATION",
	"WORK_CREATION",
	"UNSUPPORTED_APERTURE",
	"COMPRESSION_FAILURE",
	"UNSUPPORTED_KIND",
	"REGION_VIOLATION",
	"POISONED",
	"ATOMIC_VIOLATION",
}

func (f FaultType) String() string {
	if int(f) < len(faultNames) {
		return faultNames[f]
	}
	return fmt.Sprintf("FAULT_TYPE_%d", uint8(f))
}

// CounterType distinguishes the two access counter flavors.
type CounterType uint8

const (
	CounterMIMC CounterType = iota // Mismatched instance, mismatched cache.
	CounterMOMC                    // Mismatched only, mismatched cache.
)

func (c CounterType) String() string {
	if c == CounterMOMC {
		return "MOMC"
	}
	return "MIMC"
}

// InstanceBlock is the physical location of a channel's instance
// block. Faults identify their owning channel by this value.
type InstanceBlock struct {
	Addr     uint64
	Aperture Aperture
}

func (i InstanceBlock) String() string {
	return fmt.Sprintf("%s:0x%x", i.Aperture, i.Addr)
}

// CounterInfo is the access-counter specific payload of an entry.
type CounterInfo struct {
	Type           CounterType
	Value          uint32
	PeerID         uint32
	Bank           uint32
	NotifyTag      uint32
	SubGranularity uint32
}

// Class groups variants by what they report.
type Class uint8

const (
	ClassFault Class = iota
	ClassAccessCounter
)

func (c Class) String() string {
	if c == ClassAccessCounter {
		return "access-counter"
	}
	return "fault"
}
