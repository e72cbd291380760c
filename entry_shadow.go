// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gild

// Priv shadow fault layout. The words mirror the MMU fault
// registers, in register order:
//
//	w0  addr aperture [1:0], addr lo [31:12]
//	w1  addr hi
//	w2  inst aperture [9:8], inst addr lo [31:12]
//	w3  inst addr hi
//	w4  fault type [4:0], client [14:8], access type [19:16],
//	    client type [20], gpc [28:24]
//	w5  engine id [8:0]
//	w6  reserved
//	w7  valid [31]

// PrivShadowFault is a non-replayable fault captured from the MMU
// fault registers rather than from an in-memory buffer. It carries
// no timestamp.
type PrivShadowFault struct {
	Inst        InstanceBlock
	Addr        uint64
	AddrAper    Aperture
	Engine      uint32
	Type        FaultType
	Client      uint32
	Access      AccessType
	ClientIsHub bool
	GPC         uint32
	IsValid     bool
}

func decodePrivShadowFault(w []uint32) *PrivShadowFault {
	return &PrivShadowFault{
		Addr:        uint64(w[1])<<32 | uint64(w[0]&pageAddrMask),
		AddrAper:    Aperture(field(w[0], 0, 2)),
		Inst:        decodeInstanceBlock(w[2], w[3], apertureShift),
		Type:        FaultType(field(w[4], faultTypeLo, faultTypeBits)),
		Client:      field(w[4], clientLo, clientBits),
		Access:      AccessType(field(w[4], accessLo, accessBits)),
		ClientIsHub: field(w[4], clientTypeBit, 1) != 0,
		GPC:         field(w[4], gpcLo, gpcBits),
		Engine:      field(w[5], 0, engineIDBits),
		IsValid:     field(w[7], validBit, 1) != 0,
	}
}

func (f *PrivShadowFault) Variant() Variant { return VariantPrivShadowFault }
func (f *PrivShadowFault) Class() Class     { return ClassFault }
func (f *PrivShadowFault) Valid() bool      { return f.IsValid }
func (f *PrivShadowFault) Invalidate()      { f.IsValid = false }

func (f *PrivShadowFault) Encode(dst []uint32) error {
	if err := checkEncodeDst(VariantPrivShadowFault, dst); err != nil {
		return err
	}
	var w [entryWords]uint32
	copy(w[:], dst)
	setField(&w[0], pageShift, 32-pageShift, uint32(f.Addr)>>pageShift)
	setField(&w[0], 0, 2, uint32(f.AddrAper))
	w[1] = uint32(f.Addr >> 32)
	encodeInstanceBlock(f.Inst, &w[2], &w[3], apertureShift)
	setField(&w[4], faultTypeLo, faultTypeBits, uint32(f.Type))
	setField(&w[4], clientLo, clientBits, f.Client)
	setField(&w[4], accessLo, accessBits, uint32(f.Access))
	setField(&w[4], clientTypeBit, 1, boolBit(f.ClientIsHub))
	setField(&w[4], gpcLo, gpcBits, f.GPC)
	setField(&w[5], 0, engineIDBits, f.Engine)
	setField(&w[7], validBit, 1, boolBit(f.IsValid))
	copy(dst, w[:])
	return nil
}

func (f *PrivShadowFault) Address() (uint64, error)              { return f.Addr, nil }
func (f *PrivShadowFault) Aperture() (Aperture, error)           { return f.AddrAper, nil }
func (f *PrivShadowFault) AccessType() (AccessType, error)       { return f.Access, nil }
func (f *PrivShadowFault) FaultType() (FaultType, error)         { return f.Type, nil }
func (f *PrivShadowFault) ClientID() (uint32, error)             { return f.Client, nil }
func (f *PrivShadowFault) GPCID() (uint32, error)                { return f.GPC, nil }
func (f *PrivShadowFault) EngineID() (uint32, error)             { return f.Engine, nil }
func (f *PrivShadowFault) InstanceBlock() (InstanceBlock, error) { return f.Inst, nil }

// Replayable is always false: only non-replayable faults are
// shadowed in registers.
func (f *PrivShadowFault) Replayable() (bool, error) { return false, nil }

func (f *PrivShadowFault) AddressType() (AddressType, error) {
	if f.Access.Physical() {
		return AddressPhysical, nil
	}
	return AddressVirtual, nil
}

func (f *PrivShadowFault) Timestamp() (uint64, error) {
	return 0, unsupported(VariantPrivShadowFault, "timestamp")
}

func (f *PrivShadowFault) Counter() (CounterInfo, error) {
	return CounterInfo{}, unsupported(VariantPrivShadowFault, "counter")
}
