// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gild

// Fault buffer entry layout, shared by the legacy and MMU variants:
//
//	w0  inst aperture [9:8], inst addr lo [31:12]
//	w1  inst addr hi
//	w2  addr aperture [1:0] (MMU only), addr lo [31:12]
//	w3  addr hi
//	w4  timestamp lo
//	w5  timestamp hi
//	w6  engine id [8:0] (MMU only)
//	w7  fault type [4:0], replayable [7] (MMU only), client [14:8],
//	    access type [19:16], client type [20], gpc [28:24], valid [31]
const (
	faultTypeLo   = 0
	faultTypeBits = 5
	replayableBit = 7
	clientLo      = 8
	clientBits    = 7
	accessLo      = 16
	accessBits    = 4
	clientTypeBit = 20
	gpcLo         = 24
	gpcBits       = 5
	engineIDBits  = 9
)

// LegacyFault is an entry from a pre-MMU-v2 replayable fault buffer.
// It has no engine id or address aperture and always reports
// virtual addresses.
type LegacyFault struct {
	Inst    InstanceBlock
	Addr    uint64
	Time    uint64
	Type    FaultType
	Client  uint32
	Access  AccessType
	GPC     uint32
	IsValid bool
}

func decodeLegacyFault(w []uint32) *LegacyFault {
	return &LegacyFault{
		Inst:    decodeInstanceBlock(w[0], w[1], apertureShift),
		Addr:    uint64(w[3])<<32 | uint64(w[2]&pageAddrMask),
		Time:    uint64(w[5])<<32 | uint64(w[4]),
		Type:    FaultType(field(w[7], faultTypeLo, faultTypeBits)),
		Client:  field(w[7], clientLo, clientBits),
		Access:  AccessType(field(w[7], accessLo, accessBits)),
		GPC:     field(w[7], gpcLo, gpcBits),
		IsValid: field(w[7], validBit, 1) != 0,
	}
}

func (f *LegacyFault) Variant() Variant { return VariantLegacyFault }
func (f *LegacyFault) Class() Class     { return ClassFault }
func (f *LegacyFault) Valid() bool      { return f.IsValid }
func (f *LegacyFault) Invalidate()      { f.IsValid = false }

func (f *LegacyFault) Encode(dst []uint32) error {
	if err := checkEncodeDst(VariantLegacyFault, dst); err != nil {
		return err
	}
	var w [entryWords]uint32
	copy(w[:], dst)
	encodeInstanceBlock(f.Inst, &w[0], &w[1], apertureShift)
	setField(&w[2], pageShift, 32-pageShift, uint32(f.Addr)>>pageShift)
	w[3] = uint32(f.Addr >> 32)
	w[4] = uint32(f.Time)
	w[5] = uint32(f.Time >> 32)
	setField(&w[7], faultTypeLo, faultTypeBits, uint32(f.Type))
	setField(&w[7], clientLo, clientBits, f.Client)
	setField(&w[7], accessLo, accessBits, uint32(f.Access))
	setField(&w[7], gpcLo, gpcBits, f.GPC)
	setField(&w[7], validBit, 1, boolBit(f.IsValid))
	copy(dst, w[:])
	return nil
}

func (f *LegacyFault) Address() (uint64, error)              { return f.Addr, nil }
func (f *LegacyFault) AddressType() (AddressType, error)     { return AddressVirtual, nil }
func (f *LegacyFault) AccessType() (AccessType, error)       { return f.Access, nil }
func (f *LegacyFault) FaultType() (FaultType, error)         { return f.Type, nil }
func (f *LegacyFault) ClientID() (uint32, error)             { return f.Client, nil }
func (f *LegacyFault) GPCID() (uint32, error)                { return f.GPC, nil }
func (f *LegacyFault) InstanceBlock() (InstanceBlock, error) { return f.Inst, nil }
func (f *LegacyFault) Timestamp() (uint64, error)            { return f.Time, nil }

func (f *LegacyFault) Aperture() (Aperture, error) {
	return 0, unsupported(VariantLegacyFault, "aperture")
}

func (f *LegacyFault) EngineID() (uint32, error) {
	return 0, unsupported(VariantLegacyFault, "engine id")
}

func (f *LegacyFault) Replayable() (bool, error) {
	return false, unsupported(VariantLegacyFault, "replayable")
}

func (f *LegacyFault) Counter() (CounterInfo, error) {
	return CounterInfo{}, unsupported(VariantLegacyFault, "counter")
}

// MmuFault is an entry from an MMU fault buffer. The same layout is
// used for the replayable and non-replayable buffers; the Replay
// flag says which one produced it.
type MmuFault struct {
	Inst        InstanceBlock
	Addr        uint64
	AddrAper    Aperture
	Time        uint64
	Engine      uint32
	Type        FaultType
	Replay      bool
	Client      uint32
	Access      AccessType
	ClientIsHub bool
	GPC         uint32
	IsValid     bool
}

func decodeMmuFault(w []uint32) *MmuFault {
	return &MmuFault{
		Inst:        decodeInstanceBlock(w[0], w[1], apertureShift),
		Addr:        uint64(w[3])<<32 | uint64(w[2]&pageAddrMask),
		AddrAper:    Aperture(field(w[2], 0, 2)),
		Time:        uint64(w[5])<<32 | uint64(w[4]),
		Engine:      field(w[6], 0, engineIDBits),
		Type:        FaultType(field(w[7], faultTypeLo, faultTypeBits)),
		Replay:      field(w[7], replayableBit, 1) != 0,
		Client:      field(w[7], clientLo, clientBits),
		Access:      AccessType(field(w[7], accessLo, accessBits)),
		ClientIsHub: field(w[7], clientTypeBit, 1) != 0,
		GPC:         field(w[7], gpcLo, gpcBits),
		IsValid:     field(w[7], validBit, 1) != 0,
	}
}

func (f *MmuFault) Variant() Variant { return VariantMmuFault }
func (f *MmuFault) Class() Class     { return ClassFault }
func (f *MmuFault) Valid() bool      { return f.IsValid }
func (f *MmuFault) Invalidate()      { f.IsValid = false }

func (f *MmuFault) Encode(dst []uint32) error {
	if err := checkEncodeDst(VariantMmuFault, dst); err != nil {
		return err
	}
	var w [entryWords]uint32
	copy(w[:], dst)
	encodeInstanceBlock(f.Inst, &w[0], &w[1], apertureShift)
	setField(&w[2], pageShift, 32-pageShift, uint32(f.Addr)>>pageShift)
	setField(&w[2], 0, 2, uint32(f.AddrAper))
	w[3] = uint32(f.Addr >> 32)
	w[4] = uint32(f.Time)
	w[5] = uint32(f.Time >> 32)
	setField(&w[6], 0, engineIDBits, f.Engine)
	setField(&w[7], faultTypeLo, faultTypeBits, uint32(f.Type))
	setField(&w[7], replayableBit, 1, boolBit(f.Replay))
	setField(&w[7], clientLo, clientBits, f.Client)
	setField(&w[7], accessLo, accessBits, uint32(f.Access))
	setField(&w[7], clientTypeBit, 1, boolBit(f.ClientIsHub))
	setField(&w[7], gpcLo, gpcBits, f.GPC)
	setField(&w[7], validBit, 1, boolBit(f.IsValid))
	copy(dst, w[:])
	return nil
}

func (f *MmuFault) Address() (uint64, error)              { return f.Addr, nil }
func (f *MmuFault) Aperture() (Aperture, error)           { return f.AddrAper, nil }
func (f *MmuFault) AccessType() (AccessType, error)       { return f.Access, nil }
func (f *MmuFault) FaultType() (FaultType, error)         { return f.Type, nil }
func (f *MmuFault) ClientID() (uint32, error)             { return f.Client, nil }
func (f *MmuFault) GPCID() (uint32, error)                { return f.GPC, nil }
func (f *MmuFault) EngineID() (uint32, error)             { return f.Engine, nil }
func (f *MmuFault) Replayable() (bool, error)             { return f.Replay, nil }
func (f *MmuFault) InstanceBlock() (InstanceBlock, error) { return f.Inst, nil }
func (f *MmuFault) Timestamp() (uint64, error)            { return f.Time, nil }

func (f *MmuFault) AddressType() (AddressType, error) {
	if f.Access.Physical() {
		return AddressPhysical, nil
	}
	return AddressVirtual, nil
}

func (f *MmuFault) Counter() (CounterInfo, error) {
	return CounterInfo{}, unsupported(VariantMmuFault, "counter")
}
