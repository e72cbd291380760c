// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gild

// Access counter notification layout:
//
//	w0  counter type [0], address type [1], aperture [9:8],
//	    inst aperture [11:10], inst addr lo [31:12]
//	w1  inst addr hi
//	w2  addr lo
//	w3  addr hi
//	w4  counter value
//	w5  peer id [2:0], mmu engine id [16:8]
//	w6  sub-granularity mask
//	w7  notify tag [19:0], bank [23:20], valid [31]
const (
	counterInstApertureLo = 10
	counterPeerBits       = 3
	counterEngineLo       = 8
	counterTagBits        = 20
	counterBankLo         = 20
	counterBankBits       = 4
)

// AccessCounterNotify is an access counter notification. It
// reports that the counter for a region crossed its threshold.
type AccessCounterNotify struct {
	Inst     InstanceBlock
	Addr     uint64
	AddrType AddressType
	AddrAper Aperture
	Engine   uint32
	Info     CounterInfo
	IsValid  bool
}

func decodeAccessCounter(w []uint32) *AccessCounterNotify {
	return &AccessCounterNotify{
		Inst:     decodeInstanceBlock(w[0], w[1], counterInstApertureLo),
		Addr:     uint64(w[3])<<32 | uint64(w[2]),
		AddrType: AddressType(field(w[0], 1, 1)),
		AddrAper: Aperture(field(w[0], apertureShift, 2)),
		Engine:   field(w[5], counterEngineLo, engineIDBits),
		Info: CounterInfo{
			Type:           CounterType(field(w[0], 0, 1)),
			Value:          w[4],
			PeerID:         field(w[5], 0, counterPeerBits),
			Bank:           field(w[7], counterBankLo, counterBankBits),
			NotifyTag:      field(w[7], 0, counterTagBits),
			SubGranularity: w[6],
		},
		IsValid: field(w[7], validBit, 1) != 0,
	}
}

func (a *AccessCounterNotify) Variant() Variant { return VariantAccessCounter }
func (a *AccessCounterNotify) Class() Class     { return ClassAccessCounter }
func (a *AccessCounterNotify) Valid() bool      { return a.IsValid }
func (a *AccessCounterNotify) Invalidate()      { a.IsValid = false }

func (a *AccessCounterNotify) Encode(dst []uint32) error {
	if err := checkEncodeDst(VariantAccessCounter, dst); err != nil {
		return err
	}
	var w [entryWords]uint32
	copy(w[:], dst)
	encodeInstanceBlock(a.Inst, &w[0], &w[1], counterInstApertureLo)
	setField(&w[0], 0, 1, uint32(a.Info.Type))
	setField(&w[0], 1, 1, uint32(a.AddrType))
	setField(&w[0], apertureShift, 2, uint32(a.AddrAper))
	w[2] = uint32(a.Addr)
	w[3] = uint32(a.Addr >> 32)
	w[4] = a.Info.Value
	setField(&w[5], 0, counterPeerBits, a.Info.PeerID)
	setField(&w[5], counterEngineLo, engineIDBits, a.Engine)
	w[6] = a.Info.SubGranularity
	setField(&w[7], 0, counterTagBits, a.Info.NotifyTag)
	setField(&w[7], counterBankLo, counterBankBits, a.Info.Bank)
	setField(&w[7], validBit, 1, boolBit(a.IsValid))
	copy(dst, w[:])
	return nil
}

func (a *AccessCounterNotify) Address() (uint64, error)              { return a.Addr, nil }
func (a *AccessCounterNotify) AddressType() (AddressType, error)     { return a.AddrType, nil }
func (a *AccessCounterNotify) Aperture() (Aperture, error)           { return a.AddrAper, nil }
func (a *AccessCounterNotify) EngineID() (uint32, error)             { return a.Engine, nil }
func (a *AccessCounterNotify) InstanceBlock() (InstanceBlock, error) { return a.Inst, nil }
func (a *AccessCounterNotify) Counter() (CounterInfo, error)         { return a.Info, nil }

func (a *AccessCounterNotify) AccessType() (AccessType, error) {
	return 0, unsupported(VariantAccessCounter, "access type")
}

func (a *AccessCounterNotify) FaultType() (FaultType, error) {
	return 0, unsupported(VariantAccessCounter, "fault type")
}

func (a *AccessCounterNotify) ClientID() (uint32, error) {
	return 0, unsupported(VariantAccessCounter, "client id")
}

func (a *AccessCounterNotify) GPCID() (uint32, error) {
	return 0, unsupported(VariantAccessCounter, "gpc id")
}

func (a *AccessCounterNotify) Replayable() (bool, error) {
	return false, unsupported(VariantAccessCounter, "replayable")
}

func (a *AccessCounterNotify) Timestamp() (uint64, error) {
	return 0, unsupported(VariantAccessCounter, "timestamp")
}
