// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gild

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encode(t *testing.T, e Entry) []uint32 {
	t.Helper()
	words := make([]uint32, entryWords)
	require.NoError(t, e.Encode(words))
	return words
}

func TestMmuFaultDecode(t *testing.T) {
	want := &MmuFault{
		Inst:     InstanceBlock{Addr: 0x12_3456_7000, Aperture: ApertureSysCoherent},
		Addr:     0x7f_0000_2000,
		AddrAper: ApertureVideo,
		Time:     0xdead_beef_0001,
		Engine:   0x42,
		Type:     FaultROViolation,
		Replay:   true,
		Client:   0x13,
		Access:   AccessVirtWrite,
		GPC:      3,
		IsValid:  true,
	}
	words := encode(t, want)
	assert.Equal(t, uint32(1)<<31, words[7]&(1<<31), "valid bit")

	got, err := Decode(VariantMmuFault, words)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	addr, err := got.Address()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x7f_0000_2000), addr)
	typ, err := got.AddressType()
	require.NoError(t, err)
	assert.Equal(t, AddressVirtual, typ)
}

func TestLegacyFaultUnsupportedFields(t *testing.T) {
	e, err := Decode(VariantLegacyFault, make([]uint32, entryWords))
	require.NoError(t, err)

	_, err = e.EngineID()
	assert.ErrorIs(t, err, ErrUnsupported)
	_, err = e.Aperture()
	assert.ErrorIs(t, err, ErrUnsupported)
	_, err = e.Counter()
	assert.ErrorIs(t, err, ErrUnsupported)
	_, err = e.FaultType()
	assert.NoError(t, err)
}

func TestAccessCounterDecode(t *testing.T) {
	want := &AccessCounterNotify{
		Inst:     InstanceBlock{Addr: 0x4000_0000, Aperture: ApertureVideo},
		Addr:     0x1_2345_6789,
		AddrType: AddressPhysical,
		AddrAper: ApertureSysNoncoherent,
		Engine:   0x1ff,
		Info: CounterInfo{
			Type:           CounterMOMC,
			Value:          1000,
			PeerID:         5,
			Bank:           9,
			NotifyTag:      0xabcde,
			SubGranularity: 0xffff0000,
		},
		IsValid: true,
	}
	got, err := Decode(VariantAccessCounter, encode(t, want))
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, ClassAccessCounter, got.Class())

	_, err = got.FaultType()
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestPrivShadowFaultDecode(t *testing.T) {
	want := &PrivShadowFault{
		Inst:     InstanceBlock{Addr: 0x8000_1000, Aperture: ApertureVideo},
		Addr:     0x2000_0000,
		AddrAper: ApertureSysCoherent,
		Engine:   7,
		Type:     FaultPTE,
		Client:   1,
		Access:   AccessPhysRead,
		GPC:      0,
		IsValid:  true,
	}
	got, err := Decode(VariantPrivShadowFault, encode(t, want))
	require.NoError(t, err)
	assert.Equal(t, want, got)

	replay, err := got.Replayable()
	require.NoError(t, err)
	assert.False(t, replay)
	typ, err := got.AddressType()
	require.NoError(t, err)
	assert.Equal(t, AddressPhysical, typ)
	_, err = got.Timestamp()
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestInvalidateIdempotent(t *testing.T) {
	for _, v := range []Variant{VariantLegacyFault, VariantMmuFault, VariantAccessCounter, VariantPrivShadowFault} {
		t.Run(v.String(), func(t *testing.T) {
			words := make([]uint32, entryWords)
			for i := range words {
				words[i] = 0xffffffff
			}
			e, err := Decode(v, words)
			require.NoError(t, err)
			require.True(t, e.Valid())

			e.Invalidate()
			require.NoError(t, e.Encode(words))
			again, err := Decode(v, words)
			require.NoError(t, err)
			assert.False(t, again.Valid())
			for i, w := range words {
				want := uint32(0xffffffff)
				if i == validWord {
					want &^= 1 << validBit
				}
				assert.Equal(t, want, w, "word %d", i)
			}

			before := append([]uint32(nil), words...)
			again.Invalidate()
			require.NoError(t, again.Encode(words))
			assert.Equal(t, before, words)
		})
	}
}

func TestEncodeKeepsUnmodeledBits(t *testing.T) {
	words := make([]uint32, entryWords)
	words[6] = 0xdead
	words[7] = 1<<validBit | 1<<clientTypeBit
	words[2] = 0x1234_5ffc

	e, err := Decode(VariantLegacyFault, words)
	require.NoError(t, err)
	e.(*LegacyFault).Addr = 0x7_0000_3000
	e.Invalidate()
	require.NoError(t, e.Encode(words))

	assert.Equal(t, uint32(0xdead), words[6])
	assert.Equal(t, uint32(1<<clientTypeBit), words[7])
	assert.Equal(t, uint32(0x0000_3ffc), words[2])
	assert.Equal(t, uint32(7), words[3])
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode(VariantMmuFault, make([]uint32, entryWords-1))
	assert.ErrorIs(t, err, ErrDecode)
	_, err = Decode(VariantBad, make([]uint32, entryWords))
	assert.ErrorIs(t, err, ErrDecode)
	_, err = Decode(Variant(99), make([]uint32, entryWords))
	assert.ErrorIs(t, err, ErrDecode)

	e, err := Decode(VariantMmuFault, make([]uint32, entryWords))
	require.NoError(t, err)
	assert.ErrorIs(t, e.Encode(make([]uint32, 2)), ErrDecode)
}

func TestParseVariant(t *testing.T) {
	v, err := ParseVariant("mmu-fault")
	require.NoError(t, err)
	assert.Equal(t, VariantMmuFault, v)
	_, err = ParseVariant("bad")
	assert.Error(t, err)
}
