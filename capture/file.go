// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package capture records the contents of live event buffers, along
// with the registry state needed to classify them, and replays them
// through rings that behave like hardware.
package capture

import (
	"bytes"
	"errors"
	"fmt"
	"runtime"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"

	"github.com/mknyszek/gild"
	"github.com/mknyszek/gild/classify"
	"github.com/mknyszek/gild/internal/logio"
	"github.com/mknyszek/gild/registry"
)

// Version is the capture format version written by Write.
const Version = 1

var (
	ErrVersion = errors.New("unsupported capture version")
	ErrDigest  = errors.New("capture digest mismatch")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("capture: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("capture: CBOR decoder initialization failed: " + err.Error())
	}
}

// Engine is a recorded engine query result.
type Engine struct {
	Key  classify.EngineKey  `cbor:"key"`
	Info classify.EngineInfo `cbor:"info"`
}

// Snapshot is the state of a buffer just before a drain.
type Snapshot struct {
	Put      uint32   `cbor:"put"`
	Overflow bool     `cbor:"overflow"`
	Words    []uint32 `cbor:"words"`
}

// Buffer is the recorded history of one event buffer.
type Buffer struct {
	Subdevice  uint32       `cbor:"subdevice"`
	Handle     uint32       `cbor:"handle"`
	NotifierID uint32       `cbor:"notifier"`
	Variant    gild.Variant `cbor:"variant"`
	SizeBytes  uint32       `cbor:"size"`
	Get        uint32       `cbor:"get"`
	Snapshots  []Snapshot   `cbor:"snapshots"`
}

// File is a capture: everything needed to replay a test's event
// stream offline.
type File struct {
	Version    int                `cbor:"version"`
	Engines    []Engine           `cbor:"engines"`
	Channels   []registry.Channel `cbor:"channels"`
	Memory     []registry.Memory  `cbor:"memory"`
	Ranges     []registry.Range   `cbor:"ranges"`
	Potentials []string           `cbor:"potentials"`
	Buffers    []Buffer           `cbor:"buffers"`

	// Digest is the BLAKE3 hash of the buffers. It is set by
	// Marshal and checked by Unmarshal.
	Digest []byte `cbor:"digest"`
}

// EngineTable returns the recorded engines as a querier.
func (f *File) EngineTable() classify.StaticEngines {
	t := make(classify.StaticEngines, len(f.Engines))
	for _, e := range f.Engines {
		t[e.Key] = e.Info
	}
	return t
}

// digest hashes each buffer in parallel and then hashes the
// concatenation of the results in buffer order.
func digest(bufs []Buffer) ([]byte, error) {
	sums := make([][32]byte, len(bufs))
	var eg errgroup.Group
	eg.SetLimit(runtime.GOMAXPROCS(0))
	for i := range bufs {
		eg.Go(func() error {
			data, err := encMode.Marshal(&bufs[i])
			if err != nil {
				return fmt.Errorf("encoding buffer %d: %w", i, err)
			}
			sums[i] = blake3.Sum256(data)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	h := blake3.New()
	for _, s := range sums {
		h.Write(s[:])
	}
	return h.Sum(nil), nil
}

// Marshal encodes f, filling in its version and digest.
func Marshal(f *File) ([]byte, error) {
	d, err := digest(f.Buffers)
	if err != nil {
		return nil, err
	}
	f.Version = Version
	f.Digest = d
	return encMode.Marshal(f)
}

// Unmarshal decodes a capture and verifies its digest.
func Unmarshal(data []byte) (*File, error) {
	f := new(File)
	if err := decMode.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("decoding capture: %w", err)
	}
	if f.Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrVersion, f.Version)
	}
	d, err := digest(f.Buffers)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(d, f.Digest) {
		return nil, fmt.Errorf("%w: have %x, computed %x", ErrDigest, f.Digest, d)
	}
	return f, nil
}

// Write writes f to path, compressed according to its extension.
func Write(path string, f *File) error {
	data, err := Marshal(f)
	if err != nil {
		return err
	}
	return logio.WriteFile(path, data)
}

// Read reads and verifies a capture from path.
func Read(path string) (*File, error) {
	data, err := logio.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}
