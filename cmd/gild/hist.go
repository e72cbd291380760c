// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/mknyszek/gild/capture"
	"github.com/mknyszek/gild/internal/logio"
)

type SmallUint32Hist struct {
	bins []uint64
}

func (h *SmallUint32Hist) AddN(i uint32, n uint64) {
	if i >= uint32(len(h.bins)) {
		h.bins = append(h.bins, make([]uint64, i-uint32(len(h.bins))+1)...)
	}
	h.bins[i] += n
}

func (h *SmallUint32Hist) Add(i uint32) {
	h.AddN(i, 1)
}

func (h *SmallUint32Hist) Snapshot() []uint64 {
	out := make([]uint64, 0, len(h.bins))
	for i := range h.bins {
		out = append(out, h.bins[i])
	}
	return out
}

// snapshotSizes adds the number of entries each snapshot of b
// published to h, and returns how many snapshots overflowed.
func snapshotSizes(h *SmallUint32Hist, b *capture.Buffer) (overflows int) {
	n := b.SizeBytes / b.Variant.StrideBytes()
	prev := b.Get
	for _, s := range b.Snapshots {
		if s.Overflow {
			overflows++
		} else {
			h.Add((s.Put + n - prev) % n)
		}
		prev = s.Put
	}
	return overflows
}

// writeDist writes the distribution of new entries per snapshot
// across every buffer of f as CSV.
func writeDist(path, source string, f *capture.File) (err error) {
	var h SmallUint32Hist
	overflows := 0
	for i := range f.Buffers {
		if f.Buffers[i].Variant.StrideBytes() == 0 {
			return fmt.Errorf("buffer 0x%x has unknown variant", f.Buffers[i].Handle)
		}
		overflows += snapshotSizes(&h, &f.Buffers[i])
	}

	w, err := logio.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, w.Close())
	}()
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "# GeneratedFrom: %s\n", filepath.Base(source))
	fmt.Fprintf(bw, "# Buffers: %d\n", len(f.Buffers))
	fmt.Fprintf(bw, "# Overflows: %d\n", overflows)
	fmt.Fprintf(bw, "Entries,Snapshots\n")
	for i, c := range h.Snapshot() {
		fmt.Fprintf(bw, "%d,%d\n", i, c)
	}
	return bw.Flush()
}
