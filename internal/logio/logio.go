// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package logio opens and creates gild logs, golden files and
// captures, choosing a compression format by file extension.
package logio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"golang.org/x/exp/mmap"
)

// Format is the on-disk compression of a file.
type Format uint8

const (
	FormatPlain Format = iota
	FormatZstd
	FormatLZ4
)

func (f Format) String() string {
	switch f {
	case FormatPlain:
		return "plain"
	case FormatZstd:
		return "zstd"
	case FormatLZ4:
		return "lz4"
	}
	return fmt.Sprintf("Format(%d)", uint8(f))
}

// FormatOf returns the format implied by path's extension.
func FormatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zst", ".zstd":
		return FormatZstd
	case ".lz4":
		return FormatLZ4
	}
	return FormatPlain
}

type readCloser struct {
	io.Reader
	close func() error
}

func (r *readCloser) Close() error { return r.close() }

// Open opens path for reading. Plain files are memory-mapped;
// compressed files are decompressed as they are read.
func Open(path string) (io.ReadCloser, error) {
	format := FormatOf(path)
	if format == FormatPlain {
		m, err := mmap.Open(path)
		if err != nil {
			return nil, err
		}
		return &readCloser{io.NewSectionReader(m, 0, int64(m.Len())), m.Close}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	switch format {
	case FormatZstd:
		d, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("zstd reader for %s: %w", path, err)
		}
		return &readCloser{d, func() error {
			d.Close()
			return f.Close()
		}}, nil
	case FormatLZ4:
		return &readCloser{lz4.NewReader(f), f.Close}, nil
	}
	panic("unreachable")
}

// ReadFile reads the whole of path, decompressing it if needed.
func ReadFile(path string) ([]byte, error) {
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(r)
	if cerr := r.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}

type writeCloser struct {
	io.Writer
	close func() error
}

func (w *writeCloser) Close() error { return w.close() }

// Create creates or truncates path for writing, compressing what is
// written according to its extension. The returned writer must be
// closed to flush the compressed stream.
func Create(path string) (io.WriteCloser, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	switch FormatOf(path) {
	case FormatZstd:
		e, err := zstd.NewWriter(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("zstd writer for %s: %w", path, err)
		}
		return &writeCloser{e, func() error {
			return errors.Join(e.Close(), f.Close())
		}}, nil
	case FormatLZ4:
		z := lz4.NewWriter(f)
		return &writeCloser{z, func() error {
			return errors.Join(z.Close(), f.Close())
		}}, nil
	}
	return f, nil
}

// WriteFile writes data to path, compressing it according to its
// extension.
func WriteFile(path string, data []byte) error {
	w, err := Create(path)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return errors.Join(err, w.Close())
}
