// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gild

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupported is returned by Entry accessors for fields
	// that are not defined on the entry's variant.
	ErrUnsupported = errors.New("field not supported by entry variant")

	// ErrDecode indicates a malformed hardware entry or a ring
	// whose indices are out of range. It is always a programming
	// or hardware error and should fail the enclosing test.
	ErrDecode = errors.New("hardware decode error")

	// ErrBufferSize is returned by NewConsumer when the ring
	// reports a size that cannot hold a whole number of entries.
	ErrBufferSize = errors.New("bad event buffer size")
)

func unsupported(v Variant, field string) error {
	return fmt.Errorf("%s: %s: %w", v, field, ErrUnsupported)
}
