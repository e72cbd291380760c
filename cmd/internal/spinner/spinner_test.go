// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spinner

import (
	"bytes"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type lockedBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

func TestSpinner(t *testing.T) {
	var out lockedBuffer
	var prog atomic.Uint64
	s := Start(&out, func() float64 { return float64(prog.Load()) / 4 },
		Format("replaying %.0f%%"), Period(time.Millisecond))
	prog.Store(2)
	time.Sleep(5 * time.Millisecond)
	prog.Store(4)
	s.Stop()
	s.Stop()

	got := out.String()
	assert.True(t, strings.HasSuffix(got, "replaying 100%\n"), "output %q", got)
	assert.Contains(t, got, "\r")
}
