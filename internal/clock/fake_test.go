// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeSleep(t *testing.T) {
	c := Fake(epoch)
	done := make(chan struct{})
	go func() {
		c.Sleep(time.Second)
		close(done)
	}()
	c.WaitForTimers(1)

	c.Advance(500 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("sleep returned early")
	default:
	}
	assert.Equal(t, 1, c.Pending())

	c.Advance(500 * time.Millisecond)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sleep did not return")
	}
	assert.Equal(t, epoch.Add(time.Second), c.Now())
}

func TestFakeAfterNonPositive(t *testing.T) {
	c := Fake(epoch)
	select {
	case got := <-c.After(0):
		require.Equal(t, epoch, got)
	default:
		t.Fatal("After(0) should fire immediately")
	}
	assert.Equal(t, 0, c.Pending())
}
