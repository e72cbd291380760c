// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gilder

import (
	"fmt"
	"strings"
)

// Mode selects how recorded events are reconciled.
type Mode uint8

const (
	// ModeRequired requires every expected event to occur at least
	// once. Unexpected occurrences are ignored.
	ModeRequired Mode = iota

	// ModeInclude requires every occurrence to be expected.
	ModeInclude

	// ModeEqual requires a one-to-one correspondence between
	// expected events and occurrences.
	ModeEqual

	// ModeNone records events without checking them.
	ModeNone
)

var modeNames = [...]string{"REQUIRED", "INCLUDE", "EQUAL", "NONE"}

func (m Mode) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return fmt.Sprintf("Mode(%d)", uint8(m))
}

// ParseMode parses a mode name, ignoring case.
func ParseMode(s string) (Mode, error) {
	for i, name := range modeNames {
		if strings.EqualFold(s, name) {
			return Mode(i), nil
		}
	}
	return 0, fmt.Errorf("unknown gild mode %q", s)
}

func (m Mode) MarshalText() ([]byte, error) {
	if int(m) >= len(modeNames) {
		return nil, fmt.Errorf("invalid gild mode %d", uint8(m))
	}
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(text []byte) error {
	v, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Set and Type implement pflag.Value.
func (m *Mode) Set(s string) error { return m.UnmarshalText([]byte(s)) }
func (m *Mode) Type() string       { return "mode" }
