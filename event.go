// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gild

import (
	"fmt"
	"strconv"
	"strings"
)

// EventKind indicates what kind of classified hardware event
// is captured and returned.
type EventKind uint8

const (
	EventBad                EventKind = iota
	EventPageFault                    // Replayable page fault.
	EventNonReplayableFault           // Fatal non-replayable fault.
	EventRecoverableFault             // Recoverable non-replayable fault (e.g. copy engine).
	EventAccessCounter                // Access counter notification.
	EventBufferOverflow               // A hardware event buffer overflowed.
)

var eventKindNames = [...]string{
	EventBad:                "Bad",
	EventPageFault:          "PageFault",
	EventNonReplayableFault: "NonReplayableFault",
	EventRecoverableFault:   "RecoverableFault",
	EventAccessCounter:      "AccessCounter",
	EventBufferOverflow:     "BufferOverflow",
}

func (k EventKind) String() string {
	if int(k) < len(eventKindNames) {
		return eventKindNames[k]
	}
	return fmt.Sprintf("EventKind(%d)", uint8(k))
}

// ParseEventKind returns the kind whose String is name.
func ParseEventKind(name string) (EventKind, error) {
	for i, n := range eventKindNames {
		if i != int(EventBad) && n == name {
			return EventKind(i), nil
		}
	}
	return EventBad, fmt.Errorf("unknown event kind %q", name)
}

// FixedFields returns how many leading gild fields of an event of
// this kind identify it. These fields must always be matched
// exactly, never by a regular expression.
func (k EventKind) FixedFields() int {
	switch k {
	case EventPageFault, EventNonReplayableFault, EventRecoverableFault:
		return 3
	case EventAccessCounter:
		return 2
	}
	return 1
}

// NoChannel is the channel handle for an event that could not be
// attributed to any channel, such as a BAR fault.
const NoChannel = ^uint32(0)

// BadVEID marks a sub-context id that could not be derived.
const BadVEID = ^uint32(0)

// Event represents a single classified hardware event.
type Event struct {
	// Kind indicates what kind of event this is.
	// This may be assumed to always be valid.
	Kind EventKind

	// Subdevice is the GPU subdevice whose buffer reported
	// the event.
	Subdevice uint32

	// Channel is the handle of the faulting channel, or
	// NoChannel.
	Channel uint32

	// VEID is the sub-context of the faulting engine, or BadVEID.
	// Only meaningful for fault kinds.
	VEID uint32

	// Range is the name of the logical memory range the address
	// resolved to, and Offset the address's offset within it.
	Range  string
	Offset uint64

	// Address is the raw address reported by hardware.
	Address  uint64
	Aperture Aperture
	Physical bool

	// Fault-only fields.
	FaultType  FaultType
	AccessType AccessType
	Client     uint32
	GPC        uint32

	// Access-counter-only fields.
	Counter CounterInfo

	// Buffer is the variant of the buffer that overflowed.
	// Only valid when Kind == EventBufferOverflow.
	Buffer Variant

	// Timestamp is the hardware timestamp, when the entry
	// variant carries one.
	Timestamp uint64
}

func channelField(ch uint32) string {
	if ch == NoChannel {
		return "-"
	}
	return "0x" + strconv.FormatUint(uint64(ch), 16)
}

func veidField(veid uint32) string {
	if veid == BadVEID {
		return "bad"
	}
	return strconv.FormatUint(uint64(veid), 10)
}

// GildFields returns the canonical fields of the event, in the
// order they appear in a gild line.
func (e Event) GildFields() []string {
	gpu := strconv.FormatUint(uint64(e.Subdevice), 10)
	switch e.Kind {
	case EventPageFault, EventNonReplayableFault, EventRecoverableFault:
		return []string{
			e.Kind.String(),
			gpu,
			channelField(e.Channel),
			e.Range,
			"0x" + strconv.FormatUint(e.Offset, 16),
			e.FaultType.String(),
			e.AccessType.String(),
			veidField(e.VEID),
		}
	case EventAccessCounter:
		return []string{
			e.Kind.String(),
			gpu,
			channelField(e.Channel),
			e.Range,
			"0x" + strconv.FormatUint(e.Offset, 16),
			e.Aperture.String(),
			e.Counter.Type.String(),
		}
	case EventBufferOverflow:
		return []string{e.Kind.String(), gpu, e.Buffer.String()}
	}
	return []string{e.Kind.String()}
}

// GildString returns the canonical string form of the event used
// for textual matching against gild files.
func (e Event) GildString() string {
	return strings.Join(e.GildFields(), " ")
}

func (e Event) String() string {
	return e.GildString()
}
