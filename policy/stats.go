// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package policy

import (
	"maps"
	"sort"

	"github.com/mknyszek/gild"
)

// Stats is a sample of statistics produced by the event pipeline.
type Stats struct {
	// Drains is the number of times any buffer was drained.
	Drains uint64

	// Entries is the total number of buffer entries consumed.
	Entries uint64

	// Overflows is the number of buffer overflows observed.
	Overflows uint64

	// PartialStops is the number of drains that stopped at an
	// entry the producer had not finished writing.
	PartialStops uint64

	// Errors is the number of decode or classification errors.
	Errors uint64

	// other holds per-event-kind counts, keyed by kindStat.
	other map[string]uint64
}

// NewStats creates a new valid Stats object.
//
// Must be used instead of constructing a Stats object directly,
// since there are unexported fields which may need to be initialized.
func NewStats() *Stats {
	s := &Stats{other: make(map[string]uint64)}
	for k := gild.EventPageFault; k <= gild.EventBufferOverflow; k++ {
		s.RegisterOther(kindStat(k))
	}
	return s
}

func kindStat(k gild.EventKind) string {
	return "events/" + k.String()
}

// OtherStats returns a list of registered breakdown statistics.
func (s *Stats) OtherStats() []string {
	names := make([]string, 0, len(s.other))
	for name := range s.other {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetOther returns the value of a breakdown statistic by name.
// Returns 0 if the statistic is not registered.
func (s *Stats) GetOther(name string) uint64 {
	return s.other[name]
}

// Events returns the number of classified events of kind k.
func (s *Stats) Events(k gild.EventKind) uint64 {
	return s.other[kindStat(k)]
}

// RegisterOther registers a new breakdown statistic.
//
// This operation is idempotent and safe to perform again, even after
// a statistic has been modified.
func (s *Stats) RegisterOther(name string) {
	if _, ok := s.other[name]; !ok {
		s.other[name] = 0
	}
}

// AddOther adds an amount to the value of a breakdown statistic.
// Panics if the statistic has not been registered.
func (s *Stats) AddOther(name string, amount uint64) {
	if val, ok := s.other[name]; ok {
		s.other[name] = val + amount
	} else {
		panic("attempted to add to non-existing stat")
	}
}

func (s *Stats) clone() *Stats {
	c := *s
	c.other = maps.Clone(s.other)
	return &c
}
