// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"

	"github.com/mknyszek/gild/gilder"
	"github.com/mknyszek/gild/policy"
)

func report(w io.Writer, mode gilder.Mode, events int, res *gilder.Result) {
	if res.Passed {
		fmt.Fprintf(w, "PASS mode=%s events=%d\n", mode, events)
		return
	}
	for _, m := range res.Mismatches {
		fmt.Fprintf(w, "  %s\n", m)
	}
	fmt.Fprintf(w, "FAIL mode=%s events=%d mismatches=%d\n", mode, events, len(res.Mismatches))
}

func printStats(w io.Writer, s *policy.Stats) {
	fmt.Fprintf(w, "drains=%d entries=%d overflows=%d partial=%d errors=%d\n",
		s.Drains, s.Entries, s.Overflows, s.PartialStops, s.Errors)
	for _, name := range s.OtherStats() {
		if v := s.GetOther(name); v != 0 {
			fmt.Fprintf(w, "  %s=%d\n", name, v)
		}
	}
}
