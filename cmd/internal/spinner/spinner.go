// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package spinner prints a progress line that is rewritten in place.
package spinner

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// Option is a configuration option for the spinner.
type Option func(cfg *spinnerCfg)

// Format returns a new configuration option for the
// spinner, using the given format string for the spinner.
//
// The string must have exactly one verb in it to support
// a float64 value which is a percent completion.
func Format(ft string) Option {
	return func(cfg *spinnerCfg) {
		cfg.format = ft
	}
}

// Period returns a new configuration option that sets
// the period between screen updates for the spinner.
func Period(p time.Duration) Option {
	return func(cfg *spinnerCfg) {
		cfg.period = p
	}
}

type spinnerCfg struct {
	period time.Duration
	format string
}

// Spinner periodically writes the progress reported by a sample
// function.
type Spinner struct {
	once sync.Once
	done chan struct{}
	exit chan struct{}
}

// Start starts a new spinner writing to w. It uses the function
// sample to sample progress, and sample should return a float64
// value between 0 and 1 representing a degree of progress.
//
// The default period between updates is 1 second.
func Start(w io.Writer, sample func() float64, options ...Option) *Spinner {
	cfg := spinnerCfg{
		period: time.Second,
		format: "Progress: %.1f%%",
	}
	for _, opt := range options {
		opt(&cfg)
	}
	s := &Spinner{
		done: make(chan struct{}),
		exit: make(chan struct{}),
	}
	go func() {
		defer close(s.exit)
		t := time.NewTicker(cfg.period)
		defer t.Stop()
		for {
			fmt.Fprintf(w, cfg.format+"\r", sample()*100)
			select {
			case <-s.done:
				// Leave the final value on screen.
				fmt.Fprintf(w, cfg.format+"\n", sample()*100)
				return
			case <-t.C:
			}
		}
	}()
	return s
}

// Stop stops the spinner and waits for its last line to be
// written. Calling Stop more than once is harmless.
func (s *Spinner) Stop() {
	s.once.Do(func() { close(s.done) })
	<-s.exit
}
