// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command gild reconciles GPU fault and access counter events
// against gild files.
//
// Usage:
//
//	gild check [flags] <log>
//	gild replay [flags] <capture>
//
// check reconciles a log previously written by a test run (the
// gild output file) against a golden file. replay plays a capture
// recorded from live event buffers through a fresh policy manager
// and reconciles the events it produces.
//
// Exit status is 1 for usage errors and 2 if the run fails or the
// events do not reconcile.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/mknyszek/gild/config"
	"github.com/mknyszek/gild/gilder"
)

// usageError marks errors caused by bad arguments.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			fmt.Fprint(cmd.ErrOrStderr(), cmd.UsageString())
			return usageError{err}
		}
		return nil
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	config   string
	logLevel string
}

func (g *globalFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&g.config, "config", "c", "", "configuration file (YAML, or JSON with comments)")
	fs.StringVar(&g.logLevel, "log-level", "", "override the configured log level")
}

// load reads the configuration and builds the logger.
func (g *globalFlags) load(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg := config.Default()
	if g.config != "" {
		var err error
		if cfg, err = config.Load(g.config); err != nil {
			return nil, nil, err
		}
	}
	if g.logLevel != "" {
		if _, err := config.ParseLevel(g.logLevel); err != nil {
			return nil, nil, usageError{err}
		}
		cfg.Log.Level = g.logLevel
	}
	return cfg, cfg.NewLogger(cmd.ErrOrStderr()), nil
}

// gildFlags override the gild section of the configuration.
type gildFlags struct {
	mode      gilder.Mode
	golden    string
	output    string
	minEvents int
}

func (f *gildFlags) register(fs *pflag.FlagSet, output bool) {
	fs.VarP(&f.mode, "mode", "m", "reconciliation mode: REQUIRED, INCLUDE, EQUAL or NONE")
	fs.StringVarP(&f.golden, "golden", "g", "", "golden file")
	if output {
		fs.StringVarP(&f.output, "output", "o", "", "write occurred events to this file")
		fs.IntVar(&f.minEvents, "min-events", 0, "fail if fewer events occur")
	}
}

func (f *gildFlags) apply(fs *pflag.FlagSet, cfg *config.Config) {
	if fs.Changed("mode") {
		cfg.Gild.Mode = f.mode
	}
	if fs.Changed("golden") {
		cfg.Gild.Golden = f.golden
	}
	if fs.Changed("output") {
		cfg.Gild.Output = f.output
	}
	if fs.Changed("min-events") {
		cfg.Gild.MinEvents = f.minEvents
	}
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var g globalFlags
	root := &cobra.Command{
		Use:           "gild",
		Short:         "Reconcile GPU fault and access counter events against gild files",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		fmt.Fprint(cmd.ErrOrStderr(), cmd.UsageString())
		return usageError{err}
	})
	g.register(root.PersistentFlags())
	root.AddCommand(newCheckCmd(&g), newReplayCmd(&g))
	return root
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.As(err, new(usageError)) {
			os.Exit(1)
		}
		os.Exit(2)
	}
}
