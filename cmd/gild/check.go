// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mknyszek/gild/gilder"
	"github.com/mknyszek/gild/internal/logio"
)

func newCheckCmd(g *globalFlags) *cobra.Command {
	var gf gildFlags
	cmd := &cobra.Command{
		Use:   "check [flags] <log>",
		Short: "Reconcile a recorded gild log against a golden file",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := g.load(cmd)
			if err != nil {
				return err
			}
			gf.apply(cmd.Flags(), cfg)
			if cfg.Gild.Golden == "" {
				return usageError{errors.New("check needs a golden file")}
			}

			golden, err := readWith(cfg.Gild.Golden, gilder.ParseGolden)
			if err != nil {
				return err
			}
			occ, err := readWith(args[0], gilder.ReadLog)
			if err != nil {
				return err
			}
			log.Debug("checking log", "log", args[0], "golden", cfg.Gild.Golden, "lines", len(golden), "events", len(occ))

			res := gilder.CheckLog(cfg.Gild.Mode, golden, occ)
			report(cmd.OutOrStdout(), cfg.Gild.Mode, len(occ), res)
			return res.Err()
		},
	}
	gf.register(cmd.Flags(), false)
	return cmd
}

func readWith[T any](path string, parse func(io.Reader) (T, error)) (T, error) {
	var zero T
	r, err := logio.Open(path)
	if err != nil {
		return zero, err
	}
	defer r.Close()
	v, err := parse(r)
	if err != nil {
		return zero, fmt.Errorf("%s: %w", path, err)
	}
	return v, nil
}
