// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"sync/atomic"

	"github.com/spf13/cobra"

	"github.com/mknyszek/gild/capture"
	"github.com/mknyszek/gild/cmd/internal/spinner"
	"github.com/mknyszek/gild/policy"
)

func newReplayCmd(g *globalFlags) *cobra.Command {
	var (
		gf       gildFlags
		distPath string
		progress bool
	)
	cmd := &cobra.Command{
		Use:   "replay [flags] <capture>",
		Short: "Replay a recorded event buffer capture and reconcile its events",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := g.load(cmd)
			if err != nil {
				return err
			}
			gf.apply(cmd.Flags(), cfg)

			f, err := capture.Read(args[0])
			if err != nil {
				return err
			}
			log.Info("capture loaded", "path", args[0], "buffers", len(f.Buffers), "potentials", len(f.Potentials))
			if distPath != "" {
				if err := writeDist(distPath, args[0], f); err != nil {
					return fmt.Errorf("writing distribution: %w", err)
				}
			}

			var played, total atomic.Int64
			var sp *spinner.Spinner
			if progress {
				sp = spinner.Start(cmd.ErrOrStderr(), func() float64 {
					if t := total.Load(); t > 0 {
						return float64(played.Load()) / float64(t)
					}
					return 0
				}, spinner.Format("Replaying... %.1f%%"))
			}
			pcfg := policy.Config{Gild: cfg.GilderOptions(), Ring: cfg.Ring}
			res, stats, err := policy.Replay(cmd.Context(), f, pcfg, func(p, t int) {
				played.Store(int64(p))
				total.Store(int64(t))
			}, policy.WithLogger(log))
			if sp != nil {
				sp.Stop()
			}
			if res == nil {
				return err
			}
			out := cmd.OutOrStdout()
			printStats(out, stats)
			events := 0
			for _, k := range stats.OtherStats() {
				events += int(stats.GetOther(k))
			}
			report(out, cfg.Gild.Mode, events, res)
			return err
		},
	}
	gf.register(cmd.Flags(), true)
	cmd.Flags().StringVar(&distPath, "dist", "", "write the distribution of entries per snapshot as CSV")
	cmd.Flags().BoolVar(&progress, "progress", false, "show replay progress")
	return cmd
}
