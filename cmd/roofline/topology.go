// Copyright 2025 go-roofline Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ajroetker/go-roofline/roofline/kernel"
	"github.com/ajroetker/go-roofline/roofline/plan"
	"github.com/ajroetker/go-roofline/roofline/topology"
)

func newTopologyCommand() *cobra.Command {
	var profile string
	cmd := &cobra.Command{
		Use:   "topology",
		Short: "List memory objects with their capacity and planned buffer sizes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, log, err := loadConfig()
			if err != nil {
				return err
			}
			topo, err := topology.Load(log)
			if err != nil {
				return err
			}
			p, err := resolveProfile(profile)
			if err != nil {
				return err
			}
			g, err := kernel.NewGenerator(p)
			if err != nil {
				return err
			}
			src, err := g.Generate(kernel.Builtin(kernel.Load))
			if err != nil {
				return err
			}
			load := src.Entries[0].Descriptor
			planner := plan.New(topo)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "OBJECT\tCAPACITY\tPUS\tCPUS\tLOWER\tUPPER")
			objs := topo.MemoryObjects()
			objs = append(objs, topo.NUMANodes(true)...)
			for _, o := range objs {
				pus := topo.PUs(o)
				lower, upper := "-", "-"
				if b, err := planner.Bounds(o, load, len(pus)); err == nil {
					lower, upper = size(b.Lower), size(b.Upper)
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%v\t%s\t%s\n", o.Name(), size(o.Capacity), len(pus), o.CPUs, lower, upper)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&profile, "simd", "", "SIMD profile used for the chunk size (default: detected)")
	return cmd
}

func size(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%dB", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
