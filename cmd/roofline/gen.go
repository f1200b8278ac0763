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
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ajroetker/go-roofline/roofline/kernel"
	"github.com/ajroetker/go-roofline/roofline/simd"
)

func newGenCommand() *cobra.Command {
	var (
		profile  string
		oi       float64
		mem      string
		flop     string
		validate bool
		output   string
	)
	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Print the C source of the kernel catalog or of one mixed kernel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := resolveProfile(profile)
			if err != nil {
				return err
			}
			g, err := kernel.NewGenerator(p)
			if err != nil {
				return err
			}
			var src kernel.Source
			if cmd.Flags().Changed("oi") {
				src, err = mixedSource(g, mem, flop, oi, validate)
			} else {
				src, err = g.Catalog()
			}
			if err != nil {
				return err
			}

			var w io.Writer = cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			for _, e := range src.Entries {
				fmt.Fprintf(cmd.ErrOrStderr(), "%-28s %v\n", e.Symbol, e.Descriptor)
			}
			_, err = w.Write(src.Text)
			return err
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&profile, "simd", "", "SIMD profile (default: detected)")
	fs.Float64Var(&oi, "oi", 0, "Operational intensity of a mixed kernel; unset prints the catalog")
	fs.StringVar(&mem, "mem", "load", "Memory type of the mixed kernel")
	fs.StringVar(&flop, "flop", "fma", "Arithmetic type of the mixed kernel")
	fs.BoolVar(&validate, "validate", false, "Include the doubled validation variant")
	fs.StringVarP(&output, "output", "o", "", "Output file (default: stdout)")
	return cmd
}

func resolveProfile(name string) (simd.Profile, error) {
	if name != "" {
		return simd.Lookup(name)
	}
	return simd.Detect()
}

func mixedSource(g *kernel.Generator, mem, flop string, oi float64, validate bool) (kernel.Source, error) {
	m, err := kernel.ParseType(mem)
	if err != nil {
		return kernel.Source{}, err
	}
	f, err := kernel.ParseType(flop)
	if err != nil {
		return kernel.Source{}, err
	}
	spec, err := kernel.Mixed(m, f, oi, g.Profile)
	if err != nil {
		return kernel.Source{}, err
	}
	specs := []kernel.Spec{spec}
	if validate {
		specs = append(specs, spec.Doubled())
	}
	return g.GenerateAll(spec.Name, specs...)
}
