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
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ajroetker/go-roofline/roofline"
	"github.com/ajroetker/go-roofline/roofline/config"
	"github.com/ajroetker/go-roofline/roofline/report"
)

// runFlags mirror the configuration keys. Only flags set on the command line
// override the configuration file.
type runFlags struct {
	frequency   float64
	minDuration float64
	minRepeat   int
	samples     int
	selector    string
	steps       int
	types       []string
	memory      []string
	oi          []float64
	validate    bool
	output      string
	format      string
	policy      string
	location    string
	matrix      bool
	counters    bool
	simd        string
	compiler    string
	cflags      []string
	workDir     string
	seed        uint64
}

func newRunCommand() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the compute and memory sweeps and write the report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			f.apply(cmd.Flags(), &cfg)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, log)
		},
	}
	fs := cmd.Flags()
	fs.Float64Var(&f.frequency, "frequency", 0, "CPU frequency in GHz used to convert cycles (0 detects it)")
	fs.Float64Var(&f.minDuration, "min-duration", 0, "Minimum duration of one sample in milliseconds")
	fs.IntVar(&f.minRepeat, "min-repeat", 0, "Minimum kernel repetitions per sample")
	fs.IntVarP(&f.samples, "samples", "n", 0, "Samples per benchmark point")
	fs.StringVar(&f.selector, "selector", "", "Sample selector (median, min, max)")
	fs.IntVar(&f.steps, "steps", 0, "Sizes per memory level")
	fs.StringSliceVarP(&f.types, "types", "t", nil, "Benchmark types (load, store, 2ld1st, copy, add, mul, mad, fma, latency)")
	fs.StringSliceVarP(&f.memory, "memory", "m", nil, "Memory objects to sweep, as Kind:Index")
	fs.Float64SliceVar(&f.oi, "oi", nil, "Operational intensities of mixed kernels, in flops per byte")
	fs.BoolVar(&f.validate, "validate", false, "Also run mixed kernels with doubled instruction counts")
	fs.StringVarP(&f.output, "output", "o", "", "Report file (default: stdout)")
	fs.StringVar(&f.format, "format", "", "Report format (text, csv)")
	fs.StringVar(&f.policy, "policy", "", "Memory policy (firsttouch, interleave, firsttouch-hbm, interleave-ddr, interleave-hbm)")
	fs.StringVarP(&f.location, "location", "l", "", "Object the threads run on, as Kind:Index")
	fs.BoolVar(&f.matrix, "matrix", false, "Measure every NUMA node against every other")
	fs.BoolVar(&f.counters, "counters", false, "Count bytes and flops with hardware counters")
	fs.StringVar(&f.simd, "simd", "", "SIMD profile (default: detected)")
	fs.StringVar(&f.compiler, "cc", "", "C compiler for kernels")
	fs.StringSliceVar(&f.cflags, "cflags", nil, "Extra C compiler flags")
	fs.StringVar(&f.workDir, "work-dir", "", "Directory for generated kernels (default: a temporary directory)")
	fs.Uint64Var(&f.seed, "seed", 0, "Seed of latency pointer chains")
	return cmd
}

func (f *runFlags) apply(fs *pflag.FlagSet, cfg *config.Config) {
	set := func(name string, apply func()) {
		if fs.Changed(name) {
			apply()
		}
	}
	set("frequency", func() { cfg.FrequencyGHz = f.frequency })
	set("min-duration", func() { cfg.MinDurationMS = f.minDuration })
	set("min-repeat", func() { cfg.MinRepeat = f.minRepeat })
	set("samples", func() { cfg.Samples = f.samples })
	set("selector", func() { cfg.Selector = f.selector })
	set("steps", func() { cfg.Steps = f.steps })
	set("types", func() { cfg.Types = f.types })
	set("memory", func() { cfg.Memory = f.memory })
	set("oi", func() { cfg.Intensities = f.oi })
	set("validate", func() { cfg.ValidateKernels = f.validate })
	set("output", func() { cfg.Output = f.output })
	set("format", func() { cfg.Format = f.format })
	set("policy", func() { cfg.Policy = f.policy })
	set("location", func() { cfg.Location = f.location })
	set("matrix", func() { cfg.Matrix = f.matrix })
	set("counters", func() { cfg.Counters = f.counters })
	set("simd", func() { cfg.SIMD = f.simd })
	set("cc", func() { cfg.Compiler = f.compiler })
	set("cflags", func() { cfg.CFlags = f.cflags })
	set("work-dir", func() { cfg.WorkDir = f.workDir })
	set("seed", func() { cfg.Seed = f.seed })
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger) (err error) {
	c, err := roofline.Init(ctx, roofline.Options{Config: cfg, Log: log})
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, c.Finalize()) }()

	format, _ := report.ParseFormat(cfg.Format)
	out := os.Stdout
	if cfg.Output != "" {
		if out, err = os.Create(cfg.Output); err != nil {
			return fmt.Errorf("report: %w", err)
		}
		defer func() { err = multierr.Append(err, out.Close()) }()
	}

	o := c.NewOrchestrator(report.NewSink(out, format))
	if err := o.Run(ctx); err != nil {
		return err
	}
	if n := len(o.Skipped); n > 0 {
		log.Warn("benchmark points skipped", zap.Int("count", n))
	}
	log.Info("roofline complete", zap.String("output", cfg.Output))
	return nil
}
