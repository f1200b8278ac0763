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

package roofline_test

import (
	"bytes"
	"context"
	"errors"
	"os"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ajroetker/go-roofline/roofline"
	"github.com/ajroetker/go-roofline/roofline/build"
	"github.com/ajroetker/go-roofline/roofline/config"
	"github.com/ajroetker/go-roofline/roofline/kernel"
	"github.com/ajroetker/go-roofline/roofline/report"
	"github.com/ajroetker/go-roofline/roofline/simd"
	"github.com/ajroetker/go-roofline/roofline/topology"
)

var _ = Describe("Context", func() {
	var (
		cfg      config.Config
		compiler *fakeCompiler
		profile  simd.Profile
	)

	BeforeEach(func() {
		cfg = config.Default()
		cfg.FrequencyGHz = 2
		compiler = &fakeCompiler{}
		profile = simd.AVX2()
	})

	options := func(topo *topology.Topology) roofline.Options {
		return roofline.Options{
			Config:   cfg,
			Profile:  &profile,
			Topology: topo,
			Binder:   &fakeBinder{},
			Compiler: compiler,
			Opener:   fakeOpener{},
		}
	}

	It("builds the catalog once and releases its work dir", func() {
		c, err := roofline.Init(context.Background(), options(smallMachine()))
		Expect(err).NotTo(HaveOccurred())
		Expect(compiler.Calls()).To(Equal(1))
		Expect(c.Hz).To(Equal(2e9))

		k, err := c.Kernel(kernel.Copy)
		Expect(err).NotTo(HaveOccurred())
		Expect(k.NeedsOutput()).To(BeTrue())

		dir := c.Loader.Dir
		Expect(dir).To(BeADirectory())
		Expect(c.Finalize()).To(Succeed())
		_, err = os.Stat(dir)
		Expect(os.IsNotExist(err)).To(BeTrue())
	})

	It("keeps a configured work dir", func() {
		cfg.WorkDir = GinkgoT().TempDir()
		c, err := roofline.Init(context.Background(), options(smallMachine()))
		Expect(err).NotTo(HaveOccurred())
		Expect(c.Finalize()).To(Succeed())
		Expect(cfg.WorkDir).To(BeADirectory())
	})

	It("fails when the catalog does not compile", func() {
		compiler.failOn = map[int]bool{1: true}
		_, err := roofline.Init(context.Background(), options(smallMachine()))
		var ce *build.CompileError
		Expect(errors.As(err, &ce)).To(BeTrue())
	})

	It("rejects a topology without caches", func() {
		topo, err := topology.Synthetic(
			topology.Level{Kind: topology.KindNUMA, Capacity: 4 * mib, Fanout: 1},
			topology.Level{Kind: topology.KindPU, Fanout: 2},
		)
		Expect(err).NotTo(HaveOccurred())
		_, err = roofline.Init(context.Background(), options(topo))
		Expect(err).To(MatchError(roofline.ErrNoCache))
	})

	It("rejects an invalid configuration", func() {
		cfg.Samples = 0
		_, err := roofline.Init(context.Background(), options(smallMachine()))
		Expect(err).To(MatchError(ContainSubstring("samples")))
		Expect(compiler.Calls()).To(BeZero())
	})

	It("reports unsupported catalog types", func() {
		profile = simd.SSE()
		c, err := roofline.Init(context.Background(), options(smallMachine()))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(c.Finalize)
		_, err = c.Kernel(kernel.Fma)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Orchestrator", func() {
	var (
		cfg      config.Config
		compiler *fakeCompiler
		binder   *fakeBinder
		topo     *topology.Topology
		sink     *report.Memory
		logs     *observer.ObservedLogs
	)

	BeforeEach(func() {
		cfg = config.Default()
		cfg.FrequencyGHz = 2
		cfg.MinDurationMS = 0.001
		cfg.Samples = 3
		cfg.Steps = 2
		cfg.Types = []string{"load", "add"}
		compiler = &fakeCompiler{}
		binder = &fakeBinder{}
		topo = smallMachine()
		sink = &report.Memory{}
	})

	run := func() (*roofline.Orchestrator, error) {
		core, observed := observer.New(zapcore.InfoLevel)
		logs = observed
		profile := simd.AVX2()
		c, err := roofline.Init(context.Background(), roofline.Options{
			Config:   cfg,
			Profile:  &profile,
			Topology: topo,
			Binder:   binder,
			Compiler: compiler,
			Opener:   fakeOpener{},
			Log:      zap.New(core),
		})
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(c.Finalize)
		o := c.NewOrchestrator(sink)
		Expect(o.State()).To(Equal(roofline.Idle))
		return o, o.Run(context.Background())
	}

	labels := func(rows []report.Row) []string {
		return lo.Map(rows, func(r report.Row, _ int) string { return r.Memory + "/" + r.Type })
	}

	It("sweeps compute first, then each memory level bottom up", func() {
		o, err := run()
		Expect(err).NotTo(HaveOccurred())
		Expect(o.State()).To(Equal(roofline.Done))
		Expect(o.Skipped).To(BeEmpty())

		Expect(labels(sink.Rows)).To(Equal([]string{
			"registers/add",
			"L1:0/load", "L1:0/load",
			"L2:0/load", "L2:0/load",
			"L3:0/load", "L3:0/load",
			"NUMA:0/load", "NUMA:0/load",
		}))

		first := sink.Rows[0]
		Expect(first.Location).To(Equal("Machine:0"))
		Expect(first.Threads).To(Equal(2))
		Expect(first.GFlops).To(BeNumerically(">", 0))

		byMemory := lo.GroupBy(sink.Rows[1:], func(r report.Row) string { return r.Memory })
		Expect(byMemory["L1:0"][0].Threads).To(Equal(1))
		Expect(byMemory["L3:0"][0].Threads).To(Equal(2))
		for _, r := range sink.Rows[1:] {
			Expect(r.Bandwidth).To(BeNumerically(">", 0))
			Expect(r.GFlops).To(BeZero())
		}
		Expect(binder.placements).To(Equal([]string{"L1:0", "L2:0", "L3:0", "NUMA:0"}))
	})

	It("refuses to run twice", func() {
		o, err := run()
		Expect(err).NotTo(HaveOccurred())
		Expect(o.Run(context.Background())).To(MatchError(ContainSubstring("done")))
	})

	It("skips a point whose kernel fails to compile and keeps going", func() {
		cfg.Intensities = []float64{1}
		// Call 1 is the catalog, call 2 the first mixed kernel.
		compiler.failOn = map[int]bool{2: true}

		o, err := run()
		Expect(err).NotTo(HaveOccurred())
		Expect(o.Skipped).To(HaveLen(1))

		skip := o.Skipped[0]
		Expect(skip.Memory).To(Equal("L1:0"))
		Expect(skip.Type).To(Equal("load_add_oi1"))
		var ce *build.CompileError
		Expect(errors.As(skip.Err, &ce)).To(BeTrue())

		// One compute row, then 4 levels x 2 sizes x 2 types minus the skip.
		Expect(sink.Rows).To(HaveLen(1 + 4*2*2 - 1))
		Expect(labels(sink.Rows[1:4])).To(Equal([]string{
			"L1:0/load",
			"L1:0/load", "L1:0/load_add_oi1",
		}))
		// The failed source is rebuilt at the next size, then once per level.
		Expect(compiler.Calls()).To(Equal(6))

		warnings := logs.FilterMessage("skipping benchmark point").All()
		Expect(warnings).To(HaveLen(1))
		Expect(warnings[0].ContextMap()).To(HaveKeyWithValue("type", "load_add_oi1"))
	})

	It("adds validation variants next to mixed kernels", func() {
		cfg.Types = []string{"copy", "mul"}
		cfg.Intensities = []float64{0.5}
		cfg.ValidateKernels = true
		cfg.Memory = []string{"L2:0"}

		_, err := run()
		Expect(err).NotTo(HaveOccurred())
		Expect(labels(sink.Rows)).To(Equal([]string{
			"registers/mul",
			"L2:0/copy", "L2:0/copy_mul_oi0.5", "L2:0/copy_mul_oi0.5_validation",
			"L2:0/copy", "L2:0/copy_mul_oi0.5", "L2:0/copy_mul_oi0.5_validation",
		}))
		mixed := sink.Rows[2]
		Expect(mixed.FlopsPerByte).To(BeNumerically("~", 0.5, 1e-9))
	})

	It("runs threads of a location against every memory target", func() {
		cfg.Types = []string{"store"}
		cfg.Location = "L2:1"
		cfg.Memory = []string{"L3:0", "NUMA:0"}

		_, err := run()
		Expect(err).NotTo(HaveOccurred())
		for _, r := range sink.Rows {
			Expect(r.Location).To(Equal("L2:1"))
			Expect(r.Threads).To(Equal(1))
		}
		Expect(lo.Uniq(labels(sink.Rows))).To(Equal([]string{"L3:0/store", "NUMA:0/store"}))
	})

	It("plans private levels per instance when a wider location is given", func() {
		cfg.Types = []string{"load"}
		cfg.Location = "L3:0"

		_, err := run()
		Expect(err).NotTo(HaveOccurred())
		bounds := map[string]any{}
		for _, e := range logs.FilterMessage("memory sweep").All() {
			ctx := e.ContextMap()
			bounds[ctx["memory"].(string)] = ctx["bounds"]
		}
		Expect(bounds).To(Equal(map[string]any{
			"L1:0":   "[2048, 32768] x 1 threads",
			"L2:0":   "[33280, 262144] x 1 threads",
			"L3:0":   "[262656, 524288] x 2 threads",
			"NUMA:0": "[524800, 2097152] x 2 threads",
		}))
		for _, r := range sink.Rows {
			Expect(r.Location).To(Equal("L3:0"))
			Expect(r.Threads).To(Equal(2))
		}
	})

	It("pairs every NUMA node with every other in matrix mode", func() {
		topo = twoNodes()
		cfg.Types = []string{"load"}
		cfg.Matrix = true

		_, err := run()
		Expect(err).NotTo(HaveOccurred())
		pairs := lo.Uniq(lo.Map(sink.Rows, func(r report.Row, _ int) string { return r.Location + "->" + r.Memory }))
		Expect(pairs).To(Equal([]string{
			"NUMA:0->NUMA:0", "NUMA:0->NUMA:1",
			"NUMA:1->NUMA:0", "NUMA:1->NUMA:1",
		}))
		Expect(binder.placements).To(Equal([]string{"NUMA:0", "NUMA:1", "NUMA:0", "NUMA:1"}))
	})

	It("aborts when a thread cannot be bound", func() {
		binder.bindErr = &topology.BindingError{Op: "bind thread", Target: "PU:0", Err: errors.New("EINVAL")}
		_, err := run()
		var be *topology.BindingError
		Expect(errors.As(err, &be)).To(BeTrue())
		Expect(sink.Rows).To(BeEmpty())
	})

	It("flushes rows measured before an abort", func() {
		binder.placeErr = map[string]error{"L2:0": errors.New("mbind: EPERM")}
		var buf bytes.Buffer
		csv := report.NewSink(&buf, report.CSV)
		profile := simd.AVX2()
		c, err := roofline.Init(context.Background(), roofline.Options{
			Config: cfg, Profile: &profile, Topology: topo,
			Binder: binder, Compiler: compiler, Opener: fakeOpener{},
		})
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(c.Finalize)

		o := c.NewOrchestrator(report.Tee{sink, csv})
		Expect(o.Run(context.Background())).To(MatchError(ContainSubstring("EPERM")))
		Expect(labels(sink.Rows)).To(Equal([]string{"registers/add", "L1:0/load", "L1:0/load"}))
		Expect(buf.String()).To(ContainSubstring("registers"))
		Expect(buf.String()).To(ContainSubstring("L1:0"))
	})

	It("stops at the first point after cancellation", func() {
		profile := simd.AVX2()
		c, err := roofline.Init(context.Background(), roofline.Options{
			Config: cfg, Profile: &profile, Topology: topo,
			Binder: binder, Compiler: compiler, Opener: fakeOpener{},
		})
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(c.Finalize)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		o := c.NewOrchestrator(sink)
		Expect(o.Run(ctx)).To(MatchError(context.Canceled))
		Expect(o.State()).To(Equal(roofline.FlopSweep))
		Expect(sink.Rows).To(BeEmpty())
	})
})
