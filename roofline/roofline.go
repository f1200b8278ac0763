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

// Package roofline measures the memory and compute ceilings of a machine.
//
// A Context holds everything a run needs: the configuration, the SIMD
// profile, the topology, the kernel build pipeline and the built-in kernel
// catalog. It is created once with Init and released with Finalize:
//
//	c, err := roofline.Init(ctx, roofline.Options{Config: cfg, Log: log})
//	if err != nil {
//	    return err
//	}
//	defer c.Finalize()
//
//	o := c.NewOrchestrator(report.NewSink(os.Stdout, report.Text))
//	err = o.Run(ctx)
package roofline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ajroetker/go-roofline/roofline/bench"
	"github.com/ajroetker/go-roofline/roofline/build"
	"github.com/ajroetker/go-roofline/roofline/config"
	"github.com/ajroetker/go-roofline/roofline/counters"
	"github.com/ajroetker/go-roofline/roofline/kernel"
	"github.com/ajroetker/go-roofline/roofline/plan"
	"github.com/ajroetker/go-roofline/roofline/simd"
	"github.com/ajroetker/go-roofline/roofline/topology"
)

var (
	// ErrNoCache is returned by Init when the topology has no cache level.
	ErrNoCache = errors.New("roofline: no compatible cache found")
	// ErrFrequency is returned by Init when the cycle frequency is neither
	// configured nor detectable.
	ErrFrequency = errors.New("roofline: CPU frequency undefined")
)

// Binder places threads and memory on the topology.
type Binder interface {
	BindThread(cpu int) error
	Placement(target *topology.Object, p topology.Policy) (func(mem []byte) error, error)
}

// Options are the inputs of Init. Nil collaborators are replaced by the ones
// talking to the running machine.
type Options struct {
	Config   config.Config
	Profile  *simd.Profile
	Topology *topology.Topology
	Binder   Binder
	Compiler build.Compiler
	Opener   build.Opener
	Log      *zap.Logger
}

// Context is the state shared by every component of a run.
type Context struct {
	Config    config.Config
	Profile   simd.Profile
	Topology  *topology.Topology
	Binder    Binder
	Planner   *plan.Planner
	Generator *kernel.Generator
	Loader    *build.Loader
	Log       *zap.Logger

	// Hz converts cycles to seconds.
	Hz float64

	selector bench.Selector
	policy   topology.Policy
	events   []counters.Event
	catalog  *build.Loaded
	workDir  string
	ownDir   bool
}

// Init validates the configuration, resolves the collaborators and builds
// the kernel catalog. Every error it returns is fatal for the run.
func Init(ctx context.Context, opts Options) (_ *Context, err error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	c := &Context{Config: cfg, Log: log}
	defer func() {
		if err != nil {
			err = multierr.Append(err, c.Finalize())
		}
	}()

	c.selector, _ = cfg.ParsedSelector()
	c.policy, _ = cfg.ParsedPolicy()

	switch {
	case opts.Profile != nil:
		c.Profile = *opts.Profile
	case cfg.SIMD != "":
		c.Profile, _ = simd.Lookup(cfg.SIMD)
	default:
		if c.Profile, err = simd.Detect(); err != nil {
			return nil, err
		}
	}

	c.Topology = opts.Topology
	if c.Topology == nil {
		if c.Topology, err = topology.Load(log); err != nil {
			return nil, err
		}
	}
	if !hasCache(c.Topology) {
		return nil, ErrNoCache
	}
	c.Binder = opts.Binder
	if c.Binder == nil {
		c.Binder = topology.NewBinder(c.Topology, log)
	}
	c.Planner = plan.New(c.Topology)

	c.Hz = cfg.Hz()
	if c.Hz == 0 {
		c.Hz = detectHz(os.DirFS(topology.SysfsRoot))
	}
	if c.Hz <= 0 {
		return nil, fmt.Errorf("%w: set frequency_ghz", ErrFrequency)
	}

	if cfg.Counters {
		if c.events, err = probeCounters(log); err != nil {
			return nil, err
		}
	}

	if c.Generator, err = kernel.NewGenerator(c.Profile); err != nil {
		return nil, err
	}
	c.workDir = cfg.WorkDir
	if c.workDir == "" {
		if c.workDir, err = os.MkdirTemp("", "roofline-"); err != nil {
			return nil, fmt.Errorf("roofline: work dir: %w", err)
		}
		c.ownDir = true
	}
	compiler := opts.Compiler
	if compiler == nil {
		compiler = build.CC{Path: cfg.Compiler, Flags: cfg.CFlags}
	}
	opener := opts.Opener
	if opener == nil {
		opener = build.DL{}
	}
	c.Loader = &build.Loader{Dir: c.workDir, Compiler: compiler, Opener: opener, Log: log}

	src, err := c.Generator.Catalog()
	if err != nil {
		return nil, err
	}
	if c.catalog, err = c.Loader.Load(ctx, src); err != nil {
		return nil, fmt.Errorf("roofline: kernel catalog: %w", err)
	}

	log.Info("roofline context ready",
		zap.Stringer("simd", c.Profile),
		zap.Float64("ghz", c.Hz/1e9),
		zap.Int("pus", len(c.Topology.Objects(topology.KindPU))),
		zap.Int("kernels", len(c.catalog.Kernels)))
	return c, nil
}

// Finalize unloads the catalog and removes the work directory if Init made
// it. The Context must not be used afterwards.
func (c *Context) Finalize() error {
	var err error
	if c.catalog != nil {
		err = multierr.Append(err, c.catalog.Close())
		c.catalog = nil
	}
	if c.ownDir && c.workDir != "" {
		err = multierr.Append(err, os.RemoveAll(c.workDir))
		c.workDir = ""
	}
	return err
}

// Kernel returns the catalog kernel of type t.
func (c *Context) Kernel(t kernel.Type) (*kernel.Kernel, error) {
	if c.catalog == nil {
		return nil, errors.New("roofline: context finalized")
	}
	k, ok := c.catalog.Kernel(t.String())
	if !ok {
		return nil, fmt.Errorf("%w: %v on %s", kernel.ErrUnsupported, t, c.Profile.Name)
	}
	return k, nil
}

func hasCache(t *topology.Topology) bool {
	for _, o := range t.MemoryObjects() {
		if o.Kind.IsCache() && o.Capacity > 0 {
			return true
		}
	}
	return false
}

// detectHz prefers the cpuid base frequency, then the cpufreq base and
// maximum frequencies of cpu0. It returns 0 when none is known.
func detectHz(fsys fs.FS) float64 {
	if hz := cpuid.CPU.Hz; hz > 0 {
		return float64(hz)
	}
	for _, name := range []string{"cpu/cpu0/cpufreq/base_frequency", "cpu/cpu0/cpufreq/cpuinfo_max_freq"} {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			continue
		}
		khz, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
		if err == nil && khz > 0 {
			return khz * 1e3
		}
	}
	return 0
}

// probeCounters opens the event set once on the calling thread so a
// machine without counters fails before any measurement.
func probeCounters(log *zap.Logger) ([]counters.Event, error) {
	events := counters.Events()
	s, err := counters.Open(events, log)
	if err != nil {
		return nil, err
	}
	if s.Reduced() {
		log.Warn("hardware counters reduced to instruction counts")
	}
	return events, s.Close()
}
