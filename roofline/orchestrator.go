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

package roofline

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/samber/lo"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ajroetker/go-roofline/roofline/bench"
	"github.com/ajroetker/go-roofline/roofline/build"
	"github.com/ajroetker/go-roofline/roofline/counters"
	"github.com/ajroetker/go-roofline/roofline/kernel"
	"github.com/ajroetker/go-roofline/roofline/plan"
	"github.com/ajroetker/go-roofline/roofline/report"
	"github.com/ajroetker/go-roofline/roofline/sample"
	"github.com/ajroetker/go-roofline/roofline/stream"
	"github.com/ajroetker/go-roofline/roofline/team"
	"github.com/ajroetker/go-roofline/roofline/topology"
)

// RegistersLabel is the Memory column of compute-only rows.
const RegistersLabel = "registers"

// flopChunks is the per-thread buffer size of the flop sweep, in chunks.
// Arithmetic kernels never touch it beyond the base pointer.
const flopChunks = 64

// State is the phase of an Orchestrator.
type State int

const (
	Idle State = iota
	FlopSweep
	MemorySweep
	Done
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case FlopSweep:
		return "flop-sweep"
	case MemorySweep:
		return "memory-sweep"
	case Done:
		return "done"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Skip records a benchmark point that failed without aborting the run.
type Skip struct {
	Location string
	Memory   string
	Type     string
	Size     int64
	Err      error
}

// Orchestrator runs the sweeps of one Context and writes one row per
// measured point to its sink.
type Orchestrator struct {
	c     *Context
	sink  report.Sink
	log   *zap.Logger
	state State

	// Skipped lists the points that failed, in sweep order.
	Skipped []Skip
}

// NewOrchestrator returns an idle orchestrator writing to sink.
func (c *Context) NewOrchestrator(sink report.Sink) *Orchestrator {
	return &Orchestrator{c: c, sink: sink, log: c.Log}
}

// State returns the current phase.
func (o *Orchestrator) State() State { return o.state }

// target is one memory sweep unit: threads on loc, data on mem, sizes
// planned from bounds.
type target struct {
	loc, mem, bounds *topology.Object
}

// point is one benchmark type at one size. kernel resolves lazily so a
// build failure only skips this point.
type point struct {
	label  string
	kernel func(ctx context.Context) (*kernel.Kernel, error)
}

// Run executes the flop sweep then the memory sweep. Point failures are
// logged and recorded in Skipped; any other error stops the run. The sink
// is flushed whatever the outcome, so rows measured before an abort are
// kept.
func (o *Orchestrator) Run(ctx context.Context) (err error) {
	if o.state != Idle {
		return fmt.Errorf("roofline: orchestrator is %v", o.state)
	}
	defer func() { err = multierr.Append(err, o.sink.Flush()) }()
	types, err := o.c.Config.ParsedTypes()
	if err != nil {
		return err
	}
	flops, mems := lo.FilterReject(types, func(t kernel.Type, _ int) bool { return t.IsFlop() })

	o.state = FlopSweep
	if len(flops) > 0 {
		if err := o.flopSweep(ctx, flops); err != nil {
			return err
		}
	}

	o.state = MemorySweep
	targets, err := o.targets()
	if err != nil {
		return err
	}
	for _, tg := range targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.memorySweep(ctx, tg, mems); err != nil {
			return err
		}
	}

	o.state = Done
	return nil
}

func (o *Orchestrator) location() (*topology.Object, error) {
	if o.c.Config.Location == "" {
		return nil, nil
	}
	return o.c.Topology.Parse(o.c.Config.Location)
}

func (o *Orchestrator) flopSweep(ctx context.Context, types []kernel.Type) error {
	loc, err := o.location()
	if err != nil {
		return err
	}
	if loc == nil {
		loc = o.c.Topology.Root
	}
	tg := target{loc: loc}
	points := lo.Map(types, func(t kernel.Type, _ int) point { return o.catalogPoint(t) })

	u, err := o.openUnit(tg, nil)
	if err != nil {
		return err
	}
	defer u.close(o.log)
	size := int64(flopChunks * o.c.Profile.Chunk())
	for _, p := range points {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.measurePoint(ctx, u, p, size); err != nil {
			return err
		}
	}
	return nil
}

// targets lists the memory sweep units in order.
func (o *Orchestrator) targets() ([]target, error) {
	t := o.c.Topology
	if o.c.Config.Matrix {
		var out []target
		for _, loc := range t.NUMANodes(false) {
			if len(loc.CPUs) == 0 {
				continue
			}
			for _, mem := range t.Objects(topology.KindNUMA) {
				out = append(out, target{loc: loc, mem: mem, bounds: loc})
			}
		}
		return out, nil
	}

	loc, err := o.location()
	if err != nil {
		return nil, err
	}
	var nodes []*topology.Object
	if len(o.c.Config.Memory) > 0 {
		for _, name := range o.c.Config.Memory {
			n, err := t.Parse(name)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, n)
		}
	} else {
		cpu := 0
		if loc != nil && len(loc.CPUs) > 0 {
			cpu = loc.CPUs[0]
		} else if pus := t.PUs(t.Root); len(pus) > 0 {
			cpu = pus[0]
		}
		lowest, err := t.LowestMemory(cpu)
		if err != nil {
			return nil, err
		}
		nodes = t.Chain(lowest)
	}
	return lo.Map(nodes, func(n *topology.Object, _ int) target {
		if loc != nil {
			return target{loc: loc, mem: n, bounds: n}
		}
		return target{loc: n, mem: n, bounds: n}
	}), nil
}

func (o *Orchestrator) memorySweep(ctx context.Context, tg target, types []kernel.Type) error {
	ref, err := o.c.Kernel(kernel.Load)
	if err != nil {
		return err
	}
	b, err := o.c.Planner.Bounds(tg.bounds, ref.Descriptor, o.c.Planner.Threads(tg.loc, tg.bounds))
	if err == nil && tg.mem != tg.bounds {
		b, err = clamp(b, tg.mem, int64(ref.Chunk))
	}
	if err != nil {
		if errors.Is(err, plan.ErrNoBounds) {
			o.skip(tg, "*", 0, err)
			return nil
		}
		return err
	}
	sizes := plan.Sizes(b, o.c.Config.Steps, ref.Chunk)
	o.log.Info("memory sweep",
		zap.Stringer("location", tg.loc),
		zap.Stringer("memory", tg.mem),
		zap.Stringer("bounds", b),
		zap.Int("sizes", len(sizes)))

	placement, err := o.c.Binder.Placement(tg.mem, o.c.policy)
	if err != nil {
		return err
	}
	u, err := o.openUnit(tg, placement)
	if err != nil {
		return err
	}
	defer u.close(o.log)

	var points []point
	for _, t := range types {
		points = append(points, o.catalogPoint(t))
	}
	points = append(points, o.mixedPoints(u)...)

	for _, size := range sizes {
		for _, p := range points {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := o.measurePoint(ctx, u, p, size); err != nil {
				return err
			}
		}
	}
	return nil
}

// clamp limits b to the share of mem each thread can hold.
func clamp(b plan.Bounds, mem *topology.Object, chunk int64) (plan.Bounds, error) {
	if mem.Capacity <= 0 {
		return b, fmt.Errorf("%w: %v has no capacity", plan.ErrNoBounds, mem)
	}
	limit := mem.Capacity / int64(b.Threads)
	limit -= limit % chunk
	if b.Upper > limit {
		b.Upper = limit
	}
	if b.Upper <= b.Lower {
		return b, fmt.Errorf("%w: %v holds %d bytes per thread, lower bound %d", plan.ErrNoBounds, mem, limit, b.Lower)
	}
	return b, nil
}

func (o *Orchestrator) catalogPoint(t kernel.Type) point {
	return point{
		label: t.String(),
		kernel: func(context.Context) (*kernel.Kernel, error) {
			return o.c.Kernel(t)
		},
	}
}

// mixedPoints returns one point per configured streaming memory type,
// configured arithmetic type and intensity, followed by its validation variant when enabled. The
// sources are built on first use and cached on u; failures are not cached.
func (o *Orchestrator) mixedPoints(u *unit) []point {
	cfg := o.c.Config
	if len(cfg.Intensities) == 0 {
		return nil
	}
	types, _ := cfg.ParsedTypes()
	var points []point
	for _, oi := range cfg.Intensities {
		for _, mem := range types {
			if mem.IsFlop() || mem == kernel.Latency {
				continue
			}
			for _, flop := range types {
				if !flop.IsFlop() {
					continue
				}
				name := kernel.MixedName(mem, flop, oi)
				load := func(ctx context.Context, want string) (*kernel.Kernel, error) {
					spec, err := kernel.Mixed(mem, flop, oi, o.c.Profile)
					if err != nil {
						return nil, err
					}
					return u.mixed(ctx, o.c, spec, want)
				}
				points = append(points, point{label: name, kernel: func(ctx context.Context) (*kernel.Kernel, error) {
					return load(ctx, name)
				}})
				if cfg.ValidateKernels {
					vname := name + "_validation"
					points = append(points, point{label: vname, kernel: func(ctx context.Context) (*kernel.Kernel, error) {
						return load(ctx, vname)
					}})
				}
			}
		}
	}
	return points
}

// measurePoint runs one point and writes its row. It returns nil when the
// point was skipped.
func (o *Orchestrator) measurePoint(ctx context.Context, u *unit, p point, size int64) error {
	k, err := p.kernel(ctx)
	if err != nil {
		return o.pointFailed(u.target, p.label, size, err)
	}
	per := int(size)
	if k.NeedsOutput() {
		per /= 2
	}
	per -= per % k.Chunk
	if per < k.Chunk {
		return o.pointFailed(u.target, p.label, size, fmt.Errorf("%w: %d bytes per stream", stream.ErrTooSmall, per))
	}
	if err := u.prepare(k, per, o.c.Config.Seed); err != nil {
		return err
	}

	m := o.measure(u, k)
	repeat, err := bench.AutosetRepeat(m, o.c.Config.MinDuration(), o.c.Config.MinRepeat)
	if err != nil {
		return err
	}
	st, err := bench.RepeatBench(m, repeat, o.c.Config.Samples, o.c.selector)
	if err != nil {
		return err
	}

	mem := RegistersLabel
	if u.mem != nil {
		mem = u.mem.Name()
	}
	row := report.NewRow(u.loc.Name(), u.team.Size(), mem, p.label, st.Main, o.c.Hz)
	o.log.Debug("point measured",
		zap.String("type", p.label),
		zap.Int64("size", size),
		zap.Int("repeat", repeat),
		zap.Float64("stddev", st.StdDev),
		zap.Uint64("overhead_cycles", st.Overhead.Cycles()))
	return o.sink.Write(row)
}

// pointFailed records err as a skipped point if it only concerns that
// point, and returns it otherwise.
func (o *Orchestrator) pointFailed(tg target, label string, size int64, err error) error {
	switch {
	case build.IsPointFailure(err),
		errors.Is(err, kernel.ErrInvalidRatio),
		errors.Is(err, kernel.ErrUnsupported),
		errors.Is(err, plan.ErrNoBounds),
		errors.Is(err, stream.ErrTooSmall):
		o.skip(tg, label, size, err)
		return nil
	}
	return err
}

func (o *Orchestrator) skip(tg target, label string, size int64, err error) {
	s := Skip{Location: tg.loc.Name(), Type: label, Size: size, Err: err}
	s.Memory = RegistersLabel
	if tg.mem != nil {
		s.Memory = tg.mem.Name()
	}
	o.log.Warn("skipping benchmark point",
		zap.String("location", s.Location),
		zap.String("node", s.Memory),
		zap.String("type", label),
		zap.Int64("size", size),
		zap.Error(err))
	o.Skipped = append(o.Skipped, s)
}

// measure returns the Measure of kernel k on every thread of u. Threads
// meet on the team barrier before starting so their runs overlap.
func (o *Orchestrator) measure(u *unit, k *kernel.Kernel) bench.Measure {
	var main, overhead sample.Accumulator
	n := u.team.Size()
	events := o.c.events
	profile := o.c.Profile
	return func(repeat int) (bench.Result, error) {
		main.Clear()
		overhead.Clear()
		errs := make([]error, n)
		err := u.team.Run(func(i int) {
			src := u.in.Slice(i, n, k.Chunk)
			var dst []byte
			if k.NeedsOutput() {
				dst = u.out.Slice(i, n, k.Chunk)
			}
			var sess *counters.Session
			if events != nil {
				sess, errs[i] = counters.Open(events, o.log)
			}
			u.team.Barrier().Wait()
			var (
				counts  counters.Counts
				counted bool
			)
			r := bench.RunAround(k, src, dst, repeat, func(call func()) {
				if sess == nil {
					call()
					return
				}
				errs[i] = sess.Start()
				call()
				if errs[i] == nil {
					counts, errs[i] = sess.Stop()
					counted = errs[i] == nil
				}
			})
			if sess != nil {
				if counted {
					r.Main = counts.Apply(r.Main, k.Descriptor, profile)
				}
				errs[i] = multierr.Append(errs[i], sess.Close())
			}
			main.Merge(r.Main)
			overhead.Merge(r.Overhead)
		})
		errs = append(errs, err)
		return bench.Result{Main: main.Sample(), Overhead: overhead.Sample()}, multierr.Combine(errs...)
	}
}

// unit is the team and buffers of one sweep unit.
type unit struct {
	target
	team    *team.Team
	in, out *stream.Buffer
	place   stream.Placement
	loaded  map[string]*build.Loaded
}

func (o *Orchestrator) openUnit(tg target, place stream.Placement) (*unit, error) {
	pus := o.c.Topology.PUs(tg.loc)
	if len(pus) == 0 {
		return nil, fmt.Errorf("roofline: %v has no processing units", tg.loc)
	}
	tm, err := team.New(pus, o.c.Binder)
	if err != nil {
		return nil, err
	}
	return &unit{target: tg, team: tm, place: place, loaded: map[string]*build.Loaded{}}, nil
}

// prepare sizes the buffers to per bytes for each thread and initializes
// every thread's part from that thread.
func (u *unit) prepare(k *kernel.Kernel, per int, seed uint64) error {
	n := u.team.Size()
	var err error
	if u.in, err = sized(u.in, n*per, k.Chunk, u.place); err != nil {
		return err
	}
	if k.NeedsOutput() {
		if u.out, err = sized(u.out, n*per, k.Chunk, u.place); err != nil {
			return err
		}
	}
	return u.team.Run(func(i int) {
		part := u.in.Slice(i, n, k.Chunk)
		if k.Latency {
			stream.InitPointerChase(part, kernel.LatencyStride, seed+uint64(i))
		} else {
			stream.Touch(part)
		}
		if k.NeedsOutput() {
			stream.Touch(u.out.Slice(i, n, k.Chunk))
		}
	})
}

func sized(b *stream.Buffer, size, chunk int, place stream.Placement) (*stream.Buffer, error) {
	if b == nil {
		return stream.New(size, chunk, place)
	}
	return b, b.Resize(size, chunk)
}

// mixed returns kernel want from the source of spec, building it on first
// use.
func (u *unit) mixed(ctx context.Context, c *Context, spec kernel.Spec, want string) (*kernel.Kernel, error) {
	l, ok := u.loaded[spec.Name]
	if !ok {
		specs := []kernel.Spec{spec}
		if c.Config.ValidateKernels {
			specs = append(specs, spec.Doubled())
		}
		src, err := c.Generator.GenerateAll(spec.Name, specs...)
		if err != nil {
			return nil, err
		}
		if l, err = c.Loader.Load(ctx, src); err != nil {
			return nil, err
		}
		u.loaded[spec.Name] = l
	}
	k, ok := l.Kernel(want)
	if !ok {
		return nil, &build.SymbolError{Library: l.Name, Symbol: kernel.Symbol(want), Err: errors.New("not in source")}
	}
	return k, nil
}

func (u *unit) close(log *zap.Logger) {
	u.team.Close()
	var err error
	for _, name := range slices.Sorted(maps.Keys(u.loaded)) {
		err = multierr.Append(err, u.loaded[name].Close())
	}
	if u.in != nil {
		err = multierr.Append(err, u.in.Close())
	}
	if u.out != nil {
		err = multierr.Append(err, u.out.Close())
	}
	if err != nil {
		log.Warn("releasing sweep unit", zap.Stringer("location", u.loc), zap.Error(err))
	}
}
