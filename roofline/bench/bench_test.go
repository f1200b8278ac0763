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

package bench

import (
	"errors"
	"math"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajroetker/go-roofline/roofline/kernel"
	"github.com/ajroetker/go-roofline/roofline/sample"
	"github.com/ajroetker/go-roofline/roofline/simd"
)

// recordingFunc pretends every iteration takes one cycle.
type recordingFunc struct {
	in, out      unsafe.Pointer
	size, repeat int
	chunk        int
}

func (f *recordingFunc) Call(in, out unsafe.Pointer, size, repeat int) (uint64, uint64) {
	f.in, f.out, f.size, f.repeat = in, out, size, repeat
	return 1000, 1000 + uint64(size/f.chunk*repeat)
}

func catalogKernel(t *testing.T, typ kernel.Type) (*kernel.Kernel, *recordingFunc) {
	t.Helper()
	g, err := kernel.NewGenerator(simd.AVX2())
	require.NoError(t, err)
	src, err := g.Generate(kernel.Builtin(typ))
	require.NoError(t, err)
	require.Len(t, src.Entries, 1)
	d := src.Entries[0].Descriptor
	main := &recordingFunc{chunk: d.Chunk}
	return &kernel.Kernel{Descriptor: d, Main: main, Overhead: &recordingFunc{chunk: d.Chunk}}, main
}

func TestRunLoadScenario(t *testing.T) {
	k, f := catalogKernel(t, kernel.Load)
	buf := make([]byte, 32*1024)

	res := Run(k, buf, nil, 1000)
	assert.Equal(t, uint64(32768*1000), res.Main.Bytes)
	assert.Zero(t, res.Main.Flops)
	assert.Equal(t, uint64(64*16*1000), res.Main.Instructions)
	assert.Equal(t, 32768, f.size)
	assert.Equal(t, 1000, f.repeat)
	assert.Equal(t, f.in, f.out, "single stream kernels store into their input")
	assert.Equal(t, uint64(64*1000), res.Main.Cycles())
	assert.NotZero(t, res.Overhead.Cycles())
	assert.Zero(t, res.Overhead.Bytes)
}

type loggingFunc struct {
	name string
	log  *[]string
}

func (f loggingFunc) Call(_, _ unsafe.Pointer, _, _ int) (uint64, uint64) {
	*f.log = append(*f.log, f.name)
	return 1, 2
}

func TestRunAroundWrapsOnlyMain(t *testing.T) {
	k, _ := catalogKernel(t, kernel.Load)
	var log []string
	k.Main = loggingFunc{"main", &log}
	k.Overhead = loggingFunc{"overhead", &log}

	res := RunAround(k, make([]byte, 4096), nil, 3, func(call func()) {
		log = append(log, "start")
		call()
		log = append(log, "stop")
	})
	assert.Equal(t, []string{"start", "main", "stop", "overhead"}, log)
	assert.Equal(t, uint64(1), res.Main.Cycles())
}

func TestRunRoundsToChunk(t *testing.T) {
	k, f := catalogKernel(t, kernel.Store)
	res := Run(k, make([]byte, 512*3+100), nil, 2)
	assert.Equal(t, 512*3, f.size)
	assert.Equal(t, uint64(512*3*2), res.Main.Bytes)
}

func TestRunCopyUsesOutput(t *testing.T) {
	k, f := catalogKernel(t, kernel.Copy)
	in := make([]byte, 4096)
	out := make([]byte, 2048)
	Run(k, in, out, 1)
	assert.Equal(t, unsafe.Pointer(&out[0]), f.out)
	assert.Equal(t, 2048, f.size, "walk is bounded by the shorter stream")
}

func TestCostCompute(t *testing.T) {
	k, _ := catalogKernel(t, kernel.Fma)
	s := Cost(k.Descriptor, 512*10, 3)
	assert.Zero(t, s.Bytes)
	assert.Equal(t, uint64(30*128), s.Flops)
	assert.Equal(t, uint64(30*16), s.Instructions)
}

func fakeClock(t *testing.T) *time.Time {
	t.Helper()
	clock := time.Unix(0, 0)
	old := now
	now = func() time.Time { return clock }
	t.Cleanup(func() { now = old })
	return &clock
}

func TestAutosetRepeat(t *testing.T) {
	clock := fakeClock(t)
	var calls []int
	m := func(repeat int) (Result, error) {
		calls = append(calls, repeat)
		*clock = clock.Add(time.Duration(repeat) * time.Millisecond)
		return Result{}, nil
	}

	repeat, err := AutosetRepeat(m, 100*time.Millisecond, 1)
	require.NoError(t, err)
	assert.Equal(t, 100, repeat)
	assert.Equal(t, []int{1, 100}, calls)

	repeat, err = AutosetRepeat(m, 100*time.Millisecond, 5000)
	require.NoError(t, err)
	assert.Equal(t, 5000, repeat, "minimum repeat is a floor")
}

func TestAutosetRepeatGrowsAtLeastTwofold(t *testing.T) {
	clock := fakeClock(t)
	var calls []int
	m := func(repeat int) (Result, error) {
		calls = append(calls, repeat)
		// Fixed setup cost dominates: the ratio is below 2.
		*clock = clock.Add(60*time.Millisecond + time.Duration(repeat)*time.Millisecond)
		return Result{}, nil
	}
	repeat, err := AutosetRepeat(m, 100*time.Millisecond, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 4, 8, 16, 32, 64}, calls[:7])
	assert.GreaterOrEqual(t, repeat, 32)
}

func TestAutosetRepeatZeroElapsed(t *testing.T) {
	fakeClock(t)
	n := 0
	repeat, err := AutosetRepeat(func(int) (Result, error) { n++; return Result{}, nil }, time.Millisecond, 1)
	require.NoError(t, err)
	assert.Equal(t, maxRepeat, repeat)
	assert.Equal(t, 30, n)
}

func TestAutosetRepeatError(t *testing.T) {
	boom := errors.New("boom")
	_, err := AutosetRepeat(func(int) (Result, error) { return Result{}, boom }, time.Second, 1)
	assert.ErrorIs(t, err, boom)
}

// run builds a result with the given throughput; Bytes tags the run.
func run(throughput float64, tag uint64) Result {
	return Result{Main: sample.Sample{Start: 1, End: 1001, Instructions: uint64(throughput * 1000), Bytes: tag}}
}

func TestSelectMedianRank(t *testing.T) {
	order := []float64{5, 1, 7, 3, 8, 2, 6, 4}
	runs := make([]Result, len(order))
	for i, tp := range order {
		runs[i] = run(tp, uint64(i))
	}
	st := Select(runs, Median)
	assert.InDelta(t, 5.0, st.Main.Throughput(), 1e-9, "rank n/2 of 1..8 is 5")
	assert.Equal(t, uint64(0), st.Main.Bytes)

	for i := 1; i < len(st.Samples); i++ {
		assert.LessOrEqual(t, st.Samples[i-1].Main.Throughput(), st.Samples[i].Main.Throughput())
	}

	assert.InDelta(t, 1.0, Select(st.Samples, Min).Main.Throughput(), 1e-9)
	assert.InDelta(t, 8.0, Select(st.Samples, Max).Main.Throughput(), 1e-9)
}

func TestSelectStableTies(t *testing.T) {
	runs := []Result{run(2, 0), run(1, 1), run(2, 2), run(2, 3)}
	st := Select(runs, Median)
	// Sorted: 1(1) 2(0) 2(2) 2(3); rank 2 is the second tie in input order.
	assert.Equal(t, uint64(2), st.Main.Bytes)
}

func TestSelectStdDev(t *testing.T) {
	st := Select([]Result{run(3, 0), run(1, 1), run(2, 2)}, Median)
	assert.InDelta(t, 2.0, st.Main.Throughput(), 1e-9)
	assert.InDelta(t, math.Sqrt(2.0/3.0), st.StdDev, 1e-9)

	st = Select([]Result{run(3, 0), run(1, 1), run(2, 2)}, Min)
	assert.InDelta(t, math.Sqrt(5.0/3.0), st.StdDev, 1e-9)
}

func TestSelectZeroCycles(t *testing.T) {
	runs := []Result{{Main: sample.Sample{Start: 5, End: 5, Instructions: 10}}, run(1, 1)}
	st := Select(runs, Min)
	assert.Zero(t, st.Main.Throughput())
}

func TestRepeatBench(t *testing.T) {
	tps := []float64{4, 2, 9, 1, 3}
	i := 0
	m := func(repeat int) (Result, error) {
		assert.Equal(t, 7, repeat)
		r := run(tps[i], uint64(i))
		i++
		return r, nil
	}
	st, err := RepeatBench(m, 7, len(tps), Median)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, st.Main.Throughput(), 1e-9)
	assert.Len(t, st.Samples, 5)

	_, err = RepeatBench(m, 7, 0, Median)
	assert.Error(t, err)
}

func TestParseSelector(t *testing.T) {
	for in, want := range map[string]Selector{"": Median, "median": Median, "MIN": Min, "max": Max} {
		got, err := ParseSelector(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		if in != "" {
			assert.Equal(t, want.String(), got.String())
		}
	}
	_, err := ParseSelector("mean")
	assert.Error(t, err)
}
