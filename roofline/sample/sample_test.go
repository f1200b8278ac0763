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

package sample

import (
	"math"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestThroughputZeroCycles(t *testing.T) {
	s := Sample{Start: 42, End: 42, Instructions: 1000}
	if got := s.Throughput(); got != 0 {
		t.Errorf("Throughput() = %v, want 0", got)
	}
	s = Sample{Start: 50, End: 42, Instructions: 1000}
	if got := s.Throughput(); got != 0 {
		t.Errorf("Throughput() with End < Start = %v, want 0", got)
	}
}

func TestDerivedMetrics(t *testing.T) {
	// 2e9 cycles at 2 GHz is one second.
	s := Sample{Start: 1, End: 2e9 + 1, Bytes: 8e9, Flops: 4e9, Instructions: 1e9}
	hz := 2e9

	if got := s.Throughput(); got != 0.5 {
		t.Errorf("Throughput() = %v, want 0.5", got)
	}
	if got := s.Bandwidth(hz); math.Abs(got-8) > 1e-9 {
		t.Errorf("Bandwidth() = %v, want 8", got)
	}
	if got := s.GFlops(hz); math.Abs(got-4) > 1e-9 {
		t.Errorf("GFlops() = %v, want 4", got)
	}
	if got := s.FlopsPerByte(); got != 0.5 {
		t.Errorf("FlopsPerByte() = %v, want 0.5", got)
	}
	if got := (Sample{Flops: 10}).FlopsPerByte(); got != 0 {
		t.Errorf("FlopsPerByte() without bytes = %v, want 0", got)
	}
}

func TestAccumulateAdditive(t *testing.T) {
	samples := []Sample{
		{Start: 100, End: 900, Bytes: 10, Flops: 1, Instructions: 7},
		{Start: 90, End: 1200, Bytes: 20, Flops: 2, Instructions: 11},
		{Start: 110, End: 1000, Bytes: 30, Flops: 3, Instructions: 13},
	}
	got := Accumulate(samples...)
	want := Sample{Start: 90, End: 1200, Bytes: 60, Flops: 6, Instructions: 31}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Accumulate() mismatch (-want +got):\n%s", diff)
	}
}

func TestAccumulatorConcurrentMerge(t *testing.T) {
	var acc Accumulator
	const threads = 16

	var wg sync.WaitGroup
	for i := range threads {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acc.Merge(Sample{Start: 1000, End: uint64(2000 + i), Bytes: 512, Flops: 4, Instructions: 16})
		}()
	}
	wg.Wait()

	want := Sample{Start: 1000, End: 2000 + threads - 1, Bytes: 512 * threads, Flops: 4 * threads, Instructions: 16 * threads}
	if diff := cmp.Diff(want, acc.Sample()); diff != "" {
		t.Errorf("Sample() mismatch (-want +got):\n%s", diff)
	}
	if acc.N() != threads {
		t.Errorf("N() = %d, want %d", acc.N(), threads)
	}

	acc.Clear()
	if diff := cmp.Diff(Sample{}, acc.Sample()); diff != "" || acc.N() != 0 {
		t.Errorf("Clear() left %+v, n=%d", acc.Sample(), acc.N())
	}
}
