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

// Package sample holds timed measurements and their cross-thread aggregate.
package sample

import "sync"

// Sample is one timed run of a kernel. Start and End are cycle timestamps
// read from the hardware cycle counter of the thread that ran the kernel.
type Sample struct {
	Start        uint64
	End          uint64
	Bytes        uint64
	Flops        uint64
	Instructions uint64
}

// Cycles returns End - Start, or 0 when the timestamps are not ordered.
func (s Sample) Cycles() uint64 {
	if s.End <= s.Start {
		return 0
	}
	return s.End - s.Start
}

// Throughput returns instructions per cycle. A sample that took zero cycles
// has zero throughput.
func (s Sample) Throughput() float64 {
	c := s.Cycles()
	if c == 0 {
		return 0
	}
	return float64(s.Instructions) / float64(c)
}

// Seconds converts the sample duration to seconds at the given frequency.
func (s Sample) Seconds(hz float64) float64 {
	if hz <= 0 {
		return 0
	}
	return float64(s.Cycles()) / hz
}

// Bandwidth returns GB/s at the given cycle frequency.
func (s Sample) Bandwidth(hz float64) float64 {
	sec := s.Seconds(hz)
	if sec == 0 {
		return 0
	}
	return float64(s.Bytes) / sec / 1e9
}

// GFlops returns GFlop/s at the given cycle frequency.
func (s Sample) GFlops(hz float64) float64 {
	sec := s.Seconds(hz)
	if sec == 0 {
		return 0
	}
	return float64(s.Flops) / sec / 1e9
}

// FlopsPerByte returns the operational intensity of the sample, 0 when no
// byte was moved.
func (s Sample) FlopsPerByte() float64 {
	if s.Bytes == 0 {
		return 0
	}
	return float64(s.Flops) / float64(s.Bytes)
}

// Merge folds in into s. Counts add up, the earliest start and the latest end
// are kept.
func (s Sample) Merge(in Sample) Sample {
	if s.Start == 0 || (in.Start != 0 && in.Start < s.Start) {
		s.Start = in.Start
	}
	s.End = max(s.End, in.End)
	s.Bytes += in.Bytes
	s.Flops += in.Flops
	s.Instructions += in.Instructions
	return s
}

// Accumulate merges every sample into a zero Sample.
func Accumulate(samples ...Sample) Sample {
	var out Sample
	for _, s := range samples {
		out = out.Merge(s)
	}
	return out
}

// Accumulator is the shared record threads of one measurement merge into.
// Merge is safe for concurrent use.
type Accumulator struct {
	mu sync.Mutex
	s  Sample
	n  int
}

// Merge adds one thread's sample.
func (a *Accumulator) Merge(in Sample) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.s = a.s.Merge(in)
	a.n++
}

// Clear resets the accumulator before a repeat.
func (a *Accumulator) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.s = Sample{}
	a.n = 0
}

// Sample returns the aggregate merged so far.
func (a *Accumulator) Sample() Sample {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.s
}

// N returns how many samples were merged since the last Clear.
func (a *Accumulator) N() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.n
}
