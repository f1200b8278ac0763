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

// Package counters reads hardware performance counters around a kernel run,
// as an alternative to the static instruction accounting of generated
// kernels.
package counters

import (
	"errors"

	"github.com/ajroetker/go-roofline/roofline/kernel"
	"github.com/ajroetker/go-roofline/roofline/sample"
	"github.com/ajroetker/go-roofline/roofline/simd"
)

// ErrUnavailable is returned when not even the reduced event set can be
// opened.
var ErrUnavailable = errors.New("counters: hardware counters unavailable")

// Event is one counter to open.
type Event struct {
	Name     string
	Type     uint32
	Config   uint64
	Required bool // part of the reduced set
}

// Counts are the counter deltas of one Start/Stop window.
type Counts struct {
	Instructions uint64
	Loads        uint64
	// FlopInstructions counts packed double arithmetic instructions, fused
	// multiply-adds twice.
	FlopInstructions uint64
	// Reduced is set when only the reduced event set was available: Loads
	// and FlopInstructions are then zero and must not replace static counts.
	Reduced bool
}

// Apply overrides the counts of s, measured with kernel d, by the counted
// ones. Bytes and flops are only replaced when the full event set was read.
// Bytes stay static for kernels that store or chase pointers, since only
// vector loads are counted.
func (c Counts) Apply(s sample.Sample, d kernel.Descriptor, p simd.Profile) sample.Sample {
	s.Instructions = c.Instructions
	if c.Reduced {
		return s
	}
	if d.Stores == 0 && !d.Latency {
		s.Bytes = c.Loads * uint64(p.RegisterBytes)
	}
	s.Flops = c.FlopInstructions * uint64(p.Lanes())
	return s
}
