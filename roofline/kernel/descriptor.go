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

// Package kernel synthesizes the micro-kernels a roofline is measured with.
//
// Every kernel is a straight-line block of memory and arithmetic instructions
// wrapped in a loop that walks a stream chunk by chunk. The generator is a pure
// function from a Spec to C source; compiling and loading that source is the
// job of package build.
package kernel

import (
	"fmt"
	"unsafe"
)

// Descriptor is the static cost of one loop iteration of a kernel.
type Descriptor struct {
	Name   string
	Symbol string

	Mem     MemKind
	Flop    FlopKind
	Latency bool

	// Chunk is the number of stream bytes one iteration advances over.
	Chunk int

	Bytes        int // bytes loaded or stored per iteration
	Flops        int // floating-point operations per iteration
	Instructions int // vector instructions per iteration
	Loads        int
	Stores       int
}

// NeedsOutput reports whether the kernel writes to a stream distinct from
// its input.
func (d Descriptor) NeedsOutput() bool {
	return d.Mem == MemCopy
}

// Intensity returns flops per byte of one iteration.
func (d Descriptor) Intensity() float64 {
	if d.Bytes == 0 {
		return 0
	}
	return float64(d.Flops) / float64(d.Bytes)
}

// Iterations returns how many iterations one pass over size bytes takes.
func (d Descriptor) Iterations(size int) int {
	if d.Chunk <= 0 {
		return 0
	}
	return size / d.Chunk
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s: chunk=%dB bytes=%d flops=%d ins=%d", d.Name, d.Chunk, d.Bytes, d.Flops, d.Instructions)
}

// Func is a callable compiled kernel. Call walks size bytes of in (and out)
// repeat times and returns the cycle counter read before and after the walk.
type Func interface {
	Call(in, out unsafe.Pointer, size, repeat int) (start, end uint64)
}

// Kernel is a loaded kernel: its descriptor, its entry point and the
// overhead variant with the instruction block elided.
type Kernel struct {
	Descriptor
	Main     Func
	Overhead Func
}
