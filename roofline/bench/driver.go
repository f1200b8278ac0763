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

// Package bench runs loaded kernels and turns their cycle counts into robust
// samples.
package bench

import (
	"unsafe"

	"github.com/ajroetker/go-roofline/roofline/kernel"
	"github.com/ajroetker/go-roofline/roofline/sample"
)

// Result is one timed run of a kernel and of its overhead variant.
type Result struct {
	Main sample.Sample
	// Overhead holds only the cycle stamps of the loop with the instruction
	// block elided. It is never subtracted from Main.
	Overhead sample.Sample
}

// Run executes k over in (and out for kernels that need a distinct output
// stream) repeat times. The walked size is len(in) rounded down to the
// kernel chunk. Stores of single-stream kernels go to in.
func Run(k *kernel.Kernel, in, out []byte, repeat int) Result {
	return RunAround(k, in, out, repeat, nil)
}

// RunAround is Run with around wrapped about the main call only. around
// must invoke call exactly once; the overhead variant runs after it,
// outside the wrapper. A nil around calls main directly.
func RunAround(k *kernel.Kernel, in, out []byte, repeat int, around func(call func())) Result {
	size := len(in) - len(in)%k.Chunk
	src := unsafe.Pointer(unsafe.SliceData(in))
	dst := src
	if k.NeedsOutput() {
		if len(out) < size {
			size = len(out) - len(out)%k.Chunk
		}
		dst = unsafe.Pointer(unsafe.SliceData(out))
	}

	var res Result
	res.Main = Cost(k.Descriptor, size, repeat)
	call := func() {
		res.Main.Start, res.Main.End = k.Main.Call(src, dst, size, repeat)
	}
	if around != nil {
		around(call)
	} else {
		call()
	}
	if k.Overhead != nil {
		res.Overhead.Start, res.Overhead.End = k.Overhead.Call(src, dst, size, repeat)
	}
	return res
}

// Cost returns the static byte, flop and instruction counts of walking size
// bytes repeat times with a kernel described by d. Cycle stamps are left zero.
func Cost(d kernel.Descriptor, size, repeat int) sample.Sample {
	iters := uint64(d.Iterations(size)) * uint64(repeat)
	return sample.Sample{
		Bytes:        iters * uint64(d.Bytes),
		Flops:        iters * uint64(d.Flops),
		Instructions: iters * uint64(d.Instructions),
	}
}
