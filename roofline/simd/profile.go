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

// Package simd describes the vector instruction sets kernels are generated for.
//
// A Profile is the only architecture-specific input of the kernel generator:
// it carries the physical register count and width, and one inline-assembly
// template per instruction the generator is allowed to emit. Templates use
// two placeholders, {reg} for a register number and {off} for a byte offset,
// and refer to the extended-asm operands %[src], %[dst] and %[ptr].
package simd

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ErrNoProfile is returned when no profile matches a name or the running CPU.
var ErrNoProfile = errors.New("simd: no matching profile")

// ElemBytes is the size of one vector lane. Kernels operate on float64.
const ElemBytes = 8

// Profile is the SIMD strategy for one target architecture.
type Profile struct {
	Name          string // "avx512", "avx2", "sse", "neon"
	Arch          string // GOARCH the templates assemble for
	Registers     int    // physical vector registers usable by kernels
	RegisterBytes int    // width of one vector register

	Load  string // load {off}(src) into {reg}
	Store string // store {reg} to {off}(dst)
	Add   string // {reg} += {reg}
	Mul   string // {reg} *= {reg}
	Fma   string // {reg} += {reg} * {reg}; empty when the ISA has no FMA
	Zero  string // {reg} = 0

	// LatencyLoad dereferences %[ptr] into itself.
	LatencyLoad string

	// Clobber names register {reg} in an asm clobber list.
	Clobber string

	// CFlags are passed to the C compiler for every kernel of this profile.
	CFlags []string
}

// Chunk returns the number of bytes one pass over every register moves.
// It is the stream granularity of the bandwidth kernels.
func (p Profile) Chunk() int {
	return p.Registers * p.RegisterBytes
}

// Lanes returns the number of float64 lanes in one register.
func (p Profile) Lanes() int {
	return p.RegisterBytes / ElemBytes
}

// HasFma reports whether the profile can emit fused multiply-add.
func (p Profile) HasFma() bool {
	return p.Fma != ""
}

// Render substitutes register and offset into an instruction template.
func Render(tmpl string, reg, off int) string {
	return strings.NewReplacer(
		"{reg}", strconv.Itoa(reg),
		"{off}", strconv.Itoa(off),
	).Replace(tmpl)
}

// Clobbers returns the clobber list entries for every register of the profile.
func (p Profile) Clobbers() []string {
	out := make([]string, p.Registers)
	for i := range p.Registers {
		out[i] = Render(p.Clobber, i, 0)
	}
	return out
}

func (p Profile) String() string {
	return fmt.Sprintf("%s (%d x %d bytes)", p.Name, p.Registers, p.RegisterBytes)
}

// AVX512 returns the profile for AVX-512F (32 zmm registers).
func AVX512() Profile {
	return Profile{
		Name:          "avx512",
		Arch:          "amd64",
		Registers:     32,
		RegisterBytes: 64,
		Load:          "vmovapd {off}(%[src]), %%zmm{reg}",
		Store:         "vmovapd %%zmm{reg}, {off}(%[dst])",
		Add:           "vaddpd %%zmm{reg}, %%zmm{reg}, %%zmm{reg}",
		Mul:           "vmulpd %%zmm{reg}, %%zmm{reg}, %%zmm{reg}",
		Fma:           "vfmadd231pd %%zmm{reg}, %%zmm{reg}, %%zmm{reg}",
		Zero:          "vpxorq %%zmm{reg}, %%zmm{reg}, %%zmm{reg}",
		LatencyLoad:   "mov (%[ptr]), %[ptr]",
		Clobber:       "xmm{reg}",
		CFlags:        []string{"-mavx512f"},
	}
}

// AVX2 returns the profile for AVX2 with FMA3 (16 ymm registers).
func AVX2() Profile {
	return Profile{
		Name:          "avx2",
		Arch:          "amd64",
		Registers:     16,
		RegisterBytes: 32,
		Load:          "vmovapd {off}(%[src]), %%ymm{reg}",
		Store:         "vmovapd %%ymm{reg}, {off}(%[dst])",
		Add:           "vaddpd %%ymm{reg}, %%ymm{reg}, %%ymm{reg}",
		Mul:           "vmulpd %%ymm{reg}, %%ymm{reg}, %%ymm{reg}",
		Fma:           "vfmadd231pd %%ymm{reg}, %%ymm{reg}, %%ymm{reg}",
		Zero:          "vxorpd %%ymm{reg}, %%ymm{reg}, %%ymm{reg}",
		LatencyLoad:   "mov (%[ptr]), %[ptr]",
		Clobber:       "xmm{reg}",
		CFlags:        []string{"-mavx2", "-mfma"},
	}
}

// SSE returns the x86-64 baseline profile (16 xmm registers, no FMA).
func SSE() Profile {
	return Profile{
		Name:          "sse",
		Arch:          "amd64",
		Registers:     16,
		RegisterBytes: 16,
		Load:          "movapd {off}(%[src]), %%xmm{reg}",
		Store:         "movapd %%xmm{reg}, {off}(%[dst])",
		Add:           "addpd %%xmm{reg}, %%xmm{reg}",
		Mul:           "mulpd %%xmm{reg}, %%xmm{reg}",
		Zero:          "xorpd %%xmm{reg}, %%xmm{reg}",
		LatencyLoad:   "mov (%[ptr]), %[ptr]",
		Clobber:       "xmm{reg}",
		CFlags:        []string{"-msse2"},
	}
}

// NEON returns the AArch64 Advanced SIMD profile (32 q registers).
func NEON() Profile {
	return Profile{
		Name:          "neon",
		Arch:          "arm64",
		Registers:     32,
		RegisterBytes: 16,
		Load:          "ldr q{reg}, [%[src], #{off}]",
		Store:         "str q{reg}, [%[dst], #{off}]",
		Add:           "fadd v{reg}.2d, v{reg}.2d, v{reg}.2d",
		Mul:           "fmul v{reg}.2d, v{reg}.2d, v{reg}.2d",
		Fma:           "fmla v{reg}.2d, v{reg}.2d, v{reg}.2d",
		Zero:          "movi v{reg}.2d, #0",
		LatencyLoad:   "ldr %[ptr], [%[ptr]]",
		Clobber:       "v{reg}",
		CFlags:        []string{"-march=armv8-a+simd"},
	}
}

var registry = map[string]func() Profile{
	"avx512": AVX512,
	"avx2":   AVX2,
	"sse":    SSE,
	"neon":   NEON,
}

// Available returns the names of every known profile, sorted.
func Available() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the profile registered under name.
func Lookup(name string) (Profile, error) {
	fn, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q (available: %s)", ErrNoProfile, name, strings.Join(Available(), ","))
	}
	return fn(), nil
}
