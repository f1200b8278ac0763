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

package kernel

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/ajroetker/go-roofline/roofline/simd"
)

func mustGenerator(t *testing.T, p simd.Profile) *Generator {
	t.Helper()
	g, err := NewGenerator(p)
	if err != nil {
		t.Fatalf("NewGenerator(%s): %v", p.Name, err)
	}
	return g
}

func TestParseTypes(t *testing.T) {
	got, err := ParseTypes("load, 2ld1st,fma,latency")
	if err != nil {
		t.Fatalf("ParseTypes: %v", err)
	}
	want := []Type{Load, TwoLdOneSt, Fma, Latency}
	if len(got) != len(want) {
		t.Fatalf("ParseTypes returned %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ParseTypes()[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if _, err := ParseTypes("load,div"); err == nil {
		t.Error("ParseTypes(div) should fail")
	}
}

func TestRatioHalfFlopPerByte(t *testing.T) {
	// oi = flops*4 / (bytes*32) with 4 lanes per 32-byte register.
	mem, flop, err := Ratio(0.5, simd.AVX2(), FlopAdd)
	if err != nil {
		t.Fatalf("Ratio: %v", err)
	}
	if mem != 1 || flop != 4 {
		t.Errorf("Ratio(0.5) = %d:%d, want 1:4", mem, flop)
	}
}

func TestRatioReduced(t *testing.T) {
	tests := []struct {
		oi       float64
		flop     FlopKind
		mem, fl  int
	}{
		{0.125, FlopAdd, 1, 1},
		{0.0625, FlopMul, 2, 1},
		{0.25, FlopFma, 1, 1},
		{1.5, FlopAdd, 1, 12},
		{0.09375, FlopAdd, 4, 3},
	}
	for _, tt := range tests {
		mem, flop, err := Ratio(tt.oi, simd.AVX2(), tt.flop)
		if err != nil {
			t.Fatalf("Ratio(%v, %v): %v", tt.oi, tt.flop, err)
		}
		if mem != tt.mem || flop != tt.fl {
			t.Errorf("Ratio(%v, %v) = %d:%d, want %d:%d", tt.oi, tt.flop, mem, flop, tt.mem, tt.fl)
		}
		if GCD(mem, flop) != 1 {
			t.Errorf("Ratio(%v) = %d:%d is not in lowest terms", tt.oi, mem, flop)
		}
	}
}

func TestRatioInvalid(t *testing.T) {
	for _, oi := range []float64{0, -1, math.NaN(), math.Inf(1), 1e-6, 1e6} {
		if _, _, err := Ratio(oi, simd.AVX2(), FlopAdd); !errors.Is(err, ErrInvalidRatio) {
			t.Errorf("Ratio(%v) error = %v, want ErrInvalidRatio", oi, err)
		}
	}
	if _, _, err := Ratio(1, simd.AVX2(), FlopNone); !errors.Is(err, ErrInvalidRatio) {
		t.Errorf("Ratio without arithmetic error = %v, want ErrInvalidRatio", err)
	}
}

func TestGenerateTerminatesWithFloor(t *testing.T) {
	for _, p := range []simd.Profile{simd.AVX512(), simd.AVX2(), simd.SSE(), simd.NEON()} {
		g := mustGenerator(t, p)
		for m := 1; m <= 12; m++ {
			for f := 1; f <= 12; f++ {
				spec := Spec{Name: "mix", Mem: MemLoad, Flop: FlopMul, MemCount: m, FlopCount: f}
				_, d, err := g.body(spec)
				if err != nil {
					t.Fatalf("%s %d:%d: %v", p.Name, m, f, err)
				}
				if d.Instructions < MinInstructions {
					t.Errorf("%s %d:%d: %d instructions, want >= %d", p.Name, m, f, d.Instructions, MinInstructions)
				}
				if d.Instructions%p.Registers != 0 {
					t.Errorf("%s %d:%d: %d instructions do not wrap %d registers", p.Name, m, f, d.Instructions, p.Registers)
				}
				if d.Instructions%(m+f) != 0 {
					t.Errorf("%s %d:%d: body holds a partial block", p.Name, m, f)
				}
			}
		}
	}
}

func TestGenerateRatioFidelity(t *testing.T) {
	p := simd.AVX2()
	g := mustGenerator(t, p)
	for _, oi := range []float64{0.03125, 0.125, 0.5, 1, 2, 4} {
		for _, flop := range []Type{Add, Mul, Mad, Fma} {
			spec, err := Mixed(Load, flop, oi, p)
			if err != nil {
				t.Fatalf("Mixed(load, %v, %v): %v", flop, oi, err)
			}
			src, err := g.Generate(spec)
			if err != nil {
				t.Fatalf("Generate(%s): %v", spec.Name, err)
			}
			d := src.Entries[0].Descriptor
			if got := d.Intensity(); math.Abs(got-oi) > 1e-9 {
				t.Errorf("%s: intensity %v, want %v", spec.Name, got, oi)
			}
			if d.Chunk != d.Bytes {
				t.Errorf("%s: chunk %d != bytes %d", spec.Name, d.Chunk, d.Bytes)
			}
		}
	}
}

func TestGenerateZeroCount(t *testing.T) {
	g := mustGenerator(t, simd.AVX2())
	for _, spec := range []Spec{
		{Name: "noflop", Mem: MemLoad, Flop: FlopAdd, MemCount: 1},
		{Name: "nomem", Mem: MemLoad, Flop: FlopAdd, FlopCount: 1},
		{Name: "empty"},
	} {
		if _, err := g.Generate(spec); !errors.Is(err, ErrInvalidRatio) {
			t.Errorf("Generate(%s) error = %v, want ErrInvalidRatio", spec.Name, err)
		}
	}
}

func TestValidationVariant(t *testing.T) {
	p := simd.NEON()
	g := mustGenerator(t, p)
	spec, err := Mixed(Store, Fma, 0.25, p)
	if err != nil {
		t.Fatalf("Mixed: %v", err)
	}
	base, err := g.Generate(spec)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	val, err := g.Generate(spec.Doubled())
	if err != nil {
		t.Fatalf("Generate(validation): %v", err)
	}
	bd, vd := base.Entries[0].Descriptor, val.Entries[0].Descriptor
	if bd.Intensity() != vd.Intensity() {
		t.Errorf("validation intensity %v, want %v", vd.Intensity(), bd.Intensity())
	}
	if !strings.HasSuffix(vd.Name, "_validation") {
		t.Errorf("validation name = %q", vd.Name)
	}
}

func TestCatalogCosts(t *testing.T) {
	p := simd.AVX2()
	g := mustGenerator(t, p)
	src, err := g.Catalog()
	if err != nil {
		t.Fatalf("Catalog: %v", err)
	}
	byName := make(map[string]Descriptor)
	for _, e := range src.Entries {
		byName[e.Descriptor.Name] = e.Descriptor
	}

	tests := []struct {
		name                       string
		chunk, bytes, flops, ins   int
		loads, stores              int
	}{
		{"load", 512, 512, 0, 16, 16, 0},
		{"store", 512, 512, 0, 16, 0, 16},
		{"2ld1st", 512, 512, 0, 16, 11, 5},
		{"copy", 512, 512, 0, 16, 8, 8},
		{"add", 512, 0, 64, 16, 0, 0},
		{"mad", 512, 0, 64, 16, 0, 0},
		{"fma", 512, 0, 128, 16, 0, 0},
		{"latency", 1024, 1024, 0, 16, 16, 0},
	}
	for _, tt := range tests {
		d, ok := byName[tt.name]
		if !ok {
			t.Errorf("catalog has no %s kernel", tt.name)
			continue
		}
		if d.Chunk != tt.chunk || d.Bytes != tt.bytes || d.Flops != tt.flops || d.Instructions != tt.ins {
			t.Errorf("%s: got chunk=%d bytes=%d flops=%d ins=%d, want %d %d %d %d",
				tt.name, d.Chunk, d.Bytes, d.Flops, d.Instructions, tt.chunk, tt.bytes, tt.flops, tt.ins)
		}
		if d.Loads != tt.loads || d.Stores != tt.stores {
			t.Errorf("%s: loads=%d stores=%d, want %d %d", tt.name, d.Loads, d.Stores, tt.loads, tt.stores)
		}
	}
}

func TestCatalogSkipsFmaWithoutFma(t *testing.T) {
	for _, spec := range CatalogSpecs(simd.SSE()) {
		if spec.Flop == FlopFma {
			t.Errorf("SSE catalog contains %s", spec.Name)
		}
	}
	g := mustGenerator(t, simd.SSE())
	if _, err := g.Generate(Builtin(Fma)); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Generate(fma) on SSE error = %v, want ErrUnsupported", err)
	}
}

func TestGeneratedSourceText(t *testing.T) {
	g := mustGenerator(t, simd.AVX2())
	src, err := g.Generate(Builtin(Load))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	text := string(src.Text)

	for _, want := range []string{
		"void roofline_load(char *in, char *out, size_t size, size_t repeat, uint64_t *cycles)",
		"void roofline_load_overhead(",
		"i += 512",
		"rdtsc",
		`"vmovapd 480(%[src]), %%ymm15\n\t"`,
		`"vxorpd %%ymm0, %%ymm0, %%ymm0\n\t"`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("generated source lacks %q\n%s", want, text)
		}
	}
	if n := strings.Count(text, "vmovapd"); n != 16 {
		t.Errorf("generated source has %d vmovapd, want 16 (overhead variant must be empty)", n)
	}
}

func TestAsmLiteralsCloseOnTheirLine(t *testing.T) {
	for _, p := range []simd.Profile{simd.AVX512(), simd.AVX2(), simd.SSE(), simd.NEON()} {
		g := mustGenerator(t, p)
		spec, err := Mixed(Copy, Mul, 0.5, p)
		if err != nil {
			t.Fatalf("%s: Mixed: %v", p.Name, err)
		}
		src, err := g.GenerateAll("lines", spec, spec.Doubled())
		if err != nil {
			t.Fatalf("%s: GenerateAll: %v", p.Name, err)
		}
		for i, line := range strings.Split(string(src.Text), "\n") {
			trimmed := strings.TrimSpace(line)
			if !strings.HasPrefix(trimmed, `"`) {
				continue
			}
			if !strings.HasSuffix(trimmed, `"`) || strings.Count(trimmed, `"`)%2 != 0 {
				t.Errorf("%s: line %d leaves a string literal open: %q", p.Name, i+1, line)
			}
		}
	}
}

func TestGenerateLatency(t *testing.T) {
	g := mustGenerator(t, simd.NEON())
	src, err := g.Generate(Builtin(Latency))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	text := string(src.Text)
	if n := strings.Count(text, "ldr %[ptr], [%[ptr]]"); n != 32 {
		t.Errorf("latency body has %d dependent loads, want 32", n)
	}
	if !strings.Contains(text, "cntvct_el0") {
		t.Error("arm64 skeleton should read cntvct_el0")
	}
}

func TestSymbol(t *testing.T) {
	if got := Symbol("load_fma_oi0.5"); got != "roofline_load_fma_oi0_5" {
		t.Errorf("Symbol() = %q", got)
	}
}
