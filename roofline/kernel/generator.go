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
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/template"

	"golang.org/x/tools/txtar"

	"github.com/ajroetker/go-roofline/roofline/simd"
)

// ErrUnsupported is returned when the profile lacks an instruction a spec needs.
var ErrUnsupported = errors.New("kernel: operation not supported by profile")

// MinInstructions is the code size floor of generated mixed blocks.
const MinInstructions = 64

// LatencyStride is the distance between two elements of a pointer chain.
const LatencyStride = 64

//go:embed skeletons.txtar
var skeletonArchive []byte

// Spec describes the instruction mix of one kernel.
type Spec struct {
	Name string
	Mem  MemKind
	Flop FlopKind

	// MemCount and FlopCount form one block: MemCount memory instructions
	// followed by FlopCount arithmetic instructions.
	MemCount  int
	FlopCount int

	// OnePass stops the body after a single pass over the registers instead
	// of at the MinInstructions floor. Catalog kernels are one pass.
	OnePass bool

	// Latency makes a dependent pointer-chasing kernel.
	Latency bool
}

// Doubled returns the validation variant of s: same structure, twice the
// instruction multiplicity.
func (s Spec) Doubled() Spec {
	s.Name += "_validation"
	s.MemCount *= 2
	s.FlopCount *= 2
	return s
}

// Entry is one kernel in a generated source file.
type Entry struct {
	Symbol     string
	Descriptor Descriptor
}

// OverheadSymbol returns the symbol of the overhead variant of an entry.
func OverheadSymbol(symbol string) string {
	return symbol + "_overhead"
}

// Source is the textual output of the generator: a C translation unit and
// the entries it defines.
type Source struct {
	Name    string
	Text    []byte
	CFlags  []string
	Entries []Entry
}

// Generator turns Specs into C source for one SIMD profile.
type Generator struct {
	Profile         simd.Profile
	MinInstructions int

	tmpl *template.Template
}

// NewGenerator returns a generator for p. It fails if p targets an
// architecture without a skeleton.
func NewGenerator(p simd.Profile) (*Generator, error) {
	tmpl, err := parseSkeleton(p.Arch)
	if err != nil {
		return nil, err
	}
	return &Generator{Profile: p, MinInstructions: MinInstructions, tmpl: tmpl}, nil
}

func parseSkeleton(arch string) (*template.Template, error) {
	ar := txtar.Parse(skeletonArchive)
	files := make(map[string][]byte, len(ar.Files))
	for _, f := range ar.Files {
		files[f.Name] = f.Data
	}
	body, ok := files["kernel.c"]
	if !ok {
		return nil, errors.New("kernel: skeleton archive has no kernel.c")
	}
	cycles, ok := files[arch+".c"]
	if !ok {
		return nil, fmt.Errorf("%w: no skeleton for %s", ErrUnsupported, arch)
	}
	tmpl, err := template.New("kernel.c").Parse(string(body))
	if err != nil {
		return nil, fmt.Errorf("kernel: parse skeleton: %w", err)
	}
	if _, err := tmpl.New(arch + ".c").Parse(string(cycles)); err != nil {
		return nil, fmt.Errorf("kernel: parse %s skeleton: %w", arch, err)
	}
	return tmpl, nil
}

// Generate emits the source of a single kernel.
func (g *Generator) Generate(spec Spec) (Source, error) {
	return g.GenerateAll(spec.Name, spec)
}

// GenerateAll emits one translation unit holding every spec.
func (g *Generator) GenerateAll(name string, specs ...Spec) (Source, error) {
	type entryData struct {
		Symbol   string
		Zero     string
		Clobbers string
		Chunk    int
		Latency  bool
		Body     string
	}
	type pair struct{ Main, Overhead entryData }

	src := Source{Name: name, CFlags: g.Profile.CFlags}
	var pairs []pair
	zero := g.zeroBlock()
	clobbers := quoteAll(g.Profile.Clobbers())
	for _, spec := range specs {
		body, desc, err := g.body(spec)
		if err != nil {
			return Source{}, fmt.Errorf("%s: %w", spec.Name, err)
		}
		desc.Symbol = Symbol(spec.Name)
		src.Entries = append(src.Entries, Entry{Symbol: desc.Symbol, Descriptor: desc})
		main := entryData{
			Symbol:   desc.Symbol,
			Zero:     zero,
			Clobbers: clobbers,
			Chunk:    desc.Chunk,
			Latency:  spec.Latency,
			Body:     asmLines(body),
		}
		overhead := main
		overhead.Symbol = OverheadSymbol(desc.Symbol)
		overhead.Body = asmLines(nil)
		pairs = append(pairs, pair{main, overhead})
	}

	var buf bytes.Buffer
	err := g.tmpl.ExecuteTemplate(&buf, "kernel.c", map[string]any{
		"Profile": g.Profile.Name,
		"Entries": pairs,
	})
	if err != nil {
		return Source{}, fmt.Errorf("kernel: execute skeleton: %w", err)
	}
	src.Text = buf.Bytes()
	return src, nil
}

func (g *Generator) check(spec Spec) error {
	if spec.Latency {
		if g.Profile.LatencyLoad == "" {
			return fmt.Errorf("%w: latency load", ErrUnsupported)
		}
		return nil
	}
	if spec.MemCount < 0 || spec.FlopCount < 0 {
		return fmt.Errorf("%w: negative count %d:%d", ErrInvalidRatio, spec.MemCount, spec.FlopCount)
	}
	if (spec.Mem == MemNone) != (spec.MemCount == 0) || (spec.Flop == FlopNone) != (spec.FlopCount == 0) {
		return fmt.Errorf("%w: %v x%d, %v x%d", ErrInvalidRatio, spec.Mem, spec.MemCount, spec.Flop, spec.FlopCount)
	}
	if !spec.OnePass && (spec.MemCount == 0 || spec.FlopCount == 0) {
		return fmt.Errorf("%w: mixed kernels need both counts, got %d:%d", ErrInvalidRatio, spec.MemCount, spec.FlopCount)
	}
	if spec.MemCount+spec.FlopCount == 0 {
		return fmt.Errorf("%w: empty block", ErrInvalidRatio)
	}
	if spec.Flop == FlopFma && !g.Profile.HasFma() {
		return fmt.Errorf("%w: fma on %s", ErrUnsupported, g.Profile.Name)
	}
	return nil
}

// body emits the unrolled instruction block of spec and its per-iteration
// cost. Blocks are repeated with registers assigned round-robin until the
// register index wraps back to 0 and the floor is reached.
func (g *Generator) body(spec Spec) ([]string, Descriptor, error) {
	if err := g.check(spec); err != nil {
		return nil, Descriptor{}, err
	}
	p := g.Profile
	desc := Descriptor{Name: spec.Name, Mem: spec.Mem, Flop: spec.Flop, Latency: spec.Latency}

	if spec.Latency {
		lines := make([]string, p.Registers)
		for i := range lines {
			lines[i] = p.LatencyLoad
		}
		desc.Mem = MemLoad
		desc.Loads = p.Registers
		desc.Instructions = p.Registers
		desc.Chunk = p.Registers * LatencyStride
		desc.Bytes = desc.Chunk
		return lines, desc, nil
	}

	floor := g.MinInstructions
	if spec.OnePass {
		floor = 1
	}

	var lines []string
	reg, memIdx, flopIdx := 0, 0, 0
	next := func() int {
		r := reg
		reg = (reg + 1) % p.Registers
		return r
	}
	for {
		for range spec.MemCount {
			r := next()
			off := memIdx * p.RegisterBytes
			if spec.Mem.isStore(memIdx) {
				lines = append(lines, simd.Render(p.Store, r, off))
				desc.Stores++
			} else {
				lines = append(lines, simd.Render(p.Load, r, off))
				desc.Loads++
			}
			memIdx++
		}
		for range spec.FlopCount {
			r := next()
			lines = append(lines, simd.Render(g.flopTemplate(spec.Flop, flopIdx), r, 0))
			flopIdx++
		}
		if reg == 0 && len(lines) >= floor {
			break
		}
	}

	desc.Instructions = len(lines)
	desc.Bytes = memIdx * p.RegisterBytes
	desc.Flops = flopIdx * spec.Flop.FlopsPerInstruction(p.Lanes())
	desc.Chunk = desc.Bytes
	if desc.Chunk == 0 {
		// Compute-only kernels still walk the stream to count iterations.
		desc.Chunk = p.Chunk()
	}
	return lines, desc, nil
}

func (g *Generator) flopTemplate(f FlopKind, i int) string {
	switch f {
	case FlopAdd:
		return g.Profile.Add
	case FlopMul:
		return g.Profile.Mul
	case FlopMad:
		if i%2 == 0 {
			return g.Profile.Mul
		}
		return g.Profile.Add
	case FlopFma:
		return g.Profile.Fma
	default:
		return ""
	}
}

func (g *Generator) zeroBlock() string {
	lines := make([]string, g.Profile.Registers)
	for i := range lines {
		lines[i] = simd.Render(g.Profile.Zero, i, 0)
	}
	return asmLines(lines)
}

// asmLines formats instructions as adjacent C string literals, one per line.
func asmLines(ins []string) string {
	if len(ins) == 0 {
		return "\t\t\t\t\"\"\n"
	}
	var sb strings.Builder
	for _, in := range ins {
		sb.WriteString("\t\t\t\t\"")
		sb.WriteString(in)
		sb.WriteString("\\n\\t\"\n")
	}
	return sb.String()
}

func quoteAll(ss []string) string {
	q := make([]string, len(ss))
	for i, s := range ss {
		q[i] = strconv.Quote(s)
	}
	return strings.Join(q, ", ")
}

// Symbol derives a C identifier from a kernel name.
func Symbol(name string) string {
	var sb strings.Builder
	sb.WriteString("roofline_")
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	return sb.String()
}
