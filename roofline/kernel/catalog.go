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
	"fmt"
	"strconv"

	"github.com/ajroetker/go-roofline/roofline/simd"
)

// CatalogName is the name of the translation unit holding the built-in kernels.
const CatalogName = "catalog"

// Builtin returns the fixed catalog spec of a benchmark type: one pass over
// every register with a single instruction kind.
func Builtin(t Type) Spec {
	spec := Spec{Name: t.String(), OnePass: true}
	switch {
	case t == Latency:
		spec.Latency = true
	case t.IsFlop():
		spec.Flop = t.Flop()
		spec.FlopCount = 1
	default:
		spec.Mem = t.Mem()
		spec.MemCount = 1
	}
	return spec
}

// CatalogSpecs returns the built-in specs the profile can run, in catalog
// order. Types the profile cannot express (fma without FMA) are left out.
func CatalogSpecs(p simd.Profile) []Spec {
	var specs []Spec
	for _, t := range AllTypes() {
		if t == Fma && !p.HasFma() {
			continue
		}
		specs = append(specs, Builtin(t))
	}
	return specs
}

// Catalog generates the single translation unit of all built-in kernels.
func (g *Generator) Catalog() (Source, error) {
	return g.GenerateAll(CatalogName, CatalogSpecs(g.Profile)...)
}

// Mixed returns the spec of a kernel interleaving the memory pattern of mem
// with the arithmetic of flop at operational intensity oi.
func Mixed(mem, flop Type, oi float64, p simd.Profile) (Spec, error) {
	if mem.Mem() == MemNone || mem == Latency {
		return Spec{}, fmt.Errorf("%w: %v is not a streaming memory type", ErrInvalidRatio, mem)
	}
	if !flop.IsFlop() {
		return Spec{}, fmt.Errorf("%w: %v is not an arithmetic type", ErrInvalidRatio, flop)
	}
	m, f, err := Ratio(oi, p, flop.Flop())
	if err != nil {
		return Spec{}, err
	}
	return Spec{
		Name:      MixedName(mem, flop, oi),
		Mem:       mem.Mem(),
		Flop:      flop.Flop(),
		MemCount:  m,
		FlopCount: f,
	}, nil
}

// MixedName is the report label of a mixed kernel.
func MixedName(mem, flop Type, oi float64) string {
	return mem.String() + "_" + flop.String() + "_oi" + strconv.FormatFloat(oi, 'g', 4, 64)
}
