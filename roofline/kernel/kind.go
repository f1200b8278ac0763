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
	"strings"
)

// MemKind is the memory instruction pattern of a kernel.
type MemKind int

const (
	MemNone MemKind = iota
	MemLoad
	MemStore
	Mem2Ld1St // two loads then one store
	MemCopy   // load from the input stream, store to the output stream
)

func (m MemKind) String() string {
	switch m {
	case MemNone:
		return "none"
	case MemLoad:
		return "load"
	case MemStore:
		return "store"
	case Mem2Ld1St:
		return "2ld1st"
	case MemCopy:
		return "copy"
	default:
		return fmt.Sprintf("mem(%d)", int(m))
	}
}

// isStore reports whether the i-th memory instruction of a body is a store.
func (m MemKind) isStore(i int) bool {
	switch m {
	case MemStore:
		return true
	case Mem2Ld1St:
		return i%3 == 2
	case MemCopy:
		return i%2 == 1
	default:
		return false
	}
}

// FlopKind is the arithmetic instruction pattern of a kernel.
type FlopKind int

const (
	FlopNone FlopKind = iota
	FlopAdd
	FlopMul
	FlopMad // alternating multiply and add
	FlopFma
)

func (f FlopKind) String() string {
	switch f {
	case FlopNone:
		return "none"
	case FlopAdd:
		return "add"
	case FlopMul:
		return "mul"
	case FlopMad:
		return "mad"
	case FlopFma:
		return "fma"
	default:
		return fmt.Sprintf("flop(%d)", int(f))
	}
}

// FlopsPerInstruction returns the floating-point operations one arithmetic
// instruction of this kind performs on registers with the given lane count.
func (f FlopKind) FlopsPerInstruction(lanes int) int {
	switch f {
	case FlopAdd, FlopMul, FlopMad:
		return lanes
	case FlopFma:
		return 2 * lanes
	default:
		return 0
	}
}

// Type is a benchmark type as selected on the command line.
type Type int

const (
	Load Type = iota
	Store
	TwoLdOneSt
	Copy
	Add
	Mul
	Mad
	Fma
	Latency
)

var typeNames = [...]string{
	Load:       "load",
	Store:      "store",
	TwoLdOneSt: "2ld1st",
	Copy:       "copy",
	Add:        "add",
	Mul:        "mul",
	Mad:        "mad",
	Fma:        "fma",
	Latency:    "latency",
}

func (t Type) String() string {
	if t < 0 || int(t) >= len(typeNames) {
		return fmt.Sprintf("type(%d)", int(t))
	}
	return typeNames[t]
}

// AllTypes returns every benchmark type in catalog order.
func AllTypes() []Type {
	return []Type{Load, Store, TwoLdOneSt, Copy, Add, Mul, Mad, Fma, Latency}
}

// ParseType parses a type name such as "2ld1st" or "fma".
func ParseType(s string) (Type, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range typeNames {
		if name == s {
			return Type(i), nil
		}
	}
	return 0, fmt.Errorf("kernel: unknown type %q (want one of %s)", s, strings.Join(typeNames[:], ","))
}

// ParseTypes parses a comma-separated list of types.
func ParseTypes(s string) ([]Type, error) {
	var out []Type
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		t, err := ParseType(part)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Mem returns the memory pattern of a memory type, MemNone otherwise.
func (t Type) Mem() MemKind {
	switch t {
	case Load, Latency:
		return MemLoad
	case Store:
		return MemStore
	case TwoLdOneSt:
		return Mem2Ld1St
	case Copy:
		return MemCopy
	default:
		return MemNone
	}
}

// Flop returns the arithmetic pattern of a compute type, FlopNone otherwise.
func (t Type) Flop() FlopKind {
	switch t {
	case Add:
		return FlopAdd
	case Mul:
		return FlopMul
	case Mad:
		return FlopMad
	case Fma:
		return FlopFma
	default:
		return FlopNone
	}
}

// IsFlop reports whether t is a compute-only type.
func (t Type) IsFlop() bool { return t.Flop() != FlopNone }
