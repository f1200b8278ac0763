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
	"fmt"
	"math"

	"github.com/ajroetker/go-roofline/roofline/simd"
)

// ErrInvalidRatio is returned for instruction mixes where either count is zero.
var ErrInvalidRatio = errors.New("kernel: invalid instruction ratio")

// maxRatioTerm bounds both counts of a reduced ratio so that generated
// blocks stay small enough for immediate load/store offsets.
const maxRatioTerm = 64

// GCD returns the greatest common divisor of a and b.
func GCD(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	if a < 0 {
		return -a
	}
	return a
}

// Reduce divides both counts by their greatest common divisor.
func Reduce(mem, flop int) (int, int) {
	g := GCD(mem, flop)
	if g == 0 {
		return mem, flop
	}
	return mem / g, flop / g
}

// Ratio converts an operational intensity (flops per byte) into the lowest
// integer ratio of memory to arithmetic instructions that realizes it with
// the given profile and arithmetic kind.
//
// One memory instruction moves RegisterBytes bytes and one arithmetic
// instruction performs FlopsPerInstruction flops, so
//
//	oi = flop * FlopsPerInstruction / (mem * RegisterBytes)
func Ratio(oi float64, p simd.Profile, flop FlopKind) (mem, flops int, err error) {
	fpi := flop.FlopsPerInstruction(p.Lanes())
	if fpi == 0 || p.RegisterBytes == 0 {
		return 0, 0, fmt.Errorf("%w: no arithmetic for %v", ErrInvalidRatio, flop)
	}
	if math.IsNaN(oi) || math.IsInf(oi, 0) || oi <= 0 {
		return 0, 0, fmt.Errorf("%w: intensity %v", ErrInvalidRatio, oi)
	}
	x := oi * float64(p.RegisterBytes) / float64(fpi)
	num, den := approximate(x, maxRatioTerm)
	if num == 0 || den == 0 {
		return 0, 0, fmt.Errorf("%w: intensity %v needs a mix beyond 1:%d", ErrInvalidRatio, oi, maxRatioTerm)
	}
	mem, flops = Reduce(den, num)
	return mem, flops, nil
}

// approximate returns the last continued-fraction convergent num/den of x
// whose terms both stay within limit.
func approximate(x float64, limit int) (num, den int) {
	h0, h1 := 0, 1
	k0, k1 := 1, 0
	v := x
	for range 64 {
		a := math.Floor(v)
		if a > float64(limit) {
			break
		}
		ai := int(a)
		h2 := ai*h1 + h0
		k2 := ai*k1 + k0
		if h2 > limit || k2 > limit {
			break
		}
		h0, h1 = h1, h2
		k0, k1 = k1, k2
		frac := v - a
		if frac < 1e-9 {
			break
		}
		v = 1 / frac
	}
	return h1, k1
}
