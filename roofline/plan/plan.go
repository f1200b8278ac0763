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

// Package plan sizes benchmark buffers so each one exercises exactly one
// level of the memory hierarchy.
package plan

import (
	"errors"
	"fmt"
	"math"

	"github.com/samber/lo"

	"github.com/ajroetker/go-roofline/roofline/kernel"
	"github.com/ajroetker/go-roofline/roofline/topology"
)

// ErrNoBounds is returned when a node's place in the hierarchy does not
// yield a usable size range. Callers skip the node.
var ErrNoBounds = errors.New("plan: no bounds")

// HalveAbove is the per-thread size above which the upper bound is pulled
// towards the lower bound to keep sweeps short.
const HalveAbove = 1 << 30

// lowestChunks is the lower bound, in chunks, of the lowest cache level.
const lowestChunks = 4

// Bounds is a per-thread byte range. Both ends are multiples of the kernel
// chunk and Lower < Upper.
type Bounds struct {
	Lower   int64
	Upper   int64
	Threads int
	// Child is the memory level the lower bound is derived from, nil for
	// the lowest cache.
	Child *topology.Object
}

func (b Bounds) String() string {
	return fmt.Sprintf("[%d, %d] x %d threads", b.Lower, b.Upper, b.Threads)
}

// Planner computes bounds on a topology.
type Planner struct {
	Topology *topology.Topology
}

// New returns a planner for t.
func New(t *topology.Topology) *Planner {
	return &Planner{Topology: t}
}

// Bounds returns the per-thread buffer range that exercises node o with
// threads threads running kernel d.
//
// The upper bound is the node capacity split across threads. The lower
// bound is the share of the child level, all its instances inside o
// together, rounded up to the chunk plus one chunk so buffers never fit in
// the child. Upper bounds past HalveAbove are halved until at most twice
// the lower bound. Kernels with an output stream split both bounds between
// their two streams.
func (p *Planner) Bounds(o *topology.Object, d kernel.Descriptor, threads int) (Bounds, error) {
	switch {
	case o == nil:
		return Bounds{}, fmt.Errorf("%w: nil node", ErrNoBounds)
	case !o.Kind.IsMemory() || o.Kind == topology.KindMachine:
		return Bounds{}, fmt.Errorf("%w: %v is not a memory level", ErrNoBounds, o)
	case o.Parent == nil:
		return Bounds{}, fmt.Errorf("%w: %v has no parent", ErrNoBounds, o)
	case o.Capacity <= 0:
		return Bounds{}, fmt.Errorf("%w: %v has no capacity", ErrNoBounds, o)
	case threads <= 0 || d.Chunk <= 0:
		return Bounds{}, fmt.Errorf("%w: %d threads, chunk %d", ErrNoBounds, threads, d.Chunk)
	}

	chunk := int64(d.Chunk)
	share := int64(threads)
	if d.NeedsOutput() {
		share *= 2
	}

	b := Bounds{Threads: threads}
	b.Upper = alignDown(o.Capacity/share, chunk)

	child := p.Topology.ChildMemory(o)
	if child != nil && child.Capacity > 0 {
		b.Child = child
		n := int64(p.Topology.Count(o, child.Kind))
		b.Lower = alignUp(child.Capacity*n/share, chunk) + chunk
	} else {
		b.Lower = lowestChunks * chunk
	}

	if b.Upper > HalveAbove && b.Upper > 2*b.Lower {
		for b.Upper > 2*b.Lower {
			b.Upper /= 2
		}
		b.Upper = alignDown(b.Upper, chunk)
	}
	if b.Upper <= b.Lower {
		return Bounds{}, fmt.Errorf("%w: %v: lower %d >= upper %d", ErrNoBounds, o, b.Lower, b.Upper)
	}
	return b, nil
}

// Threads returns how many of the threads running on loc share one
// instance of node. A node inside loc is replicated, for example private
// caches below a shared one, and each instance only serves the threads
// under it.
func (p *Planner) Threads(loc, node *topology.Object) int {
	n := len(p.Topology.PUs(loc))
	if loc == node || !loc.Contains(node) {
		return n
	}
	if c := p.Topology.Count(loc, node.Kind); c > 1 {
		n /= c
	}
	return max(n, 1)
}

// Sizes returns steps log-spaced sizes from b.Lower to b.Upper inclusive,
// each a multiple of chunk. Sizes that collapse onto the same chunk are
// returned once.
func Sizes(b Bounds, steps, chunk int) []int64 {
	if steps <= 1 {
		return []int64{b.Lower}
	}
	c := int64(chunk)
	ratio := float64(b.Upper) / float64(b.Lower)
	sizes := make([]int64, steps)
	for i := range sizes {
		s := float64(b.Lower) * math.Pow(ratio, float64(i)/float64(steps-1))
		sizes[i] = max(alignDown(int64(math.Round(s)), c), b.Lower)
	}
	sizes[steps-1] = b.Upper
	return lo.Uniq(sizes)
}

func alignDown(n, chunk int64) int64 {
	return n - n%chunk
}

func alignUp(n, chunk int64) int64 {
	return alignDown(n+chunk-1, chunk)
}
