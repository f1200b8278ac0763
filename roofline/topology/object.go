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

// Package topology models the cache and NUMA hierarchy of the machine and
// binds threads and memory onto it.
//
// The hierarchy is a tree of Objects built by cpuset inclusion: an object is
// a child of the smallest object whose cpuset contains its own. When two
// objects cover the same cpus, the kind with the higher rank is the parent,
// so a NUMA node sits above an L3 of the same span but below an L3 that
// spans several nodes. NUMA nodes without cpus (high bandwidth memory) hang
// off the root.
package topology

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

// ErrNoObject is returned when a query names an object that does not exist.
var ErrNoObject = errors.New("topology: no such object")

// Kind is the type of a topology object. Kinds are ordered from the leaves
// up; a larger kind is placed above a smaller one covering the same cpus.
type Kind int

const (
	KindPU Kind = iota
	KindCore
	KindL1
	KindL2
	KindL3
	KindNUMA
	KindMachine
)

var kindNames = map[Kind]string{
	KindPU:      "PU",
	KindCore:    "Core",
	KindL1:      "L1",
	KindL2:      "L2",
	KindL3:      "L3",
	KindNUMA:    "NUMA",
	KindMachine: "Machine",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// IsCache reports whether k is a cache level.
func (k Kind) IsCache() bool { return k >= KindL1 && k <= KindL3 }

// IsMemory reports whether objects of kind k hold data: caches, NUMA nodes
// and the machine.
func (k Kind) IsMemory() bool { return k >= KindL1 }

// ParseKind accepts the names printed by Kind.String, case-insensitively,
// plus a few hwloc spellings ("L1d", "L2Cache", "NUMANode", "Node").
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "pu":
		return KindPU, nil
	case "core":
		return KindCore, nil
	case "l1", "l1d", "l1cache", "l1dcache":
		return KindL1, nil
	case "l2", "l2cache":
		return KindL2, nil
	case "l3", "l3cache":
		return KindL3, nil
	case "numa", "numanode", "node":
		return KindNUMA, nil
	case "machine":
		return KindMachine, nil
	}
	return 0, fmt.Errorf("topology: unknown object type %q", s)
}

// Object is one node of the hierarchy.
type Object struct {
	Kind Kind
	// Index is the logical index among objects of the same kind, in tree
	// order. OSIndex is the index the kernel knows the object by (cpu number,
	// NUMA node number), -1 when not applicable.
	Index   int
	OSIndex int
	// Capacity is the size in bytes of a cache or the memory of a node.
	Capacity int64
	// CPUs is the sorted set of OS cpu numbers below the object.
	CPUs []int
	// HBM marks NUMA nodes without cpus.
	HBM bool

	Parent   *Object
	Children []*Object
	Depth    int
}

// Name returns "Kind:Index", the form Parse accepts.
func (o *Object) Name() string {
	return o.Kind.String() + ":" + strconv.Itoa(o.Index)
}

func (o *Object) String() string { return o.Name() }

// Contains reports whether every cpu of other belongs to o.
func (o *Object) Contains(other *Object) bool {
	return lo.Every(o.CPUs, other.CPUs)
}

// Topology is an immutable object tree.
type Topology struct {
	Root   *Object
	byKind map[Kind][]*Object
	pus    map[int]*Object
	// numa is false when NUMA nodes were synthesized because the kernel
	// exposes none. Memory policies are then meaningless.
	numa   bool
}

// HasNUMA reports whether the NUMA nodes are known to the kernel, so memory
// policies can be applied to them.
func (t *Topology) HasNUMA() bool { return t.numa }

// Objects returns every object of kind k by logical index.
func (t *Topology) Objects(k Kind) []*Object { return t.byKind[k] }

// Object returns the object of kind k with logical index i.
func (t *Topology) Object(k Kind, i int) (*Object, error) {
	objs := t.byKind[k]
	if i < 0 || i >= len(objs) {
		return nil, fmt.Errorf("%w: %v:%d (have %d)", ErrNoObject, k, i, len(objs))
	}
	return objs[i], nil
}

// Parse resolves a "Kind:Index" name such as "L3:0" or "NUMA:1". A bare
// kind means index 0.
func (t *Topology) Parse(name string) (*Object, error) {
	kindStr, idxStr, found := strings.Cut(strings.TrimSpace(name), ":")
	k, err := ParseKind(kindStr)
	if err != nil {
		return nil, err
	}
	idx := 0
	if found {
		if idx, err = strconv.Atoi(idxStr); err != nil {
			return nil, fmt.Errorf("topology: bad index in %q: %w", name, err)
		}
	}
	return t.Object(k, idx)
}

// ParseList resolves a comma separated list of names.
func (t *Topology) ParseList(names string) ([]*Object, error) {
	var objs []*Object
	for _, name := range strings.Split(names, ",") {
		if strings.TrimSpace(name) == "" {
			continue
		}
		o, err := t.Parse(name)
		if err != nil {
			return nil, err
		}
		objs = append(objs, o)
	}
	return objs, nil
}

// PU returns the processing unit with OS cpu number cpu.
func (t *Topology) PU(cpu int) (*Object, bool) {
	o, ok := t.pus[cpu]
	return o, ok
}

// PUs returns the OS cpu numbers below o.
func (t *Topology) PUs(o *Object) []int {
	return o.CPUs
}

// NextMemory returns the nearest ancestor of o that holds data, or nil if
// there is none below the machine.
func (t *Topology) NextMemory(o *Object) *Object {
	for p := o.Parent; p != nil; p = p.Parent {
		if p.Kind == KindMachine {
			return nil
		}
		if p.Kind.IsMemory() {
			return p
		}
	}
	return nil
}

// ChildMemory returns the nearest memory object below o along the first
// child chain, or nil if o is a lowest level cache.
func (t *Topology) ChildMemory(o *Object) *Object {
	for c := first(o.Children); c != nil; c = first(c.Children) {
		if c.Kind.IsMemory() {
			return c
		}
	}
	return nil
}

// Count returns how many objects of kind k lie below o.
func (t *Topology) Count(o *Object, k Kind) int {
	return lo.CountBy(t.byKind[k], func(x *Object) bool {
		return isAncestor(o, x)
	})
}

// Cousins returns the objects with the same kind as o, o included.
func (t *Topology) Cousins(o *Object) []*Object { return t.byKind[o.Kind] }

// Ancestor returns the closest ancestor of o of kind k, or o itself if it is
// of kind k.
func (t *Topology) Ancestor(o *Object, k Kind) *Object {
	for p := o; p != nil; p = p.Parent {
		if p.Kind == k {
			return p
		}
	}
	return nil
}

// NUMANodes returns the NUMA nodes, optionally filtered on HBM.
func (t *Topology) NUMANodes(hbm bool) []*Object {
	return lo.Filter(t.byKind[KindNUMA], func(o *Object, _ int) bool { return o.HBM == hbm })
}

// MemoryObjects returns every memory object that has cpus, cache-first: all
// objects of the lowest memory kind, then the next kind up.
func (t *Topology) MemoryObjects() []*Object {
	var out []*Object
	for k := KindL1; k < KindMachine; k++ {
		out = append(out, lo.Filter(t.byKind[k], func(o *Object, _ int) bool { return len(o.CPUs) > 0 })...)
	}
	return out
}

// Chain returns o and its memory ancestors, bottom up.
func (t *Topology) Chain(o *Object) []*Object {
	var out []*Object
	for m := o; m != nil; m = t.NextMemory(m) {
		out = append(out, m)
	}
	return out
}

// LowestMemory returns the first memory object above PU cpu.
func (t *Topology) LowestMemory(cpu int) (*Object, error) {
	pu, ok := t.pus[cpu]
	if !ok {
		return nil, fmt.Errorf("%w: PU with cpu %d", ErrNoObject, cpu)
	}
	if m := t.NextMemory(pu); m != nil {
		return m, nil
	}
	return nil, fmt.Errorf("%w: no memory above cpu %d", ErrNoObject, cpu)
}

// Walk calls fn on every object in depth-first tree order.
func (t *Topology) Walk(fn func(o *Object)) {
	var walk func(o *Object)
	walk = func(o *Object) {
		fn(o)
		for _, c := range o.Children {
			walk(c)
		}
	}
	walk(t.Root)
}

func first(objs []*Object) *Object {
	if len(objs) == 0 {
		return nil
	}
	return objs[0]
}

func isAncestor(a, o *Object) bool {
	for p := o.Parent; p != nil; p = p.Parent {
		if p == a {
			return true
		}
	}
	return false
}

func sortedCPUs(cpus []int) []int {
	out := lo.Uniq(cpus)
	slices.Sort(out)
	return out
}
