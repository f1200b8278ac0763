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

package topology

import (
	"cmp"
	"errors"
	"slices"
)

// Builder assembles a Topology from flat objects. The tree shape is derived
// from cpuset inclusion.
type Builder struct {
	objs []*Object
	numa bool
}

// NewBuilder returns an empty builder. NUMA nodes added to it are treated as
// real kernel nodes.
func NewBuilder() *Builder {
	return &Builder{numa: true}
}

// VirtualNUMA marks the NUMA nodes of the topology as synthesized.
func (b *Builder) VirtualNUMA() *Builder {
	b.numa = false
	return b
}

// Add appends an object. osIndex is the kernel's number for cpus and NUMA
// nodes, -1 otherwise. A NUMA node without cpus is a memory-only node.
func (b *Builder) Add(k Kind, osIndex int, capacity int64, cpus ...int) *Builder {
	b.objs = append(b.objs, &Object{
		Kind:     k,
		OSIndex:  osIndex,
		Capacity: capacity,
		CPUs:     sortedCPUs(cpus),
		HBM:      k == KindNUMA && len(cpus) == 0,
	})
	return b
}

// Build links the objects into a tree under a Machine root. Processing
// units are created for every cpu that has none.
func (b *Builder) Build() (*Topology, error) {
	var all []int
	hasPU := map[int]bool{}
	var objs []*Object
	seen := map[string]bool{}
	for _, o := range b.objs {
		key := o.Kind.String() + fmtCPUs(o.CPUs)
		if len(o.CPUs) > 0 && seen[key] {
			continue
		}
		seen[key] = true
		if o.Kind == KindPU {
			if len(o.CPUs) != 1 {
				return nil, errors.New("topology: a PU must have exactly one cpu")
			}
			hasPU[o.CPUs[0]] = true
		}
		if o.Kind == KindMachine {
			continue
		}
		all = append(all, o.CPUs...)
		cp := *o
		objs = append(objs, &cp)
	}
	all = sortedCPUs(all)
	if len(all) == 0 {
		return nil, errors.New("topology: no cpus")
	}
	for _, cpu := range all {
		if !hasPU[cpu] {
			objs = append(objs, &Object{Kind: KindPU, OSIndex: cpu, CPUs: []int{cpu}})
		}
	}

	root := &Object{Kind: KindMachine, OSIndex: -1, CPUs: all}
	for _, o := range objs {
		if o.Kind == KindNUMA {
			root.Capacity += o.Capacity
		}
	}

	// Larger spans first; on equal spans the higher kind first so it ends
	// up as the parent.
	slices.SortStableFunc(objs, func(a, b *Object) int {
		if c := cmp.Compare(len(b.CPUs), len(a.CPUs)); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Kind, a.Kind); c != 0 {
			return c
		}
		return cmp.Compare(firstCPU(a), firstCPU(b))
	})
	for _, o := range objs {
		parent := root
		if len(o.CPUs) > 0 {
		descend:
			for {
				for _, c := range parent.Children {
					if len(c.CPUs) > 0 && c.Contains(o) {
						parent = c
						continue descend
					}
				}
				break
			}
		}
		o.Parent = parent
		parent.Children = append(parent.Children, o)
	}

	t := &Topology{Root: root, byKind: map[Kind][]*Object{}, pus: map[int]*Object{}, numa: b.numa}
	t.Walk(func(o *Object) {
		slices.SortStableFunc(o.Children, func(a, b *Object) int {
			if a.HBM != b.HBM {
				if a.HBM {
					return 1
				}
				return -1
			}
			return cmp.Compare(firstCPU(a), firstCPU(b))
		})
	})
	t.Walk(func(o *Object) {
		if o.Parent != nil {
			o.Depth = o.Parent.Depth + 1
		}
		o.Index = len(t.byKind[o.Kind])
		t.byKind[o.Kind] = append(t.byKind[o.Kind], o)
		if o.Kind == KindPU {
			t.pus[o.CPUs[0]] = o
		}
	})
	return t, nil
}

// Level describes one level of a synthetic topology: every object of the
// previous level gets Fanout children of kind Kind.
type Level struct {
	Kind     Kind
	Capacity int64
	Fanout   int
}

// Synthetic builds a symmetric topology level by level, numbering cpus
// contiguously. The processing unit level may be omitted.
func Synthetic(levels ...Level) (*Topology, error) {
	total := 1
	for _, l := range levels {
		total *= max(l.Fanout, 1)
	}
	b := NewBuilder()
	span, count := total, 1
	for _, l := range levels {
		fan := max(l.Fanout, 1)
		count *= fan
		span /= fan
		for j := range count {
			cpus := make([]int, span)
			for c := range cpus {
				cpus[c] = j*span + c
			}
			osIndex := -1
			if l.Kind == KindNUMA || l.Kind == KindPU {
				osIndex = j
			}
			b.Add(l.Kind, osIndex, l.Capacity, cpus...)
		}
	}
	return b.Build()
}

func firstCPU(o *Object) int {
	if len(o.CPUs) == 0 {
		return -1
	}
	return o.CPUs[0]
}
