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
	"fmt"
	"strings"
)

// Policy selects where the pages of a buffer are placed.
type Policy int

const (
	// FirstTouch binds pages to the target node; they are allocated there
	// when first written.
	FirstTouch Policy = iota
	// Interleave spreads pages round-robin over every node.
	Interleave
	// FirstTouchHBM binds pages to the high bandwidth memory nodes.
	FirstTouchHBM
	// InterleaveDDR spreads pages over the nodes that have cpus.
	InterleaveDDR
	// InterleaveHBM spreads pages over the memory-only nodes.
	InterleaveHBM
)

var policyNames = []string{"firsttouch", "interleave", "firsttouch-hbm", "interleave-ddr", "interleave-hbm"}

func (p Policy) String() string {
	if int(p) < len(policyNames) {
		return policyNames[p]
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// ParsePolicy parses the names printed by Policy.String. Underscores and
// dashes are interchangeable.
func ParsePolicy(s string) (Policy, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
	norm = strings.Replace(norm, "first-touch", "firsttouch", 1)
	if norm == "" {
		return FirstTouch, nil
	}
	for i, name := range policyNames {
		if name == norm {
			return Policy(i), nil
		}
	}
	return FirstTouch, fmt.Errorf("topology: unknown memory policy %q (want one of %s)", s, strings.Join(policyNames, ", "))
}

// Nodes returns the NUMA nodes a buffer targeted at target is placed on
// under p. target may be any object; its enclosing NUMA node is used.
func (t *Topology) Nodes(target *Object, p Policy) ([]*Object, error) {
	var nodes []*Object
	switch p {
	case FirstTouch:
		if n := t.Ancestor(target, KindNUMA); n != nil {
			nodes = []*Object{n}
		} else {
			// Targets above NUMA nodes (the machine) cover all of them.
			nodes = t.NUMANodes(false)
		}
	case Interleave:
		nodes = t.Objects(KindNUMA)
	case FirstTouchHBM, InterleaveHBM:
		nodes = t.NUMANodes(true)
	case InterleaveDDR:
		nodes = t.NUMANodes(false)
	default:
		return nil, fmt.Errorf("topology: unknown policy %v", p)
	}
	if len(nodes) == 0 {
		return nil, &BindingError{Op: "memory", Target: target.Name(), Err: fmt.Errorf("no NUMA node for policy %v", p)}
	}
	return nodes, nil
}

// BindingError reports a failure to bind a thread or memory. Benchmarks
// run under a wrong binding are meaningless, so it is fatal.
type BindingError struct {
	Op     string // "thread" or "memory"
	Target string
	Err    error
}

func (e *BindingError) Error() string {
	return fmt.Sprintf("bind %s to %s: %v", e.Op, e.Target, e.Err)
}

func (e *BindingError) Unwrap() error { return e.Err }
