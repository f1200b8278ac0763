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

//go:build linux

package topology

import (
	"fmt"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// mbind(2) modes and flags.
const (
	mpolBind       = 2
	mpolInterleave = 3
	mpolMFStrict   = 1 << 0
	mpolMFMove     = 1 << 1
)

// Binder applies thread and memory placement on the running kernel.
type Binder struct {
	Topology *Topology
	Log      *zap.Logger
}

// NewBinder returns a binder for t.
func NewBinder(t *Topology, log *zap.Logger) *Binder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Binder{Topology: t, Log: log}
}

// BindThread pins the calling OS thread to cpu. The caller must have locked
// the goroutine to its thread.
func (b *Binder) BindThread(cpu int) error {
	var set unix.CPUSet
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return &BindingError{Op: "thread", Target: fmt.Sprintf("PU:%d", cpu), Err: err}
	}
	return nil
}

// Placement returns a function applying policy p for target to a fresh
// mapping. It returns a nil function when the kernel has no NUMA support and
// the policy does not require specific nodes.
func (b *Binder) Placement(target *Object, p Policy) (func(mem []byte) error, error) {
	if !b.Topology.HasNUMA() && (p == FirstTouch || p == Interleave || p == InterleaveDDR) {
		return nil, nil
	}
	nodes, err := b.Topology.Nodes(target, p)
	if err != nil {
		return nil, err
	}
	mode := mpolBind
	if p == Interleave || p == InterleaveDDR || p == InterleaveHBM {
		mode = mpolInterleave
	}
	mask, maxNode := nodeMask(nodes)
	b.Log.Debug("memory placement",
		zap.String("target", target.Name()),
		zap.Stringer("policy", p),
		zap.Int("nodes", len(nodes)))

	return func(mem []byte) error {
		if len(mem) == 0 {
			return nil
		}
		_, _, errno := unix.Syscall6(unix.SYS_MBIND,
			uintptr(unsafe.Pointer(&mem[0])), uintptr(len(mem)),
			uintptr(mode), uintptr(unsafe.Pointer(&mask[0])), uintptr(maxNode),
			mpolMFMove|mpolMFStrict)
		if errno != 0 {
			return &BindingError{Op: "memory", Target: target.Name(), Err: errno}
		}
		return nil
	}, nil
}

// nodeMask returns the bitmask of the OS indexes of nodes and the maxnode
// argument mbind expects.
func nodeMask(nodes []*Object) ([]uint64, int) {
	highest := 0
	for _, n := range nodes {
		highest = max(highest, n.OSIndex)
	}
	mask := make([]uint64, highest/64+1)
	for _, n := range nodes {
		mask[n.OSIndex/64] |= 1 << (n.OSIndex % 64)
	}
	return mask, len(mask)*64 + 1
}

func totalRAM() int64 {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0
	}
	return int64(info.Totalram) * int64(info.Unit)
}
