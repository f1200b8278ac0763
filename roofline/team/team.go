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

// Package team provides a persistent fork-join thread team whose members are
// pinned one to one on processing units.
//
// A Team is created once per benchmarked hierarchy node and reused for every
// measurement of that node:
//
//	t, err := team.New(pus, binder)
//	if err != nil {
//	    return err
//	}
//	defer t.Close()
//
//	t.Run(func(i int) {
//	    part := buf.Slice(i, t.Size(), chunk)
//	    t.Barrier().Wait()
//	    acc.Merge(bench.Run(k, part, nil, repeat).Main)
//	})
package team

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
)

// ErrClosed is returned by Run after Close.
var ErrClosed = errors.New("team: closed")

// Binder pins the calling OS thread to a processing unit.
type Binder interface {
	BindThread(pu int) error
}

// Team is a fixed set of workers, each running on its own locked OS thread.
type Team struct {
	pus       []int
	workC     []chan workItem
	barrier   *Barrier
	closeOnce sync.Once
	closed    atomic.Bool
}

type workItem struct {
	fn   func(i int)
	done *sync.WaitGroup
}

// New starts one worker per entry of pus and binds it with b. A nil binder
// leaves the workers unpinned. If any worker fails to bind, the team is torn
// down and the binding errors are returned.
func New(pus []int, b Binder) (*Team, error) {
	if len(pus) == 0 {
		return nil, errors.New("team: no processing units")
	}
	t := &Team{
		pus:     append([]int(nil), pus...),
		workC:   make([]chan workItem, len(pus)),
		barrier: NewBarrier(len(pus)),
	}

	ready := make(chan error, len(pus))
	for i, pu := range t.pus {
		t.workC[i] = make(chan workItem, 1)
		go t.worker(i, pu, b, ready)
	}

	var err error
	for range t.pus {
		err = multierr.Append(err, <-ready)
	}
	if err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

// worker never unlocks its OS thread: the thread exits with the goroutine so
// its affinity mask is not handed to other goroutines.
func (t *Team) worker(i, pu int, b Binder, ready chan<- error) {
	runtime.LockOSThread()
	if b != nil {
		if err := b.BindThread(pu); err != nil {
			ready <- err
			for range t.workC[i] {
			}
			return
		}
	}
	ready <- nil
	for item := range t.workC[i] {
		item.fn(i)
		item.done.Done()
	}
}

// Size returns the number of workers.
func (t *Team) Size() int { return len(t.pus) }

// PUs returns the processing unit of every worker, by worker index.
func (t *Team) PUs() []int { return t.pus }

// Barrier returns the barrier shared by all workers of the team.
func (t *Team) Barrier() *Barrier { return t.barrier }

// Run calls fn(i) on every worker i and blocks until all return.
func (t *Team) Run(fn func(i int)) error {
	if t.closed.Load() {
		return ErrClosed
	}
	var wg sync.WaitGroup
	wg.Add(len(t.workC))
	for _, c := range t.workC {
		c <- workItem{fn: fn, done: &wg}
	}
	wg.Wait()
	return nil
}

// Close stops the workers. Calling Close multiple times is safe.
func (t *Team) Close() {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		for _, c := range t.workC {
			close(c)
		}
	})
}

// Barrier is a reusable rendezvous point for a fixed number of goroutines.
type Barrier struct {
	mu    sync.Mutex
	cond  *sync.Cond
	n     int
	count int
	gen   uint64
}

// NewBarrier returns a barrier for n participants.
func NewBarrier(n int) *Barrier {
	b := &Barrier{n: n}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Wait blocks until all n participants have called Wait, then releases them
// together and resets for the next round.
func (b *Barrier) Wait() {
	b.mu.Lock()
	defer b.mu.Unlock()
	gen := b.gen
	b.count++
	if b.count == b.n {
		b.count = 0
		b.gen++
		b.cond.Broadcast()
		return
	}
	for gen == b.gen {
		b.cond.Wait()
	}
}
