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

// Package stream provides the page-aligned memory regions kernels walk over.
package stream

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrTooSmall is returned when a requested size holds less than one chunk.
var ErrTooSmall = errors.New("stream: size smaller than one chunk")

// Placement is applied to every fresh allocation before it is first touched.
// It is how a buffer gets bound to a memory node.
type Placement func(mem []byte) error

// Buffer is an mmap-backed region. The buffer owns its mapping; Close
// releases it. The usable size is always a multiple of the chunk passed to
// New or Resize.
type Buffer struct {
	mem       []byte
	usable    int
	placement Placement
}

// New maps a buffer able to hold size bytes and sets its usable size to size
// rounded down to chunk. The placement, if any, is applied to the mapping.
func New(size, chunk int, placement Placement) (*Buffer, error) {
	b := &Buffer{placement: placement}
	if err := b.Resize(size, chunk); err != nil {
		return nil, err
	}
	return b, nil
}

// Resize makes the usable size equal to size rounded down to chunk. When the
// current mapping is too small it is dropped and a fresh one is mapped and
// placed; contents are not preserved.
func (b *Buffer) Resize(size, chunk int) error {
	if chunk <= 0 {
		return fmt.Errorf("stream: invalid chunk %d", chunk)
	}
	usable := size - size%chunk
	if usable < chunk {
		return fmt.Errorf("%w: size %d, chunk %d", ErrTooSmall, size, chunk)
	}
	if usable > len(b.mem) {
		if err := b.unmap(); err != nil {
			return err
		}
		if err := b.mmap(usable); err != nil {
			return err
		}
	}
	b.usable = usable
	return nil
}

func (b *Buffer) mmap(size int) error {
	page := os.Getpagesize()
	alloc := (size + page - 1) / page * page
	mem, err := unix.Mmap(-1, 0, alloc, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return fmt.Errorf("stream: mmap %d bytes: %w", alloc, err)
	}
	if b.placement != nil {
		if err := b.placement(mem); err != nil {
			_ = unix.Munmap(mem)
			return err
		}
	}
	b.mem = mem
	return nil
}

func (b *Buffer) unmap() error {
	if b.mem == nil {
		return nil
	}
	err := unix.Munmap(b.mem)
	b.mem = nil
	b.usable = 0
	if err != nil {
		return fmt.Errorf("stream: munmap: %w", err)
	}
	return nil
}

// Close releases the mapping. It is safe to call more than once.
func (b *Buffer) Close() error {
	return b.unmap()
}

// Allocated returns the mapped size in bytes.
func (b *Buffer) Allocated() int { return len(b.mem) }

// Usable returns the number of bytes kernels walk over.
func (b *Buffer) Usable() int { return b.usable }

// Bytes returns the usable region.
func (b *Buffer) Bytes() []byte { return b.mem[:b.usable] }

// Slice returns the part of the usable region owned by thread i out of n.
// Every part is a multiple of chunk bytes and parts never overlap; the
// remainder that cannot be split evenly is left unused.
func (b *Buffer) Slice(i, n, chunk int) []byte {
	if n <= 0 || i < 0 || i >= n {
		return nil
	}
	per := b.usable / n
	per -= per % chunk
	return b.mem[i*per : (i+1)*per]
}

// Touch writes every page of part so the pages get backed by the node of
// the calling thread under a first-touch policy.
func Touch(part []byte) {
	page := os.Getpagesize()
	for off := 0; off < len(part); off += page {
		part[off] = 0
	}
}

// InitPointerChase links the stride-sized elements of part into one random
// cycle. Each element's first word holds the address of the next element,
// so following pointers from &part[0] visits every element once per lap.
func InitPointerChase(part []byte, stride int, seed uint64) {
	n := len(part) / stride
	if n == 0 {
		return
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	order := rng.Perm(n)
	// Start the cycle at element 0 so kernels may enter at the slice base.
	for i, v := range order {
		if v == 0 {
			order[0], order[i] = order[i], order[0]
			break
		}
	}
	for i := range n {
		from := order[i] * stride
		to := order[(i+1)%n] * stride
		*(*uintptr)(unsafe.Pointer(&part[from])) = uintptr(unsafe.Pointer(&part[to]))
	}
}
