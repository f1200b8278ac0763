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

package counters

import (
	"encoding/binary"
	"fmt"
	"strings"
	"unsafe"

	"github.com/klauspost/cpuid/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Raw event codes, umask<<8 | event, of Intel core PMUs.
const (
	rawAllLoads           = 0x81d0 // MEM_INST_RETIRED.ALL_LOADS
	rawPackedDouble128    = 0x04c7 // FP_ARITH_INST_RETIRED.128B_PACKED_DOUBLE
	rawPackedDouble256    = 0x10c7 // FP_ARITH_INST_RETIRED.256B_PACKED_DOUBLE
	rawPackedDouble512    = 0x40c7 // FP_ARITH_INST_RETIRED.512B_PACKED_DOUBLE
	eventInstructions     = "instructions"
	eventLoads            = "loads"
	eventPackedDoublePref = "packed_double_"
)

// Events returns the event set for the running CPU. Only instructions are
// required; raw load and flop events are known for Intel cores only.
func Events() []Event {
	events := []Event{{
		Name:     eventInstructions,
		Type:     unix.PERF_TYPE_HARDWARE,
		Config:   unix.PERF_COUNT_HW_INSTRUCTIONS,
		Required: true,
	}}
	if cpuid.CPU.VendorID != cpuid.Intel {
		return events
	}
	return append(events,
		Event{Name: eventLoads, Type: unix.PERF_TYPE_RAW, Config: rawAllLoads},
		Event{Name: eventPackedDoublePref + "128", Type: unix.PERF_TYPE_RAW, Config: rawPackedDouble128},
		Event{Name: eventPackedDoublePref + "256", Type: unix.PERF_TYPE_RAW, Config: rawPackedDouble256},
		Event{Name: eventPackedDoublePref + "512", Type: unix.PERF_TYPE_RAW, Config: rawPackedDouble512},
	)
}

// syscalls is replaced in tests.
type syscalls struct {
	open  func(attr *unix.PerfEventAttr) (int, error)
	ioctl func(fd int, req uint) error
	read  func(fd int) (uint64, error)
	close func(fd int) error
}

var sys = syscalls{
	open: func(attr *unix.PerfEventAttr) (int, error) {
		return unix.PerfEventOpen(attr, 0, -1, -1, unix.PERF_FLAG_FD_CLOEXEC)
	},
	ioctl: func(fd int, req uint) error {
		return unix.IoctlSetInt(fd, req, 0)
	},
	read: func(fd int) (uint64, error) {
		var buf [8]byte
		n, err := unix.Read(fd, buf[:])
		if err != nil {
			return 0, err
		}
		if n != len(buf) {
			return 0, fmt.Errorf("short counter read: %d bytes", n)
		}
		return binary.NativeEndian.Uint64(buf[:]), nil
	},
	close: unix.Close,
}

// Session is a set of open counters of the calling OS thread. The caller
// must keep its goroutine locked to the thread between Open and Close.
type Session struct {
	events  []Event
	fds     []int
	reduced bool
}

// Open opens events on the calling thread. Optional events that fail are
// dropped and the session is marked reduced; if a required event fails,
// Open returns ErrUnavailable.
func Open(events []Event, log *zap.Logger) (*Session, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Session{}
	for _, ev := range events {
		attr := &unix.PerfEventAttr{
			Type:   ev.Type,
			Config: ev.Config,
			Size:   uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
			Bits:   unix.PerfBitDisabled | unix.PerfBitExcludeKernel | unix.PerfBitExcludeHv,
		}
		fd, err := sys.open(attr)
		if err != nil {
			if ev.Required {
				return nil, multierr.Append(fmt.Errorf("%w: %s: %v", ErrUnavailable, ev.Name, err), s.Close())
			}
			log.Debug("counter unavailable, using reduced event set", zap.String("event", ev.Name), zap.Error(err))
			s.reduced = true
			continue
		}
		s.events = append(s.events, ev)
		s.fds = append(s.fds, fd)
	}
	if len(s.fds) == 0 {
		return nil, ErrUnavailable
	}
	// Without the load event bytes cannot be derived; flops alone are of no
	// use either.
	if !s.has(eventLoads) {
		s.reduced = true
	}
	return s, nil
}

func (s *Session) has(name string) bool {
	for _, ev := range s.events {
		if ev.Name == name {
			return true
		}
	}
	return false
}

// Reduced reports whether only part of the event set is counting.
func (s *Session) Reduced() bool { return s.reduced }

// Start resets and enables every counter.
func (s *Session) Start() error {
	for _, fd := range s.fds {
		if err := sys.ioctl(fd, unix.PERF_EVENT_IOC_RESET); err != nil {
			return fmt.Errorf("counters: reset: %w", err)
		}
		if err := sys.ioctl(fd, unix.PERF_EVENT_IOC_ENABLE); err != nil {
			return fmt.Errorf("counters: enable: %w", err)
		}
	}
	return nil
}

// Stop disables the counters and returns their values.
func (s *Session) Stop() (Counts, error) {
	for _, fd := range s.fds {
		if err := sys.ioctl(fd, unix.PERF_EVENT_IOC_DISABLE); err != nil {
			return Counts{}, fmt.Errorf("counters: disable: %w", err)
		}
	}
	c := Counts{Reduced: s.reduced}
	for i, fd := range s.fds {
		v, err := sys.read(fd)
		if err != nil {
			return Counts{}, fmt.Errorf("counters: read %s: %w", s.events[i].Name, err)
		}
		switch name := s.events[i].Name; {
		case name == eventInstructions:
			c.Instructions = v
		case name == eventLoads:
			c.Loads = v
		case strings.HasPrefix(name, eventPackedDoublePref):
			c.FlopInstructions += v
		}
	}
	if c.Reduced {
		c.Loads, c.FlopInstructions = 0, 0
	}
	return c, nil
}

// Close closes every counter. It is safe to call more than once.
func (s *Session) Close() error {
	var err error
	for _, fd := range s.fds {
		err = multierr.Append(err, sys.close(fd))
	}
	s.fds = nil
	return err
}
