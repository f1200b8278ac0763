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

package bench

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"
)

// DefaultSamples is the number of runs RepeatBench selects from.
const DefaultSamples = 8

// maxRepeat bounds the calibration so a kernel that reports no elapsed time
// cannot overflow the repeat count.
const maxRepeat = 1 << 30

// Measure performs one measurement with the given repeat count.
type Measure func(repeat int) (Result, error)

// now is replaced in tests.
var now = time.Now

// Selector picks one sample out of a throughput-sorted set.
type Selector int

const (
	Median Selector = iota
	Min
	Max
)

func (s Selector) String() string {
	switch s {
	case Median:
		return "median"
	case Min:
		return "min"
	case Max:
		return "max"
	}
	return fmt.Sprintf("Selector(%d)", int(s))
}

// ParseSelector parses "median", "min" or "max".
func ParseSelector(s string) (Selector, error) {
	switch strings.ToLower(s) {
	case "", "median":
		return Median, nil
	case "min":
		return Min, nil
	case "max":
		return Max, nil
	}
	return Median, fmt.Errorf("bench: unknown selector %q", s)
}

func (s Selector) index(n int) int {
	switch s {
	case Min:
		return 0
	case Max:
		return n - 1
	default:
		return n / 2
	}
}

// AutosetRepeat finds a repeat count whose measurement lasts at least
// minDuration of wall time. Starting from one repetition, the count grows by
// max(2, minDuration/observed) until the threshold is met. The result is never
// below minRepeat.
func AutosetRepeat(m Measure, minDuration time.Duration, minRepeat int) (int, error) {
	repeat := 1
	for repeat < maxRepeat {
		start := now()
		if _, err := m(repeat); err != nil {
			return 0, err
		}
		elapsed := now().Sub(start)
		if elapsed >= minDuration {
			break
		}
		factor := 2.0
		if elapsed > 0 {
			factor = max(factor, float64(minDuration)/float64(elapsed))
		}
		repeat = int(min(math.Ceil(float64(repeat)*factor), maxRepeat))
	}
	return max(repeat, minRepeat), nil
}

// Stats is the outcome of RepeatBench.
type Stats struct {
	Result
	// StdDev is the standard deviation of throughput around the selected
	// sample's throughput.
	StdDev float64
	// Samples holds every run sorted by ascending throughput.
	Samples []Result
}

// RepeatBench runs m n times and returns the run chosen by sel. Runs are
// sorted by throughput with ties kept in measurement order, so the median of n
// distinct runs is always the one ranked n/2.
func RepeatBench(m Measure, repeat, n int, sel Selector) (Stats, error) {
	if n <= 0 {
		return Stats{}, errors.New("bench: need at least one sample")
	}
	runs := make([]Result, 0, n)
	for range n {
		r, err := m(repeat)
		if err != nil {
			return Stats{}, err
		}
		runs = append(runs, r)
	}
	return Select(runs, sel), nil
}

// Select sorts runs by throughput and returns the selected one with the
// spread of the whole set. runs is sorted in place.
func Select(runs []Result, sel Selector) Stats {
	if len(runs) == 0 {
		return Stats{}
	}
	slices.SortStableFunc(runs, func(a, b Result) int {
		ta, tb := a.Main.Throughput(), b.Main.Throughput()
		switch {
		case ta < tb:
			return -1
		case ta > tb:
			return 1
		}
		return 0
	})
	chosen := runs[sel.index(len(runs))]
	ref := chosen.Main.Throughput()
	var sum float64
	for _, r := range runs {
		d := r.Main.Throughput() - ref
		sum += d * d
	}
	return Stats{
		Result:  chosen,
		StdDev:  math.Sqrt(sum / float64(len(runs))),
		Samples: runs,
	}
}
