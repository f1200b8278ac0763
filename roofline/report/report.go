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

// Package report writes and reads the tabular benchmark results.
//
// Every run uses the same header and column order so downstream tools can
// parse any report. Two encodings exist: aligned text, the default, and CSV.
package report

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ajroetker/go-roofline/roofline/sample"
)

// Columns is the fixed header of every report.
var Columns = []string{"Location", "n_threads", "Memory", "throughput", "GByte/s", "GFlop/s", "Flops/Byte", "type"}

// Row is one measurement point.
type Row struct {
	Location     string  // where threads ran
	Threads      int
	Memory       string  // memory level the buffers targeted
	Throughput   float64 // instructions per cycle
	Bandwidth    float64 // GB/s
	GFlops       float64 // GFlop/s
	FlopsPerByte float64
	Type         string
}

// NewRow derives a row from an aggregated sample at frequency hz.
func NewRow(location string, threads int, memory, typ string, s sample.Sample, hz float64) Row {
	return Row{
		Location:     location,
		Threads:      threads,
		Memory:       memory,
		Throughput:   s.Throughput(),
		Bandwidth:    s.Bandwidth(hz),
		GFlops:       s.GFlops(hz),
		FlopsPerByte: s.FlopsPerByte(),
		Type:         typ,
	}
}

func (r Row) fields() []string {
	return []string{
		r.Location,
		strconv.Itoa(r.Threads),
		r.Memory,
		strconv.FormatFloat(r.Throughput, 'f', 3, 64),
		strconv.FormatFloat(r.Bandwidth, 'f', 3, 64),
		strconv.FormatFloat(r.GFlops, 'f', 3, 64),
		strconv.FormatFloat(r.FlopsPerByte, 'f', 6, 64),
		r.Type,
	}
}

// Sink receives report rows.
type Sink interface {
	Write(r Row) error
	Flush() error
}

// Format selects a report encoding.
type Format int

const (
	Text Format = iota
	CSV
)

// ParseFormat parses "text" or "csv".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "text", "txt":
		return Text, nil
	case "csv":
		return CSV, nil
	}
	return Text, fmt.Errorf("report: unknown format %q", s)
}

// NewSink returns a sink writing format f to w. The header is written with
// the first row.
func NewSink(w io.Writer, f Format) Sink {
	if f == CSV {
		return &csvSink{w: csv.NewWriter(w)}
	}
	return &textSink{w: bufio.NewWriter(w)}
}

const textLayout = "%-12s %9s %-12s %12s %12s %12s %12s %s\n"

type textSink struct {
	w      *bufio.Writer
	header bool
}

func (s *textSink) Write(r Row) error {
	if !s.header {
		if err := s.line(Columns); err != nil {
			return err
		}
		s.header = true
	}
	return s.line(r.fields())
}

func (s *textSink) line(f []string) error {
	_, err := fmt.Fprintf(s.w, textLayout, f[0], f[1], f[2], f[3], f[4], f[5], f[6], f[7])
	return err
}

func (s *textSink) Flush() error { return s.w.Flush() }

type csvSink struct {
	w      *csv.Writer
	header bool
}

func (s *csvSink) Write(r Row) error {
	if !s.header {
		if err := s.w.Write(Columns); err != nil {
			return err
		}
		s.header = true
	}
	return s.w.Write(r.fields())
}

func (s *csvSink) Flush() error {
	s.w.Flush()
	return s.w.Error()
}

// Memory is a sink that keeps rows in memory.
type Memory struct {
	Rows []Row
}

// Write appends r.
func (m *Memory) Write(r Row) error {
	m.Rows = append(m.Rows, r)
	return nil
}

// Flush does nothing.
func (m *Memory) Flush() error { return nil }

// Tee writes every row to all sinks.
type Tee []Sink

// Write writes r to every sink, stopping at the first error.
func (t Tee) Write(r Row) error {
	for _, s := range t {
		if err := s.Write(r); err != nil {
			return err
		}
	}
	return nil
}

// Flush flushes every sink.
func (t Tee) Flush() error {
	var errs []error
	for _, s := range t {
		errs = append(errs, s.Flush())
	}
	return errors.Join(errs...)
}

// Read parses a report in either encoding.
func Read(r io.Reader) ([]Row, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(len(Columns[0]) + 1)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("report: %w", err)
	}
	var records [][]string
	if strings.HasPrefix(string(head), Columns[0]+",") {
		records, err = csv.NewReader(br).ReadAll()
		if err != nil {
			return nil, fmt.Errorf("report: %w", err)
		}
	} else {
		sc := bufio.NewScanner(br)
		for sc.Scan() {
			if f := strings.Fields(sc.Text()); len(f) > 0 {
				records = append(records, f)
			}
		}
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("report: %w", err)
		}
	}

	var rows []Row
	for i, rec := range records {
		if len(rec) > 0 && rec[0] == Columns[0] {
			continue
		}
		row, err := parseRow(rec)
		if err != nil {
			return nil, fmt.Errorf("report: line %d: %w", i+1, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseRow(f []string) (Row, error) {
	if len(f) != len(Columns) {
		return Row{}, fmt.Errorf("want %d columns, got %d", len(Columns), len(f))
	}
	threads, err := strconv.Atoi(f[1])
	if err != nil {
		return Row{}, err
	}
	var nums [4]float64
	for i := range nums {
		if nums[i], err = strconv.ParseFloat(f[3+i], 64); err != nil {
			return Row{}, err
		}
	}
	return Row{
		Location:     f[0],
		Threads:      threads,
		Memory:       f[2],
		Throughput:   nums[0],
		Bandwidth:    nums[1],
		GFlops:       nums[2],
		FlopsPerByte: nums[3],
		Type:         f[7],
	}, nil
}
