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

// Package config holds the run configuration, read from a TOML file and
// overridden by command line flags.
package config

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/multierr"

	"github.com/ajroetker/go-roofline/roofline/bench"
	"github.com/ajroetker/go-roofline/roofline/kernel"
	"github.com/ajroetker/go-roofline/roofline/report"
	"github.com/ajroetker/go-roofline/roofline/simd"
	"github.com/ajroetker/go-roofline/roofline/topology"
)

// Config is a full run configuration.
type Config struct {
	// FrequencyGHz converts cycles to seconds. 0 detects it.
	FrequencyGHz float64 `toml:"frequency_ghz"`

	MinDurationMS float64 `toml:"min_duration_ms"`
	MinRepeat     int     `toml:"min_repeat"`
	Samples       int     `toml:"samples"`
	Selector      string  `toml:"selector"`
	Steps         int     `toml:"steps"`

	Types           []string  `toml:"types"`
	Memory          []string  `toml:"memory"` // "Kind:Index" memory objects, empty for the chain above cpu 0
	Intensities     []float64 `toml:"oi"`
	ValidateKernels bool      `toml:"validate"`

	Output string `toml:"output"`
	Format string `toml:"format"`

	Policy   string `toml:"policy"`
	Location string `toml:"location"` // "Kind:Index" the threads run on, empty for the memory object itself
	Matrix   bool   `toml:"matrix"`
	Counters bool   `toml:"counters"`

	SIMD     string   `toml:"simd"`
	Compiler string   `toml:"compiler"`
	CFlags   []string `toml:"cflags"`
	WorkDir  string   `toml:"work_dir"`
	Seed     uint64   `toml:"seed"`

	LogLevel string `toml:"log_level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		MinDurationMS: 50,
		MinRepeat:     1,
		Samples:       bench.DefaultSamples,
		Selector:      bench.Median.String(),
		Steps:         8,
		Types:         []string{"load", "store", "2ld1st", "copy", "add", "mul", "mad", "fma"},
		Format:        "text",
		Policy:        topology.FirstTouch.String(),
		Compiler:      "cc",
		Seed:          1,
		LogLevel:      "info",
	}
}

// Load reads path over the defaults. Unknown keys are an error.
func Load(path string) (Config, error) {
	c := Default()
	md, err := toml.DecodeFile(path, &c)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("config: %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return c, nil
}

// Validate checks every field and reports all problems at once.
func (c Config) Validate() error {
	var err error
	if c.FrequencyGHz < 0 || math.IsNaN(c.FrequencyGHz) {
		err = multierr.Append(err, fmt.Errorf("frequency_ghz must be >= 0, got %v", c.FrequencyGHz))
	}
	if c.MinDurationMS <= 0 {
		err = multierr.Append(err, fmt.Errorf("min_duration_ms must be > 0, got %v", c.MinDurationMS))
	}
	if c.MinRepeat < 1 {
		err = multierr.Append(err, fmt.Errorf("min_repeat must be >= 1, got %d", c.MinRepeat))
	}
	if c.Samples < 1 {
		err = multierr.Append(err, fmt.Errorf("samples must be >= 1, got %d", c.Samples))
	}
	if c.Steps < 1 {
		err = multierr.Append(err, fmt.Errorf("steps must be >= 1, got %d", c.Steps))
	}
	if _, perr := c.ParsedSelector(); perr != nil {
		err = multierr.Append(err, perr)
	}
	if _, perr := c.ParsedTypes(); perr != nil {
		err = multierr.Append(err, perr)
	}
	for _, oi := range c.Intensities {
		if !(oi > 0) || math.IsInf(oi, 0) {
			err = multierr.Append(err, fmt.Errorf("operational intensity must be > 0, got %v", oi))
		}
	}
	if _, perr := c.ParsedPolicy(); perr != nil {
		err = multierr.Append(err, perr)
	}
	if _, perr := report.ParseFormat(c.Format); perr != nil {
		err = multierr.Append(err, perr)
	}
	if c.SIMD != "" {
		if _, perr := simd.Lookup(c.SIMD); perr != nil {
			err = multierr.Append(err, perr)
		}
	}
	if c.Matrix && c.Location != "" {
		err = multierr.Append(err, fmt.Errorf("location and matrix are exclusive"))
	}
	if c.Compiler == "" {
		err = multierr.Append(err, fmt.Errorf("compiler must be set"))
	}
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// MinDuration returns MinDurationMS as a duration.
func (c Config) MinDuration() time.Duration {
	return time.Duration(c.MinDurationMS * float64(time.Millisecond))
}

// Hz returns the configured frequency in Hz, 0 when it must be detected.
func (c Config) Hz() float64 { return c.FrequencyGHz * 1e9 }

// ParsedTypes returns the benchmark types.
func (c Config) ParsedTypes() ([]kernel.Type, error) {
	return kernel.ParseTypes(strings.Join(c.Types, ","))
}

// ParsedSelector returns the sample selector.
func (c Config) ParsedSelector() (bench.Selector, error) {
	return bench.ParseSelector(c.Selector)
}

// ParsedPolicy returns the memory placement policy.
func (c Config) ParsedPolicy() (topology.Policy, error) {
	return topology.ParsePolicy(c.Policy)
}
