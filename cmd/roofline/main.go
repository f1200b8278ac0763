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

// Command roofline measures the bandwidth of every memory level and the
// arithmetic peak of a machine, and plots the resulting roofline model.
//
// Usage:
//
//	roofline run -c roofline.toml -o report.csv --format csv
//	roofline run --types load,store,fma --oi 0.25,1,4 --validate
//	roofline run --matrix --policy firsttouch
//	roofline gen --simd avx2 --oi 1 --mem load --flop fma
//	roofline topology
//	roofline plot report.csv -o roofline.png
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajroetker/go-roofline/roofline/config"
	"github.com/ajroetker/go-roofline/roofline/logutil"
)

var (
	configFile string
	logLevel   string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "roofline",
		Short:         "Measure and plot the roofline model of this machine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "TOML configuration file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides the config")

	root.AddCommand(newRunCommand(), newGenCommand(), newTopologyCommand(), newPlotCommand())
	return root
}

// loadConfig reads the configuration file if one was given and installs the
// process logger.
func loadConfig() (config.Config, *zap.Logger, error) {
	cfg := config.Default()
	if configFile != "" {
		var err error
		if cfg, err = config.Load(configFile); err != nil {
			return cfg, nil, err
		}
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, logutil.InitLogger(cfg.LogLevel), nil
}
