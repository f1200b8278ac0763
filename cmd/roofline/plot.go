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

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ajroetker/go-roofline/roofline/chart"
	"github.com/ajroetker/go-roofline/roofline/report"
)

func newPlotCommand() *cobra.Command {
	var (
		output string
		title  string
	)
	cmd := &cobra.Command{
		Use:   "plot REPORT",
		Short: "Draw the roofline chart of a report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			rows, err := report.Read(f)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			if err := chart.Save(rows, output, title); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s from %d rows\n", output, len(rows))
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "roofline.png", "Image file; the extension selects the format (png, svg, pdf)")
	cmd.Flags().StringVar(&title, "title", "Roofline", "Chart title")
	return cmd
}
