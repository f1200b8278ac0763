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

// Package chart draws a roofline chart from a report.
package chart

import (
	"cmp"
	"fmt"
	"image/color"
	"math"
	"slices"
	"strconv"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/ajroetker/go-roofline/roofline/report"
)

// Intensity range drawn on the x axis, in flops per byte.
const (
	MinIntensity = 1.0 / 64
	MaxIntensity = 64
)

// Roof is the bandwidth ceiling of one memory level.
type Roof struct {
	Memory    string
	Bandwidth float64 // GB/s
}

// Point is one measured mixed kernel.
type Point struct {
	Label     string
	Intensity float64
	GFlops    float64
}

// Model is the data behind a roofline chart.
type Model struct {
	Roofs      []Roof
	PeakGFlops float64
	Points     []Point
}

// Build extracts roofs and points from report rows. The roof of a memory
// level is its best pure memory bandwidth; the peak is the best GFlop/s of
// a pure compute kernel. Rows with both bytes and flops become points.
func Build(rows []report.Row) Model {
	var m Model
	best := map[string]float64{}
	for _, r := range rows {
		switch {
		case r.FlopsPerByte > 0 && r.GFlops > 0:
			m.Points = append(m.Points, Point{Label: r.Memory + " " + r.Type, Intensity: r.FlopsPerByte, GFlops: r.GFlops})
		case r.Bandwidth > 0 && r.GFlops == 0:
			best[r.Memory] = max(best[r.Memory], r.Bandwidth)
		case r.GFlops > 0:
			m.PeakGFlops = max(m.PeakGFlops, r.GFlops)
		}
	}
	for mem, bw := range best {
		m.Roofs = append(m.Roofs, Roof{Memory: mem, Bandwidth: bw})
	}
	slices.SortFunc(m.Roofs, func(a, b Roof) int { return cmp.Compare(b.Bandwidth, a.Bandwidth) })
	return m
}

// Ceiling returns the attainable GFlop/s of roof r at intensity oi.
func (m Model) Ceiling(r Roof, oi float64) float64 {
	y := r.Bandwidth * oi
	if m.PeakGFlops > 0 {
		y = min(y, m.PeakGFlops)
	}
	return y
}

// Plot draws the model on log-log axes.
func (m Model) Plot(title string) (*plot.Plot, error) {
	if len(m.Roofs) == 0 && m.PeakGFlops == 0 && len(m.Points) == 0 {
		return nil, fmt.Errorf("chart: nothing to draw")
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Operational intensity (Flops/Byte)"
	p.Y.Label.Text = "GFlop/s"
	p.X.Scale = plot.LogScale{}
	p.Y.Scale = plot.LogScale{}
	p.X.Tick.Marker = plot.LogTicks{Prec: -1}
	p.Y.Tick.Marker = plot.LogTicks{Prec: -1}
	p.Add(plotter.NewGrid())

	const steps = 64
	for i, r := range m.Roofs {
		xys := make(plotter.XYs, 0, steps+1)
		for s := range steps + 1 {
			oi := MinIntensity * math.Pow(MaxIntensity/MinIntensity, float64(s)/steps)
			xys = append(xys, plotter.XY{X: oi, Y: m.Ceiling(r, oi)})
		}
		line, err := plotter.NewLine(xys)
		if err != nil {
			return nil, fmt.Errorf("chart: roof %s: %w", r.Memory, err)
		}
		line.Color = palette(i)
		line.Width = vg.Points(1.5)
		p.Add(line)
		p.Legend.Add(r.Memory+" "+strconv.FormatFloat(r.Bandwidth, 'f', 1, 64)+" GB/s", line)
	}
	if m.PeakGFlops > 0 && len(m.Roofs) == 0 {
		line, err := plotter.NewLine(plotter.XYs{{X: MinIntensity, Y: m.PeakGFlops}, {X: MaxIntensity, Y: m.PeakGFlops}})
		if err != nil {
			return nil, fmt.Errorf("chart: peak: %w", err)
		}
		p.Add(line)
		p.Legend.Add("peak", line)
	}

	if len(m.Points) > 0 {
		xys := make(plotter.XYs, len(m.Points))
		for i, pt := range m.Points {
			xys[i] = plotter.XY{X: pt.Intensity, Y: pt.GFlops}
		}
		sc, err := plotter.NewScatter(xys)
		if err != nil {
			return nil, fmt.Errorf("chart: points: %w", err)
		}
		sc.GlyphStyle.Shape = draw.CircleGlyph{}
		sc.GlyphStyle.Radius = vg.Points(2.5)
		p.Add(sc)
		p.Legend.Add("measured", sc)
	}
	p.Legend.Top = true
	p.Legend.Left = true
	return p, nil
}

// Save renders rows to path. The image format follows the extension
// (.png, .svg, .pdf, ...).
func Save(rows []report.Row, path, title string) error {
	p, err := Build(rows).Plot(title)
	if err != nil {
		return err
	}
	return p.Save(24*vg.Centimeter, 16*vg.Centimeter, path)
}

var colors = []color.RGBA{
	{R: 0x1f, G: 0x77, B: 0xb4, A: 0xff},
	{R: 0xff, G: 0x7f, B: 0x0e, A: 0xff},
	{R: 0x2c, G: 0xa0, B: 0x2c, A: 0xff},
	{R: 0xd6, G: 0x27, B: 0x28, A: 0xff},
	{R: 0x94, G: 0x67, B: 0xbd, A: 0xff},
}

func palette(i int) color.Color { return colors[i%len(colors)] }
