// Package report renders match diagnostics as PNG plots.
package report

import (
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"psfmatch/internal/diffim"
	"psfmatch/internal/image"
)

var (
	validColor   = color.RGBA{R: 40, G: 160, B: 60, A: 255}
	clippedColor = color.RGBA{R: 240, G: 150, B: 20, A: 255}
	invalidColor = color.RGBA{R: 200, G: 30, B: 30, A: 255}
)

// WriteCandidateMap plots candidate centres over the field, coloured by
// whether they were used, sigma clipped or rejected by the solver.
func WriteCandidateMap(path string, solutions []*diffim.CandidateSolution, field image.Box) error {
	var valid, clipped, invalid plotter.XYs
	for _, s := range solutions {
		pt := plotter.XY{X: s.X, Y: s.Y}
		switch {
		case s.Valid():
			valid = append(valid, pt)
		case s.Reason == diffim.ReasonSigmaClipped:
			clipped = append(clipped, pt)
		default:
			invalid = append(invalid, pt)
		}
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Kernel candidates (%d used, %d clipped, %d rejected)", len(valid), len(clipped), len(invalid))
	p.X.Label.Text = "x (pixels)"
	p.Y.Label.Text = "y (pixels)"
	if !field.Empty() {
		p.X.Min, p.X.Max = float64(field.MinX), float64(field.MaxX)
		p.Y.Min, p.Y.Max = float64(field.MinY), float64(field.MaxY)
	}

	groups := []struct {
		label string
		pts   plotter.XYs
		color color.Color
		shape draw.GlyphDrawer
	}{
		{"used", valid, validColor, draw.CircleGlyph{}},
		{"sigma clipped", clipped, clippedColor, draw.TriangleGlyph{}},
		{"rejected", invalid, invalidColor, draw.CrossGlyph{}},
	}
	for _, g := range groups {
		if len(g.pts) == 0 {
			continue
		}
		sc, err := plotter.NewScatter(g.pts)
		if err != nil {
			return err
		}
		sc.GlyphStyle.Color = g.color
		sc.GlyphStyle.Shape = g.shape
		sc.GlyphStyle.Radius = vg.Points(4)
		p.Add(sc)
		p.Legend.Add(g.label, sc)
	}
	p.Legend.Top = true
	p.Legend.Left = false

	return save(p, 8*vg.Inch, 8*vg.Inch, path)
}

// WriteKernelSumMap plots the model's kernel sum along n rows of the field,
// one line per row, to show how the photometric scaling varies.
func WriteKernelSumMap(path string, model *diffim.SpatialModel, field image.Box, n int) error {
	if model == nil {
		return fmt.Errorf("kernel sum map: nil model")
	}
	if n < 2 {
		n = 2
	}
	grid := model.Grid(field, n, n)

	p := plot.New()
	p.Title.Text = "Kernel sum across the field"
	p.X.Label.Text = "x (pixels)"
	p.Y.Label.Text = "kernel sum"

	colors := rowColors(n)
	for row := 0; row < n; row++ {
		pts := make(plotter.XYs, 0, n)
		for col := 0; col < n; col++ {
			g := grid[row*n+col]
			pts = append(pts, plotter.XY{X: g.X, Y: g.KernelSum})
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return err
		}
		line.Color = colors[row]
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(fmt.Sprintf("y=%.0f", grid[row*n].Y), line)
	}
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	return save(p, 10*vg.Inch, 6*vg.Inch, path)
}

func save(p *plot.Plot, w, h vg.Length, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}
	if err := p.Save(w, h, path); err != nil {
		return fmt.Errorf("save plot %s: %w", filepath.Base(path), err)
	}
	return nil
}

// rowColors spreads n colours from blue to red.
func rowColors(n int) []color.Color {
	out := make([]color.Color, n)
	for i := range out {
		t := 0.0
		if n > 1 {
			t = float64(i) / float64(n-1)
		}
		out[i] = color.RGBA{
			R: uint8(math.Round(40 + 200*t)),
			G: 60,
			B: uint8(math.Round(240 - 200*t)),
			A: 255,
		}
	}
	return out
}
