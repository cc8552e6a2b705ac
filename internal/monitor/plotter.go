package monitor

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

	"github.com/banshee-data/depthfuse/internal/pipeline"
)

// ResidualPlotter writes registration history plots for offline review.
type ResidualPlotter struct {
	source Source
}

// NewResidualPlotter creates a plotter reading from src.
func NewResidualPlotter(src Source) *ResidualPlotter {
	return &ResidualPlotter{source: src}
}

// WritePNG renders registration_residual.png and registration_inliers.png
// into dir and returns the number of files written. Nothing is written
// while no device has a registration history.
func (rp *ResidualPlotter) WritePNG(dir string) (int, error) {
	devices := rp.source.Diagnostics()
	series, _ := collectResidualSeries(devices)
	if len(series) == 0 {
		return 0, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create output dir: %w", err)
	}

	info := rp.source.Info()
	colors := generateColors(len(series))

	pRes := newHistoryPlot("Registration residual", "Residual (m)")
	for i, s := range series {
		pts := make(plotter.XYs, len(s.points))
		for j, p := range s.points {
			pts[j] = plotter.XY{X: p[0], Y: p[1]}
		}
		if err := addLine(pRes, s.label, pts, colors[i], nil); err != nil {
			return 0, err
		}
	}
	if info.MaxResidual > 0 && pRes.X.Max > pRes.X.Min {
		limit := plotter.XYs{{X: pRes.X.Min, Y: info.MaxResidual}, {X: pRes.X.Max, Y: info.MaxResidual}}
		dash := []vg.Length{vg.Points(4), vg.Points(4)}
		if err := addLine(pRes, "max residual", limit, color.Gray{Y: 96}, dash); err != nil {
			return 0, err
		}
	}

	pIn := newHistoryPlot("Inlier fraction", "Fraction")
	pIn.Y.Min, pIn.Y.Max = 0, 1
	for i, s := range inlierSeries(devices, series) {
		if err := addLine(pIn, series[i].label, s, colors[i], nil); err != nil {
			return 0, err
		}
	}

	written := 0
	for name, p := range map[string]*plot.Plot{
		"registration_residual.png": pRes,
		"registration_inliers.png":  pIn,
	} {
		if err := p.Save(12*vg.Inch, 5*vg.Inch, filepath.Join(dir, name)); err != nil {
			return written, fmt.Errorf("save %s: %w", name, err)
		}
		written++
	}
	return written, nil
}

func newHistoryPlot(title, ylabel string) *plot.Plot {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = ylabel
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	p.Add(plotter.NewGrid())
	return p
}

func addLine(p *plot.Plot, label string, pts plotter.XYs, c color.Color, dashes []vg.Length) error {
	l, sc, err := plotter.NewLinePoints(pts)
	if err != nil {
		return err
	}
	l.Color = c
	l.Width = vg.Points(1)
	l.Dashes = dashes
	sc.Color = c
	sc.Shape = draw.CircleGlyph{}
	sc.Radius = vg.Points(1.5)
	if dashes != nil {
		p.Add(l)
	} else {
		p.Add(l, sc)
	}
	p.Legend.Add(label, l)
	return nil
}

// inlierSeries returns inlier fractions on the same time axis as series,
// which must come from collectResidualSeries(devices).
func inlierSeries(devices []pipeline.DeviceStatus, series []residualSeries) []plotter.XYs {
	out := make([]plotter.XYs, 0, len(series))
	for _, d := range devices {
		var pts plotter.XYs
		for _, h := range d.History {
			if h.Residual <= 0 {
				continue
			}
			pts = append(pts, plotter.XY{Y: h.InlierFraction})
		}
		if len(pts) == 0 {
			continue
		}
		s := series[len(out)]
		for j := range pts {
			pts[j].X = s.points[j][0]
		}
		out = append(out, pts)
	}
	return out
}

// generateColors spreads n colors evenly around the hue circle.
func generateColors(n int) []color.Color {
	colors := make([]color.Color, n)
	for i := range colors {
		r, g, b := hslToRGB(float64(i)/float64(n), 0.7, 0.45)
		colors[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return colors
}

func hslToRGB(h, s, l float64) (r, g, b uint8) {
	c := (1 - math.Abs(2*l-1)) * s
	x := c * (1 - math.Abs(math.Mod(h*6, 2)-1))
	m := l - c/2
	var rf, gf, bf float64
	switch int(h * 6) {
	case 0:
		rf, gf = c, x
	case 1:
		rf, gf = x, c
	case 2:
		gf, bf = c, x
	case 3:
		gf, bf = x, c
	case 4:
		rf, bf = x, c
	default:
		rf, bf = c, x
	}
	to8 := func(v float64) uint8 { return uint8(math.Round((v + m) * 255)) }
	return to8(rf), to8(gf), to8(bf)
}
