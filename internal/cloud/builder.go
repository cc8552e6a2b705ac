// Package cloud back-projects depth frames into device-local point clouds.
package cloud

import (
	"fmt"
	"image/color"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/depthfuse/internal/capture"
)

// Config controls which samples become points.
type Config struct {
	MinRange    float64 // metres
	MaxRange    float64 // metres
	PixelStride int     // sample every n-th row and column
	WithColor   bool
}

// DefaultConfig returns the defaults for a short-range depth sensor.
func DefaultConfig() Config {
	return Config{MinRange: 0.25, MaxRange: 5.0, PixelStride: 1}
}

// PointCloud is an immutable set of points in one device's frame. Colors is
// nil or parallel to Points.
type PointCloud struct {
	DeviceIndex int
	Tick        uint64
	Points      []r3.Vec
	Colors      []color.RGBA
}

// Len returns the number of points.
func (pc *PointCloud) Len() int {
	if pc == nil {
		return 0
	}
	return len(pc.Points)
}

// Build back-projects every in-range depth sample of f with the pinhole
// model. Invalid (zero) and out-of-range samples are skipped. The output
// is in row-major pixel order and depends only on its inputs.
func Build(f *capture.Frame, in capture.Intrinsics, cfg Config, tick uint64) (*PointCloud, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if f.Width != in.Width || f.Height != in.Height {
		return nil, fmt.Errorf("frame is %dx%d but intrinsics are %dx%d", f.Width, f.Height, in.Width, in.Height)
	}
	if err := in.CheckValid(); err != nil {
		return nil, err
	}
	if cfg.MaxRange <= cfg.MinRange {
		return nil, fmt.Errorf("invalid range [%v, %v]", cfg.MinRange, cfg.MaxRange)
	}
	stride := max(cfg.PixelStride, 1)
	withColor := cfg.WithColor && f.Color != nil

	scale := f.Scale()
	pc := &PointCloud{
		DeviceIndex: f.DeviceIndex,
		Tick:        tick,
		Points:      make([]r3.Vec, 0, len(f.Depth)/(stride*stride)),
	}
	if withColor {
		pc.Colors = make([]color.RGBA, 0, cap(pc.Points))
	}

	for v := 0; v < f.Height; v += stride {
		row := v * f.Width
		for u := 0; u < f.Width; u += stride {
			raw := f.Depth[row+u]
			if raw == 0 {
				continue
			}
			z := float64(raw) * scale
			if z < cfg.MinRange || z > cfg.MaxRange {
				continue
			}
			pc.Points = append(pc.Points, r3.Vec{
				X: (float64(u) - in.Ppx) / in.Fx * z,
				Y: (float64(v) - in.Ppy) / in.Fy * z,
				Z: z,
			})
			if withColor {
				pc.Colors = append(pc.Colors, f.Color[row+u])
			}
		}
	}
	return pc, nil
}

type voxelKey struct{ x, y, z int64 }

// Downsample replaces the points falling into each cube of side size with
// their centroid. Voxels are emitted in order of first occupancy. A size
// of zero or less returns a copy of points.
func Downsample(points []r3.Vec, size float64) []r3.Vec {
	if size <= 0 {
		return append([]r3.Vec(nil), points...)
	}
	index := make(map[voxelKey]int, len(points)/4)
	sums := make([]r3.Vec, 0, len(points)/4)
	counts := make([]int, 0, len(points)/4)
	for _, p := range points {
		k := voxelKey{
			x: int64(math.Floor(p.X / size)),
			y: int64(math.Floor(p.Y / size)),
			z: int64(math.Floor(p.Z / size)),
		}
		i, ok := index[k]
		if !ok {
			i = len(sums)
			index[k] = i
			sums = append(sums, r3.Vec{})
			counts = append(counts, 0)
		}
		sums[i] = r3.Add(sums[i], p)
		counts[i]++
	}
	for i := range sums {
		sums[i] = r3.Scale(1/float64(counts[i]), sums[i])
	}
	return sums
}

// Merge concatenates the points of several clouds.
func Merge(clouds ...*PointCloud) []r3.Vec {
	n := 0
	for _, c := range clouds {
		n += c.Len()
	}
	out := make([]r3.Vec, 0, n)
	for _, c := range clouds {
		if c != nil {
			out = append(out, c.Points...)
		}
	}
	return out
}
