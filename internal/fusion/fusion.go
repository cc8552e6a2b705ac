// Package fusion merges the point clouds of one synchronized tick into the
// reference device's frame.
package fusion

import (
	"image/color"
	"time"

	"github.com/samber/lo"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/depthfuse/internal/cloud"
	"github.com/banshee-data/depthfuse/internal/pose"
)

// Contribution records what one device added to a FusedCloud.
type Contribution struct {
	DeviceIndex      int    `json:"device_index"`
	Points           int    `json:"points"`
	TransformVersion uint64 `json:"transform_version"` // 0 for the reference
}

// FusedCloud is the merged point set of one tick. Colors is nil unless
// every contributing cloud carried colors.
type FusedCloud struct {
	Tick        uint64
	VirtualTime time.Duration
	Points      []r3.Vec
	Colors      []color.RGBA
	Sources     []Contribution
	Skipped     []int // secondaries without a frame or a transform
}

// Len returns the number of fused points.
func (fc *FusedCloud) Len() int { return len(fc.Points) }

// Fuse merges clouds (indexed by device, nil when missing) using a single
// snapshot of store. The reference cloud is included as is; a secondary is
// included only when it has a committed transform.
func Fuse(tick uint64, virtualTime time.Duration, clouds []*cloud.PointCloud, store *pose.Store) *FusedCloud {
	return FuseSnapshot(tick, virtualTime, clouds, store.Reference(), store.Snapshot())
}

// FuseSnapshot is Fuse against an explicit snapshot.
func FuseSnapshot(tick uint64, virtualTime time.Duration, clouds []*cloud.PointCloud, reference int, snap pose.Snapshot) *FusedCloud {
	type part struct {
		dev int
		pc  *cloud.PointCloud
		tr  *pose.Transform
	}
	var parts []part
	fc := &FusedCloud{Tick: tick, VirtualTime: virtualTime}
	for i, pc := range clouds {
		if i == reference {
			if pc != nil {
				parts = append(parts, part{dev: i, pc: pc})
			}
			continue
		}
		tr, ok := snap.Get(i)
		if pc == nil || !ok {
			fc.Skipped = append(fc.Skipped, i)
			continue
		}
		parts = append(parts, part{dev: i, pc: pc, tr: tr})
	}

	total := lo.SumBy(parts, func(p part) int { return p.pc.Len() })
	withColor := len(parts) > 0 && lo.EveryBy(parts, func(p part) bool { return p.pc.Colors != nil })
	fc.Points = make([]r3.Vec, 0, total)
	if withColor {
		fc.Colors = make([]color.RGBA, 0, total)
	}
	for _, p := range parts {
		c := Contribution{DeviceIndex: p.dev, Points: p.pc.Len()}
		if p.tr == nil {
			fc.Points = append(fc.Points, p.pc.Points...)
		} else {
			fc.Points = p.tr.ApplyAll(fc.Points, p.pc.Points)
			c.TransformVersion = p.tr.Version
		}
		if withColor {
			fc.Colors = append(fc.Colors, p.pc.Colors...)
		}
		fc.Sources = append(fc.Sources, c)
	}
	return fc
}
