package registration

import (
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// normalNeighbours is the neighbourhood size for surface normal estimates.
const normalNeighbours = 10

// Target is a point set prepared for correspondence search. Surface
// normals are estimated on first use, so a Target must not be shared
// between concurrent alignments.
type Target struct {
	Points []r3.Vec
	Index  NeighborIndex

	tree    *kdIndex
	normals []r3.Vec
	known   []bool
	hood    []int
}

// NewTarget indexes points with s.
func NewTarget(points []r3.Vec, s Searcher) *Target {
	t := &Target{Points: points, Index: s.Index(points)}
	if kd, ok := t.Index.(*kdIndex); ok {
		t.tree = kd
	}
	return t
}

// normal returns the unit surface normal at target point i, from the
// principal axes of its neighbourhood. ok is false where the neighbourhood
// does not span a plane.
func (t *Target) normal(i int) (r3.Vec, bool) {
	if t.known == nil {
		t.normals = make([]r3.Vec, len(t.Points))
		t.known = make([]bool, len(t.Points))
	}
	if t.known[i] {
		n := t.normals[i]
		return n, n != (r3.Vec{})
	}
	if t.tree == nil {
		t.tree = KDTreeSearcher{}.Index(t.Points).(*kdIndex)
	}
	t.known[i] = true
	t.hood = t.tree.neighbours(t.Points[i], normalNeighbours, t.hood[:0])
	n, ok := planeNormal(t.Points, t.hood)
	if ok {
		t.normals[i] = n
	}
	return n, ok
}

// planeNormal is the least-variance axis of the points at idx.
func planeNormal(points []r3.Vec, idx []int) (r3.Vec, bool) {
	if len(idx) < 3 {
		return r3.Vec{}, false
	}
	var c r3.Vec
	for _, j := range idx {
		c = r3.Add(c, points[j])
	}
	c = r3.Scale(1/float64(len(idx)), c)

	var xx, xy, xz, yy, yz, zz float64
	for _, j := range idx {
		d := r3.Sub(points[j], c)
		xx += d.X * d.X
		xy += d.X * d.Y
		xz += d.X * d.Z
		yy += d.Y * d.Y
		yz += d.Y * d.Z
		zz += d.Z * d.Z
	}
	cov := mat.NewSymDense(3, []float64{
		xx, xy, xz,
		xy, yy, yz,
		xz, yz, zz,
	})
	var es mat.EigenSym
	if !es.Factorize(cov, true) {
		return r3.Vec{}, false
	}
	vals := es.Values(nil)
	if vals[2] <= 0 || vals[1] < 1e-9*vals[2] {
		// a line or a single point
		return r3.Vec{}, false
	}
	var vecs mat.Dense
	es.VectorsTo(&vecs)
	return r3.Unit(r3.Vec{X: vecs.At(0, 0), Y: vecs.At(1, 0), Z: vecs.At(2, 0)}), true
}
