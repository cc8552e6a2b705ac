package registration

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

var errDegenerate = errors.New("degenerate correspondence set")

func centroid(points []r3.Vec) r3.Vec {
	var c r3.Vec
	for _, p := range points {
		c = r3.Add(c, p)
	}
	return r3.Scale(1/float64(len(points)), c)
}

// Kabsch returns the rotation and translation minimising the squared
// distance between R·src[i]+t and dst[i].
func Kabsch(src, dst []r3.Vec) (*r3.Mat, r3.Vec, error) {
	if len(src) != len(dst) {
		return nil, r3.Vec{}, fmt.Errorf("kabsch: %d source and %d target points", len(src), len(dst))
	}
	if len(src) < 3 {
		return nil, r3.Vec{}, fmt.Errorf("kabsch: %d correspondences: %w", len(src), errDegenerate)
	}
	cs, cd := centroid(src), centroid(dst)

	// H = Σ (src-cs)(dst-cd)ᵀ
	h := mat.NewDense(3, 3, nil)
	for i := range src {
		a, b := r3.Sub(src[i], cs), r3.Sub(dst[i], cd)
		av, bv := [3]float64{a.X, a.Y, a.Z}, [3]float64{b.X, b.Y, b.Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				h.Set(r, c, h.At(r, c)+av[r]*bv[c])
			}
		}
	}

	var svd mat.SVD
	if !svd.Factorize(h, mat.SVDFull) {
		return nil, r3.Vec{}, fmt.Errorf("kabsch: svd did not converge: %w", errDegenerate)
	}
	vals := svd.Values(nil)
	if vals[0] == 0 || vals[1] < 1e-12*vals[0] {
		return nil, r3.Vec{}, fmt.Errorf("kabsch: collinear points: %w", errDegenerate)
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	// R = V·diag(1, 1, d)·Uᵀ with d correcting a reflection.
	var vut mat.Dense
	vut.Mul(&v, u.T())
	d := 1.0
	if mat.Det(&vut) < 0 {
		d = -1
	}
	diag := mat.NewDiagDense(3, []float64{1, 1, d})
	var vd, rd mat.Dense
	vd.Mul(&v, diag)
	rd.Mul(&vd, u.T())

	rot := r3.NewMat(nil)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			rot.Set(r, c, rd.At(r, c))
		}
	}
	t := r3.Sub(cd, rot.MulVec(cs))
	return rot, t, nil
}
