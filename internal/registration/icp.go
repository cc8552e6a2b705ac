package registration

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/depthfuse/internal/pose"
)

// ICPParams bounds one fine alignment.
type ICPParams struct {
	MaxIterations int
	Convergence   float64 // metres of mean residual change
	// InitialCorrespondence is the correspondence radius of the first
	// iteration. It halves every iteration until it reaches
	// MaxCorrespondence; a value not above MaxCorrespondence starts there.
	InitialCorrespondence float64 // metres
	MaxCorrespondence     float64 // metres
	MinOverlap            float64 // fraction of source points with a correspondence
	MaxSourcePoints       int     // source is strided down to at most this many points; 0 keeps all
}

// DefaultICPParams returns the defaults used by the engine.
func DefaultICPParams() ICPParams {
	return ICPParams{
		MaxIterations:         50,
		Convergence:           1e-6,
		InitialCorrespondence: 0.30,
		MaxCorrespondence:     0.10,
		MinOverlap:            0.5,
		MaxSourcePoints:       2000,
	}
}

// Result is the outcome of an alignment.
type Result struct {
	Transform pose.Transform
	// Residual is the mean distance of inlier source points to the target
	// surface, metres.
	Residual       float64
	ResidualStdDev float64
	InlierFraction float64
	Iterations     int
	Converged      bool
}

// Subsample strides points down to at most n entries, keeping order.
func Subsample(points []r3.Vec, n int) []r3.Vec {
	if n <= 0 || len(points) <= n {
		return points
	}
	stride := (len(points) + n - 1) / n
	out := make([]r3.Vec, 0, n)
	for i := 0; i < len(points); i += stride {
		out = append(out, points[i])
	}
	return out
}

// evaluation is the correspondence set of one transform.
type evaluation struct {
	src, dst []r3.Vec // inlier pairs, src already transformed
	normals  []r3.Vec // target normal per pair; zero where none could be estimated
	dists    []float64
	fraction float64
}

// evaluate pairs each moved source point with its nearest target point
// within maxDist. The distance of a pair is measured along the target
// normal, or point to point where the target has no normal.
func evaluate(ctx context.Context, source []r3.Vec, target *Target, t pose.Transform, maxDist float64, moved []r3.Vec, matches []Match) (evaluation, error) {
	moved = t.ApplyAll(moved[:0], source)
	if err := target.Index.Nearest(ctx, moved, matches); err != nil {
		return evaluation{}, err
	}
	max2 := maxDist * maxDist
	var ev evaluation
	for i, m := range matches {
		if m.Index < 0 || m.Dist2 > max2 {
			continue
		}
		d := target.Points[m.Index]
		n, ok := target.normal(m.Index)
		dist := math.Sqrt(m.Dist2)
		if ok {
			dist = math.Abs(r3.Dot(r3.Sub(moved[i], d), n))
		}
		ev.src = append(ev.src, moved[i])
		ev.dst = append(ev.dst, d)
		ev.normals = append(ev.normals, n)
		ev.dists = append(ev.dists, dist)
	}
	if len(source) > 0 {
		ev.fraction = float64(len(ev.dists)) / float64(len(source))
	}
	return ev, nil
}

var unitAxes = [3]r3.Vec{{X: 1}, {Y: 1}, {Z: 1}}

// planeStep solves the linearised point-to-plane problem for the motion
// that moves ev.src onto the target surfaces. The rotation is taken about
// the source centroid. Pairs without a normal constrain all three axes.
func planeStep(device int, ev evaluation) (pose.Transform, error) {
	c := centroid(ev.src)
	ata := mat.NewSymDense(6, nil)
	atb := mat.NewVecDense(6, nil)
	row := func(s r3.Vec, n r3.Vec, r float64) {
		sn := r3.Cross(r3.Sub(s, c), n)
		j := [6]float64{sn.X, sn.Y, sn.Z, n.X, n.Y, n.Z}
		for a := 0; a < 6; a++ {
			atb.SetVec(a, atb.AtVec(a)-j[a]*r)
			for b := a; b < 6; b++ {
				ata.SetSym(a, b, ata.At(a, b)+j[a]*j[b])
			}
		}
	}
	for i, s := range ev.src {
		diff := r3.Sub(s, ev.dst[i])
		if n := ev.normals[i]; n != (r3.Vec{}) {
			row(s, n, r3.Dot(diff, n))
			continue
		}
		for _, n := range unitAxes {
			row(s, n, r3.Dot(diff, n))
		}
	}

	// A little damping keeps directions the surfaces do not constrain still.
	damp := 1e-9 * mat.Trace(ata)
	for a := 0; a < 6; a++ {
		ata.SetSym(a, a, ata.At(a, a)+damp)
	}
	var chol mat.Cholesky
	if !chol.Factorize(ata) {
		return pose.Transform{}, fmt.Errorf("point-to-plane system not positive definite: %w", errDegenerate)
	}
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, atb); err != nil {
		return pose.Transform{}, fmt.Errorf("point-to-plane solve: %v: %w", err, errDegenerate)
	}

	omega := r3.Vec{X: x.AtVec(0), Y: x.AtVec(1), Z: x.AtVec(2)}
	tau := r3.Vec{X: x.AtVec(3), Y: x.AtVec(4), Z: x.AtVec(5)}
	rot := r3.NewRotation(r3.Norm(omega), omega).Mat()
	return pose.FromMat(device, rot, r3.Add(r3.Sub(c, rot.MulVec(c)), tau)), nil
}

// pointStep is the closed-form point-to-point motion, used when the
// point-to-plane system cannot be solved.
func pointStep(device int, ev evaluation) (pose.Transform, error) {
	rot, t, err := Kabsch(ev.src, ev.dst)
	if err != nil {
		return pose.Transform{}, err
	}
	return pose.FromMat(device, rot, t), nil
}

// FineAlign refines init by point-to-plane ICP, moving source onto target.
// The correspondence radius shrinks from InitialCorrespondence to
// MaxCorrespondence; once it is there, iteration stops when the mean
// residual changes by less than Convergence or after MaxIterations. It
// fails with ErrRegistrationFailed when fewer than three correspondences
// remain or the inlier fraction is below MinOverlap.
func FineAlign(ctx context.Context, source []r3.Vec, target *Target, init pose.Transform, p ICPParams) (Result, error) {
	source = Subsample(source, p.MaxSourcePoints)
	if len(source) < 3 || len(target.Points) < 3 {
		return Result{}, fmt.Errorf("%d source and %d target points: %w", len(source), len(target.Points), ErrRegistrationFailed)
	}
	moved := make([]r3.Vec, 0, len(source))
	matches := make([]Match, len(source))

	radius := math.Max(p.InitialCorrespondence, p.MaxCorrespondence)
	cur := init
	prev := math.Inf(1)
	res := Result{}
	for iter := 0; ; iter++ {
		ev, err := evaluate(ctx, source, target, cur, radius, moved, matches)
		if err != nil {
			return Result{}, err
		}
		if len(ev.dists) < 3 {
			return Result{}, fmt.Errorf("iteration %d: %d correspondences: %w", iter, len(ev.dists), ErrRegistrationFailed)
		}
		mean, std := stat.MeanStdDev(ev.dists, nil)
		res = Result{
			Transform:      cur,
			Residual:       mean,
			ResidualStdDev: std,
			InlierFraction: ev.fraction,
			Iterations:     iter,
		}
		final := radius <= p.MaxCorrespondence
		if final && math.Abs(prev-mean) < p.Convergence {
			res.Converged = true
			break
		}
		if iter >= p.MaxIterations {
			break
		}
		if final {
			prev = mean
		}

		step, err := planeStep(init.DeviceIndex, ev)
		if errors.Is(err, errDegenerate) {
			step, err = pointStep(init.DeviceIndex, ev)
		}
		if err != nil {
			if errors.Is(err, errDegenerate) {
				return Result{}, fmt.Errorf("iteration %d: %v: %w", iter, err, ErrRegistrationFailed)
			}
			return Result{}, err
		}
		cur = step.Compose(cur)
		radius = math.Max(radius/2, p.MaxCorrespondence)
	}

	if res.InlierFraction < p.MinOverlap {
		return res, fmt.Errorf("overlap %.2f below %.2f: %w", res.InlierFraction, p.MinOverlap, ErrRegistrationFailed)
	}
	return res, nil
}

// Score measures how well t already places source on target, without
// refining it.
func Score(ctx context.Context, source []r3.Vec, target *Target, t pose.Transform, p ICPParams) (Result, error) {
	p.MaxIterations = 0
	p.InitialCorrespondence = 0
	return FineAlign(ctx, source, target, t, p)
}
