package registration

import (
	"context"
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/depthfuse/internal/monitoring"
	"github.com/banshee-data/depthfuse/internal/pose"
)

// CoarseParams controls global alignment.
type CoarseParams struct {
	// Each candidate is scored by a short ICP run with a widened
	// correspondence radius.
	Iterations      int
	RadiusScale     float64
	MaxSourcePoints int
}

// DefaultCoarseParams returns the defaults used by the engine.
func DefaultCoarseParams() CoarseParams {
	return CoarseParams{Iterations: 15, RadiusScale: 3, MaxSourcePoints: 800}
}

// principalAxes returns the centroid and the eigenvectors of the point
// covariance as matrix columns, largest variance first.
func principalAxes(points []r3.Vec) (r3.Vec, *r3.Mat, error) {
	if len(points) < 3 {
		return r3.Vec{}, nil, fmt.Errorf("%d points", len(points))
	}
	data := mat.NewDense(len(points), 3, nil)
	for i, p := range points {
		data.SetRow(i, []float64{p.X, p.Y, p.Z})
	}
	var cov mat.SymDense
	stat.CovarianceMatrix(&cov, data, nil)

	var es mat.EigenSym
	if !es.Factorize(&cov, true) {
		return r3.Vec{}, nil, errors.New("eigen decomposition failed")
	}
	var vecs mat.Dense
	es.VectorsTo(&vecs)

	axes := r3.NewMat(nil)
	for c := 0; c < 3; c++ {
		src := 2 - c // ascending eigenvalues
		for r := 0; r < 3; r++ {
			axes.Set(r, c, vecs.At(r, src))
		}
	}
	return centroid(points), axes, nil
}

// axisCandidates aligns the principal axes of source with those of target
// under every sign choice that yields a proper rotation.
func axisCandidates(device int, source, target []r3.Vec) []pose.Transform {
	cs, as, err := principalAxes(source)
	if err != nil {
		return nil
	}
	ct, at, err := principalAxes(target)
	if err != nil {
		return nil
	}
	var out []pose.Transform
	for _, signs := range [][3]float64{{1, 1, 1}, {1, -1, -1}, {-1, 1, -1}, {-1, -1, 1}, {-1, 1, 1}, {1, -1, 1}, {1, 1, -1}, {-1, -1, -1}} {
		flipped := r3.NewMat(nil)
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				flipped.Set(r, c, at.At(r, c)*signs[c])
			}
		}
		rot := r3.NewMat(nil)
		rot.Mul(flipped, as.T())
		if rot.Det() < 0 {
			continue
		}
		out = append(out, pose.FromMat(device, rot, r3.Sub(ct, rot.MulVec(cs))))
	}
	return out
}

// CoarseAlign searches for an initial transform without a prior
// registration. Candidates are the hint (when given), the identity and the
// proper principal-axis alignments. Each is refined by a short ICP and the
// one with the lowest residual that meets MinOverlap wins.
func CoarseAlign(ctx context.Context, device int, source []r3.Vec, target *Target, hint *pose.Transform, icp ICPParams, p CoarseParams) (Result, error) {
	var candidates []pose.Transform
	if hint != nil {
		h := *hint
		h.DeviceIndex = device
		candidates = append(candidates, h)
	}
	candidates = append(candidates, pose.Identity(device))
	candidates = append(candidates, axisCandidates(device, source, target.Points)...)

	short := icp
	short.MaxIterations = p.Iterations
	short.InitialCorrespondence = 0
	short.MaxCorrespondence = icp.MaxCorrespondence * p.RadiusScale
	short.MaxSourcePoints = p.MaxSourcePoints
	short.MinOverlap = 0
	fine := ICPParams{MaxCorrespondence: icp.MaxCorrespondence, MaxSourcePoints: p.MaxSourcePoints}

	var best *Result
	for i, c := range candidates {
		coarse, err := FineAlign(ctx, source, target, c, short)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, err
			}
			monitoring.Debugf("[registration] coarse candidate %d failed: %v", i, err)
			continue
		}
		// Rescore at the fine radius so overlap is comparable with MinOverlap.
		scored, err := Score(ctx, source, target, coarse.Transform, fine)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, err
			}
			continue
		}
		monitoring.Debugf("[registration] coarse candidate %d residual %.4f overlap %.2f", i, scored.Residual, scored.InlierFraction)
		if scored.InlierFraction < icp.MinOverlap {
			continue
		}
		if best == nil || scored.Residual < best.Residual {
			best = &scored
		}
	}
	if best == nil {
		return Result{}, fmt.Errorf("no coarse candidate reached overlap %.2f: %w", icp.MinOverlap, ErrRegistrationFailed)
	}
	return *best, nil
}
