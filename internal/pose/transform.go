// Package pose holds rigid transforms between device frames and the
// per-device store that serves them to the fusion path.
package pose

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// RotationTolerance bounds the orthonormality error accepted by IsValidRotation.
const RotationTolerance = 1e-6

// IdentityRotation is the row-major 3x3 identity.
var IdentityRotation = [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}

// Transform maps points from a device's frame into the reference frame:
// p' = R·p + t. Transforms are values; a committed Transform is never
// modified.
type Transform struct {
	DeviceIndex    int        `json:"device_index"`
	Rotation       [9]float64 `json:"rotation"` // row-major
	Translation    r3.Vec     `json:"translation"`
	Version        uint64     `json:"version"`
	Residual       float64    `json:"residual"` // mean point-to-point distance, metres
	InlierFraction float64    `json:"inlier_fraction"`
	Tick           uint64     `json:"tick"`
	ComputedAt     time.Time  `json:"computed_at"`
}

// Identity returns the identity transform for device.
func Identity(device int) Transform {
	return Transform{DeviceIndex: device, Rotation: IdentityRotation}
}

// FromMat builds a transform from a rotation matrix and translation.
func FromMat(device int, rot *r3.Mat, t r3.Vec) Transform {
	tr := Transform{DeviceIndex: device, Translation: t}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			tr.Rotation[3*i+j] = rot.At(i, j)
		}
	}
	return tr
}

// Mat returns the rotation as an r3.Mat.
func (t Transform) Mat() *r3.Mat {
	return r3.NewMat(t.Rotation[:])
}

// Apply transforms a single point.
func (t Transform) Apply(p r3.Vec) r3.Vec {
	r := &t.Rotation
	return r3.Vec{
		X: r[0]*p.X + r[1]*p.Y + r[2]*p.Z + t.Translation.X,
		Y: r[3]*p.X + r[4]*p.Y + r[5]*p.Z + t.Translation.Y,
		Z: r[6]*p.X + r[7]*p.Y + r[8]*p.Z + t.Translation.Z,
	}
}

// ApplyAll appends the transformed points to dst and returns it.
func (t Transform) ApplyAll(dst, points []r3.Vec) []r3.Vec {
	if cap(dst)-len(dst) < len(points) {
		grown := make([]r3.Vec, len(dst), len(dst)+len(points))
		copy(grown, dst)
		dst = grown
	}
	for _, p := range points {
		dst = append(dst, t.Apply(p))
	}
	return dst
}

// Inverse returns the transform mapping the reference frame back into the
// device frame. Metadata is kept.
func (t Transform) Inverse() Transform {
	inv := t
	r := &t.Rotation
	inv.Rotation = [9]float64{
		r[0], r[3], r[6],
		r[1], r[4], r[7],
		r[2], r[5], r[8],
	}
	inv.Translation = r3.Vec{}
	inv.Translation = r3.Scale(-1, inv.Apply(t.Translation)) // -Rᵀ·t
	return inv
}

// Compose returns the transform applying u first and then t. The result
// carries t's metadata.
func (t Transform) Compose(u Transform) Transform {
	out := t
	a, b := &t.Rotation, &u.Rotation
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.Rotation[3*i+j] = a[3*i]*b[j] + a[3*i+1]*b[3+j] + a[3*i+2]*b[6+j]
		}
	}
	out.Translation = t.Apply(u.Translation)
	return out
}

// SameMotion reports whether t and u describe the same rigid motion,
// ignoring metadata.
func (t Transform) SameMotion(u Transform) bool {
	return t.Rotation == u.Rotation && t.Translation == u.Translation
}

// IsValidRotation reports whether r is orthonormal with determinant +1.
func IsValidRotation(r [9]float64) bool {
	m := r3.NewMat(r[:])
	if math.Abs(m.Det()-1) > RotationTolerance*10 {
		return false
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			dot := r3.Dot(m.VecRow(i), m.VecRow(j))
			want := 0.0
			if i == j {
				want = 1
			}
			if math.Abs(dot-want) > RotationTolerance*10 {
				return false
			}
		}
	}
	return true
}

// Validate checks the rotation and translation are usable.
func (t Transform) Validate() error {
	if !IsValidRotation(t.Rotation) {
		return fmt.Errorf("device %d: rotation is not a proper rotation", t.DeviceIndex)
	}
	if math.IsNaN(t.Translation.X) || math.IsNaN(t.Translation.Y) || math.IsNaN(t.Translation.Z) ||
		math.IsInf(t.Translation.X, 0) || math.IsInf(t.Translation.Y, 0) || math.IsInf(t.Translation.Z, 0) {
		return fmt.Errorf("device %d: translation is not finite", t.DeviceIndex)
	}
	return nil
}

// Quaternion converts a proper rotation matrix into a unit quaternion.
func Quaternion(r [9]float64) quat.Number {
	tr := r[0] + r[4] + r[8]
	var q quat.Number
	switch {
	case tr > 0:
		s := 2 * math.Sqrt(tr+1)
		q = quat.Number{Real: s / 4, Imag: (r[7] - r[5]) / s, Jmag: (r[2] - r[6]) / s, Kmag: (r[3] - r[1]) / s}
	case r[0] > r[4] && r[0] > r[8]:
		s := 2 * math.Sqrt(1+r[0]-r[4]-r[8])
		q = quat.Number{Real: (r[7] - r[5]) / s, Imag: s / 4, Jmag: (r[1] + r[3]) / s, Kmag: (r[2] + r[6]) / s}
	case r[4] > r[8]:
		s := 2 * math.Sqrt(1+r[4]-r[0]-r[8])
		q = quat.Number{Real: (r[2] - r[6]) / s, Imag: (r[1] + r[3]) / s, Jmag: s / 4, Kmag: (r[5] + r[7]) / s}
	default:
		s := 2 * math.Sqrt(1+r[8]-r[0]-r[4])
		q = quat.Number{Real: (r[3] - r[1]) / s, Imag: (r[2] + r[6]) / s, Jmag: (r[5] + r[7]) / s, Kmag: s / 4}
	}
	return quat.Scale(1/quat.Abs(q), q)
}

// RotationAngle returns the angle in radians of the rotation taking a to b.
func RotationAngle(a, b [9]float64) float64 {
	qa, qb := Quaternion(a), Quaternion(b)
	d := quat.Mul(quat.Conj(qa), qb)
	return 2 * math.Acos(math.Min(1, math.Abs(d.Real)))
}

// Distance returns the rotation angle (radians) and translation distance
// (metres) between two transforms.
func Distance(a, b Transform) (angle, translation float64) {
	return RotationAngle(a.Rotation, b.Rotation), r3.Norm(r3.Sub(a.Translation, b.Translation))
}
