package kinematics

import (
	"math"

	"github.com/golang/geo/r3"
)

// Rotation is a 3x3 rotation matrix stored by rows.
type Rotation [3]r3.Vector

// Identity is the identity rotation.
var Identity = Rotation{{X: 1}, {Y: 1}, {Z: 1}}

// RotX is a rotation of a radians about the x axis.
func RotX(a float64) Rotation {
	s, c := math.Sincos(a)
	return Rotation{{X: 1}, {Y: c, Z: -s}, {Y: s, Z: c}}
}

// RotY is a rotation of a radians about the y axis.
func RotY(a float64) Rotation {
	s, c := math.Sincos(a)
	return Rotation{{X: c, Z: s}, {Y: 1}, {X: -s, Z: c}}
}

// RotZ is a rotation of a radians about the z axis.
func RotZ(a float64) Rotation {
	s, c := math.Sincos(a)
	return Rotation{{X: c, Y: -s}, {X: s, Y: c}, {Z: 1}}
}

// Transpose returns the inverse rotation.
func (m Rotation) Transpose() Rotation {
	return Rotation{
		{X: m[0].X, Y: m[1].X, Z: m[2].X},
		{X: m[0].Y, Y: m[1].Y, Z: m[2].Y},
		{X: m[0].Z, Y: m[1].Z, Z: m[2].Z},
	}
}

// Mul returns m·o.
func (m Rotation) Mul(o Rotation) Rotation {
	cols := o.Transpose()
	var out Rotation
	for i, row := range m {
		out[i] = r3.Vector{X: row.Dot(cols[0]), Y: row.Dot(cols[1]), Z: row.Dot(cols[2])}
	}
	return out
}

// MulVec returns m·v.
func (m Rotation) MulVec(v r3.Vector) r3.Vector {
	return r3.Vector{X: m[0].Dot(v), Y: m[1].Dot(v), Z: m[2].Dot(v)}
}

// RotationXYZ composes intrinsic x-y'-z'' rotations, the convention used for
// reported roll, pitch and yaw.
func RotationXYZ(roll, pitch, yaw float64) Rotation {
	return RotX(roll).Mul(RotY(pitch)).Mul(RotZ(yaw))
}

// jointRotation composes the wrist joints: yaw joint first, then roll, then
// pitch (intrinsic z-x'-y'').
func jointRotation(rollJoint, pitchJoint, yawJoint float64) Rotation {
	return RotZ(yawJoint).Mul(RotX(rollJoint)).Mul(RotY(pitchJoint))
}

// ComposeOrientation converts the three wrist joint angles into the reported
// roll, pitch and yaw. The two triples only agree in the small-angle limit.
func ComposeOrientation(rollJoint, pitchJoint, yawJoint float64) (roll, pitch, yaw float64) {
	m := jointRotation(rollJoint, pitchJoint, yawJoint)
	roll = math.Atan2(-m[1].Z, m[2].Z)
	pitch = math.Asin(clampUnit(m[0].Z))
	yaw = math.Atan2(-m[0].Y, m[0].X)
	return roll, pitch, yaw
}

// DecomposeOrientation is the inverse of ComposeOrientation away from the
// gimbal-lock singularities (|pitch| = π/2 and |rollJoint| = π/2).
func DecomposeOrientation(roll, pitch, yaw float64) (rollJoint, pitchJoint, yawJoint float64) {
	m := RotationXYZ(roll, pitch, yaw)
	rollJoint = math.Asin(clampUnit(m[2].Y))
	pitchJoint = math.Atan2(-m[2].X, m[2].Z)
	yawJoint = math.Atan2(-m[0].Y, m[1].Y)
	return rollJoint, pitchJoint, yawJoint
}

// TransformWrench re-expresses w, given in frame A, in frame B, where rot is
// the orientation of B in A and t the origin of B in A:
//
//	F_B = rotᵀ·F_A
//	M_B = rotᵀ·(M_A − t×F_A)
func TransformWrench(w Wrench, rot Rotation, t r3.Vector) Wrench {
	inv := rot.Transpose()
	return Wrench{
		Force:  inv.MulVec(w.Force),
		Moment: inv.MulVec(w.Moment.Sub(t.Cross(w.Force))),
	}
}

func clampUnit(v float64) float64 {
	return math.Max(-1, math.Min(1, v))
}
