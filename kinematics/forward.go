package kinematics

import (
	"math"

	"github.com/golang/geo/r3"
)

var (
	sin30 = math.Sin(math.Pi / 6)
	tan60 = math.Tan(math.Pi / 3)
)

// ForwardKinematics maps six joint angles to the end-effector pose.
func (r *Robot) ForwardKinematics(angles Joints) (Pose, error) {
	p, err := r.position(angles[0], angles[1], angles[2])
	if err != nil {
		return Pose{}, err
	}
	roll, pitch, yaw := ComposeOrientation(angles[3], angles[4], angles[5])
	return Pose{X: p.X, Y: p.Y, Z: p.Z, Roll: roll, Pitch: pitch, Yaw: yaw}, nil
}

// position intersects the three spheres of radius re centred on the elbows
// of the position joints and keeps the lower intersection.
func (r *Robot) position(theta1, theta2, theta3 float64) (r3.Vector, error) {
	g := r.geom
	rf, re := g.ShortArmLength, g.ParallelArmLength
	theta1 += g.ThetaOffset
	theta2 += g.ThetaOffset
	theta3 += g.ThetaOffset

	t := g.BaseRadius - g.EndEffectorRadius

	// Leg 1 elbow lies in the y-z plane.
	y1 := -(t + rf*math.Cos(theta1))
	z1 := -rf * math.Sin(theta1)

	y2 := (t + rf*math.Cos(theta2)) * sin30
	x2 := y2 * tan60
	z2 := -rf * math.Sin(theta2)

	y3 := (t + rf*math.Cos(theta3)) * sin30
	x3 := -y3 * tan60
	z3 := -rf * math.Sin(theta3)

	dnm := (y2-y1)*x3 - (y3-y1)*x2

	w1 := y1*y1 + z1*z1
	w2 := x2*x2 + y2*y2 + z2*z2
	w3 := x3*x3 + y3*y3 + z3*z3

	// x = (a1·z + b1)/dnm, y = (a2·z + b2)/dnm
	a1 := (z2-z1)*(y3-y1) - (z3-z1)*(y2-y1)
	b1 := -((w2-w1)*(y3-y1) - (w3-w1)*(y2-y1)) / 2.0

	a2 := -(z2-z1)*x3 + (z3-z1)*x2
	b2 := ((w2-w1)*x3 - (w3-w1)*x2) / 2.0

	a := a1*a1 + a2*a2 + dnm*dnm
	b := 2 * (a1*b1 + a2*(b2-y1*dnm) - z1*dnm*dnm)
	c := (b2-y1*dnm)*(b2-y1*dnm) + b1*b1 + dnm*dnm*(z1*z1-re*re)

	disc := b*b - 4.0*a*c
	if disc < 0 || dnm == 0 {
		return r3.Vector{}, &WorkspaceError{Stage: "forward kinematics", Discriminant: disc}
	}

	z0 := -0.5 * (b + math.Sqrt(disc)) / a
	x0 := (a1*z0 + b1) / dnm
	y0 := (a2*z0 + b2) / dnm

	// Solver frame (mm) to reported frame (m): x = -y0, y = x0, z measured
	// downward from the mounting plane.
	return r3.Vector{
		X: -y0 / mmPerMeter,
		Y: x0 / mmPerMeter,
		Z: -(z0 - g.ZOffset) / mmPerMeter,
	}, nil
}
