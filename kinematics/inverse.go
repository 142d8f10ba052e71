package kinematics

import "math"

var sin120, cos120 = math.Sincos(2.0 * math.Pi / 3.0)

// InverseKinematics maps a pose to six joint angles. Either every leg is
// solved or an error matching ErrOutOfWorkspace is returned.
func (r *Robot) InverseKinematics(p Pose) (Joints, error) {
	g := r.geom
	x0 := p.Y * mmPerMeter
	y0 := -p.X * mmPerMeter
	z0 := -p.Z*mmPerMeter + g.ZOffset

	// Target expressed in each leg's frame: 0°, +120°, -120° about z.
	legs := [3][2]float64{
		{x0, y0},
		{x0*cos120 + y0*sin120, y0*cos120 - x0*sin120},
		{x0*cos120 - y0*sin120, y0*cos120 + x0*sin120},
	}

	var out Joints
	for i, leg := range legs {
		theta, err := r.legAngle(leg[0], leg[1], z0, i+1)
		if err != nil {
			return Joints{}, err
		}
		out[i] = theta - g.ThetaOffset
	}
	out[3], out[4], out[5] = DecomposeOrientation(p.Roll, p.Pitch, p.Yaw)
	return out, nil
}

// legAngle intersects, in the leg's y-z plane, the short-arm circle around the
// base joint with the parallel-arm sphere around the target.
func (r *Robot) legAngle(x0, y0, z0 float64, leg int) (float64, error) {
	g := r.geom
	rf, re := g.ShortArmLength, g.ParallelArmLength
	if z0 == 0 {
		return 0, &WorkspaceError{Stage: "inverse kinematics", Leg: leg}
	}

	y1 := -g.BaseRadius
	y0 -= g.EndEffectorRadius

	// z = a + b·y
	a := (x0*x0 + y0*y0 + z0*z0 + rf*rf - re*re - y1*y1) / (2 * z0)
	b := (y1 - y0) / z0

	disc := -(a+b*y1)*(a+b*y1) + rf*(b*b*rf+rf)
	if disc < 0 {
		return 0, &WorkspaceError{Stage: "inverse kinematics", Leg: leg, Discriminant: disc}
	}

	yj := (y1 - a*b - math.Sqrt(disc)) / (b*b + 1)
	zj := a + b*yj

	theta := math.Atan(-zj / (y1 - yj))
	if yj > y1 {
		theta += math.Pi
	}
	return theta, nil
}
