package kinematics

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// minLeverArm is the smallest effective lever arm (m) a leg may have before
// its force becomes unbounded.
const minLeverArm = 1e-12

// legAzimuths are the angles of the three leg frames about z.
var legAzimuths = [3]float64{0, 2 * math.Pi / 3, 4 * math.Pi / 3}

// EstimateWrench maps six joint torques to the wrench on the end effector,
// expressed in the end-effector frame.
func (r *Robot) EstimateWrench(torques Joints) (Wrench, error) {
	angles := r.TorquesToAngles(torques)
	pose, err := r.ForwardKinematics(angles)
	if err != nil {
		return Wrench{}, errors.Wrap(err, "estimating wrench")
	}

	force, err := r.legForce(torques, angles, pose.Position())
	if err != nil {
		return Wrench{}, err
	}

	w := Wrench{
		Force:  force,
		Moment: r3.Vector{X: torques[3], Y: torques[4], Z: torques[5]},
	}
	return TransformWrench(w, pose.Rotation(), r3.Vector{}), nil
}

// legForce sums the force each parallel arm carries and returns the reaction
// on the end effector.
func (r *Robot) legForce(torques, angles Joints, pos r3.Vector) (r3.Vector, error) {
	g := r.geom
	la := g.ShortArmLength / mmPerMeter
	lb := g.ParallelArmLength / mmPerMeter
	k := (g.EndEffectorRadius - g.BaseRadius) / mmPerMeter

	p := r3.Vector{X: pos.X, Y: pos.Y, Z: pos.Z - g.ZOffset/mmPerMeter}

	var sum r3.Vector
	for i, azimuth := range legAzimuths {
		theta := angles[i] + g.ThetaOffset
		sinT, cosT := math.Sincos(theta)
		sinA, cosA := math.Sincos(azimuth)

		radial := la*cosT - k
		elbow := r3.Vector{X: cosA * radial, Y: sinA * radial, Z: la * sinT}
		u := p.Sub(elbow).Mul(1 / lb)
		local := RotZ(-azimuth).MulVec(u)

		// torque = force · lever, lever being u projected on the elbow's
		// direction of travel.
		lever := sinT*la*local.X - cosT*la*local.Z
		if math.Abs(lever) < minLeverArm {
			return r3.Vector{}, &WorkspaceError{Stage: "force estimation", Leg: i + 1}
		}
		sum = sum.Add(u.Mul(torques[i] / lever))
	}
	return sum.Mul(-1), nil
}
