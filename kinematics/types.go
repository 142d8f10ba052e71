package kinematics

import "github.com/golang/geo/r3"

// Joints holds one value per joint: three position joints, then the roll,
// pitch and yaw joints. It is used for both angles (rad) and torques (N·m).
type Joints [6]float64

// Pose is the end-effector pose in metres and radians.
type Pose struct {
	X, Y, Z          float64
	Roll, Pitch, Yaw float64
}

// Position returns the translational part of the pose.
func (p Pose) Position() r3.Vector {
	return r3.Vector{X: p.X, Y: p.Y, Z: p.Z}
}

// Rotation returns the orientation of the pose as a matrix.
func (p Pose) Rotation() Rotation {
	return RotationXYZ(p.Roll, p.Pitch, p.Yaw)
}

// Array returns (x, y, z, roll, pitch, yaw).
func (p Pose) Array() [6]float64 {
	return [6]float64{p.X, p.Y, p.Z, p.Roll, p.Pitch, p.Yaw}
}

// Wrench is a force (N) and moment (N·m) acting on the end effector.
type Wrench struct {
	Force  r3.Vector
	Moment r3.Vector
}

// WrenchFromArray builds a wrench from (fx, fy, fz, mx, my, mz).
func WrenchFromArray(a [6]float64) Wrench {
	return Wrench{
		Force:  r3.Vector{X: a[0], Y: a[1], Z: a[2]},
		Moment: r3.Vector{X: a[3], Y: a[4], Z: a[5]},
	}
}

// Array returns (fx, fy, fz, mx, my, mz).
func (w Wrench) Array() [6]float64 {
	return [6]float64{w.Force.X, w.Force.Y, w.Force.Z, w.Moment.X, w.Moment.Y, w.Moment.Z}
}
