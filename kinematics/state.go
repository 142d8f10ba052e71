package kinematics

// State is one sample of the mechanism: six joint angles plus the robot they
// belong to. Torques, pose and wrench are derived on every call, so a State
// can never hold a pose that disagrees with its angles. The zero value is not
// usable; start from NewState.
type State struct {
	robot  *Robot
	angles Joints
}

// NewState returns the state of r with every joint at zero.
func NewState(r *Robot) State {
	return State{robot: r}
}

// Update returns a copy of s with all six angles replaced.
func (s State) Update(angles Joints) State {
	return State{robot: s.robot, angles: angles}
}

// Robot returns the robot the state belongs to.
func (s State) Robot() *Robot {
	return s.robot
}

// Angles returns the joint angles in radians.
func (s State) Angles() Joints {
	return s.angles
}

// Torques returns the spring torques for the current angles.
func (s State) Torques() Joints {
	return s.robot.AnglesToTorques(s.angles)
}

// Pose runs forward kinematics on the current angles.
func (s State) Pose() (Pose, error) {
	return s.robot.ForwardKinematics(s.angles)
}

// Wrench estimates the end-effector wrench from the current spring torques.
func (s State) Wrench() (Wrench, error) {
	return s.robot.EstimateWrench(s.Torques())
}
