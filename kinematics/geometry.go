// Package kinematics implements the Delta6 forward and inverse kinematics,
// the spring-joint force estimator and the inverse-statics solver.
//
// Lengths in Geometry are millimetres. Poses are reported in metres and
// radians, wrenches in newtons and newton-metres. The package does no I/O.
package kinematics

import (
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"
)

const mmPerMeter = 1000.0

// SpringModel selects how joint deflection maps to joint torque.
type SpringModel int

const (
	// SpringStandard uses the spring coefficient on all six joints.
	SpringStandard SpringModel = iota
	// SpringDualRollPitch doubles the stiffness of the roll and pitch joints.
	SpringDualRollPitch
)

func (m SpringModel) String() string {
	switch m {
	case SpringStandard:
		return "standard"
	case SpringDualRollPitch:
		return "dual_spring_roll_pitch"
	default:
		return fmt.Sprintf("SpringModel(%d)", int(m))
	}
}

// ParseSpringModel accepts the config names plus the legacy SDK names
// "original" and "double-springs-roll-pitch".
func ParseSpringModel(s string) (SpringModel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "standard", "original":
		return SpringStandard, nil
	case "dual_spring_roll_pitch", "double-springs-roll-pitch":
		return SpringDualRollPitch, nil
	default:
		return 0, errors.Errorf("unknown spring model %q", s)
	}
}

// multipliers is the per-joint torque multiplier table for the model.
func (m SpringModel) multipliers() Joints {
	switch m {
	case SpringDualRollPitch:
		return Joints{1, 1, 1, 2, 2, 1}
	default:
		return Joints{1, 1, 1, 1, 1, 1}
	}
}

// Geometry is the fixed mechanical description of one mechanism.
type Geometry struct {
	ShortArmLength    float64 // rf, mm
	ParallelArmLength float64 // re, mm
	BaseRadius        float64 // f, mm
	EndEffectorRadius float64 // e, mm
	ThetaOffset       float64 // rad
	ZOffset           float64 // mm, upper plus lower mounting offset
	SpringCoef        float64 // N·m/rad
	SpringModel       SpringModel
}

// DefaultGeometry returns the dimensions of the stock Delta6.
func DefaultGeometry() Geometry {
	return Geometry{
		ShortArmLength:    40.0,
		ParallelArmLength: 120.0,
		BaseRadius:        72.0,
		EndEffectorRadius: 21.24,
		ThetaOffset:       math.Pi / 6,
		ZOffset:           33 + 30,
		SpringCoef:        0.639236,
		SpringModel:       SpringStandard,
	}
}

// Validate rejects geometries the solvers cannot work with.
func (g Geometry) Validate() error {
	lengths := []struct {
		name  string
		value float64
	}{
		{"short arm length", g.ShortArmLength},
		{"parallel arm length", g.ParallelArmLength},
		{"base radius", g.BaseRadius},
		{"end effector radius", g.EndEffectorRadius},
	}
	for _, l := range lengths {
		if !(l.value > 0) || math.IsInf(l.value, 0) {
			return errors.Errorf("%s must be positive, got %v", l.name, l.value)
		}
	}
	if g.SpringCoef == 0 || math.IsNaN(g.SpringCoef) || math.IsInf(g.SpringCoef, 0) {
		return errors.Errorf("spring coefficient must be finite and non-zero, got %v", g.SpringCoef)
	}
	if g.SpringModel != SpringStandard && g.SpringModel != SpringDualRollPitch {
		return errors.Errorf("unsupported spring model %v", g.SpringModel)
	}
	return nil
}

// Robot is an immutable Delta6 instance. It is safe for concurrent use.
type Robot struct {
	geom Geometry
	// stiffness[i] is the torque per radian of joint i.
	stiffness Joints
}

// New validates g and resolves its spring model.
func New(g Geometry) (*Robot, error) {
	if err := g.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid geometry")
	}
	r := &Robot{geom: g}
	mult := g.SpringModel.multipliers()
	for i := range r.stiffness {
		r.stiffness[i] = mult[i] * g.SpringCoef
	}
	return r, nil
}

// Geometry returns the geometry the robot was built with.
func (r *Robot) Geometry() Geometry {
	return r.geom
}

// AnglesToTorques applies the linear spring law to each joint.
func (r *Robot) AnglesToTorques(angles Joints) Joints {
	var out Joints
	for i := range angles {
		out[i] = angles[i] * r.stiffness[i]
	}
	return out
}

// TorquesToAngles inverts AnglesToTorques.
func (r *Robot) TorquesToAngles(torques Joints) Joints {
	var out Joints
	for i := range torques {
		out[i] = torques[i] / r.stiffness[i]
	}
	return out
}
