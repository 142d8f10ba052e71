package kinematics

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrOutOfWorkspace is matched by every error caused by a negative
	// discriminant or a degenerate leg configuration.
	ErrOutOfWorkspace = errors.New("outside the reachable workspace")

	// ErrNonConvergence is matched by every inverse-statics failure.
	ErrNonConvergence = errors.New("inverse statics did not converge")
)

// WorkspaceError reports where a solve left the workspace. Leg is 1-based and
// zero when the failure is not tied to a single leg.
type WorkspaceError struct {
	Stage        string
	Leg          int
	Discriminant float64
}

func (e *WorkspaceError) Error() string {
	if e.Leg > 0 {
		return fmt.Sprintf("%s: leg %d %s (discriminant %g)", e.Stage, e.Leg, ErrOutOfWorkspace, e.Discriminant)
	}
	return fmt.Sprintf("%s: %s (discriminant %g)", e.Stage, ErrOutOfWorkspace, e.Discriminant)
}

// Is lets errors.Is match ErrOutOfWorkspace.
func (e *WorkspaceError) Is(target error) bool {
	return target == ErrOutOfWorkspace
}

// ConvergenceError is returned instead of an unconverged torque vector.
type ConvergenceError struct {
	Iterations int
	Residual   float64
	Cause      error
}

func (e *ConvergenceError) Error() string {
	msg := fmt.Sprintf("%s after %d iterations (residual norm %g)", ErrNonConvergence, e.Iterations, e.Residual)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Is lets errors.Is match ErrNonConvergence.
func (e *ConvergenceError) Is(target error) bool {
	return target == ErrNonConvergence
}

func (e *ConvergenceError) Unwrap() error {
	return e.Cause
}
