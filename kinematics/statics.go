package kinematics

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	initialDamping = 1e-3
	minDamping     = 1e-12
	maxDamping     = 1e12
	// diagFloor keeps the damped normal matrix positive definite when a
	// column of the Jacobian vanishes.
	diagFloor = 1e-12
)

// StaticsOptions bounds the inverse-statics iteration.
type StaticsOptions struct {
	// Tolerance is the largest accepted absolute residual on any wrench
	// component.
	Tolerance float64
	// MaxIterations caps the number of Jacobian evaluations.
	MaxIterations int
	// Timeout caps wall-clock time. Zero means only the context applies.
	Timeout time.Duration
}

// DefaultStaticsOptions returns a 1e-5 tolerance and a 100 iteration cap.
func DefaultStaticsOptions() StaticsOptions {
	return StaticsOptions{Tolerance: 1e-5, MaxIterations: 100}
}

func (o StaticsOptions) withDefaults() StaticsOptions {
	def := DefaultStaticsOptions()
	if o.Tolerance <= 0 {
		o.Tolerance = def.Tolerance
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = def.MaxIterations
	}
	return o
}

// InverseStatics finds the joint torques whose estimated wrench equals target,
// using a Levenberg-Marquardt iteration from zero torque with a central
// difference Jacobian. It never returns an unconverged result: failures match
// ErrNonConvergence.
func (r *Robot) InverseStatics(ctx context.Context, target Wrench, opts StaticsOptions) (Joints, error) {
	opts = opts.withDefaults()
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	goal := target.Array()
	var evalErr error
	residual := func(dst, x []float64) {
		var q Joints
		copy(q[:], x)
		w, err := r.EstimateWrench(q)
		if err != nil {
			evalErr = err
			for i := range dst {
				dst[i] = math.NaN()
			}
			return
		}
		got := w.Array()
		floats.SubTo(dst, got[:], goal[:])
	}

	n := len(goal)
	x := make([]float64, n)
	res := make([]float64, n)
	trial := make([]float64, n)
	trialRes := make([]float64, n)
	jac := mat.NewDense(n, n, nil)
	settings := &fd.JacobianSettings{Formula: fd.Central}

	fail := func(iter int, cause error) (Joints, error) {
		return Joints{}, &ConvergenceError{Iterations: iter, Residual: floats.Norm(res, 2), Cause: cause}
	}

	residual(res, x)
	if evalErr != nil {
		return fail(0, evalErr)
	}

	lambda := initialDamping
	for iter := 0; iter < opts.MaxIterations; iter++ {
		if withinTolerance(res, opts.Tolerance) {
			return jointsFrom(x), nil
		}
		if err := expired(ctx); err != nil {
			return fail(iter, err)
		}

		evalErr = nil
		fd.Jacobian(jac, residual, x, settings)
		if evalErr != nil {
			return fail(iter, errors.Wrap(evalErr, "jacobian left the workspace"))
		}

		var jtj mat.Dense
		jtj.Mul(jac.T(), jac)
		var grad mat.VecDense
		grad.MulVec(jac.T(), mat.NewVecDense(n, res))
		cost := floats.Dot(res, res)

		accepted := false
		for lambda <= maxDamping {
			var damped mat.Dense
			damped.CloneFrom(&jtj)
			for i := 0; i < n; i++ {
				d := math.Max(jtj.At(i, i), diagFloor)
				damped.Set(i, i, jtj.At(i, i)+lambda*d)
			}

			var step mat.VecDense
			if err := step.SolveVec(&damped, &grad); err != nil {
				lambda *= 10
				continue
			}
			for i := range trial {
				trial[i] = x[i] - step.AtVec(i)
			}

			evalErr = nil
			residual(trialRes, trial)
			if evalErr == nil && floats.Dot(trialRes, trialRes) < cost {
				copy(x, trial)
				copy(res, trialRes)
				lambda = math.Max(lambda/10, minDamping)
				accepted = true
				break
			}
			lambda *= 10
		}
		if !accepted {
			return fail(iter+1, errors.New("no descent step found"))
		}
	}

	if withinTolerance(res, opts.Tolerance) {
		return jointsFrom(x), nil
	}
	return fail(opts.MaxIterations, nil)
}

// StaticsToPose solves for the torques producing target and returns the pose
// the springs deflect to under them.
func (r *Robot) StaticsToPose(ctx context.Context, target Wrench, opts StaticsOptions) (Pose, error) {
	torques, err := r.InverseStatics(ctx, target, opts)
	if err != nil {
		return Pose{}, err
	}
	return r.ForwardKinematics(r.TorquesToAngles(torques))
}

// expired is ctx.Err that also reports a passed deadline before the
// context's timer has fired.
func expired(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok && !time.Now().Before(deadline) {
		return context.DeadlineExceeded
	}
	return nil
}

func withinTolerance(res []float64, tol float64) bool {
	for _, v := range res {
		if !(math.Abs(v) <= tol) {
			return false
		}
	}
	return true
}

func jointsFrom(x []float64) Joints {
	var q Joints
	copy(q[:], x)
	return q
}
