package delta6

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/geo/r3"
	"github.com/hipsterbrown/feetech-servo/feetech"
	"go.viam.com/rdk/components/gripper"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/utils"
)

var GripperModel = resource.NewModel("devrel", "delta6", "gripper")

const (
	gripPollInterval = 10 * time.Millisecond
	// Stall detection during calibration, in raw counts (4096 per turn):
	// about 2° per step, less than 0.5° of travel counts as stalled.
	stallStepCounts     = 23
	stallToleranceCount = 6
	stallDuration       = time.Second
	calibrationTimeout  = 30 * time.Second
	// grabbedWidthFraction of the full width separates a held object from an
	// empty close.
	grabbedWidthFraction = 0.05
	closedWidthFraction  = 0.02
)

func init() {
	resource.RegisterComponent(
		gripper.API,
		GripperModel,
		resource.Registration[gripper.Gripper, *GripperConfig]{
			Constructor: newGripper,
		},
	)
}

type delta6Gripper struct {
	resource.AlwaysRebuild

	name       resource.Name
	logger     logging.Logger
	cfg        *GripperConfig
	servo      *calibratedServo
	closeBus   func() error
	geometries []spatialmath.Geometry

	mu       sync.Mutex
	isMoving atomic.Bool
	holding  atomic.Bool

	pollInterval       time.Duration
	stallStep          int
	stallTolerance     int
	stallDuration      time.Duration
	calibrationTimeout time.Duration
}

func newGripper(ctx context.Context, deps resource.Dependencies, conf resource.Config, logger logging.Logger) (gripper.Gripper, error) {
	cfg, err := resource.NativeConfig[*GripperConfig](conf)
	if err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = time.Second
	}
	bus, err := feetech.NewBus(feetech.BusConfig{
		Port:     cfg.Port,
		BaudRate: cfg.Baudrate,
		Protocol: feetech.ProtocolSTS,
		Timeout:  timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create feetech servo bus: %w", err)
	}

	servo := feetech.NewServo(bus, cfg.ServoID, &feetech.ModelSTS3215)
	if _, err := servo.Ping(ctx); err != nil {
		bus.Close()
		return nil, fmt.Errorf("gripper servo %d not responding on %s: %w", cfg.ServoID, cfg.Port, err)
	}

	return newGripperWithServo(conf.ResourceName(), cfg, servo, bus.Close, logger)
}

func newGripperWithServo(
	name resource.Name,
	cfg *GripperConfig,
	servo gripperServo,
	closeBus func() error,
	logger logging.Logger,
) (*delta6Gripper, error) {
	if _, _, err := cfg.Validate(""); err != nil {
		return nil, err
	}

	clawSize := r3.Vector{X: 40, Y: cfg.MaxWidthMm + 20, Z: 55}
	claws, err := spatialmath.NewBox(spatialmath.NewPoseFromPoint(r3.Vector{X: 0, Y: 0, Z: clawSize.Z / 2}), clawSize, "claws")
	if err != nil {
		return nil, err
	}

	g := &delta6Gripper{
		name:               name,
		logger:             logger,
		cfg:                cfg,
		servo:              newCalibratedServo(servo, nil),
		closeBus:           closeBus,
		geometries:         []spatialmath.Geometry{claws},
		pollInterval:       gripPollInterval,
		stallStep:          stallStepCounts,
		stallTolerance:     stallToleranceCount,
		stallDuration:      stallDuration,
		calibrationTimeout: calibrationTimeout,
	}

	if cal, fromFile := cfg.LoadCalibration(logger); fromFile {
		g.servo.UpdateCalibration(cal)
	}

	logger.Debugf("Delta6 gripper initialized with servo ID %d, width 0-%.1f mm, speed %.1f mm/s",
		cfg.ServoID, cfg.MaxWidthMm, cfg.SpeedMmPerSec)
	return g, nil
}

func (g *delta6Gripper) Name() resource.Name {
	return g.name
}

func (g *delta6Gripper) Open(ctx context.Context, extra map[string]interface{}) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.isMoving.Store(true)
	defer g.isMoving.Store(false)

	g.logger.Debug("Opening gripper")
	if err := g.moveToWidth(ctx, g.cfg.MaxWidthMm, g.speed(extra)); err != nil {
		return fmt.Errorf("failed to open gripper: %w", err)
	}
	g.holding.Store(false)

	g.logger.Debug("Gripper opened")
	return nil
}

func (g *delta6Gripper) Grab(ctx context.Context, extra map[string]interface{}) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.isMoving.Store(true)
	defer g.isMoving.Store(false)
	g.holding.Store(false)

	g.logger.Debug("Attempting to grab with gripper using load monitoring")

	speed := g.speed(extra)
	if err := g.servo.SetWidth(ctx, 0, speed); err != nil {
		return false, fmt.Errorf("failed to start gripper close: %w", err)
	}

	// Time = distance / speed, with 2x safety margin, clamped to 1-10 s
	timeoutSeconds := math.Max(1, math.Min(10, g.cfg.MaxWidthMm/speed*2))
	timeout := time.Duration(timeoutSeconds * float64(time.Second))
	start := time.Now()

	closedTolerance := g.cfg.MaxWidthMm * closedWidthFraction

	for {
		if time.Since(start) > timeout {
			g.logger.Warnf("Grip operation timed out after %.2f seconds", timeoutSeconds)
			return false, fmt.Errorf("grip operation timed out after %.2f seconds", timeoutSeconds)
		}

		load, err := g.servo.Load(ctx)
		if err != nil {
			g.logger.Warnf("Failed to read servo load: %v", err)
		} else if absInt(load) > g.cfg.GripLoadThreshold {
			g.logger.Debugf("Load threshold exceeded (load: %d, threshold: %d) - stopping gripper", absInt(load), g.cfg.GripLoadThreshold)

			if err := g.servo.Hold(ctx); err != nil {
				g.logger.Warnf("Failed to stop gripper: %v", err)
			}

			width, err := g.servo.Width(ctx)
			if err != nil {
				g.logger.Warnf("Failed to read final gripper width: %v", err)
				g.holding.Store(true)
				return true, nil // Assume grabbed since load was high
			}

			grabbed := width > g.cfg.MaxWidthMm*grabbedWidthFraction
			if grabbed {
				g.logger.Debugf("Gripper grabbed object at %.1f mm", width)
			} else {
				g.logger.Debugf("Gripper closed to %.1f mm but may not have grabbed anything", width)
			}
			g.holding.Store(grabbed)
			return grabbed, nil
		}

		width, err := g.servo.Width(ctx)
		if err != nil {
			g.logger.Warnf("Failed to read gripper width: %v", err)
		} else if width <= closedTolerance {
			g.logger.Debugf("Gripper reached fully closed position (%.1f mm) without high load - nothing grabbed", width)
			return false, nil
		}

		if !utils.SelectContextOrWait(ctx, g.pollInterval) {
			return false, ctx.Err()
		}
	}
}

func (g *delta6Gripper) Stop(ctx context.Context, extra map[string]interface{}) error {
	g.isMoving.Store(false)
	return g.servo.Hold(ctx)
}

func (g *delta6Gripper) IsMoving(ctx context.Context) (bool, error) {
	return g.isMoving.Load(), nil
}

func (g *delta6Gripper) Geometries(ctx context.Context, extra map[string]interface{}) ([]spatialmath.Geometry, error) {
	return g.geometries, nil
}

func (g *delta6Gripper) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	switch cmd["command"] {
	case "calibrate":
		g.mu.Lock()
		defer g.mu.Unlock()

		g.isMoving.Store(true)
		defer g.isMoving.Store(false)

		cal, err := g.calibrate(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"success":         true,
			"closed_position": cal.ClosedPosition,
			"open_position":   cal.OpenPosition,
			"max_width_mm":    cal.MaxWidthMm,
		}, nil

	case "set_width":
		width, ok := toFloat(cmd["width_mm"])
		if !ok {
			return nil, fmt.Errorf("set_width command requires a numeric 'width_mm' parameter")
		}

		g.mu.Lock()
		defer g.mu.Unlock()

		g.isMoving.Store(true)
		defer g.isMoving.Store(false)

		target := math.Max(0, math.Min(g.cfg.MaxWidthMm, width))
		err := g.moveToWidth(ctx, target, g.speed(cmd))
		return map[string]interface{}{"success": err == nil, "width_mm": target}, err

	case "get_width":
		width, err := g.servo.Width(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"width_mm":     width,
			"max_width_mm": g.cfg.MaxWidthMm,
		}, nil

	case "get_load":
		load, err := g.servo.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read servo load: %w", err)
		}
		return map[string]interface{}{
			"load":      load,
			"threshold": g.cfg.GripLoadThreshold,
		}, nil

	case "set_mode":
		name, ok := cmd["mode"].(string)
		if !ok {
			return nil, fmt.Errorf("set_mode command requires a string 'mode' parameter")
		}
		mode, err := parseGripperMode(name)
		if err != nil {
			return nil, err
		}

		g.mu.Lock()
		defer g.mu.Unlock()

		if err := g.servo.SetMode(ctx, mode); err != nil {
			return nil, err
		}
		g.holding.Store(false)
		g.logger.Debugf("Gripper switched to %s mode", mode)
		return map[string]interface{}{"success": true, "mode": string(mode)}, nil

	case "set_torque":
		torque, ok := toFloat(cmd["torque"])
		if !ok {
			return nil, fmt.Errorf("set_torque command requires a numeric 'torque' parameter")
		}

		g.mu.Lock()
		defer g.mu.Unlock()

		torque = math.Max(-maxGripperTorque, math.Min(maxGripperTorque, torque))
		applied, err := g.servo.SetTorque(ctx, int(math.Round(torque)))
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": true, "torque": applied, "mode": string(GripperModeTorque)}, nil

	default:
		return nil, fmt.Errorf("unknown command: %v", cmd["command"])
	}
}

func (g *delta6Gripper) Close(ctx context.Context) error {
	if err := g.servo.Disable(ctx); err != nil {
		g.logger.Warnf("Failed to release gripper torque: %v", err)
	}
	if g.closeBus != nil {
		return g.closeBus()
	}
	return nil
}

func (g *delta6Gripper) CurrentInputs(ctx context.Context) ([]referenceframe.Input, error) {
	return nil, errors.ErrUnsupported
}

func (g *delta6Gripper) GoToInputs(ctx context.Context, inputs ...[]referenceframe.Input) error {
	return errors.ErrUnsupported
}

func (g *delta6Gripper) Kinematics(ctx context.Context) (referenceframe.Model, error) {
	return nil, errors.ErrUnsupported
}

func (g *delta6Gripper) IsHoldingSomething(ctx context.Context, extra map[string]interface{}) (gripper.HoldingStatus, error) {
	return gripper.HoldingStatus{IsHoldingSomething: g.holding.Load()}, nil
}

// speed returns the configured speed, overridden by a positive
// "speed_mm_per_sec" in extra.
func (g *delta6Gripper) speed(extra map[string]interface{}) float64 {
	speed := g.cfg.SpeedMmPerSec
	if extra != nil {
		if s, ok := toFloat(extra["speed_mm_per_sec"]); ok && s > 0 {
			speed = s
		}
	}
	return speed
}

// moveToWidth commands width and polls until the servo settles near it.
func (g *delta6Gripper) moveToWidth(ctx context.Context, width, speed float64) error {
	if err := g.servo.SetWidth(ctx, width, speed); err != nil {
		return err
	}

	timeoutSeconds := math.Max(1, math.Min(10, g.cfg.MaxWidthMm/speed*2))
	ctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSeconds*float64(time.Second)))
	defer cancel()

	tolerance := g.cfg.MaxWidthMm * closedWidthFraction
	for {
		current, err := g.servo.Width(ctx)
		if err == nil && math.Abs(current-width) <= tolerance {
			return nil
		}
		if err == nil {
			if moving, err := g.servo.Moving(ctx); err == nil && !moving {
				g.logger.Debugf("Gripper stopped at %.1f mm short of %.1f mm", current, width)
				return nil
			}
		}
		if !utils.SelectContextOrWait(ctx, g.pollInterval) {
			return fmt.Errorf("gripper did not reach %.1f mm: %w", width, ctx.Err())
		}
	}
}

// calibrate finds both hard stops by driving into them until the servo
// stalls, then saves the range.
func (g *delta6Gripper) calibrate(ctx context.Context) (GripperCalibration, error) {
	ctx, cancel := context.WithTimeout(ctx, g.calibrationTimeout)
	defer cancel()

	g.logger.Info("Calibrating gripper range")
	if err := g.servo.Enable(ctx); err != nil {
		return GripperCalibration{}, fmt.Errorf("failed to enable gripper torque: %w", err)
	}

	closed, err := g.driveToStall(ctx, -1)
	if err != nil {
		return GripperCalibration{}, fmt.Errorf("failed to find closed stop: %w", err)
	}
	g.logger.Debugf("Closed stop at %d", closed)

	open, err := g.driveToStall(ctx, 1)
	if err != nil {
		return GripperCalibration{}, fmt.Errorf("failed to find open stop: %w", err)
	}
	g.logger.Debugf("Open stop at %d", open)

	cal := GripperCalibration{
		ServoID:        g.cfg.ServoID,
		ClosedPosition: closed,
		OpenPosition:   open,
		MaxWidthMm:     g.cfg.MaxWidthMm,
	}
	if err := cal.Validate(); err != nil {
		return GripperCalibration{}, fmt.Errorf("calibration validation failed: %w", err)
	}
	g.servo.UpdateCalibration(cal)

	path := g.cfg.CalibrationPath()
	if err := SaveGripperCalibration(path, cal); err != nil {
		g.logger.Warnf("Calibration not saved: %v", err)
	} else {
		g.logger.Infof("Gripper calibration saved to %s", path)
	}

	// Park at the open stop, off the hard limit.
	if err := g.servo.SetRawPosition(ctx, cal.RawFromWidth(cal.MaxWidthMm)); err != nil {
		g.logger.Warnf("Failed to park gripper: %v", err)
	}
	return cal, nil
}

// driveToStall steps the target in direction until the measured position
// stops changing for stallDuration, and returns that position.
func (g *delta6Gripper) driveToStall(ctx context.Context, direction int) (int, error) {
	start, err := g.servo.RawPosition(ctx)
	if err != nil {
		return 0, err
	}
	target, last := start, start
	var unchanged time.Duration

	for {
		target += direction * g.stallStep
		target = max(0, min(servoPositionResolution-1, target))
		if err := g.servo.SetRawPosition(ctx, target); err != nil {
			return 0, err
		}

		if !utils.SelectContextOrWait(ctx, g.pollInterval) {
			return 0, ctx.Err()
		}

		current, err := g.servo.RawPosition(ctx)
		if err != nil {
			g.logger.Debugf("Failed to read gripper position: %v", err)
			continue
		}
		if absInt(current-last) < g.stallTolerance {
			unchanged += g.pollInterval
		} else {
			unchanged = 0
		}
		last = current

		if unchanged >= g.stallDuration {
			return current, nil
		}
	}
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
