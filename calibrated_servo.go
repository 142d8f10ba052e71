package delta6

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/hipsterbrown/feetech-servo/feetech"
)

// gripperServo is the subset of *feetech.Servo the gripper drives.
type gripperServo interface {
	Ping(ctx context.Context) (int, error)
	Position(ctx context.Context) (int, error)
	SetPosition(ctx context.Context, position int) error
	SetPositionWithSpeed(ctx context.Context, position, speed int) error
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
	Moving(ctx context.Context) (bool, error)
	Load(ctx context.Context) (int, error)
	SetOperatingMode(ctx context.Context, mode int) error
	WriteRegister(ctx context.Context, name string, data []byte) error
}

// GripperMode selects how the gripper servo is driven.
type GripperMode string

const (
	GripperModePosition GripperMode = "position"
	GripperModeTorque   GripperMode = "torque"
	GripperModeDisabled GripperMode = "disable"
)

const (
	maxGripperTorque = 1000
	// In PWM mode the goal_time register carries the torque as sign and
	// magnitude, with bit 10 set for negative values.
	torqueRegister = "goal_time"
	torqueSignBit  = 10
)

func parseGripperMode(s string) (GripperMode, error) {
	switch GripperMode(s) {
	case GripperModePosition, GripperModeTorque, GripperModeDisabled:
		return GripperMode(s), nil
	}
	return "", fmt.Errorf("unknown gripper mode %q, want position, torque or disable", s)
}

func clampTorque(torque int) int {
	return max(-maxGripperTorque, min(maxGripperTorque, torque))
}

// encodeTorque packs a clamped torque for the torque register.
func encodeTorque(torque int) []byte {
	raw := torque
	if torque < 0 {
		raw = -torque | 1<<torqueSignBit
	}
	return binary.LittleEndian.AppendUint16(nil, uint16(raw))
}

var _ gripperServo = (*feetech.Servo)(nil)

// WidthFromRaw converts a raw servo position to an opening in millimetres,
// clamped to [0, MaxWidthMm].
func (c GripperCalibration) WidthFromRaw(raw int) float64 {
	span := float64(c.OpenPosition - c.ClosedPosition)
	width := float64(raw-c.ClosedPosition) / span * c.MaxWidthMm
	return math.Max(0, math.Min(c.MaxWidthMm, width))
}

// RawFromWidth converts an opening in millimetres to a raw servo position.
// Widths outside [0, MaxWidthMm] are clamped.
func (c GripperCalibration) RawFromWidth(width float64) int {
	clamped := math.Max(0, math.Min(c.MaxWidthMm, width))
	span := float64(c.OpenPosition - c.ClosedPosition)
	return int(math.Round(float64(c.ClosedPosition) + clamped/c.MaxWidthMm*span))
}

// rawSpeed converts mm/s to servo steps/s for this calibration.
func (c GripperCalibration) rawSpeed(mmPerSec float64) int {
	span := math.Abs(float64(c.OpenPosition - c.ClosedPosition))
	speed := int(math.Round(mmPerSec / c.MaxWidthMm * span))
	if speed < 1 {
		speed = 1
	}
	return speed
}

// calibratedServo wraps a servo with width calibration. Until a calibration
// is set only raw access works.
type calibratedServo struct {
	servo       gripperServo
	calibration *GripperCalibration
	mode        GripperMode
	mu          sync.RWMutex
}

func newCalibratedServo(servo gripperServo, calibration *GripperCalibration) *calibratedServo {
	return &calibratedServo{
		servo:       servo,
		calibration: calibration,
		mode:        GripperModePosition,
	}
}

var errNotCalibrated = fmt.Errorf("gripper is not calibrated, run the calibrate command")

// Calibration returns a copy of the current calibration, if any.
func (cs *calibratedServo) Calibration() (GripperCalibration, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	if cs.calibration == nil {
		return GripperCalibration{}, false
	}
	return *cs.calibration, true
}

// UpdateCalibration safely replaces the calibration data
func (cs *calibratedServo) UpdateCalibration(calibration GripperCalibration) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.calibration = &calibration
}

// Width reads the current opening in millimetres.
func (cs *calibratedServo) Width(ctx context.Context) (float64, error) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	if cs.calibration == nil {
		return 0, errNotCalibrated
	}
	raw, err := cs.servo.Position(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read position: %w", err)
	}
	return cs.calibration.WidthFromRaw(raw), nil
}

// SetWidth commands an opening in millimetres at speed mm/s.
func (cs *calibratedServo) SetWidth(ctx context.Context, width, mmPerSec float64) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.calibration == nil {
		return errNotCalibrated
	}
	if err := cs.positionModeLocked(ctx); err != nil {
		return err
	}
	raw := cs.calibration.RawFromWidth(width)
	if err := cs.servo.SetPositionWithSpeed(ctx, raw, cs.calibration.rawSpeed(mmPerSec)); err != nil {
		return fmt.Errorf("failed to set position with speed: %w", err)
	}
	return nil
}

// Hold commands the servo to stay where it is.
func (cs *calibratedServo) Hold(ctx context.Context) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	switch cs.mode {
	case GripperModeDisabled:
		return nil
	case GripperModeTorque:
		if err := cs.servo.WriteRegister(ctx, torqueRegister, encodeTorque(0)); err != nil {
			return fmt.Errorf("failed to zero torque: %w", err)
		}
	}
	if err := cs.positionModeLocked(ctx); err != nil {
		return err
	}

	raw, err := cs.servo.Position(ctx)
	if err != nil {
		return fmt.Errorf("failed to read position: %w", err)
	}
	if err := cs.servo.SetPosition(ctx, raw); err != nil {
		return fmt.Errorf("failed to set position: %w", err)
	}
	return nil
}

// RawPosition reads the uncalibrated position.
func (cs *calibratedServo) RawPosition(ctx context.Context) (int, error) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.servo.Position(ctx)
}

// SetRawPosition commands an uncalibrated position.
func (cs *calibratedServo) SetRawPosition(ctx context.Context, raw int) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if err := cs.positionModeLocked(ctx); err != nil {
		return err
	}
	return cs.servo.SetPosition(ctx, raw)
}

// Mode returns the current drive mode.
func (cs *calibratedServo) Mode() GripperMode {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.mode
}

// SetMode switches between position control, open-loop torque and a
// released servo.
func (cs *calibratedServo) SetMode(ctx context.Context, mode GripperMode) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.setModeLocked(ctx, mode)
}

// SetTorque drives the servo open-loop, switching to torque mode first if
// needed. The torque is clamped to ±1000 and the applied value returned.
func (cs *calibratedServo) SetTorque(ctx context.Context, torque int) (int, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if err := cs.setModeLocked(ctx, GripperModeTorque); err != nil {
		return 0, err
	}
	torque = clampTorque(torque)
	if err := cs.servo.WriteRegister(ctx, torqueRegister, encodeTorque(torque)); err != nil {
		return 0, fmt.Errorf("failed to write torque: %w", err)
	}
	return torque, nil
}

func (cs *calibratedServo) positionModeLocked(ctx context.Context) error {
	return cs.setModeLocked(ctx, GripperModePosition)
}

func (cs *calibratedServo) setModeLocked(ctx context.Context, mode GripperMode) error {
	if mode == cs.mode {
		return nil
	}
	switch mode {
	case GripperModePosition:
		if err := cs.servo.SetOperatingMode(ctx, feetech.ModePosition); err != nil {
			return fmt.Errorf("failed to select position mode: %w", err)
		}
		if err := cs.servo.Enable(ctx); err != nil {
			return fmt.Errorf("failed to enable torque: %w", err)
		}
	case GripperModeTorque:
		if err := cs.servo.WriteRegister(ctx, torqueRegister, encodeTorque(0)); err != nil {
			return fmt.Errorf("failed to zero torque: %w", err)
		}
		if err := cs.servo.SetOperatingMode(ctx, feetech.ModePWM); err != nil {
			return fmt.Errorf("failed to select torque mode: %w", err)
		}
		if err := cs.servo.Enable(ctx); err != nil {
			return fmt.Errorf("failed to enable torque: %w", err)
		}
	case GripperModeDisabled:
		if err := cs.servo.Disable(ctx); err != nil {
			return fmt.Errorf("failed to disable torque: %w", err)
		}
	default:
		return fmt.Errorf("unknown gripper mode %q", mode)
	}
	cs.mode = mode
	return nil
}

// Enable enables the servo torque
func (cs *calibratedServo) Enable(ctx context.Context) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.servo.Enable(ctx)
}

// Disable disables the servo torque
func (cs *calibratedServo) Disable(ctx context.Context) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if err := cs.servo.Disable(ctx); err != nil {
		return err
	}
	cs.mode = GripperModeDisabled
	return nil
}

// Moving checks if servo is currently moving
func (cs *calibratedServo) Moving(ctx context.Context) (bool, error) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.servo.Moving(ctx)
}

// Load reads the current load on the servo
// Returns signed value: positive = clockwise load, negative = counter-clockwise
func (cs *calibratedServo) Load(ctx context.Context) (int, error) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.servo.Load(ctx)
}
