package delta6

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hipsterbrown/feetech-servo/feetech"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/components/gripper"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
)

// fakeServo moves instantly between two hard stops. A non-zero obstacle
// blocks closing past that raw position and loads the servo while pushed.
type fakeServo struct {
	mu         sync.Mutex
	position   int
	target     int
	closedStop int
	openStop   int
	obstacle   int
	lastSpeed  int
	enabled    bool
	mode       int
	registers  map[string][]byte
}

func newFakeServo() *fakeServo {
	return &fakeServo{position: 2300, target: 2300, closedStop: 1900, openStop: 2700}
}

func (s *fakeServo) moveTo(target int) {
	s.target = target
	lo := s.closedStop
	if s.obstacle > 0 {
		lo = s.obstacle
	}
	s.position = max(lo, min(s.openStop, target))
}

func (s *fakeServo) Ping(ctx context.Context) (int, error) { return 3215, nil }

func (s *fakeServo) Position(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position, nil
}

func (s *fakeServo) SetPosition(ctx context.Context, position int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.moveTo(position)
	return nil
}

func (s *fakeServo) SetPositionWithSpeed(ctx context.Context, position, speed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSpeed = speed
	s.moveTo(position)
	return nil
}

func (s *fakeServo) Enable(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = true
	return nil
}

func (s *fakeServo) Disable(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = false
	return nil
}

func (s *fakeServo) Moving(ctx context.Context) (bool, error) { return false, nil }

func (s *fakeServo) Load(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.obstacle > 0 && s.position == s.obstacle && s.target < s.obstacle {
		return -800, nil
	}
	return 0, nil
}

func (s *fakeServo) SetOperatingMode(ctx context.Context, mode int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = mode
	return nil
}

func (s *fakeServo) WriteRegister(ctx context.Context, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.registers == nil {
		s.registers = map[string][]byte{}
	}
	s.registers[name] = append([]byte(nil), data...)
	return nil
}

func (s *fakeServo) driveState() (mode int, enabled bool, torque []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode, s.enabled, s.registers["goal_time"]
}

func (s *fakeServo) state() (position, target int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position, s.target
}

var testGripperCalibration = GripperCalibration{ServoID: 1, ClosedPosition: 1900, OpenPosition: 2700, MaxWidthMm: 31.5}

func newTestGripper(t *testing.T, servo gripperServo, cal *GripperCalibration) (*delta6Gripper, *GripperConfig) {
	t.Helper()
	cfg := &GripperConfig{Port: "/dev/ttyUSB1", CalibrationFile: filepath.Join(t.TempDir(), "gripper.json")}
	if cal != nil {
		require.NoError(t, SaveGripperCalibration(cfg.CalibrationFile, *cal))
	}

	g, err := newGripperWithServo(resource.NewName(gripper.API, "gripper"), cfg, servo, nil, logging.NewTestLogger(t))
	require.NoError(t, err)
	g.pollInterval = time.Millisecond
	g.stallDuration = 5 * time.Millisecond
	return g, cfg
}

func TestGripperCalibrationMath(t *testing.T) {
	cal := testGripperCalibration
	assert.Equal(t, 1900, cal.RawFromWidth(0))
	assert.Equal(t, 2700, cal.RawFromWidth(31.5))
	assert.Equal(t, 2700, cal.RawFromWidth(50), "clamped above")
	assert.Equal(t, 1900, cal.RawFromWidth(-3), "clamped below")
	assert.InDelta(t, 15.75, cal.WidthFromRaw(2300), 1e-9)
	assert.Equal(t, 0.0, cal.WidthFromRaw(1000))
	assert.Equal(t, 508, cal.rawSpeed(20))
	assert.Equal(t, 1, cal.rawSpeed(0.001))

	reversed := GripperCalibration{ServoID: 1, ClosedPosition: 2700, OpenPosition: 1900, MaxWidthMm: 31.5}
	assert.Equal(t, 2700, reversed.RawFromWidth(0))
	assert.InDelta(t, 31.5, reversed.WidthFromRaw(1900), 1e-9)
}

func TestGripperUncalibrated(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGripper(t, newFakeServo(), nil)

	err := g.Open(ctx, nil)
	assert.ErrorIs(t, err, errNotCalibrated)

	_, err = g.DoCommand(ctx, map[string]interface{}{"command": "get_width"})
	assert.ErrorIs(t, err, errNotCalibrated)

	moving, err := g.IsMoving(ctx)
	require.NoError(t, err)
	assert.False(t, moving)
}

func TestGripperCalibrate(t *testing.T) {
	ctx := context.Background()
	servo := newFakeServo()
	g, cfg := newTestGripper(t, servo, nil)

	resp, err := g.DoCommand(ctx, map[string]interface{}{"command": "calibrate"})
	require.NoError(t, err)
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, 1900, resp["closed_position"])
	assert.Equal(t, 2700, resp["open_position"])

	position, _ := servo.state()
	assert.Equal(t, 2700, position, "parked at the open stop")

	saved, err := LoadGripperCalibration(cfg.CalibrationFile)
	require.NoError(t, err)
	assert.Equal(t, testGripperCalibration, saved)

	reloaded, _ := newTestGripper(t, newFakeServo(), &saved)
	cal, ok := reloaded.servo.Calibration()
	require.True(t, ok)
	assert.Equal(t, 1900, cal.ClosedPosition)
}

func TestGripperMotion(t *testing.T) {
	ctx := context.Background()
	servo := newFakeServo()
	g, _ := newTestGripper(t, servo, &testGripperCalibration)

	t.Run("open", func(t *testing.T) {
		require.NoError(t, g.Open(ctx, nil))
		position, _ := servo.state()
		assert.Equal(t, 2700, position)
		assert.Equal(t, 508, servo.lastSpeed)

		resp, err := g.DoCommand(ctx, map[string]interface{}{"command": "get_width"})
		require.NoError(t, err)
		assert.InDelta(t, 31.5, resp["width_mm"], 1e-9)
		assert.Equal(t, 31.5, resp["max_width_mm"])
	})

	t.Run("speed override", func(t *testing.T) {
		require.NoError(t, g.Open(ctx, map[string]interface{}{"speed_mm_per_sec": 10.0}))
		assert.Equal(t, 254, servo.lastSpeed)
	})

	t.Run("set_width", func(t *testing.T) {
		resp, err := g.DoCommand(ctx, map[string]interface{}{"command": "set_width", "width_mm": 10})
		require.NoError(t, err)
		assert.Equal(t, true, resp["success"])

		resp, err = g.DoCommand(ctx, map[string]interface{}{"command": "get_width"})
		require.NoError(t, err)
		assert.InDelta(t, 10, resp["width_mm"], 0.05)
	})

	t.Run("set_width clamps", func(t *testing.T) {
		resp, err := g.DoCommand(ctx, map[string]interface{}{"command": "set_width", "width_mm": 100.0})
		require.NoError(t, err)
		assert.Equal(t, 31.5, resp["width_mm"])
	})

	t.Run("set_width needs a width", func(t *testing.T) {
		_, err := g.DoCommand(ctx, map[string]interface{}{"command": "set_width"})
		assert.ErrorContains(t, err, "width_mm")
	})

	t.Run("grab with nothing in the way", func(t *testing.T) {
		grabbed, err := g.Grab(ctx, nil)
		require.NoError(t, err)
		assert.False(t, grabbed)

		status, err := g.IsHoldingSomething(ctx, nil)
		require.NoError(t, err)
		assert.False(t, status.IsHoldingSomething)
	})

	t.Run("grab an object", func(t *testing.T) {
		require.NoError(t, g.Open(ctx, nil))
		servo.mu.Lock()
		servo.obstacle = 2300
		servo.mu.Unlock()
		defer func() {
			servo.mu.Lock()
			servo.obstacle = 0
			servo.mu.Unlock()
		}()

		grabbed, err := g.Grab(ctx, nil)
		require.NoError(t, err)
		assert.True(t, grabbed)

		position, target := servo.state()
		assert.Equal(t, 2300, position)
		assert.Equal(t, 2300, target, "holds where it stopped")

		status, err := g.IsHoldingSomething(ctx, nil)
		require.NoError(t, err)
		assert.True(t, status.IsHoldingSomething)

		resp, err := g.DoCommand(ctx, map[string]interface{}{"command": "get_load"})
		require.NoError(t, err)
		assert.Equal(t, 0, resp["load"])
		assert.Equal(t, 500, resp["threshold"])

		require.NoError(t, g.Open(ctx, nil))
		status, err = g.IsHoldingSomething(ctx, nil)
		require.NoError(t, err)
		assert.False(t, status.IsHoldingSomething)
	})

	t.Run("grab respects cancellation", func(t *testing.T) {
		require.NoError(t, g.Open(ctx, nil))
		servo.mu.Lock()
		servo.obstacle = 2300
		servo.closedStop = 2300
		servo.mu.Unlock()
		defer func() {
			servo.mu.Lock()
			servo.obstacle = 0
			servo.closedStop = 1900
			servo.mu.Unlock()
		}()
		// The obstacle never loads the servo past the threshold here.
		g.cfg.GripLoadThreshold = 1000
		defer func() { g.cfg.GripLoadThreshold = 500 }()

		cancelled, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err := g.Grab(cancelled, nil)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("stop", func(t *testing.T) {
		require.NoError(t, g.Stop(ctx, nil))
		moving, err := g.IsMoving(ctx)
		require.NoError(t, err)
		assert.False(t, moving)
	})
}

func TestEncodeTorque(t *testing.T) {
	assert.Equal(t, []byte{0x00, 0x00}, encodeTorque(0))
	assert.Equal(t, []byte{0x2c, 0x01}, encodeTorque(300))
	assert.Equal(t, []byte{0x2c, 0x05}, encodeTorque(-300))
	assert.Equal(t, []byte{0xe8, 0x07}, encodeTorque(-1000))
	assert.Equal(t, 1000, clampTorque(1500))
	assert.Equal(t, -1000, clampTorque(-1500))
}

func TestGripperTorqueMode(t *testing.T) {
	ctx := context.Background()
	servo := newFakeServo()
	g, _ := newTestGripper(t, servo, &testGripperCalibration)

	t.Run("set_torque switches to torque mode", func(t *testing.T) {
		resp, err := g.DoCommand(ctx, map[string]interface{}{"command": "set_torque", "torque": 300})
		require.NoError(t, err)
		assert.Equal(t, 300, resp["torque"])
		assert.Equal(t, "torque", resp["mode"])

		mode, enabled, torque := servo.driveState()
		assert.Equal(t, feetech.ModePWM, mode)
		assert.True(t, enabled)
		assert.Equal(t, []byte{0x2c, 0x01}, torque)
		assert.Equal(t, GripperModeTorque, g.servo.Mode())
	})

	t.Run("set_torque clamps", func(t *testing.T) {
		resp, err := g.DoCommand(ctx, map[string]interface{}{"command": "set_torque", "torque": -1500.0})
		require.NoError(t, err)
		assert.Equal(t, -1000, resp["torque"])
		_, _, torque := servo.driveState()
		assert.Equal(t, []byte{0xe8, 0x07}, torque)
	})

	t.Run("stop zeroes torque and holds", func(t *testing.T) {
		require.NoError(t, g.Stop(ctx, nil))
		mode, enabled, torque := servo.driveState()
		assert.Equal(t, feetech.ModePosition, mode)
		assert.True(t, enabled)
		assert.Equal(t, []byte{0x00, 0x00}, torque)
	})

	t.Run("position commands restore position mode", func(t *testing.T) {
		_, err := g.DoCommand(ctx, map[string]interface{}{"command": "set_torque", "torque": 200})
		require.NoError(t, err)
		require.NoError(t, g.Open(ctx, nil))

		mode, enabled, _ := servo.driveState()
		assert.Equal(t, feetech.ModePosition, mode)
		assert.True(t, enabled)
		assert.Equal(t, GripperModePosition, g.servo.Mode())
		position, _ := servo.state()
		assert.Equal(t, 2700, position)
	})

	t.Run("disable releases the servo", func(t *testing.T) {
		resp, err := g.DoCommand(ctx, map[string]interface{}{"command": "set_mode", "mode": "disable"})
		require.NoError(t, err)
		assert.Equal(t, "disable", resp["mode"])
		_, enabled, _ := servo.driveState()
		assert.False(t, enabled)

		require.NoError(t, g.Stop(ctx, nil))
		_, enabled, _ = servo.driveState()
		assert.False(t, enabled, "stop leaves a released servo released")

		resp, err = g.DoCommand(ctx, map[string]interface{}{"command": "set_mode", "mode": "position"})
		require.NoError(t, err)
		assert.Equal(t, "position", resp["mode"])
		_, enabled, _ = servo.driveState()
		assert.True(t, enabled)
	})

	t.Run("bad requests", func(t *testing.T) {
		_, err := g.DoCommand(ctx, map[string]interface{}{"command": "set_mode", "mode": "turbo"})
		assert.ErrorContains(t, err, "unknown gripper mode")
		_, err = g.DoCommand(ctx, map[string]interface{}{"command": "set_mode"})
		assert.ErrorContains(t, err, "'mode'")
		_, err = g.DoCommand(ctx, map[string]interface{}{"command": "set_torque"})
		assert.ErrorContains(t, err, "'torque'")
	})
}

func TestGripperMisc(t *testing.T) {
	ctx := context.Background()
	servo := newFakeServo()
	closed := 0
	cfg := &GripperConfig{Port: "/dev/ttyUSB1", CalibrationFile: filepath.Join(t.TempDir(), "none.json")}
	g, err := newGripperWithServo(resource.NewName(gripper.API, "gripper"), cfg, servo,
		func() error { closed++; return nil }, logging.NewTestLogger(t))
	require.NoError(t, err)

	assert.Equal(t, "gripper", g.Name().ShortName())

	geoms, err := g.Geometries(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, geoms, 1)

	_, err = g.CurrentInputs(ctx)
	assert.True(t, errors.Is(err, errors.ErrUnsupported))
	assert.ErrorIs(t, g.GoToInputs(ctx), errors.ErrUnsupported)
	_, err = g.Kinematics(ctx)
	assert.ErrorIs(t, err, errors.ErrUnsupported)

	_, err = g.DoCommand(ctx, map[string]interface{}{"command": "juggle"})
	assert.ErrorContains(t, err, "unknown command: juggle")

	require.NoError(t, servo.Enable(ctx))
	require.NoError(t, g.Close(ctx))
	assert.Equal(t, 1, closed)
	assert.False(t, servo.enabled)

	_, err = newGripperWithServo(resource.NewName(gripper.API, "bad"), &GripperConfig{}, servo, nil, logging.NewTestLogger(t))
	assert.ErrorContains(t, err, "must specify port")
}
