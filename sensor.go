package delta6

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/utils"

	"delta6/kinematics"
)

var ForceSensorModel = resource.NewModel("devrel", "delta6", "force-sensor")

func init() {
	resource.RegisterComponent(sensor.API, ForceSensorModel,
		resource.Registration[sensor.Sensor, *ForceSensorConfig]{
			Constructor: newForceSensor,
		},
	)
}

// angleSource is the part of the encoder board the sensor needs.
type angleSource interface {
	ReadAngles(ctx context.Context) (kinematics.Joints, error)
	Zero(ctx context.Context) error
}

// sample is one published reading. Every field derives from the same angles.
type sample struct {
	state  kinematics.State
	pose   kinematics.Pose
	wrench kinematics.Wrench
	err    error
	at     time.Time
}

// forceSensor turns the Delta6 into a six-axis force/torque sensor.
type forceSensor struct {
	resource.Named
	resource.AlwaysRebuild

	logger   logging.Logger
	cfg      *ForceSensorConfig
	robot    *kinematics.Robot
	board    angleSource
	registry *BoardRegistry

	mu      sync.RWMutex
	latest  *sample
	readErr error

	cancel    context.CancelFunc
	workers   sync.WaitGroup
	closeOnce sync.Once
}

func newForceSensor(
	ctx context.Context,
	deps resource.Dependencies,
	rawConf resource.Config,
	logger logging.Logger,
) (sensor.Sensor, error) {
	conf, err := resource.NativeConfig[*ForceSensorConfig](rawConf)
	if err != nil {
		return nil, err
	}
	return newForceSensorWithRegistry(rawConf.ResourceName(), conf, globalBoardRegistry, logger)
}

func newForceSensorWithRegistry(
	name resource.Name,
	conf *ForceSensorConfig,
	registry *BoardRegistry,
	logger logging.Logger,
) (*forceSensor, error) {
	if _, _, err := conf.Validate(""); err != nil {
		return nil, err
	}

	geom, err := conf.Geometry()
	if err != nil {
		return nil, err
	}
	robot, err := kinematics.New(geom)
	if err != nil {
		return nil, err
	}

	board, err := registry.AcquireBoard(conf.BoardOptions(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to get shared encoder board: %w", err)
	}

	fs := &forceSensor{
		Named:    name.AsNamed(),
		logger:   logger,
		cfg:      conf,
		robot:    robot,
		board:    board,
		registry: registry,
	}
	fs.startSampler()

	logger.Infof("Delta6 force sensor on %s sampling at %.0f Hz (spring model %s)",
		conf.Port, conf.SampleRateHz, geom.SpringModel)
	return fs, nil
}

func (fs *forceSensor) startSampler() {
	ctx, cancel := context.WithCancel(context.Background())
	fs.cancel = cancel
	period := fs.cfg.samplePeriod()

	fs.workers.Add(1)
	go func() {
		defer fs.workers.Done()
		for {
			fs.sampleOnce(ctx)
			if !utils.SelectContextOrWait(ctx, period) {
				return
			}
		}
	}()
}

// sampleOnce reads the board and publishes a new snapshot. Read failures keep
// the previous snapshot and are reported on the next Readings call.
func (fs *forceSensor) sampleOnce(ctx context.Context) {
	angles, err := fs.board.ReadAngles(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		fs.mu.Lock()
		changed := fs.readErr == nil || fs.readErr.Error() != err.Error()
		fs.readErr = err
		fs.mu.Unlock()
		if changed {
			fs.logger.Warnf("Failed to read encoder board: %v", err)
		} else {
			fs.logger.Debugf("Failed to read encoder board: %v", err)
		}
		return
	}

	s := &sample{state: kinematics.NewState(fs.robot).Update(angles), at: time.Now()}
	if s.pose, s.err = s.state.Pose(); s.err == nil {
		s.wrench, s.err = s.state.Wrench()
	}

	fs.mu.Lock()
	if fs.readErr != nil {
		fs.logger.Infof("Encoder board reads recovered")
	}
	fs.latest = s
	fs.readErr = nil
	fs.mu.Unlock()
}

func (fs *forceSensor) snapshot() (*sample, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	if fs.latest == nil {
		if fs.readErr != nil {
			return nil, fmt.Errorf("no sample available: %w", fs.readErr)
		}
		return nil, errors.New("no sample available yet")
	}
	if fs.readErr != nil {
		return nil, fmt.Errorf("latest encoder read failed: %w", fs.readErr)
	}
	return fs.latest, nil
}

// Readings returns pose, wrench, angles and torques from one snapshot.
func (fs *forceSensor) Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
	s, err := fs.snapshot()
	if err != nil {
		return nil, err
	}
	if s.err != nil {
		return nil, fmt.Errorf("failed to evaluate sample: %w", s.err)
	}

	return map[string]interface{}{
		"pose":          poseToMap(s.pose),
		"wrench":        wrenchToMap(s.wrench),
		"joint_angles":  jointsToList(s.state.Angles()),
		"joint_torques": jointsToList(s.state.Torques()),
		"sample_age_ms": float64(time.Since(s.at)) / float64(time.Millisecond),
	}, nil
}

// DoCommand exposes board zeroing and the kinematics solvers.
func (fs *forceSensor) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	command, ok := cmd["command"].(string)
	if !ok {
		return nil, fmt.Errorf("command must be a string")
	}

	switch command {
	case "zero":
		if err := fs.board.Zero(ctx); err != nil {
			return nil, err
		}
		fs.logger.Info("Encoder board zeroed")
		return map[string]interface{}{"success": true}, nil

	case "get_joint_angles":
		s, err := fs.snapshot()
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"joint_angles": jointsToList(s.state.Angles())}, nil

	case "forward_kinematics":
		angles, err := jointsFromValue(cmd["joint_angles"])
		if err != nil {
			return nil, err
		}
		pose, err := fs.robot.ForwardKinematics(angles)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"pose": poseToMap(pose)}, nil

	case "inverse_kinematics":
		pose, err := poseFromValue(cmd["pose"])
		if err != nil {
			return nil, err
		}
		angles, err := fs.robot.InverseKinematics(pose)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"joint_angles": jointsToList(angles)}, nil

	case "inverse_statics":
		w, err := wrenchFromValue(cmd["wrench"])
		if err != nil {
			return nil, err
		}
		torques, err := fs.robot.InverseStatics(ctx, w, fs.cfg.StaticsOptions())
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"joint_torques": jointsToList(torques)}, nil

	case "statics_to_pose":
		w, err := wrenchFromValue(cmd["wrench"])
		if err != nil {
			return nil, err
		}
		pose, err := fs.robot.StaticsToPose(ctx, w, fs.cfg.StaticsOptions())
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"pose": poseToMap(pose)}, nil

	case "registry_status":
		refCount, hasBoard, summary := fs.registry.BoardStatus(fs.cfg.Port)
		return map[string]interface{}{
			"ref_count": refCount,
			"has_board": hasBoard,
			"config":    summary,
		}, nil

	default:
		return nil, fmt.Errorf("unknown command: %s", command)
	}
}

// Close stops the sampler and releases the shared board. Only the first
// call releases the board reference.
func (fs *forceSensor) Close(ctx context.Context) error {
	fs.closeOnce.Do(func() {
		if fs.cancel != nil {
			fs.cancel()
		}
		fs.workers.Wait()
		fs.registry.ReleaseBoard(fs.cfg.Port, fs.logger)
	})
	return nil
}

func poseToMap(p kinematics.Pose) map[string]interface{} {
	return map[string]interface{}{
		"x": p.X, "y": p.Y, "z": p.Z,
		"roll": p.Roll, "pitch": p.Pitch, "yaw": p.Yaw,
	}
}

func wrenchToMap(w kinematics.Wrench) map[string]interface{} {
	return map[string]interface{}{
		"fx": w.Force.X, "fy": w.Force.Y, "fz": w.Force.Z,
		"mx": w.Moment.X, "my": w.Moment.Y, "mz": w.Moment.Z,
	}
}

func jointsToList(j kinematics.Joints) []interface{} {
	out := make([]interface{}, len(j))
	for i, v := range j {
		out[i] = v
	}
	return out
}

func jointsFromValue(v interface{}) (kinematics.Joints, error) {
	var out kinematics.Joints
	var values []interface{}
	switch list := v.(type) {
	case []interface{}:
		values = list
	case []float64:
		for _, f := range list {
			values = append(values, f)
		}
	default:
		return out, fmt.Errorf("joint_angles must be a list of 6 numbers, got %T", v)
	}
	if len(values) != len(out) {
		return out, fmt.Errorf("joint_angles must have %d entries, got %d", len(out), len(values))
	}
	for i, item := range values {
		f, ok := toFloat(item)
		if !ok {
			return out, fmt.Errorf("joint_angles[%d] must be a number, got %T", i, item)
		}
		out[i] = f
	}
	return out, nil
}

func poseFromValue(v interface{}) (kinematics.Pose, error) {
	vals, err := floatFields(v, "pose", "x", "y", "z", "roll", "pitch", "yaw")
	if err != nil {
		return kinematics.Pose{}, err
	}
	return kinematics.Pose{X: vals[0], Y: vals[1], Z: vals[2], Roll: vals[3], Pitch: vals[4], Yaw: vals[5]}, nil
}

func wrenchFromValue(v interface{}) (kinematics.Wrench, error) {
	vals, err := floatFields(v, "wrench", "fx", "fy", "fz", "mx", "my", "mz")
	if err != nil {
		return kinematics.Wrench{}, err
	}
	var a [6]float64
	copy(a[:], vals)
	return kinematics.WrenchFromArray(a), nil
}

// floatFields reads the named numeric fields of a map. Missing fields are zero.
func floatFields(v interface{}, what string, keys ...string) ([]float64, error) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%s must be an object, got %T", what, v)
	}
	out := make([]float64, len(keys))
	for i, k := range keys {
		raw, present := m[k]
		if !present {
			continue
		}
		f, ok := toFloat(raw)
		if !ok {
			return nil, fmt.Errorf("%s.%s must be a number, got %T", what, k, raw)
		}
		out[i] = f
	}
	return out, nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
