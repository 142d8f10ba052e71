package delta6

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"go.viam.com/rdk/logging"

	"delta6/kinematics"
)

const (
	defaultSensorBaudrate      = 115200
	defaultSampleRateHz        = 100.0
	maxSampleRateHz            = 1000.0
	defaultCountsPerRevolution = 4096
	defaultStaticsTimeout      = 250 * time.Millisecond

	defaultGripperBaudrate    = 1000000
	defaultGripperServoID     = 1
	defaultMaxWidthMm         = 31.5
	defaultGripLoadThreshold  = 500
	defaultGripperSpeedMmPerS = 20.0
	defaultGripperCalibration = "delta6_gripper_calibration.json"
	defaultZOffsetUpperMm     = 33.0
	defaultZOffsetLowerMm     = 30.0
	servoPositionResolution   = 4096

	defaultGrinderBaudrate    = 115200
	defaultGrinderInitMessage = "Initialized"
	defaultGrinderInitTimeout = 10 * time.Second
)

// defaultEncoderDirections matches the board's mounting: the three wrist
// sensors read mirrored.
var defaultEncoderDirections = []float64{1, 1, 1, -1, -1, -1}

// ForceSensorConfig configures the encoder board and the mechanism geometry.
// Zero values are replaced by defaults in Validate.
type ForceSensorConfig struct {
	Port     string        `json:"port,omitempty"`
	Baudrate int           `json:"baudrate,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty"`

	SampleRateHz        float64   `json:"sample_rate_hz,omitempty"`
	CountsPerRevolution int       `json:"counts_per_revolution,omitempty"`
	EncoderDirections   []float64 `json:"encoder_directions,omitempty"`

	// Geometry, millimetres and radians
	ShortArmLength    float64 `json:"short_arm_length,omitempty"`
	ParallelArmLength float64 `json:"parallel_arm_length,omitempty"`
	BaseRadius        float64 `json:"base_radius,omitempty"`
	EndEffectorRadius float64 `json:"end_effector_radius,omitempty"`
	ThetaOffset       float64 `json:"theta_offset,omitempty"`
	ZOffsetUpper      float64 `json:"z_offset_upper,omitempty"`
	ZOffsetLower      float64 `json:"z_offset_lower,omitempty"`
	SpringCoef        float64 `json:"spring_coef,omitempty"`
	SpringModel       string  `json:"spring_model,omitempty"`

	StaticsTolerance     float64       `json:"statics_tolerance,omitempty"`
	StaticsMaxIterations int           `json:"statics_max_iterations,omitempty"`
	StaticsTimeout       time.Duration `json:"statics_timeout,omitempty"`
}

// Validate ensures all parts of the config are valid and fills defaults.
func (cfg *ForceSensorConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Port == "" {
		return nil, nil, fmt.Errorf("must specify port for serial communication")
	}

	if cfg.Baudrate == 0 {
		cfg.Baudrate = defaultSensorBaudrate
	}
	if cfg.Baudrate < 0 {
		return nil, nil, fmt.Errorf("baudrate must be positive, got %d", cfg.Baudrate)
	}

	if cfg.SampleRateHz == 0 {
		cfg.SampleRateHz = defaultSampleRateHz
	}
	if cfg.SampleRateHz < 0 || cfg.SampleRateHz > maxSampleRateHz {
		return nil, nil, fmt.Errorf("sample_rate_hz must be between 0 and %.0f, got %.1f", maxSampleRateHz, cfg.SampleRateHz)
	}

	if cfg.CountsPerRevolution == 0 {
		cfg.CountsPerRevolution = defaultCountsPerRevolution
	}
	if cfg.CountsPerRevolution < 0 {
		return nil, nil, fmt.Errorf("counts_per_revolution must be positive, got %d", cfg.CountsPerRevolution)
	}

	if len(cfg.EncoderDirections) == 0 {
		cfg.EncoderDirections = append([]float64(nil), defaultEncoderDirections...)
	}
	if len(cfg.EncoderDirections) != 6 {
		return nil, nil, fmt.Errorf("encoder_directions must have 6 entries, got %d", len(cfg.EncoderDirections))
	}
	for i, d := range cfg.EncoderDirections {
		if d != 1 && d != -1 {
			return nil, nil, fmt.Errorf("encoder_directions[%d] must be 1 or -1, got %v", i, d)
		}
	}

	def := kinematics.DefaultGeometry()
	setDefault(&cfg.ShortArmLength, def.ShortArmLength)
	setDefault(&cfg.ParallelArmLength, def.ParallelArmLength)
	setDefault(&cfg.BaseRadius, def.BaseRadius)
	setDefault(&cfg.EndEffectorRadius, def.EndEffectorRadius)
	setDefault(&cfg.ThetaOffset, def.ThetaOffset)
	setDefault(&cfg.ZOffsetUpper, defaultZOffsetUpperMm)
	setDefault(&cfg.ZOffsetLower, defaultZOffsetLowerMm)
	setDefault(&cfg.SpringCoef, def.SpringCoef)

	geom, err := cfg.Geometry()
	if err != nil {
		return nil, nil, err
	}
	if err := geom.Validate(); err != nil {
		return nil, nil, err
	}

	opts := kinematics.DefaultStaticsOptions()
	setDefault(&cfg.StaticsTolerance, opts.Tolerance)
	if cfg.StaticsTolerance < 0 {
		return nil, nil, fmt.Errorf("statics_tolerance must be positive, got %g", cfg.StaticsTolerance)
	}
	if cfg.StaticsMaxIterations == 0 {
		cfg.StaticsMaxIterations = opts.MaxIterations
	}
	if cfg.StaticsMaxIterations < 0 {
		return nil, nil, fmt.Errorf("statics_max_iterations must be positive, got %d", cfg.StaticsMaxIterations)
	}
	if cfg.StaticsTimeout == 0 {
		cfg.StaticsTimeout = defaultStaticsTimeout
	}

	return nil, nil, nil
}

// Geometry converts the config to the kinematics geometry.
func (cfg *ForceSensorConfig) Geometry() (kinematics.Geometry, error) {
	model, err := kinematics.ParseSpringModel(cfg.SpringModel)
	if err != nil {
		return kinematics.Geometry{}, err
	}
	return kinematics.Geometry{
		ShortArmLength:    cfg.ShortArmLength,
		ParallelArmLength: cfg.ParallelArmLength,
		BaseRadius:        cfg.BaseRadius,
		EndEffectorRadius: cfg.EndEffectorRadius,
		ThetaOffset:       cfg.ThetaOffset,
		ZOffset:           cfg.ZOffsetUpper + cfg.ZOffsetLower,
		SpringCoef:        cfg.SpringCoef,
		SpringModel:       model,
	}, nil
}

// StaticsOptions returns the solver bounds from the config.
func (cfg *ForceSensorConfig) StaticsOptions() kinematics.StaticsOptions {
	return kinematics.StaticsOptions{
		Tolerance:     cfg.StaticsTolerance,
		MaxIterations: cfg.StaticsMaxIterations,
		Timeout:       cfg.StaticsTimeout,
	}
}

// BoardOptions returns the serial settings shared through the board registry.
func (cfg *ForceSensorConfig) BoardOptions() BoardOptions {
	opts := BoardOptions{
		Port:                cfg.Port,
		Baudrate:            cfg.Baudrate,
		Timeout:             cfg.Timeout,
		CountsPerRevolution: cfg.CountsPerRevolution,
	}
	copy(opts.Directions[:], cfg.EncoderDirections)
	return opts
}

// samplePeriod is the sampler tick derived from sample_rate_hz.
func (cfg *ForceSensorConfig) samplePeriod() time.Duration {
	return time.Duration(float64(time.Second) / cfg.SampleRateHz)
}

func setDefault(v *float64, def float64) {
	if *v == 0 {
		*v = def
	}
}

// GripperConfig configures the Delta6 gripper servo.
type GripperConfig struct {
	Port     string        `json:"port,omitempty"`
	Baudrate int           `json:"baudrate,omitempty"`
	ServoID  int           `json:"servo_id,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty"`

	MaxWidthMm        float64 `json:"max_width_mm,omitempty"`
	SpeedMmPerSec     float64 `json:"speed_mm_per_sec,omitempty"`
	GripLoadThreshold int     `json:"grip_load_threshold,omitempty"`

	CalibrationFile string `json:"calibration_file,omitempty"`
}

// Validate ensures all parts of the config are valid
func (cfg *GripperConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Port == "" {
		return nil, nil, fmt.Errorf("must specify port for serial communication")
	}

	if cfg.ServoID == 0 {
		cfg.ServoID = defaultGripperServoID
	}
	if cfg.ServoID < 1 || cfg.ServoID > 253 {
		return nil, nil, fmt.Errorf("servo_id must be between 1 and 253, got %d", cfg.ServoID)
	}

	if cfg.Baudrate == 0 {
		cfg.Baudrate = defaultGripperBaudrate
	}

	setDefault(&cfg.MaxWidthMm, defaultMaxWidthMm)
	if cfg.MaxWidthMm < 0 {
		return nil, nil, fmt.Errorf("max_width_mm must be positive, got %.1f", cfg.MaxWidthMm)
	}

	setDefault(&cfg.SpeedMmPerSec, defaultGripperSpeedMmPerS)
	if cfg.SpeedMmPerSec < 0 {
		return nil, nil, fmt.Errorf("speed_mm_per_sec must be positive, got %.1f", cfg.SpeedMmPerSec)
	}

	if cfg.GripLoadThreshold == 0 {
		cfg.GripLoadThreshold = defaultGripLoadThreshold
	}
	if cfg.GripLoadThreshold < 0 || cfg.GripLoadThreshold > 1000 {
		return nil, nil, fmt.Errorf("grip_load_threshold must be between 0 and 1000, got %d", cfg.GripLoadThreshold)
	}

	if cfg.CalibrationFile == "" {
		cfg.CalibrationFile = defaultGripperCalibration
	}

	return nil, nil, nil
}

// CalibrationPath resolves the calibration file, placing relative paths under
// VIAM_MODULE_DATA.
func (cfg *GripperConfig) CalibrationPath() string {
	return moduleDataPath(cfg.CalibrationFile)
}

// GrinderConfig configures the grinder spindle controller.
type GrinderConfig struct {
	Port        string        `json:"port,omitempty"`
	Baudrate    int           `json:"baudrate,omitempty"`
	InitMessage string        `json:"init_message,omitempty"`
	InitTimeout time.Duration `json:"init_timeout,omitempty"`
}

// Validate ensures all parts of the config are valid and fills defaults.
func (cfg *GrinderConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Port == "" {
		return nil, nil, fmt.Errorf("must specify port for serial communication")
	}
	if cfg.Baudrate == 0 {
		cfg.Baudrate = defaultGrinderBaudrate
	}
	if cfg.Baudrate < 0 {
		return nil, nil, fmt.Errorf("baudrate must be positive, got %d", cfg.Baudrate)
	}
	if cfg.InitMessage == "" {
		cfg.InitMessage = defaultGrinderInitMessage
	}
	if cfg.InitTimeout == 0 {
		cfg.InitTimeout = defaultGrinderInitTimeout
	}
	if cfg.InitTimeout < 0 {
		return nil, nil, fmt.Errorf("init_timeout must be positive, got %v", cfg.InitTimeout)
	}
	return nil, nil, nil
}

func moduleDataPath(file string) string {
	if file == "" || filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(moduleDataDir(), file)
}

func moduleDataDir() string {
	dir := os.Getenv("VIAM_MODULE_DATA")
	if dir == "" {
		dir = "/tmp" // Fallback if VIAM_MODULE_DATA not set
	}
	return dir
}

// GripperCalibration is the stall-detected travel of the gripper servo in raw
// position counts. ClosedPosition maps to zero width.
type GripperCalibration struct {
	ServoID        int     `json:"servo_id"`
	ClosedPosition int     `json:"closed_position"`
	OpenPosition   int     `json:"open_position"`
	MaxWidthMm     float64 `json:"max_width_mm"`
}

// Validate checks the calibration describes a usable range.
func (c GripperCalibration) Validate() error {
	if c.ServoID < 1 || c.ServoID > 253 {
		return fmt.Errorf("invalid servo ID: %d", c.ServoID)
	}
	for _, p := range []int{c.ClosedPosition, c.OpenPosition} {
		if p < 0 || p >= servoPositionResolution {
			return fmt.Errorf("positions must be between 0-%d, got closed=%d open=%d",
				servoPositionResolution-1, c.ClosedPosition, c.OpenPosition)
		}
	}
	if c.ClosedPosition == c.OpenPosition {
		return fmt.Errorf("invalid range: closed and open positions are both %d", c.ClosedPosition)
	}
	if !(c.MaxWidthMm > 0) {
		return fmt.Errorf("max width must be positive, got %v", c.MaxWidthMm)
	}
	return nil
}

// LoadGripperCalibration reads and validates a calibration file.
func LoadGripperCalibration(filePath string) (GripperCalibration, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return GripperCalibration{}, fmt.Errorf("failed to read calibration file: %w", err)
	}

	var cal GripperCalibration
	if err := json.Unmarshal(data, &cal); err != nil {
		return GripperCalibration{}, fmt.Errorf("failed to parse calibration JSON: %w", err)
	}

	if err := cal.Validate(); err != nil {
		return GripperCalibration{}, fmt.Errorf("calibration validation failed: %w", err)
	}
	return cal, nil
}

// SaveGripperCalibration writes cal as indented JSON.
func SaveGripperCalibration(filePath string, cal GripperCalibration) error {
	data, err := json.MarshalIndent(cal, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal calibration: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return fmt.Errorf("failed to create calibration directory: %w", err)
	}
	if err := os.WriteFile(filePath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write calibration file: %w", err)
	}
	return nil
}

// LoadCalibration loads the configured calibration file.
// Returns (calibration, fromFile) where fromFile indicates if loaded from file
func (cfg *GripperConfig) LoadCalibration(logger logging.Logger) (GripperCalibration, bool) {
	path := cfg.CalibrationPath()
	if path == "" {
		return GripperCalibration{}, false
	}

	cal, err := LoadGripperCalibration(path)
	if err != nil {
		if logger != nil {
			logger.Infof("No usable gripper calibration at %s (%v), run the calibrate command", path, err)
		}
		return GripperCalibration{}, false
	}
	if cal.ServoID != cfg.ServoID {
		if logger != nil {
			logger.Warnf("Calibration in %s is for servo %d, not %d; ignoring it", path, cal.ServoID, cfg.ServoID)
		}
		return GripperCalibration{}, false
	}
	if math.Abs(cal.MaxWidthMm-cfg.MaxWidthMm) > 1e-9 && logger != nil {
		logger.Debugf("Calibration max width %.2f mm overridden by config %.2f mm", cal.MaxWidthMm, cfg.MaxWidthMm)
	}
	cal.MaxWidthMm = cfg.MaxWidthMm

	if logger != nil {
		logger.Infof("Successfully loaded gripper calibration from %s", path)
	}
	return cal, true
}
