// discovery.go
package delta6

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hipsterbrown/feetech-servo/feetech"
	"go.bug.st/serial/enumerator"
	"go.viam.com/rdk/components/gripper"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/discovery"
)

var DiscoveryModel = resource.NewModel("devrel", "delta6", "discovery")

const probeTimeout = 300 * time.Millisecond

func init() {
	resource.RegisterService(
		discovery.API,
		DiscoveryModel,
		resource.Registration[discovery.Service, *DiscoveryConfig]{
			Constructor: newDiscovery,
		})
}

// DiscoveryConfig is the configuration for the discovery service
type DiscoveryConfig struct {
	// GripperServoID is the servo ID pinged on each port. Defaults to 1.
	GripperServoID int `json:"gripper_servo_id,omitempty"`
}

// Validate ensures the config is valid
func (cfg *DiscoveryConfig) Validate(path string) ([]string, []string, error) {
	if cfg.GripperServoID == 0 {
		cfg.GripperServoID = defaultGripperServoID
	}
	return nil, nil, nil
}

// delta6Discovery implements the discovery service
type delta6Discovery struct {
	resource.Named
	resource.AlwaysRebuild
	resource.TriviallyCloseable
	logger logging.Logger

	listPorts    func() []string
	probeBoard   func(ctx context.Context, port string) bool
	probeGripper func(ctx context.Context, port string) bool
}

func newDiscovery(
	ctx context.Context,
	deps resource.Dependencies,
	conf resource.Config,
	logger logging.Logger,
) (discovery.Service, error) {
	cfg, err := resource.NativeConfig[*DiscoveryConfig](conf)
	if err != nil {
		return nil, err
	}
	if cfg.GripperServoID == 0 {
		cfg.GripperServoID = defaultGripperServoID
	}

	dis := &delta6Discovery{
		Named:     conf.ResourceName().AsNamed(),
		logger:    logger,
		listPorts: enumerateSerialPorts,
	}
	dis.probeBoard = dis.pingBoard
	dis.probeGripper = func(ctx context.Context, port string) bool {
		return dis.pingGripper(ctx, port, cfg.GripperServoID)
	}
	return dis, nil
}

// DiscoverResources scans serial ports for encoder boards and gripper servos
// and returns component configurations
func (dis *delta6Discovery) DiscoverResources(ctx context.Context, extra map[string]any) ([]resource.Config, error) {
	dis.logger.Info("Starting Delta6 discovery")

	// Phase 1: Enumerate all serial ports
	allPorts := dis.listPorts()
	dis.logger.Debugf("Found %d total serial ports", len(allPorts))

	// Phase 2: Filter to candidate ports
	candidates := filterCandidatePorts(allPorts)
	dis.logger.Debugf("Filtered to %d candidate ports", len(candidates))

	// Phase 3: Probe each port and generate configs
	var allConfigs []resource.Config
	for _, portPath := range candidates {
		select {
		case <-ctx.Done():
			dis.logger.Info("Discovery cancelled")
			return allConfigs, ctx.Err()
		default:
		}

		allConfigs = append(allConfigs, dis.discoverPort(ctx, portPath)...)
	}

	if len(allConfigs) == 0 {
		dis.logger.Info("No Delta6 devices discovered")
	} else {
		dis.logger.Infof("Discovered %d component configurations", len(allConfigs))
	}

	return allConfigs, nil
}

// discoverPort probes a single port and generates component configurations
func (dis *delta6Discovery) discoverPort(ctx context.Context, portPath string) []resource.Config {
	portSuffix := extractPortSuffix(portPath)
	dis.logger.Debugf("Checking port %s", portPath)

	if dis.probeBoard(ctx, portPath) {
		dis.logger.Infof("Discovered Delta6 encoder board on %s", portPath)
		return []resource.Config{{
			Name:  "delta6-force-" + portSuffix,
			API:   sensor.API,
			Model: ForceSensorModel,
			Attributes: map[string]interface{}{
				"port": portPath,
			},
		}}
	}

	if dis.probeGripper(ctx, portPath) {
		dis.logger.Infof("Discovered Delta6 gripper servo on %s", portPath)
		attrs := map[string]interface{}{
			"port": portPath,
		}
		if calibrationFile := findCalibrationFile(moduleDataDir(), portSuffix, dis.logger); calibrationFile != "" {
			attrs["calibration_file"] = calibrationFile
		}
		return []resource.Config{{
			Name:       "delta6-gripper-" + portSuffix,
			API:        gripper.API,
			Model:      GripperModel,
			Attributes: attrs,
		}}
	}

	dis.logger.Debugf("No Delta6 device detected on %s", portPath)
	return nil
}

// pingBoard asks for one encoder frame. A frame with sensor fault flags still
// proves a board is attached.
func (dis *delta6Discovery) pingBoard(ctx context.Context, portPath string) bool {
	board, err := OpenEncoderBoard(BoardOptions{Port: portPath, Timeout: probeTimeout})
	if err != nil {
		dis.logger.Debugf("Failed to open port %s: %v", portPath, err)
		return false
	}
	defer board.Close()

	_, err = board.ReadCounts(ctx)
	var sensorErr *SensorError
	return err == nil || errors.As(err, &sensorErr)
}

// pingGripper pings the gripper servo at the feetech default baud rate.
func (dis *delta6Discovery) pingGripper(ctx context.Context, portPath string, servoID int) bool {
	bus, err := feetech.NewBus(feetech.BusConfig{
		Port:     portPath,
		BaudRate: defaultGripperBaudrate,
		Protocol: feetech.ProtocolSTS,
		Timeout:  probeTimeout,
	})
	if err != nil {
		dis.logger.Debugf("Failed to open port %s: %v", portPath, err)
		return false
	}
	defer bus.Close()

	servo := feetech.NewServo(bus, servoID, &feetech.ModelSTS3215)
	_, err = servo.Ping(ctx)
	return err == nil
}

// filterCandidatePorts filters serial ports by platform-specific naming patterns
func filterCandidatePorts(ports []string) []string {
	candidates := []string{}
	for _, port := range ports {
		if isCandidatePort(port) {
			candidates = append(candidates, port)
		}
	}
	return candidates
}

// isCandidatePort checks if a port matches USB serial port patterns
func isCandidatePort(port string) bool {
	// Linux: /dev/ttyUSB*, /dev/ttyACM*
	if strings.HasPrefix(port, "/dev/ttyUSB") || strings.HasPrefix(port, "/dev/ttyACM") {
		return true
	}
	// macOS: /dev/tty.usbmodem*, /dev/tty.usbserial*, /dev/cu.usbmodem*, /dev/cu.usbserial*
	for _, prefix := range []string{"/dev/tty.usbmodem", "/dev/tty.usbserial", "/dev/cu.usbmodem", "/dev/cu.usbserial"} {
		if strings.HasPrefix(port, prefix) {
			return true
		}
	}
	// Windows: COM*
	return strings.HasPrefix(port, "COM")
}

// extractPortSuffix extracts a friendly suffix from port path for naming
// /dev/ttyUSB0 -> "ttyUSB0"
// COM3 -> "COM3"
// /dev/tty.usbmodem123 -> "usbmodem123"
func extractPortSuffix(portPath string) string {
	base := filepath.Base(portPath)

	// For macOS /dev/tty.usb* ports, strip the "tty." prefix
	if strings.HasPrefix(base, "tty.usb") {
		return strings.TrimPrefix(base, "tty.")
	}
	if strings.HasPrefix(base, "cu.usb") {
		return strings.TrimPrefix(base, "cu.")
	}

	return base
}

// findCalibrationFile searches dataDir for a gripper calibration,
// port-specific first. Returns just the filename or "" if none exists.
func findCalibrationFile(dataDir, portSuffix string, logger logging.Logger) string {
	portSpecific := portSuffix + "_gripper_calibration.json"
	if _, err := os.Stat(filepath.Join(dataDir, portSpecific)); err == nil {
		logger.Debugf("Found port-specific calibration file: %s", portSpecific)
		return portSpecific
	}

	if _, err := os.Stat(filepath.Join(dataDir, defaultGripperCalibration)); err == nil {
		logger.Debugf("Found default calibration file: %s", defaultGripperCalibration)
		return defaultGripperCalibration
	}

	logger.Debug("No calibration file found")
	return ""
}

// enumerateSerialPorts returns a list of all serial ports on the system
func enumerateSerialPorts() []string {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return []string{}
	}

	var portPaths []string
	for _, port := range ports {
		portPaths = append(portPaths, port.Name)
	}
	return portPaths
}
