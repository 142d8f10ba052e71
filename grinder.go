package delta6

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.viam.com/rdk/components/motor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/utils"
)

var GrinderModel = resource.NewModel("devrel", "delta6", "grinder")

const (
	grinderReadTimeout  = 100 * time.Millisecond
	grinderPollInterval = 20 * time.Millisecond
	maxGrinderLineBytes = 256
)

func init() {
	resource.RegisterComponent(motor.API, GrinderModel,
		resource.Registration[motor.Motor, *GrinderConfig]{
			Constructor: newGrinder,
		},
	)
}

// delta6Grinder drives the grinding spindle. Its controller takes a speed
// percentage per line and gives no feedback beyond its startup banner.
type delta6Grinder struct {
	resource.Named
	resource.AlwaysRebuild

	logger logging.Logger
	port   io.ReadWriteCloser

	mu      sync.Mutex
	percent float64
	closed  bool
}

func newGrinder(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (motor.Motor, error) {
	conf, err := resource.NativeConfig[*GrinderConfig](rawConf)
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(conf.Port, &serial.Mode{
		BaudRate: conf.Baudrate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open grinder on %s: %w", conf.Port, err)
	}
	if err := port.SetReadTimeout(grinderReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout on %s: %w", conf.Port, err)
	}

	g, err := newGrinderWithPort(ctx, rawConf.ResourceName(), conf, port, logger)
	if err != nil {
		port.Close()
		return nil, err
	}
	return g, nil
}

func newGrinderWithPort(
	ctx context.Context,
	name resource.Name,
	conf *GrinderConfig,
	port io.ReadWriteCloser,
	logger logging.Logger,
) (*delta6Grinder, error) {
	if _, _, err := conf.Validate(""); err != nil {
		return nil, err
	}

	logger.Infof("Waiting for grinder controller on %s to report %q", conf.Port, conf.InitMessage)
	if err := waitForLine(ctx, port, conf.InitMessage, conf.InitTimeout, logger); err != nil {
		return nil, err
	}

	g := &delta6Grinder{
		Named:  name.AsNamed(),
		logger: logger,
		port:   port,
	}
	// The controller may keep a speed from a previous session.
	if err := g.Stop(ctx, nil); err != nil {
		return nil, err
	}
	logger.Debug("Grinder initialized")
	return g, nil
}

// waitForLine reads lines from r until one equals want, ignoring surrounding
// whitespace.
func waitForLine(ctx context.Context, r io.Reader, want string, timeout time.Duration, logger logging.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	buf := make([]byte, 64)
	var line []byte
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("grinder did not report %q within %v: %w", want, timeout, err)
		}

		n, err := r.Read(buf)
		for _, c := range buf[:n] {
			if c != '\n' {
				if len(line) < maxGrinderLineBytes {
					line = append(line, c)
				}
				continue
			}
			got := strings.TrimSpace(string(line))
			line = line[:0]
			if got == "" {
				continue
			}
			logger.Debugf("Grinder says %q", got)
			if got == want {
				return nil
			}
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("failed to read from grinder: %w", err)
		}
		if n == 0 {
			utils.SelectContextOrWait(ctx, grinderPollInterval)
		}
	}
}

// writeSpeedLocked clamps percent to [0, 100] and sends it.
func (g *delta6Grinder) writeSpeedLocked(percent float64) error {
	if g.closed {
		return errors.New("grinder is closed")
	}
	percent = math.Max(0, math.Min(100, percent))
	if _, err := fmt.Fprintf(g.port, "%.1f\n", percent); err != nil {
		return fmt.Errorf("failed to send grinder speed: %w", err)
	}
	g.percent = percent
	return nil
}

// SetPower runs the spindle at powerPct of full speed. The spindle turns one
// way only, so negative power stops it.
func (g *delta6Grinder) SetPower(ctx context.Context, powerPct float64, extra map[string]interface{}) error {
	if powerPct < 0 {
		g.logger.Warnf("Grinder cannot reverse, treating power %.2f as 0", powerPct)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.writeSpeedLocked(powerPct * 100)
}

func (g *delta6Grinder) GoFor(ctx context.Context, rpm, revolutions float64, extra map[string]interface{}) error {
	return fmt.Errorf("grinder %s does not support GoFor: %w", g.Name().ShortName(), errors.ErrUnsupported)
}

func (g *delta6Grinder) GoTo(ctx context.Context, rpm, positionRevolutions float64, extra map[string]interface{}) error {
	return motor.NewGoToUnsupportedError(g.Name().ShortName())
}

func (g *delta6Grinder) SetRPM(ctx context.Context, rpm float64, extra map[string]interface{}) error {
	return motor.NewSetRPMUnsupportedError(g.Name().ShortName())
}

func (g *delta6Grinder) ResetZeroPosition(ctx context.Context, offset float64, extra map[string]interface{}) error {
	return motor.NewResetZeroPositionUnsupportedError(g.Name().ShortName())
}

func (g *delta6Grinder) Position(ctx context.Context, extra map[string]interface{}) (float64, error) {
	return 0, nil
}

func (g *delta6Grinder) Properties(ctx context.Context, extra map[string]interface{}) (motor.Properties, error) {
	return motor.Properties{PositionReporting: false}, nil
}

// IsPowered reports the last speed sent as a fraction of full speed.
func (g *delta6Grinder) IsPowered(ctx context.Context, extra map[string]interface{}) (bool, float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.percent > 0, g.percent / 100, nil
}

func (g *delta6Grinder) IsMoving(ctx context.Context) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.percent > 0, nil
}

func (g *delta6Grinder) Stop(ctx context.Context, extra map[string]interface{}) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.writeSpeedLocked(0)
}

func (g *delta6Grinder) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	switch cmd["command"] {
	case "set_speed_percent":
		percent, ok := toFloat(cmd["percent"])
		if !ok {
			return nil, fmt.Errorf("set_speed_percent command requires a numeric 'percent' parameter")
		}
		g.mu.Lock()
		defer g.mu.Unlock()
		if err := g.writeSpeedLocked(percent); err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": true, "percent": g.percent}, nil

	case "get_speed_percent":
		g.mu.Lock()
		defer g.mu.Unlock()
		return map[string]interface{}{"percent": g.percent}, nil

	default:
		return nil, fmt.Errorf("unknown command: %v", cmd["command"])
	}
}

// Close stops the spindle and closes the port.
func (g *delta6Grinder) Close(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	if err := g.writeSpeedLocked(0); err != nil {
		g.logger.Warnf("Failed to stop grinder: %v", err)
	}
	g.closed = true
	return g.port.Close()
}
