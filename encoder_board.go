package delta6

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"delta6/kinematics"
)

// Encoder board wire protocol.
const (
	boardStartByte = 0xAA

	boardCmdZero byte = 0x01
	boardCmdRead byte = 0x02

	// start, six int16 counts, error flags, checksum
	boardReplyLen = 1 + 6*2 + 1 + 1

	defaultBoardTimeout = 500 * time.Millisecond
	// maxResyncBytes bounds how much line noise is skipped looking for a
	// start byte.
	maxResyncBytes = 64
)

// BoardOptions identifies one encoder board and how its counts map to angles.
type BoardOptions struct {
	Port                string
	Baudrate            int
	Timeout             time.Duration
	CountsPerRevolution int
	Directions          [6]float64
}

func (o BoardOptions) withDefaults() BoardOptions {
	if o.Baudrate == 0 {
		o.Baudrate = defaultSensorBaudrate
	}
	if o.Timeout == 0 {
		o.Timeout = defaultBoardTimeout
	}
	if o.CountsPerRevolution == 0 {
		o.CountsPerRevolution = defaultCountsPerRevolution
	}
	if o.Directions == ([6]float64{}) {
		copy(o.Directions[:], defaultEncoderDirections)
	}
	return o
}

// SensorError reports which of the six encoders flagged a fault.
type SensorError struct {
	Flags byte
}

func (e *SensorError) Error() string {
	var failed []string
	for i := 0; i < 6; i++ {
		if e.Flags&(1<<i) != 0 {
			failed = append(failed, fmt.Sprintf("%d", i+1))
		}
	}
	if len(failed) == 0 {
		return fmt.Sprintf("encoder board reported error flags 0x%02x", e.Flags)
	}
	return fmt.Sprintf("encoder board reported failed sensors %s (flags 0x%02x)", strings.Join(failed, ","), e.Flags)
}

// EncoderBoard talks to the six-channel magnetic encoder board.
type EncoderBoard struct {
	mu   sync.Mutex
	port io.ReadWriteCloser
	opts BoardOptions
}

// NewEncoderBoard wraps an already open port.
func NewEncoderBoard(port io.ReadWriteCloser, opts BoardOptions) *EncoderBoard {
	return &EncoderBoard{port: port, opts: opts.withDefaults()}
}

// OpenEncoderBoard opens the serial port described by opts.
func OpenEncoderBoard(opts BoardOptions) (*EncoderBoard, error) {
	port, err := openSerialPort(opts.withDefaults())
	if err != nil {
		return nil, err
	}
	return NewEncoderBoard(port, opts), nil
}

func openSerialPort(opts BoardOptions) (io.ReadWriteCloser, error) {
	mode := &serial.Mode{
		BaudRate: opts.Baudrate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(opts.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open encoder board on %s: %w", opts.Port, err)
	}
	if err := port.SetReadTimeout(opts.Timeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout on %s: %w", opts.Port, err)
	}
	return port, nil
}

// Options returns the options the board was opened with, defaults applied.
func (b *EncoderBoard) Options() BoardOptions {
	return b.opts
}

// Zero asks the board to store the current readings as its zero offsets.
// The board does not reply.
func (b *EncoderBoard) Zero(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.port.Write(boardRequest(boardCmdZero)); err != nil {
		return fmt.Errorf("failed to send zero command: %w", err)
	}
	return nil
}

// ReadCounts requests one frame and returns the six raw counts.
func (b *EncoderBoard) ReadCounts(ctx context.Context) ([6]int16, error) {
	var counts [6]int16
	if err := ctx.Err(); err != nil {
		return counts, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if r, ok := b.port.(interface{ ResetInputBuffer() error }); ok {
		if err := r.ResetInputBuffer(); err != nil {
			return counts, fmt.Errorf("failed to flush encoder board input: %w", err)
		}
	}

	if _, err := b.port.Write(boardRequest(boardCmdRead)); err != nil {
		return counts, fmt.Errorf("failed to send read command: %w", err)
	}

	frame, err := b.readFrame()
	if err != nil {
		return counts, err
	}
	return decodeBoardFrame(frame)
}

// ReadAngles reads the board and converts counts to joint angles in radians.
func (b *EncoderBoard) ReadAngles(ctx context.Context) (kinematics.Joints, error) {
	counts, err := b.ReadCounts(ctx)
	if err != nil {
		return kinematics.Joints{}, err
	}
	return b.Angles(counts), nil
}

// Angles converts counts from ReadCounts to joint angles with the board's
// resolution and directions.
func (b *EncoderBoard) Angles(counts [6]int16) kinematics.Joints {
	return countsToAngles(counts, b.opts.CountsPerRevolution, b.opts.Directions)
}

// Close closes the underlying port.
func (b *EncoderBoard) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.port.Close()
}

func (b *EncoderBoard) readFrame() ([]byte, error) {
	frame := make([]byte, boardReplyLen)

	// Skip anything before the start byte.
	for skipped := 0; ; skipped++ {
		if skipped > maxResyncBytes {
			return nil, fmt.Errorf("no start byte within %d bytes", maxResyncBytes)
		}
		if err := readFull(b.port, frame[:1]); err != nil {
			return nil, err
		}
		if frame[0] == boardStartByte {
			break
		}
	}

	if err := readFull(b.port, frame[1:]); err != nil {
		return nil, err
	}
	return frame, nil
}

// readFull is io.ReadFull for ports that signal a read timeout by returning
// zero bytes and no error.
func readFull(r io.Reader, buf []byte) error {
	for n := 0; n < len(buf); {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			if err == io.EOF && n < len(buf) {
				err = io.ErrUnexpectedEOF
			}
			return fmt.Errorf("short read from encoder board (%d of %d bytes): %w", n, len(buf), err)
		}
		if m == 0 {
			return fmt.Errorf("short read from encoder board (%d of %d bytes): timed out", n, len(buf))
		}
	}
	return nil
}

func boardRequest(cmd byte) []byte {
	return []byte{boardStartByte, cmd, checksum([]byte{cmd})}
}

// checksum is the 8-bit sum of data.
func checksum(data []byte) byte {
	var sum byte
	for _, v := range data {
		sum += v
	}
	return sum
}

func decodeBoardFrame(frame []byte) ([6]int16, error) {
	var counts [6]int16
	if len(frame) != boardReplyLen {
		return counts, fmt.Errorf("encoder frame must be %d bytes, got %d", boardReplyLen, len(frame))
	}
	if frame[0] != boardStartByte {
		return counts, fmt.Errorf("encoder frame starts with 0x%02x", frame[0])
	}
	if got, want := frame[boardReplyLen-1], checksum(frame[1:boardReplyLen-1]); got != want {
		return counts, fmt.Errorf("encoder frame checksum mismatch: got 0x%02x, want 0x%02x", got, want)
	}
	if flags := frame[13]; flags != 0 {
		return counts, &SensorError{Flags: flags}
	}
	for i := range counts {
		counts[i] = int16(binary.BigEndian.Uint16(frame[1+2*i:]))
	}
	return counts, nil
}

// countsToAngles converts raw counts to radians wrapped into (-π, π] and
// applies the per-joint direction.
func countsToAngles(counts [6]int16, countsPerRev int, directions [6]float64) kinematics.Joints {
	var out kinematics.Joints
	for i, c := range counts {
		out[i] = directions[i] * wrapAngle(float64(c)*2*math.Pi/float64(countsPerRev))
	}
	return out
}

func wrapAngle(a float64) float64 {
	a = math.Mod(a, 2*math.Pi)
	if a > math.Pi {
		a -= 2 * math.Pi
	} else if a <= -math.Pi {
		a += 2 * math.Pi
	}
	return a
}
