package delta6

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delta6/kinematics"
)

// fakeBoardPort answers read requests with reply() and records writes.
type fakeBoardPort struct {
	mu     sync.Mutex
	in     bytes.Buffer
	writes [][]byte
	reply  func() []byte
	closed bool
}

func (p *fakeBoardPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	if p.in.Len() == 0 {
		return 0, io.EOF
	}
	return p.in.Read(b)
}

func (p *fakeBoardPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	p.writes = append(p.writes, append([]byte(nil), b...))
	if p.reply != nil && bytes.Equal(b, boardRequest(boardCmdRead)) {
		p.in.Write(p.reply())
	}
	return len(b), nil
}

func (p *fakeBoardPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakeBoardPort) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func encodeBoardFrame(counts [6]int16, flags byte) []byte {
	frame := make([]byte, boardReplyLen)
	frame[0] = boardStartByte
	for i, c := range counts {
		binary.BigEndian.PutUint16(frame[1+2*i:], uint16(c))
	}
	frame[13] = flags
	frame[14] = checksum(frame[1:14])
	return frame
}

func staticReply(counts [6]int16) func() []byte {
	return func() []byte { return encodeBoardFrame(counts, 0) }
}

func TestBoardRequest(t *testing.T) {
	assert.Equal(t, []byte{0xAA, 0x01, 0x01}, boardRequest(boardCmdZero))
	assert.Equal(t, []byte{0xAA, 0x02, 0x02}, boardRequest(boardCmdRead))
}

func TestDecodeBoardFrame(t *testing.T) {
	counts := [6]int16{0, 1024, -1024, 2047, -2048, 100}

	t.Run("valid frame", func(t *testing.T) {
		got, err := decodeBoardFrame(encodeBoardFrame(counts, 0))
		require.NoError(t, err)
		assert.Equal(t, counts, got)
	})

	t.Run("checksum mismatch", func(t *testing.T) {
		frame := encodeBoardFrame(counts, 0)
		frame[14]++
		_, err := decodeBoardFrame(frame)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "checksum")
	})

	t.Run("wrong length", func(t *testing.T) {
		_, err := decodeBoardFrame(encodeBoardFrame(counts, 0)[:10])
		require.Error(t, err)
		assert.Contains(t, err.Error(), "must be 15 bytes")
	})

	t.Run("wrong start byte", func(t *testing.T) {
		frame := encodeBoardFrame(counts, 0)
		frame[0] = 0x55
		_, err := decodeBoardFrame(frame)
		require.Error(t, err)
	})

	t.Run("sensor flags", func(t *testing.T) {
		_, err := decodeBoardFrame(encodeBoardFrame(counts, 0x05))
		var sensorErr *SensorError
		require.True(t, errors.As(err, &sensorErr))
		assert.Equal(t, byte(0x05), sensorErr.Flags)
		assert.Contains(t, err.Error(), "failed sensors 1,3")
	})

	t.Run("unknown flag bits", func(t *testing.T) {
		_, err := decodeBoardFrame(encodeBoardFrame(counts, 0x40))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "error flags 0x40")
	})
}

func TestWrapAngle(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{0, 0},
		{math.Pi / 2, math.Pi / 2},
		{math.Pi, math.Pi},
		{-math.Pi, math.Pi},
		{3 * math.Pi / 2, -math.Pi / 2},
		{-3 * math.Pi / 2, math.Pi / 2},
		{2*math.Pi + 0.25, 0.25},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, wrapAngle(tt.in), 1e-12, "wrapAngle(%v)", tt.in)
	}
}

func TestCountsToAngles(t *testing.T) {
	var dirs [6]float64
	copy(dirs[:], defaultEncoderDirections)

	got := countsToAngles([6]int16{1024, 2048, -1024, 0, 1024, 3072}, 4096, dirs)
	want := kinematics.Joints{math.Pi / 2, math.Pi, -math.Pi / 2, 0, -math.Pi / 2, math.Pi / 2}
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-12, "joint %d", i)
	}
}

func TestEncoderBoard(t *testing.T) {
	ctx := context.Background()
	counts := [6]int16{10, -20, 30, -40, 50, -60}

	t.Run("read counts", func(t *testing.T) {
		port := &fakeBoardPort{reply: staticReply(counts)}
		board := NewEncoderBoard(port, BoardOptions{Port: "/dev/fake"})

		got, err := board.ReadCounts(ctx)
		require.NoError(t, err)
		assert.Equal(t, counts, got)
		require.Len(t, port.writes, 1)
		assert.Equal(t, boardRequest(boardCmdRead), port.writes[0])
	})

	t.Run("defaults applied", func(t *testing.T) {
		board := NewEncoderBoard(&fakeBoardPort{}, BoardOptions{Port: "/dev/fake"})
		opts := board.Options()
		assert.Equal(t, defaultSensorBaudrate, opts.Baudrate)
		assert.Equal(t, defaultBoardTimeout, opts.Timeout)
		assert.Equal(t, defaultCountsPerRevolution, opts.CountsPerRevolution)
		assert.Equal(t, [6]float64{1, 1, 1, -1, -1, -1}, opts.Directions)
	})

	t.Run("read angles", func(t *testing.T) {
		port := &fakeBoardPort{reply: staticReply([6]int16{256, 0, 0, 0, 0, -256})}
		board := NewEncoderBoard(port, BoardOptions{
			Port:                "/dev/fake",
			CountsPerRevolution: 1024,
			Directions:          [6]float64{1, 1, 1, 1, 1, 1},
		})

		angles, err := board.ReadAngles(ctx)
		require.NoError(t, err)
		assert.InDelta(t, math.Pi/2, angles[0], 1e-12)
		assert.InDelta(t, -math.Pi/2, angles[5], 1e-12)
	})

	t.Run("counts and angles from one frame", func(t *testing.T) {
		port := &fakeBoardPort{reply: staticReply([6]int16{256, 0, 0, 0, 0, -256})}
		board := NewEncoderBoard(port, BoardOptions{
			Port:                "/dev/fake",
			CountsPerRevolution: 1024,
			Directions:          [6]float64{1, 1, 1, 1, 1, -1},
		})

		raw, err := board.ReadCounts(ctx)
		require.NoError(t, err)
		angles := board.Angles(raw)
		assert.Len(t, port.writes, 1)
		assert.InDelta(t, math.Pi/2, angles[0], 1e-12)
		assert.InDelta(t, math.Pi/2, angles[5], 1e-12)
	})

	t.Run("resync past noise", func(t *testing.T) {
		port := &fakeBoardPort{reply: staticReply(counts)}
		port.in.Write([]byte{0x00, 0x13, 0x7f})
		board := NewEncoderBoard(port, BoardOptions{Port: "/dev/fake"})

		got, err := board.ReadCounts(ctx)
		require.NoError(t, err)
		assert.Equal(t, counts, got)
	})

	t.Run("gives up on endless noise", func(t *testing.T) {
		port := &fakeBoardPort{}
		port.in.Write(make([]byte, 2*maxResyncBytes))
		board := NewEncoderBoard(port, BoardOptions{Port: "/dev/fake"})

		_, err := board.ReadCounts(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no start byte")
	})

	t.Run("short read", func(t *testing.T) {
		port := &fakeBoardPort{reply: func() []byte { return encodeBoardFrame(counts, 0)[:8] }}
		board := NewEncoderBoard(port, BoardOptions{Port: "/dev/fake"})

		_, err := board.ReadCounts(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "short read")
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("sensor fault", func(t *testing.T) {
		port := &fakeBoardPort{reply: func() []byte { return encodeBoardFrame(counts, 0x20) }}
		board := NewEncoderBoard(port, BoardOptions{Port: "/dev/fake"})

		_, err := board.ReadAngles(ctx)
		var sensorErr *SensorError
		require.ErrorAs(t, err, &sensorErr)
		assert.Contains(t, err.Error(), "failed sensors 6")
	})

	t.Run("zero", func(t *testing.T) {
		port := &fakeBoardPort{}
		board := NewEncoderBoard(port, BoardOptions{Port: "/dev/fake"})

		require.NoError(t, board.Zero(ctx))
		require.Len(t, port.writes, 1)
		assert.Equal(t, []byte{0xAA, 0x01, 0x01}, port.writes[0])
	})

	t.Run("cancelled context", func(t *testing.T) {
		port := &fakeBoardPort{reply: staticReply(counts)}
		board := NewEncoderBoard(port, BoardOptions{Port: "/dev/fake"})

		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		_, err := board.ReadCounts(cancelled)
		assert.ErrorIs(t, err, context.Canceled)
		assert.ErrorIs(t, board.Zero(cancelled), context.Canceled)
		assert.Empty(t, port.writes)
	})

	t.Run("close", func(t *testing.T) {
		port := &fakeBoardPort{}
		board := NewEncoderBoard(port, BoardOptions{Port: "/dev/fake"})
		require.NoError(t, board.Close())
		assert.True(t, port.isClosed())
	})
}
