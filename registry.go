package delta6

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.viam.com/rdk/logging"
)

type portOpener func(opts BoardOptions) (io.ReadWriteCloser, error)

type boardEntry struct {
	board    *EncoderBoard
	opts     BoardOptions
	refCount int64 // Atomic reference counter
	mu       sync.RWMutex
}

// BoardRegistry shares one open encoder board per serial port between
// resources, closing it when the last user releases it.
type BoardRegistry struct {
	entries map[string]*boardEntry // port path -> entry
	mu      sync.RWMutex
	open    portOpener
}

// NewBoardRegistry returns a registry that opens real serial ports.
func NewBoardRegistry() *BoardRegistry {
	return newBoardRegistry(openSerialPort)
}

func newBoardRegistry(open portOpener) *BoardRegistry {
	return &BoardRegistry{
		entries: make(map[string]*boardEntry),
		open:    open,
	}
}

var globalBoardRegistry = NewBoardRegistry()

// AcquireBoard returns the shared board for opts.Port, opening it on first
// use. Every successful call must be paired with ReleaseBoard.
func (r *BoardRegistry) AcquireBoard(opts BoardOptions, logger logging.Logger) (*EncoderBoard, error) {
	opts = opts.withDefaults()

	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, exists := r.entries[opts.Port]; exists {
		return r.getExistingBoard(entry, opts)
	}
	return r.createNewBoard(opts, logger)
}

func (r *BoardRegistry) getExistingBoard(entry *boardEntry, opts BoardOptions) (*EncoderBoard, error) {
	entry.mu.RLock()
	defer entry.mu.RUnlock()

	if !boardOptionsEqual(entry.opts, opts) {
		currentRefCount := atomic.LoadInt64(&entry.refCount)
		return nil, fmt.Errorf("conflict: existing board on %s uses different config (refCount: %d)", opts.Port, currentRefCount)
	}

	atomic.AddInt64(&entry.refCount, 1)
	return entry.board, nil
}

// createNewBoard must be called with r.mu held.
func (r *BoardRegistry) createNewBoard(opts BoardOptions, logger logging.Logger) (*EncoderBoard, error) {
	port, err := r.open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open encoder board: %w", err)
	}

	entry := &boardEntry{
		board:    NewEncoderBoard(port, opts),
		opts:     opts,
		refCount: 1,
	}
	r.entries[opts.Port] = entry

	if logger != nil {
		logger.Infof("Opened encoder board on %s at %d baud", opts.Port, opts.Baudrate)
	}
	return entry.board, nil
}

// ReleaseBoard drops one reference and closes the board with the last one.
func (r *BoardRegistry) ReleaseBoard(portPath string, logger logging.Logger) {
	r.mu.Lock()
	entry, exists := r.entries[portPath]
	if !exists {
		r.mu.Unlock()
		return
	}
	if atomic.AddInt64(&entry.refCount, -1) > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.entries, portPath)
	r.mu.Unlock()

	if err := entry.close(); err != nil && logger != nil {
		logger.Warnf("error closing shared encoder board for port %s: %v", portPath, err)
	}
}

// ForceCloseBoard closes the board on portPath regardless of references.
func (r *BoardRegistry) ForceCloseBoard(portPath string) error {
	r.mu.Lock()
	entry, exists := r.entries[portPath]
	if exists {
		delete(r.entries, portPath)
	}
	r.mu.Unlock()

	if !exists {
		return nil
	}
	return entry.close()
}

func (e *boardEntry) close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	atomic.StoreInt64(&e.refCount, 0)
	if e.board == nil {
		return nil
	}
	err := e.board.Close()
	e.board = nil
	return err
}

// BoardStatus returns the reference count, whether a board is open and a
// one-line summary of its settings.
func (r *BoardRegistry) BoardStatus(portPath string) (int64, bool, string) {
	r.mu.RLock()
	entry, exists := r.entries[portPath]
	r.mu.RUnlock()

	if !exists {
		return 0, false, ""
	}

	entry.mu.RLock()
	defer entry.mu.RUnlock()

	currentRefCount := atomic.LoadInt64(&entry.refCount)
	hasBoard := entry.board != nil
	configSummary := fmt.Sprintf("Serial: %s@%d, Counts/rev: %d",
		entry.opts.Port, entry.opts.Baudrate, entry.opts.CountsPerRevolution)

	return currentRefCount, hasBoard, configSummary
}

// Compare options for compatibility
func boardOptionsEqual(a, b BoardOptions) bool {
	return a.Port == b.Port &&
		a.Baudrate == b.Baudrate &&
		a.Timeout == b.Timeout &&
		a.CountsPerRevolution == b.CountsPerRevolution &&
		a.Directions == b.Directions
}
