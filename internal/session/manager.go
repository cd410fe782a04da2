// Package session serves byte ranges of a planned archive.
//
// A Manager owns the live set of range readers and a single sequential
// producer that streams entry content from its source. Readers drive the
// producer one step at a time: a reader that cannot make progress from
// static layout bytes or its own queue either waits for the step in flight
// or runs the next one itself. Each step reads one chunk of one entry and
// hands the chunk to every reader that needs it.
package session

import (
	"context"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"sync"

	"github.com/meigma/vzip/internal/layout"
	"github.com/meigma/vzip/internal/sizing"
	"github.com/meigma/vzip/internal/ziptype"
)

const (
	// DefaultChunkSize is the number of content bytes read per producer step.
	DefaultChunkSize = 32 << 10

	// DefaultLookahead bounds the bytes buffered per reader.
	DefaultLookahead = 256 << 10
)

// Source is the content of one entry.
type Source interface {
	io.ReaderAt
	io.Closer
}

// OpenFunc opens the source of entry i.
type OpenFunc func(ctx context.Context, i int) (Source, error)

// ProgressFunc is called after each chunk with the entry index and the
// number of bytes of that entry read so far.
type ProgressFunc func(entry int, emitted uint64)

// Option configures a Manager.
type Option func(*Manager)

// WithChunkSize sets the number of bytes read per producer step.
// Non-positive values are ignored.
func WithChunkSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.chunkSize = n
		}
	}
}

// WithLookahead sets the maximum number of bytes buffered per reader.
// Non-positive values are ignored.
func WithLookahead(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.lookahead = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithCRCs marks the CRC-32 of the given entries as known in advance.
func WithCRCs(crcs map[int]uint32) Option {
	return func(m *Manager) {
		m.declared = crcs
	}
}

// WithProgress registers a callback invoked after every chunk read.
func WithProgress(fn ProgressFunc) Option {
	return func(m *Manager) {
		m.progress = fn
	}
}

// State is the position of the sequential producer: the next content byte
// it will read is byte Emitted of entry Entry.
type State struct {
	Entry   int
	Emitted uint64
}

// crcState tracks the checksum of one entry. Until known, hash covers the
// first pos bytes of content.
type crcState struct {
	known bool
	value uint32
	hash  hash.Hash32
	pos   uint64
}

// Manager serves concurrent range reads over one planned layout.
type Manager struct {
	layout    *layout.Layout
	open      OpenFunc
	chunkSize int
	lookahead int
	logger    *slog.Logger
	declared  map[int]uint32
	progress  ProgressFunc

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	cond    *sync.Cond
	readers map[*Reader]struct{}
	crcs    []crcState
	failed  []error
	closed  bool

	// Producer state. Only the goroutine that set busy touches src and buf
	// while the lock is released.
	busy     bool
	state    State
	src      Source
	srcEntry int
	buf      []byte
}

// New creates a Manager serving l. open is called by the producer whenever it
// starts reading an entry.
func New(l *layout.Layout, open OpenFunc, opts ...Option) (*Manager, error) {
	m := &Manager{
		layout:    l,
		open:      open,
		chunkSize: DefaultChunkSize,
		lookahead: DefaultLookahead,
		readers:   make(map[*Reader]struct{}),
		crcs:      make([]crcState, len(l.Entries)),
		failed:    make([]error, len(l.Entries)),
		srcEntry:  -1,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.cond = sync.NewCond(&m.mu)
	m.ctx, m.cancel = context.WithCancel(context.Background())

	for i, e := range l.Entries {
		if e.Size == 0 {
			m.crcs[i].known = true
		}
	}
	for i, crc := range m.declared {
		if i < 0 || i >= len(l.Entries) {
			return nil, fmt.Errorf("%w: checksum for entry %d of %d", ziptype.ErrValidation, i, len(l.Entries))
		}
		m.crcs[i] = crcState{known: true, value: crc}
	}
	return m, nil
}

func (m *Manager) log() *slog.Logger {
	if m.logger != nil {
		return m.logger
	}
	return slog.New(slog.DiscardHandler)
}

// Size returns the total archive size.
func (m *Manager) Size() uint64 {
	return m.layout.Size
}

// State returns the current producer position.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CRC returns the checksum of entry i if it is known.
func (m *Manager) CRC(i int) (uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.crcs[i]
	return c.value, c.known
}

// Live returns the number of live readers.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.readers)
}

// Open starts a range read of length bytes at off. The reader is removed
// from the live set when it reaches the end of the range, is closed, or
// ctx is done.
func (m *Manager) Open(ctx context.Context, off, length uint64) (*Reader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	end, ok := sizing.RangeEnd(off, length)
	if length == 0 || !ok || end > m.layout.Size {
		return nil, fmt.Errorf("%w: offset %d length %d in archive of %d bytes",
			ziptype.ErrInvalidRange, off, length, m.layout.Size)
	}

	r := &Reader{m: m, ctx: ctx, off: off, end: end, cursor: off}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ziptype.ErrClosed
	}
	m.readers[r] = struct{}{}
	m.mu.Unlock()

	r.stop = context.AfterFunc(ctx, func() {
		r.cancel(context.Cause(ctx))
	})
	return r, nil
}

// Close fails every live reader with ErrClosed and releases the open source.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.cancel()
	for r := range m.readers {
		if r.err == nil {
			r.err = ziptype.ErrClosed
		}
		delete(m.readers, r)
	}
	src := m.releaseLocked()
	m.cond.Broadcast()
	m.mu.Unlock()

	if src != nil {
		return src.Close()
	}
	return nil
}

// removeLocked drops r from the live set. It returns the producer source
// when no live reader remains and the caller must close it.
func (m *Manager) removeLocked(r *Reader) Source {
	delete(m.readers, r)
	m.cond.Broadcast()
	if len(m.readers) == 0 {
		return m.releaseLocked()
	}
	return nil
}

// releaseLocked detaches the producer source unless a step is in flight, in
// which case the step releases it when it finishes.
func (m *Manager) releaseLocked() Source {
	if m.busy || m.src == nil {
		return nil
	}
	src := m.src
	m.src, m.srcEntry = nil, -1
	m.log().Debug("source released", "entry", m.state.Entry)
	return src
}
