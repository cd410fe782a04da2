// Package testutil provides in-memory sources and a reference archive
// builder for tests.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"sync"

	"github.com/meigma/vzip/internal/session"
)

// MockByteSource implements an in-memory entry source.
type MockByteSource struct {
	store *Store
	path  string
	data  []byte
	once  sync.Once
}

// NewMockByteSource returns a source backed by the provided data.
func NewMockByteSource(data []byte) *MockByteSource {
	return &MockByteSource{data: data}
}

// ReadAt implements io.ReaderAt semantics over the backing slice.
func (m *MockByteSource) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if m.store != nil {
		m.store.countRead(m.path, n)
	}
	if off+int64(n) >= int64(len(m.data)) {
		return n, io.EOF
	}
	return n, nil
}

// Size returns the total size of the backing data.
func (m *MockByteSource) Size() int64 {
	return int64(len(m.data))
}

// Close releases the source.
func (m *MockByteSource) Close() error {
	if m.store != nil {
		m.once.Do(func() { m.store.countClose(m.path) })
	}
	return nil
}

// Store is a concurrency-safe in-memory set of named sources that records
// how often each one is opened and read.
type Store struct {
	mu       sync.Mutex
	files    map[string][]byte
	failOpen map[string]error
	stats    map[string]*Stats
	gate     chan struct{}
}

// Stats counts the activity on one path.
type Stats struct {
	Stats     int
	Opens     int
	Open      int // currently open
	BytesRead int
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{
		files:    make(map[string][]byte),
		failOpen: make(map[string]error),
		stats:    make(map[string]*Stats),
	}
}

// Put stores content under path, replacing any previous content.
func (s *Store) Put(path string, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = content
}

// Remove deletes path.
func (s *Store) Remove(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, path)
}

// FailOpen makes every subsequent Open of path return err.
func (s *Store) FailOpen(path string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOpen[path] = err
}

// Gate makes Open block until the returned function is called.
func (s *Store) Gate() (release func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan struct{})
	s.gate = ch
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// Stat returns the size of path.
func (s *Store) Stat(ctx context.Context, path string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statsLocked(path).Stats++
	data, ok := s.files[path]
	if !ok {
		return 0, &fs.PathError{Op: "stat", Path: path, Err: fs.ErrNotExist}
	}
	return int64(len(data)), nil
}

// Version returns a validator derived from the current content of path.
func (s *Store) Version(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[path]
	if !ok {
		return "", &fs.PathError{Op: "stat", Path: path, Err: fs.ErrNotExist}
	}
	return fmt.Sprintf("%d-%08x", len(data), crc32.ChecksumIEEE(data)), nil
}

// Open opens path for reading.
func (s *Store) Open(ctx context.Context, path string) (session.Source, error) {
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failOpen[path]; err != nil {
		return nil, err
	}
	data, ok := s.files[path]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: path, Err: fs.ErrNotExist}
	}
	st := s.statsLocked(path)
	st.Opens++
	st.Open++
	return &MockByteSource{store: s, path: path, data: data}, nil
}

// Stats returns a snapshot of the activity on path.
func (s *Store) Stats(path string) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.statsLocked(path)
}

// OpenSources returns the number of sources currently open across all paths.
func (s *Store) OpenSources() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, st := range s.stats {
		n += st.Open
	}
	return n
}

// OpenFunc adapts the store to a session.OpenFunc over paths.
func (s *Store) OpenFunc(paths []string) session.OpenFunc {
	return func(ctx context.Context, i int) (session.Source, error) {
		if i < 0 || i >= len(paths) {
			return nil, fmt.Errorf("no entry %d", i)
		}
		return s.Open(ctx, paths[i])
	}
}

func (s *Store) statsLocked(path string) *Stats {
	st, ok := s.stats[path]
	if !ok {
		st = &Stats{}
		s.stats[path] = st
	}
	return st
}

func (s *Store) countRead(path string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statsLocked(path).BytesRead += n
}

func (s *Store) countClose(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statsLocked(path).Open--
}

// ErrInjected is a generic failure for error path tests.
var ErrInjected = errors.New("testutil: injected failure")
