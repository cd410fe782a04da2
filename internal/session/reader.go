package session

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/meigma/vzip/internal/layout"
	"github.com/meigma/vzip/internal/ziptype"
)

// Reader reads one byte range of the archive. It is safe to use a Reader
// from one goroutine while other goroutines use other Readers of the same
// Manager.
type Reader struct {
	m    *Manager
	ctx  context.Context
	off  uint64
	end  uint64
	stop func() bool

	// Guarded by m.mu. queue holds the content bytes starting at cursor.
	cursor uint64
	queue  []byte
	err    error
	closed bool
}

// Offset returns the first archive offset of the range.
func (r *Reader) Offset() uint64 { return r.off }

// Len returns the length of the range.
func (r *Reader) Len() uint64 { return r.end - r.off }

// Read implements io.Reader. Bytes are returned in increasing offset order
// without gaps.
func (r *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	m := r.m
	var release Source
	defer func() {
		if release != nil {
			_ = release.Close()
		}
	}()
	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		if r.cursor == r.end {
			return 0, io.EOF
		}
		if r.err != nil {
			return 0, r.err
		}
		if err := context.Cause(r.ctx); err != nil {
			r.err = err
			r.queue = nil
			release = m.removeLocked(r)
			return 0, err
		}

		n := r.drainLocked(p)
		if n == 0 {
			n = m.staticLocked(r, p)
		}
		if n > 0 {
			r.cursor += uint64(n)
			if r.cursor == r.end {
				release = m.removeLocked(r)
				r.stop()
			}
			return n, nil
		}

		d, ok := m.demandOfLocked(r)
		if ok && m.failed[d.entry] != nil {
			r.err = m.failed[d.entry]
			release = m.removeLocked(r)
			return 0, r.err
		}
		if m.busy {
			m.cond.Wait()
			continue
		}
		if !m.stepLocked() {
			r.err = fmt.Errorf("%w: no source byte serves offset %d", ziptype.ErrLayout, r.cursor)
			release = m.removeLocked(r)
			return 0, r.err
		}
	}
}

// drainLocked copies queued content bytes into p.
func (r *Reader) drainLocked(p []byte) int {
	n := copy(p, r.queue)
	r.queue = r.queue[n:]
	if len(r.queue) == 0 {
		r.queue = nil
	}
	return n
}

// need returns the next archive offset the reader has no bytes for.
func (r *Reader) need() uint64 {
	return r.cursor + uint64(len(r.queue))
}

// Close removes the reader from the live set. Reads after Close return
// ErrClosed.
func (r *Reader) Close() error {
	m := r.m
	m.mu.Lock()
	if r.closed {
		m.mu.Unlock()
		return nil
	}
	r.closed = true
	r.queue = nil
	if r.err == nil && r.cursor < r.end {
		r.err = ziptype.ErrClosed
	}
	release := m.removeLocked(r)
	m.mu.Unlock()

	r.stop()
	m.log().Debug("range closed", "offset", r.off, "length", r.end-r.off)
	if release != nil {
		return release.Close()
	}
	return nil
}

// cancel fails the reader with cause once its context is done.
func (r *Reader) cancel(cause error) {
	m := r.m
	m.mu.Lock()
	if r.err != nil || r.cursor == r.end {
		m.mu.Unlock()
		return
	}
	r.err = cause
	r.queue = nil
	release := m.removeLocked(r)
	m.mu.Unlock()

	m.log().Debug("range canceled", "offset", r.off, "cursor", r.cursor, "error", cause)
	if release != nil {
		_ = release.Close()
	}
}

// staticLocked copies header, descriptor or central directory bytes at the
// reader's cursor into p. Copying stops before the first CRC field whose
// checksum is not yet known.
func (m *Manager) staticLocked(r *Reader, p []byte) int {
	seg, ok := m.layout.SegmentAt(r.cursor)
	if !ok || seg.Kind == layout.KindData {
		return 0
	}
	end := min(seg.End(), r.end, r.cursor+uint64(len(p)))
	patches := m.layout.PatchesIn(r.cursor, end)
	for _, pt := range patches {
		if !m.crcs[pt.Entry].known {
			end = min(end, pt.Offset)
			break
		}
	}
	if end <= r.cursor {
		return 0
	}

	n := copy(p, seg.Bytes[r.cursor-seg.Offset:end-seg.Offset])
	var field [layout.CRCLen]byte
	for _, pt := range patches {
		if pt.Offset >= end {
			break
		}
		binary.LittleEndian.PutUint32(field[:], m.crcs[pt.Entry].value)
		lo := max(pt.Offset, r.cursor)
		hi := min(pt.Offset+layout.CRCLen, end)
		copy(p[lo-r.cursor:hi-r.cursor], field[lo-pt.Offset:hi-pt.Offset])
	}
	return n
}
