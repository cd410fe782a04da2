package session

import (
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"

	"github.com/meigma/vzip/internal/layout"
	"github.com/meigma/vzip/internal/ziptype"
)

// demand is a content byte the producer has to read: byte pos of entry.
type demand struct {
	entry int
	pos   uint64
}

func (d demand) less(o demand) bool {
	if d.entry != o.entry {
		return d.entry < o.entry
	}
	return d.pos < o.pos
}

// sizer is implemented by sources that know their length.
type sizer interface {
	Size() int64
}

// demandOfLocked returns the content byte r is waiting for, if any. A reader
// whose next needed byte is entry content demands that byte while its queue
// has room. A reader stopped at an unknown CRC field demands the next byte
// the checksum of that entry still has to cover.
func (m *Manager) demandOfLocked(r *Reader) (demand, bool) {
	if r.err != nil {
		return demand{}, false
	}
	need := r.need()
	if need >= r.end {
		return demand{}, false
	}
	seg, ok := m.layout.SegmentAt(need)
	if !ok {
		return demand{}, false
	}
	if seg.Kind == layout.KindData {
		if len(r.queue) >= m.lookahead {
			return demand{}, false
		}
		return demand{entry: seg.Entry, pos: need - seg.Offset}, true
	}
	if len(r.queue) > 0 {
		return demand{}, false
	}
	for _, pt := range m.layout.PatchesIn(need, need+1) {
		if c := m.crcs[pt.Entry]; !c.known {
			return demand{entry: pt.Entry, pos: c.pos}, true
		}
	}
	return demand{}, false
}

// pickLocked chooses the demand the next step serves: the one at the
// producer's current position if any reader wants it, else the lowest.
func (m *Manager) pickLocked() (demand, bool) {
	var best demand
	found := false
	for r := range m.readers {
		d, ok := m.demandOfLocked(r)
		if !ok || m.failed[d.entry] != nil {
			continue
		}
		if d.entry == m.state.Entry && d.pos == m.state.Emitted {
			return d, true
		}
		if !found || d.less(best) {
			best, found = d, true
		}
	}
	return best, found
}

// stepLocked runs one producer step and reports whether there was a demand
// to serve. The lock is released while the source is opened, read or closed.
func (m *Manager) stepLocked() bool {
	d, ok := m.pickLocked()
	if !ok {
		return false
	}
	e := m.layout.Entries[d.entry]
	m.busy = true
	var prev Source
	if m.srcEntry != d.entry {
		prev = m.src
		m.src, m.srcEntry = nil, -1
	}
	src := m.src
	m.mu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}
	var err error
	if src == nil {
		src, err = m.openSource(d.entry, e)
	}
	var n int
	if err == nil {
		want := min(uint64(m.chunkSize), e.Size-d.pos)
		if uint64(cap(m.buf)) < want {
			m.buf = make([]byte, m.chunkSize)
		}
		n, err = m.readChunk(src, e, d.pos, m.buf[:want])
	}
	done := err == nil && d.pos+uint64(n) == e.Size
	if err != nil || done {
		if src != nil {
			_ = src.Close()
		}
		src = nil
	}
	if err == nil && m.progress != nil {
		m.progress(d.entry, d.pos+uint64(n))
	}

	m.mu.Lock()
	m.busy = false
	defer m.cond.Broadcast()

	if err != nil {
		if m.ctx.Err() == nil {
			m.failed[d.entry] = err
			m.log().Debug("entry failed", "entry", d.entry, "name", e.Name, "error", err)
		}
		m.state = State{Entry: d.entry, Emitted: d.pos}
		return true
	}

	chunk := m.buf[:n]
	m.hashLocked(d.entry, e.Size, d.pos, chunk)
	m.deliverLocked(e, d.pos, chunk)

	if done {
		m.state = State{Entry: d.entry + 1}
	} else {
		m.state = State{Entry: d.entry, Emitted: d.pos + uint64(n)}
	}
	if src != nil && (m.closed || len(m.readers) == 0) {
		m.mu.Unlock()
		_ = src.Close()
		m.mu.Lock()
		src = nil
	}
	if src != nil {
		m.src, m.srcEntry = src, d.entry
	}
	return true
}

// openSource opens entry i and checks its length when the source reports one.
func (m *Manager) openSource(i int, e layout.Entry) (Source, error) {
	m.log().Debug("opening source", "entry", i, "name", e.Name)
	src, err := m.open(m.ctx, i)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s: %w", ziptype.ErrSourceNotFound, e.Name, err)
		}
		return nil, fmt.Errorf("open %s: %w", e.Name, err)
	}
	if s, ok := src.(sizer); ok && (s.Size() < 0 || uint64(s.Size()) != e.Size) {
		_ = src.Close()
		return nil, fmt.Errorf("%w: %s: size %d, planned %d", ziptype.ErrSourceChanged, e.Name, s.Size(), e.Size)
	}
	return src, nil
}

// readChunk fills p with content starting at pos. A source shorter than
// planned is reported as changed.
func (m *Manager) readChunk(src Source, e layout.Entry, pos uint64, p []byte) (int, error) {
	n, err := src.ReadAt(p, int64(pos)) //nolint:gosec // pos < size, which fits in int64
	if n == len(p) {
		return n, nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return n, fmt.Errorf("%w: %s: short read at %d (%d of %d bytes)", ziptype.ErrSourceChanged, e.Name, pos, n, len(p))
	}
	return n, fmt.Errorf("read %s: %w", e.Name, err)
}

// hashLocked extends the running checksum of entry i with the part of chunk
// that continues it.
func (m *Manager) hashLocked(i int, size, pos uint64, chunk []byte) {
	c := &m.crcs[i]
	if c.known || c.pos < pos || c.pos >= pos+uint64(len(chunk)) {
		return
	}
	if c.hash == nil {
		c.hash = crc32.NewIEEE()
	}
	k := c.pos - pos
	_, _ = c.hash.Write(chunk[k:])
	c.pos += uint64(len(chunk)) - k
	if c.pos == size {
		c.known, c.value, c.hash = true, c.hash.Sum32(), nil
	}
}

// deliverLocked appends the part of chunk each live reader needs next to its
// queue, bounded by the reader's free lookahead.
func (m *Manager) deliverLocked(e layout.Entry, pos uint64, chunk []byte) {
	start := e.Data.Offset + pos
	end := start + uint64(len(chunk))
	for r := range m.readers {
		if r.err != nil {
			continue
		}
		need := r.need()
		if need < start || need >= end || need >= r.end {
			continue
		}
		room := m.lookahead - len(r.queue)
		if room <= 0 {
			continue
		}
		k := min(end-need, r.end-need, uint64(room))
		r.queue = append(r.queue, chunk[need-start:need-start+k]...)
	}
}
