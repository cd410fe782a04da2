package layout

import "io"

// recorder is the sink the dry run writes into. It tracks the absolute
// cursor of every emitted byte and retains everything except the declared
// data regions, which are only counted.
type recorder struct {
	pos  uint64
	skip uint64
	buf  []byte
}

func (r *recorder) Write(p []byte) (int, error) {
	n := len(p)
	r.pos += uint64(n)
	if r.skip > 0 {
		k := min(uint64(n), r.skip)
		r.skip -= k
		p = p[k:]
	}
	r.buf = append(r.buf, p...)
	return n, nil
}

// expectData makes the next n bytes count towards the cursor without being retained.
func (r *recorder) expectData(n uint64) {
	r.skip = n
}

// take returns the bytes retained since the previous call.
func (r *recorder) take() []byte {
	b := r.buf
	r.buf = nil
	return b
}

// zeros is the placeholder content written during the dry run.
var zeros [64 << 10]byte

func writePlaceholder(w io.Writer, n uint64) error {
	for n > 0 {
		k := min(n, uint64(len(zeros)))
		if _, err := w.Write(zeros[:k]); err != nil {
			return err
		}
		n -= k
	}
	return nil
}
