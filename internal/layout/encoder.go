package layout

import (
	"io"
	"io/fs"
	"time"

	"github.com/klauspost/compress/zip"
)

// Input describes one entry to plan.
type Input struct {
	Name     string
	Size     uint64
	Modified time.Time
	Mode     fs.FileMode
}

// Encoder writes ZIP records for a sequence of stored entries.
//
// The planner depends on this emission contract: CreateEntry emits the
// trailing descriptor of the previous entry (if the format uses one)
// followed by exactly one local file header; bytes written to the returned
// writer are emitted verbatim; Close emits the last descriptor followed by
// the central directory and end records. Flush pushes everything emitted so
// far to the underlying writer.
type Encoder interface {
	CreateEntry(in Input) (io.Writer, error)
	Flush() error
	Close() error
}

// NewEncoderFunc creates an Encoder writing to w.
type NewEncoderFunc func(w io.Writer, comment string) (Encoder, error)

// FileHeader returns the header written for in. Content is always stored.
func FileHeader(in Input) *zip.FileHeader {
	fh := &zip.FileHeader{
		Name:     in.Name,
		Method:   zip.Store,
		Modified: in.Modified,
	}
	if in.Mode != 0 {
		fh.SetMode(in.Mode)
	}
	return fh
}

// zipEncoder adapts zip.Writer to Encoder.
type zipEncoder struct {
	zw *zip.Writer
}

// NewZipEncoder returns the default Encoder backed by zip.Writer.
func NewZipEncoder(w io.Writer, comment string) (Encoder, error) {
	zw := zip.NewWriter(w)
	if comment != "" {
		if err := zw.SetComment(comment); err != nil {
			return nil, err
		}
	}
	return &zipEncoder{zw: zw}, nil
}

func (e *zipEncoder) CreateEntry(in Input) (io.Writer, error) {
	return e.zw.CreateHeader(FileHeader(in))
}

func (e *zipEncoder) Flush() error {
	return e.zw.Flush()
}

func (e *zipEncoder) Close() error {
	return e.zw.Close()
}

// WriteArchive writes a complete archive for inputs sequentially, reading
// each entry's content from open. It is the conventional build the planned
// layout reproduces byte for byte.
func WriteArchive(w io.Writer, inputs []Input, comment string, open func(i int) (io.Reader, error)) error {
	enc, err := NewZipEncoder(w, comment)
	if err != nil {
		return err
	}
	for i, in := range inputs {
		fw, err := enc.CreateEntry(in)
		if err != nil {
			return err
		}
		r, err := open(i)
		if err != nil {
			return err
		}
		if _, err := io.CopyN(fw, r, int64(in.Size)); err != nil { //nolint:gosec // sizes are validated by the catalog
			return err
		}
	}
	return enc.Close()
}
