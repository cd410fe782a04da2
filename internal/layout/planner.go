package layout

import (
	"bytes"
	"context"
	"fmt"

	"github.com/meigma/vzip/internal/ziptype"
)

type config struct {
	comment    string
	newEncoder NewEncoderFunc
	progress   func(done, total int, name string)
}

// Option configures planning.
type Option func(*config)

// WithComment sets the archive comment.
func WithComment(comment string) Option {
	return func(c *config) {
		c.comment = comment
	}
}

// WithEncoder replaces the default zip.Writer based encoder.
func WithEncoder(fn NewEncoderFunc) Option {
	return func(c *config) {
		c.newEncoder = fn
	}
}

// WithProgress registers a callback invoked after each entry is planned.
func WithProgress(fn func(done, total int, name string)) Option {
	return func(c *config) {
		c.progress = fn
	}
}

// Plan computes the layout of a stored archive holding inputs in order.
//
// Planning runs two dry passes. The probe pass encodes every entry on its
// own with empty content to capture its local header. The canonical pass
// encodes the whole archive with placeholder content of the declared sizes
// and uses the probed header lengths to split the emitted bytes into
// regions. No entry content is read.
func Plan(ctx context.Context, inputs []Input, opts ...Option) (*Layout, error) {
	cfg := config{newEncoder: NewZipEncoder}
	for _, opt := range opts {
		opt(&cfg)
	}

	headers, err := probeHeaders(ctx, cfg, inputs)
	if err != nil {
		return nil, err
	}

	rec := &recorder{}
	enc, err := cfg.newEncoder(rec, cfg.comment)
	if err != nil {
		return nil, fmt.Errorf("create encoder: %w", err)
	}

	entries := make([]Entry, len(inputs))
	patches := make([]Patch, 0, 2*len(inputs))
	for i, in := range inputs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := rec.pos
		w, err := enc.CreateEntry(in)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", in.Name, err)
		}
		if err := enc.Flush(); err != nil {
			return nil, err
		}

		emitted := rec.take()
		hdr := headers[i]
		if len(emitted) < len(hdr.raw) || !bytes.Equal(emitted[len(emitted)-len(hdr.raw):], hdr.raw) {
			return nil, fmt.Errorf("%w: %s: local header differs from probe", ziptype.ErrLayout, in.Name)
		}
		trailer := emitted[:len(emitted)-len(hdr.raw)]
		if i == 0 {
			if len(trailer) != 0 {
				return nil, fmt.Errorf("%w: %d bytes emitted before first header", ziptype.ErrLayout, len(trailer))
			}
		} else {
			p, err := closeEntry(&entries[i-1], headers[i-1], start, trailer, i-1)
			if err != nil {
				return nil, err
			}
			patches = append(patches, p...)
		}

		hdrOff := start + uint64(len(trailer))
		entries[i] = Entry{
			Name:        in.Name,
			Size:        in.Size,
			LocalHeader: staticRegion(hdrOff, hdr.raw),
		}
		if hdr.flags&flagDataDescriptor == 0 {
			patches = append(patches, Patch{Offset: hdrOff + 14, Entry: i})
		}

		dataOff := rec.pos
		rec.expectData(in.Size)
		if err := writePlaceholder(w, in.Size); err != nil {
			return nil, fmt.Errorf("encode %s: %w", in.Name, err)
		}
		if err := enc.Flush(); err != nil {
			return nil, err
		}
		if rec.skip != 0 || rec.pos != dataOff+in.Size || len(rec.buf) != 0 {
			return nil, fmt.Errorf("%w: %s: data region is not emitted verbatim", ziptype.ErrLayout, in.Name)
		}
		entries[i].Data = Region{Offset: dataOff, Length: in.Size}

		if cfg.progress != nil {
			cfg.progress(i+1, len(inputs), in.Name)
		}
	}

	start := rec.pos
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close encoder: %w", err)
	}
	central, p, err := planCentral(entries, headers, start, rec.take())
	if err != nil {
		return nil, err
	}
	patches = append(patches, p...)

	return Build(entries, central, patches)
}

// probedHeader is a local header captured by the probe pass.
type probedHeader struct {
	raw   []byte
	flags uint16
}

// probeHeaders encodes each entry with its own encoder and empty content.
// Local headers carry no offsets, so the bytes are identical to the ones the
// canonical pass emits at the real position.
func probeHeaders(ctx context.Context, cfg config, inputs []Input) ([]probedHeader, error) {
	headers := make([]probedHeader, len(inputs))
	for i, in := range inputs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec := &recorder{}
		enc, err := cfg.newEncoder(rec, cfg.comment)
		if err != nil {
			return nil, fmt.Errorf("create encoder: %w", err)
		}
		if _, err := enc.CreateEntry(in); err != nil {
			return nil, fmt.Errorf("encode %s: %w", in.Name, err)
		}
		if err := enc.Flush(); err != nil {
			return nil, err
		}
		raw := rec.take()
		h, ok := parseLocalHeader(raw)
		if !ok {
			return nil, fmt.Errorf("%w: %s: encoder did not emit exactly one local header", ziptype.ErrLayout, in.Name)
		}
		if h.name != in.Name || h.method != methodStore {
			return nil, fmt.Errorf("%w: %s: unexpected local header fields", ziptype.ErrLayout, in.Name)
		}
		headers[i] = probedHeader{raw: raw, flags: h.flags}
	}
	return headers, nil
}

// closeEntry records the trailing descriptor of entry i, emitted at off.
func closeEntry(e *Entry, hdr probedHeader, off uint64, trailer []byte, i int) ([]Patch, error) {
	if hdr.flags&flagDataDescriptor == 0 {
		if len(trailer) != 0 {
			return nil, fmt.Errorf("%w: %s: unexpected bytes after data", ziptype.ErrLayout, e.Name)
		}
		e.Descriptor = Region{Offset: off}
		return nil, nil
	}
	crcOff, ok := descriptorCRCOffset(trailer, e.Size)
	if !ok {
		return nil, fmt.Errorf("%w: %s: malformed data descriptor", ziptype.ErrLayout, e.Name)
	}
	e.Descriptor = staticRegion(off, trailer)
	return []Patch{{Offset: off + uint64(crcOff), Entry: i}}, nil
}
