package vzip

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	digest "github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/meigma/vzip/internal/layout"
	"github.com/meigma/vzip/internal/manifest"
	"github.com/meigma/vzip/internal/session"
)

// State is the planning state of an archive.
type State uint8

const (
	// StateNotStarted means the layout has not been computed.
	StateNotStarted State = iota

	// StatePlanning means the layout is being computed.
	StatePlanning

	// StateReady means the layout is fixed and ranges can be served.
	StateReady

	// StateFailed means planning hit a structural error. It is terminal.
	StateFailed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not started"
	case StatePlanning:
		return "planning"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Archive is a virtual stored ZIP archive of a fixed, ordered set of entries.
//
// The archive is never materialized. Once planned, any byte range can be
// read and equals the bytes a sequential ZIP writer would have produced at
// that position. Content is streamed from entry sources on demand.
//
// Archive is safe for concurrent use.
type Archive struct {
	cfg config

	resolveGroup singleflight.Group
	planGroup    singleflight.Group

	mu       sync.Mutex
	descs    []Descriptor
	state    State
	err      error
	layout   *layout.Layout
	sessions *session.Manager
	key      digest.Digest
	etag     string
	closed   bool
}

// EntryLayout is the planned position of one entry in the archive.
type EntryLayout struct {
	Name             string
	SourcePath       string
	Size             uint64
	HeaderOffset     uint64
	DataOffset       uint64
	DescriptorOffset uint64

	// End is the offset one past the entry's last byte.
	End uint64
}

// New validates descs and returns an archive holding them in order.
// The descriptors are copied.
func New(descs []Descriptor, opts ...Option) (*Archive, error) {
	cfg := config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.opener == nil {
		cfg.opener = NewDirOpener(".")
	}
	if cfg.resolveConcurrency < 1 {
		cfg.resolveConcurrency = DefaultResolveConcurrency
	}

	entries := slices.Clone(descs)
	for i := range entries {
		if err := entries[i].validate(i); err != nil {
			return nil, err
		}
		if crc := entries[i].CRC32; crc != nil {
			v := *crc
			entries[i].CRC32 = &v
		}
	}

	a := &Archive{cfg: cfg, descs: entries}
	a.log().Debug("archive created", "entries", len(entries))
	return a, nil
}

// log returns the configured logger or a discard logger if none was set.
func (a *Archive) log() *slog.Logger {
	if a.cfg.logger != nil {
		return a.cfg.logger
	}
	return slog.New(slog.DiscardHandler)
}

// reportProgress sends a progress event if a callback is configured.
func (a *Archive) reportProgress(stage ProgressStage, path string, bytesDone, bytesTotal uint64, filesDone, filesTotal int) {
	if a.cfg.progress == nil {
		return
	}
	a.cfg.progress(ProgressEvent{
		Stage:      stage,
		Path:       path,
		BytesDone:  bytesDone,
		BytesTotal: bytesTotal,
		FilesDone:  filesDone,
		FilesTotal: filesTotal,
	})
}

// State returns the planning state.
func (a *Archive) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Descriptors returns a copy of the catalog, including resolved sizes.
func (a *Archive) Descriptors() []Descriptor {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.descs)
}

// ResolveSizes stats every entry whose size is unknown. Known sizes are
// never changed, so calling it again is a no-op. Concurrent callers share
// one resolution.
func (a *Archive) ResolveSizes(ctx context.Context) error {
	_, err, _ := a.resolveGroup.Do("resolve", func() (any, error) {
		return nil, a.resolveSizes(ctx)
	})
	return err
}

func (a *Archive) resolveSizes(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	var pending []int
	for i, d := range a.descs {
		if !d.Size.Known() {
			pending = append(pending, i)
		}
	}
	descs := slices.Clone(a.descs)
	a.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	a.log().Debug("resolving sizes", "pending", len(pending), "concurrency", a.cfg.resolveConcurrency)

	sizes := make([]Size, len(pending))
	var done atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.resolveConcurrency)
	for k, i := range pending {
		d := descs[i]
		g.Go(func() error {
			n, err := a.cfg.opener.Stat(gctx, d.SourcePath)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return fmt.Errorf("%w: entry %d: %s: %w", ErrSourceNotFound, i, d.SourcePath, err)
				}
				return fmt.Errorf("stat %s: %w", d.SourcePath, err)
			}
			if n < 0 {
				return fmt.Errorf("%w: entry %d: %s: negative size %d", ErrValidation, i, d.SourcePath, n)
			}
			sizes[k] = KnownSize(n)
			a.reportProgress(StageResolving, d.ArchiveName, 0, 0, int(done.Add(1)), len(pending))
			return nil
		})
	}
	err := g.Wait()

	a.mu.Lock()
	for k, i := range pending {
		if sizes[k].Known() && !a.descs[i].Size.Known() {
			a.descs[i].Size = sizes[k]
		}
	}
	a.mu.Unlock()

	if err != nil {
		return err
	}
	a.log().Debug("sizes resolved", "count", len(pending))
	return nil
}

// Plan computes the archive layout. Every entry size must be known. Plan
// runs once; later calls return the outcome of the first successful or
// structurally failed run. Canceled runs leave the archive unplanned.
func (a *Archive) Plan(ctx context.Context) error {
	_, err, _ := a.planGroup.Do("plan", func() (any, error) {
		return nil, a.plan(ctx)
	})
	return err
}

func (a *Archive) plan(ctx context.Context) error {
	a.mu.Lock()
	switch {
	case a.closed:
		a.mu.Unlock()
		return ErrClosed
	case a.state == StateReady:
		a.mu.Unlock()
		return nil
	case a.state == StateFailed:
		err := a.err
		a.mu.Unlock()
		return err
	}
	inputs, crcs, err := a.inputsLocked()
	if err != nil {
		a.mu.Unlock()
		return err
	}
	descs := slices.Clone(a.descs)
	a.state = StatePlanning
	a.mu.Unlock()

	key := catalogKey(inputs, crcs, a.cfg.comment)
	var l *layout.Layout
	versions, err := a.sourceVersions(ctx, descs)
	if err == nil {
		l, err = a.layoutFor(ctx, key, inputs, crcs)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			a.state = StateNotStarted
			return err
		}
		a.state, a.err = StateFailed, err
		a.log().Debug("planning failed", "error", err)
		return err
	}
	if a.closed {
		a.state = StateNotStarted
		return ErrClosed
	}
	return a.readyLocked(l, key, entityTag(key, descs, versions), crcs)
}

// layoutFor returns the cached layout for key or plans a new one.
func (a *Archive) layoutFor(ctx context.Context, key digest.Digest, inputs []layout.Input, crcs map[int]uint32) (*layout.Layout, error) {
	if l := a.cachedLayout(key, inputs); l != nil {
		return l, nil
	}
	a.log().Debug("planning layout", "entries", len(inputs))
	l, err := layout.Plan(ctx, inputs,
		layout.WithComment(a.cfg.comment),
		layout.WithProgress(func(done, total int, name string) {
			a.reportProgress(StagePlanning, name, 0, 0, done, total)
		}),
	)
	if err != nil {
		return nil, err
	}
	if a.cfg.planCache != nil {
		raw := manifest.Encode(&manifest.Manifest{Key: key.String(), Layout: l, CRCs: crcs})
		if perr := a.cfg.planCache.PutPlan(key.String(), raw); perr != nil {
			a.log().Debug("plan cache store failed", "key", key, "error", perr)
		}
	}
	return l, nil
}

// sourceVersions asks the opener for a validator of every entry source.
// Entries it cannot version are left empty.
func (a *Archive) sourceVersions(ctx context.Context, descs []Descriptor) ([]string, error) {
	versions := make([]string, len(descs))
	v, ok := a.cfg.opener.(Versioner)
	if !ok {
		return versions, nil
	}
	var g errgroup.Group
	g.SetLimit(a.cfg.resolveConcurrency)
	for i, d := range descs {
		g.Go(func() error {
			version, err := v.Version(ctx, d.SourcePath)
			if err != nil {
				if cerr := ctx.Err(); cerr != nil {
					return cerr
				}
				a.log().Debug("source version unavailable", "path", d.SourcePath, "error", err)
				return nil
			}
			versions[i] = version
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return versions, nil
}

// readyLocked installs a planned layout and starts serving it.
func (a *Archive) readyLocked(l *layout.Layout, key digest.Digest, etag string, crcs map[int]uint32) error {
	n := len(l.Entries)
	sessions, err := session.New(l, a.openEntry,
		session.WithChunkSize(a.cfg.chunkSize),
		session.WithLookahead(a.cfg.lookahead),
		session.WithLogger(a.cfg.logger),
		session.WithCRCs(crcs),
		session.WithProgress(func(i int, emitted uint64) {
			e := l.Entries[i]
			a.reportProgress(StageStreaming, e.Name, emitted, e.Size, i, n)
		}),
	)
	if err != nil {
		a.state, a.err = StateFailed, err
		return err
	}
	a.layout, a.sessions, a.key, a.etag, a.state = l, sessions, key, etag, StateReady
	a.log().Info("archive planned", "entries", n, "size", l.Size)
	return nil
}

// inputsLocked returns the planner inputs and declared checksums.
func (a *Archive) inputsLocked() ([]layout.Input, map[int]uint32, error) {
	inputs := make([]layout.Input, len(a.descs))
	crcs := make(map[int]uint32)
	for i, d := range a.descs {
		size, ok := d.Size.Get()
		if !ok {
			return nil, nil, fmt.Errorf("%w: entry %d: %s", ErrUnresolvedSize, i, d.SourcePath)
		}
		inputs[i] = layout.Input{Name: d.ArchiveName, Size: size, Modified: d.Modified, Mode: d.Mode}
		if d.CRC32 != nil {
			crcs[i] = *d.CRC32
		}
	}
	return inputs, crcs, nil
}

// cachedLayout returns a layout from the plan cache if one matches key.
func (a *Archive) cachedLayout(key digest.Digest, inputs []layout.Input) *layout.Layout {
	if a.cfg.planCache == nil {
		return nil
	}
	raw, ok := a.cfg.planCache.GetPlan(key.String())
	if !ok {
		return nil
	}
	m, err := manifest.Decode(raw)
	if err == nil {
		err = matchLayout(m, key, inputs)
	}
	if err != nil {
		a.log().Debug("plan cache entry rejected", "key", key, "error", err)
		return nil
	}
	a.log().Debug("plan cache hit", "key", key)
	return m.Layout
}

// matchLayout checks that a decoded manifest was planned for the catalog.
func matchLayout(m *manifest.Manifest, key digest.Digest, inputs []layout.Input) error {
	if m.Key != key.String() {
		return fmt.Errorf("%w: planned for catalog %s, have %s", ErrManifest, m.Key, key)
	}
	if len(m.Layout.Entries) != len(inputs) {
		return fmt.Errorf("%w: %d entries, catalog has %d", ErrManifest, len(m.Layout.Entries), len(inputs))
	}
	for i, e := range m.Layout.Entries {
		if e.Name != inputs[i].Name || e.Size != inputs[i].Size {
			return fmt.Errorf("%w: entry %d is %s (%d bytes), catalog has %s (%d bytes)",
				ErrManifest, i, e.Name, e.Size, inputs[i].Name, inputs[i].Size)
		}
	}
	return nil
}

// openEntry opens the source of entry i. Descriptors are immutable once
// the archive is ready.
func (a *Archive) openEntry(ctx context.Context, i int) (session.Source, error) {
	return a.cfg.opener.Open(ctx, a.descs[i].SourcePath)
}

func (a *Archive) ready() (*session.Manager, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ErrClosed
	}
	if a.state != StateReady {
		return nil, ErrNotPlanned
	}
	return a.sessions, nil
}

// TotalSize returns the archive size in bytes.
func (a *Archive) TotalSize() (uint64, error) {
	s, err := a.ready()
	if err != nil {
		return 0, err
	}
	return s.Size(), nil
}

// OpenRange returns a reader for length bytes starting at offset. The range
// must be non-empty and lie within the archive. The reader is released when
// it is read to the end, closed, or ctx is done; reads then fail with the
// context's error.
func (a *Archive) OpenRange(ctx context.Context, offset, length uint64) (io.ReadCloser, error) {
	s, err := a.ready()
	if err != nil {
		return nil, err
	}
	r, err := s.Open(ctx, offset, length)
	if err != nil {
		return nil, err
	}
	a.log().Debug("range opened", "offset", offset, "length", length)
	return r, nil
}

// ReadAt implements io.ReaderAt.
func (a *Archive) ReadAt(p []byte, off int64) (int, error) {
	size, err := a.TotalSize()
	if err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset %d", ErrInvalidRange, off)
	}
	if len(p) == 0 {
		return 0, nil
	}
	if uint64(off) >= size {
		return 0, io.EOF
	}
	n := min(uint64(len(p)), size-uint64(off))
	r, err := a.OpenRange(context.Background(), uint64(off), n)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	read, err := io.ReadFull(r, p[:n])
	if err != nil {
		return read, err
	}
	if read < len(p) {
		return read, io.EOF
	}
	return read, nil
}

// WriteTo streams the whole archive to w.
func (a *Archive) WriteTo(w io.Writer) (int64, error) {
	size, err := a.TotalSize()
	if err != nil {
		return 0, err
	}
	r, err := a.OpenRange(context.Background(), 0, size)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	return io.Copy(w, r)
}

// ETag returns an entity tag for the archive bytes. It covers the catalog,
// every source path and the validator each source reported when the
// archive was planned. If the opener does not implement Versioner, or a
// source had no validator, the tag is weak.
func (a *Archive) ETag() (string, error) {
	if _, err := a.ready(); err != nil {
		return "", err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.etag, nil
}

// Entries returns the planned position of every entry.
func (a *Archive) Entries() ([]EntryLayout, error) {
	if _, err := a.ready(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]EntryLayout, len(a.layout.Entries))
	for i, e := range a.layout.Entries {
		out[i] = EntryLayout{
			Name:             e.Name,
			SourcePath:       a.descs[i].SourcePath,
			Size:             e.Size,
			HeaderOffset:     e.LocalHeader.Offset,
			DataOffset:       e.Data.Offset,
			DescriptorOffset: e.Descriptor.Offset,
			End:              e.Descriptor.End(),
		}
	}
	return out, nil
}

// Close fails outstanding range readers with ErrClosed and releases any open
// source. Subsequent operations return ErrClosed.
func (a *Archive) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	s := a.sessions
	a.mu.Unlock()

	a.log().Debug("archive closed")
	if s != nil {
		return s.Close()
	}
	return nil
}

// catalogKey digests everything that determines the layout.
func catalogKey(inputs []layout.Input, crcs map[int]uint32, comment string) digest.Digest {
	buf := []byte("vzip catalog v1\x00")
	buf = binary.AppendUvarint(buf, uint64(len(inputs)))
	for i, in := range inputs {
		buf = appendString(buf, in.Name)
		buf = binary.AppendUvarint(buf, in.Size)
		if in.Modified.IsZero() {
			buf = append(buf, 0)
		} else {
			_, zone := in.Modified.Zone()
			buf = append(buf, 1)
			buf = binary.AppendVarint(buf, in.Modified.UnixNano())
			buf = binary.AppendVarint(buf, int64(zone))
		}
		buf = binary.AppendUvarint(buf, uint64(in.Mode))
		if crc, ok := crcs[i]; ok {
			buf = append(buf, 1)
			buf = binary.LittleEndian.AppendUint32(buf, crc)
		} else {
			buf = append(buf, 0)
		}
	}
	buf = appendString(buf, comment)
	return digest.FromBytes(buf)
}

// entityTag digests the catalog key together with the path and validator
// of every source.
func entityTag(key digest.Digest, descs []Descriptor, versions []string) string {
	buf := []byte("vzip etag v1\x00")
	buf = appendString(buf, key.String())
	weak := false
	for i, d := range descs {
		buf = appendString(buf, d.SourcePath)
		buf = appendString(buf, versions[i])
		weak = weak || versions[i] == ""
	}
	tag := `"` + digest.FromBytes(buf).Encoded() + `"`
	if weak {
		return "W/" + tag
	}
	return tag
}

func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}
