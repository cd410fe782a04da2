package vzip

import (
	"context"
	"fmt"
	"maps"

	"github.com/meigma/vzip/internal/manifest"
	"github.com/meigma/vzip/internal/sizing"
)

// Manifest returns the planned layout as a self-contained FlatBuffers
// document. It includes every checksum known so far, whether declared or
// learned by streaming, so an archive restored with Load serves the same
// bytes without reading those sources again.
func (a *Archive) Manifest() ([]byte, error) {
	s, err := a.ready()
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	l, key := a.layout, a.key
	a.mu.Unlock()

	crcs := make(map[int]uint32)
	for i := range l.Entries {
		if crc, ok := s.CRC(i); ok {
			crcs[i] = crc
		}
	}
	return manifest.Encode(&manifest.Manifest{Key: key.String(), Layout: l, CRCs: crcs}), nil
}

// Load restores an archive from a manifest produced by Manifest without
// planning it again. descs must describe the same catalog the manifest was
// planned for; unknown sizes are taken from the manifest. Sources are not
// read, but an opener that implements Versioner is asked for validators
// under ctx.
func Load(ctx context.Context, data []byte, descs []Descriptor, opts ...Option) (*Archive, error) {
	a, err := New(descs, opts...)
	if err != nil {
		return nil, err
	}
	m, err := manifest.Decode(data)
	if err != nil {
		return nil, err
	}
	if len(m.Layout.Entries) != len(a.descs) {
		return nil, fmt.Errorf("%w: %d entries, catalog has %d", ErrManifest, len(m.Layout.Entries), len(a.descs))
	}
	for i, e := range m.Layout.Entries {
		d := &a.descs[i]
		if e.Name != d.ArchiveName {
			return nil, fmt.Errorf("%w: entry %d is %q, catalog has %q", ErrManifest, i, e.Name, d.ArchiveName)
		}
		if d.Size.Known() {
			continue
		}
		n, err := sizing.ToInt64(e.Size, ErrSizeOverflow)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d: %w", ErrManifest, i, err)
		}
		d.Size = KnownSize(n)
	}

	versions, err := a.sourceVersions(ctx, a.descs)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	inputs, declared, err := a.inputsLocked()
	if err != nil {
		return nil, err
	}
	key := catalogKey(inputs, declared, a.cfg.comment)
	if err := matchLayout(m, key, inputs); err != nil {
		return nil, err
	}

	crcs := make(map[int]uint32, len(m.CRCs)+len(declared))
	maps.Copy(crcs, m.CRCs)
	maps.Copy(crcs, declared)
	if err := a.readyLocked(m.Layout, key, entityTag(key, a.descs, versions), crcs); err != nil {
		return nil, err
	}
	a.log().Debug("archive loaded from manifest", "key", key)
	return a, nil
}
