// Package manifest encodes planned archive layouts as FlatBuffers documents.
//
// A manifest holds everything needed to serve an archive without planning
// it again: every static region, the data region offsets, the CRC patch
// table and any checksums known up front. Content is never stored.
package manifest

import (
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"

	"github.com/meigma/vzip/internal/layout"
	"github.com/meigma/vzip/internal/manifest/fb"
	"github.com/meigma/vzip/internal/ziptype"
)

// Version is the manifest format version written by Encode.
const Version = 1

// Manifest is a decoded manifest.
type Manifest struct {
	// Key identifies the catalog the layout was planned for.
	Key string

	// Layout is the planned archive layout.
	Layout *layout.Layout

	// CRCs holds the checksums known when the manifest was written, by entry index.
	CRCs map[int]uint32
}

// Encode serializes m.
func Encode(m *Manifest) []byte {
	l := m.Layout
	builder := flatbuffers.NewBuilder(int(l.CentralDirectory.Length) + 128*len(l.Entries))

	// Build entries in reverse order (FlatBuffers requirement)
	entryOffsets := make([]flatbuffers.UOffsetT, len(l.Entries))
	for i := len(l.Entries) - 1; i >= 0; i-- {
		e := l.Entries[i]
		nameOffset := builder.CreateString(e.Name)
		headerOffset := builder.CreateByteVector(e.LocalHeader.Bytes)
		descOffset := builder.CreateByteVector(e.Descriptor.Bytes)

		fb.EntryStart(builder)
		fb.EntryAddName(builder, nameOffset)
		fb.EntryAddSize(builder, e.Size)
		fb.EntryAddHeaderOffset(builder, e.LocalHeader.Offset)
		fb.EntryAddHeader(builder, headerOffset)
		fb.EntryAddDataOffset(builder, e.Data.Offset)
		fb.EntryAddDescriptorOffset(builder, e.Descriptor.Offset)
		fb.EntryAddDescriptor(builder, descOffset)
		if crc, ok := m.CRCs[i]; ok {
			fb.EntryAddCrc32(builder, crc)
			fb.EntryAddHasCrc32(builder, true)
		}
		entryOffsets[i] = fb.EntryEnd(builder)
	}
	fb.ManifestStartEntriesVector(builder, len(entryOffsets))
	for i := len(entryOffsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(entryOffsets[i])
	}
	entriesOffset := builder.EndVector(len(entryOffsets))

	patchOffsets := make([]flatbuffers.UOffsetT, len(l.Patches))
	for i := len(l.Patches) - 1; i >= 0; i-- {
		p := l.Patches[i]
		fb.PatchStart(builder)
		fb.PatchAddOffset(builder, p.Offset)
		fb.PatchAddEntry(builder, uint32(p.Entry)) //nolint:gosec // entry count is bounded by the ZIP format
		patchOffsets[i] = fb.PatchEnd(builder)
	}
	fb.ManifestStartPatchesVector(builder, len(patchOffsets))
	for i := len(patchOffsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(patchOffsets[i])
	}
	patchesOffset := builder.EndVector(len(patchOffsets))

	centralOffset := builder.CreateByteVector(l.CentralDirectory.Bytes)
	keyOffset := builder.CreateString(m.Key)

	fb.ManifestStart(builder)
	fb.ManifestAddVersion(builder, Version)
	fb.ManifestAddKey(builder, keyOffset)
	fb.ManifestAddSize(builder, l.Size)
	fb.ManifestAddEntries(builder, entriesOffset)
	fb.ManifestAddCentralOffset(builder, l.CentralDirectory.Offset)
	fb.ManifestAddCentral(builder, centralOffset)
	fb.ManifestAddPatches(builder, patchesOffset)
	builder.Finish(fb.ManifestEnd(builder))
	return builder.FinishedBytes()
}

// Decode parses and validates a manifest. The returned layout does not
// alias data.
func Decode(data []byte) (m *Manifest, err error) {
	defer func() {
		if r := recover(); r != nil {
			m = nil
			err = fmt.Errorf("%w: %v", ziptype.ErrManifest, r)
		}
	}()
	if len(data) < flatbuffers.SizeUOffsetT {
		return nil, fmt.Errorf("%w: empty manifest", ziptype.ErrManifest)
	}

	root := fb.GetRootAsManifest(data, 0)
	if v := root.Version(); v != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ziptype.ErrManifest, v)
	}

	m = &Manifest{
		Key:  string(root.Key()),
		CRCs: make(map[int]uint32),
	}
	entries := make([]layout.Entry, root.EntriesLength())
	var fe fb.Entry
	for i := range entries {
		root.Entries(&fe, i)
		size := fe.Size()
		entries[i] = layout.Entry{
			Name:        string(fe.Name()),
			Size:        size,
			LocalHeader: staticRegion(fe.HeaderOffset(), fe.HeaderBytes()),
			Data:        layout.Region{Offset: fe.DataOffset(), Length: size},
			Descriptor:  staticRegion(fe.DescriptorOffset(), fe.DescriptorBytes()),
		}
		if fe.HasCrc32() {
			m.CRCs[i] = fe.Crc32()
		}
	}

	patches := make([]layout.Patch, root.PatchesLength())
	var fp fb.Patch
	for i := range patches {
		root.Patches(&fp, i)
		patches[i] = layout.Patch{Offset: fp.Offset(), Entry: int(fp.Entry())}
	}

	central := staticRegion(root.CentralOffset(), root.CentralBytes())
	l, err := layout.Build(entries, central, patches)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ziptype.ErrManifest, err)
	}
	if l.Size != root.Size() {
		return nil, fmt.Errorf("%w: size %d, regions cover %d", ziptype.ErrManifest, root.Size(), l.Size)
	}
	m.Layout = l
	return m, nil
}

func staticRegion(off uint64, b []byte) layout.Region {
	if len(b) == 0 {
		return layout.Region{Offset: off}
	}
	c := make([]byte, len(b))
	copy(c, b)
	return layout.Region{Offset: off, Length: uint64(len(c)), Bytes: c}
}
