package layout

import (
	"fmt"
	"slices"
	"sort"

	"github.com/meigma/vzip/internal/ziptype"
)

// Kind identifies the structural element a segment belongs to.
type Kind uint8

const (
	KindLocalHeader Kind = iota
	KindData
	KindDescriptor
	KindCentralDirectory
)

// String returns the human-readable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindLocalHeader:
		return "local header"
	case KindData:
		return "data"
	case KindDescriptor:
		return "data descriptor"
	case KindCentralDirectory:
		return "central directory"
	default:
		return "unknown"
	}
}

// Region is a contiguous byte range of the planned archive.
//
// Static regions carry their bytes as emitted by the dry run; data regions
// only carry an offset and length.
type Region struct {
	Offset uint64
	Length uint64
	Bytes  []byte
}

// End returns the offset one past the last byte of the region.
func (r Region) End() uint64 {
	return r.Offset + r.Length
}

func staticRegion(off uint64, b []byte) Region {
	return Region{Offset: off, Length: uint64(len(b)), Bytes: b}
}

// Patch marks a 4 byte CRC-32 field inside a static region. The field holds
// the checksum of the content of entry Entry and is only valid once that
// checksum is known.
type Patch struct {
	Offset uint64
	Entry  int
}

// Entry is the planned layout of one archive member.
type Entry struct {
	Name        string
	Size        uint64
	LocalHeader Region
	Data        Region
	Descriptor  Region
}

// Segment is a non-empty region tagged with its kind and owning entry.
// Entry is -1 for the central directory.
type Segment struct {
	Region
	Kind  Kind
	Entry int
}

// Layout is the complete byte layout of a planned archive.
type Layout struct {
	Entries          []Entry
	CentralDirectory Region
	Size             uint64
	Patches          []Patch

	segments []Segment
}

// Build validates the regions and indexes them for lookup. It is used by the
// planner and when a layout is restored from a manifest.
func Build(entries []Entry, central Region, patches []Patch) (*Layout, error) {
	l := &Layout{
		Entries:          entries,
		CentralDirectory: central,
		Patches:          slices.Clone(patches),
	}
	slices.SortFunc(l.Patches, func(a, b Patch) int {
		switch {
		case a.Offset < b.Offset:
			return -1
		case a.Offset > b.Offset:
			return 1
		default:
			return 0
		}
	})

	var cursor uint64
	check := func(r Region, what string, i int) error {
		if r.Offset != cursor {
			return fmt.Errorf("%w: entry %d %s at %d, want %d", ziptype.ErrLayout, i, what, r.Offset, cursor)
		}
		if r.Bytes != nil && uint64(len(r.Bytes)) != r.Length {
			return fmt.Errorf("%w: entry %d %s length mismatch", ziptype.ErrLayout, i, what)
		}
		end := r.Offset + r.Length
		if end < r.Offset {
			return ziptype.ErrSizeOverflow
		}
		cursor = end
		return nil
	}

	l.segments = make([]Segment, 0, 3*len(entries)+1)
	add := func(r Region, kind Kind, i int) {
		if r.Length > 0 {
			l.segments = append(l.segments, Segment{Region: r, Kind: kind, Entry: i})
		}
	}
	for i, e := range entries {
		if e.LocalHeader.Length == 0 {
			return nil, fmt.Errorf("%w: entry %d has no local header", ziptype.ErrLayout, i)
		}
		if e.Data.Length != e.Size {
			return nil, fmt.Errorf("%w: entry %d data length %d, want %d", ziptype.ErrLayout, i, e.Data.Length, e.Size)
		}
		if err := check(e.LocalHeader, "local header", i); err != nil {
			return nil, err
		}
		if err := check(e.Data, "data", i); err != nil {
			return nil, err
		}
		if err := check(e.Descriptor, "descriptor", i); err != nil {
			return nil, err
		}
		add(e.LocalHeader, KindLocalHeader, i)
		add(e.Data, KindData, i)
		add(e.Descriptor, KindDescriptor, i)
	}
	if err := check(central, "central directory", -1); err != nil {
		return nil, err
	}
	if central.Length == 0 {
		return nil, fmt.Errorf("%w: empty central directory", ziptype.ErrLayout)
	}
	add(central, KindCentralDirectory, -1)
	l.Size = cursor

	for _, p := range l.Patches {
		if p.Entry < 0 || p.Entry >= len(entries) {
			return nil, fmt.Errorf("%w: patch at %d references entry %d", ziptype.ErrLayout, p.Offset, p.Entry)
		}
		seg, ok := l.SegmentAt(p.Offset)
		if !ok || seg.Kind == KindData || p.Offset+CRCLen > seg.End() {
			return nil, fmt.Errorf("%w: patch at %d outside static bytes", ziptype.ErrLayout, p.Offset)
		}
	}
	return l, nil
}

// Segments returns the non-empty regions in archive order.
func (l *Layout) Segments() []Segment {
	return l.segments
}

// SegmentAt returns the segment containing off.
func (l *Layout) SegmentAt(off uint64) (Segment, bool) {
	i := sort.Search(len(l.segments), func(i int) bool {
		return l.segments[i].End() > off
	})
	if i == len(l.segments) || off < l.segments[i].Offset {
		return Segment{}, false
	}
	return l.segments[i], true
}

// PatchesIn returns the patches overlapping [start, end), in offset order.
func (l *Layout) PatchesIn(start, end uint64) []Patch {
	i := sort.Search(len(l.Patches), func(i int) bool {
		return l.Patches[i].Offset+CRCLen > start
	})
	j := i
	for j < len(l.Patches) && l.Patches[j].Offset < end {
		j++
	}
	return l.Patches[i:j]
}
