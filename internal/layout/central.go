package layout

import (
	"fmt"

	"github.com/meigma/vzip/internal/ziptype"
)

// planCentral partitions the bytes emitted by closing the encoder, starting
// at off: the descriptor of the last entry, the central directory records,
// and the end records. Every central directory record must name the entry
// at the same position.
func planCentral(entries []Entry, headers []probedHeader, off uint64, tail []byte) (Region, []Patch, error) {
	var patches []Patch
	if n := len(entries); n > 0 {
		last := &entries[n-1]
		descLen, ok := lastDescriptorLen(last, headers[n-1], tail)
		if !ok {
			return Region{}, nil, fmt.Errorf("%w: %s: malformed data descriptor", ziptype.ErrLayout, last.Name)
		}
		p, err := closeEntry(last, headers[n-1], off, tail[:descLen], n-1)
		if err != nil {
			return Region{}, nil, err
		}
		patches = append(patches, p...)
		tail = tail[descLen:]
		off += uint64(descLen)
	}

	pos := 0
	for i := range entries {
		b := tail[pos:]
		if len(b) < directoryHeaderLen || le32(b) != directoryHeaderSignature {
			return Region{}, nil, fmt.Errorf("%w: missing central directory record %d", ziptype.ErrLayout, i)
		}
		nameLen := int(le16(b[28:]))
		recLen := directoryHeaderLen + nameLen + int(le16(b[30:])) + int(le16(b[32:]))
		if len(b) < recLen {
			return Region{}, nil, fmt.Errorf("%w: truncated central directory record %d", ziptype.ErrLayout, i)
		}
		if string(b[directoryHeaderLen:directoryHeaderLen+nameLen]) != entries[i].Name {
			return Region{}, nil, fmt.Errorf("%w: central directory record %d names %q, want %q",
				ziptype.ErrLayout, i, b[directoryHeaderLen:directoryHeaderLen+nameLen], entries[i].Name)
		}
		patches = append(patches, Patch{Offset: off + uint64(pos) + 16, Entry: i})
		pos += recLen
	}
	if !validEnd(tail[pos:]) {
		return Region{}, nil, fmt.Errorf("%w: malformed end of central directory", ziptype.ErrLayout)
	}
	return staticRegion(off, tail), patches, nil
}

// lastDescriptorLen finds the length of the descriptor that precedes the
// first central directory record.
func lastDescriptorLen(e *Entry, hdr probedHeader, tail []byte) (int, bool) {
	if hdr.flags&flagDataDescriptor == 0 {
		return 0, true
	}
	for _, n := range []int{dataDescriptorLen, dataDescriptor64Len, bareDescriptorLen} {
		if len(tail) < n+4 {
			continue
		}
		if _, ok := descriptorCRCOffset(tail[:n], e.Size); !ok {
			continue
		}
		if le32(tail[n:]) == directoryHeaderSignature {
			return n, true
		}
	}
	return 0, false
}

// validEnd reports whether b holds the archive end records: an optional
// zip64 end record and locator followed by the end of central directory
// record, which must extend exactly to the end of b.
func validEnd(b []byte) bool {
	if len(b) < directoryEndLen {
		return false
	}
	if sig := le32(b); sig != directoryEndSignature && sig != directory64EndSignature {
		return false
	}
	for i := len(b) - directoryEndLen; i >= 0; i-- {
		if le32(b[i:]) == directoryEndSignature && i+directoryEndLen+int(le16(b[i+20:])) == len(b) {
			return true
		}
	}
	return false
}
