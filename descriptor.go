package vzip

import (
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/meigma/vzip/internal/ziptype"
)

// maxNameLen is the longest archive name a ZIP header can hold.
const maxNameLen = 1<<16 - 1

// Size is the content length of an entry. The zero value is an unknown
// size; known sizes are created with KnownSize.
type Size struct {
	n     int64
	known bool
}

// UnknownSize returns a size to be resolved from the entry's source.
func UnknownSize() Size {
	return Size{}
}

// KnownSize returns a size of n bytes. A negative n is rejected when the
// descriptor is validated.
func KnownSize(n int64) Size {
	return Size{n: n, known: true}
}

// Get returns the size and whether it is known.
func (s Size) Get() (uint64, bool) {
	if !s.known || s.n < 0 {
		return 0, false
	}
	return uint64(s.n), true
}

// Known reports whether the size is known.
func (s Size) Known() bool {
	return s.known
}

// String returns the size in bytes, or "unknown".
func (s Size) String() string {
	if !s.known {
		return "unknown"
	}
	return strconv.FormatInt(s.n, 10)
}

// Descriptor describes one archive entry.
type Descriptor struct {
	// SourcePath locates the entry content through the archive's Opener.
	SourcePath string

	// ArchiveName is the entry name inside the archive. Names use forward
	// slashes and must not end in a slash.
	ArchiveName string

	// Size is the content length. Unknown sizes are resolved by ResolveSizes.
	Size Size

	// Modified is recorded in the entry header. The zero time records no
	// timestamp.
	Modified time.Time

	// Mode is recorded in the entry's external attributes when non-zero.
	Mode fs.FileMode

	// CRC32 is the IEEE checksum of the content, if known in advance.
	// Archive bytes that depend on it are then served without reading the
	// source.
	CRC32 *uint32
}

// validate checks d, the descriptor at index i.
func (d *Descriptor) validate(i int) error {
	switch {
	case d.SourcePath == "":
		return fmt.Errorf("%w: entry %d: empty source path", ziptype.ErrValidation, i)
	case d.ArchiveName == "":
		return fmt.Errorf("%w: entry %d: empty archive name", ziptype.ErrValidation, i)
	case strings.HasSuffix(d.ArchiveName, "/"):
		return fmt.Errorf("%w: entry %d: %q: directory entries are not supported", ziptype.ErrValidation, i, d.ArchiveName)
	case strings.IndexByte(d.ArchiveName, 0) >= 0:
		return fmt.Errorf("%w: entry %d: archive name contains NUL", ziptype.ErrValidation, i)
	case len(d.ArchiveName) > maxNameLen:
		return fmt.Errorf("%w: entry %d: archive name longer than %d bytes", ziptype.ErrValidation, i, maxNameLen)
	case d.Size.known && d.Size.n < 0:
		return fmt.Errorf("%w: entry %d: %q: negative size %d", ziptype.ErrValidation, i, d.ArchiveName, d.Size.n)
	case d.Mode.IsDir():
		return fmt.Errorf("%w: entry %d: %q: directory mode", ziptype.ErrValidation, i, d.ArchiveName)
	}
	return nil
}
