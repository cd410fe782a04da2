package layout

import "encoding/binary"

// ZIP record signatures and fixed lengths.
const (
	fileHeaderSignature      = 0x04034b50
	directoryHeaderSignature = 0x02014b50
	directoryEndSignature    = 0x06054b50
	directory64EndSignature  = 0x06064b50
	dataDescriptorSignature  = 0x08074b50

	fileHeaderLen       = 30 // + name + extra
	directoryHeaderLen  = 46 // + name + extra + comment
	directoryEndLen     = 22 // + comment
	dataDescriptorLen   = 16 // signature, crc32, compressed size, size
	dataDescriptor64Len = 24 // descriptor with 8 byte sizes
	bareDescriptorLen   = 12 // descriptor without signature

	uint32max = (1 << 32) - 1

	// flagDataDescriptor marks entries whose CRC and sizes follow the data.
	flagDataDescriptor = 0x8

	methodStore = 0
)

// CRCLen is the width of a CRC-32 field.
const CRCLen = 4

func le16(b []byte) uint16 { return binary.LittleEndian.Uint16(b) }
func le32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }
func le64(b []byte) uint64 { return binary.LittleEndian.Uint64(b) }

// localHeader is the parsed fixed part of a local file header.
type localHeader struct {
	flags  uint16
	method uint16
	name   string
	length int
}

// parseLocalHeader parses a complete local file header. The buffer must
// contain exactly one header and nothing else.
func parseLocalHeader(b []byte) (localHeader, bool) {
	if len(b) < fileHeaderLen || le32(b) != fileHeaderSignature {
		return localHeader{}, false
	}
	nameLen := int(le16(b[26:]))
	extraLen := int(le16(b[28:]))
	total := fileHeaderLen + nameLen + extraLen
	if total != len(b) {
		return localHeader{}, false
	}
	return localHeader{
		flags:  le16(b[6:]),
		method: le16(b[8:]),
		name:   string(b[fileHeaderLen : fileHeaderLen+nameLen]),
		length: total,
	}, true
}

// descriptorCRCOffset validates a data descriptor for a stored entry of the
// given size and returns the offset of its CRC-32 field.
func descriptorCRCOffset(b []byte, size uint64) (int, bool) {
	switch len(b) {
	case dataDescriptorLen:
		if le32(b) != dataDescriptorSignature || size >= uint32max {
			return 0, false
		}
		if uint64(le32(b[8:])) != size || uint64(le32(b[12:])) != size {
			return 0, false
		}
		return 4, true
	case dataDescriptor64Len:
		if le32(b) != dataDescriptorSignature {
			return 0, false
		}
		if le64(b[8:]) != size || le64(b[16:]) != size {
			return 0, false
		}
		return 4, true
	case bareDescriptorLen:
		if size >= uint32max {
			return 0, false
		}
		if uint64(le32(b[4:])) != size || uint64(le32(b[8:])) != size {
			return 0, false
		}
		return 0, true
	default:
		return 0, false
	}
}
