package ziptype

import "errors"

// Sentinel errors for vzip operations.
var (
	// ErrValidation is returned when an entry descriptor is malformed.
	ErrValidation = errors.New("vzip: invalid entry")

	// ErrUnresolvedSize is returned when planning runs before every entry size is known.
	ErrUnresolvedSize = errors.New("vzip: unresolved entry size")

	// ErrSourceNotFound is returned when a source path cannot be stat'ed, opened or read.
	ErrSourceNotFound = errors.New("vzip: source not found")

	// ErrSourceChanged is returned when source content no longer matches its declared size.
	ErrSourceChanged = errors.New("vzip: source changed")

	// ErrLayout is returned when the ZIP encoder violates its emission contract.
	ErrLayout = errors.New("vzip: layout computation failed")

	// ErrInvalidRange is returned for empty or out-of-bounds range requests.
	ErrInvalidRange = errors.New("vzip: invalid range")

	// ErrNotPlanned is returned when the archive layout is not ready.
	ErrNotPlanned = errors.New("vzip: archive not planned")

	// ErrClosed is returned when reading from a closed range or archive.
	ErrClosed = errors.New("vzip: closed")

	// ErrSizeOverflow is returned when byte counts exceed supported limits.
	ErrSizeOverflow = errors.New("vzip: size overflow")

	// ErrManifest is returned when a manifest cannot be decoded or does not match its archive.
	ErrManifest = errors.New("vzip: invalid manifest")
)
