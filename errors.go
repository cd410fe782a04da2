package vzip

import (
	"github.com/meigma/vzip/internal/platform"
	"github.com/meigma/vzip/internal/ziptype"
)

// Errors re-exported from internal/ziptype.
var (
	// ErrValidation is returned when an entry descriptor is malformed.
	ErrValidation = ziptype.ErrValidation

	// ErrUnresolvedSize is returned when planning runs before every entry size is known.
	ErrUnresolvedSize = ziptype.ErrUnresolvedSize

	// ErrSourceNotFound is returned when a source path does not exist.
	ErrSourceNotFound = ziptype.ErrSourceNotFound

	// ErrSourceChanged is returned when source content no longer matches its planned size.
	ErrSourceChanged = ziptype.ErrSourceChanged

	// ErrLayout is returned when the ZIP encoder output cannot be partitioned into regions.
	ErrLayout = ziptype.ErrLayout

	// ErrInvalidRange is returned for empty, overflowing or out-of-bounds ranges.
	ErrInvalidRange = ziptype.ErrInvalidRange

	// ErrNotPlanned is returned when the archive layout is not ready.
	ErrNotPlanned = ziptype.ErrNotPlanned

	// ErrClosed is returned after the archive or a range reader is closed.
	ErrClosed = ziptype.ErrClosed

	// ErrSizeOverflow is returned when byte counts exceed supported limits.
	ErrSizeOverflow = ziptype.ErrSizeOverflow

	// ErrManifest is returned when a manifest cannot be decoded or does not match the catalog.
	ErrManifest = ziptype.ErrManifest

	// ErrSymlink is returned when a source path is a symbolic link.
	ErrSymlink = platform.ErrSymlink
)
