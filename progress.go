package vzip

import "github.com/meigma/vzip/internal/ziptype"

// Re-export progress types from internal/ziptype.
type (
	// ProgressEvent represents a progress update during resolution, planning or streaming.
	ProgressEvent = ziptype.ProgressEvent

	// ProgressStage identifies the current phase of an operation.
	ProgressStage = ziptype.ProgressStage

	// ProgressFunc receives progress updates.
	// Implementations must be safe for concurrent calls.
	ProgressFunc = ziptype.ProgressFunc
)

// Re-export progress stage constants.
const (
	// StageResolving indicates unknown entry sizes are being stat'ed.
	StageResolving = ziptype.StageResolving

	// StagePlanning indicates the layout dry run is in progress.
	StagePlanning = ziptype.StagePlanning

	// StageStreaming indicates entry content is being read from its source.
	StageStreaming = ziptype.StageStreaming
)
