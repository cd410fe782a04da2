package ziptype

// ProgressEvent represents a progress update during resolution, planning or streaming.
type ProgressEvent struct {
	// Stage identifies the current phase of the operation.
	Stage ProgressStage

	// Path is the archive name currently being processed, if applicable.
	Path string

	// BytesDone is the number of bytes completed in the current operation.
	BytesDone uint64

	// BytesTotal is the total bytes for the current operation.
	// Zero indicates the total is unknown.
	BytesTotal uint64

	// FilesDone is the number of entries completed.
	FilesDone int

	// FilesTotal is the total number of entries.
	FilesTotal int
}

// ProgressStage identifies the current phase of an operation.
type ProgressStage uint8

// Progress stages.
const (
	// StageResolving indicates unknown entry sizes are being stat'ed.
	StageResolving ProgressStage = iota

	// StagePlanning indicates the layout dry run is in progress.
	StagePlanning

	// StageStreaming indicates entry content is being read from its source.
	StageStreaming
)

// String returns the string representation of the stage.
func (s ProgressStage) String() string {
	switch s {
	case StageResolving:
		return "resolving"
	case StagePlanning:
		return "planning"
	case StageStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// ProgressFunc receives progress updates.
// Implementations must be safe for concurrent calls.
type ProgressFunc func(ProgressEvent)
