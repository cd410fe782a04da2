package vzip

import (
	"log/slog"

	"github.com/meigma/vzip/cache"
)

// DefaultResolveConcurrency is the number of concurrent Stat calls used by
// ResolveSizes when no WithResolveConcurrency option is set.
const DefaultResolveConcurrency = 8

// config holds archive configuration.
type config struct {
	logger             *slog.Logger
	opener             Opener
	progress           ProgressFunc
	chunkSize          int
	lookahead          int
	comment            string
	resolveConcurrency int
	planCache          cache.PlanCache
}

// Option configures an Archive.
type Option func(*config)

// WithLogger sets a logger for archive operations.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithOpener sets how entry source paths are stat'ed and opened.
// Defaults to a DirOpener rooted at the working directory.
func WithOpener(o Opener) Option {
	return func(c *config) {
		c.opener = o
	}
}

// WithProgress sets a callback to receive progress updates while sizes are
// resolved, the layout is planned and entry content is streamed.
// The callback may be invoked concurrently.
func WithProgress(fn ProgressFunc) Option {
	return func(c *config) {
		c.progress = fn
	}
}

// WithChunkSize sets the number of content bytes read from a source per
// producer step (default: 32 KiB).
func WithChunkSize(n int) Option {
	return func(c *config) {
		c.chunkSize = n
	}
}

// WithLookahead bounds the content bytes buffered for one range reader
// ahead of its consumer (default: 256 KiB).
func WithLookahead(n int) Option {
	return func(c *config) {
		c.lookahead = n
	}
}

// WithComment sets the archive comment.
func WithComment(comment string) Option {
	return func(c *config) {
		c.comment = comment
	}
}

// WithResolveConcurrency sets how many sizes ResolveSizes stats at once.
// Values < 1 use DefaultResolveConcurrency.
func WithResolveConcurrency(n int) Option {
	return func(c *config) {
		c.resolveConcurrency = n
	}
}

// WithPlanCache reuses layouts planned for identical catalogs.
//
// Plans are keyed by the digest of the catalog (names, sizes, timestamps,
// modes, declared checksums and comment). Checksums learned while
// streaming are never cached.
func WithPlanCache(pc cache.PlanCache) Option {
	return func(c *config) {
		c.planCache = pc
	}
}
