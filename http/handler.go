package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	nethttp "net/http"
	"time"

	"github.com/meigma/vzip"
)

// Handler serves a planned archive over HTTP.
//
// GET and HEAD are supported, with single and multiple byte ranges and the
// If-Range, If-Match and If-None-Match preconditions handled by
// http.ServeContent. Range bytes are streamed from the archive under the
// request context, so a client that disconnects stops its range without
// affecting others.
type Handler struct {
	archive *vzip.Archive
	name    string
	logger  *slog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithFilename sets the attachment name sent in Content-Disposition.
func WithFilename(name string) HandlerOption {
	return func(h *Handler) {
		h.name = name
	}
}

// WithLogger sets the logger for request failures.
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// NewHandler returns a handler serving a.
func NewHandler(a *vzip.Archive, opts ...HandlerOption) *Handler {
	h := &Handler{archive: a}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) log() *slog.Logger {
	if h.logger != nil {
		return h.logger
	}
	return slog.New(slog.DiscardHandler)
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w nethttp.ResponseWriter, r *nethttp.Request) {
	if r.Method != nethttp.MethodGet && r.Method != nethttp.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		nethttp.Error(w, "method not allowed", nethttp.StatusMethodNotAllowed)
		return
	}

	size, err := h.archive.TotalSize()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	etag, err := h.archive.ETag()
	if err != nil {
		h.fail(w, r, err)
		return
	}

	hdr := w.Header()
	hdr.Set("ETag", etag)
	if _, ok := hdr["Content-Type"]; !ok {
		hdr.Set("Content-Type", "application/zip")
	}
	if h.name != "" {
		hdr.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", h.name))
	}

	// Canceling releases whatever range the response was still reading.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	body := &rangeReader{ctx: ctx, archive: h.archive, size: int64(size), logger: h.log()}
	nethttp.ServeContent(w, r, "", time.Time{}, body)
}

// fail writes an error response for err.
func (h *Handler) fail(w nethttp.ResponseWriter, r *nethttp.Request, err error) {
	code := nethttp.StatusInternalServerError
	switch {
	case errors.Is(err, vzip.ErrNotPlanned), errors.Is(err, vzip.ErrClosed):
		code = nethttp.StatusServiceUnavailable
	case errors.Is(err, vzip.ErrInvalidRange):
		code = nethttp.StatusRequestedRangeNotSatisfiable
	}
	h.log().Debug("request failed", "method", r.Method, "path", r.URL.Path, "status", code, "error", err)
	nethttp.Error(w, nethttp.StatusText(code), code)
}

// rangeReader is an io.ReadSeeker over the archive for one request. A read
// opens one archive range from the current offset to the end and keeps
// streaming it until the next seek, so each requested range is served by a
// single archive reader bound to the request context.
type rangeReader struct {
	ctx     context.Context
	archive *vzip.Archive
	size    int64
	off     int64
	cur     io.ReadCloser
	logger  *slog.Logger
}

func (r *rangeReader) Read(p []byte) (int, error) {
	if r.off >= r.size {
		return 0, io.EOF
	}
	if r.cur == nil {
		rc, err := r.archive.OpenRange(r.ctx, uint64(r.off), uint64(r.size-r.off))
		if err != nil {
			r.logger.Debug("range open failed", "offset", r.off, "error", err)
			return 0, err
		}
		r.cur = rc
	}
	n, err := r.cur.Read(p)
	r.off += int64(n)
	if err != nil && !errors.Is(err, io.EOF) {
		r.logger.Debug("range response aborted", "offset", r.off, "error", err)
	}
	return n, err
}

func (r *rangeReader) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += r.off
	case io.SeekEnd:
		offset += r.size
	default:
		return 0, errors.New("seek: invalid whence")
	}
	if offset < 0 {
		return 0, errors.New("seek: negative position")
	}
	if offset != r.off && r.cur != nil {
		_ = r.cur.Close()
		r.cur = nil
	}
	r.off = offset
	return offset, nil
}
