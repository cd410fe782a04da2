// Package http connects virtual archives to HTTP.
//
// Handler serves a planned archive with Range support. Source and Opener
// go the other way: they read remote entry content with range requests so
// an archive can be assembled from files that live on another server.
package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	nethttp "net/http"
	"strconv"
	"strings"

	"github.com/meigma/vzip"
)

// Source implements random access reads via HTTP range requests.
// It satisfies vzip.Source and reports its size for change detection.
//
// Reads carry the context the source was opened with. Requests after the
// first are conditional on the ETag or Last-Modified seen when opening,
// so a remote that changes surfaces as vzip.ErrSourceChanged.
type Source struct {
	ctx          context.Context
	url          string
	client       *nethttp.Client
	headers      nethttp.Header
	size         int64
	etag         string
	lastModified string
}

type options struct {
	client   *nethttp.Client
	headers  nethttp.Header
	fallback vzip.Opener
}

// Option configures a Source or an Opener.
type Option func(*options)

// WithClient sets the HTTP client used for requests.
func WithClient(client *nethttp.Client) Option {
	return func(o *options) {
		o.client = client
	}
}

// WithHeaders sets additional headers on each request.
func WithHeaders(headers nethttp.Header) Option {
	return func(o *options) {
		if headers == nil {
			return
		}
		o.headers = headers.Clone()
	}
}

// WithHeader sets a single header on each request.
func WithHeader(key, value string) Option {
	return func(o *options) {
		if o.headers == nil {
			o.headers = make(nethttp.Header)
		}
		o.headers.Set(key, value)
	}
}

// WithFallback sets the opener used by an Opener for paths that are not
// http or https URLs.
func WithFallback(fallback vzip.Opener) Option {
	return func(o *options) {
		o.fallback = fallback
	}
}

func newOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.client == nil {
		o.client = nethttp.DefaultClient
	}
	return o
}

// NewSource creates a Source backed by HTTP range requests.
// It probes the remote to determine the content size. A 404 or 410 from
// the remote is reported as fs.ErrNotExist.
func NewSource(ctx context.Context, url string, opts ...Option) (*Source, error) {
	o := newOptions(opts)
	s := &Source{
		ctx:     ctx,
		url:     url,
		client:  o.client,
		headers: o.headers,
	}

	size, etag, lastModified, err := s.fetchMetadata()
	if err != nil {
		return nil, err
	}
	s.size = size
	s.etag = etag
	s.lastModified = lastModified
	return s, nil
}

// Size returns the total size of the remote content.
func (s *Source) Size() int64 {
	return s.size
}

// Version returns the validator the remote reported when the source was
// opened: a strong ETag if there was one, otherwise Last-Modified.
func (s *Source) Version() string {
	if s.etag != "" && !strings.HasPrefix(s.etag, "W/") {
		return s.etag
	}
	return s.lastModified
}

// Close implements io.Closer. Sources hold no connection between reads.
func (s *Source) Close() error {
	return nil
}

// ReadAt reads data from the remote at the given offset using HTTP range requests.
func (s *Source) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("read at %d: negative offset", off)
	}
	if off >= s.size {
		return 0, io.EOF
	}

	end := off + int64(len(p)) - 1
	expected := len(p)
	if end >= s.size {
		end = s.size - 1
		expected = int(end - off + 1)
	}

	req, err := s.newRequest(nethttp.MethodGet, true)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, end))

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case nethttp.StatusPartialContent:
		// ok
	case nethttp.StatusRequestedRangeNotSatisfiable:
		return 0, fmt.Errorf("%w: %s: range %d-%d no longer satisfiable", vzip.ErrSourceChanged, s.url, off, end)
	case nethttp.StatusPreconditionFailed:
		return 0, fmt.Errorf("%w: %s: validator no longer matches", vzip.ErrSourceChanged, s.url)
	case nethttp.StatusOK:
		return 0, errors.New("range requests not supported")
	default:
		return 0, statusError(s.url, resp)
	}

	n, err := io.ReadFull(resp.Body, p[:expected])
	if err != nil {
		return n, err
	}
	if expected < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (s *Source) fetchMetadata() (int64, string, string, error) {
	size := int64(-1)
	etag := ""
	lastModified := ""

	if resp, err := s.doHead(); err == nil {
		if resp.StatusCode == nethttp.StatusOK {
			size = resp.ContentLength
			etag = resp.Header.Get("ETag")
			lastModified = resp.Header.Get("Last-Modified")
		}
		resp.Body.Close()
	}

	rangeSize, rangeETag, rangeLastModified, err := s.rangeProbe()
	if err != nil {
		return 0, "", "", err
	}
	if size > 0 && size != rangeSize {
		return 0, "", "", fmt.Errorf("content size mismatch: head=%d range=%d", size, rangeSize)
	}
	if etag == "" {
		etag = rangeETag
	}
	if lastModified == "" {
		lastModified = rangeLastModified
	}
	return rangeSize, etag, lastModified, nil
}

func (s *Source) rangeProbe() (int64, string, string, error) {
	req, err := s.newRequest(nethttp.MethodGet, false)
	if err != nil {
		return 0, "", "", err
	}
	req.Header.Set("Range", "bytes=0-0")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, "", "", err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case nethttp.StatusPartialContent:
	case nethttp.StatusRequestedRangeNotSatisfiable:
		// Empty content cannot satisfy any range.
		size, err := parseContentRange(resp.Header.Get("Content-Range"))
		if err != nil || size != 0 {
			return 0, "", "", fmt.Errorf("range probe failed: %s", resp.Status)
		}
		return 0, resp.Header.Get("ETag"), resp.Header.Get("Last-Modified"), nil
	case nethttp.StatusOK:
		// Servers ignore Range for empty content and answer with the
		// whole, empty body.
		if resp.ContentLength == 0 || (resp.ContentLength < 0 && emptyBody(resp.Body)) {
			return 0, resp.Header.Get("ETag"), resp.Header.Get("Last-Modified"), nil
		}
		return 0, "", "", errors.New("range requests not supported")
	default:
		return 0, "", "", statusError(s.url, resp)
	}

	crange := resp.Header.Get("Content-Range")
	if crange == "" {
		return 0, "", "", errors.New("range probe missing Content-Range")
	}
	size, err := parseContentRange(crange)
	if err != nil {
		return 0, "", "", err
	}

	return size, resp.Header.Get("ETag"), resp.Header.Get("Last-Modified"), nil
}

func emptyBody(body io.Reader) bool {
	var b [1]byte
	n, err := io.ReadFull(body, b[:])
	return n == 0 && errors.Is(err, io.EOF)
}

func (s *Source) doHead() (*nethttp.Response, error) {
	req, err := s.newRequest(nethttp.MethodHead, false)
	if err != nil {
		return nil, err
	}
	return s.client.Do(req)
}

func (s *Source) newRequest(method string, conditional bool) (*nethttp.Request, error) {
	req, err := nethttp.NewRequestWithContext(s.ctx, method, s.url, nil)
	if err != nil {
		return nil, err
	}
	for key, values := range s.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "identity")
	}
	if conditional {
		// If-Match only compares strong tags.
		if s.etag != "" && !strings.HasPrefix(s.etag, "W/") && req.Header.Get("If-Match") == "" {
			req.Header.Set("If-Match", s.etag)
		}
		if s.lastModified != "" && req.Header.Get("If-Unmodified-Since") == "" {
			req.Header.Set("If-Unmodified-Since", s.lastModified)
		}
	}
	return req, nil
}

// statusError maps an unexpected response status to an error. Missing
// resources wrap fs.ErrNotExist.
func statusError(url string, resp *nethttp.Response) error {
	switch resp.StatusCode {
	case nethttp.StatusNotFound, nethttp.StatusGone:
		return &fs.PathError{Op: "get", Path: url, Err: fs.ErrNotExist}
	default:
		return fmt.Errorf("range request %s failed: %s", url, resp.Status)
	}
}

func parseContentRange(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "bytes ") {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	_, total, ok := strings.Cut(strings.TrimPrefix(value, "bytes "), "/")
	if !ok || total == "*" {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	size, err := strconv.ParseInt(total, 10, 64)
	if err != nil || size < 0 {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	return size, nil
}

// Opener resolves entry source paths that are http or https URLs with
// range requests. Other paths go to the fallback opener, if one is set.
type Opener struct {
	opts options
}

// NewOpener returns an opener for remote entry content.
func NewOpener(opts ...Option) *Opener {
	return &Opener{opts: newOptions(opts)}
}

// IsURL reports whether path is an http or https URL.
func IsURL(path string) bool {
	return strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://")
}

// Stat returns the size of the content at path.
func (o *Opener) Stat(ctx context.Context, path string) (int64, error) {
	if !IsURL(path) {
		if o.opts.fallback == nil {
			return 0, fmt.Errorf("stat %s: not an http url", path)
		}
		return o.opts.fallback.Stat(ctx, path)
	}
	s, err := o.source(ctx, path)
	if err != nil {
		return 0, err
	}
	return s.Size(), nil
}

// Open returns a source reading path.
func (o *Opener) Open(ctx context.Context, path string) (vzip.Source, error) {
	if !IsURL(path) {
		if o.opts.fallback == nil {
			return nil, fmt.Errorf("open %s: not an http url", path)
		}
		return o.opts.fallback.Open(ctx, path)
	}
	s, err := o.source(ctx, path)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Version returns the validator of the content at path. Paths handled by
// a fallback opener are versioned by it when it implements vzip.Versioner.
func (o *Opener) Version(ctx context.Context, path string) (string, error) {
	if !IsURL(path) {
		v, ok := o.opts.fallback.(vzip.Versioner)
		if !ok {
			return "", nil
		}
		return v.Version(ctx, path)
	}
	s, err := o.source(ctx, path)
	if err != nil {
		return "", err
	}
	return s.Version(), nil
}

func (o *Opener) source(ctx context.Context, url string) (*Source, error) {
	return NewSource(ctx, url, func(opts *options) { *opts = o.opts })
}
