package http_test

import (
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	nethttp "net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/vzip"
	vziphttp "github.com/meigma/vzip/http"
	"github.com/meigma/vzip/internal/testutil"
)

var files = []testutil.File{
	{Name: "a.txt", Content: []byte("AAAAA")},
	{Name: "docs/b.bin", Content: testutil.Pattern(20_000, 9)},
}

func descriptors(files []testutil.File, path func(string) string) []vzip.Descriptor {
	descs := make([]vzip.Descriptor, len(files))
	for i, f := range files {
		descs[i] = vzip.Descriptor{
			SourcePath:  path(f.Name),
			ArchiveName: f.Name,
			Modified:    testutil.ModTime,
			Mode:        0o644,
		}
	}
	return descs
}

func newHandler(t *testing.T, opts ...vziphttp.HandlerOption) (*vziphttp.Handler, []byte) {
	t.Helper()
	a, err := vzip.New(descriptors(files, func(s string) string { return s }), vzip.WithOpener(testutil.StoreOf(files)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	require.NoError(t, a.ResolveSizes(context.Background()))
	require.NoError(t, a.Plan(context.Background()))
	return vziphttp.NewHandler(a, opts...), testutil.Reference(t, files, "")
}

func serve(h nethttp.Handler, method string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/archive.zip", nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandler_FullBody(t *testing.T) {
	t.Parallel()

	h, want := newHandler(t, vziphttp.WithFilename("bundle.zip"))
	rec := serve(h, nethttp.MethodGet, nil)

	require.Equal(t, nethttp.StatusOK, rec.Code)
	assert.Equal(t, want, rec.Body.Bytes())
	assert.Equal(t, strconv.Itoa(len(want)), rec.Header().Get("Content-Length"))
	assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
	assert.Equal(t, `attachment; filename="bundle.zip"`, rec.Header().Get("Content-Disposition"))
	assert.NotEmpty(t, rec.Header().Get("ETag"))
}

func TestHandler_Ranges(t *testing.T) {
	t.Parallel()

	h, want := newHandler(t)
	total := len(want)

	tests := []struct {
		name       string
		spec       string
		start, end int
	}{
		{"first byte", "bytes=0-0", 0, 0},
		{"closed", "bytes=10-99", 10, 99},
		{"open ended", fmt.Sprintf("bytes=%d-", total-100), total - 100, total - 1},
		{"suffix", "bytes=-4", total - 4, total - 1},
		{"suffix longer than body", fmt.Sprintf("bytes=-%d", total+10), 0, total - 1},
		{"end past body", fmt.Sprintf("bytes=5-%d", total+10), 5, total - 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := serve(h, nethttp.MethodGet, map[string]string{"Range": tt.spec})
			require.Equal(t, nethttp.StatusPartialContent, rec.Code)
			assert.Equal(t, want[tt.start:tt.end+1], rec.Body.Bytes())
			assert.Equal(t, fmt.Sprintf("bytes %d-%d/%d", tt.start, tt.end, total), rec.Header().Get("Content-Range"))
			assert.Equal(t, strconv.Itoa(tt.end-tt.start+1), rec.Header().Get("Content-Length"))
		})
	}
}

func TestHandler_Unsatisfiable(t *testing.T) {
	t.Parallel()

	h, want := newHandler(t)
	rec := serve(h, nethttp.MethodGet, map[string]string{"Range": fmt.Sprintf("bytes=%d-", len(want))})
	assert.Equal(t, nethttp.StatusRequestedRangeNotSatisfiable, rec.Code)
	assert.Equal(t, fmt.Sprintf("bytes */%d", len(want)), rec.Header().Get("Content-Range"))

	for _, spec := range []string{"items=0-1", "bytes=9-3", "bytes=x-"} {
		rec := serve(h, nethttp.MethodGet, map[string]string{"Range": spec})
		assert.Equal(t, nethttp.StatusRequestedRangeNotSatisfiable, rec.Code, spec)
	}
}

func TestHandler_MultipleRanges(t *testing.T) {
	t.Parallel()

	h, want := newHandler(t)
	total := len(want)
	rec := serve(h, nethttp.MethodGet, map[string]string{
		"Range": fmt.Sprintf("bytes=0-1,5-6,%d-", total-3),
	})
	require.Equal(t, nethttp.StatusPartialContent, rec.Code)

	mediaType, params, err := mime.ParseMediaType(rec.Header().Get("Content-Type"))
	require.NoError(t, err)
	require.Equal(t, "multipart/byteranges", mediaType)

	wantParts := []struct{ start, end int }{{0, 1}, {5, 6}, {total - 3, total - 1}}
	mr := multipart.NewReader(rec.Body, params["boundary"])
	for _, wp := range wantParts {
		part, err := mr.NextPart()
		require.NoError(t, err)
		assert.Equal(t, "application/zip", part.Header.Get("Content-Type"))
		assert.Equal(t, fmt.Sprintf("bytes %d-%d/%d", wp.start, wp.end, total), part.Header.Get("Content-Range"))
		got, err := io.ReadAll(part)
		require.NoError(t, err)
		assert.Equal(t, want[wp.start:wp.end+1], got)
	}
	_, err = mr.NextPart()
	require.ErrorIs(t, err, io.EOF)
}

func TestHandler_Conditional(t *testing.T) {
	t.Parallel()

	h, want := newHandler(t)
	etag := serve(h, nethttp.MethodHead, nil).Header().Get("ETag")
	require.NotEmpty(t, etag)

	rec := serve(h, nethttp.MethodGet, map[string]string{"Range": "bytes=0-9", "If-Range": etag})
	assert.Equal(t, nethttp.StatusPartialContent, rec.Code)
	assert.Equal(t, want[:10], rec.Body.Bytes())

	rec = serve(h, nethttp.MethodGet, map[string]string{"Range": "bytes=0-9", "If-Range": `"stale"`})
	assert.Equal(t, nethttp.StatusOK, rec.Code)
	assert.Equal(t, want, rec.Body.Bytes())

	rec = serve(h, nethttp.MethodGet, map[string]string{"If-None-Match": etag})
	assert.Equal(t, nethttp.StatusNotModified, rec.Code)
	assert.Empty(t, rec.Body.Bytes())

	rec = serve(h, nethttp.MethodGet, map[string]string{"If-Match": `"stale"`})
	assert.Equal(t, nethttp.StatusPreconditionFailed, rec.Code)
}

func TestHandler_WeakETagDisablesIfRange(t *testing.T) {
	t.Parallel()

	a, err := vzip.New(descriptors(files, func(s string) string { return s }),
		vzip.WithOpener(unversioned{testutil.StoreOf(files)}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	require.NoError(t, a.ResolveSizes(context.Background()))
	require.NoError(t, a.Plan(context.Background()))
	want := testutil.Reference(t, files, "")
	h := vziphttp.NewHandler(a)

	etag := serve(h, nethttp.MethodHead, nil).Header().Get("ETag")
	require.True(t, strings.HasPrefix(etag, `W/"`), etag)

	rec := serve(h, nethttp.MethodGet, map[string]string{"Range": "bytes=0-9", "If-Range": etag})
	assert.Equal(t, nethttp.StatusOK, rec.Code)
	assert.Equal(t, want, rec.Body.Bytes())

	rec = serve(h, nethttp.MethodGet, map[string]string{"Range": "bytes=0-9"})
	assert.Equal(t, nethttp.StatusPartialContent, rec.Code)
	assert.Equal(t, want[:10], rec.Body.Bytes())
}

// unversioned hides the Versioner implementation of an opener.
type unversioned struct {
	vzip.Opener
}

// cancelingWriter cancels the request once the first body bytes are written.
type cancelingWriter struct {
	*httptest.ResponseRecorder
	cancel context.CancelFunc
}

func (w *cancelingWriter) Write(p []byte) (int, error) {
	n, err := w.ResponseRecorder.Write(p)
	w.cancel()
	return n, err
}

func TestHandler_CanceledRequestStopsRange(t *testing.T) {
	t.Parallel()

	big := []testutil.File{{Name: "big.bin", Content: testutil.Pattern(1<<20, 3)}}
	store := testutil.StoreOf(big)
	a, err := vzip.New(descriptors(big, func(s string) string { return s }),
		vzip.WithOpener(store), vzip.WithChunkSize(4<<10), vzip.WithLookahead(16<<10))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	require.NoError(t, a.ResolveSizes(context.Background()))
	require.NoError(t, a.Plan(context.Background()))
	want := testutil.Reference(t, big, "")
	h := vziphttp.NewHandler(a)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequestWithContext(ctx, nethttp.MethodGet, "/archive.zip", nil)
	req.Header.Set("Range", "bytes=100-")
	w := &cancelingWriter{ResponseRecorder: httptest.NewRecorder(), cancel: cancel}
	h.ServeHTTP(w, req)

	assert.Equal(t, nethttp.StatusPartialContent, w.Code)
	assert.Less(t, w.Body.Len(), len(want)-100)
	assert.Equal(t, want[100:100+w.Body.Len()], w.Body.Bytes())
	assert.Eventually(t, func() bool { return store.OpenSources() == 0 }, time.Second, 5*time.Millisecond)

	rec := serve(h, nethttp.MethodGet, map[string]string{"Range": "bytes=100-"})
	require.Equal(t, nethttp.StatusPartialContent, rec.Code)
	assert.Equal(t, want[100:], rec.Body.Bytes())
}

func TestHandler_Head(t *testing.T) {
	t.Parallel()

	h, want := newHandler(t)
	rec := serve(h, nethttp.MethodHead, map[string]string{"Range": "bytes=-4"})
	assert.Equal(t, nethttp.StatusPartialContent, rec.Code)
	assert.Equal(t, "4", rec.Header().Get("Content-Length"))
	assert.Equal(t, fmt.Sprintf("bytes %d-%d/%d", len(want)-4, len(want)-1, len(want)), rec.Header().Get("Content-Range"))
	assert.Empty(t, rec.Body.Bytes())
}

func TestHandler_Errors(t *testing.T) {
	t.Parallel()

	h, _ := newHandler(t)
	rec := serve(h, nethttp.MethodPost, nil)
	assert.Equal(t, nethttp.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "GET, HEAD", rec.Header().Get("Allow"))

	a, err := vzip.New(descriptors(files, func(s string) string { return s }), vzip.WithOpener(testutil.StoreOf(files)))
	require.NoError(t, err)
	rec = serve(vziphttp.NewHandler(a), nethttp.MethodGet, nil)
	assert.Equal(t, nethttp.StatusServiceUnavailable, rec.Code)
}

func TestHandler_OverServer(t *testing.T) {
	t.Parallel()

	h, want := newHandler(t)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	req, err := nethttp.NewRequest(nethttp.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Range", "bytes=100-")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, nethttp.StatusPartialContent, resp.StatusCode)
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, want[100:], got)

	// The archive served by the handler is itself a valid remote source.
	src, err := vziphttp.NewSource(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, int64(len(want)), src.Size())
	buf := make([]byte, 4)
	_, err = src.ReadAt(buf, int64(len(want)-4))
	require.NoError(t, err)
	assert.Equal(t, want[len(want)-4:], buf)
}
