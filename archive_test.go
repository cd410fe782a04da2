package vzip_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"testing/fstest"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/vzip"
	"github.com/meigma/vzip/internal/testutil"
)

var twoFiles = []testutil.File{
	{Name: "a.txt", Content: []byte("AAAAA")},
	{Name: "b.txt", Content: []byte("BBB")},
}

// descriptorsFor returns descriptors with unknown sizes whose source paths
// equal their archive names.
func descriptorsFor(files []testutil.File) []vzip.Descriptor {
	descs := make([]vzip.Descriptor, len(files))
	for i, f := range files {
		descs[i] = vzip.Descriptor{
			SourcePath:  f.Name,
			ArchiveName: f.Name,
			Modified:    testutil.ModTime,
			Mode:        0o644,
		}
	}
	return descs
}

// planned returns a planned archive over files served from a store.
func planned(t *testing.T, files []testutil.File, opts ...vzip.Option) (*vzip.Archive, *testutil.Store) {
	t.Helper()
	store := testutil.StoreOf(files)
	a, err := vzip.New(descriptorsFor(files), append([]vzip.Option{vzip.WithOpener(store)}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, a.ResolveSizes(context.Background()))
	require.NoError(t, a.Plan(context.Background()))
	t.Cleanup(func() { _ = a.Close() })
	return a, store
}

func readRange(t *testing.T, a *vzip.Archive, off, length uint64) []byte {
	t.Helper()
	r, err := a.OpenRange(context.Background(), off, length)
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	return got
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		desc vzip.Descriptor
	}{
		{"empty source path", vzip.Descriptor{ArchiveName: "a"}},
		{"empty archive name", vzip.Descriptor{SourcePath: "a"}},
		{"directory name", vzip.Descriptor{SourcePath: "a", ArchiveName: "dir/"}},
		{"NUL in name", vzip.Descriptor{SourcePath: "a", ArchiveName: "a\x00b"}},
		{"name too long", vzip.Descriptor{SourcePath: "a", ArchiveName: strings.Repeat("n", 1<<16)}},
		{"negative size", vzip.Descriptor{SourcePath: "a", ArchiveName: "a", Size: vzip.KnownSize(-1)}},
		{"directory mode", vzip.Descriptor{SourcePath: "a", ArchiveName: "a", Mode: os.ModeDir | 0o755}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := vzip.New([]vzip.Descriptor{{SourcePath: "ok", ArchiveName: "ok"}, tt.desc})
			require.ErrorIs(t, err, vzip.ErrValidation)
			assert.Contains(t, err.Error(), "entry 1")
		})
	}
}

func TestArchive_TwoEntries(t *testing.T) {
	t.Parallel()

	a, _ := planned(t, twoFiles)
	want := testutil.Reference(t, twoFiles, "")

	total, err := a.TotalSize()
	require.NoError(t, err)
	assert.Equal(t, uint64(len(want)), total)
	assert.Equal(t, vzip.StateReady, a.State())
	assert.Equal(t, want, readRange(t, a, 0, total))

	entries, err := a.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, want[entries[0].DataOffset:entries[0].DataOffset+5], []byte("AAAAA"))
	assert.Equal(t, want[entries[1].DataOffset:entries[1].DataOffset+3], []byte("BBB"))
	assert.Equal(t, entries[0].End, entries[1].HeaderOffset)
}

func TestArchive_EveryRangeMatchesReference(t *testing.T) {
	t.Parallel()

	files := []testutil.File{
		{Name: "one.bin", Content: testutil.Pattern(3000, 1)},
		{Name: "empty", Content: nil},
		{Name: "nested/two.bin", Content: testutil.Pattern(257, 2)},
	}
	a, _ := planned(t, files, vzip.WithChunkSize(64), vzip.WithLookahead(128), vzip.WithComment("virtual"))
	want := testutil.Reference(t, files, "virtual")
	total, err := a.TotalSize()
	require.NoError(t, err)
	require.Equal(t, uint64(len(want)), total)

	for off := uint64(0); off < total; off += 13 {
		for _, length := range []uint64{1, 9, 200} {
			n := min(length, total-off)
			require.Equal(t, want[off:off+n], readRange(t, a, off, n), "offset %d length %d", off, n)
		}
	}
}

func TestArchive_Boundaries(t *testing.T) {
	t.Parallel()

	a, _ := planned(t, twoFiles)
	want := testutil.Reference(t, twoFiles, "")
	total, err := a.TotalSize()
	require.NoError(t, err)

	assert.Equal(t, want[:1], readRange(t, a, 0, 1))
	assert.Equal(t, want[total-1:], readRange(t, a, total-1, 1))

	_, err = a.OpenRange(context.Background(), total, 1)
	require.ErrorIs(t, err, vzip.ErrInvalidRange)
	_, err = a.OpenRange(context.Background(), 0, 0)
	require.ErrorIs(t, err, vzip.ErrInvalidRange)
	_, err = a.OpenRange(context.Background(), 0, total+1)
	require.ErrorIs(t, err, vzip.ErrInvalidRange)
}

func TestArchive_FinalBytesReadNoSource(t *testing.T) {
	t.Parallel()

	a, store := planned(t, twoFiles)
	want := testutil.Reference(t, twoFiles, "")
	total, err := a.TotalSize()
	require.NoError(t, err)

	assert.Equal(t, want[total-4:], readRange(t, a, total-4, 4))
	assert.Zero(t, store.Stats("a.txt").Opens)
	assert.Zero(t, store.Stats("b.txt").Opens)
}

func TestArchive_NotPlanned(t *testing.T) {
	t.Parallel()

	store := testutil.StoreOf(twoFiles)
	a, err := vzip.New(descriptorsFor(twoFiles), vzip.WithOpener(store))
	require.NoError(t, err)
	defer a.Close()

	_, err = a.TotalSize()
	require.ErrorIs(t, err, vzip.ErrNotPlanned)
	_, err = a.OpenRange(context.Background(), 0, 1)
	require.ErrorIs(t, err, vzip.ErrNotPlanned)
	_, err = a.ETag()
	require.ErrorIs(t, err, vzip.ErrNotPlanned)

	err = a.Plan(context.Background())
	require.ErrorIs(t, err, vzip.ErrUnresolvedSize)
	assert.Equal(t, vzip.StateNotStarted, a.State())

	require.NoError(t, a.ResolveSizes(context.Background()))
	require.NoError(t, a.Plan(context.Background()))
	assert.Equal(t, vzip.StateReady, a.State())
}

func TestArchive_ResolveSizes(t *testing.T) {
	t.Parallel()

	t.Run("idempotent", func(t *testing.T) {
		t.Parallel()

		store := testutil.StoreOf(twoFiles)
		descs := descriptorsFor(twoFiles)
		descs[1].Size = vzip.KnownSize(3)
		a, err := vzip.New(descs, vzip.WithOpener(store))
		require.NoError(t, err)

		require.NoError(t, a.ResolveSizes(context.Background()))
		require.NoError(t, a.ResolveSizes(context.Background()))
		assert.Equal(t, 1, store.Stats("a.txt").Stats)
		assert.Zero(t, store.Stats("b.txt").Stats)

		got := a.Descriptors()
		n, ok := got[0].Size.Get()
		require.True(t, ok)
		assert.Equal(t, uint64(5), n)
	})

	t.Run("concurrent callers", func(t *testing.T) {
		t.Parallel()

		files := make([]testutil.File, 50)
		for i := range files {
			files[i] = testutil.File{Name: "f" + string(rune('a'+i%26)) + string(rune('a'+i/26)), Content: testutil.Pattern(i, byte(i))}
		}
		store := testutil.StoreOf(files)
		a, err := vzip.New(descriptorsFor(files), vzip.WithOpener(store), vzip.WithResolveConcurrency(4))
		require.NoError(t, err)

		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, a.ResolveSizes(context.Background()))
			}()
		}
		wg.Wait()
		for _, f := range files {
			assert.LessOrEqual(t, store.Stats(f.Name).Stats, 8)
		}
		require.NoError(t, a.Plan(context.Background()))
	})

	t.Run("missing source", func(t *testing.T) {
		t.Parallel()

		store := testutil.StoreOf(twoFiles[:1])
		a, err := vzip.New(descriptorsFor(twoFiles), vzip.WithOpener(store))
		require.NoError(t, err)

		err = a.ResolveSizes(context.Background())
		require.ErrorIs(t, err, vzip.ErrSourceNotFound)
		assert.Contains(t, err.Error(), "b.txt")
	})
}

func TestArchive_ConcurrentOverlappingRanges(t *testing.T) {
	t.Parallel()

	files := []testutil.File{
		{Name: "a", Content: testutil.Pattern(40_000, 1)},
		{Name: "b", Content: testutil.Pattern(90_000, 2)},
	}
	a, store := planned(t, files, vzip.WithChunkSize(2048), vzip.WithLookahead(4096))
	want := testutil.Reference(t, files, "")
	total, err := a.TotalSize()
	require.NoError(t, err)

	ranges := [][2]uint64{
		{0, total},
		{10, total - 10},
		{total / 2, total - total/2},
		{100, 50_000},
		{total - 4, 4},
	}
	var wg sync.WaitGroup
	results := make([][]byte, len(ranges))
	errs := make([]error, len(ranges))
	for i, rg := range ranges {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := a.OpenRange(context.Background(), rg[0], rg[1])
			if err != nil {
				errs[i] = err
				return
			}
			defer r.Close()
			results[i], errs[i] = io.ReadAll(r)
		}()
	}
	wg.Wait()

	for i, rg := range ranges {
		require.NoError(t, errs[i])
		assert.Equal(t, want[rg[0]:rg[0]+rg[1]], results[i], "range %d", i)
	}
	assert.Zero(t, store.OpenSources())
}

func TestArchive_CancelOneOfTwoOverlapping(t *testing.T) {
	t.Parallel()

	files := []testutil.File{{Name: "big", Content: testutil.Pattern(300_000, 3)}}
	a, _ := planned(t, files, vzip.WithChunkSize(4096), vzip.WithLookahead(8192))
	want := testutil.Reference(t, files, "")
	total, err := a.TotalSize()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	r1, err := a.OpenRange(ctx, 0, total)
	require.NoError(t, err)
	defer r1.Close()
	r2, err := a.OpenRange(context.Background(), 1000, total-1000)
	require.NoError(t, err)
	defer r2.Close()

	_, err = io.CopyN(io.Discard, r1, 5000)
	require.NoError(t, err)
	cancel()
	_, err = io.ReadAll(r1)
	require.ErrorIs(t, err, context.Canceled)

	got, err := io.ReadAll(r2)
	require.NoError(t, err)
	assert.Equal(t, want[1000:], got)
}

func TestArchive_ReadAtAndZipReader(t *testing.T) {
	t.Parallel()

	files := []testutil.File{
		{Name: "hello.txt", Content: []byte("hello, world\n")},
		{Name: "data/blob.bin", Content: testutil.Pattern(100_000, 4)},
		{Name: "empty", Content: nil},
	}
	a, _ := planned(t, files)
	total, err := a.TotalSize()
	require.NoError(t, err)

	zr, err := zip.NewReader(a, int64(total))
	require.NoError(t, err)
	require.Len(t, zr.File, len(files))
	for i, zf := range zr.File {
		assert.Equal(t, files[i].Name, zf.Name)
		assert.Equal(t, zip.Store, zf.Method)
		rc, err := zf.Open()
		require.NoError(t, err)
		got, err := io.ReadAll(rc)
		require.NoError(t, err, "checksum verified on EOF")
		require.NoError(t, rc.Close())
		assert.Equal(t, len(files[i].Content), len(got))
		assert.True(t, bytes.Equal(files[i].Content, got))
	}

	buf := make([]byte, 10)
	n, err := a.ReadAt(buf, int64(total)-4)
	assert.Equal(t, 4, n)
	require.ErrorIs(t, err, io.EOF)
	_, err = a.ReadAt(buf, -1)
	require.ErrorIs(t, err, vzip.ErrInvalidRange)
}

func TestArchive_WriteTo(t *testing.T) {
	t.Parallel()

	a, _ := planned(t, twoFiles)
	var buf bytes.Buffer
	n, err := a.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), n)
	assert.Equal(t, testutil.Reference(t, twoFiles, ""), buf.Bytes())
}

func TestArchive_ETag(t *testing.T) {
	t.Parallel()

	etag := func(t *testing.T, a *vzip.Archive) string {
		t.Helper()
		tag, err := a.ETag()
		require.NoError(t, err)
		return tag
	}

	a, _ := planned(t, twoFiles)
	b, _ := planned(t, twoFiles)
	c, _ := planned(t, twoFiles, vzip.WithComment("different"))

	ta := etag(t, a)
	assert.True(t, strings.HasPrefix(ta, `"`) && strings.HasSuffix(ta, `"`), "strong tag")
	assert.Equal(t, ta, etag(t, b))
	assert.NotEqual(t, ta, etag(t, c))

	t.Run("content with identical catalog", func(t *testing.T) {
		t.Parallel()

		x, _ := planned(t, []testutil.File{{Name: "a.txt", Content: []byte("AAAAA")}})
		y, _ := planned(t, []testutil.File{{Name: "a.txt", Content: []byte("ZZZZZ")}})

		total, err := x.TotalSize()
		require.NoError(t, err)
		require.NotEqual(t, readRange(t, x, 0, total), readRange(t, y, 0, total))
		assert.NotEqual(t, etag(t, x), etag(t, y))
	})

	t.Run("source path", func(t *testing.T) {
		t.Parallel()

		store := testutil.NewStore()
		store.Put("one", []byte("AAAAA"))
		store.Put("two", []byte("AAAAA"))
		tags := make([]string, 0, 2)
		for _, path := range []string{"one", "two"} {
			a, err := vzip.New([]vzip.Descriptor{{
				SourcePath: path, ArchiveName: "a.txt", Modified: testutil.ModTime, Mode: 0o644,
			}}, vzip.WithOpener(store))
			require.NoError(t, err)
			defer a.Close()
			require.NoError(t, a.ResolveSizes(context.Background()))
			require.NoError(t, a.Plan(context.Background()))
			tags = append(tags, etag(t, a))
		}
		assert.NotEqual(t, tags[0], tags[1])
	})

	t.Run("weak without validators", func(t *testing.T) {
		t.Parallel()

		store := testutil.StoreOf(twoFiles)
		a, err := vzip.New(descriptorsFor(twoFiles), vzip.WithOpener(unversioned{store}))
		require.NoError(t, err)
		defer a.Close()
		require.NoError(t, a.ResolveSizes(context.Background()))
		require.NoError(t, a.Plan(context.Background()))
		assert.True(t, strings.HasPrefix(etag(t, a), `W/"`))
	})
}

// unversioned hides the Versioner implementation of an opener.
type unversioned struct {
	vzip.Opener
}

func TestArchive_DeclaredChecksumsAvoidReads(t *testing.T) {
	t.Parallel()

	files := []testutil.File{{Name: "a.txt", Content: []byte("AAAAA")}}
	want := testutil.Reference(t, files, "")
	zr, err := zip.NewReader(bytes.NewReader(want), int64(len(want)))
	require.NoError(t, err)
	crc := zr.File[0].CRC32

	store := testutil.StoreOf(files)
	descs := descriptorsFor(files)
	descs[0].Size = vzip.KnownSize(5)
	descs[0].CRC32 = &crc
	a, err := vzip.New(descs, vzip.WithOpener(store))
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.Plan(context.Background()))

	entries, err := a.Entries()
	require.NoError(t, err)
	off := entries[0].DescriptorOffset
	assert.Equal(t, want[off:], readRange(t, a, off, uint64(len(want))-off))
	assert.Zero(t, store.Stats("a.txt").Opens)
}

func TestArchive_SourceChanged(t *testing.T) {
	t.Parallel()

	a, store := planned(t, twoFiles)
	store.Put("a.txt", []byte("AAAAAAA"))

	entries, err := a.Entries()
	require.NoError(t, err)
	_, err = io.ReadAll(mustOpen(t, a, entries[0].DataOffset, 5))
	require.ErrorIs(t, err, vzip.ErrSourceChanged)

	// The other entry is unaffected.
	want := testutil.Reference(t, twoFiles, "")
	assert.Equal(t, want[entries[1].HeaderOffset:entries[1].DescriptorOffset],
		readRange(t, a, entries[1].HeaderOffset, entries[1].DescriptorOffset-entries[1].HeaderOffset))
}

func mustOpen(t *testing.T, a *vzip.Archive, off, length uint64) io.ReadCloser {
	t.Helper()
	r, err := a.OpenRange(context.Background(), off, length)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestArchive_Close(t *testing.T) {
	t.Parallel()

	files := []testutil.File{{Name: "big", Content: testutil.Pattern(100_000, 5)}}
	a, store := planned(t, files)
	r := mustOpen(t, a, 0, 1000)
	_, err := io.CopyN(io.Discard, r, 100)
	require.NoError(t, err)

	require.NoError(t, a.Close())
	_, err = r.Read(make([]byte, 10))
	require.ErrorIs(t, err, vzip.ErrClosed)
	assert.Zero(t, store.OpenSources())

	_, err = a.OpenRange(context.Background(), 0, 1)
	require.ErrorIs(t, err, vzip.ErrClosed)
	require.ErrorIs(t, a.Plan(context.Background()), vzip.ErrClosed)
	require.NoError(t, a.Close())
}

func TestArchive_Progress(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	stages := map[vzip.ProgressStage]int{}
	a, _ := planned(t, twoFiles, vzip.WithProgress(func(ev vzip.ProgressEvent) {
		mu.Lock()
		defer mu.Unlock()
		stages[ev.Stage]++
		assert.Equal(t, 2, ev.FilesTotal)
	}))
	readRange(t, a, 0, 1)
	total, err := a.TotalSize()
	require.NoError(t, err)
	readRange(t, a, 0, total)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, stages[vzip.StageResolving])
	assert.Equal(t, 2, stages[vzip.StagePlanning])
	assert.Positive(t, stages[vzip.StageStreaming])
}

func TestDirOpener(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "a.txt"), []byte("AAAAA"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("BBB"), 0o644))

	descs := []vzip.Descriptor{
		{SourcePath: "sub/a.txt", ArchiveName: "a.txt", Modified: testutil.ModTime, Mode: 0o644},
		{SourcePath: "b.txt", ArchiveName: "b.txt", Modified: testutil.ModTime, Mode: 0o644},
	}
	a, err := vzip.New(descs, vzip.WithOpener(vzip.NewDirOpener(dir)))
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.ResolveSizes(context.Background()))
	require.NoError(t, a.Plan(context.Background()))

	var buf bytes.Buffer
	_, err = a.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, testutil.Reference(t, twoFiles, ""), buf.Bytes())

	o := vzip.NewDirOpener(dir)
	_, err = o.Stat(context.Background(), "missing")
	require.ErrorIs(t, err, os.ErrNotExist)
	_, err = o.Stat(context.Background(), "../escape")
	require.Error(t, err)
}

func TestDirOpener_RejectsSymlinks(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "target"), []byte("x"), 0o644))
	if err := os.Symlink("target", filepath.Join(dir, "link")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	o := vzip.NewDirOpener(dir)
	_, err := o.Stat(context.Background(), "link")
	require.ErrorIs(t, err, vzip.ErrSymlink)
	_, err = o.Open(context.Background(), "link")
	require.ErrorIs(t, err, vzip.ErrSymlink)
}

func TestFSOpener(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"a.txt": &fstest.MapFile{Data: []byte("AAAAA")},
		"b.txt": &fstest.MapFile{Data: []byte("BBB")},
	}
	a, err := vzip.New(descriptorsFor(twoFiles), vzip.WithOpener(vzip.NewFSOpener(fsys)))
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.ResolveSizes(context.Background()))
	require.NoError(t, a.Plan(context.Background()))

	var buf bytes.Buffer
	_, err = a.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, testutil.Reference(t, twoFiles, ""), buf.Bytes())

	_, err = vzip.NewFSOpener(fsys).Stat(context.Background(), "missing")
	assert.True(t, errors.Is(err, os.ErrNotExist))
}
