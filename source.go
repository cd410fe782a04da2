package vzip

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/meigma/vzip/internal/platform"
	"github.com/meigma/vzip/internal/session"
)

// Source is the content of one entry. Sources that also implement
// Size() int64 have their length checked against the planned size when
// opened.
type Source = session.Source

// Opener resolves entry source paths.
//
// Implementations must be safe for concurrent use.
type Opener interface {
	// Stat returns the content length of path.
	// Missing paths must return an error matching fs.ErrNotExist.
	Stat(ctx context.Context, path string) (int64, error)

	// Open opens path for random-access reading.
	Open(ctx context.Context, path string) (Source, error)
}

// Versioner is implemented by openers that can report a validator for a
// source path, such as a modification time or a remote entity tag. The
// validator must change whenever the content at path does. Archives whose
// sources all report one get a strong ETag; otherwise the ETag is weak.
type Versioner interface {
	Version(ctx context.Context, path string) (string, error)
}

// DirOpener opens regular files below a directory. Symbolic links are never
// followed and paths cannot escape the directory.
type DirOpener struct {
	dir string
}

// NewDirOpener returns an opener rooted at dir.
func NewDirOpener(dir string) *DirOpener {
	return &DirOpener{dir: dir}
}

// Stat returns the size of the regular file at path.
func (o *DirOpener) Stat(ctx context.Context, path string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	root, err := os.OpenRoot(o.dir)
	if err != nil {
		return 0, err
	}
	defer root.Close()

	info, err := platform.RegularFileInfo(root, path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Version returns a validator built from the size, modification time and
// file identity of path.
func (o *DirOpener) Version(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	root, err := os.OpenRoot(o.dir)
	if err != nil {
		return "", err
	}
	defer root.Close()

	info, err := platform.RegularFileInfo(root, path)
	if err != nil {
		return "", err
	}
	return platform.Version(info), nil
}

// Open opens the regular file at path.
func (o *DirOpener) Open(ctx context.Context, path string) (Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	root, err := os.OpenRoot(o.dir)
	if err != nil {
		return nil, err
	}
	defer root.Close()

	f, info, err := platform.OpenRegular(root, path)
	if err != nil {
		return nil, err
	}
	return &fileSource{File: f, size: info.Size()}, nil
}

// fileSource is an open file with the length it had when opened.
type fileSource struct {
	*os.File
	size int64
}

func (f *fileSource) Size() int64 {
	return f.size
}

// FSOpener opens entries from an fs.FS. Files that do not implement
// io.ReaderAt are read into memory when opened.
type FSOpener struct {
	fsys fs.FS
}

// NewFSOpener returns an opener reading from fsys.
func NewFSOpener(fsys fs.FS) *FSOpener {
	return &FSOpener{fsys: fsys}
}

// Stat returns the size of path.
func (o *FSOpener) Stat(ctx context.Context, path string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	info, err := fs.Stat(o.fsys, path)
	if err != nil {
		return 0, err
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("not a regular file: %s", path)
	}
	return info.Size(), nil
}

// Version returns a validator built from the size and modification time
// of path. Files without a modification time have none.
func (o *FSOpener) Version(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	info, err := fs.Stat(o.fsys, path)
	if err != nil {
		return "", err
	}
	if info.ModTime().IsZero() {
		return "", nil
	}
	return fmt.Sprintf("%d-%d", info.Size(), info.ModTime().UnixNano()), nil
}

// Open opens path.
func (o *FSOpener) Open(ctx context.Context, path string) (Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := o.fsys.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if ra, ok := f.(io.ReaderAt); ok {
		return &fsSource{ReaderAt: ra, Closer: f, size: info.Size()}, nil
	}

	data, err := io.ReadAll(f)
	_ = f.Close()
	if err != nil {
		return nil, err
	}
	return &fsSource{ReaderAt: bytes.NewReader(data), Closer: io.NopCloser(nil), size: int64(len(data))}, nil
}

type fsSource struct {
	io.ReaderAt
	io.Closer
	size int64
}

func (s *fsSource) Size() int64 {
	return s.size
}
