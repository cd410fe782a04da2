// Package platform opens entry sources inside a root directory without
// following symbolic links.
package platform

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
)

// ErrSymlink is returned when a source path names a symbolic link.
var ErrSymlink = errors.New("vzip: source is a symbolic link")

// errReplaced is returned when name changed between the link check and
// the open.
var errReplaced = errors.New("file replaced while opening")

// RegularFileInfo stats name inside root without following symlinks and
// rejects anything that is not a regular file.
func RegularFileInfo(root *os.Root, name string) (fs.FileInfo, error) {
	info, err := root.Lstat(name)
	if err != nil {
		return nil, err
	}
	if err := checkRegular(name, info); err != nil {
		return nil, err
	}
	return info, nil
}

// OpenRegular opens the regular file name inside root and returns it with
// the information it had when opened.
//
// os.Root resolves the final path component itself, so name is checked
// with Lstat first and the opened file must be the one that was checked.
func OpenRegular(root *os.Root, name string) (*os.File, fs.FileInfo, error) {
	linfo, err := RegularFileInfo(root, name)
	if err != nil {
		return nil, nil, err
	}
	f, err := root.Open(name)
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err == nil {
		err = checkRegular(name, info)
	}
	if err == nil && !os.SameFile(linfo, info) {
		err = &fs.PathError{Op: "open", Path: name, Err: errReplaced}
	}
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	return f, info, nil
}

// Version returns a validator for the file described by info. It changes
// when the file is modified or replaced.
func Version(info fs.FileInfo) string {
	v := strconv.FormatInt(info.Size(), 10) + "-" + strconv.FormatInt(info.ModTime().UnixNano(), 10)
	if id := fileID(info); id != "" {
		v += "-" + id
	}
	return v
}

func checkRegular(name string, info fs.FileInfo) error {
	switch {
	case info.Mode()&fs.ModeSymlink != 0:
		return &fs.PathError{Op: "open", Path: name, Err: ErrSymlink}
	case !info.Mode().IsRegular():
		return fmt.Errorf("%s: not a regular file (mode %s)", name, info.Mode().Type())
	}
	return nil
}
