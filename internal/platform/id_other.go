//go:build !unix

package platform

import "io/fs"

func fileID(fs.FileInfo) string { return "" }
