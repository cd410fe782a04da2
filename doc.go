// Package vzip serves virtual ZIP archives by byte range.
//
// An [Archive] is an ordered catalog of entries whose content lives
// elsewhere: local files, an [fs.FS], or remote objects reachable with HTTP
// range requests. The archive is never written out. Planning runs the ZIP
// encoder over placeholder content to compute where every header, data
// region, data descriptor and central directory record lands; afterwards
// any byte range of the archive can be read and is identical to the bytes
// a sequential [zip.Writer] would have produced there.
//
// Entries are always stored (no compression), which makes every offset
// computable from entry sizes alone. The only content-dependent bytes are
// CRC-32 fields, which are filled in once the entry has been streamed (or
// immediately, when the checksum is declared up front).
//
// # Quick Start
//
//	a, err := vzip.New([]vzip.Descriptor{
//	    {SourcePath: "docs/readme.md", ArchiveName: "readme.md"},
//	    {SourcePath: "bin/tool", ArchiveName: "tool", Size: vzip.KnownSize(1 << 20)},
//	}, vzip.WithOpener(vzip.NewDirOpener("/srv/files")))
//	if err != nil {
//	    return err
//	}
//	if err := a.ResolveSizes(ctx); err != nil {
//	    return err
//	}
//	if err := a.Plan(ctx); err != nil {
//	    return err
//	}
//	r, err := a.OpenRange(ctx, offset, length)
//
// # Concurrency
//
// Many ranges can be read at once. Entry content is read by a single
// sequential producer that hands every chunk to all ranges that need it, so
// overlapping requests share source reads. Each range buffers at most the
// configured lookahead; nothing is read unless a range asks for it.
//
// # Serving over HTTP
//
// The http subpackage provides a handler that maps Range headers onto
// [Archive.OpenRange], and an opener that reads entry content from remote
// servers with range requests.
//
// [zip.Writer]: https://pkg.go.dev/github.com/klauspost/compress/zip#Writer
package vzip
