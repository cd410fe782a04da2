// Command vzip serves stored ZIP archives of local or remote files without
// ever writing them out.
//
// Entries are given as SOURCE or SOURCE=NAME arguments. SOURCE is a path
// relative to --dir or an http(s) URL read with range requests.
//
//	vzip size a.txt b.txt
//	vzip range --offset 0 --length 30 a.txt=docs/a.txt | xxd
//	vzip serve --addr :8080 --name bundle.zip https://example.com/big.bin
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "vzip: %v\n", err)
		os.Exit(1)
	}
}
