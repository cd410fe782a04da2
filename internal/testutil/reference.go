package testutil

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meigma/vzip/internal/layout"
)

// ModTime is the modification time used for every test entry.
var ModTime = time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)

// File is one test entry.
type File struct {
	Name    string
	Content []byte
}

// Inputs returns the planner inputs for files.
func Inputs(files []File) []layout.Input {
	inputs := make([]layout.Input, len(files))
	for i, f := range files {
		inputs[i] = layout.Input{Name: f.Name, Size: uint64(len(f.Content)), Modified: ModTime, Mode: 0o644}
	}
	return inputs
}

// Names returns the entry names of files in order.
func Names(files []File) []string {
	names := make([]string, len(files))
	for i, f := range files {
		names[i] = f.Name
	}
	return names
}

// StoreOf returns a store holding every file under its name.
func StoreOf(files []File) *Store {
	s := NewStore()
	for _, f := range files {
		s.Put(f.Name, f.Content)
	}
	return s
}

// Reference builds files sequentially with the ZIP writer.
func Reference(tb testing.TB, files []File, comment string) []byte {
	tb.Helper()
	var buf bytes.Buffer
	err := layout.WriteArchive(&buf, Inputs(files), comment, func(i int) (io.Reader, error) {
		return bytes.NewReader(files[i].Content), nil
	})
	require.NoError(tb, err)
	return buf.Bytes()
}

// Plan plans files.
func Plan(tb testing.TB, files []File, opts ...layout.Option) *layout.Layout {
	tb.Helper()
	l, err := layout.Plan(context.Background(), Inputs(files), opts...)
	require.NoError(tb, err)
	return l
}

// Pattern returns n deterministic bytes seeded by seed.
func Pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i%251) + 1
	}
	return b
}
