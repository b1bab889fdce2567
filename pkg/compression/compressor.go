// Package compression provides transparent stream decompression for source
// files, selected from the file name suffix.
//
// Supported suffixes:
//
//	.gz .gzip   gzip
//	.zst .zstd  zstandard
//	.lz4        lz4 frame
//	.s2 .sz     s2 / snappy framed
//
// Example:
//
//	rc, err := compression.Open(path)
//	if err != nil {
//	    return err
//	}
//	defer rc.Close()
package compression

import (
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm represents a compression algorithm.
type Algorithm string

const (
	// None represents no compression
	None Algorithm = "none"
	// Gzip represents gzip compression
	Gzip Algorithm = "gzip"
	// LZ4 represents lz4 compression
	LZ4 Algorithm = "lz4"
	// Zstd represents zstandard compression
	Zstd Algorithm = "zstd"
	// S2 represents s2 compression (reads snappy framed streams too)
	S2 Algorithm = "s2"
)

var suffixes = map[string]Algorithm{
	".gz":   Gzip,
	".gzip": Gzip,
	".zst":  Zstd,
	".zstd": Zstd,
	".lz4":  LZ4,
	".s2":   S2,
	".sz":   S2,
}

// FromPath returns the algorithm implied by the last suffix of name. A URL
// query string is ignored.
func FromPath(name string) Algorithm {
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}
	if alg, ok := suffixes[strings.ToLower(path.Ext(name))]; ok {
		return alg
	}
	return None
}

// Extension returns the compression suffix of name including the dot, or
// "" when name is not compressed.
func Extension(name string) string {
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}
	ext := strings.ToLower(path.Ext(name))
	if _, ok := suffixes[ext]; ok {
		return ext
	}
	return ""
}

// TrimExtension removes a compression suffix from name.
func TrimExtension(name string) string {
	ext := Extension(name)
	if ext == "" {
		return name
	}
	return name[:len(name)-len(ext)]
}

// NewReader wraps r with a decompressor for alg. Closing the returned reader
// does not close r.
func NewReader(r io.Reader, alg Algorithm) (io.ReadCloser, error) {
	switch alg {
	case None, "":
		return io.NopCloser(r), nil
	case Gzip:
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("open gzip stream: %w", err)
		}
		return gr, nil
	case Zstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("open zstd stream: %w", err)
		}
		return dec.IOReadCloser(), nil
	case LZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	case S2:
		return io.NopCloser(s2.NewReader(r)), nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", alg)
	}
}

// Open opens the file at name and decompresses it according to its suffix.
// Closing the result closes the file.
func Open(name string) (io.ReadCloser, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	rc, err := NewReader(f, FromPath(name))
	if err != nil {
		f.Close()
		return nil, err
	}
	return &fileReader{ReadCloser: rc, file: f}, nil
}

type fileReader struct {
	io.ReadCloser
	file *os.File
}

func (r *fileReader) Close() error {
	err := r.ReadCloser.Close()
	if ferr := r.file.Close(); err == nil {
		err = ferr
	}
	return err
}
