// Package codec provides the compression algorithms used for exported
// results, prediction files and recorded batch streams.
package codec

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// Algorithm names a compression algorithm.
type Algorithm string

// Supported algorithms.
const (
	None   Algorithm = "none"
	Gzip   Algorithm = "gzip"
	Zstd   Algorithm = "zstd"
	Zlib   Algorithm = "zlib"
	Snappy Algorithm = "snappy"
)

// ParseAlgorithm validates a configured algorithm name. Empty means None.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch a := Algorithm(strings.ToLower(s)); a {
	case "", None:
		return None, nil
	case Gzip, Zstd, Zlib, Snappy:
		return a, nil
	default:
		return "", fmt.Errorf("unsupported compression algorithm: %s", s)
	}
}

// ContentEncoding returns the HTTP Content-Encoding value.
func (a Algorithm) ContentEncoding() string {
	switch a {
	case Gzip:
		return "gzip"
	case Zstd:
		return "zstd"
	case Zlib:
		return "deflate"
	case Snappy:
		return "snappy"
	default:
		return ""
	}
}

// Extension returns the file extension, including the dot.
func (a Algorithm) Extension() string {
	switch a {
	case Gzip:
		return ".gz"
	case Zstd:
		return ".zst"
	case Zlib:
		return ".zz"
	case Snappy:
		return ".sz"
	default:
		return ""
	}
}

// FromPath infers the algorithm from a file extension.
func FromPath(path string) Algorithm {
	switch filepath.Ext(path) {
	case ".gz":
		return Gzip
	case ".zst", ".zstd":
		return Zstd
	case ".zz":
		return Zlib
	case ".sz":
		return Snappy
	default:
		return None
	}
}

// Compressor compresses whole payloads with one algorithm.
type Compressor struct {
	algorithm Algorithm
	encoder   *zstd.Encoder
}

// NewCompressor creates a Compressor.
func NewCompressor(algorithm Algorithm) (*Compressor, error) {
	c := &Compressor{algorithm: algorithm}

	// Pre-create zstd encoder since it's expensive to create.
	if algorithm == Zstd {
		encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}

		c.encoder = encoder
	}

	return c, nil
}

// Algorithm returns the configured algorithm.
func (c *Compressor) Algorithm() Algorithm { return c.algorithm }

// ContentEncoding returns the HTTP Content-Encoding value.
func (c *Compressor) ContentEncoding() string { return c.algorithm.ContentEncoding() }

// Compress compresses data.
func (c *Compressor) Compress(data []byte) ([]byte, error) {
	switch c.algorithm {
	case None, "":
		return data, nil
	case Zstd:
		return c.encoder.EncodeAll(data, make([]byte, 0, len(data))), nil
	case Snappy:
		return snappy.Encode(nil, data), nil
	case Gzip, Zlib:
		var buf bytes.Buffer

		w, err := NewWriter(&buf, c.algorithm)
		if err != nil {
			return nil, err
		}

		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("%s write: %w", c.algorithm, err)
		}

		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("%s close: %w", c.algorithm, err)
		}

		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", c.algorithm)
	}
}

// Close releases the encoder.
func (c *Compressor) Close() error {
	if c.encoder != nil {
		return c.encoder.Close()
	}

	return nil
}

// Decompress reverses Compress.
func Decompress(algorithm Algorithm, data []byte) ([]byte, error) {
	if algorithm == Snappy {
		return snappy.Decode(nil, data)
	}

	r, err := NewReader(bytes.NewReader(data), algorithm)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return io.ReadAll(r)
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// NewWriter wraps w in a streaming compressor. Closing the result flushes
// the compressor but does not close w. Snappy uses the framed format.
func NewWriter(w io.Writer, algorithm Algorithm) (io.WriteCloser, error) {
	switch algorithm {
	case None, "":
		return nopWriteCloser{w}, nil
	case Gzip:
		return gzip.NewWriter(w), nil
	case Zlib:
		return zlib.NewWriter(w), nil
	case Zstd:
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}

		return enc, nil
	case Snappy:
		return snappy.NewBufferedWriter(w), nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", algorithm)
	}
}

type zstdReadCloser struct {
	*zstd.Decoder
}

func (z zstdReadCloser) Close() error {
	z.Decoder.Close()

	return nil
}

// NewReader wraps r in a streaming decompressor. Snappy expects the framed
// format written by NewWriter.
func NewReader(r io.Reader, algorithm Algorithm) (io.ReadCloser, error) {
	switch algorithm {
	case None, "":
		return io.NopCloser(r), nil
	case Gzip:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("opening gzip stream: %w", err)
		}

		return gz, nil
	case Zlib:
		zr, err := zlib.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("opening zlib stream: %w", err)
		}

		return zr, nil
	case Zstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("opening zstd stream: %w", err)
		}

		return zstdReadCloser{dec}, nil
	case Snappy:
		return io.NopCloser(snappy.NewReader(r)), nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", algorithm)
	}
}
