package evaluation

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/ethpandaops/armory/internal/codec"
)

// JSONLSource reads batches from newline delimited JSON, one batch per line.
type JSONLSource struct {
	closer  io.Closer
	decoder *json.Decoder
	next    int
}

// NewJSONLSource reads batches from r.
func NewJSONLSource(r io.Reader) *JSONLSource {
	return &JSONLSource{decoder: json.NewDecoder(bufio.NewReader(r))}
}

// OpenJSONLSource opens a batch file, decompressing by file extension.
func OpenJSONLSource(path string) (*JSONLSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening batch file %s: %w", path, err)
	}

	r, err := codec.NewReader(f, codec.FromPath(path))
	if err != nil {
		_ = f.Close()

		return nil, fmt.Errorf("opening batch file %s: %w", path, err)
	}

	s := NewJSONLSource(r)
	s.closer = closers{r, f}

	return s, nil
}

// Next decodes the next batch. Batches without an index are numbered in
// file order.
func (s *JSONLSource) Next(ctx context.Context) (*Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b := &Batch{Index: -1}

	if err := s.decoder.Decode(b); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}

		return nil, fmt.Errorf("decoding batch %d: %w", s.next, err)
	}

	if b.Index < 0 {
		b.Index = s.next
	}

	s.next = b.Index + 1

	return b, nil
}

// Close releases the underlying file.
func (s *JSONLSource) Close() error {
	if s.closer == nil {
		return nil
	}

	return s.closer.Close()
}

type closers []io.Closer

func (c closers) Close() error {
	var first error

	for _, cl := range c {
		if err := cl.Close(); err != nil && first == nil {
			first = err
		}
	}

	return first
}

// SliceSource serves batches from memory.
type SliceSource struct {
	batches []*Batch
	pos     int
}

// NewSliceSource serves batches in order.
func NewSliceSource(batches ...*Batch) *SliceSource {
	return &SliceSource{batches: batches}
}

// Next returns the next batch or io.EOF.
func (s *SliceSource) Next(ctx context.Context) (*Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if s.pos >= len(s.batches) {
		return nil, io.EOF
	}

	b := s.batches[s.pos]
	s.pos++

	return b, nil
}
