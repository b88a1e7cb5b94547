package lrsrpc

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Chunker slices an arbitrarily large source dataset into bounded batches
// that conform to the session's schema contract. Iteration is lazy: each
// chunk is conformed only when pulled, in source row order. Chunk boundaries
// never cross source batches, so a source read one row group at a time
// chunks exactly as the row groups fall.
type Chunker struct {
	mem       memory.Allocator
	contract  *SchemaContract
	aliases   map[string]string
	chunkSize int64

	src    []arrow.RecordBatch
	srcIdx int
	offset int64

	cur arrow.RecordBatch
	err error
}

// NewChunker builds a chunker over source batches. chunkSize must be a
// positive row count.
func NewChunker(mem memory.Allocator, contract *SchemaContract, chunkSize int64, aliases map[string]string, src []arrow.RecordBatch) (*Chunker, error) {
	if chunkSize <= 0 {
		return nil, &ConfigError{
			Field:  "chunk_size",
			Reason: fmt.Sprintf("must be a positive row count, got %d", chunkSize),
		}
	}
	if contract == nil {
		return nil, &ConfigError{Field: "contract", Reason: "must not be nil"}
	}
	return &Chunker{
		mem:       mem,
		contract:  contract,
		aliases:   aliases,
		chunkSize: chunkSize,
		src:       src,
	}, nil
}

// Next advances to the next chunk. It returns false when the source is
// exhausted or a conformance error occurred; check Err afterwards.
func (c *Chunker) Next() bool {
	if c.cur != nil {
		c.cur.Release()
		c.cur = nil
	}
	if c.err != nil {
		return false
	}

	// Skip empty source batches.
	for c.srcIdx < len(c.src) && c.offset >= c.src[c.srcIdx].NumRows() {
		c.srcIdx++
		c.offset = 0
	}
	if c.srcIdx >= len(c.src) {
		return false
	}

	batch := c.src[c.srcIdx]
	end := c.offset + c.chunkSize
	if end > batch.NumRows() {
		end = batch.NumRows()
	}
	slice := batch.NewSlice(c.offset, end)
	conformed, err := c.contract.Conform(c.mem, slice, c.aliases)
	slice.Release()
	if err != nil {
		c.err = err
		return false
	}
	c.cur = conformed
	c.offset = end
	return true
}

// RecordBatch returns the current conformed chunk. It is valid until the
// next call to Next or Release.
func (c *Chunker) RecordBatch() arrow.RecordBatch {
	return c.cur
}

// Err returns the first error encountered during iteration.
func (c *Chunker) Err() error {
	return c.err
}

// Release frees the current chunk, if any.
func (c *Chunker) Release() {
	if c.cur != nil {
		c.cur.Release()
		c.cur = nil
	}
}

// sourceRows returns the total row count across source batches.
func sourceRows(src []arrow.RecordBatch) int64 {
	var n int64
	for _, b := range src {
		n += b.NumRows()
	}
	return n
}
