package lrsrpc

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectChunks(t *testing.T, c *Chunker) []int64 {
	t.Helper()
	var sizes []int64
	for c.Next() {
		sizes = append(sizes, c.RecordBatch().NumRows())
	}
	require.NoError(t, c.Err())
	return sizes
}

func TestChunkerSplitsLargeBatch(t *testing.T) {
	mem := memory.NewGoAllocator()
	src := makePointBatch(t, mem, 0, 25000)
	defer src.Release()

	c, err := NewChunker(mem, PointContract(), 10000, nil, []arrow.RecordBatch{src})
	require.NoError(t, err)
	defer c.Release()

	sizes := collectChunks(t, c)
	assert.Equal(t, []int64{10000, 10000, 5000}, sizes)
}

func TestChunkerPreservesRowOrder(t *testing.T) {
	mem := memory.NewGoAllocator()
	src := makePointBatch(t, mem, 0, 25)
	defer src.Release()

	c, err := NewChunker(mem, PointContract(), 10, nil, []arrow.RecordBatch{src})
	require.NoError(t, err)
	defer c.Release()

	next := 0.0
	for c.Next() {
		lats := c.RecordBatch().Column(1).(*array.Float64)
		for i := range lats.Len() {
			assert.Equal(t, next, lats.Value(i))
			next++
		}
	}
	require.NoError(t, c.Err())
	assert.Equal(t, 25.0, next)
}

func TestChunkerNeverCrossesSourceBatches(t *testing.T) {
	mem := memory.NewGoAllocator()
	a := makePointBatch(t, mem, 0, 7)
	b := makePointBatch(t, mem, 7, 4)
	defer a.Release()
	defer b.Release()

	c, err := NewChunker(mem, PointContract(), 5, nil, []arrow.RecordBatch{a, b})
	require.NoError(t, err)
	defer c.Release()

	sizes := collectChunks(t, c)
	assert.Equal(t, []int64{5, 2, 4}, sizes)
}

func TestChunkerEmptySource(t *testing.T) {
	mem := memory.NewGoAllocator()

	c, err := NewChunker(mem, PointContract(), 10000, nil, nil)
	require.NoError(t, err)
	defer c.Release()

	assert.False(t, c.Next())
	assert.NoError(t, c.Err())
}

func TestChunkerSkipsEmptyBatches(t *testing.T) {
	mem := memory.NewGoAllocator()
	empty := makePointBatch(t, mem, 0, 0)
	data := makePointBatch(t, mem, 0, 3)
	defer empty.Release()
	defer data.Release()

	c, err := NewChunker(mem, PointContract(), 10, nil, []arrow.RecordBatch{empty, data})
	require.NoError(t, err)
	defer c.Release()

	sizes := collectChunks(t, c)
	assert.Equal(t, []int64{3}, sizes)
}

func TestChunkerRejectsInvalidChunkSize(t *testing.T) {
	mem := memory.NewGoAllocator()
	for _, size := range []int64{0, -1} {
		_, err := NewChunker(mem, PointContract(), size, nil, nil)
		var cfgErr *ConfigError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, "chunk_size", cfgErr.Field)
	}
}

func TestChunkerSurfacesConformanceError(t *testing.T) {
	mem := memory.NewGoAllocator()

	srcSchema := arrow.NewSchema([]arrow.Field{
		{Name: "UNRELATED", Type: arrow.PrimitiveTypes.Float64},
	}, nil)
	b := array.NewFloat64Builder(mem)
	defer b.Release()
	b.Append(1.0)
	arr := b.NewArray()
	defer arr.Release()
	src := array.NewRecordBatch(srcSchema, []arrow.Array{arr}, 1)
	defer src.Release()

	c, err := NewChunker(mem, PointContract(), 10, nil, []arrow.RecordBatch{src})
	require.NoError(t, err)
	defer c.Release()

	assert.False(t, c.Next())
	var schemaErr *SchemaError
	assert.ErrorAs(t, c.Err(), &schemaErr)
}
