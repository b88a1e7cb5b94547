package lrsrpc

import (
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// writeRequest writes the session-opening request: one complete IPC stream
// containing a single zero-row batch whose custom metadata carries the
// command token, protocol version, and request id.
func writeRequest(w io.Writer, token []byte, requestID string) error {
	schema := arrow.NewSchema(nil, nil)
	meta := arrow.NewMetadata(
		[]string{MetaCommand, MetaRequestVersion, MetaRequestID},
		[]string{string(token), ProtocolVersion, requestID},
	)

	batch := emptyBatch(schema)
	defer batch.Release()

	batchWithMeta := array.NewRecordBatchWithMetadata(schema, batch.Columns(), 0, meta)
	defer batchWithMeta.Release()

	writer := ipc.NewWriter(w, ipc.WithSchema(schema))
	if err := writer.Write(batchWithMeta); err != nil {
		writer.Close()
		return fmt.Errorf("writing request batch: %w", err)
	}
	return writer.Close()
}

// batchMetadata extracts per-batch custom metadata, if present.
func batchMetadata(batch arrow.RecordBatch) arrow.Metadata {
	if rb, ok := batch.(arrow.RecordBatchWithMetadata); ok {
		return rb.Metadata()
	}
	return arrow.Metadata{}
}

// metadataLog decodes a metadata frame's log payload. The second return is
// false for plain data batches (no lrs_rpc.log_level key).
func metadataLog(meta arrow.Metadata) (LogMessage, bool) {
	level, ok := meta.GetValue(MetaLogLevel)
	if !ok {
		return LogMessage{}, false
	}
	msg := LogMessage{Level: LogLevel(level)}
	if v, ok := meta.GetValue(MetaLogMessage); ok {
		msg.Message = v
	}
	if v, ok := meta.GetValue(MetaLogExtra); ok {
		msg.Extra = v
	}
	return msg, true
}

// emptyBatch creates a zero-row batch with the given schema.
func emptyBatch(schema *arrow.Schema) arrow.RecordBatch {
	mem := memory.NewGoAllocator()
	cols := make([]arrow.Array, schema.NumFields())
	for i, f := range schema.Fields() {
		cols[i] = makeEmptyArray(mem, f.Type)
	}
	batch := array.NewRecordBatch(schema, cols, 0)
	for _, c := range cols {
		c.Release()
	}
	return batch
}

// makeEmptyArray creates a zero-length array of the given type.
func makeEmptyArray(mem memory.Allocator, dt arrow.DataType) arrow.Array {
	builder := array.NewBuilder(mem, dt)
	defer builder.Release()
	return builder.NewArray()
}

// batchBufferSize returns the total top-level buffer size in bytes across all
// columns in a record batch.
func batchBufferSize(batch arrow.RecordBatch) int64 {
	var total int64
	for i := int64(0); i < batch.NumCols(); i++ {
		col := batch.Column(int(i))
		for _, buf := range col.Data().Buffers() {
			if buf != nil {
				total += int64(buf.Len())
			}
		}
	}
	return total
}
