package lrsrpc

import (
	"fmt"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
)

// ParquetSink persists result frames incrementally to a parquet file. The
// sink's schema is bound lazily from the first data frame; each subsequent
// frame is appended without buffering the full result. When zero data
// frames arrive, no file is ever created.
type ParquetSink struct {
	path   string
	f      *os.File
	w      *pqarrow.FileWriter
	schema *arrow.Schema
	rows   int64
	closed bool
}

// NewParquetSink prepares a sink for the given output path. The file is not
// created until the first frame binds the schema.
func NewParquetSink(path string) (*ParquetSink, error) {
	if path == "" {
		return nil, &ConfigError{Field: "output", Reason: "path must not be empty"}
	}
	return &ParquetSink{path: path}, nil
}

// Bind opens the durable sink with the given schema. It must be called
// exactly once, with the first received data frame's schema.
func (s *ParquetSink) Bind(schema *arrow.Schema) error {
	if s.schema != nil {
		return fmt.Errorf("sink: Bind called twice")
	}
	f, err := os.Create(s.path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", s.path, err)
	}
	props := parquet.NewWriterProperties(parquet.WithCompression(compress.Codecs.Snappy))
	w, err := pqarrow.NewFileWriter(schema, f, props, pqarrow.DefaultWriterProps())
	if err != nil {
		f.Close()
		os.Remove(s.path)
		return fmt.Errorf("opening parquet writer: %w", err)
	}
	s.f = f
	s.w = w
	s.schema = schema
	return nil
}

// Append writes one data frame to the sink. On the first frame the schema
// is bound automatically if Bind was not called explicitly.
func (s *ParquetSink) Append(batch arrow.RecordBatch) error {
	if s.schema == nil {
		if err := s.Bind(batch.Schema()); err != nil {
			return err
		}
	} else if !batch.Schema().Equal(s.schema) {
		return &SchemaError{
			Phase:  PhaseDrain,
			Reason: "frame schema does not match the bound sink schema",
		}
	}
	if err := s.w.Write(batch); err != nil {
		return fmt.Errorf("appending %d rows: %w", batch.NumRows(), err)
	}
	s.rows += batch.NumRows()
	return nil
}

// Rows returns the total rows persisted so far.
func (s *ParquetSink) Rows() int64 {
	return s.rows
}

// Created reports whether a file was ever created.
func (s *ParquetSink) Created() bool {
	return s.schema != nil
}

// Path returns the sink's output path.
func (s *ParquetSink) Path() string {
	return s.path
}

// Close finalizes the sink in whatever state it is in. A partially written
// file is closed, never deleted. Close is idempotent.
func (s *ParquetSink) Close() error {
	if s.closed || s.schema == nil {
		s.closed = true
		return nil
	}
	s.closed = true
	// FileWriter.Close also closes the underlying file.
	if err := s.w.Close(); err != nil {
		return fmt.Errorf("finalizing parquet writer: %w", err)
	}
	return nil
}
