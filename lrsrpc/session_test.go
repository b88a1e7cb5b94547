package lrsrpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resultSchema is the output layout the test service produces: the input
// columns plus the computed measure.
func resultSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: ColRouteID, Type: arrow.BinaryTypes.String},
		{Name: ColLat, Type: arrow.PrimitiveTypes.Float64},
		{Name: ColLon, Type: arrow.PrimitiveTypes.Float64},
		{Name: "MVAL", Type: arrow.PrimitiveTypes.Float64},
	}, nil)
}

func makeResultBatch(t *testing.T, mem memory.Allocator, n int) arrow.RecordBatch {
	t.Helper()
	point := makePointBatch(t, mem, 0, n)
	defer point.Release()
	out, err := appendMValue(mem, point)
	require.NoError(t, err)
	return out
}

// appendMValue builds a result batch from an input batch, reusing its
// columns and adding a computed MVAL column.
func appendMValue(mem memory.Allocator, in arrow.RecordBatch) (arrow.RecordBatch, error) {
	lats, ok := in.Column(1).(*array.Float64)
	if !ok {
		return nil, fmt.Errorf("unexpected input column type %s", in.Column(1).DataType())
	}
	b := array.NewFloat64Builder(mem)
	defer b.Release()
	for i := range lats.Len() {
		b.Append(lats.Value(i) + 100)
	}
	mval := b.NewArray()
	defer mval.Release()

	cols := []arrow.Array{in.Column(0), in.Column(1), in.Column(2), mval}
	return array.NewRecordBatch(resultSchema(), cols, in.NumRows()), nil
}

// receivedRequest is what the test service observed from one client.
type receivedRequest struct {
	command   string
	requestID string
	version   string
	inputRows []int64
}

// readClientStreams consumes the request stream and then the input stream,
// returning the retained input batches.
func readClientStreams(conn io.Reader) (*receivedRequest, []arrow.RecordBatch, error) {
	req := &receivedRequest{}

	r, err := ipc.NewReader(conn)
	if err != nil {
		return nil, nil, fmt.Errorf("request stream: %w", err)
	}
	for r.Next() {
		meta := batchMetadata(r.RecordBatch())
		if v, ok := meta.GetValue(MetaCommand); ok {
			req.command = v
		}
		if v, ok := meta.GetValue(MetaRequestID); ok {
			req.requestID = v
		}
		if v, ok := meta.GetValue(MetaRequestVersion); ok {
			req.version = v
		}
	}
	if err := r.Err(); err != nil && err != io.EOF {
		r.Release()
		return nil, nil, fmt.Errorf("request stream: %w", err)
	}
	r.Release()

	in, err := ipc.NewReader(conn)
	if err != nil {
		return nil, nil, fmt.Errorf("input stream: %w", err)
	}
	defer in.Release()
	var input []arrow.RecordBatch
	for in.Next() {
		batch := in.RecordBatch()
		batch.Retain()
		input = append(input, batch)
		req.inputRows = append(req.inputRows, batch.NumRows())
	}
	if err := in.Err(); err != nil && err != io.EOF {
		for _, b := range input {
			b.Release()
		}
		return nil, nil, fmt.Errorf("input stream: %w", err)
	}
	return req, input, nil
}

func writeLogFrame(w *ipc.Writer, schema *arrow.Schema, level LogLevel, message, extra string) error {
	keys := []string{MetaLogLevel, MetaLogMessage}
	vals := []string{string(level), message}
	if extra != "" {
		keys = append(keys, MetaLogExtra)
		vals = append(vals, extra)
	}
	meta := arrow.NewMetadata(keys, vals)

	batch := emptyBatch(schema)
	defer batch.Release()
	annotated := array.NewRecordBatchWithMetadata(schema, batch.Columns(), 0, meta)
	defer annotated.Release()
	return w.Write(annotated)
}

// serveEcho answers each input batch with one result batch carrying an MVAL
// column, preceded by one informational metadata frame.
func serveEcho(conn net.Conn, reqCh chan<- *receivedRequest) error {
	defer conn.Close()
	mem := memory.NewGoAllocator()

	req, input, err := readClientStreams(conn)
	if reqCh != nil {
		reqCh <- req
	}
	if err != nil {
		return err
	}
	defer func() {
		for _, b := range input {
			b.Release()
		}
	}()

	w := ipc.NewWriter(conn, ipc.WithSchema(resultSchema()))
	defer w.Close()
	if err := writeLogFrame(w, resultSchema(), LogInfo, "projection started", ""); err != nil {
		return err
	}
	for _, in := range input {
		out, err := appendMValue(mem, in)
		if err != nil {
			return err
		}
		werr := w.Write(out)
		out.Release()
		if werr != nil {
			return werr
		}
	}
	return nil
}

func newPipeSession(t *testing.T, cfg Config) (*ExchangeSession, net.Conn) {
	t.Helper()
	clientEnd, serverEnd := net.Pipe()
	cfg.Channel = NewChannel(clientEnd)
	sess, err := NewSession(cfg)
	require.NoError(t, err)
	return sess, serverEnd
}

func readBackRows(t *testing.T, path string) (int64, *arrow.Schema) {
	t.Helper()
	pf, err := file.OpenParquetFile(path, false)
	require.NoError(t, err)
	defer pf.Close()
	reader, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{}, memory.NewGoAllocator())
	require.NoError(t, err)
	tbl, err := reader.ReadTable(t.Context())
	require.NoError(t, err)
	defer tbl.Release()
	return tbl.NumRows(), tbl.Schema()
}

func TestSessionEndToEnd(t *testing.T) {
	mem := memory.NewGoAllocator()
	out := filepath.Join(t.TempDir(), "results.parquet")

	sess, serverEnd := newPipeSession(t, Config{
		Descriptor: NewDescriptor(OpCalculateMValue, map[string]string{"crs": "EPSG:4326"}),
		ChunkSize:  10000,
		OutputPath: out,
	})

	reqCh := make(chan *receivedRequest, 1)
	serverErr := make(chan error, 1)
	go func() { serverErr <- serveEcho(serverEnd, reqCh) }()

	source := makePointBatch(t, mem, 0, 25000)
	defer source.Release()

	report, err := sess.Run(t.Context(), []arrow.RecordBatch{source})
	require.NoError(t, err)
	require.NoError(t, <-serverErr)

	assert.Equal(t, StatusOK, report.Status)
	assert.Equal(t, int64(25000), report.RowsSent)
	assert.Equal(t, int64(3), report.BatchesSent)
	assert.Equal(t, int64(3), report.DataFrames)
	assert.Equal(t, int64(25000), report.RowsPersisted)
	assert.Equal(t, int64(1), report.MetadataFrames)
	assert.Equal(t, out, report.OutputPath)

	// Both phases completed and were measured.
	assert.Greater(t, report.Timings.SendDuration(), time.Duration(0))
	_, ok := report.Timings.ReceiveDuration()
	assert.True(t, ok)

	req := <-reqCh
	assert.Contains(t, req.command, `"operation":"calculate_m_value"`)
	assert.Contains(t, req.command, `"crs":"EPSG:4326"`)
	assert.Equal(t, sess.RequestID(), req.requestID)
	assert.Equal(t, ProtocolVersion, req.version)
	assert.Equal(t, []int64{10000, 10000, 5000}, req.inputRows)

	rows, schema := readBackRows(t, out)
	assert.Equal(t, int64(25000), rows)
	assert.True(t, schema.HasField("MVAL"))
}

func TestSessionConcurrentHalves(t *testing.T) {
	mem := memory.NewGoAllocator()
	out := filepath.Join(t.TempDir(), "results.parquet")

	sess, serverEnd := newPipeSession(t, Config{
		Descriptor:          NewDescriptor(OpCalculateMValue, nil),
		ChunkSize:           10,
		ConcurrentThreshold: 1,
		OutputPath:          out,
	})

	serverErr := make(chan error, 1)
	go func() { serverErr <- serveEcho(serverEnd, nil) }()

	source := makePointBatch(t, mem, 0, 50)
	defer source.Release()

	report, err := sess.Run(t.Context(), []arrow.RecordBatch{source})
	require.NoError(t, err)
	require.NoError(t, <-serverErr)

	assert.Equal(t, StatusOK, report.Status)
	assert.Equal(t, int64(5), report.BatchesSent)
	assert.Equal(t, int64(50), report.RowsPersisted)
}

func TestSessionRemoteError(t *testing.T) {
	mem := memory.NewGoAllocator()
	out := filepath.Join(t.TempDir(), "results.parquet")

	sess, serverEnd := newPipeSession(t, Config{
		Descriptor: NewDescriptor(OpCalculateMValue, nil),
		OutputPath: out,
	})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- func() error {
			defer serverEnd.Close()
			_, input, err := readClientStreams(serverEnd)
			if err != nil {
				return err
			}
			for _, b := range input {
				b.Release()
			}
			w := ipc.NewWriter(serverEnd, ipc.WithSchema(resultSchema()))
			defer w.Close()
			if err := writeLogFrame(w, resultSchema(), LogInfo, "projection started", ""); err != nil {
				return err
			}
			return writeLogFrame(w, resultSchema(), LogException, "projection failed",
				`{"exception_type":"ValueError","exception_message":"unknown route 99999","traceback":"Traceback..."}`)
		}()
	}()

	source := makePointBatch(t, mem, 0, 5)
	defer source.Release()

	report, err := sess.Run(t.Context(), []arrow.RecordBatch{source})
	require.Error(t, err)
	require.NoError(t, <-serverErr)

	assert.True(t, errors.Is(err, ErrRpc))
	var rpcErr *RpcError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, "ValueError", rpcErr.Type)
	assert.Equal(t, "unknown route 99999", rpcErr.Message)
	assert.Equal(t, sess.RequestID(), rpcErr.RequestID)

	assert.Equal(t, StatusRemoteError, report.Status)
	assert.Equal(t, int64(5), report.RowsSent)
	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr), "no output file for a failed empty result")
}

func TestSessionAbruptCloseKeepsPartialFile(t *testing.T) {
	mem := memory.NewGoAllocator()
	out := filepath.Join(t.TempDir(), "results.parquet")

	sess, serverEnd := newPipeSession(t, Config{
		Descriptor: NewDescriptor(OpCalculateMValue, nil),
		ChunkSize:  10000,
		OutputPath: out,
	})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- func() error {
			mem := memory.NewGoAllocator()
			_, input, err := readClientStreams(serverEnd)
			if err != nil {
				serverEnd.Close()
				return err
			}
			w := ipc.NewWriter(serverEnd, ipc.WithSchema(resultSchema()))
			for _, in := range input[:2] {
				res, err := appendMValue(mem, in)
				if err != nil {
					return err
				}
				werr := w.Write(res)
				res.Release()
				if werr != nil {
					return werr
				}
			}
			for _, b := range input {
				b.Release()
			}
			// Drop the connection without the end-of-stream marker.
			return serverEnd.Close()
		}()
	}()

	source := makePointBatch(t, mem, 0, 25000)
	defer source.Release()

	report, err := sess.Run(t.Context(), []arrow.RecordBatch{source})
	require.Error(t, err)
	require.NoError(t, <-serverErr)

	var transErr *TransportError
	require.ErrorAs(t, err, &transErr)
	assert.Equal(t, PhaseDrain, transErr.Phase)

	assert.Equal(t, StatusTransportError, report.Status)
	assert.Equal(t, int64(20000), report.RowsPersisted)
	assert.Equal(t, out, report.OutputPath)

	// The partial file survives and is a readable parquet file.
	rows, _ := readBackRows(t, out)
	assert.Equal(t, int64(20000), rows)
}

func TestSessionEmptyResult(t *testing.T) {
	mem := memory.NewGoAllocator()
	out := filepath.Join(t.TempDir(), "results.parquet")

	sess, serverEnd := newPipeSession(t, Config{
		Descriptor: NewDescriptor(OpCalculateMValue, nil),
		OutputPath: out,
	})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- func() error {
			defer serverEnd.Close()
			_, input, err := readClientStreams(serverEnd)
			if err != nil {
				return err
			}
			for _, b := range input {
				b.Release()
			}
			w := ipc.NewWriter(serverEnd, ipc.WithSchema(resultSchema()))
			defer w.Close()
			return writeLogFrame(w, resultSchema(), LogInfo, "no rows matched", "")
		}()
	}()

	source := makePointBatch(t, mem, 0, 5)
	defer source.Release()

	report, err := sess.Run(t.Context(), []arrow.RecordBatch{source})
	require.NoError(t, err)
	require.NoError(t, <-serverErr)

	assert.Equal(t, StatusEmpty, report.Status)
	assert.Equal(t, int64(1), report.MetadataFrames)
	assert.Equal(t, int64(0), report.DataFrames)
	assert.Empty(t, report.OutputPath)
	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr))
}

func TestSessionEmptySource(t *testing.T) {
	out := filepath.Join(t.TempDir(), "results.parquet")

	sess, serverEnd := newPipeSession(t, Config{
		Descriptor: NewDescriptor(OpCalculateMValue, nil),
		OutputPath: out,
	})

	reqCh := make(chan *receivedRequest, 1)
	serverErr := make(chan error, 1)
	go func() { serverErr <- serveEcho(serverEnd, reqCh) }()

	report, err := sess.Run(t.Context(), nil)
	require.NoError(t, err)
	require.NoError(t, <-serverErr)

	// The session still begins and half-closes; the service just sees an
	// empty input stream.
	req := <-reqCh
	assert.Empty(t, req.inputRows)
	assert.Equal(t, sess.RequestID(), req.requestID)

	assert.Equal(t, StatusEmpty, report.Status)
	assert.Equal(t, int64(0), report.RowsSent)
	assert.Equal(t, int64(0), report.BatchesSent)
	assert.Equal(t, int64(0), report.DataFrames)
	assert.Empty(t, report.OutputPath)
	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr))
}

func TestSessionCancellation(t *testing.T) {
	mem := memory.NewGoAllocator()
	out := filepath.Join(t.TempDir(), "results.parquet")

	// No server on the other end: the session blocks writing the request
	// until cancellation tears the channel down.
	sess, serverEnd := newPipeSession(t, Config{
		Descriptor: NewDescriptor(OpCalculateMValue, nil),
		OutputPath: out,
	})
	defer serverEnd.Close()

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	source := makePointBatch(t, mem, 0, 5)
	defer source.Release()

	report, err := sess.Run(ctx, []arrow.RecordBatch{source})
	require.Error(t, err)
	var transErr *TransportError
	assert.ErrorAs(t, err, &transErr)
	assert.Equal(t, StatusTransportError, report.Status)
}

func TestNewSessionConfigErrors(t *testing.T) {
	valid := func() Config {
		return Config{
			Addr:       "127.0.0.1:50051",
			Descriptor: NewDescriptor(OpCalculateMValue, nil),
			OutputPath: "out.parquet",
		}
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"negative chunk size", func(c *Config) { c.ChunkSize = -1 }, "chunk_size"},
		{"missing output", func(c *Config) { c.OutputPath = "" }, "output"},
		{"missing endpoint", func(c *Config) { c.Addr = "" }, "addr"},
		{"empty operation", func(c *Config) { c.Descriptor.Operation = "" }, "descriptor"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(&cfg)
			_, err := NewSession(cfg)
			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tc.field, cfgErr.Field)
			assert.Equal(t, StatusConfigError, statusFor(err))
		})
	}
}
