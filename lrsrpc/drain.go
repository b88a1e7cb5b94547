package lrsrpc

import (
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
)

// FrameKind classifies a received result frame.
type FrameKind int

const (
	// FrameData is a data payload carrying rows under the output schema.
	FrameData FrameKind = iota
	// FrameMetadata is an out-of-band informational payload with no schema
	// obligation.
	FrameMetadata
)

// Frame is one unit of the result stream. Data frames carry a retained
// batch the consumer must Release; metadata frames carry a decoded log
// payload.
type Frame struct {
	Kind  FrameKind
	Batch arrow.RecordBatch
	Log   LogMessage
}

// DrainHalf is the receive side of an exchange session: a lazy, finite
// sequence of frames ending when the remote half-closes its direction.
// The first data frame binds the output schema; any later data frame with
// a different schema fails the session.
type DrainHalf struct {
	r         *eosTrackingReader
	ipcR      *ipc.Reader
	requestID string
	stats     *TransferStats
	timings   *Timings
	bound     *arrow.Schema
	done      bool
}

func newDrainHalf(r io.Reader, requestID string, stats *TransferStats, timings *Timings) *DrainHalf {
	return &DrainHalf{r: &eosTrackingReader{r: r}, requestID: requestID, stats: stats, timings: timings}
}

// ipcEOSMarker is the stream end-of-stream marker: the continuation
// indicator followed by a zero message length.
var ipcEOSMarker = [8]byte{0xff, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x00}

// eosTrackingReader records the trailing bytes delivered to the IPC reader.
// The IPC reader swallows io.EOF, reporting a truncated stream the same way
// as a clean half-close; the tail tells the two apart, since the marker is
// always the last thing read from a cleanly ended stream.
type eosTrackingReader struct {
	r    io.Reader
	tail [8]byte
	n    int
}

func (t *eosTrackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n >= len(t.tail) {
		copy(t.tail[:], p[n-len(t.tail):n])
		t.n = len(t.tail)
	} else if n > 0 {
		keep := len(t.tail) - n
		copy(t.tail[:keep], t.tail[len(t.tail)-keep:])
		copy(t.tail[keep:], p[:n])
		t.n += n
		if t.n > len(t.tail) {
			t.n = len(t.tail)
		}
	}
	return n, err
}

func (t *eosTrackingReader) sawEOS() bool {
	return t.n == len(t.tail) && t.tail == ipcEOSMarker
}

// Next pulls the next frame. It returns (nil, nil) once the remote side has
// half-closed. Remote error frames surface as *RpcError, stream breakage as
// *TransportError, output schema drift as *SchemaError.
func (d *DrainHalf) Next() (*Frame, error) {
	if d.done {
		return nil, nil
	}
	if d.ipcR == nil {
		ipcR, err := ipc.NewReader(d.r)
		if err != nil {
			d.done = true
			d.timings.MarkReceiveEnd()
			return nil, &TransportError{Phase: PhaseDrain, Err: err}
		}
		d.ipcR = ipcR
	}

	if !d.ipcR.Next() {
		d.done = true
		d.timings.MarkReceiveEnd()
		if err := d.ipcR.Err(); err != nil && err != io.EOF {
			return nil, &TransportError{Phase: PhaseDrain, Err: err}
		}
		if !d.r.sawEOS() {
			return nil, &TransportError{Phase: PhaseDrain, Err: io.ErrUnexpectedEOF}
		}
		return nil, nil
	}

	batch := d.ipcR.RecordBatch()
	d.timings.MarkReceiveStart()

	if msg, ok := metadataLog(batchMetadata(batch)); ok {
		d.stats.RecordMetadata()
		if msg.Level == LogException {
			d.done = true
			d.timings.MarkReceiveEnd()
			return nil, decodeRemoteError(msg, d.requestID)
		}
		return &Frame{Kind: FrameMetadata, Log: msg}, nil
	}

	if d.bound == nil {
		d.bound = batch.Schema()
	} else if !batch.Schema().Equal(d.bound) {
		d.done = true
		d.timings.MarkReceiveEnd()
		return nil, &SchemaError{
			Phase:  PhaseDrain,
			Reason: "result frame schema differs from the bound output schema",
		}
	}

	batch.Retain()
	d.stats.RecordReceived(batch.NumRows(), batchBufferSize(batch))
	return &Frame{Kind: FrameData, Batch: batch}, nil
}

// BoundSchema returns the lazily bound output schema, nil before the first
// data frame.
func (d *DrainHalf) BoundSchema() *arrow.Schema {
	return d.bound
}

// Release frees the underlying IPC reader.
func (d *DrainHalf) Release() {
	if d.ipcR != nil {
		d.ipcR.Release()
		d.ipcR = nil
	}
}
