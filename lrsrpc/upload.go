package lrsrpc

import (
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
)

// uploadState tracks the send half's lifecycle.
type uploadState int

const (
	uploadNotStarted uploadState = iota
	uploadBegan
	uploadSending
	uploadHalfClosed
)

// UploadHalf is the send side of an exchange session. Batches are delivered
// in Send order; there is exactly one Begin and exactly one CloseWrite per
// session, enforced as usage errors rather than silently ignored.
type UploadHalf struct {
	w        io.Writer
	ipcW     *ipc.Writer
	contract *SchemaContract
	state    uploadState
	stats    *TransferStats
	timings  *Timings
}

func newUploadHalf(w io.Writer, stats *TransferStats, timings *Timings) *UploadHalf {
	return &UploadHalf{w: w, stats: stats, timings: timings}
}

// Begin declares the upload schema contract for the session. It must be
// called exactly once, before any Send.
func (u *UploadHalf) Begin(contract *SchemaContract) error {
	if u.state != uploadNotStarted {
		return fmt.Errorf("upload: Begin called twice")
	}
	u.contract = contract
	u.ipcW = ipc.NewWriter(u.w, ipc.WithSchema(contract.Schema()))
	u.state = uploadBegan
	u.timings.MarkSendStart()
	return nil
}

// Send transmits one batch. The batch must structurally match the declared
// contract; transport failures surface as *TransportError and are never
// swallowed.
func (u *UploadHalf) Send(batch arrow.RecordBatch) error {
	if u.state != uploadBegan && u.state != uploadSending {
		return fmt.Errorf("upload: Send in invalid state %d", u.state)
	}
	if !u.contract.Matches(batch) {
		return &SchemaError{
			Phase: PhaseSend,
			Reason: fmt.Sprintf("batch schema %v does not match contract %v",
				batch.Schema(), u.contract.Schema()),
		}
	}
	if err := u.ipcW.Write(batch); err != nil {
		return &TransportError{Phase: PhaseSend, Err: err}
	}
	u.stats.RecordSent(batch.NumRows(), batchBufferSize(batch))
	u.state = uploadSending
	return nil
}

// CloseWrite signals end-of-input exactly once by writing the IPC
// end-of-stream marker. Calling it twice is a usage error.
func (u *UploadHalf) CloseWrite() error {
	switch u.state {
	case uploadNotStarted:
		return fmt.Errorf("upload: CloseWrite before Begin")
	case uploadHalfClosed:
		return fmt.Errorf("upload: CloseWrite called twice")
	}
	u.state = uploadHalfClosed
	if err := u.ipcW.Close(); err != nil {
		return &TransportError{Phase: PhaseSend, Err: err}
	}
	u.timings.MarkSendEnd()
	return nil
}

// HalfClosed reports whether the write side has signalled end-of-input.
func (u *UploadHalf) HalfClosed() bool {
	return u.state == uploadHalfClosed
}
