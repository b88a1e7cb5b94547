package lrsrpc

import "context"

// SessionHook provides observability callpoints around one exchange session.
// Implementations must tolerate being called for sessions that fail before
// any frame moves.
type SessionHook interface {
	OnSessionStart(ctx context.Context, info SessionInfo) (context.Context, HookToken)
	OnSessionEnd(ctx context.Context, token HookToken, info SessionInfo, stats *TransferStats, timings *Timings, err error)
}

// HookToken is an opaque value returned by OnSessionStart and passed back to
// OnSessionEnd. Only meaningful to the SessionHook that created it.
type HookToken interface{}

// SessionInfo carries session metadata passed to hooks.
type SessionInfo struct {
	Operation string // operation name from the command descriptor
	RequestID string // request identifier attached to the session
	Addr      string // remote address, empty for injected channels
}

// TransferStats holds per-session I/O counters. The sent side is written
// only by the upload half and the received side only by the drain half, so
// the two tasks of a concurrent session never contend on a field.
type TransferStats struct {
	SentBatches    int64
	SentRows       int64
	SentBytes      int64
	ReceivedFrames int64
	ReceivedRows   int64
	ReceivedBytes  int64
	MetadataFrames int64
}

// RecordSent records one uploaded batch.
func (s *TransferStats) RecordSent(numRows, bufferBytes int64) {
	s.SentBatches++
	s.SentRows += numRows
	s.SentBytes += bufferBytes
}

// RecordReceived records one received data frame.
func (s *TransferStats) RecordReceived(numRows, bufferBytes int64) {
	s.ReceivedFrames++
	s.ReceivedRows += numRows
	s.ReceivedBytes += bufferBytes
}

// RecordMetadata records one received metadata frame.
func (s *TransferStats) RecordMetadata() {
	s.MetadataFrames++
}
