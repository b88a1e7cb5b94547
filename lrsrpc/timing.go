package lrsrpc

import "time"

// Timings records wall-clock marks for the two phases of an exchange
// session. Each mark is write-once: later calls to the same mark are
// ignored. The marks are observational and never influence protocol
// behaviour.
type Timings struct {
	sendStart    time.Time
	sendEnd      time.Time
	receiveStart time.Time
	receiveEnd   time.Time
}

// MarkSendStart records the moment before the first batch is transmitted.
func (t *Timings) MarkSendStart() {
	if t.sendStart.IsZero() {
		t.sendStart = time.Now()
	}
}

// MarkSendEnd records the moment the upload half-close completed.
func (t *Timings) MarkSendEnd() {
	if t.sendEnd.IsZero() {
		t.sendEnd = time.Now()
	}
}

// MarkReceiveStart records the first frame observed, data or metadata.
func (t *Timings) MarkReceiveStart() {
	if t.receiveStart.IsZero() {
		t.receiveStart = time.Now()
	}
}

// MarkReceiveEnd records the moment draining terminated.
func (t *Timings) MarkReceiveEnd() {
	if t.receiveEnd.IsZero() {
		t.receiveEnd = time.Now()
	}
}

// SendDuration returns the upload phase duration, or zero if the phase
// never completed.
func (t *Timings) SendDuration() time.Duration {
	if t.sendStart.IsZero() || t.sendEnd.IsZero() {
		return 0
	}
	return t.sendEnd.Sub(t.sendStart)
}

// ReceiveDuration returns the drain phase duration. The second return is
// false when no frame was ever observed.
func (t *Timings) ReceiveDuration() (time.Duration, bool) {
	if t.receiveStart.IsZero() || t.receiveEnd.IsZero() {
		return 0, false
	}
	return t.receiveEnd.Sub(t.receiveStart), true
}

// TotalDuration returns the span from send start to drain termination.
func (t *Timings) TotalDuration() time.Duration {
	if t.sendStart.IsZero() || t.receiveEnd.IsZero() {
		return 0
	}
	return t.receiveEnd.Sub(t.sendStart)
}
