package lrsrpc

import (
	"context"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultChunkSize matches the reference client's upload granularity.
	DefaultChunkSize = 10000
	// DefaultConcurrentThreshold is the source row count above which the
	// upload and drain halves run as two independently scheduled tasks. A
	// fully sequential client forces the server to buffer the entire result
	// while the upload is still in flight; past this size that pressure is
	// not acceptable.
	DefaultConcurrentThreshold = 100000

	defaultDialTimeout = 10 * time.Second
)

// Config is the explicit configuration for one exchange session. There is
// no implicit process-wide state; concurrent sessions each carry their own
// Config and channel.
type Config struct {
	// Addr is the TCP address of the exchange service. Ignored when Channel
	// is set.
	Addr string
	// Channel is an optional pre-established channel, owned by the session
	// once passed in. Used by tests and subprocess transports.
	Channel *Channel
	// Descriptor encodes the operation the remote service will run.
	Descriptor Descriptor
	// ChunkSize bounds the rows per uploaded batch. Defaults to
	// DefaultChunkSize.
	ChunkSize int64
	// Contract is the upload schema contract. Defaults to PointContract.
	Contract *SchemaContract
	// ColumnAliases maps contract column names to source column names for
	// sources with different headers (e.g. LAT <- TO_STA_LAT).
	ColumnAliases map[string]string
	// OutputPath is where results are persisted. Required.
	OutputPath string
	// ConcurrentThreshold overrides DefaultConcurrentThreshold when > 0.
	ConcurrentThreshold int64
	// DialTimeout bounds the TCP dial. Defaults to 10s.
	DialTimeout time.Duration
	// Logger receives session progress and remote metadata frames. Nil
	// discards.
	Logger *zerolog.Logger
	// Hook receives observability callbacks. Nil disables.
	Hook SessionHook
}

// ExchangeSession drives one logical job over one bidirectional channel:
// request, chunked upload, half-close, drain, persist. A session is used
// for exactly one Run; a partially consumed exchange cannot be resumed, so
// retry policy belongs to the caller, wrapping a whole new session.
type ExchangeSession struct {
	cfg       Config
	contract  *SchemaContract
	token     []byte
	requestID string
	log       zerolog.Logger
}

// NewSession validates the configuration and prepares a session. All
// configuration errors surface here, before any channel or sink exists.
func NewSession(cfg Config) (*ExchangeSession, error) {
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ChunkSize < 0 {
		return nil, &ConfigError{
			Field:  "chunk_size",
			Reason: fmt.Sprintf("must be a positive row count, got %d", cfg.ChunkSize),
		}
	}
	if cfg.OutputPath == "" {
		return nil, &ConfigError{Field: "output", Reason: "path must not be empty"}
	}
	if cfg.Addr == "" && cfg.Channel == nil {
		return nil, &ConfigError{Field: "addr", Reason: "either Addr or Channel is required"}
	}
	if cfg.Contract == nil {
		cfg.Contract = PointContract()
	}
	if cfg.ConcurrentThreshold <= 0 {
		cfg.ConcurrentThreshold = DefaultConcurrentThreshold
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}

	token, err := cfg.Descriptor.Token()
	if err != nil {
		return nil, &ConfigError{Field: "descriptor", Reason: err.Error()}
	}

	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}

	return &ExchangeSession{
		cfg:       cfg,
		contract:  cfg.Contract,
		token:     token,
		requestID: uuid.NewString(),
		log:       log.With().Str("operation", cfg.Descriptor.Operation).Logger(),
	}, nil
}

// RequestID returns the identifier attached to the session's request
// stream and echoed in remote error frames.
func (s *ExchangeSession) RequestID() string {
	return s.requestID
}

// Run executes the exchange over the given source batches and returns a
// report of how far the session got. The report is populated on failure
// too: rows persisted before a mid-drain error are retained on disk. The
// context cancels both halves; on cancellation the channel is torn down and
// a partially written sink is closed in its current state, not deleted.
func (s *ExchangeSession) Run(ctx context.Context, source []arrow.RecordBatch) (*Report, error) {
	mem := memory.NewGoAllocator()

	chunker, err := NewChunker(mem, s.contract, s.cfg.ChunkSize, s.cfg.ColumnAliases, source)
	if err != nil {
		return s.report(nil, nil, nil, err), err
	}
	defer chunker.Release()

	sink, err := NewParquetSink(s.cfg.OutputPath)
	if err != nil {
		return s.report(nil, nil, nil, err), err
	}

	ch := s.cfg.Channel
	if ch == nil {
		ch, err = Dial(s.cfg.Addr, s.cfg.DialTimeout)
		if err != nil {
			err = &TransportError{Phase: PhaseSend, Err: err}
			return s.report(nil, nil, sink, err), s.wrap(err)
		}
	}
	defer ch.Close()

	info := SessionInfo{
		Operation: s.cfg.Descriptor.Operation,
		RequestID: s.requestID,
		Addr:      s.cfg.Addr,
	}
	stats := &TransferStats{}
	timings := &Timings{}

	var hookToken HookToken
	if s.cfg.Hook != nil {
		var hookCtx context.Context
		hookCtx, hookToken = s.cfg.Hook.OnSessionStart(ctx, info)
		if hookCtx != nil {
			ctx = hookCtx
		}
	}

	runErr := s.exchange(ctx, ch, chunker, sink, stats, timings)

	s.releaseResources(ch, sink, runErr)

	report := s.report(stats, timings, sink, runErr)
	if s.cfg.Hook != nil {
		s.cfg.Hook.OnSessionEnd(ctx, hookToken, info, stats, timings, runErr)
	}
	if runErr != nil {
		return report, s.wrap(runErr)
	}
	return report, nil
}

// exchange performs the wire protocol: request stream, then the upload and
// drain halves, sequentially for small inputs and as two tasks above the
// concurrency threshold.
func (s *ExchangeSession) exchange(ctx context.Context, ch *Channel, chunker *Chunker, sink *ParquetSink, stats *TransferStats, timings *Timings) error {
	// Tear the channel down on cancellation so both halves unblock.
	stop := context.AfterFunc(ctx, func() { ch.Close() })
	defer stop()

	if err := writeRequest(ch, s.token, s.requestID); err != nil {
		return &TransportError{Phase: PhaseSend, Err: err}
	}

	upload := newUploadHalf(ch, stats, timings)
	drain := newDrainHalf(ch, s.requestID, stats, timings)
	defer drain.Release()

	rows := sourceRows(chunker.src)
	if rows > s.cfg.ConcurrentThreshold {
		g, gctx := errgroup.WithContext(ctx)
		// First failure closes the channel so the other half unblocks too.
		unblock := context.AfterFunc(gctx, func() { ch.Close() })
		defer unblock()
		g.Go(func() error { return s.sendAll(upload, chunker) })
		g.Go(func() error { return s.drainAll(drain, sink) })
		return g.Wait()
	}

	if err := s.sendAll(upload, chunker); err != nil {
		return err
	}
	return s.drainAll(drain, sink)
}

// sendAll runs the upload half to completion: begin, every chunk in order,
// then the half-close.
func (s *ExchangeSession) sendAll(upload *UploadHalf, chunker *Chunker) error {
	if err := upload.Begin(s.contract); err != nil {
		return err
	}
	for chunker.Next() {
		batch := chunker.RecordBatch()
		if err := upload.Send(batch); err != nil {
			return err
		}
		s.log.Debug().Int64("rows", batch.NumRows()).Msg("sent chunk")
	}
	if err := chunker.Err(); err != nil {
		return err
	}
	if err := upload.CloseWrite(); err != nil {
		return err
	}
	s.log.Debug().Msg("upload half-closed")
	return nil
}

// drainAll consumes the result stream until the remote half-close,
// persisting data frames and logging metadata frames.
func (s *ExchangeSession) drainAll(drain *DrainHalf, sink *ParquetSink) error {
	for {
		frame, err := drain.Next()
		if err != nil {
			return err
		}
		if frame == nil {
			return nil
		}
		switch frame.Kind {
		case FrameMetadata:
			s.log.WithLevel(zerologLevel(frame.Log.Level)).
				Str("remote_level", string(frame.Log.Level)).
				Msg(frame.Log.Message)
		case FrameData:
			err := sink.Append(frame.Batch)
			frame.Batch.Release()
			if err != nil {
				return err
			}
		}
	}
}

// releaseResources closes the sink and channel on every exit path. A
// partial sink survives: data persisted before a failure is never rolled
// back.
func (s *ExchangeSession) releaseResources(ch *Channel, sink *ParquetSink, runErr error) {
	if err := sink.Close(); err != nil && runErr == nil {
		s.log.Error().Err(err).Msg("closing sink")
	}
	ch.Close()
}

// report assembles the session outcome, partial or complete.
func (s *ExchangeSession) report(stats *TransferStats, timings *Timings, sink *ParquetSink, err error) *Report {
	r := &Report{
		Operation: s.cfg.Descriptor.Operation,
		RequestID: s.requestID,
		Timings:   timings,
		Stats:     stats,
	}
	if stats != nil {
		r.RowsSent = stats.SentRows
		r.BatchesSent = stats.SentBatches
		r.RowsPersisted = stats.ReceivedRows
		r.DataFrames = stats.ReceivedFrames
		r.MetadataFrames = stats.MetadataFrames
	}
	if sink != nil && sink.Created() {
		r.OutputPath = sink.Path()
		r.RowsPersisted = sink.Rows()
	}
	switch {
	case err != nil:
		r.Status = statusFor(err)
	case sink != nil && sink.Created():
		r.Status = StatusOK
	default:
		r.Status = StatusEmpty
	}
	return r
}

// wrap adds the operation name so failures are diagnosable without
// re-running; phase and cause come from the typed error itself.
func (s *ExchangeSession) wrap(err error) error {
	return fmt.Errorf("exchange %s: %w", s.cfg.Descriptor.Operation, err)
}
