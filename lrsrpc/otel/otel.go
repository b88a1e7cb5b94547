// Package lrsotel provides OpenTelemetry instrumentation for lrs-rpc
// exchange sessions. It implements the [lrsrpc.SessionHook] interface to
// add a client span and transfer metrics to every session.
//
// Usage:
//
//	cfg := lrsrpc.Config{...}
//	cfg.Hook = lrsotel.NewHook(lrsotel.DefaultConfig())
package lrsotel

import (
	"context"
	"fmt"
	"time"

	"github.com/bm-lrs/lrs-rpc-go/lrsrpc"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "lrs_rpc"

// OtelConfig configures OpenTelemetry instrumentation for exchange sessions.
type OtelConfig struct {
	// TracerProvider supplies the tracer. Defaults to otel.GetTracerProvider().
	TracerProvider trace.TracerProvider
	// MeterProvider supplies the meter. Defaults to otel.GetMeterProvider().
	MeterProvider metric.MeterProvider
	// EnableTracing enables span creation. Default true.
	EnableTracing bool
	// EnableMetrics enables counter and histogram recording. Default true.
	EnableMetrics bool
	// RecordExceptions calls RecordError on the span for failed sessions.
	// Default true.
	RecordExceptions bool
	// ServiceName is the rpc.service attribute value. Defaults to "LrsExchange".
	ServiceName string
	// CustomAttributes are added to every span.
	CustomAttributes []attribute.KeyValue
}

// DefaultConfig returns an OtelConfig with sensible defaults.
func DefaultConfig() OtelConfig {
	return OtelConfig{
		EnableTracing:    true,
		EnableMetrics:    true,
		RecordExceptions: true,
	}
}

// NewHook builds a session hook recording spans and metrics per session.
func NewHook(cfg OtelConfig) lrsrpc.SessionHook {
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "LrsExchange"
	}

	hook := &otelHook{
		cfg:    cfg,
		tracer: cfg.TracerProvider.Tracer(instrumentationName),
	}

	if cfg.EnableMetrics {
		meter := cfg.MeterProvider.Meter(instrumentationName)
		hook.sessionCounter, _ = meter.Int64Counter("rpc.client.sessions",
			metric.WithUnit("{session}"),
			metric.WithDescription("Number of exchange sessions"),
		)
		hook.durationHistogram, _ = meter.Float64Histogram("rpc.client.duration",
			metric.WithUnit("s"),
			metric.WithDescription("Duration of exchange sessions"),
		)
	}

	return hook
}

// otelHook implements lrsrpc.SessionHook with OpenTelemetry tracing and metrics.
type otelHook struct {
	cfg               OtelConfig
	tracer            trace.Tracer
	sessionCounter    metric.Int64Counter
	durationHistogram metric.Float64Histogram
}

// spanToken is the HookToken returned by OnSessionStart.
type spanToken struct {
	span      trace.Span
	startTime time.Time
}

// OnSessionStart starts a client span for the session.
func (h *otelHook) OnSessionStart(ctx context.Context, info lrsrpc.SessionInfo) (context.Context, lrsrpc.HookToken) {
	if !h.cfg.EnableTracing {
		return ctx, &spanToken{startTime: time.Now()}
	}

	spanName := fmt.Sprintf("lrs_rpc/%s", info.Operation)

	attrs := []attribute.KeyValue{
		attribute.String("rpc.system", "lrs_rpc"),
		attribute.String("rpc.service", h.cfg.ServiceName),
		attribute.String("rpc.method", info.Operation),
		attribute.String("rpc.lrs_rpc.request_id", info.RequestID),
	}
	if info.Addr != "" {
		attrs = append(attrs, attribute.String("net.peer.name", info.Addr))
	}
	attrs = append(attrs, h.cfg.CustomAttributes...)

	ctx, span := h.tracer.Start(ctx, spanName,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)

	return ctx, &spanToken{span: span, startTime: time.Now()}
}

// OnSessionEnd records phase durations, transfer counters, and ends the span.
func (h *otelHook) OnSessionEnd(ctx context.Context, token lrsrpc.HookToken, info lrsrpc.SessionInfo, stats *lrsrpc.TransferStats, timings *lrsrpc.Timings, err error) {
	st, ok := token.(*spanToken)
	if !ok {
		return
	}

	duration := time.Since(st.startTime)

	status := "ok"
	if err != nil {
		status = "error"
	}

	if h.cfg.EnableMetrics {
		metricAttrs := metric.WithAttributes(
			attribute.String("rpc.system", "lrs_rpc"),
			attribute.String("rpc.service", h.cfg.ServiceName),
			attribute.String("rpc.method", info.Operation),
			attribute.String("status", status),
		)
		if h.sessionCounter != nil {
			h.sessionCounter.Add(ctx, 1, metricAttrs)
		}
		if h.durationHistogram != nil {
			h.durationHistogram.Record(ctx, duration.Seconds(), metricAttrs)
		}
	}

	if st.span != nil && st.span.IsRecording() {
		if stats != nil {
			st.span.SetAttributes(
				attribute.Int64("rpc.lrs_rpc.sent_batches", stats.SentBatches),
				attribute.Int64("rpc.lrs_rpc.sent_rows", stats.SentRows),
				attribute.Int64("rpc.lrs_rpc.sent_bytes", stats.SentBytes),
				attribute.Int64("rpc.lrs_rpc.received_frames", stats.ReceivedFrames),
				attribute.Int64("rpc.lrs_rpc.received_rows", stats.ReceivedRows),
				attribute.Int64("rpc.lrs_rpc.received_bytes", stats.ReceivedBytes),
				attribute.Int64("rpc.lrs_rpc.metadata_frames", stats.MetadataFrames),
			)
		}
		if timings != nil {
			st.span.SetAttributes(
				attribute.Float64("rpc.lrs_rpc.send_seconds", timings.SendDuration().Seconds()),
				attribute.Float64("rpc.lrs_rpc.total_seconds", timings.TotalDuration().Seconds()),
			)
			if d, ok := timings.ReceiveDuration(); ok {
				st.span.SetAttributes(attribute.Float64("rpc.lrs_rpc.receive_seconds", d.Seconds()))
			}
		}

		if err != nil {
			st.span.SetStatus(codes.Error, err.Error())
			if h.cfg.RecordExceptions {
				st.span.RecordError(err)
			}
			errType := fmt.Sprintf("%T", err)
			if rpcErr, ok := err.(*lrsrpc.RpcError); ok {
				errType = rpcErr.Type
			}
			st.span.SetAttributes(attribute.String("rpc.lrs_rpc.error_type", errType))
		} else {
			st.span.SetStatus(codes.Ok, "")
		}

		st.span.End()
	}
}
