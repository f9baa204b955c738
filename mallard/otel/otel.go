// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package mallardotel provides OpenTelemetry instrumentation for mallard
// servers. It implements the [mallard.DispatchHook] interface to add
// distributed tracing and metrics to operation dispatch.
//
// Usage:
//
//	srv := mallard.NewServer(cfg, logger)
//	srv.SetDispatchHook(mallardotel.NewHook(mallardotel.DefaultConfig()))
package mallardotel

import (
	"context"
	"time"

	"github.com/Query-farm/mallard/mallard"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "mallard"

// Config configures OpenTelemetry instrumentation for a mallard server.
type Config struct {
	// TracerProvider supplies the tracer. Defaults to otel.GetTracerProvider().
	TracerProvider trace.TracerProvider
	// MeterProvider supplies the meter. Defaults to otel.GetMeterProvider().
	MeterProvider metric.MeterProvider
	// EnableTracing enables span creation. Default true.
	EnableTracing bool
	// EnableMetrics enables counter and histogram recording. Default true.
	EnableMetrics bool
	// RecordExceptions calls RecordError on the span for failed dispatches.
	// Default true.
	RecordExceptions bool
	// CustomAttributes are added to every span.
	CustomAttributes []attribute.KeyValue
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		EnableTracing:    true,
		EnableMetrics:    true,
		RecordExceptions: true,
	}
}

// NewHook builds a DispatchHook recording spans and metrics for every
// dispatched operation.
func NewHook(cfg Config) mallard.DispatchHook {
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}

	hook := &otelHook{
		cfg:    cfg,
		tracer: cfg.TracerProvider.Tracer(instrumentationName),
	}
	if cfg.EnableMetrics {
		meter := cfg.MeterProvider.Meter(instrumentationName)
		hook.requestCounter, _ = meter.Int64Counter("flight.server.requests",
			metric.WithUnit("{request}"),
			metric.WithDescription("Number of dispatched Flight operations"),
		)
		hook.durationHistogram, _ = meter.Float64Histogram("flight.server.duration",
			metric.WithUnit("s"),
			metric.WithDescription("Duration of dispatched Flight operations"),
		)
		hook.rowCounter, _ = meter.Int64Counter("flight.server.rows",
			metric.WithUnit("{row}"),
			metric.WithDescription("Rows moved through dispatched operations"),
		)
	}
	return hook
}

type otelHook struct {
	cfg               Config
	tracer            trace.Tracer
	requestCounter    metric.Int64Counter
	durationHistogram metric.Float64Histogram
	rowCounter        metric.Int64Counter
}

type spanToken struct {
	span      trace.Span
	startTime time.Time
}

// OnDispatchStart starts a server span for the operation.
func (h *otelHook) OnDispatchStart(ctx context.Context, info mallard.DispatchInfo) (context.Context, mallard.HookToken) {
	token := &spanToken{startTime: time.Now()}
	if !h.cfg.EnableTracing {
		return ctx, token
	}

	attrs := []attribute.KeyValue{
		attribute.String("mallard.operation", info.Operation),
		attribute.String("mallard.server_id", info.ServerID),
	}
	if info.Command != "" {
		attrs = append(attrs, attribute.String("mallard.command", info.Command))
	}
	if info.Identity != "" {
		attrs = append(attrs, attribute.String("enduser.id", info.Identity))
	}
	attrs = append(attrs, h.cfg.CustomAttributes...)

	ctx, token.span = h.tracer.Start(ctx, "mallard."+info.Operation,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)
	return ctx, token
}

// OnDispatchEnd records the outcome, duration, and row counters.
func (h *otelHook) OnDispatchEnd(ctx context.Context, token mallard.HookToken, info mallard.DispatchInfo, stats *mallard.CallStatistics, err error) {
	st, ok := token.(*spanToken)
	if !ok {
		return
	}
	elapsed := time.Since(st.startTime)

	if st.span != nil {
		if err != nil {
			st.span.SetStatus(codes.Error, err.Error())
			if h.cfg.RecordExceptions {
				st.span.RecordError(err)
			}
		} else {
			st.span.SetStatus(codes.Ok, "")
		}
		if stats != nil {
			st.span.SetAttributes(
				attribute.Int64("mallard.input_rows", stats.InputRows),
				attribute.Int64("mallard.output_rows", stats.OutputRows),
				attribute.Int64("mallard.input_bytes", stats.InputBytes),
				attribute.Int64("mallard.output_bytes", stats.OutputBytes),
			)
		}
		st.span.End()
	}

	if h.requestCounter == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("mallard.operation", info.Operation),
		attribute.String("mallard.server_id", info.ServerID),
		attribute.Bool("error", err != nil),
	)
	h.requestCounter.Add(ctx, 1, attrs)
	h.durationHistogram.Record(ctx, elapsed.Seconds(), attrs)
	if stats != nil {
		h.rowCounter.Add(ctx, stats.InputRows+stats.OutputRows, attrs)
	}
}
