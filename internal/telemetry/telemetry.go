// Package telemetry wires the mission-run tracer. Disabled config yields a
// no-op tracer so call sites never branch.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "nova/missions"

// Config selects the exporter.
type Config struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Provider owns the tracer lifecycle.
type Provider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// New builds a provider; with Enabled=false all spans are no-ops.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{tracer: noop.NewTracerProvider().Tracer(tracerName)}, nil
	}
	endpoint := cfg.OTLPEndpoint
	if endpoint == "" {
		endpoint = "localhost:4318"
	}
	service := cfg.ServiceName
	if service == "" {
		service = "nova"
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(service)))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	return &Provider{provider: provider, tracer: provider.Tracer(tracerName)}, nil
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider != nil {
		return p.provider.Shutdown(ctx)
	}
	return nil
}

// RunSpan is the span wrapper around one mission run.
type RunSpan struct {
	span  trace.Span
	start time.Time
}

// StartRun opens the mission.run span and emits the started event.
func (p *Provider) StartRun(ctx context.Context, missionID, runID, source string) (context.Context, *RunSpan) {
	ctx, span := p.tracer.Start(ctx, "mission.run", trace.WithAttributes(
		attribute.String("mission.id", missionID),
		attribute.String("mission.run_id", runID),
		attribute.String("mission.source", source),
	))
	span.AddEvent("mission.run.started")
	return ctx, &RunSpan{span: span, start: time.Now()}
}

// End closes the span with the completed or failed event plus duration and
// output counts.
func (s *RunSpan) End(ok, skipped bool, outputs int, reason string) {
	if s == nil {
		return
	}
	event := "mission.run.completed"
	if !ok {
		event = "mission.run.failed"
	}
	attrs := []attribute.KeyValue{
		attribute.Int64("mission.duration_ms", time.Since(s.start).Milliseconds()),
		attribute.Int("mission.output_count", outputs),
		attribute.Bool("mission.skipped", skipped),
	}
	if reason != "" {
		attrs = append(attrs, attribute.String("mission.reason", reason))
	}
	s.span.AddEvent(event, trace.WithAttributes(attrs...))
	s.span.End()
}
