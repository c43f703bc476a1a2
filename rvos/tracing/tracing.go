// Package tracing wraps OpenTelemetry so kernel code can open and close spans
// without importing the SDK. A nil *Tracer records nothing.
package tracing

import (
	"context"
	"io"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "rvcore/rvos"

// Tracer owns a tracer provider for one kernel instance.
type Tracer struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
	out    io.Closer
}

// Resource identifies the traced kernel.
type Resource struct {
	Service string
	Version string
	BootID  string
}

// Open returns a tracer that writes spans as JSON with the stdout exporter.
// An empty path means os.Stdout.
func Open(res Resource, path string) (*Tracer, error) {
	var w io.Writer = os.Stdout
	var f *os.File
	if path != "" {
		var err error
		if f, err = os.Create(path); err != nil {
			return nil, err
		}
		w = f
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err == nil {
		var t *Tracer
		if t, err = NewWithExporter(res, exporter); err == nil {
			if f != nil {
				t.out = f
			}
			return t, nil
		}
	}
	if f != nil {
		f.Close()
	}
	return nil, err
}

// NewWithExporter returns a tracer exporting synchronously to exporter.
func NewWithExporter(res Resource, exporter sdktrace.SpanExporter) (*Tracer, error) {
	r, err := resource.New(context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", res.Service),
			attribute.String("service.version", res.Version),
			attribute.String("service.instance.id", res.BootID),
		),
	)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
		sdktrace.WithResource(r),
	)
	return &Tracer{tp: tp, tracer: tp.Tracer(instrumentation)}, nil
}

// Shutdown flushes and stops the exporter.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	err := t.tp.Shutdown(ctx)
	if t.out != nil {
		if cerr := t.out.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Span is an open span. Methods on a nil *Span do nothing.
type Span struct {
	span trace.Span
}

// StartSpan opens a span named name as a child of the span in ctx.
func (t *Tracer) StartSpan(ctx context.Context, name string) (context.Context, *Span) {
	if t == nil {
		return ctx, nil
	}
	ctx, span := t.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal))
	return ctx, &Span{span: span}
}

// WithAttributes attaches string attributes to the span.
func (s *Span) WithAttributes(attrs map[string]string) *Span {
	if s == nil || len(attrs) == 0 {
		return s
	}
	kv := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		kv = append(kv, attribute.String(k, v))
	}
	s.span.SetAttributes(kv...)
	return s
}

// SetInt attaches an integer attribute to the span.
func (s *Span) SetInt(key string, v int64) *Span {
	if s == nil {
		return s
	}
	s.span.SetAttributes(attribute.Int64(key, v))
	return s
}

// EndSpan records err (or OK) on sp and ends it.
func EndSpan(sp *Span, err error) {
	if sp == nil {
		return
	}
	if err != nil {
		sp.span.RecordError(err)
		sp.span.SetStatus(codes.Error, err.Error())
	} else {
		sp.span.SetStatus(codes.Ok, "")
	}
	sp.span.End()
}
