package tracing

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSpansAreExported(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tr, err := NewWithExporter(Resource{Service: "rvcore", Version: "test", BootID: "b1"}, exp)
	require.NoError(t, err)

	ctx, parent := tr.StartSpan(context.Background(), "task")
	_, child := tr.StartSpan(ctx, "syscall.write")
	child.SetInt("pid", 3).WithAttributes(map[string]string{"app": "hello"})
	EndSpan(child, nil)
	EndSpan(parent, errors.New("killed"))

	spans := exp.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "syscall.write", spans[0].Name)
	assert.Equal(t, spans[1].SpanContext.SpanID(), spans[0].Parent.SpanID())
	assert.Contains(t, spans[0].Attributes, attribute.Int64("pid", 3))
	assert.Contains(t, spans[0].Attributes, attribute.String("app", "hello"))
	assert.Equal(t, codes.Ok, spans[0].Status.Code)
	assert.Equal(t, codes.Error, spans[1].Status.Code)

	require.NoError(t, tr.Shutdown(context.Background()))
}

func TestNilTracerIsNoop(t *testing.T) {
	var tr *Tracer
	ctx, sp := tr.StartSpan(context.Background(), "x")
	assert.NotNil(t, ctx)
	assert.Nil(t, sp)
	sp.SetInt("k", 1).WithAttributes(map[string]string{"a": "b"})
	EndSpan(sp, nil)
	assert.NoError(t, tr.Shutdown(context.Background()))
}

func TestOpenWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.json")
	tr, err := Open(Resource{Service: "rvcore"}, path)
	require.NoError(t, err)

	_, sp := tr.StartSpan(context.Background(), "boot")
	EndSpan(sp, nil)
	require.NoError(t, tr.Shutdown(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"Name":"boot"`)
}
