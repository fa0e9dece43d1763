package telemetry

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInitTracerDisabledIsNoop(t *testing.T) {
	var buf bytes.Buffer
	shutdown := InitTracer(false, "ondemand-test", &buf, nil)
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("noop shutdown failed: %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("disabled tracer must not write spans")
	}
}

func TestInitTracerExportsSpans(t *testing.T) {
	prev := otel.GetTracerProvider()
	defer otel.SetTracerProvider(prev)

	var buf bytes.Buffer
	shutdown := InitTracer(true, "ondemand-test", &buf, nil)

	_, span := otel.Tracer("test").Start(context.Background(), "compile.ReuseOrCreate")
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "compile.ReuseOrCreate") || !strings.Contains(out, "ondemand-test") {
		t.Fatalf("expected exported span, got %s", out)
	}
}
