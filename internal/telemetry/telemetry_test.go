package telemetry

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSpans(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	if TraceID(context.Background()) != "" {
		t.Error("no span, no trace id")
	}

	ctx, span := StartSpan(context.Background(), "workflow.node", "node", "supervisor", "dangling")
	if TraceID(ctx) == "" {
		t.Error("expected a trace id inside the span")
	}
	EndSpan(span, errors.New("boom"))

	_, second := StartSpan(context.Background(), "writer.write")
	EndSpan(second, nil)

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans", len(spans))
	}
	failed := spans[0]
	if failed.Status.Code != codes.Error || failed.Status.Description != "boom" {
		t.Errorf("status = %+v", failed.Status)
	}
	if len(failed.Attributes) != 1 || failed.Attributes[0].Value.AsString() != "supervisor" {
		t.Errorf("attributes = %v", failed.Attributes)
	}
	if spans[1].Status.Code == codes.Error {
		t.Error("successful span marked as error")
	}
}
