package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTracer installs an in-memory tracer provider as the global one for
// the duration of the test.
func useTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLogs routes the default logger into a buffer.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestCorrelationID_EmptyWithoutSpan(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}
}

func TestStartSessionSpan_TagsSession(t *testing.T) {
	exp := useTracer(t)

	ctx := WithSession(context.Background(), Session{Transport: "p2p", RoomID: "match-7"})
	ctx, span := StartSessionSpan(ctx, "join")
	if len(CorrelationID(ctx)) != 32 {
		t.Errorf("correlation id = %q, want 32 hex chars", CorrelationID(ctx))
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "session.join" {
		t.Fatalf("spans = %v, want [session.join]", spans)
	}
	got := map[string]string{}
	for _, a := range spans[0].Attributes {
		got[string(a.Key)] = a.Value.AsString()
	}
	if got["transport"] != "p2p" || got["room_id"] != "match-7" {
		t.Errorf("attributes = %v", got)
	}
}

func TestStartSessionSpan_WithoutSession(t *testing.T) {
	exp := useTracer(t)

	_, span := StartSessionSpan(context.Background(), "leave")
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 || len(spans[0].Attributes) != 0 {
		t.Errorf("spans = %v, want one span without attributes", spans)
	}
}

func TestFailSpan(t *testing.T) {
	exp := useTracer(t)

	_, ok := StartSpan(context.Background(), "ok")
	FailSpan(ok, nil, "ignored")
	ok.End()
	_, bad := StartSpan(context.Background(), "bad")
	FailSpan(bad, errors.New("uid conflict"), "join failed")
	bad.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	if spans[0].Status.Code != codes.Unset {
		t.Errorf("ok span status = %v, want unset", spans[0].Status.Code)
	}
	if spans[1].Status.Code != codes.Error || spans[1].Status.Description != "join failed" {
		t.Errorf("bad span status = %+v", spans[1].Status)
	}
	if len(spans[1].Events) != 1 {
		t.Errorf("bad span events = %d, want the recorded error", len(spans[1].Events))
	}
}

func TestLogger_SessionAndTrace(t *testing.T) {
	useTracer(t)
	buf := captureLogs(t)

	ctx := WithSession(context.Background(), Session{Transport: "mesh-sfu", RoomID: "standup"})
	ctx, span := StartSpan(ctx, "log-test")
	defer span.End()
	Logger(ctx).Info("joined")

	logged := buf.String()
	for _, want := range []string{"transport=mesh-sfu", "room_id=standup", "trace_id=", "span_id="} {
		if !strings.Contains(logged, want) {
			t.Errorf("log output missing %q: %s", want, logged)
		}
	}
}

func TestLogger_Plain(t *testing.T) {
	buf := captureLogs(t)

	Logger(context.Background()).Info("plain")

	if logged := buf.String(); strings.Contains(logged, "trace_id") || strings.Contains(logged, "room_id") {
		t.Errorf("plain logger carries extra attributes: %s", logged)
	}
}

func TestSessionFrom(t *testing.T) {
	if _, ok := SessionFrom(context.Background()); ok {
		t.Error("SessionFrom(background) reported a session")
	}
	s := Session{Transport: "alt-sfu", RoomID: "r"}
	if got, ok := SessionFrom(WithSession(context.Background(), s)); !ok || got != s {
		t.Errorf("SessionFrom = %+v, %v", got, ok)
	}
}
