package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type relayHarness struct {
	reader *sdkmetric.ManualReader
	spans  *tracetest.InMemoryExporter
	server http.Handler
}

// newRelayHarness wraps a mux shaped like the relay's in [Middleware] with
// in-memory metric and span sinks.
func newRelayHarness(t *testing.T) *relayHarness {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	mux := http.NewServeMux()
	mux.HandleFunc("GET /matches/{match}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Seen-Correlation", CorrelationID(r.Context()))
		if r.PathValue("match") == "gone" {
			w.WriteHeader(http.StatusNotFound)
		}
	})
	mux.HandleFunc("GET /healthz", func(http.ResponseWriter, *http.Request) {})
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, _ *http.Request) {
		h, ok := w.(http.Hijacker)
		if !ok {
			t.Error("wrapped writer does not implement http.Hijacker")
			return
		}
		if _, _, err := h.Hijack(); err == nil {
			t.Error("Hijack on a recorder should fail")
		}
		w.WriteHeader(http.StatusBadRequest)
	})

	return &relayHarness{reader: reader, spans: exp, server: Middleware(m)(mux)}
}

func (h *relayHarness) do(path string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_CorrelationID(t *testing.T) {
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	tests := []struct {
		name   string
		header map[string]string
		want   string
	}{
		{name: "fresh trace"},
		{
			name:   "continues traceparent",
			header: map[string]string{"traceparent": "00-" + traceID + "-00f067aa0ba902b7-01"},
			want:   traceID,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newRelayHarness(t)
			rec := h.do("/matches/m-1", tt.header)

			got := rec.Header().Get(CorrelationHeader)
			if len(got) != 32 {
				t.Fatalf("%s = %q, want a 32 char trace id", CorrelationHeader, got)
			}
			if seen := rec.Header().Get("X-Seen-Correlation"); seen != got {
				t.Errorf("handler saw correlation id %q, response carries %q", seen, got)
			}
			if tt.want != "" && got != tt.want {
				t.Errorf("%s = %q, want %q", CorrelationHeader, got, tt.want)
			}
		})
	}
}

func TestMiddleware_SpanNamedByRoute(t *testing.T) {
	h := newRelayHarness(t)
	h.do("/matches/gone", nil)

	spans := h.spans.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	s := spans[0]
	if s.Name != "relay GET /matches/{match}" {
		t.Errorf("span name = %q", s.Name)
	}
	attrs := attribute.NewSet(s.Attributes...)
	if v, ok := attrs.Value("http.response.status_code"); !ok || v.AsInt64() != http.StatusNotFound {
		t.Errorf("status attribute = %v, want 404", v)
	}
	if v, ok := attrs.Value("http.route"); !ok || v.AsString() != "GET /matches/{match}" {
		t.Errorf("route attribute = %v", v)
	}
}

func TestMiddleware_DurationLabelledByRoute(t *testing.T) {
	h := newRelayHarness(t)
	h.do("/matches/a", nil)
	h.do("/matches/b", nil)
	h.do("/nowhere", nil)

	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "circlecall.http.request.duration")
	if met == nil {
		t.Fatal("duration metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric data = %T, want histogram", met.Data)
	}

	counts := map[string]uint64{}
	for _, dp := range hist.DataPoints {
		route, _ := dp.Attributes.Value("route")
		counts[route.AsString()] += dp.Count
	}
	if counts["GET /matches/{match}"] != 2 {
		t.Errorf("match route samples = %d, want 2 (one series for all ids)", counts["GET /matches/{match}"])
	}
	if counts["unmatched"] != 1 {
		t.Errorf("unmatched samples = %d, want 1", counts["unmatched"])
	}
}

func TestMiddleware_FailedHijackKeepsHandlerStatus(t *testing.T) {
	h := newRelayHarness(t)
	rec := h.do("/ws", nil)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	spans := h.spans.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	attrs := attribute.NewSet(spans[0].Attributes...)
	if v, _ := attrs.Value("http.response.status_code"); v.AsInt64() != http.StatusBadRequest {
		t.Errorf("span status = %d, want 400", v.AsInt64())
	}
}
