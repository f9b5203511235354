package observe

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// logBuffer is a goroutine-safe sink for a JSON slog handler.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// records decodes every "request completed" line.
func (b *logBuffer) records(t *testing.T) []map[string]any {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(b.buf.Bytes()))
	for sc.Scan() {
		var rec map[string]any
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("decode log line %q: %v", sc.Text(), err)
		}
		if rec["msg"] == "request completed" {
			out = append(out, rec)
		}
	}
	return out
}

type fixture struct {
	mw     func(http.Handler) http.Handler
	reader *sdkmetric.ManualReader
	spans  *tracetest.InMemoryExporter
	logs   *logBuffer
}

func newFixture(t *testing.T) *fixture {
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
	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(origTP) })

	logs := &logBuffer{}
	log := slog.New(slog.NewJSONHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	return &fixture{mw: Middleware(m, log), reader: reader, spans: exp, logs: logs}
}

func TestMiddleware_StatusRequestIsTraced(t *testing.T) {
	f := newFixture(t)

	var cid string
	h := f.mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cid = CorrelationID(r.Context())
		w.WriteHeader(http.StatusNotFound)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/status", nil))

	if len(cid) != 32 {
		t.Errorf("correlation ID = %q, want a 32-char trace ID", cid)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != cid {
		t.Errorf("X-Correlation-ID = %q, want %q", got, cid)
	}

	spans := f.spans.GetSpans()
	if len(spans) != 1 || spans[0].Name != "HTTP GET /status" {
		t.Fatalf("spans = %v, want one HTTP GET /status", spans)
	}
	var code int64
	for _, a := range spans[0].Attributes {
		if a.Key == "http.response.status_code" {
			code = a.Value.AsInt64()
		}
	}
	if code != http.StatusNotFound {
		t.Errorf("span status code = %d, want 404", code)
	}
}

func TestMiddleware_PropagatesW3CTraceContext(t *testing.T) {
	f := newFixture(t)
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"

	var cid string
	h := f.mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cid = CorrelationID(r.Context())
	}))
	req := httptest.NewRequest("GET", "/status", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if cid != traceID {
		t.Errorf("correlation ID = %q, want caller's %q", cid, traceID)
	}
	if got := rec.Header().Get("traceparent"); !strings.Contains(got, traceID) {
		t.Errorf("response traceparent = %q, want trace %s", got, traceID)
	}
}

func TestMiddleware_RecordsDuration(t *testing.T) {
	f := newFixture(t)
	h := f.mw(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/status", nil))

	var rm metricdata.ResourceMetrics
	if err := f.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "neurosim.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	if len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
		t.Fatalf("data points = %+v, want one sample", hist.DataPoints)
	}
	path, _ := hist.DataPoints[0].Attributes.Value("path")
	if path.AsString() != "/status" {
		t.Errorf("path attribute = %q, want /status", path.AsString())
	}
}

func TestMiddleware_ProbePathsLogAtDebug(t *testing.T) {
	tests := []struct {
		path  string
		level string
	}{
		{"/healthz", "DEBUG"},
		{"/readyz", "DEBUG"},
		{"/metrics", "DEBUG"},
		{"/status", "INFO"},
		{"/control", "INFO"},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			f := newFixture(t)
			h := f.mw(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", tc.path, nil))

			recs := f.logs.records(t)
			if len(recs) != 1 {
				t.Fatalf("got %d request logs, want 1", len(recs))
			}
			if recs[0]["level"] != tc.level || recs[0]["path"] != tc.path {
				t.Errorf("log = %v, want level %s for %s", recs[0], tc.level, tc.path)
			}
		})
	}
}

// A control session upgrades through the middleware; the access log then
// reports the switch instead of a plain 200.
func TestMiddleware_ControlUpgradePassesThrough(t *testing.T) {
	f := newFixture(t)

	srv := httptest.NewServer(f.mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("Accept through middleware: %v", err)
			return
		}
		defer conn.CloseNow()
		var msg map[string]string
		if err := wsjson.Read(r.Context(), conn, &msg); err != nil {
			return
		}
		_ = wsjson.Write(r.Context(), conn, map[string]string{"id": msg["id"], "op": "pong"})
		conn.Close(websocket.StatusNormalClosure, "")
	})))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/control", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	if err := wsjson.Write(ctx, conn, map[string]string{"id": "1", "op": "ping"}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	var resp map[string]string
	if err := wsjson.Read(ctx, conn, &resp); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if resp["id"] != "1" || resp["op"] != "pong" {
		t.Errorf("resp = %v", resp)
	}
	conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if recs := f.logs.records(t); len(recs) == 1 {
			if recs[0]["upgraded"] != true || recs[0]["status"] != float64(http.StatusSwitchingProtocols) {
				t.Errorf("log = %v, want upgraded with status 101", recs[0])
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no access log for the control session")
}
