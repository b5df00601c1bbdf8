package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// backendRouter mimics the routes of the rehearsal backend behind [Middleware].
func backendRouter(t *testing.T) (*mux.Router, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := useRecorder(t)

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	up := websocket.Upgrader{}
	r := mux.NewRouter()
	r.Use(Middleware(m))
	r.HandleFunc("/api/sessions/{id}", func(w http.ResponseWriter, req *http.Request) {
		if mux.Vars(req)["id"] == "missing" {
			http.Error(w, `{"detail":"Session not found"}`, http.StatusNotFound)
			return
		}
		w.Header().Set("X-Seen-Correlation-ID", CorrelationID(req.Context()))
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	r.HandleFunc("/api/code/execute", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}).Methods(http.MethodPost)
	r.HandleFunc("/ws/interview/{id}", func(w http.ResponseWriter, req *http.Request) {
		conn, err := up.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"llm_chunk","text":"hi"}`))
		_ = conn.Close()
	})
	return r, reader, exp
}

func TestMiddleware_SpansAndStatus(t *testing.T) {
	tests := []struct {
		method, path string
		wantStatus   int
		wantSpan     string
	}{
		{"GET", "/api/sessions/abc", http.StatusOK, "GET /api/sessions/{id}"},
		{"GET", "/api/sessions/missing", http.StatusNotFound, "GET /api/sessions/{id}"},
		{"POST", "/api/code/execute", http.StatusServiceUnavailable, "POST /api/code/execute"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			r, _, exp := backendRouter(t)

			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			cid := rec.Header().Get("X-Correlation-ID")
			if len(cid) != 32 {
				t.Errorf("X-Correlation-ID = %q, want a 32-digit trace ID", cid)
			}
			if seen := rec.Header().Get("X-Seen-Correlation-ID"); seen != "" && seen != cid {
				t.Errorf("handler saw correlation ID %q, response carries %q", seen, cid)
			}

			spans := exp.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("recorded %d spans, want 1", len(spans))
			}
			if spans[0].Name != tt.wantSpan {
				t.Errorf("span = %q, want %q", spans[0].Name, tt.wantSpan)
			}
			var status int64
			for _, a := range spans[0].Attributes {
				if a.Key == "http.response.status_code" {
					status = a.Value.AsInt64()
				}
			}
			if status != int64(tt.wantStatus) {
				t.Errorf("span status attribute = %d, want %d", status, tt.wantStatus)
			}
		})
	}
}

func TestMiddleware_ContinuesIncomingTrace(t *testing.T) {
	r, _, _ := backendRouter(t)
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"

	req := httptest.NewRequest("GET", "/api/sessions/abc", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Seen-Correlation-ID"); got != traceID {
		t.Errorf("handler correlation ID = %q, want %q", got, traceID)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != traceID {
		t.Errorf("X-Correlation-ID = %q, want %q", got, traceID)
	}
}

func TestMiddleware_OneSeriesPerRouteTemplate(t *testing.T) {
	r, reader, _ := backendRouter(t)

	for _, id := range []string{"a", "b", "c"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/sessions/"+id, nil))
	}

	met := findMetric(collect(t, reader), "intervoice.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric data is %T, want histogram", met.Data)
	}
	if len(hist.DataPoints) != 1 {
		t.Fatalf("got %d series, want 1", len(hist.DataPoints))
	}
	dp := hist.DataPoints[0]
	if dp.Count != 3 {
		t.Errorf("count = %d, want 3", dp.Count)
	}
	if v, _ := dp.Attributes.Value("route"); v.AsString() != "/api/sessions/{id}" {
		t.Errorf("route attribute = %q", v.AsString())
	}
	if v, _ := dp.Attributes.Value("method"); v.AsString() != "GET" {
		t.Errorf("method attribute = %q", v.AsString())
	}
}

func TestMiddleware_WebsocketUpgrade(t *testing.T) {
	r, _, _ := backendRouter(t)
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/interview/abc"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial through middleware: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Errorf("status = %d, want 101", resp.StatusCode)
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), "llm_chunk") {
		t.Errorf("frame = %s", data)
	}
}

func TestRoute_FallsBackToPath(t *testing.T) {
	req := httptest.NewRequest("GET", "/healthz", nil)
	if got := Route(req); got != "/healthz" {
		t.Errorf("Route() = %q, want /healthz", got)
	}
}
