package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	return string(body)
}

func TestInstrumentRecordsRouteAndStatus(t *testing.T) {
	Init()
	Init()

	h := Instrument("GET /teapot", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/teapot", nil))

	want := `quizpass_http_requests_total{method="GET",route="GET /teapot",status="418"} 1`
	if out := scrape(t); !strings.Contains(out, want) {
		t.Errorf("metrics output missing %q", want)
	}
}

func TestInstrumentDefaultsToOK(t *testing.T) {
	Init()

	h := Instrument("GET /implicit", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/implicit", nil))

	want := `quizpass_http_requests_total{method="GET",route="GET /implicit",status="200"} 1`
	if out := scrape(t); !strings.Contains(out, want) {
		t.Errorf("metrics output missing %q", want)
	}
}

func TestStatusWriterUnwrap(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec}
	if sw.Unwrap() != rec {
		t.Error("Unwrap should return the wrapped writer")
	}
}
