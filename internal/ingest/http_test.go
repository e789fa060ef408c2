package ingest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"nodewatch/internal/domain"
)

type httpTestSink struct {
	calls   int
	samples []domain.MetricSample
	err     error
}

func (s *httpTestSink) HandleSample(_ context.Context, sample domain.MetricSample) error {
	s.calls++
	if s.err != nil {
		return s.err
	}
	s.samples = append(s.samples, sample)
	return nil
}

func TestHTTPHandlerAcceptsValidSample(t *testing.T) {
	t.Parallel()

	sink := &httpTestSink{}
	handler := NewHTTPHandler(sink, 1<<20)
	request := httptest.NewRequest(http.MethodPost, "/ingest/metrics", strings.NewReader(`{"node_id":7,"cpu_pct":91.5,"disk_pct":40}`))
	response := httptest.NewRecorder()

	handler.ServeHTTP(response, request)
	if response.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d", http.StatusAccepted, response.Code)
	}
	if sink.calls != 1 || len(sink.samples) != 1 {
		t.Fatalf("unexpected sink calls=%d samples=%d", sink.calls, len(sink.samples))
	}
	sample := sink.samples[0]
	if sample.NodeID != 7 || sample.CPUPct == nil || *sample.CPUPct != 91.5 {
		t.Fatalf("unexpected sample %+v", sample)
	}
	if sample.MemPct != nil {
		t.Fatal("mem_pct should stay unset when absent from payload")
	}
}

func TestHTTPHandlerRejectsNonPost(t *testing.T) {
	t.Parallel()

	sink := &httpTestSink{}
	handler := NewHTTPHandler(sink, 1<<20)
	request := httptest.NewRequest(http.MethodGet, "/ingest/metrics", nil)
	response := httptest.NewRecorder()

	handler.ServeHTTP(response, request)
	if response.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, response.Code)
	}
	if sink.calls != 0 {
		t.Fatalf("sink should not be called, got %d calls", sink.calls)
	}
}

func TestHTTPHandlerRejectsInvalidSample(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
	}{
		{name: "malformed json", body: `{"node_id":`},
		{name: "missing node id", body: `{"cpu_pct":50}`},
		{name: "no metrics", body: `{"node_id":3}`},
		{name: "value out of range", body: `{"node_id":3,"mem_pct":140}`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			sink := &httpTestSink{}
			handler := NewHTTPHandler(sink, 1<<20)
			request := httptest.NewRequest(http.MethodPost, "/ingest/metrics", strings.NewReader(tc.body))
			response := httptest.NewRecorder()

			handler.ServeHTTP(response, request)
			if response.Code != http.StatusBadRequest {
				t.Fatalf("expected status %d, got %d", http.StatusBadRequest, response.Code)
			}
			if sink.calls != 0 {
				t.Fatalf("sink should not be called, got %d calls", sink.calls)
			}
		})
	}
}

func TestHTTPHandlerLimitsBodySize(t *testing.T) {
	t.Parallel()

	sink := &httpTestSink{}
	handler := NewHTTPHandler(sink, 16)
	request := httptest.NewRequest(http.MethodPost, "/ingest/metrics", strings.NewReader(`{"node_id":7,"cpu_pct":91.5,"mem_pct":30}`))
	response := httptest.NewRecorder()

	handler.ServeHTTP(response, request)
	if response.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, response.Code)
	}
}

func TestHTTPHandlerReturnsServiceUnavailableOnSinkError(t *testing.T) {
	t.Parallel()

	sink := &httpTestSink{err: errors.New("sink unavailable")}
	handler := NewHTTPHandler(sink, 1<<20)
	request := httptest.NewRequest(http.MethodPost, "/ingest/metrics", strings.NewReader(`{"node_id":7,"cpu_pct":91.5}`))
	response := httptest.NewRecorder()

	handler.ServeHTTP(response, request)
	if response.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, response.Code)
	}
}
