package ingest

import (
	"context"
	"io"
	"net/http"

	"nodewatch/internal/domain"
)

// SampleSink receives decoded metric samples from ingest interfaces.
// Params: request context and decoded sample payload.
// Returns: processing error.
type SampleSink interface {
	HandleSample(ctx context.Context, sample domain.MetricSample) error
}

// HTTPHandler decodes JSON metric samples and forwards them to sink.
// Params: sink receives validated samples, max body limits payload size.
// Returns: HTTP handler for sample ingest endpoint.
type HTTPHandler struct {
	sink        SampleSink
	maxBodySize int64
}

// NewHTTPHandler creates ingest HTTP handler.
// Params: sink and max request body size in bytes.
// Returns: configured handler.
func NewHTTPHandler(sink SampleSink, maxBodySize int64) *HTTPHandler {
	return &HTTPHandler{sink: sink, maxBodySize: maxBodySize}
}

// ServeHTTP handles one incoming sample request.
// Params: HTTP request/response writer pair.
// Returns: writes status code according to decode/handle result.
func (h *HTTPHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		writer.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	request.Body = http.MaxBytesReader(writer, request.Body, h.maxBodySize)
	defer request.Body.Close()
	body, err := io.ReadAll(request.Body)
	if err != nil {
		writer.WriteHeader(http.StatusBadRequest)
		return
	}

	sample, err := domain.DecodeSample(body)
	if err != nil {
		writer.WriteHeader(http.StatusBadRequest)
		return
	}

	if err := h.sink.HandleSample(request.Context(), sample); err != nil {
		writer.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	writer.WriteHeader(http.StatusAccepted)
}
