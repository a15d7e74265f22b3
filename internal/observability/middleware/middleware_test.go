package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestIDGeneration(RequestIDPropagation(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	})))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", seen)
	assert.Equal(t, "abc-123", rec.Header().Get(RequestIDHeader))
}

func TestTraceContextExtraction(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	var spanCtx trace.SpanContext
	h := TraceContextExtraction(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		spanCtx = trace.SpanContextFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.True(t, spanCtx.IsValid())
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", spanCtx.TraceID().String())
}

func TestRequestIDTooLongIsReplaced(t *testing.T) {
	var seen string
	h := RequestIDGeneration(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, strings.Repeat("x", 500))
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Len(t, seen, 36)
}

func TestSkipRequestLog(t *testing.T) {
	health := httptest.NewRequest(http.MethodGet, "/health", nil)
	assert.True(t, skipRequestLog(health, http.StatusOK))
	assert.False(t, skipRequestLog(health, http.StatusServiceUnavailable))

	metrics := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	assert.True(t, skipRequestLog(metrics, http.StatusOK))

	chat := httptest.NewRequest(http.MethodPost, "/chat/stream", nil)
	assert.False(t, skipRequestLog(chat, http.StatusOK))
}
