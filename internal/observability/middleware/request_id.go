// Package middleware holds the HTTP middleware that ties requests to logs.
package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/omniplexity/omniai/internal/observability"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// RequestID returns the id stored by RequestIDGeneration, if any.
func RequestID(ctx context.Context) string {
	return observability.RequestID(ctx)
}

// RequestIDGeneration keeps the client's X-Request-ID or generates one,
// and stores it in the request context. Records logged under that context,
// the request log included, carry it as request_id.
func RequestIDGeneration(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		next.ServeHTTP(w, r.WithContext(observability.WithRequestID(r.Context(), id)))
	})
}

// RequestIDPropagation echoes the request id to the client.
func RequestIDPropagation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := RequestID(r.Context()); id != "" {
			// Set early so the header survives panic recovery.
			w.Header().Set(RequestIDHeader, id)
		}
		next.ServeHTTP(w, r)
	})
}
