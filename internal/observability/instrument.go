// Package observability configures process-wide logging.
package observability

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Instrument installs the default slog logger and the W3C trace context
// propagator used by the HTTP middleware.
func Instrument(level, format string) error {
	handler, err := NewHandler(os.Stdout, level, format)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(handler))
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return nil
}

// NewHandler builds a handler writing to w that adds request and trace
// context to every record.
func NewHandler(w io.Writer, level, format string) (slog.Handler, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("unsupported log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q (expected: json, text)", format)
	}
	return &contextHandler{next: handler}, nil
}
