package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/httplog/v3"
)

// quietPaths are polled by load balancers and scrapers; only their
// failures are logged.
var quietPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// Logging writes one log record per request. Headers other than
// Content-Type and Origin are never logged, and bodies never are, so chat
// content stays out of the logs.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return httplog.RequestLogger(logger, &httplog.Options{
		Schema:             httplog.SchemaECS.Concise(true),
		LogRequestHeaders:  []string{"Content-Type", "Origin"},
		LogResponseHeaders: []string{},
		Skip:               skipRequestLog,
	})
}

func skipRequestLog(r *http.Request, status int) bool {
	return quietPaths[r.URL.Path] && status < http.StatusBadRequest
}

// SetLogAttrs adds attributes to the current request log, such as the
// authenticated user or how a chat stream ended. It is a no-op outside
// Logging.
func SetLogAttrs(ctx context.Context, attrs ...slog.Attr) {
	httplog.SetAttrs(ctx, attrs...)
}
