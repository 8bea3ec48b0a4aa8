package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Header carries the correlation ID on requests and responses.
const Header = "X-Correlation-ID"

type contextKey struct{}

// CorrelationID tags every request with a correlation ID, reusing the
// caller's when the header is set, and logs request start and completion
// under that ID.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(Header)
		if id == "" {
			id = uuid.NewString()
		}

		ctx := WithCorrelationID(r.Context(), id)
		w.Header().Set(Header, id)

		start := time.Now()
		slog.InfoContext(ctx, "request received", "method", r.Method, "path", r.URL.Path)

		next.ServeHTTP(w, r.WithContext(ctx))

		slog.InfoContext(ctx, "request completed", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext reports the correlation ID, if one was set.
func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(contextKey{}).(string)
	return id, ok && id != ""
}

// GetCorrelationID is FromContext with a sentinel for callers that always
// want a printable value.
func GetCorrelationID(ctx context.Context) string {
	if id, ok := FromContext(ctx); ok {
		return id
	}
	return "unknown"
}
