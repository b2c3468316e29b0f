// Package middleware provides HTTP middleware for metrics collection.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nadmax/rtsched/internal/metrics"
)

var recordHTTPRequest = metrics.RecordHTTPRequest

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		endpoint := normalizeEndpoint(r.URL.Path)
		status := strconv.Itoa(wrapped.statusCode)

		recordHTTPRequest(r.Method, endpoint, status, duration)
	})
}

// normalizeEndpoint folds task ids out of paths to keep label cardinality
// bounded.
func normalizeEndpoint(path string) string {
	switch {
	case strings.HasPrefix(path, "/api/tasks/"):
		parts := strings.Split(strings.TrimPrefix(path, "/api/tasks/"), "/")
		switch {
		case len(parts) == 1 && parts[0] != "":
			return "/api/tasks/:id"
		case len(parts) == 2 && parts[1] == "trigger":
			return "/api/tasks/:id/trigger"
		case len(parts) == 2 && parts[1] == "threshold":
			return "/api/tasks/:id/threshold"
		}

		return path
	case strings.HasPrefix(path, "/api/stats/") && !strings.Contains(path[len("/api/stats/"):], "/"):
		return "/api/stats/:id"
	default:
		return path
	}
}
