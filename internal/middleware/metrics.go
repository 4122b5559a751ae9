// Package middleware provides HTTP middleware for metrics collection.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nadmax/creatorq/internal/metrics"
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

// Flush keeps long-poll responses streamable through the wrapper.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
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

// normalizeEndpoint collapses task ids and workflow names so the endpoint label
// stays low-cardinality.
func normalizeEndpoint(path string) string {
	const (
		tasks     = "/api/tasks/"
		workflows = "/api/workflows/"
		reports   = "/api/reports/"
	)

	if strings.HasPrefix(path, reports) && len(path) > len(reports) && !strings.Contains(path[len(reports):], "/") {
		return "/api/reports/:kind"
	}

	if strings.HasPrefix(path, workflows) && strings.HasSuffix(path, "/history") {
		name := strings.TrimSuffix(strings.TrimPrefix(path, workflows), "/history")
		if name != "" && !strings.Contains(name, "/") {
			return "/api/workflows/:name/history"
		}
		return path
	}

	if !strings.HasPrefix(path, tasks) || len(path) == len(tasks) {
		return path
	}

	parts := strings.Split(strings.TrimPrefix(path, tasks), "/")
	switch {
	case len(parts) == 1:
		return "/api/tasks/:id"
	case len(parts) == 2 && (parts[1] == "wait" || parts[1] == "history"):
		return "/api/tasks/:id/" + parts[1]
	default:
		return path
	}
}
