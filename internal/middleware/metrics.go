// Package middleware provides HTTP middleware for metrics collection.
package middleware

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/nadmax/deferd/internal/metrics"
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

type resource struct {
	placeholder string
	actions     []string
}

// resources lists the collections whose third path segment is an identifier,
// with the sub-paths allowed after it.
var resources = map[string]resource{
	"tasks":       {":id", []string{"feedback", "decisions"}},
	"whitelist":   {":name", nil},
	"peers":       {":id", []string{"heartbeat", "maintenance"}},
	"delegations": {":id", []string{"accept", "start", "complete", "fail", "retract"}},
	"votes":       {":id", []string{"ballots"}},
}

func normalizeEndpoint(path string) string {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(parts) < 3 || len(parts) > 4 || parts[0] != "api" || parts[2] == "" {
		return path
	}

	res, ok := resources[parts[1]]
	if !ok {
		return path
	}
	if len(parts) == 4 && !slices.Contains(res.actions, parts[3]) {
		return path
	}

	parts[2] = res.placeholder
	return "/" + strings.Join(parts, "/")
}
