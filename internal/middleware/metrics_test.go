package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type httpRecord struct {
	method   string
	endpoint string
	status   string
	duration time.Duration
}

// captureRequests swaps the metrics sink for the duration of the test.
func captureRequests(t *testing.T) *[]httpRecord {
	t.Helper()
	var records []httpRecord

	original := recordHTTPRequest
	recordHTTPRequest = func(method, endpoint, status string, duration time.Duration) {
		records = append(records, httpRecord{method, endpoint, status, duration})
	}
	t.Cleanup(func() { recordHTTPRequest = original })
	return &records
}

func TestNormalizeEndpoint(t *testing.T) {
	tests := map[string]string{
		"/api/tasks/123":                  "/api/tasks/:id",
		"/api/tasks/abc-def-456/feedback": "/api/tasks/:id/feedback",
		"/api/tasks/abc/decisions":        "/api/tasks/:id/decisions",
		"/api/tasks/123/subtask":          "/api/tasks/123/subtask",
		"/api/whitelist/database-cleanup": "/api/whitelist/:name",
		"/api/whitelist/x/y":              "/api/whitelist/x/y",
		"/api/peers/solar-1":              "/api/peers/:id",
		"/api/peers/solar-1/heartbeat":    "/api/peers/:id/heartbeat",
		"/api/peers/solar-1/maintenance":  "/api/peers/:id/maintenance",
		"/api/delegations/d-42/accept":    "/api/delegations/:id/accept",
		"/api/delegations/d-42/retract":   "/api/delegations/:id/retract",
		"/api/delegations/d-42/explode":   "/api/delegations/d-42/explode",
		"/api/votes/v-1":                  "/api/votes/:id",
		"/api/votes/v-1/ballots":          "/api/votes/:id/ballots",
		"/api/dashboard/energy":           "/api/dashboard/energy",
		"/api/tasks/":                     "/api/tasks/",
		"/api/tasks":                      "/api/tasks",
		"/api/tasks/1/feedback/extra":     "/api/tasks/1/feedback/extra",
		"/v2/tasks/1":                     "/v2/tasks/1",
		"/health":                         "/health",
		"/metrics":                        "/metrics",
		"/":                               "/",
	}

	for path, want := range tests {
		t.Run(path, func(t *testing.T) {
			assert.Equal(t, want, normalizeEndpoint(path))
		})
	}
}

func TestMetricsMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		path     string
		status   int
		endpoint string
		code     string
	}{
		{"task by id", http.MethodGet, "/api/tasks/123", http.StatusOK, "/api/tasks/:id", "200"},
		{"submit task", http.MethodPost, "/api/tasks", http.StatusCreated, "/api/tasks", "201"},
		{"whitelist removal", http.MethodDelete, "/api/whitelist/backup", http.StatusServiceUnavailable, "/api/whitelist/:name", "503"},
		{"ballot on closed vote", http.MethodPost, "/api/votes/v-9/ballots", http.StatusConflict, "/api/votes/:id/ballots", "409"},
		{"heartbeat", http.MethodPost, "/api/peers/p1/heartbeat", http.StatusNoContent, "/api/peers/:id/heartbeat", "204"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records := captureRequests(t)

			handler := MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))

			assert.Equal(t, tt.status, rec.Code)
			require.Len(t, *records, 1)
			got := (*records)[0]
			assert.Equal(t, tt.method, got.method)
			assert.Equal(t, tt.endpoint, got.endpoint)
			assert.Equal(t, tt.code, got.status)
		})
	}
}

func TestMetricsMiddleware_ImplicitOK(t *testing.T) {
	records := captureRequests(t)

	handler := MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, `{"status":"ok"}`, rec.Body.String())
	require.Len(t, *records, 1)
	assert.Equal(t, "200", (*records)[0].status)
}

func TestMetricsMiddleware_RecordsDuration(t *testing.T) {
	records := captureRequests(t)
	delay := 20 * time.Millisecond

	handler := MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(delay)
		w.WriteHeader(http.StatusOK)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/status", nil))

	require.Len(t, *records, 1)
	assert.GreaterOrEqual(t, (*records)[0].duration, delay)
}
