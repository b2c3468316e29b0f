package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	method   string
	endpoint string
	status   string
	duration time.Duration
}

type requestRecorder struct {
	mu       sync.Mutex
	requests []recordedRequest
}

func (r *requestRecorder) record(method, endpoint, status string, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.requests = append(r.requests, recordedRequest{method, endpoint, status, duration})
}

func (r *requestRecorder) all() []recordedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]recordedRequest(nil), r.requests...)
}

// swapRecorder routes recordHTTPRequest into a fresh recorder for one test.
func swapRecorder(t *testing.T) *requestRecorder {
	t.Helper()

	rec := &requestRecorder{}
	original := recordHTTPRequest
	recordHTTPRequest = rec.record
	t.Cleanup(func() { recordHTTPRequest = original })

	return rec
}

func serve(h http.Handler, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestResponseWriter_CapturesStatus(t *testing.T) {
	for _, code := range []int{http.StatusOK, http.StatusConflict, http.StatusServiceUnavailable} {
		rec := httptest.NewRecorder()
		rw := &responseWriter{ResponseWriter: rec, statusCode: http.StatusOK}

		rw.WriteHeader(code)

		assert.Equal(t, code, rw.statusCode)
		assert.Equal(t, code, rec.Code)
	}
}

func TestNormalizeEndpoint(t *testing.T) {
	tests := map[string]string{
		"/api/tasks":                      "/api/tasks",
		"/api/tasks/":                     "/api/tasks/",
		"/api/tasks/12":                   "/api/tasks/:id",
		"/api/tasks/18446744073709551615": "/api/tasks/:id",
		"/api/tasks/12/trigger":           "/api/tasks/:id/trigger",
		"/api/tasks/12/threshold":         "/api/tasks/:id/threshold",
		"/api/tasks/12/unknown":           "/api/tasks/12/unknown",
		"/api/tasks/12/trigger/extra":     "/api/tasks/12/trigger/extra",
		"/api/stats":                      "/api/stats",
		"/api/stats/4":                    "/api/stats/:id",
		"/api/stats/4/extra":              "/api/stats/4/extra",
		"/api/analysis":                   "/api/analysis",
		"/api/dashboard/stats":            "/api/dashboard/stats",
		"/api/dashboard/history":          "/api/dashboard/history",
		"/metrics":                        "/metrics",
		"/health":                         "/health",
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
	}{
		{"register", http.MethodPost, "/api/tasks", http.StatusCreated, "/api/tasks"},
		{"get task", http.MethodGet, "/api/tasks/3", http.StatusOK, "/api/tasks/:id"},
		{"busy task", http.MethodDelete, "/api/tasks/3", http.StatusConflict, "/api/tasks/:id"},
		{"trigger", http.MethodPost, "/api/tasks/3/trigger", http.StatusAccepted, "/api/tasks/:id/trigger"},
		{"missing stats", http.MethodGet, "/api/stats/99", http.StatusNotFound, "/api/stats/:id"},
		{"loop stopped", http.MethodGet, "/api/analysis", http.StatusServiceUnavailable, "/api/analysis"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := swapRecorder(t)

			h := MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			resp := serve(h, tt.method, tt.path)
			assert.Equal(t, tt.status, resp.Code)

			requests := rec.all()
			require.Len(t, requests, 1)
			assert.Equal(t, tt.method, requests[0].method)
			assert.Equal(t, tt.endpoint, requests[0].endpoint)
			assert.Equal(t, strconv.Itoa(tt.status), requests[0].status)
			assert.GreaterOrEqual(t, requests[0].duration, time.Duration(0))
		})
	}
}

func TestMetricsMiddleware_ImplicitOK(t *testing.T) {
	rec := swapRecorder(t)

	h := MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	resp := serve(h, http.MethodGet, "/health")

	assert.Equal(t, "ok", resp.Body.String())
	requests := rec.all()
	require.Len(t, requests, 1)
	assert.Equal(t, "200", requests[0].status)
}

func TestMetricsMiddleware_RecordsDuration(t *testing.T) {
	rec := swapRecorder(t)
	delay := 20 * time.Millisecond

	h := MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(delay)
	}))
	serve(h, http.MethodGet, "/api/stats")

	requests := rec.all()
	require.Len(t, requests, 1)
	assert.GreaterOrEqual(t, requests[0].duration, delay)
}
