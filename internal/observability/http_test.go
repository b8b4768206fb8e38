package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPMetrics_Exported(t *testing.T) {
	handler, shutdown, err := InitMetrics(context.Background(), "coderunner-test")
	require.NoError(t, err)
	defer func() { _ = shutdown(context.Background()) }()

	m, err := NewHTTPMetrics()
	require.NoError(t, err)
	m.Record(context.Background(), "POST /jobs", http.StatusOK, 20*time.Millisecond)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rr.Body.String()
	assert.Contains(t, body, "http_requests")
	assert.Contains(t, body, `route="POST /jobs"`)
	assert.Contains(t, body, `code="200"`)
}

func TestHTTPMetrics_NilIsNoop(t *testing.T) {
	var m *HTTPMetrics
	m.Record(context.Background(), "GET /healthz", http.StatusOK, time.Millisecond)
}
