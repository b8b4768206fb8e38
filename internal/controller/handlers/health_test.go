package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"coderunner/internal/store"
)

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestProbes(t *testing.T) {
	ok := pingerFunc(func(context.Context) error { return nil })
	down := pingerFunc(func(context.Context) error { return errors.New("connection refused") })

	tests := []struct {
		name           string
		endpoint       string
		pingers        map[string]store.Pinger
		expectedStatus int
		expectedInBody string
	}{
		{
			name:           "Healthz Always OK",
			endpoint:       "/healthz",
			pingers:        map[string]store.Pinger{"redis": down},
			expectedStatus: http.StatusOK,
			expectedInBody: `"status":"ok"`,
		},
		{
			name:           "Readyz No Backends",
			endpoint:       "/readyz",
			expectedStatus: http.StatusOK,
			expectedInBody: `"status":"ready"`,
		},
		{
			name:           "Readyz Success",
			endpoint:       "/readyz",
			pingers:        map[string]store.Pinger{"redis": ok, "postgres": ok},
			expectedStatus: http.StatusOK,
			expectedInBody: `"postgres":"ok"`,
		},
		{
			name:           "Readyz Backend Fail",
			endpoint:       "/readyz",
			pingers:        map[string]store.Pinger{"redis": down, "postgres": ok},
			expectedStatus: http.StatusServiceUnavailable,
			expectedInBody: `"redis":"connection refused"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, func(d *Deps) { d.Pingers = tt.pingers })

			req := httptest.NewRequest(http.MethodGet, tt.endpoint, nil)
			rr := httptest.NewRecorder()

			// Route manually since we are testing specific handler functions
			if tt.endpoint == "/healthz" {
				env.h.Healthz(rr, req)
			} else {
				env.h.Readyz(rr, req)
			}

			if rr.Code != tt.expectedStatus {
				t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, tt.expectedStatus)
			}
			if !strings.Contains(rr.Body.String(), tt.expectedInBody) {
				t.Errorf("expected body to contain %q, got %q", tt.expectedInBody, rr.Body.String())
			}
		})
	}
}
