package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gRPC dials lazily, so an unreachable collector does not fail initialization.
func TestInitTracer_WithEndpoint(t *testing.T) {
	tests := []struct {
		name        string
		serviceName string
		endpoint    string
	}{
		{"Unreachable Endpoint", "test-service", "invalid-endpoint:9999"},
		{"Localhost", "my-test-service", "localhost:4317"},
		{"Empty Service Name", "", "localhost:4317"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shutdown, err := InitTracer(context.Background(), tt.serviceName, tt.endpoint)
			require.NoError(t, err)
			require.NotNil(t, shutdown)

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = shutdown(ctx)
		})
	}
}

func TestInitTracer_NoEndpoint(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), "coderunner", "")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
