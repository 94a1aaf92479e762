package observability

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoggerRoundTrip(t *testing.T) {
	t.Parallel()
	lg := slog.Default().With(slog.String("k", "v"))
	ctx := ContextWithLogger(context.Background(), lg)
	assert.Same(t, lg, LoggerFromContext(ctx))
}

func TestLoggerFromContext_Defaults(t *testing.T) {
	t.Parallel()
	assert.NotNil(t, LoggerFromContext(context.Background()))
	assert.NotNil(t, LoggerFromContext(nil)) //nolint:staticcheck // nil-safety contract
}

func TestContextWithLogger_NilLoggerKeepsContext(t *testing.T) {
	t.Parallel()
	base := context.Background()
	assert.Equal(t, base, ContextWithLogger(base, nil))
}

func TestRequestIDRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := ContextWithRequestID(context.Background(), "req-123")
	assert.Equal(t, "req-123", RequestIDFromContext(ctx))
	assert.Empty(t, RequestIDFromContext(context.Background()))
}

func TestContextWithRequestID_EmptyKeepsContext(t *testing.T) {
	t.Parallel()
	base := context.Background()
	assert.Equal(t, base, ContextWithRequestID(base, ""))
}
