package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInitialize(t *testing.T) {
	err := Initialize(true)
	require.NoError(t, err)
	assert.NotNil(t, GetLogger())

	// Initialize is once-only; a second call must not error.
	err = Initialize(false)
	assert.NoError(t, err)
}

func TestGetLoggerFallback(t *testing.T) {
	// Must never return nil, even before Initialize.
	assert.NotNil(t, GetLogger())
}

func TestAppendContextFields(t *testing.T) {
	ctx := context.WithValue(context.Background(), CorrelationIDKey, "corr-1")
	ctx = context.WithValue(ctx, ClientIDKey, "client-1")
	ctx = context.WithValue(ctx, RoomKey, "standup")

	fields := appendContextFields(ctx, []zap.Field{zap.String("k", "v")})

	keys := make(map[string]bool)
	for _, f := range fields {
		keys[f.Key] = true
	}
	assert.True(t, keys["correlation_id"])
	assert.True(t, keys["client_id"])
	assert.True(t, keys["room"])
	assert.True(t, keys["service"])
	assert.True(t, keys["k"])
}

func TestAppendContextFieldsNilContext(t *testing.T) {
	fields := appendContextFields(nil, nil)
	assert.Empty(t, fields)
}
