package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	for _, env := range []string{"prod", "local", "dev", "test"} {
		t.Run(env, func(t *testing.T) {
			l, err := NewLogger(env)
			require.NoError(t, err)
			assert.NotNil(t, l)
		})
	}

	_, err := NewLogger("staging")
	assert.Error(t, err)
}

func TestNewLogger_LevelOverride(t *testing.T) {
	l, err := NewLogger("prod", "warn")
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, l.Core().Enabled(zapcore.WarnLevel))

	_, err = NewLogger("prod", "loud")
	assert.Error(t, err)
}

func TestFromContext(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))

	l := zap.NewExample()
	ctx := ContextWithLogger(context.Background(), l)
	assert.Same(t, l, FromContext(ctx))
}
