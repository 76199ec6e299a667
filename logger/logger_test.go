package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestVerbosityToLevel(t *testing.T) {
	assert.Equal(t, zapcore.WarnLevel, VerbosityToLevel(0))
	assert.Equal(t, zapcore.InfoLevel, VerbosityToLevel(1))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(2))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(7))
}

func TestInitializeJSON(t *testing.T) {
	require.NoError(t, Initialize(true, 1))
	assert.True(t, JSONOutput)
	assert.NotNil(t, Logger)

	// Logging through the package helpers must not panic.
	Infow("test message", "key", "value")
	Debugw("suppressed at info level")
}

func TestInitializeConsole(t *testing.T) {
	require.NoError(t, Initialize(false, 2))
	assert.False(t, JSONOutput)

	Debugw("visible at -vv")
	assert.NotNil(t, Named("sub"))
}

func TestLoggerUsableBeforeInitialize(t *testing.T) {
	// The package-level no-op logger absorbs calls made before setup.
	Info("no panic")
	Warnf("still %s", "fine")
}
