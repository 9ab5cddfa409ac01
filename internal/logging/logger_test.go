package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"go.uber.org/zap/zapcore"
)

func TestNewDevelopment(t *testing.T) {
	t.Parallel()

	logger, err := New(true)
	require.NoError(t, err)
	require.NotNil(t, logger)
	logger.Debug("dev logger works")
}

func TestNewProduction(t *testing.T) {
	t.Parallel()

	logger, err := New(false)
	require.NoError(t, err)
	require.NotNil(t, logger)
}

func TestComponentNamesChildLogger(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	parent := zap.New(core)

	Component(parent, "gateway").Info("stream opened")

	entries := logs.All()
	require.Len(t, entries, 1)
	require.Equal(t, "gateway", entries[0].LoggerName)
}

func TestComponentToleratesNilParent(t *testing.T) {
	t.Parallel()

	logger := Component(nil, "publisher")
	require.NotNil(t, logger)
	logger.Info("no-op logger never panics")
}
