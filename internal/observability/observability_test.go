package observability_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corviday/jobq/internal/observability"
)

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, observability.ParseLevel("debug"))
	require.Equal(t, slog.LevelWarn, observability.ParseLevel("WARN"))
	require.Equal(t, slog.LevelError, observability.ParseLevel("error"))
	require.Equal(t, slog.LevelInfo, observability.ParseLevel(""))
	require.Equal(t, slog.LevelInfo, observability.ParseLevel("nonsense"))
}

func TestInitLoggerDisabledReturnsUsableLogger(t *testing.T) {
	lp, logger, err := observability.InitLogger(context.Background(), false, slog.LevelInfo)
	require.NoError(t, err)
	require.NotNil(t, logger)
	require.NotPanics(t, func() { logger.Info("test message") })
	observability.Shutdown(context.Background(), nil, lp)
}

func TestInitTracerProviderDisabledReturnsNoopProvider(t *testing.T) {
	tp, err := observability.InitTracerProvider(context.Background(), false)
	require.NoError(t, err)
	require.NotNil(t, tp)
	observability.Shutdown(context.Background(), tp, nil)
}
