package config_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corviday/jobq/internal/config"
	"github.com/corviday/jobq/internal/store"
)

func newRegistry(t *testing.T) *config.Registry {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return config.New(s)
}

func TestDefaultsSeeded(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	n, err := r.MaxRetries(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	n, err = r.StuckAfter(ctx)
	require.NoError(t, err)
	require.Equal(t, 120, n)
}

func TestSetNormalizesDashesToUnderscores(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "cmd-timeout", "45"))

	n, err := r.CmdTimeout(ctx)
	require.NoError(t, err)
	require.Equal(t, 45, n)

	val, err := r.Get(ctx, "cmd_timeout", "")
	require.NoError(t, err)
	require.Equal(t, "45", val)
}
