package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesConstants(t *testing.T) {
	cfg := Default()
	require.EqualValues(t, DefaultFrameCacheBudget, cfg.FrameCacheBudget)
	require.EqualValues(t, DefaultGCIntervalEpochs, cfg.GCIntervalEpochs)
	require.Equal(t, DefaultGCCheckIntervalSeconds, cfg.GCCheckIntervalSeconds)
	require.Equal(t, DefaultGCRetainedStateRoots, cfg.GCRetainedStateRoots)
}

func TestLoadOverridesFromEnvironment(t *testing.T) {
	t.Setenv(EnvFrameCacheBudget, "1048576")
	t.Setenv(EnvGCIntervalEpochs, "5000")
	t.Setenv(EnvGCCheckIntervalSeconds, "60")
	t.Setenv(EnvGCRetainedStateRoots, "500")

	cfg := Load()
	require.EqualValues(t, 1048576, cfg.FrameCacheBudget)
	require.EqualValues(t, 5000, cfg.GCIntervalEpochs)
	require.Equal(t, 60, cfg.GCCheckIntervalSeconds)
	require.Equal(t, 500, cfg.GCRetainedStateRoots)
}

func TestLoadIgnoresUnparsableValues(t *testing.T) {
	t.Setenv(EnvFrameCacheBudget, "not-a-number")
	cfg := Load()
	require.EqualValues(t, DefaultFrameCacheBudget, cfg.FrameCacheBudget)
}

func TestLoadIgnoresUnsetValues(t *testing.T) {
	os.Unsetenv(EnvGCRetainedStateRoots)
	cfg := Load()
	require.Equal(t, DefaultGCRetainedStateRoots, cfg.GCRetainedStateRoots)
}
