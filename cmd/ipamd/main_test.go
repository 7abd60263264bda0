package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootHelp(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"--help"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	require.NoError(t, rootCmd.Execute())
	for _, name := range []string{"serve", "sweep", "materialize", "migrate"} {
		assert.Contains(t, out.String(), name)
	}
}

func TestLoadConfigSweepIntervalFlag(t *testing.T) {
	cfg, err := loadConfig(sweepCmd)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, cfg.Sweeper.Interval)

	require.NoError(t, serveCmd.Flags().Set("sweep-interval", "5m"))
	cfg, err = loadConfig(serveCmd)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.Sweeper.Interval)
}
