package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beflow/beflow/internal/config"
	"github.com/beflow/beflow/pkg/models"
)

func TestDefaults(t *testing.T) {
	settings := config.Default()

	assert.Equal(t, 1, settings.NFragmenterWorkers)
	assert.Equal(t, 1, settings.NQCComputeWorkers)
	assert.Equal(t, 1, settings.NOptimizerWorkers)
	assert.Equal(t, "127.0.0.1:15323", settings.Bind)
	assert.Equal(t, "./bespoke-state", settings.StoreURL)
	assert.Equal(t, "embedded", settings.QueueURL)
	assert.Equal(t, 5*time.Minute, settings.LeaseTTL)
	assert.Equal(t, 30*time.Second, settings.ShutdownGrace)
	assert.False(t, settings.KeepFiles)

	limits := settings.RetryLimits()
	assert.Equal(t, 0, limits[models.FragmentRoutingKey])
	assert.Equal(t, 2, limits[models.QCRoutingKey])
	assert.Equal(t, 0, limits[models.OptimizeRoutingKey])

	// auto resolves to at least one core
	assert.GreaterOrEqual(t, settings.QCCores(), 1)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("BEFLOW_N_QC_COMPUTE_WORKERS", "4")
	t.Setenv("BEFLOW_QC_COMPUTE_N_CORES", "auto")
	t.Setenv("BEFLOW_BIND", "0.0.0.0:9000")
	t.Setenv("BEFLOW_LEASE_TTL", "90s")
	t.Setenv("BEFLOW_KEEP_FILES", "true")
	t.Setenv("BEFLOW_QC_COMPUTE_CMD", "qc-engine --quiet")

	settings, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 4, settings.NQCComputeWorkers)
	assert.Equal(t, 0, settings.QCComputeNCores)
	assert.Equal(t, "0.0.0.0:9000", settings.Bind)
	assert.Equal(t, 90*time.Second, settings.LeaseTTL)
	assert.True(t, settings.KeepFiles)
	assert.Equal(t, []string{"qc-engine", "--quiet"}, settings.QCComputeCommand)
}

func TestLoadFromFileWithEnvOverride(t *testing.T) {
	file := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(file, []byte(
		"n_qc_compute_workers: 8\nbind: 127.0.0.1:7000\nqc_retries: 5\n"), 0o644))

	t.Setenv("BEFLOW_BIND", "127.0.0.1:7777")

	settings, err := config.Load(file)
	require.NoError(t, err)

	// File applies, environment wins.
	assert.Equal(t, 8, settings.NQCComputeWorkers)
	assert.Equal(t, "127.0.0.1:7777", settings.Bind)
	assert.Equal(t, 5, settings.QCRetries)
}
