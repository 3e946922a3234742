package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"codeberg.org/mutker/plantqc/internal/config"
	"codeberg.org/mutker/plantqc/internal/errors"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	viper.Reset()

	configContent := []byte(`
listen = ":9000"
database = "/var/lib/plantqc/plantqc.db"
interval = 0.5
retention_seconds = 1200
log_level = "debug"
audit = false

[targets]
lsf_min = 97.0
lsf_max = 103.0

[detector]
z_threshold = 1.8
cooldown_seconds = 30

[oracle]
retries = 4
`)
	configPath := filepath.Join(t.TempDir(), "plantqc.toml")
	err := os.WriteFile(configPath, configContent, 0o600)
	require.NoError(t, err)

	t.Setenv("PLANTQC_CONFIG", configPath)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, "/var/lib/plantqc/plantqc.db", cfg.Database)
	assert.InDelta(t, 0.5, cfg.Interval, 1e-9)
	assert.Equal(t, 1200, cfg.RetentionSeconds)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.False(t, cfg.Audit)
	assert.InDelta(t, 97.0, cfg.Targets.LSFMin, 1e-9)
	assert.InDelta(t, 103.0, cfg.Targets.LSFMax, 1e-9)
	assert.InDelta(t, 1.8, cfg.Detector.ZThreshold, 1e-9)
	assert.Equal(t, 30, cfg.Detector.CooldownSeconds)
	assert.Equal(t, 4, cfg.Oracle.Retries)
}

func TestLoadDefaults(t *testing.T) {
	viper.Reset()
	t.Setenv("PLANTQC_CONFIG", "")

	// Keep the working directory free of a stray plantqc.toml
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	defer func() { _ = os.Chdir(wd) }()

	cfg, err := config.Load()
	require.NoError(t, err, "Failed to load config")

	assert.Equal(t, ":8090", cfg.Listen)
	assert.Equal(t, "plantqc.db", cfg.Database)
	assert.True(t, cfg.Audit)
	assert.InDelta(t, 1.0, cfg.Interval, 1e-9)
	assert.Equal(t, 600, cfg.RetentionSeconds)
	assert.Equal(t, config.DefaultLogLevel, cfg.LogLevel)
	assert.InDelta(t, 98.0, cfg.Targets.LSFMin, 1e-9)
	assert.InDelta(t, 102.0, cfg.Targets.LSFMax, 1e-9)
	assert.InDelta(t, 320.0, cfg.Targets.BlaineMin, 1e-9)
	assert.InDelta(t, 360.0, cfg.Targets.BlaineMax, 1e-9)
	assert.InDelta(t, 1.0, cfg.Targets.FCaOMax, 1e-9)
	assert.InDelta(t, 83.0, cfg.Knobs.LimestonePct, 1e-9)
	assert.InDelta(t, 2.5, cfg.Detector.ZThreshold, 1e-9)
	assert.Equal(t, 10, cfg.Detector.MinSamples)
	assert.Equal(t, 60, cfg.Detector.CooldownSeconds)
	assert.Equal(t, 2, cfg.Oracle.Retries)
}

func TestLoadConfigFileInvalidFormat(t *testing.T) {
	viper.Reset()

	configContent := []byte(`
This is not a valid TOML file
`)
	configPath := filepath.Join(t.TempDir(), "plantqc.toml")
	err := os.WriteFile(configPath, configContent, 0o600)
	require.NoError(t, err)

	t.Setenv("PLANTQC_CONFIG", configPath)

	_, err = config.Load()
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrReadConfig))
}

func TestInvalidLogLevel(t *testing.T) {
	viper.Reset()

	configContent := []byte(`
log_level = "shouty"
`)
	configPath := filepath.Join(t.TempDir(), "plantqc.toml")
	err := os.WriteFile(configPath, configContent, 0o600)
	require.NoError(t, err)

	t.Setenv("PLANTQC_CONFIG", configPath)

	_, err = config.Load()
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidLogLevel))
}

func TestInvalidBands(t *testing.T) {
	viper.Reset()

	configContent := []byte(`
[targets]
lsf_min = 103.0
lsf_max = 98.0
`)
	configPath := filepath.Join(t.TempDir(), "plantqc.toml")
	err := os.WriteFile(configPath, configContent, 0o600)
	require.NoError(t, err)

	t.Setenv("PLANTQC_CONFIG", configPath)

	_, err = config.Load()
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidConfig))
}

func TestInvalidInterval(t *testing.T) {
	viper.Reset()

	configContent := []byte(`
interval = -2.0
`)
	configPath := filepath.Join(t.TempDir(), "plantqc.toml")
	err := os.WriteFile(configPath, configContent, 0o600)
	require.NoError(t, err)

	t.Setenv("PLANTQC_CONFIG", configPath)

	_, err = config.Load()
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidInterval))
}
