// Copyright 2025 James Ross
package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "local", cfg.CommandBus.Backend)
	assert.Equal(t, 100, cfg.CommandBus.Capacity)
	assert.Equal(t, "ws://127.0.0.1:7890/plugin-bridge", cfg.UIBridge.URL)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gauntlet.yaml")
	contents := "command_bus:\n  backend: nats\n  nats_url: nats://localhost:4222\n  capacity: 50\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "nats", cfg.CommandBus.Backend)
	assert.Equal(t, "nats://localhost:4222", cfg.CommandBus.NATSURL)
	assert.Equal(t, 50, cfg.CommandBus.Capacity)
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	t.Setenv("GAUNTLET_COMMAND_BUS_CAPACITY", "7")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.CommandBus.Capacity)
}

func TestValidate_RejectsUnknownCommandBusBackend(t *testing.T) {
	cfg := defaultConfig()
	cfg.CommandBus.Backend = "kafka"
	assert.Error(t, Validate(cfg))
}

func TestValidate_RejectsNATSBackendWithoutURL(t *testing.T) {
	cfg := defaultConfig()
	cfg.CommandBus.Backend = "nats"
	cfg.CommandBus.NATSURL = ""
	assert.Error(t, Validate(cfg))
}

func TestValidate_RejectsEmptyRepositoryDSN(t *testing.T) {
	cfg := defaultConfig()
	cfg.Repository.DSN = ""
	assert.Error(t, Validate(cfg))
}

func TestValidate_RejectsInvalidMetricsPort(t *testing.T) {
	cfg := defaultConfig()
	cfg.Observability.MetricsPort = 0
	assert.Error(t, Validate(cfg))
}

func TestValidate_AcceptsDefaults(t *testing.T) {
	assert.NoError(t, Validate(defaultConfig()))
}
