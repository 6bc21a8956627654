// Copyright 2025 The Toolforge Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	settings, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, 8000, settings.Port)
	assert.Equal(t, StorageTypeMock, settings.StorageType)
	assert.Equal(t, 365*24*time.Hour, settings.TokenLifetime)
	assert.Equal(t, 1, settings.MaxActiveDeployments)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, "port: 9000\nlog_level: debug\nbuild_timeout: 10m\n")

	settings, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, 9000, settings.Port)
	assert.Equal(t, "debug", settings.LogLevel)
	assert.Equal(t, 10*time.Minute, settings.BuildTimeout)
	// untouched keys keep their defaults
	assert.Equal(t, "127.0.0.1", settings.Address)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, "port: 9000\n")
	t.Setenv("COMPONENTS_API__PORT", "9100")
	t.Setenv("COMPONENTS_API__STORAGE_TYPE", "kubernetes")

	settings, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, 9100, settings.Port)
	assert.Equal(t, StorageTypeKubernetes, settings.StorageType)
}

func TestLoad_FlagsWin(t *testing.T) {
	t.Setenv("COMPONENTS_API__PORT", "9100")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("port", 0, "")
	require.NoError(t, flags.Parse([]string{"--port", "9200"}))

	settings, err := Load("", flags)
	require.NoError(t, err)
	assert.Equal(t, 9200, settings.Port)
}

func TestLoad_UnsetFlagsAreIgnored(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("port", 1234, "")
	require.NoError(t, flags.Parse(nil))

	settings, err := Load("", flags)
	require.NoError(t, err)
	assert.Equal(t, 8000, settings.Port, "defaults win when the flag is not set")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file not found")
}

func TestLoad_InvalidSettings(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad log level", "log_level: shouting\n", "invalid log level"},
		{"bad port", "port: 99999\n", "invalid port"},
		{"bad storage type", "storage_type: etcd\n", "invalid storage type"},
		{"bad runtime type", "runtime_type: nomad\n", "invalid runtime type"},
		{"bad api url", "toolforge_api_url: not-a-url\n", "invalid toolforge_api_url"},
		{"zero retention", "max_deployments_retained: 0\n", "max_deployments_retained"},
		{"zero build timeout", "build_timeout: 0s\n", "build_timeout must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfigFile(t, tt.content), nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
