package main

import (
	"flag"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func TestParseFlags_LayersAndDefaults(t *testing.T) {
	cfg, err := parseFlags(newFlagSet(), []string{"-c", "base.yaml", "--config", "prod.json", "-log-level", "debug"})
	require.NoError(t, err)

	assert.Equal(t, []string{"base.yaml", "prod.json"}, cfg.ConfigPaths)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "", cfg.LogFormat)
	assert.Equal(t, ".env", cfg.EnvFile)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
}

func TestParseFlags_EnvironmentFallback(t *testing.T) {
	t.Setenv("DUPLEXBUS_CONFIG", "/etc/duplexbus.yaml")
	t.Setenv("DUPLEXBUS_SHUTDOWN_TIMEOUT", "3s")
	t.Setenv("DUPLEXBUS_VALIDATE", "true")
	t.Setenv("DUPLEXBUS_ENV_FILE", "/run/secrets/duplexbus.env")

	cfg, err := parseFlags(newFlagSet(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"/etc/duplexbus.yaml"}, cfg.ConfigPaths)
	assert.Equal(t, 3*time.Second, cfg.ShutdownTimeout)
	assert.True(t, cfg.Validate)
	assert.Equal(t, "/run/secrets/duplexbus.env", cfg.EnvFile)

	cfg, err = parseFlags(newFlagSet(), []string{"-c", "local.yaml"})
	require.NoError(t, err)
	assert.Equal(t, []string{"local.yaml"}, cfg.ConfigPaths, "flags win over the environment")
}

func TestValidateFlags(t *testing.T) {
	tests := []struct {
		name    string
		cfg     CLIConfig
		wantErr string
	}{
		{"defaults", CLIConfig{ShutdownTimeout: time.Second}, ""},
		{"missing config", CLIConfig{ConfigPaths: []string{"/does/not/exist.yaml"}, ShutdownTimeout: time.Second}, "config file not found"},
		{"bad level", CLIConfig{LogLevel: "verbose", ShutdownTimeout: time.Second}, "invalid log level"},
		{"bad format", CLIConfig{LogFormat: "xml", ShutdownTimeout: time.Second}, "invalid log format"},
		{"zero timeout", CLIConfig{}, "invalid shutdown timeout"},
		{"version skips checks", CLIConfig{ShowVersion: true, LogLevel: "verbose"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateFlags(&tt.cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
