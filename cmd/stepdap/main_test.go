package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagsOverrideFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stepdap.toml")
	require.NoError(t, os.WriteFile(path, []byte("port = 4711\nlog_level = \"debug\"\nkeep_alive = true\n"), 0o644))
	t.Setenv("STEPDAP_HOST", "0.0.0.0")

	opts, err := parseFlags([]string{"--config", path, "--port", "5005"}, &bytes.Buffer{})
	require.NoError(t, err)
	cfg, err := opts.loadConfig()
	require.NoError(t, err)

	assert.Equal(t, 5005, cfg.Port, "flag wins over file")
	assert.Equal(t, "0.0.0.0", cfg.Host, "env wins over default flag value")
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.KeepAlive)
}

func TestFlagValidation(t *testing.T) {
	opts, err := parseFlags([]string{"--config", filepath.Join(t.TempDir(), "none.toml"), "--port", "70000"}, &bytes.Buffer{})
	require.NoError(t, err)
	_, err = opts.loadConfig()
	assert.Error(t, err)
}

func TestRunVersion(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 0, run([]string{"--version"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "stepdap dev")
}

func TestRunBadFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 2, run([]string{"--no-such-flag"}, &stdout, &stderr))
	assert.NotEmpty(t, stderr.String())
}
