package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stepdap.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 0, cfg.Port)
	assert.Equal(t, DefaultPortFile, cfg.PortFile)
	assert.False(t, cfg.KeepAlive)
	assert.Equal(t, "127.0.0.1:0", cfg.Addr())
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Host)
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
host = "0.0.0.0"
port = 4711
keep_alive = true
watch_sources = true
log_level = "debug"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 4711, cfg.Port)
	assert.True(t, cfg.KeepAlive)
	assert.True(t, cfg.WatchSources)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, DefaultPortFile, cfg.PortFile)
}

func TestLoadUnknownKey(t *testing.T) {
	path := writeFile(t, "hots = \"x\"\n")
	_, err := Load(path)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, path, perr.Path)
}

func TestLoadSyntaxErrorPosition(t *testing.T) {
	path := writeFile(t, "host = \"a\"\nport = = 3\n")
	_, err := Load(path)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 2, perr.Line)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "port = 4711\nkeep_alive = false\n")
	t.Setenv("STEPDAP_PORT", "5000")
	t.Setenv("STEPDAP_KEEP_ALIVE", "yes")
	t.Setenv("STEPDAP_PORT_FILE", "/tmp/port.txt")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5000, cfg.Port)
	assert.True(t, cfg.KeepAlive)
	assert.Equal(t, "/tmp/port.txt", cfg.PortFile)
}

func TestApplyEnvErrors(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(envMap(map[string]string{"STEPDAP_PORT": "many"}))
	var eerr *EnvError
	require.ErrorAs(t, err, &eerr)
	assert.Equal(t, "STEPDAP_PORT", eerr.Name)

	err = cfg.ApplyEnv(envMap(map[string]string{"STEPDAP_WATCH_SOURCES": "maybe"}))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		key    string
	}{
		{"port range", func(c *Config) { c.Port = 70000 }, "port"},
		{"half tls", func(c *Config) { c.TLSCert = "cert.pem" }, "tls_cert"},
		{"format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			var verr *ValidationError
			require.ErrorAs(t, cfg.Validate(), &verr)
			assert.Equal(t, tt.key, verr.Key)
		})
	}

	cfg := Default()
	cfg.TLSCert, cfg.TLSKey = "c", "k"
	assert.NoError(t, cfg.Validate())
	assert.True(t, cfg.TLSEnabled())
}
