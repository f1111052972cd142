// Package config loads the debug server configuration.
//
// Values are layered: built-in defaults, then an optional TOML file, then
// STEPDAP_* environment variables. Command-line flags are applied last by
// the caller.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "STEPDAP_"

// DefaultPortFile is where the bound port is written unless configured.
const DefaultPortFile = "target/debug-port.txt"

// Config holds the server settings.
type Config struct {
	Host string `toml:"host"`
	// Port 0 asks the OS for an ephemeral port.
	Port     int    `toml:"port"`
	PortFile string `toml:"port_file"`
	// KeepAlive keeps the listener open after a client disconnects.
	KeepAlive    bool   `toml:"keep_alive"`
	WatchSources bool   `toml:"watch_sources"`
	LogLevel     string `toml:"log_level"`
	LogFormat    string `toml:"log_format"`
	TLSCert      string `toml:"tls_cert"`
	TLSKey       string `toml:"tls_key"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Host:      "127.0.0.1",
		PortFile:  DefaultPortFile,
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load returns the defaults overlaid with the file at path (if any) and the
// process environment. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("reading config file %s: %w", path, err)
		default:
			if err := cfg.decode(path, data); err != nil {
				return cfg, err
			}
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) decode(path string, data []byte) error {
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(c); err != nil {
		perr := &ParseError{Path: path, Message: err.Error(), Err: err}
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			perr.Line, perr.Column = derr.Position()
		}
		return perr
	}
	return nil
}

// ApplyEnv overrides fields from STEPDAP_<KEY> variables, where KEY is the
// upper-cased TOML key (STEPDAP_PORT_FILE, STEPDAP_KEEP_ALIVE, ...).
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"HOST":       &c.Host,
		"PORT_FILE":  &c.PortFile,
		"LOG_LEVEL":  &c.LogLevel,
		"LOG_FORMAT": &c.LogFormat,
		"TLS_CERT":   &c.TLSCert,
		"TLS_KEY":    &c.TLSKey,
	}
	for key, dst := range strs {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}

	bools := map[string]*bool{
		"KEEP_ALIVE":    &c.KeepAlive,
		"WATCH_SOURCES": &c.WatchSources,
	}
	for key, dst := range bools {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			continue
		}
		b, err := parseBool(v)
		if err != nil {
			return &EnvError{Name: EnvPrefix + key, Value: v, Err: err}
		}
		*dst = b
	}

	if v, ok := lookup(EnvPrefix + "PORT"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return &EnvError{Name: EnvPrefix + "PORT", Value: v, Err: err}
		}
		c.Port = n
	}
	return nil
}

// parseBool accepts the spellings people put in environments.
func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off", "":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean: %q", s)
}

// Validate checks field ranges and combinations.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return &ValidationError{Key: "port", Value: c.Port, Message: "must be between 0 and 65535"}
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return &ValidationError{Key: "tls_cert", Value: c.TLSCert, Message: "tls_cert and tls_key must be set together"}
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		return &ValidationError{Key: "log_format", Value: c.LogFormat, Message: "must be text or json"}
	}
	return nil
}

// Addr returns host:port for net.Listen.
func (c *Config) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// TLSEnabled reports whether a certificate pair is configured.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}
