// Package config provides configuration loading and validation for JumpTiger.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/jumptiger/jumptiger/internal/tunnelerr"
)

// ErrConfigError re-exports the shared config-error sentinel so callers can
// write config.ErrConfigError without importing tunnelerr directly.
var ErrConfigError = tunnelerr.ErrConfigError

// Config is the complete runtime configuration shared by the client and
// server commands, each of which also starts the monitor surface. Fields map
// directly onto config.json keys.
type Config struct {
	Server     string `json:"server"`
	ServerPort int    `json:"server_port"`
	LocalPort  int    `json:"local_port"`
	Password   string `json:"password"`
	Method     string `json:"method"`
	Timeout    int    `json:"timeout"`

	HTTPPort    int `json:"http_port"`
	MonitorPort int `json:"monitor_port"`

	LogLevel        string `json:"log_level"`
	LogFormat       string `json:"log_format"`
	MaxConnections  int    `json:"max_connections"`
	MonitorAuthHash string `json:"monitor_auth_hash,omitempty"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server:         "127.0.0.1",
		ServerPort:     8388,
		LocalPort:      1080,
		Method:         "aes-256-cfb",
		Timeout:        600,
		HTTPPort:       8087,
		MonitorPort:    8088,
		LogLevel:       "info",
		LogFormat:      "text",
		MaxConnections: 0,
	}
}

// Load reads a config file and parses it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read config file: %v", ErrConfigError, err)
	}
	return Parse(data)
}

// Parse expands environment variable references in data, unmarshals the
// result over the default configuration, and validates it.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := json.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("%w: parse config: %v", ErrConfigError, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR, with an optional ${VAR:-default}.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values,
// leaving unresolved references (no env var, no default) untouched.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName, defaultVal := name[:idx], name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// knownMethods enumerates the cipher methods this build accepts. Only one is
// implemented — the legacy substitution cipher is omitted entirely — but the
// field stays a string so configs are forward-compatible with a future
// method.
var knownMethods = map[string]bool{
	"aes-256-cfb": true,
}

// Validate checks the configuration for errors a process would hit at
// startup rather than mid-tunnel.
func (c *Config) Validate() error {
	var errs []string

	if c.Password == "" {
		errs = append(errs, "password is required")
	}
	if !knownMethods[c.Method] {
		errs = append(errs, fmt.Sprintf("unsupported method %q (supported: aes-256-cfb)", c.Method))
	}
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		errs = append(errs, fmt.Sprintf("invalid server_port: %d", c.ServerPort))
	}
	if c.LocalPort <= 0 || c.LocalPort > 65535 {
		errs = append(errs, fmt.Sprintf("invalid local_port: %d", c.LocalPort))
	}
	if c.Timeout < 0 {
		errs = append(errs, fmt.Sprintf("invalid timeout: %d", c.Timeout))
	}
	if c.MaxConnections < 0 {
		errs = append(errs, fmt.Sprintf("invalid max_connections: %d", c.MaxConnections))
	}
	if !isValidLogLevel(c.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel))
	}
	if !isValidLogFormat(c.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.LogFormat))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrConfigError, strings.Join(errs, "; "))
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch strings.ToLower(format) {
	case "text", "json":
		return true
	default:
		return false
	}
}

const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with the password replaced, safe to
// log at startup.
func (c *Config) Redacted() *Config {
	cp := *c
	if cp.Password != "" {
		cp.Password = redactedValue
	}
	if cp.MonitorAuthHash != "" {
		cp.MonitorAuthHash = redactedValue
	}
	return &cp
}
