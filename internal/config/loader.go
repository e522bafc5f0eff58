package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Environment variables consulted when the file leaves a value empty.
const (
	EnvAPIKey   = "DUCTILE_API_KEY"
	EnvEndpoint = "DUCTILE_WSS_URL"
)

// ErrMissingAPIKey is returned when neither the file nor the environment provides an API key.
var ErrMissingAPIKey = errors.New("no API key configured (set host.api_key or " + EnvAPIKey + ")")

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads configPath, expands ${VAR} references, applies environment
// fallbacks, verifies the .checksums sidecar when one exists, and validates.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	if err := VerifyChecksums(absPath); err != nil && !errors.Is(err, ErrNoChecksums) {
		return nil, err
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	return cfg, nil
}

// Parse decodes YAML on top of Defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()

	dec := yaml.NewDecoder(bytes.NewReader([]byte(interpolateEnv(string(data)))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnvFallbacks(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvFallbacks(cfg *Config) {
	if cfg.Host.APIKey == "" {
		cfg.Host.APIKey = os.Getenv(EnvAPIKey)
	}
	if cfg.Host.Endpoint == "" {
		cfg.Host.Endpoint = os.Getenv(EnvEndpoint)
	}
}

func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Left in place so validation can name the missing variable.
		return match
	})
}

func validate(cfg *Config) error {
	if err := checkResolved("host.api_key", cfg.Host.APIKey); err != nil {
		return err
	}
	if cfg.Host.APIKey == "" {
		return ErrMissingAPIKey
	}

	if err := checkResolved("host.endpoint", cfg.Host.Endpoint); err != nil {
		return err
	}
	if cfg.Host.Endpoint == "" {
		return fmt.Errorf("host.endpoint is required (or set %s)", EnvEndpoint)
	}
	u, err := url.Parse(cfg.Host.Endpoint)
	if err != nil {
		return fmt.Errorf("host.endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("host.endpoint must use ws:// or wss:// (got %q)", cfg.Host.Endpoint)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Host.LogLevel] {
		return fmt.Errorf("host.log_level must be one of: debug, info, warn, error (got %q)", cfg.Host.LogLevel)
	}
	if cfg.Host.LogFormat != "json" && cfg.Host.LogFormat != "text" {
		return fmt.Errorf("host.log_format must be json or text (got %q)", cfg.Host.LogFormat)
	}
	if cfg.Host.ShutdownGrace < 0 {
		return fmt.Errorf("host.shutdown_grace must not be negative")
	}

	if cfg.RPC.CallTimeout <= 0 {
		return fmt.Errorf("rpc.call_timeout must be positive")
	}
	if cfg.RPC.RetryInterval < 0 {
		return fmt.Errorf("rpc.retry_interval must not be negative")
	}
	if cfg.RPC.MaxRetries < 0 {
		return fmt.Errorf("rpc.max_retries must not be negative")
	}
	if cfg.RPC.HandshakeTimeout <= 0 {
		return fmt.Errorf("rpc.handshake_timeout must be positive")
	}
	if cfg.RPC.KeepAlive < 0 {
		return fmt.Errorf("rpc.keepalive must not be negative")
	}

	switch {
	case cfg.Workflow.ID == "":
		return fmt.Errorf("workflow.id is required")
	case cfg.Workflow.Name == "":
		return fmt.Errorf("workflow.name is required")
	case cfg.Workflow.Handler == "":
		return fmt.Errorf("workflow.handler is required")
	case cfg.Workflow.Trigger.Type == "" || cfg.Workflow.Trigger.Name == "":
		return fmt.Errorf("workflow.trigger.type and workflow.trigger.name are required")
	case cfg.Workflow.TriggerTTL < 0:
		return fmt.Errorf("workflow.trigger_ttl must not be negative")
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when api is enabled")
		}
		if err := checkResolved("api.token", cfg.API.Token); err != nil {
			return err
		}
	}
	return nil
}

func checkResolved(field, value string) error {
	if m := envVarPattern.FindStringSubmatch(value); m != nil {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, m[1])
	}
	return nil
}
