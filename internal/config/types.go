package config

import "time"

// Config is the complete ductile-host configuration.
type Config struct {
	Host     HostConfig     `yaml:"host"`
	RPC      RPCConfig      `yaml:"rpc"`
	Workflow WorkflowConfig `yaml:"workflow"`
	API      APIConfig      `yaml:"api,omitempty"`
}

// HostConfig defines the connection to the orchestration service and process settings.
type HostConfig struct {
	Endpoint      string        `yaml:"endpoint"`
	APIKey        string        `yaml:"api_key"`
	InstanceID    string        `yaml:"instance_id,omitempty"`
	LockPath      string        `yaml:"lock_path,omitempty"`
	LogLevel      string        `yaml:"log_level"`
	LogFormat     string        `yaml:"log_format"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// RPCConfig tunes outbound calls.
type RPCConfig struct {
	CallTimeout      time.Duration `yaml:"call_timeout"`
	RetryInterval    time.Duration `yaml:"retry_interval"`
	MaxRetries       int           `yaml:"max_retries"` // 0 = retry timeouts forever
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	KeepAlive        time.Duration `yaml:"keepalive"`
}

// WorkflowConfig describes the workflow this host registers.
type WorkflowConfig struct {
	ID         string         `yaml:"id"`
	Name       string         `yaml:"name"`
	Handler    string         `yaml:"handler"`
	Trigger    TriggerConfig  `yaml:"trigger"`
	TriggerTTL int            `yaml:"trigger_ttl,omitempty"`
	Options    map[string]any `yaml:"options,omitempty"`
}

// TriggerConfig is what starts the workflow on the service side.
type TriggerConfig struct {
	Type    string `yaml:"type"`
	Name    string `yaml:"name"`
	Service string `yaml:"service,omitempty"`
}

// APIConfig defines the local status API.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Token   string `yaml:"token,omitempty"`
}

// Defaults returns a Config with every optional field set.
func Defaults() *Config {
	return &Config{
		Host: HostConfig{
			LogLevel:      "info",
			LogFormat:     "json",
			ShutdownGrace: 30 * time.Second,
		},
		RPC: RPCConfig{
			CallTimeout:      5 * time.Second,
			RetryInterval:    3 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			KeepAlive:        30 * time.Second,
		},
		Workflow: WorkflowConfig{
			Handler: "echo",
			Trigger: TriggerConfig{Type: "CUSTOM_EVENT"},
		},
		API: APIConfig{
			Listen: "127.0.0.1:8090",
		},
	}
}
