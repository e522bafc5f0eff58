package doctor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/ductile-host/internal/config"
	"github.com/mattjoyce/ductile-host/internal/workflows"
)

func validConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Host.Endpoint = "wss://orchestrator.example.com/ws"
	cfg.Host.APIKey = "secret"
	cfg.Host.LockPath = filepath.Join(t.TempDir(), "host.lock")
	cfg.Workflow.ID = "wf1"
	cfg.Workflow.Name = "demo"
	cfg.Workflow.Handler = "double"
	cfg.Workflow.Trigger.Name = "user.created"
	return cfg
}

func hasIssue(issues []Issue, field string) bool {
	for _, i := range issues {
		if i.Field == field {
			return true
		}
	}
	return false
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()
	r := New(validConfig(t), workflows.Builtin()).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	if len(r.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", r.Warnings)
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(cfg *config.Config)
		field  string
	}{
		{
			name:   "unknown handler",
			mutate: func(cfg *config.Config) { cfg.Workflow.Handler = "triple" },
			field:  "workflow.handler",
		},
		{
			name: "bad handler options",
			mutate: func(cfg *config.Config) {
				cfg.Workflow.Handler = "emit"
				cfg.Workflow.Options = map[string]any{}
			},
			field: "workflow.handler",
		},
		{
			name:   "lock path is a directory",
			mutate: func(cfg *config.Config) { cfg.Host.LockPath = t.TempDir() },
			field:  "host.lock_path",
		},
		{
			name: "lock parent is a file",
			mutate: func(cfg *config.Config) {
				file := filepath.Join(t.TempDir(), "plain")
				if err := os.WriteFile(file, nil, 0o600); err != nil {
					t.Fatal(err)
				}
				cfg.Host.LockPath = filepath.Join(file, "sub", "host.lock")
			},
			field: "host.lock_path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			r := New(cfg, workflows.Builtin()).Validate()
			if r.Valid {
				t.Fatal("expected invalid")
			}
			if !hasIssue(r.Errors, tt.field) {
				t.Fatalf("expected error on %s, got %v", tt.field, r.Errors)
			}
		})
	}
}

func TestValidate_Warnings(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(cfg *config.Config)
		field  string
	}{
		{
			name:   "plain ws to remote host",
			mutate: func(cfg *config.Config) { cfg.Host.Endpoint = "ws://orchestrator.example.com/ws" },
			field:  "host.endpoint",
		},
		{
			name: "open status API",
			mutate: func(cfg *config.Config) {
				cfg.API.Enabled = true
				cfg.API.Listen = "0.0.0.0:8090"
			},
			field: "api.token",
		},
		{
			name:   "unknown trigger type",
			mutate: func(cfg *config.Config) { cfg.Workflow.Trigger.Type = "CRON" },
			field:  "workflow.trigger.type",
		},
		{
			name:   "no lock path",
			mutate: func(cfg *config.Config) { cfg.Host.LockPath = "" },
			field:  "host.lock_path",
		},
		{
			name: "tight retry loop",
			mutate: func(cfg *config.Config) {
				cfg.RPC.RetryInterval = 0
				cfg.RPC.MaxRetries = 0
			},
			field: "rpc.retry_interval",
		},
		{
			name:   "keepalive off",
			mutate: func(cfg *config.Config) { cfg.RPC.KeepAlive = 0 },
			field:  "rpc.keepalive",
		},
		{
			name:   "no shutdown grace",
			mutate: func(cfg *config.Config) { cfg.Host.ShutdownGrace = 0 },
			field:  "host.shutdown_grace",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			r := New(cfg, workflows.Builtin()).Validate()
			if !r.Valid {
				t.Fatalf("warnings must not invalidate: %v", r.Errors)
			}
			if !hasIssue(r.Warnings, tt.field) {
				t.Fatalf("expected warning on %s, got %v", tt.field, r.Warnings)
			}
		})
	}
}

func TestLoopbackAPIWithoutTokenIsFine(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.API.Enabled = true
	cfg.API.Listen = "127.0.0.1:8090"
	cfg.Host.Endpoint = "ws://localhost:8081/ws"

	r := New(cfg, workflows.Builtin()).Validate()
	if len(r.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", r.Warnings)
	}
}

func TestIssueString(t *testing.T) {
	t.Parallel()
	got := Issue{Category: "rpc", Field: "rpc.keepalive", Message: "off"}.String()
	if !strings.Contains(got, "[rpc] rpc.keepalive: off") {
		t.Fatalf("String() = %q", got)
	}
}
