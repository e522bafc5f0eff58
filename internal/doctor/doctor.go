// Package doctor validates a loaded ductile-host configuration beyond what
// parsing checks: handler wiring, filesystem paths, and risky settings.
package doctor

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/ductile-host/internal/config"
	"github.com/mattjoyce/ductile-host/internal/workflows"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

func (i Issue) String() string {
	if i.Field == "" {
		return fmt.Sprintf("[%s] %s", i.Category, i.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", i.Category, i.Field, i.Message)
}

// knownTriggerTypes are the trigger kinds the orchestration service documents.
var knownTriggerTypes = map[string]bool{
	"CUSTOM_EVENT": true,
	"WEBHOOK":      true,
	"SCHEDULE":     true,
}

// Doctor validates configuration against the available workflow handlers.
type Doctor struct {
	cfg      *config.Config
	registry *workflows.Registry
}

// New creates a Doctor from a loaded config and handler registry.
func New(cfg *config.Config, registry *workflows.Registry) *Doctor {
	return &Doctor{cfg: cfg, registry: registry}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateWorkflow(r)
	d.validateLockPath(r)
	d.warnInsecureEndpoint(r)
	d.warnOpenAPI(r)
	d.warnRetrySettings(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateWorkflow checks that the handler exists and accepts its options.
func (d *Doctor) validateWorkflow(r *Result) {
	wf := d.cfg.Workflow
	if _, err := d.registry.Build(wf.Handler, wf.Options); err != nil {
		d.addError(r, "workflow", "workflow.handler", err.Error())
	}
	if !knownTriggerTypes[wf.Trigger.Type] {
		d.addWarning(r, "workflow", "workflow.trigger.type",
			fmt.Sprintf("trigger type %q is not one of CUSTOM_EVENT, WEBHOOK, SCHEDULE", wf.Trigger.Type))
	}
}

// validateLockPath checks that the lock file can be created. Missing
// directories are created on start, so only the nearest existing ancestor matters.
func (d *Doctor) validateLockPath(r *Result) {
	path := d.cfg.Host.LockPath
	if path == "" {
		d.addWarning(r, "host", "host.lock_path", "no lock path set; two hosts may start with the same config")
		return
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		d.addError(r, "host", "host.lock_path", fmt.Sprintf("%s is a directory", path))
		return
	}
	dir := filepath.Dir(path)
	for {
		info, err := os.Stat(dir)
		if err == nil {
			if !info.IsDir() {
				d.addError(r, "host", "host.lock_path", fmt.Sprintf("%s is not a directory", dir))
			}
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}

// warnInsecureEndpoint flags plain ws:// to a remote host, which sends the API key unencrypted.
func (d *Doctor) warnInsecureEndpoint(r *Result) {
	u, err := url.Parse(d.cfg.Host.Endpoint)
	if err != nil {
		return
	}
	if u.Scheme == "ws" && !isLoopback(u.Hostname()) {
		d.addWarning(r, "security", "host.endpoint",
			"ws:// to a non-loopback host sends the API key unencrypted; use wss://")
	}
}

// warnOpenAPI flags an unauthenticated status API reachable from other machines.
func (d *Doctor) warnOpenAPI(r *Result) {
	api := d.cfg.API
	if !api.Enabled || api.Token != "" {
		return
	}
	host, _, err := net.SplitHostPort(api.Listen)
	if err != nil {
		return
	}
	if !isLoopback(host) {
		d.addWarning(r, "security", "api.token",
			fmt.Sprintf("status API on %s has no token", api.Listen))
	}
}

func (d *Doctor) warnRetrySettings(r *Result) {
	rpc := d.cfg.RPC
	if rpc.RetryInterval == 0 && rpc.MaxRetries == 0 {
		d.addWarning(r, "rpc", "rpc.retry_interval",
			"zero retry interval with unlimited retries re-sends timed-out calls without pause")
	}
	if rpc.KeepAlive == 0 {
		d.addWarning(r, "rpc", "rpc.keepalive", "keepalive disabled; a dead connection is noticed only on the next write")
	}
	if d.cfg.Host.ShutdownGrace == 0 {
		d.addWarning(r, "host", "host.shutdown_grace", "in-flight runs are abandoned on shutdown")
	}
}

func isLoopback(host string) bool {
	if host == "" || strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
