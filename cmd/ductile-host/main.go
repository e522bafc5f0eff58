package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/ductile-host/internal/api"
	"github.com/mattjoyce/ductile-host/internal/config"
	"github.com/mattjoyce/ductile-host/internal/doctor"
	"github.com/mattjoyce/ductile-host/internal/events"
	"github.com/mattjoyce/ductile-host/internal/host"
	"github.com/mattjoyce/ductile-host/internal/lock"
	"github.com/mattjoyce/ductile-host/internal/log"
	"github.com/mattjoyce/ductile-host/internal/metrics"
	"github.com/mattjoyce/ductile-host/internal/protocol"
	"github.com/mattjoyce/ductile-host/internal/tui/watch"
	"github.com/mattjoyce/ductile-host/internal/workflows"
)

const packageName = "ductile-host"

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "start":
		return runStart(args)
	case "watch":
		return runWatch(args)
	case "config":
		return runConfigNoun(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "-h", "--help":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Print(`ductile-host - run a workflow on behalf of the orchestration service

Usage:
  ductile-host <command> [flags]

Commands:
  start             Connect, register the workflow, and serve runs
  watch             Live monitor of a running host (needs api.enabled)
  config check      Validate configuration, integrity, and workflow handler
  config hash       Write BLAKE3 checksums for the configuration file
  version           Show version information
  help              Show this help message

Config discovery:
  --config PATH, else $DUCTILE_HOST_CONFIG, else ./ductile-host.yaml
`)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("DUCTILE_HOST_CONFIG"); env != "" {
		return env
	}
	return "ductile-host.yaml"
}

// buildWorkflow resolves the configured handler into a registrable workflow.
func buildWorkflow(cfg *config.Config) (host.Workflow, error) {
	run, err := workflows.Builtin().Build(cfg.Workflow.Handler, cfg.Workflow.Options)
	if err != nil {
		return host.Workflow{}, err
	}
	return host.Workflow{
		ID:   cfg.Workflow.ID,
		Name: cfg.Workflow.Name,
		Trigger: protocol.TriggerMetadata{
			Type:    cfg.Workflow.Trigger.Type,
			Name:    cfg.Workflow.Trigger.Name,
			Service: cfg.Workflow.Trigger.Service,
		},
		Run: run,
	}, nil
}

func hostConfig(cfg *config.Config) host.Config {
	return host.Config{
		Endpoint:         cfg.Host.Endpoint,
		APIKey:           cfg.Host.APIKey,
		CallTimeout:      cfg.RPC.CallTimeout,
		RetryInterval:    cfg.RPC.RetryInterval,
		MaxRetries:       cfg.RPC.MaxRetries,
		HandshakeTimeout: cfg.RPC.HandshakeTimeout,
		KeepAlive:        cfg.RPC.KeepAlive,
		PackageName:      packageName,
		PackageVersion:   currentVersionInfo().Version,
		TriggerTTL:       cfg.Workflow.TriggerTTL,
	}
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	path := resolveConfigPath(*configPath)

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Host.LogLevel, cfg.Host.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("ductile-host starting", "version", version, "config", path)

	if cfg.Host.LockPath != "" {
		pidLock, err := lock.Acquire(cfg.Host.LockPath)
		if err != nil {
			logger.Error("failed to acquire PID lock (another instance may be running)", "path", cfg.Host.LockPath, "error", err)
			return 1
		}
		defer func() { _ = pidLock.Release() }()
		logger.Info("acquired PID lock", "path", pidLock.Path())
	}

	wf, err := buildWorkflow(cfg)
	if err != nil {
		logger.Error("failed to build workflow", "handler", cfg.Workflow.Handler, "error", err)
		return 1
	}
	for _, issue := range doctor.New(cfg, workflows.Builtin()).Validate().Warnings {
		logger.Warn("config warning", "field", issue.Field, "message", issue.Message)
	}

	m := metrics.New()
	hub := events.NewHub(256)
	h, err := host.New(hostConfig(cfg), wf,
		host.WithLogger(log.WithComponent("host")),
		host.WithEvents(hub),
		host.WithMetrics(m),
	)
	if err != nil {
		logger.Error("invalid host configuration", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	apiCtx, stopAPI := context.WithCancel(context.Background())
	defer stopAPI()
	errCh := make(chan error, 1)
	if cfg.API.Enabled {
		apiServer := api.New(api.Config{Listen: cfg.API.Listen, Token: cfg.API.Token}, h, hub, m.Handler(), log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(apiCtx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("status API enabled", "listen", cfg.API.Listen)
	}

	if err := h.Start(ctx, cfg.Host.InstanceID); err != nil {
		logger.Error("failed to start host", "error", err)
		return 1
	}
	logger.Info("ductile-host running (press Ctrl+C to stop)", "instance_id", h.InstanceID(), "workflow_id", wf.ID)

	code := 0
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case <-h.Done():
		logger.Error("connection to orchestrator ended", "error", h.Err())
		code = 1
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		code = 1
	}

	stopAPI()
	if !drain(h, cfg.Host.ShutdownGrace) {
		logger.Warn("shutdown grace elapsed with runs still in flight", "runs", h.Runs(), "grace", cfg.Host.ShutdownGrace)
	}
	if err := h.Close(); err != nil {
		logger.Warn("close failed", "error", err)
	}

	logger.Info("ductile-host stopped")
	return code
}

// drain stops accepting runs and waits up to grace for the accepted ones to
// report. It reports whether they all did.
func drain(h *host.Host, grace time.Duration) bool {
	done := make(chan struct{})
	go func() {
		h.Drain()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	configPath := fs.String("config", "", "Read api.listen and api.token from this configuration file")
	apiURL := fs.String("api-url", "", "Status API URL (default: http://127.0.0.1:8090)")
	token := fs.String("token", os.Getenv("DUCTILE_API_TOKEN"), "Status API bearer token")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	url, tok := *apiURL, *token
	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			return 1
		}
		if url == "" {
			url = "http://" + cfg.API.Listen
		}
		if tok == "" {
			tok = cfg.API.Token
		}
	}
	if url == "" {
		url = "http://" + config.Defaults().API.Listen
	}

	if err := watch.Run(url, tok); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

func runConfigNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		printConfigNounHelp()
		return 1
	}
	switch args[0] {
	case "check":
		return runConfigCheck(args[1:])
	case "hash":
		return runConfigHash(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", args[0])
		printConfigNounHelp()
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "-h" || token == "--help"
}

func printConfigNounHelp() {
	fmt.Fprintln(os.Stderr, "Usage: ductile-host config <check|hash> [--config PATH]")
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("config check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output the check result as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	path := resolveConfigPath(*configPath)

	cfg, err := config.Load(path)
	if err != nil {
		if *jsonOut {
			printJSON(doctor.Result{Errors: []doctor.Issue{{Category: "config", Message: err.Error()}}})
		} else {
			fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
		}
		return 1
	}

	result := doctor.New(cfg, workflows.Builtin()).Validate()
	if *jsonOut {
		printJSON(result)
	} else {
		for _, issue := range result.Errors {
			fmt.Fprintf(os.Stderr, "ERROR   %s\n", issue)
		}
		for _, issue := range result.Warnings {
			fmt.Fprintf(os.Stderr, "WARNING %s\n", issue)
		}
		if result.Valid {
			fmt.Printf("Configuration valid: %s\n", path)
			fmt.Printf("  workflow: %s (handler %s)\n", cfg.Workflow.ID, cfg.Workflow.Handler)
			fmt.Printf("  endpoint: %s\n", cfg.Host.Endpoint)
		} else {
			fmt.Fprintf(os.Stderr, "Configuration invalid: %d error(s)\n", len(result.Errors))
		}
	}

	if !result.Valid {
		return 1
	}
	return 0
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

func runConfigHash(args []string) int {
	fs := flag.NewFlagSet("config hash", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	dryRun := fs.Bool("dry-run", false, "Print the hash without writing the checksum file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	path := resolveConfigPath(*configPath)

	if *dryRun {
		hash, err := config.ComputeBlake3Hash(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to hash config: %v\n", err)
			return 1
		}
		fmt.Printf("%s  %s\n", hash, path)
		return 0
	}

	manifest, err := config.WriteChecksums(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write checksums: %v\n", err)
		return 1
	}
	for name, hash := range manifest.Hashes {
		fmt.Printf("%s  %s\n", hash, name)
	}
	fmt.Printf("Checksums written to %s\n", config.ChecksumPath(path))
	return 0
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: ductile-host version [--json]")
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("%s %s\n", packageName, info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = readBuildSetting("vcs.revision")
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = readBuildSetting("vcs.time")
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return strings.TrimSpace(setting.Value)
		}
	}
	return ""
}
