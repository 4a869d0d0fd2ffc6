// beapguard is the operator CLI for the boundary core: tool registry
// inspection, audit chain verification, package evaluation against the
// configured posture profile, and sandboxed reconstruction runs.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/wrguard/beapcore/pkg/audit"
	"github.com/wrguard/beapcore/pkg/config"
	"github.com/wrguard/beapcore/pkg/contracts"
	"github.com/wrguard/beapcore/pkg/evaluation"
	"github.com/wrguard/beapcore/pkg/kvstore"
	"github.com/wrguard/beapcore/pkg/observability"
	"github.com/wrguard/beapcore/pkg/policy"
	"github.com/wrguard/beapcore/pkg/reconstruction"
	"github.com/wrguard/beapcore/pkg/toolregistry"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands; split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return 2
	}
	if args[1] == "help" || args[1] == "-h" || args[1] == "--help" {
		usage(stdout)
		return 0
	}

	ctx := context.Background()
	cfg := config.Load()

	slog.SetDefault(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	})))

	telemetry, err := initTelemetry(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "telemetry init: %v\n", err)
		return 1
	}
	defer func() { _ = telemetry.Shutdown(ctx) }()

	switch args[1] {
	case "doctor":
		return runDoctor(ctx, cfg, stdout, stderr)
	case "verify":
		return runVerify(ctx, cfg, args[2:], stdout, stderr)
	case "evaluate":
		return runEvaluate(ctx, cfg, args[2:], stdout, stderr)
	case "reconstruct":
		return runReconstruct(ctx, cfg, args[2:], stdout, stderr)
	case "tools":
		return runTools(ctx, cfg, args[2:], stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n", args[1])
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	_, _ = fmt.Fprintln(w, strings.TrimSpace(`
Usage: beapguard <command>

Commands:
  doctor              print tool registry diagnostics
  verify -m <id>      verify the audit chain for a message
  evaluate -f <file>  evaluate a message file against the posture profile
  reconstruct -f <file>  run sandboxed reconstruction for a request file
  tools register      register an installed tool
  tools list          list registered tools
`))
}

func logLevel(name string) slog.Level {
	switch strings.ToUpper(name) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// initTelemetry builds the OTel provider from config. Export stays off
// unless an OTLP endpoint is configured.
func initTelemetry(ctx context.Context, cfg *config.Config) (*observability.Provider, error) {
	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceName = "beapguard"
	obsCfg.Environment = cfg.Environment
	obsCfg.Insecure = true
	if cfg.OTLPEndpoint != "" {
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
		obsCfg.Enabled = true
	}
	return observability.New(ctx, obsCfg)
}

func openStore(cfg *config.Config) (kvstore.Store, func(), error) {
	if cfg.StorePath == "" {
		return kvstore.NewMemoryStore(), func() {}, nil
	}
	s, err := kvstore.OpenSQLiteStore(cfg.StorePath)
	if err != nil {
		return nil, nil, err
	}
	return s, func() { _ = s.Close() }, nil
}

func loadRegistry(ctx context.Context, cfg *config.Config, stderr io.Writer) (*toolregistry.Registry, func(), bool) {
	store, closeStore, err := openStore(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "open store: %v\n", err)
		return nil, nil, false
	}
	registry := toolregistry.NewRegistry(store)
	if err := registry.Load(ctx); err != nil {
		closeStore()
		_, _ = fmt.Fprintf(stderr, "load registry: %v\n", err)
		return nil, nil, false
	}
	return registry, closeStore, true
}

func runDoctor(ctx context.Context, cfg *config.Config, stdout, stderr io.Writer) int {
	registry, closeStore, ok := loadRegistry(ctx, cfg, stderr)
	if !ok {
		return 1
	}
	defer closeStore()

	report := registry.GenerateDiagnosticReport()
	out, _ := json.MarshalIndent(report, "", "  ")
	_, _ = fmt.Fprintln(stdout, string(out))
	if !report.Ready {
		return 1
	}
	return 0
}

func runVerify(ctx context.Context, cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	messageID := fs.String("m", "", "message id to verify")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *messageID == "" {
		_, _ = fmt.Fprintln(stderr, "verify: -m <message-id> is required")
		return 2
	}

	store, closeStore, err := openStore(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "open store: %v\n", err)
		return 1
	}
	defer closeStore()

	ledger := audit.NewLedger(store)
	ok, err := ledger.VerifyChainIntegrity(ctx, *messageID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "verification failed: %v\n", err)
		return 1
	}
	if !ok {
		_, _ = fmt.Fprintf(stdout, "chain for %s: BROKEN\n", *messageID)
		return 1
	}

	chain, err := ledger.GetChain(ctx, *messageID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "read chain: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "chain for %s: OK (%d events, head %s)\n",
		*messageID, chain.EventCount, chain.HeadHash)
	return 0
}

// runEvaluate admits or rejects a message file using the posture
// profile named by the configuration.
func runEvaluate(ctx context.Context, cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("evaluate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	file := fs.String("f", "", "path to a message JSON file")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *file == "" {
		_, _ = fmt.Fprintln(stderr, "evaluate: -f <message.json> is required")
		return 2
	}

	profile, err := policy.LoadProfile(cfg.ProfilesDir, cfg.PolicyProfile)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "load posture profile: %v\n", err)
		return 1
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "read message: %v\n", err)
		return 1
	}
	var msg contracts.IncomingMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		_, _ = fmt.Fprintf(stderr, "decode message: %v\n", err)
		return 1
	}

	result := evaluation.NewPipeline(profile.Static()).Evaluate(ctx, &msg)
	out, _ := json.MarshalIndent(result, "", "  ")
	_, _ = fmt.Fprintln(stdout, string(out))
	if !result.Passed {
		return 1
	}
	return 0
}

// runReconstruct executes a reconstruction request file inside the
// WASI sandbox, bounded by the configured timeout and memory ceiling.
func runReconstruct(ctx context.Context, cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("reconstruct", flag.ContinueOnError)
	fs.SetOutput(stderr)
	file := fs.String("f", "", "path to a reconstruction request JSON file")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *file == "" {
		_, _ = fmt.Fprintln(stderr, "reconstruct: -f <request.json> is required")
		return 2
	}

	registry, closeStore, ok := loadRegistry(ctx, cfg, stderr)
	if !ok {
		return 1
	}
	defer closeStore()

	runnerConfig := reconstruction.DefaultRunnerConfig()
	runnerConfig.Timeout = cfg.ToolTimeout
	runnerConfig.MemoryLimitBytes = cfg.ToolMemoryLimitBytes
	runner, err := reconstruction.NewWasiRunner(ctx, runnerConfig)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "init sandbox: %v\n", err)
		return 1
	}
	defer func() { _ = runner.Close(ctx) }()

	data, err := os.ReadFile(*file)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "read request: %v\n", err)
		return 1
	}
	var req contracts.ReconstructionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		_, _ = fmt.Fprintf(stderr, "decode request: %v\n", err)
		return 1
	}

	result, err := reconstruction.NewPipeline(registry, runner).Run(ctx, &req)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "reconstruct: %v\n", err)
		return 1
	}
	out, _ := json.MarshalIndent(result, "", "  ")
	_, _ = fmt.Fprintln(stdout, string(out))
	return 0
}

func runTools(ctx context.Context, cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: beapguard tools <register|list>")
		return 2
	}

	registry, closeStore, ok := loadRegistry(ctx, cfg, stderr)
	if !ok {
		return 1
	}
	defer closeStore()

	switch args[0] {
	case "register":
		fs := flag.NewFlagSet("tools register", flag.ContinueOnError)
		fs.SetOutput(stderr)
		id := fs.String("id", "", "tool id")
		version := fs.String("version", "", "tool version (semver)")
		hash := fs.String("hash", "", "tool binary sha256")
		path := fs.String("path", "", "install path of the tool binary")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		if err := registry.RegisterTool(ctx, *id, *version, *hash, *path); err != nil {
			_, _ = fmt.Fprintf(stderr, "register: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "registered %s %s\n", *id, *version)
		return 0
	case "list":
		out, _ := json.MarshalIndent(registry.ListTools(), "", "  ")
		_, _ = fmt.Fprintln(stdout, string(out))
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "unknown tools command %q\n", args[0])
		return 2
	}
}
