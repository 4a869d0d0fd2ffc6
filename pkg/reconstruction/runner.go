package reconstruction

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/wrguard/beapcore/pkg/contracts"
)

// Runner executes a registered tool in isolation. Implementations must
// enforce the configured wall-clock timeout and memory ceiling; a
// violated limit surfaces as a typed RunError, never a silent pass.
type Runner interface {
	Run(ctx context.Context, tool *contracts.BundledTool, input []byte) ([]byte, error)
	Close(ctx context.Context) error
}

// RunnerConfig bounds a tool execution.
type RunnerConfig struct {
	Timeout          time.Duration
	MemoryLimitBytes int64
	OutputMaxBytes   int
}

// DefaultRunnerConfig mirrors the boundary defaults: 30s wall clock,
// 256MB memory, 16MB output.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Timeout:          30 * time.Second,
		MemoryLimitBytes: 256 << 20,
		OutputMaxBytes:   16 << 20,
	}
}

// Deterministic error codes for tool execution failures.
const (
	ErrToolTimeout         = "ERR_TOOL_TIMEOUT"
	ErrToolMemoryExhausted = "ERR_TOOL_MEMORY_EXHAUSTED"
	ErrToolOutputExhausted = "ERR_TOOL_OUTPUT_EXHAUSTED"
	ErrToolFailed          = "ERR_TOOL_FAILED"
)

// RunError is a typed, deterministic tool execution failure.
type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsTimeout reports whether err is a tool timeout, which callers must
// record distinctly from a generic tool error.
func IsTimeout(err error) bool {
	re, ok := err.(*RunError)
	return ok && re.Code == ErrToolTimeout
}

// WasiRunner confines tool execution inside a WebAssembly (wazero)
// runtime: no filesystem, no network, bounded memory, and a hard
// deadline that interrupts execution mid-flight.
type WasiRunner struct {
	runtime wazero.Runtime
	config  RunnerConfig
}

// NewWasiRunner creates a sandboxed runner.
func NewWasiRunner(ctx context.Context, config RunnerConfig) (*WasiRunner, error) {
	rConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if config.MemoryLimitBytes > 0 {
		pages := uint32(config.MemoryLimitBytes / 65536) // 64KB per page
		if pages == 0 {
			pages = 1
		}
		rConfig = rConfig.WithMemoryLimitPages(pages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, rConfig)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("reconstruction: instantiate WASI: %w", err)
	}
	return &WasiRunner{runtime: r, config: config}, nil
}

func (r *WasiRunner) Run(ctx context.Context, tool *contracts.BundledTool, input []byte) ([]byte, error) {
	wasmBytes, err := os.ReadFile(tool.InstallPath)
	if err != nil {
		return nil, &RunError{Code: ErrToolFailed,
			Message: fmt.Sprintf("load tool %s binary: %v", tool.ID, err)}
	}

	execCtx := ctx
	if r.config.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	moduleConfig := wazero.NewModuleConfig().
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithName(tool.ID)

	// No filesystem, no network (WASI deny-by-default).

	compiled, err := r.runtime.CompileModule(execCtx, wasmBytes)
	if err != nil {
		return nil, &RunError{Code: ErrToolFailed,
			Message: fmt.Sprintf("compile tool %s: %v", tool.ID, err)}
	}
	defer func() { _ = compiled.Close(execCtx) }()

	mod, err := r.runtime.InstantiateModule(execCtx, compiled, moduleConfig)
	if err != nil {
		if execCtx.Err() != nil {
			return nil, &RunError{Code: ErrToolTimeout,
				Message: fmt.Sprintf("tool %s exceeded time limit (%s)", tool.ID, r.config.Timeout)}
		}
		if isMemoryError(err) {
			return nil, &RunError{Code: ErrToolMemoryExhausted,
				Message: fmt.Sprintf("tool %s exceeded memory limit (%d bytes)", tool.ID, r.config.MemoryLimitBytes)}
		}
		return nil, &RunError{Code: ErrToolFailed,
			Message: fmt.Sprintf("tool %s failed: %v (stderr: %s)", tool.ID, err, stderr.String())}
	}
	defer func() { _ = mod.Close(execCtx) }()

	if r.config.OutputMaxBytes > 0 && stdout.Len()+stderr.Len() > r.config.OutputMaxBytes {
		return nil, &RunError{Code: ErrToolOutputExhausted,
			Message: fmt.Sprintf("tool %s output %d exceeds limit %d", tool.ID, stdout.Len()+stderr.Len(), r.config.OutputMaxBytes)}
	}

	return stdout.Bytes(), nil
}

func (r *WasiRunner) Close(ctx context.Context) error {
	return r.runtime.Close(ctx)
}

func isMemoryError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "memory") &&
		(strings.Contains(msg, "limit") || strings.Contains(msg, "grow") || strings.Contains(msg, "exceeded"))
}

// StubRunner executes a Go function in place of a real tool. Test and
// developer seam only; it still honors the context deadline.
type StubRunner struct {
	Fn func(tool *contracts.BundledTool, input []byte) ([]byte, error)
}

func (s *StubRunner) Run(ctx context.Context, tool *contracts.BundledTool, input []byte) ([]byte, error) {
	type outcome struct {
		out []byte
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := s.Fn(tool, input)
		done <- outcome{out, err}
	}()
	select {
	case o := <-done:
		return o.out, o.err
	case <-ctx.Done():
		return nil, &RunError{Code: ErrToolTimeout,
			Message: fmt.Sprintf("tool %s exceeded time limit", tool.ID)}
	}
}

func (s *StubRunner) Close(ctx context.Context) error { return nil }
