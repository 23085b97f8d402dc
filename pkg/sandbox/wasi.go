package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// WASIRunner executes one precompiled WebAssembly module under WASI with
// deny-by-default capabilities: input on stdin, result on stdout, no
// filesystem, no network, no environment.
//
// The module is compiled once; every Run instantiates it afresh, so a
// WASIRunner is safe for concurrent use.
type WASIRunner struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	limits   Config
	logger   *slog.Logger
}

// NewWASIRunner compiles wasm and prepares a runtime with the given limits.
func NewWASIRunner(ctx context.Context, wasm []byte, cfg Config) (*WASIRunner, error) {
	cfg = cfg.withDefaults()

	runtimeCfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.MemoryLimitBytes > 0 {
		// wazero measures memory in pages (64KB each)
		pages := uint32(cfg.MemoryLimitBytes / (64 * 1024))
		if pages == 0 {
			pages = 1
		}
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(pages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("wasi: failed to instantiate WASI: %w", err)
	}

	compiled, err := r.CompileModule(ctx, wasm)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("wasi: compilation failed: %w", err)
	}

	return &WASIRunner{
		runtime:  r,
		compiled: compiled,
		limits:   cfg,
		logger:   cfg.Logger.With("component", "wasi"),
	}, nil
}

// Run instantiates the module with input on stdin and returns its stdout.
// Limit violations are reported as *SandboxError.
func (s *WASIRunner) Run(ctx context.Context, input []byte) ([]byte, error) {
	execCtx := ctx
	if s.limits.CPUTimeLimit > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, s.limits.CPUTimeLimit)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	start := time.Now()
	mod, err := s.runtime.InstantiateModule(execCtx, s.compiled, modCfg)
	if mod != nil {
		defer func() { _ = mod.Close(context.Background()) }()
	}
	if err != nil {
		var exitErr *sys.ExitError
		switch {
		case errors.As(err, &exitErr) && exitErr.ExitCode() == 0:
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case execCtx.Err() != nil:
			return nil, &SandboxError{
				Code:    ErrComputeTimeExhausted,
				Message: fmt.Sprintf("WASI execution exceeded time limit (%s)", s.limits.CPUTimeLimit),
			}
		case isMemoryError(err):
			return nil, &SandboxError{
				Code:    ErrComputeMemoryExhausted,
				Message: fmt.Sprintf("WASI execution exceeded memory limit (%d bytes)", s.limits.MemoryLimitBytes),
			}
		default:
			return nil, fmt.Errorf("wasi: execution failed: %w", err)
		}
	}

	totalOutput := stdout.Len() + stderr.Len()
	if totalOutput > s.limits.MaxMessageBytes {
		return nil, &SandboxError{
			Code:    ErrComputeOutputExhausted,
			Message: fmt.Sprintf("output size %d exceeds limit %d", totalOutput, s.limits.MaxMessageBytes),
		}
	}
	if stderr.Len() > 0 {
		s.logger.Warn("module wrote to stderr", "stderr", stderr.String())
	}
	s.logger.Debug("module run complete", "duration", time.Since(start), "stdout_bytes", stdout.Len())
	return stdout.Bytes(), nil
}

// Close shuts down the wazero runtime, freeing all resources.
func (s *WASIRunner) Close(ctx context.Context) error {
	return s.runtime.Close(ctx)
}
