package prover

import (
	"context"
	"fmt"
	"os"

	"github.com/Mindburn-Labs/webproof/pkg/sandbox"
)

// WASMEngine runs a WASI proving module: config on stdin, result on stdout.
// It is safe for concurrent use.
type WASMEngine struct {
	runner *sandbox.WASIRunner
}

// NewWASMEngine compiles module under the given limits.
func NewWASMEngine(ctx context.Context, module []byte, cfg sandbox.Config) (*WASMEngine, error) {
	runner, err := sandbox.NewWASIRunner(ctx, module, cfg)
	if err != nil {
		return nil, fmt.Errorf("wasm engine: %w", err)
	}
	return &WASMEngine{runner: runner}, nil
}

// LoadWASMEngine reads and compiles the module at path.
func LoadWASMEngine(ctx context.Context, path string, cfg sandbox.Config) (*WASMEngine, error) {
	module, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("wasm engine: read module: %w", err)
	}
	return NewWASMEngine(ctx, module, cfg)
}

// Invoke runs the module once. Limit violations surface as *sandbox.SandboxError.
func (e *WASMEngine) Invoke(ctx context.Context, config []byte) ([]byte, error) {
	return e.runner.Run(ctx, config)
}

// Close releases the runtime.
func (e *WASMEngine) Close(ctx context.Context) error {
	return e.runner.Close(ctx)
}
