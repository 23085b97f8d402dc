// Package sandbox runs untrusted code in isolation: preparation scripts in a
// goja JavaScript runtime and proving modules in a wazero WASI runtime.
//
// A script instance communicates with its host through exactly one message.
// Anything that stops a script from producing its own message (an uncaught
// exception, an exhausted limit, finishing silently) is turned into an
// {"error": ...} message so the host always hears back.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ScriptHost loads programs into fresh, isolated script instances.
type ScriptHost interface {
	// Load starts program in a new instance. deliver is called at most once,
	// on its own goroutine, with the instance's single message. Messages
	// posted after Close are dropped.
	Load(ctx context.Context, program string, deliver func([]byte)) (Instance, error)
}

// Instance is one running program.
type Instance interface {
	ID() string
	Close() error
}

// Config configures restrictions.
type Config struct {
	// CPUTimeLimit bounds a single program run. Zero disables the limit.
	CPUTimeLimit time.Duration
	// MemoryLimitBytes caps WASI linear memory.
	MemoryLimitBytes int64
	// MaxMessageBytes caps the posted message and WASI output.
	MaxMessageBytes int
	// MaxCallStackSize caps script recursion depth.
	MaxCallStackSize int
	Logger           *slog.Logger
}

// DefaultConfig returns the limits used when none are configured.
func DefaultConfig() Config {
	return Config{
		CPUTimeLimit:     5 * time.Second,
		MemoryLimitBytes: 64 << 20,
		MaxMessageBytes:  OutputMaxBytes,
		MaxCallStackSize: 1024,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = d.MaxMessageBytes
	}
	if c.MaxCallStackSize <= 0 {
		c.MaxCallStackSize = d.MaxCallStackSize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// OutputMaxBytes is the default cap on a posted message or WASI output.
const OutputMaxBytes = 1024 * 1024 // 1MB

// Deterministic error codes for sandbox violations.
const (
	ErrComputeTimeExhausted   = "ERR_COMPUTE_TIME_EXHAUSTED"
	ErrComputeMemoryExhausted = "ERR_COMPUTE_MEMORY_EXHAUSTED"
	ErrComputeOutputExhausted = "ERR_COMPUTE_OUTPUT_EXHAUSTED"
	ErrScriptException        = "ERR_SCRIPT_EXCEPTION"
	ErrScriptSyntax           = "ERR_SCRIPT_SYNTAX"
	ErrNoVerdict              = "ERR_NO_VERDICT"
)

// SandboxError is a deterministic, typed error for sandbox failures.
type SandboxError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *SandboxError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrorEnvelope encodes {"error": "<code>: <message>"}.
func ErrorEnvelope(code, message string) []byte {
	raw, err := json.Marshal(map[string]string{"error": (&SandboxError{Code: code, Message: message}).Error()})
	if err != nil {
		return []byte(`{"error":"` + code + `"}`)
	}
	return raw
}

// isMemoryError checks if the error is a memory limit violation.
func isMemoryError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "memory") &&
		(strings.Contains(msg, "limit") || strings.Contains(msg, "grow") || strings.Contains(msg, "exceeded"))
}
