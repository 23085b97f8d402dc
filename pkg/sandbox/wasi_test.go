package sandbox_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/webproof/pkg/sandbox"
)

// emptyStart is a module exporting a _start that returns immediately.
var emptyStart = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, // magic, version
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00, // type: () -> ()
	0x03, 0x02, 0x01, 0x00, // func 0 has type 0
	0x07, 0x0a, 0x01, 0x06, '_', 's', 't', 'a', 'r', 't', 0x00, 0x00, // export "_start"
	0x0a, 0x04, 0x01, 0x02, 0x00, 0x0b, // body: end
}

// spinStart is a module whose _start never returns.
var spinStart = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x0a, 0x01, 0x06, '_', 's', 't', 'a', 'r', 't', 0x00, 0x00,
	0x0a, 0x09, 0x01, 0x07, 0x00, 0x03, 0x40, 0x0c, 0x00, 0x0b, 0x0b, // loop { br 0 }
}

func TestWASIRunner_Runs(t *testing.T) {
	ctx := context.Background()
	r, err := sandbox.NewWASIRunner(ctx, emptyStart, sandbox.DefaultConfig())
	require.NoError(t, err)
	defer func() { _ = r.Close(ctx) }()

	out, err := r.Run(ctx, []byte(`{"mode":"TEE"}`))
	require.NoError(t, err)
	assert.Empty(t, out)

	// Instances are anonymous, so the module can run again.
	_, err = r.Run(ctx, nil)
	require.NoError(t, err)
}

func TestWASIRunner_TimeLimit(t *testing.T) {
	ctx := context.Background()
	cfg := sandbox.DefaultConfig()
	cfg.CPUTimeLimit = 50 * time.Millisecond
	r, err := sandbox.NewWASIRunner(ctx, spinStart, cfg)
	require.NoError(t, err)
	defer func() { _ = r.Close(ctx) }()

	_, err = r.Run(ctx, nil)
	var se *sandbox.SandboxError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, sandbox.ErrComputeTimeExhausted, se.Code)
}

func TestWASIRunner_InvalidModule(t *testing.T) {
	_, err := sandbox.NewWASIRunner(context.Background(), []byte("not wasm"), sandbox.DefaultConfig())
	assert.Error(t, err)
}

func TestErrorEnvelope(t *testing.T) {
	assert.JSONEq(t, `{"error":"ERR_NO_VERDICT: silent \"script\""}`,
		string(sandbox.ErrorEnvelope(sandbox.ErrNoVerdict, `silent "script"`)))
}
