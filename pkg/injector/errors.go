package injector

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSandboxScript is matched by every *ScriptError.
	ErrSandboxScript = errors.New("sandbox script error")
	// ErrRoundsExhausted is matched when the round limit passed without a
	// ready verdict. It is also a sandbox script error.
	ErrRoundsExhausted = errors.New("preparation rounds exhausted")
	// ErrInvalidVerdict is matched when the sandbox message is malformed.
	ErrInvalidVerdict = errors.New("invalid verdict message")
	// ErrReadyTimeout is matched when no ready verdict arrived in time.
	ErrReadyTimeout = errors.New("manifest not ready before timeout")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("injector already started")
	// ErrClosed is returned when arming a closed injector.
	ErrClosed = errors.New("injector closed")
)

// Error codes carried by ScriptError.
const (
	ErrCodeScriptReported  = "ERR_SCRIPT_REPORTED"
	ErrCodeRoundsExhausted = "ERR_ROUNDS_EXHAUSTED"
	ErrCodeLoadFailed      = "ERR_LOAD_FAILED"
)

// ScriptError reports a failure inside the preparation script or its sandbox.
type ScriptError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrSandboxScript, e.Code, e.Message)
}

func (e *ScriptError) Unwrap() error { return e.Err }

func (e *ScriptError) Is(target error) bool { return target == ErrSandboxScript }

// scriptErrorFromMessage splits "ERR_CODE: message" as produced by the
// sandbox; anything else is attributed to the script itself.
func scriptErrorFromMessage(msg string) *ScriptError {
	if code, rest, ok := strings.Cut(msg, ": "); ok && strings.HasPrefix(code, "ERR_") && !strings.ContainsAny(code, " \n") {
		return &ScriptError{Code: code, Message: rest}
	}
	return &ScriptError{Code: ErrCodeScriptReported, Message: msg}
}
