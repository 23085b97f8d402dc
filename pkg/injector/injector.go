// Package injector runs one preparation attempt: it evaluates the caller's
// script against each captured session snapshot in a fresh sandbox instance
// until the script reports the manifest ready, then delivers the resolved
// manifest exactly once.
package injector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/webproof/pkg/capture"
	"github.com/Mindburn-Labs/webproof/pkg/manifest"
	"github.com/Mindburn-Labs/webproof/pkg/sandbox"
)

// State is the injector lifecycle state.
type State int

const (
	StateInitializing State = iota
	StateAwaitingVerdict
	StateReArming
	StateCompleted
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateAwaitingVerdict:
		return "awaiting_verdict"
	case StateReArming:
		return "re_arming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateClosed
}

// Option configures an Injector.
type Option func(*Injector)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(in *Injector) { in.logger = l }
}

// WithMaxRounds fails the attempt when n rounds report not-ready. Zero means
// unbounded.
func WithMaxRounds(n int) Option {
	return func(in *Injector) { in.maxRounds = n }
}

// WithReadyTimeout fails the attempt if no ready verdict arrives within d of
// Start. Zero disables the timeout.
func WithReadyTimeout(d time.Duration) Option {
	return func(in *Injector) { in.readyTimeout = d }
}

// OnComplete sets the callback for the resolved manifest.
func OnComplete(fn func(*manifest.ManifestFile)) Option {
	return func(in *Injector) { in.onComplete = fn }
}

// OnError sets the callback for a failed attempt.
func OnError(fn func(error)) Option {
	return func(in *Injector) { in.onError = fn }
}

// Injector drives one attempt. Callbacks never run while its lock is held and
// at most one of them fires, at most once.
type Injector struct {
	host         sandbox.ScriptHost
	manifestJSON []byte
	script       string
	logger       *slog.Logger
	maxRounds    int
	readyTimeout time.Duration
	onComplete   func(*manifest.ManifestFile)
	onError      func(error)

	mu         sync.Mutex
	state      State
	generation uint64
	rounds     int
	instance   sandbox.Instance
	timer      *time.Timer
	fired      bool
	withheld   string
}

// New prepares an injector for m. The manifest is serialized once; later
// changes to m do not affect the attempt.
func New(host sandbox.ScriptHost, m *manifest.ManifestFile, script string, opts ...Option) (*Injector, error) {
	if host == nil {
		return nil, errors.New("injector: script host is required")
	}
	raw, err := manifest.Serialize(m)
	if err != nil {
		return nil, err
	}
	in := &Injector{
		host:         host,
		manifestJSON: raw,
		script:       script,
		state:        StateInitializing,
	}
	for _, opt := range opts {
		opt(in)
	}
	if in.logger == nil {
		in.logger = slog.Default()
	}
	in.logger = in.logger.With("component", "injector", "manifest_id", m.ID)
	return in, nil
}

// State returns the current state.
func (in *Injector) State() State {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

// Rounds returns how many not-ready verdicts were received.
func (in *Injector) Rounds() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.rounds
}

// Start evaluates the script against the first snapshot.
func (in *Injector) Start(ctx context.Context, snap capture.Snapshot) error {
	in.mu.Lock()
	if in.state != StateInitializing {
		st := in.state
		in.mu.Unlock()
		if st == StateClosed {
			return ErrClosed
		}
		return ErrAlreadyStarted
	}
	if in.readyTimeout > 0 {
		in.timer = time.AfterFunc(in.readyTimeout, in.expire)
	}
	in.mu.Unlock()

	return in.arm(ctx, snap)
}

// Reinitialize re-evaluates against a newer snapshot, superseding any
// evaluation in flight. It is a no-op once the attempt has ended, and acts as
// Start before the first evaluation.
func (in *Injector) Reinitialize(ctx context.Context, snap capture.Snapshot) error {
	in.mu.Lock()
	switch {
	case in.state == StateInitializing:
		in.mu.Unlock()
		return in.Start(ctx, snap)
	case in.state.terminal():
		st := in.state
		in.mu.Unlock()
		in.logger.Debug("re-arm ignored", "state", st.String())
		return nil
	}
	in.state = StateReArming
	in.mu.Unlock()

	return in.arm(ctx, snap)
}

func (in *Injector) arm(ctx context.Context, snap capture.Snapshot) error {
	program, err := Program(in.script, in.manifestJSON, snap)
	if err != nil {
		in.fail(0, err)
		return err
	}

	in.mu.Lock()
	if in.state.terminal() {
		in.mu.Unlock()
		return nil
	}
	in.generation++
	gen := in.generation
	prev := in.instance
	in.instance = nil
	in.state = StateAwaitingVerdict
	in.mu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}

	inst, err := in.host.Load(ctx, program, func(msg []byte) { in.handle(gen, msg) })
	if err != nil {
		serr := &ScriptError{Code: ErrCodeLoadFailed, Message: err.Error(), Err: err}
		var se *sandbox.SandboxError
		if errors.As(err, &se) {
			serr.Code = se.Code
			serr.Message = se.Message
		}
		in.fail(gen, serr)
		return serr
	}

	in.mu.Lock()
	if gen != in.generation || in.state.terminal() {
		in.mu.Unlock()
		_ = inst.Close()
		return nil
	}
	in.instance = inst
	in.mu.Unlock()

	in.logger.Debug("evaluation armed", "generation", gen, "instance", inst.ID(), "url", snap.URL)
	return nil
}

func (in *Injector) handle(gen uint64, msg []byte) {
	in.mu.Lock()
	if gen != in.generation || in.state != StateAwaitingVerdict {
		st := in.state
		in.mu.Unlock()
		in.logger.Debug("stale verdict discarded", "generation", gen, "state", st.String())
		return
	}
	in.mu.Unlock()

	v, err := decodeVerdict(msg)
	if err != nil {
		in.fail(gen, fmt.Errorf("%w: %v", ErrInvalidVerdict, err))
		return
	}
	if v.Error != nil {
		in.fail(gen, scriptErrorFromMessage(*v.Error))
		return
	}

	if !*v.IsReady {
		in.mu.Lock()
		if gen != in.generation || in.state != StateAwaitingVerdict {
			in.mu.Unlock()
			return
		}
		in.rounds++
		rounds := in.rounds
		exhausted := in.maxRounds > 0 && rounds >= in.maxRounds
		withheld := v.withheld()
		in.withheld = withheld
		in.mu.Unlock()

		if withheld != "" {
			in.logger.Warn("ready verdict withheld: substitution failed", "round", rounds, "failures", withheld)
		}
		if exhausted {
			msg := fmt.Sprintf("manifest not ready after %d rounds", rounds)
			if withheld != "" {
				msg += ": " + withheld
			}
			in.fail(gen, &ScriptError{
				Code:    ErrCodeRoundsExhausted,
				Message: msg,
				Err:     ErrRoundsExhausted,
			})
			return
		}
		in.logger.Debug("manifest not ready, waiting for next capture", "round", rounds)
		return
	}

	raw, err := v.manifestBytes()
	if err != nil {
		in.fail(gen, fmt.Errorf("%w: %v", ErrInvalidVerdict, err))
		return
	}
	m, err := manifest.Parse(raw)
	if err != nil {
		in.fail(gen, err)
		return
	}
	in.complete(gen, m)
}

// finish moves to a terminal state for generation gen (zero matches any) and
// reports whether the caller won the right to fire the callback.
func (in *Injector) finish(gen uint64, state State) (bool, sandbox.Instance) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.fired || in.state.terminal() || (gen != 0 && gen != in.generation) {
		return false, nil
	}
	in.fired = true
	in.state = state
	if in.timer != nil {
		in.timer.Stop()
	}
	inst := in.instance
	in.instance = nil
	return true, inst
}

func (in *Injector) complete(gen uint64, m *manifest.ManifestFile) {
	won, inst := in.finish(gen, StateCompleted)
	if !won {
		return
	}
	if inst != nil {
		_ = inst.Close()
	}
	in.logger.Info("manifest ready", "generation", gen)
	if in.onComplete != nil {
		in.onComplete(m)
	}
}

func (in *Injector) fail(gen uint64, err error) {
	won, inst := in.finish(gen, StateFailed)
	if !won {
		return
	}
	if inst != nil {
		_ = inst.Close()
	}
	in.logger.Warn("preparation failed", "generation", gen, "error", err)
	if in.onError != nil {
		in.onError(err)
	}
}

func (in *Injector) expire() {
	in.mu.Lock()
	withheld := in.withheld
	in.mu.Unlock()
	if withheld != "" {
		in.fail(0, fmt.Errorf("%w (%s): %s", ErrReadyTimeout, in.readyTimeout, withheld))
		return
	}
	in.fail(0, fmt.Errorf("%w (%s)", ErrReadyTimeout, in.readyTimeout))
}

// Close tears the attempt down. No callback fires afterwards.
func (in *Injector) Close() error {
	in.mu.Lock()
	if !in.state.terminal() {
		in.state = StateClosed
	}
	in.fired = true
	if in.timer != nil {
		in.timer.Stop()
	}
	inst := in.instance
	in.instance = nil
	in.generation++
	in.mu.Unlock()

	if inst != nil {
		return inst.Close()
	}
	return nil
}
