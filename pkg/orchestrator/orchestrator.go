// Package orchestrator coordinates one preparation attempt: it presents the
// capture surface, feeds every captured snapshot to an injector and reports
// the resolved manifest through a single completion callback.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/webproof/pkg/builder"
	"github.com/Mindburn-Labs/webproof/pkg/capture"
	"github.com/Mindburn-Labs/webproof/pkg/injector"
	"github.com/Mindburn-Labs/webproof/pkg/manifest"
	"github.com/Mindburn-Labs/webproof/pkg/sandbox"
)

var (
	// ErrManifestRequired is returned by Start when no manifest is attached.
	ErrManifestRequired = errors.New("manifest required")
	// ErrNoHostSurface is returned by Start without a capture surface or script host.
	ErrNoHostSurface = errors.New("no host surface")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("orchestrator already started")
	// ErrPreparationRequired is returned by Start when the manifest has
	// placeholders but no preparation script is attached.
	ErrPreparationRequired = errors.New("manifest has unresolved placeholders and no preparation script")
	// ErrCanceled is delivered when the surface closes or the attempt is canceled.
	ErrCanceled = errors.New("preparation canceled")
)

const instrumentationName = "github.com/Mindburn-Labs/webproof/pkg/orchestrator"

var (
	tracer   = otel.Tracer(instrumentationName)
	attempts metric.Int64Counter
	duration metric.Float64Histogram
)

func init() {
	meter := otel.Meter(instrumentationName)
	attempts, _ = meter.Int64Counter("webproof.attempts.total",
		metric.WithDescription("Preparation attempts by outcome"),
		metric.WithUnit("{attempt}"),
	)
	duration, _ = meter.Float64Histogram("webproof.attempt.duration",
		metric.WithDescription("Preparation attempt duration in seconds"),
		metric.WithUnit("s"),
	)
}

// DoneFunc receives the outcome of an attempt: a resolved manifest or an error.
type DoneFunc func(*manifest.ManifestFile, error)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithInjectorOptions passes options to the injector created for the attempt.
func WithInjectorOptions(opts ...injector.Option) Option {
	return func(o *Orchestrator) { o.injectorOpts = append(o.injectorOpts, opts...) }
}

// Orchestrator is single use: one manifest, one surface subscription, one
// injector.
type Orchestrator struct {
	id           string
	surface      capture.Surface
	host         sandbox.ScriptHost
	logger       *slog.Logger
	injectorOpts []injector.Option

	mu        sync.Mutex
	manifest  *manifest.ManifestFile
	attachErr error
	script    string
	started   bool
	fired     bool
	presented bool
	done      DoneFunc
	inj       *injector.Injector
	ctx       context.Context
	cancel    context.CancelFunc
	stopWatch func() bool
	span      trace.Span
	startedAt time.Time
	finished  chan struct{}
}

// New creates an orchestrator over a capture surface and a script host.
func New(surface capture.Surface, host sandbox.ScriptHost, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		id:       uuid.NewString(),
		surface:  surface,
		host:     host,
		finished: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With("component", "orchestrator", "attempt_id", o.id)
	return o
}

// ID identifies the attempt in logs and spans.
func (o *Orchestrator) ID() string { return o.id }

// AttachManifest sets the manifest to prepare. The orchestrator keeps its own
// copy.
func (o *Orchestrator) AttachManifest(m *manifest.ManifestFile) *Orchestrator {
	o.mu.Lock()
	defer o.mu.Unlock()
	if m == nil {
		o.manifest, o.attachErr = nil, nil
		return o
	}
	o.manifest, o.attachErr = m.Clone()
	return o
}

// AttachPreparationScript sets the script that resolves the manifest
// placeholders.
func (o *Orchestrator) AttachPreparationScript(script string) *Orchestrator {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.script = script
	return o
}

// Start begins the attempt and returns once it is under way. done is called
// exactly once, from another goroutine, unless Start returns an error.
func (o *Orchestrator) Start(ctx context.Context, done DoneFunc) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return ErrAlreadyStarted
	}
	if o.attachErr != nil {
		o.mu.Unlock()
		return o.attachErr
	}
	if o.manifest == nil {
		o.mu.Unlock()
		return ErrManifestRequired
	}
	if o.surface == nil || o.host == nil {
		o.mu.Unlock()
		return ErrNoHostSurface
	}
	if err := ctx.Err(); err != nil {
		o.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrCanceled, err)
	}
	m := o.manifest
	if o.script == "" {
		names, err := builder.Unresolved(m)
		if err != nil {
			o.mu.Unlock()
			return err
		}
		if len(names) > 0 {
			o.mu.Unlock()
			return fmt.Errorf("%w: %v", ErrPreparationRequired, names)
		}
	}

	o.started = true
	o.done = done
	o.startedAt = time.Now()
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.ctx, o.span = tracer.Start(o.ctx, "orchestrator.attempt",
		trace.WithAttributes(
			attribute.String("webproof.attempt_id", o.id),
			attribute.String("webproof.manifest_id", m.ID),
		))
	o.stopWatch = context.AfterFunc(ctx, func() {
		o.finish(nil, fmt.Errorf("%w: %w", ErrCanceled, context.Cause(ctx)))
	})
	runCtx := o.ctx
	immediate := o.script == ""
	o.mu.Unlock()

	if immediate {
		o.logger.InfoContext(runCtx, "manifest has no placeholders, completing without preparation")
		go o.finish(m, nil)
		return nil
	}

	o.logger.InfoContext(runCtx, "presenting capture surface", "prepare_url", m.PrepareURL)
	err := o.surface.Present(runCtx, m, capture.Events{
		OnCapture: o.onCapture,
		OnClose:   o.onClose,
	})
	if err != nil {
		err = fmt.Errorf("present capture surface: %w", err)
		if !o.abort(err) {
			// done already reported the outcome.
			o.logger.DebugContext(runCtx, "present failed after the attempt ended", "error", err)
			return nil
		}
		return err
	}

	o.mu.Lock()
	ended := o.fired
	if !ended {
		o.presented = true
	}
	o.mu.Unlock()
	if ended {
		// The attempt ended while the surface was being presented; teardown
		// did not see it as presented.
		_ = o.surface.Dismiss()
	}
	return nil
}

// Build runs the attempt and blocks until it finishes or ctx is done.
func (o *Orchestrator) Build(ctx context.Context) (*manifest.ManifestFile, error) {
	type result struct {
		m   *manifest.ManifestFile
		err error
	}
	results := make(chan result, 1)
	if err := o.Start(ctx, func(m *manifest.ManifestFile, err error) {
		results <- result{m, err}
	}); err != nil {
		return nil, err
	}
	r := <-results
	<-o.finished
	return r.m, r.err
}

// Cancel ends a running attempt with ErrCanceled. It is a no-op before Start
// and after completion.
func (o *Orchestrator) Cancel() {
	o.finish(nil, ErrCanceled)
}

// Done is closed once the attempt has finished and been torn down.
func (o *Orchestrator) Done() <-chan struct{} { return o.finished }

func (o *Orchestrator) onCapture(snap capture.Snapshot) {
	o.mu.Lock()
	if o.fired || !o.started {
		o.mu.Unlock()
		return
	}
	first := false
	if o.inj == nil {
		opts := append([]injector.Option{
			injector.WithLogger(o.logger),
			injector.OnComplete(func(m *manifest.ManifestFile) { o.finish(m, nil) }),
			injector.OnError(func(err error) { o.finish(nil, err) }),
		}, o.injectorOpts...)
		inj, err := injector.New(o.host, o.manifest, o.script, opts...)
		if err != nil {
			o.mu.Unlock()
			o.finish(nil, err)
			return
		}
		o.inj = inj
		first = true
	}
	inj := o.inj
	ctx := o.ctx
	o.mu.Unlock()

	o.logger.DebugContext(ctx, "session captured", "url", snap.URL, "cookies", len(snap.Cookies))
	var err error
	if first {
		err = inj.Start(ctx, snap)
		if errors.Is(err, injector.ErrAlreadyStarted) {
			err = inj.Reinitialize(ctx, snap)
		}
	} else {
		err = inj.Reinitialize(ctx, snap)
	}
	if err != nil {
		// Failures are also delivered through the injector callbacks.
		o.logger.DebugContext(ctx, "evaluation not armed", "error", err)
	}
}

func (o *Orchestrator) onClose() {
	o.logger.Info("capture surface closed")
	o.finish(nil, ErrCanceled)
}

// abort ends an attempt whose Start failed: teardown without a callback. It
// reports false when the attempt had already finished through done.
func (o *Orchestrator) abort(err error) bool {
	o.mu.Lock()
	if o.fired {
		o.mu.Unlock()
		return false
	}
	o.fired = true
	o.mu.Unlock()
	o.teardown(err)
	return true
}

func (o *Orchestrator) finish(m *manifest.ManifestFile, err error) {
	o.mu.Lock()
	if !o.started || o.fired {
		o.mu.Unlock()
		return
	}
	o.fired = true
	done := o.done
	o.mu.Unlock()

	if err != nil {
		o.logger.Warn("preparation failed", "error", err)
	} else {
		o.logger.Info("manifest prepared", "manifest_id", m.ID)
	}
	if done != nil {
		done(m, err)
	}
	o.teardown(err)
}

// teardown runs once per started attempt, outside the lock.
func (o *Orchestrator) teardown(err error) {
	o.mu.Lock()
	inj := o.inj
	o.inj = nil
	presented := o.presented
	cancel := o.cancel
	stop := o.stopWatch
	span := o.span
	ctx := o.ctx
	elapsed := time.Since(o.startedAt)
	o.mu.Unlock()

	if stop != nil {
		stop()
	}
	if inj != nil {
		if cerr := inj.Close(); cerr != nil {
			o.logger.Debug("close injector", "error", cerr)
		}
	}
	if presented {
		if derr := o.surface.Dismiss(); derr != nil {
			o.logger.Debug("dismiss surface", "error", derr)
		}
	}

	outcome := "completed"
	switch {
	case errors.Is(err, ErrCanceled):
		outcome = "canceled"
	case err != nil:
		outcome = "failed"
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	if ctx != nil {
		attempts.Add(ctx, 1, attrs)
		duration.Record(ctx, elapsed.Seconds(), attrs)
	}
	if span != nil {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		span.End()
	}
	if cancel != nil {
		cancel()
	}
	close(o.finished)
}
