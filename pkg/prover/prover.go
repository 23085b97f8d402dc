// Package prover turns a resolved manifest into a proving-engine
// configuration, invokes the engine and reports the outcome as a status
// sequence plus a proof or a typed error.
package prover

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/webproof/pkg/canonicalize"
	"github.com/Mindburn-Labs/webproof/pkg/manifest"
	"github.com/Mindburn-Labs/webproof/pkg/store"
)

// ProofStatus is a transient notification emitted while proving.
type ProofStatus int

const (
	StatusLoading ProofStatus = iota
	StatusSuccess
	StatusFailure
)

func (s ProofStatus) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	default:
		return fmt.Sprintf("ProofStatus(%d)", int(s))
	}
}

var (
	// ErrInvalidManifest wraps manifest.ErrInvalidManifest for config synthesis failures.
	ErrInvalidManifest = fmt.Errorf("prover: %w", manifest.ErrInvalidManifest)
	// ErrInvalidProvingResponse is returned when the engine result has neither
	// a proof nor an error, or cannot be decoded.
	ErrInvalidProvingResponse = errors.New("invalid proving response")
	// ErrPolicyDenied is returned when a proving policy rule evaluates false.
	ErrPolicyDenied = errors.New("proving policy denied")
)

// ProvingEngineError carries the error reported by the engine.
type ProvingEngineError struct {
	Message string
}

func (e *ProvingEngineError) Error() string {
	return "proving engine error: " + e.Message
}

// Engine is the external proving engine: configuration JSON in, result JSON
// out, shaped {"proof": ...} or {"error": "..."}.
type Engine interface {
	Invoke(ctx context.Context, config []byte) ([]byte, error)
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(ctx context.Context, config []byte) ([]byte, error)

func (f EngineFunc) Invoke(ctx context.Context, config []byte) ([]byte, error) {
	return f(ctx, config)
}

const instrumentationName = "github.com/Mindburn-Labs/webproof/pkg/prover"

var (
	tracer        = otel.Tracer(instrumentationName)
	proofsTotal   metric.Int64Counter
	proofDuration metric.Float64Histogram
)

func init() {
	meter := otel.Meter(instrumentationName)
	proofsTotal, _ = meter.Int64Counter("webproof.proofs.total",
		metric.WithDescription("Proving calls by outcome"),
		metric.WithUnit("{proof}"),
	)
	proofDuration, _ = meter.Float64Histogram("webproof.proof.duration",
		metric.WithDescription("Proving call duration in seconds"),
		metric.WithUnit("s"),
	)
}

// Option configures a Prover.
type Option func(*Prover)

// WithNotary overrides the notary location and transcript limits.
func WithNotary(n NotaryConfig) Option {
	return func(p *Prover) { p.notary = n }
}

// WithPolicy checks every config against policy before invoking the engine.
func WithPolicy(policy *Policy) Option {
	return func(p *Prover) { p.policy = policy }
}

// WithReceiptStore records a receipt for every proving call.
func WithReceiptStore(s store.ReceiptStore) Option {
	return func(p *Prover) { p.receipts = s }
}

// WithEngineName labels receipts and metrics.
func WithEngineName(name string) Option {
	return func(p *Prover) { p.engineName = name }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Prover) { p.logger = l }
}

// Prover drives one engine. It is safe for concurrent use when the engine is.
type Prover struct {
	engine     Engine
	engineName string
	notary     NotaryConfig
	policy     *Policy
	receipts   store.ReceiptStore
	logger     *slog.Logger
}

// New creates a prover over engine.
func New(engine Engine, opts ...Option) *Prover {
	p := &Prover{
		engine:     engine,
		engineName: "custom",
		notary:     DefaultNotary(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With("component", "prover", "engine", p.engineName)
	return p
}

type rawResponse struct {
	Proof json.RawMessage `json:"proof"`
	Error *string         `json:"error"`
}

// GenerateProof proves m. onStatus, when set, sees StatusLoading exactly once
// followed by exactly one of StatusSuccess or StatusFailure.
func (p *Prover) GenerateProof(ctx context.Context, m *manifest.ManifestFile, onStatus func(ProofStatus)) (proof string, err error) {
	emit := func(s ProofStatus) {
		if onStatus != nil {
			onStatus(s)
		}
	}
	emit(StatusLoading)

	start := time.Now()
	var manifestID string
	if m != nil {
		manifestID = m.ID
	}
	ctx, span := tracer.Start(ctx, "prover.generate_proof",
		trace.WithAttributes(
			attribute.String("webproof.manifest_id", manifestID),
			attribute.String("webproof.engine", p.engineName),
		))
	var cfg *Config
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "failure"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			emit(StatusFailure)
		} else {
			emit(StatusSuccess)
		}
		attrs := metric.WithAttributes(attribute.String("outcome", outcome), attribute.String("engine", p.engineName))
		proofsTotal.Add(ctx, 1, attrs)
		proofDuration.Record(ctx, time.Since(start).Seconds(), attrs)
		p.record(ctx, m, cfg, proof, err)
		span.End()
	}()

	cfg, err = BuildConfig(m, p.notary)
	if err != nil {
		return "", err
	}
	span.SetAttributes(attribute.String("webproof.mode", string(cfg.Mode)))

	if p.policy != nil {
		if err = p.policy.Evaluate(ctx, m, cfg); err != nil {
			return "", err
		}
	}
	if p.engine == nil {
		return "", errors.New("prover: no engine configured")
	}

	configJSON, err := cfg.JSON()
	if err != nil {
		return "", fmt.Errorf("prover: encode config: %w", err)
	}
	p.logger.InfoContext(ctx, "invoking proving engine", "manifest_id", m.ID, "mode", cfg.Mode, "target_url", cfg.TargetURL)

	out, err := p.engine.Invoke(ctx, configJSON)
	if err != nil {
		return "", fmt.Errorf("prover: invoke engine: %w", err)
	}
	proof, err = decodeResponse(out)
	if err != nil {
		return "", err
	}
	p.logger.InfoContext(ctx, "proof generated", "manifest_id", m.ID, "proof_bytes", len(proof))
	return proof, nil
}

func decodeResponse(out []byte) (string, error) {
	var resp rawResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidProvingResponse, err)
	}
	if resp.Error != nil {
		return "", &ProvingEngineError{Message: *resp.Error}
	}
	raw := resp.Proof
	if len(raw) == 0 || string(raw) == "null" {
		return "", ErrInvalidProvingResponse
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidProvingResponse, err)
		}
		return s, nil
	}
	// Structured proofs are passed through as JSON text.
	return string(raw), nil
}

// record stores a receipt; failures are logged, never returned.
func (p *Prover) record(ctx context.Context, m *manifest.ManifestFile, cfg *Config, proof string, err error) {
	if p.receipts == nil || m == nil {
		return
	}
	r := &store.Receipt{
		ManifestID: m.ID,
		Mode:       string(m.Mode.OrDefault()),
		TargetURL:  m.Request.URL,
		Status:     store.StatusSuccess,
		Metadata:   map[string]any{"engine": p.engineName},
	}
	if digest, derr := manifest.Digest(m); derr == nil {
		r.ManifestDigest = digest
	}
	if cfg != nil {
		r.Metadata["notary"] = fmt.Sprintf("%s:%d", cfg.NotaryHost, cfg.NotaryPort)
	}
	if err != nil {
		r.Status = store.StatusFailure
		r.Error = err.Error()
	} else {
		r.ProofHash = canonicalize.DigestPrefix + canonicalize.HashBytes([]byte(proof))
	}
	if serr := p.receipts.Store(context.WithoutCancel(ctx), r); serr != nil {
		p.logger.WarnContext(ctx, "failed to store receipt", "manifest_id", m.ID, "error", serr)
	}
}
