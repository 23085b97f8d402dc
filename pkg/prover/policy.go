package prover

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/webproof/pkg/manifest"
)

// Policy is a set of CEL rules over the manifest and the synthesized config.
// Every rule must evaluate to true for proving to proceed, for example:
//
//	manifest.request.url.startsWith("https://")
//	config.mode in ["TEE", "TLSN"]
type Policy struct {
	rules []rule
}

type rule struct {
	expr string
	prg  cel.Program
}

// NewPolicy compiles rules. An empty rule set allows everything.
func NewPolicy(rules ...string) (*Policy, error) {
	env, err := cel.NewEnv(
		cel.Variable("manifest", cel.DynType),
		cel.Variable("config", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	p := &Policy{}
	for i, expr := range rules {
		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("policy rule %d: compile: %w", i, issues.Err())
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("policy rule %d: program: %w", i, err)
		}
		p.rules = append(p.rules, rule{expr: expr, prg: prg})
	}
	return p, nil
}

// Len returns the number of rules.
func (p *Policy) Len() int { return len(p.rules) }

// Evaluate runs every rule. The first false rule yields ErrPolicyDenied.
func (p *Policy) Evaluate(ctx context.Context, m *manifest.ManifestFile, cfg *Config) error {
	if p == nil || len(p.rules) == 0 {
		return nil
	}
	mv, err := asMap(m)
	if err != nil {
		return fmt.Errorf("policy: encode manifest: %w", err)
	}
	cv, err := asMap(cfg)
	if err != nil {
		return fmt.Errorf("policy: encode config: %w", err)
	}
	input := map[string]any{"manifest": mv, "config": cv}

	for i, r := range p.rules {
		out, _, err := r.prg.ContextEval(ctx, input)
		if err != nil {
			return fmt.Errorf("%w: rule %d %q: eval: %v", ErrPolicyDenied, i, r.expr, err)
		}
		allowed, ok := out.Value().(bool)
		if !ok {
			return fmt.Errorf("%w: rule %d %q: result not bool", ErrPolicyDenied, i, r.expr)
		}
		if !allowed {
			return fmt.Errorf("%w: rule %d %q", ErrPolicyDenied, i, r.expr)
		}
	}
	return nil
}
