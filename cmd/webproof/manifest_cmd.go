package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/Mindburn-Labs/webproof/pkg/manifest"
	"github.com/Mindburn-Labs/webproof/pkg/template"
)

// validateResult is the --json output of `webproof validate`.
type validateResult struct {
	Valid        bool     `json:"valid"`
	ID           string   `json:"id,omitempty"`
	Version      string   `json:"manifestVersion,omitempty"`
	Mode         string   `json:"mode,omitempty"`
	Digest       string   `json:"digest,omitempty"`
	Placeholders []string `json:"placeholders"`
	Error        string   `json:"error,omitempty"`
}

// runValidateCmd implements `webproof validate`.
//
// Exit codes:
//
//	0 = manifest is valid
//	1 = manifest is invalid
//	2 = runtime error
func runValidateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("validate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath string
		location   string
		jsonOutput bool
	)
	cmd.StringVar(&configPath, "config", "", "Path to config YAML")
	cmd.StringVar(&location, "manifest", "", "Manifest location: path, file://, http(s)://, s3://, gs:// (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if location == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --manifest is required")
		return 2
	}

	ctx := context.Background()
	rt, err := newRuntime(ctx, configPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer rt.Close()

	raw, err := rt.loader().Fetch(ctx, location)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	res := validateResult{Placeholders: []string{}}
	m, err := manifest.Parse(raw)
	if err != nil {
		res.Error = err.Error()
	} else {
		res.Valid = true
		res.ID = m.ID
		res.Version = m.ManifestVersion
		res.Mode = string(m.Mode.OrDefault())
		if res.Digest, err = manifest.Digest(m); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		serialized, err := manifest.Serialize(m)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		if names := template.Placeholders(serialized); names != nil {
			res.Placeholders = names
		}
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(res, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if res.Valid {
		_, _ = fmt.Fprintf(stdout, "%s✓ %s%s (%s, mode %s)\n", ColorGreen, res.ID, ColorReset, res.Version, res.Mode)
		_, _ = fmt.Fprintf(stdout, "  digest: %s\n", res.Digest)
		if len(res.Placeholders) > 0 {
			_, _ = fmt.Fprintf(stdout, "  placeholders: %s\n", strings.Join(res.Placeholders, ", "))
		}
	} else {
		_, _ = fmt.Fprintf(stdout, "✗ invalid manifest: %s\n", res.Error)
	}

	if !res.Valid {
		return 1
	}
	return 0
}

// runRenderCmd implements `webproof render`: it substitutes --var values into
// the manifest's placeholders and prints the result.
//
// Exit codes:
//
//	0 = rendered
//	1 = substitution failed or the result is not a valid manifest
//	2 = runtime error
func runRenderCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("render", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath string
		location   string
		strict     bool
	)
	values := map[string]string{}
	cmd.StringVar(&configPath, "config", "", "Path to config YAML")
	cmd.StringVar(&location, "manifest", "", "Manifest location (REQUIRED)")
	cmd.BoolVar(&strict, "strict", false, "Fail if any placeholder is left unresolved")
	cmd.Func("var", "Placeholder value as name=value (repeatable)", func(s string) error {
		name, value, ok := strings.Cut(s, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return fmt.Errorf("expected name=value, got %q", s)
		}
		values[name] = value
		return nil
	})

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if location == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --manifest is required")
		return 2
	}

	ctx := context.Background()
	rt, err := newRuntime(ctx, configPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer rt.Close()

	m, err := rt.loader().Load(ctx, location)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	raw, err := manifest.Serialize(m)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	rendered, err := template.SubstituteAll(raw, values)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	out, err := manifest.Parse(rendered)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: rendered manifest: %v\n", err)
		return 1
	}
	if left := template.Placeholders(rendered); strict && len(left) > 0 {
		_, _ = fmt.Fprintf(stderr, "Error: unresolved placeholders: %s\n", strings.Join(left, ", "))
		return 1
	}

	pretty, err := manifest.SerializeIndent(out)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintln(stdout, string(pretty))
	return 0
}
