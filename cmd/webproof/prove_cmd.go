package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/webproof/pkg/manifest"
	"github.com/Mindburn-Labs/webproof/pkg/prover"
)

func bindSurfaceFlags(cmd *flag.FlagSet, f *surfaceFlags) {
	cmd.StringVar(&f.kind, "surface", "replay", "Capture surface: replay, http, browser")
	cmd.StringVar(&f.fixture, "fixture", "", "Recorded session YAML (replay surface)")
	cmd.StringVar(&f.controlURL, "control-url", "", "DevTools URL of a running browser (browser surface)")
	cmd.BoolVar(&f.headless, "headless", false, "Launch the browser headless (browser surface)")
	cmd.DurationVar(&f.interval, "interval", 0, "Re-fetch interval (http surface)")
	cmd.IntVar(&f.maxPolls, "max-polls", 1, "Number of fetches (http surface)")
	cmd.StringVar(&f.cookies, "cookies", "", "Seed cookies as \"a=1; b=2\" (http surface)")
}

// prepare loads the manifest and, when a script is given, runs one
// preparation attempt over the selected surface.
func prepare(ctx context.Context, rt *runtime, location, scriptPath string, sf surfaceFlags) (*manifest.ManifestFile, error) {
	m, err := rt.loader().Load(ctx, location)
	if err != nil {
		return nil, err
	}

	var script string
	if scriptPath != "" {
		data, err := os.ReadFile(scriptPath)
		if err != nil {
			return nil, fmt.Errorf("read script: %w", err)
		}
		script = string(data)
	}

	surface, err := rt.surface(sf)
	if err != nil {
		return nil, err
	}

	ctx, done := rt.telemetry.TrackOperation(ctx, "build", attribute.String("manifest_id", m.ID))
	built, err := rt.orchestrator(surface).
		AttachManifest(m).
		AttachPreparationScript(script).
		Build(ctx)
	done(err)
	return built, err
}

// runBuildCmd implements `webproof build`.
//
// Exit codes:
//
//	0 = manifest built
//	1 = preparation failed
//	2 = runtime error
func runBuildCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("build", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath string
		location   string
		scriptPath string
		outPath    string
		sf         surfaceFlags
	)
	cmd.StringVar(&configPath, "config", "", "Path to config YAML")
	cmd.StringVar(&location, "manifest", "", "Manifest location (REQUIRED)")
	cmd.StringVar(&scriptPath, "script", "", "Preparation script defining prepare(context, manifestBuilder)")
	cmd.StringVar(&outPath, "out", "", "Write the built manifest to this file instead of stdout")
	bindSurfaceFlags(cmd, &sf)

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if location == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --manifest is required")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, configPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer rt.Close()

	m, err := prepare(ctx, rt, location, scriptPath, sf)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	pretty, err := manifest.SerializeIndent(m)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if outPath != "" {
		if err := os.WriteFile(outPath, append(pretty, '\n'), 0o644); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		_, _ = fmt.Fprintf(stdout, "%s✓ built %s%s → %s\n", ColorGreen, m.ID, ColorReset, outPath)
		return 0
	}
	_, _ = fmt.Fprintln(stdout, string(pretty))
	return 0
}

// proveResult is the --json output of `webproof prove`.
type proveResult struct {
	ManifestID string `json:"manifest_id"`
	Status     string `json:"status"`
	Proof      string `json:"proof,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// runProveCmd implements `webproof prove`. With --script it first prepares the
// manifest over a capture surface, as `build` does.
//
// Exit codes:
//
//	0 = proof generated
//	1 = preparation or proving failed
//	2 = runtime error
func runProveCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("prove", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath string
		location   string
		scriptPath string
		jsonOutput bool
		sf         surfaceFlags
	)
	cmd.StringVar(&configPath, "config", "", "Path to config YAML")
	cmd.StringVar(&location, "manifest", "", "Manifest location (REQUIRED)")
	cmd.StringVar(&scriptPath, "script", "", "Preparation script; omit to prove the manifest as loaded")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")
	bindSurfaceFlags(cmd, &sf)

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if location == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --manifest is required")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, configPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer rt.Close()

	p, err := rt.prover(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	var m *manifest.ManifestFile
	if scriptPath != "" {
		m, err = prepare(ctx, rt, location, scriptPath, sf)
	} else {
		m, err = rt.loader().Load(ctx, location)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	start := time.Now()
	var last prover.ProofStatus
	ctx, done := rt.telemetry.TrackOperation(ctx, "prove", attribute.String("manifest_id", m.ID))
	proof, err := p.GenerateProof(ctx, m, func(s prover.ProofStatus) {
		last = s
		rt.logger.Info("proof status", "manifest_id", m.ID, "status", s.String())
	})
	done(err)

	res := proveResult{
		ManifestID: m.ID,
		Status:     last.String(),
		Proof:      proof,
		DurationMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		res.Error = err.Error()
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(res, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
	} else {
		_, _ = fmt.Fprintln(stdout, proof)
	}

	if err != nil {
		return 1
	}
	return 0
}
