package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Mindburn-Labs/webproof/pkg/capture"
	"github.com/Mindburn-Labs/webproof/pkg/config"
	"github.com/Mindburn-Labs/webproof/pkg/injector"
	"github.com/Mindburn-Labs/webproof/pkg/observability"
	"github.com/Mindburn-Labs/webproof/pkg/orchestrator"
	"github.com/Mindburn-Labs/webproof/pkg/prover"
	"github.com/Mindburn-Labs/webproof/pkg/sandbox"
	"github.com/Mindburn-Labs/webproof/pkg/source"
	"github.com/Mindburn-Labs/webproof/pkg/store"
)

// runtime holds the components shared by the subcommands, built from config.
type runtime struct {
	cfg       *config.Config
	logger    *slog.Logger
	telemetry *observability.Provider
	closers   []func(context.Context) error
}

func newRuntime(ctx context.Context, configPath string, stderr io.Writer) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := observability.NewLogger(cfg.Log.Level, cfg.Log.Format, stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	telemetry, err := observability.New(ctx, cfg.Telemetry, version)
	if err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg, logger: logger, telemetry: telemetry}
	rt.closers = append(rt.closers, telemetry.Shutdown)
	return rt, nil
}

// Close releases everything the runtime opened, last opened first.
func (rt *runtime) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			rt.logger.Warn("shutdown", "error", err)
		}
	}
}

func (rt *runtime) sandboxConfig() sandbox.Config {
	cfg := sandbox.DefaultConfig()
	cfg.CPUTimeLimit = rt.cfg.Sandbox.TimeLimit
	cfg.MemoryLimitBytes = rt.cfg.Sandbox.MemoryLimitBytes
	cfg.MaxMessageBytes = rt.cfg.Sandbox.MaxMessageBytes
	cfg.Logger = rt.logger
	return cfg
}

func (rt *runtime) loader() *source.Loader {
	opts := []source.Option{
		source.WithLogger(rt.logger),
		source.WithS3(source.S3Config{Region: rt.cfg.S3.Region, Endpoint: rt.cfg.S3.Endpoint}),
	}
	if rt.cfg.Cache.RedisAddr != "" {
		cache := source.DialRedisCache(rt.cfg.Cache.RedisAddr, rt.cfg.Cache.RedisPassword, rt.cfg.Cache.RedisDB)
		rt.closers = append(rt.closers, func(context.Context) error { return cache.Close() })
		opts = append(opts, source.WithCache(cache, rt.cfg.Cache.TTL))
	}
	return source.NewLoader(opts...)
}

// receipts opens the configured receipt store. It returns nil when none is
// configured.
func (rt *runtime) receipts(ctx context.Context) (store.ReceiptStore, error) {
	if rt.cfg.Store.Driver == "" {
		return nil, nil
	}
	rs, db, err := store.Open(ctx, rt.cfg.Store.Driver, rt.cfg.Store.DSN)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, func(context.Context) error { return db.Close() })
	return rs, nil
}

func (rt *runtime) engine(ctx context.Context) (prover.Engine, error) {
	pc := rt.cfg.Prover
	switch pc.Engine {
	case "http":
		opts := []prover.HTTPOption{prover.WithHTTPClient(&http.Client{Timeout: 5 * time.Minute})}
		if pc.RateLimit > 0 {
			opts = append(opts, prover.WithRateLimit(pc.RateLimit, pc.RateBurst))
		}
		if pc.TokenSecret != "" {
			opts = append(opts, prover.WithBearerToken([]byte(pc.TokenSecret), pc.TokenIssuer, pc.TokenTTL))
		}
		return prover.NewHTTPEngine(pc.Endpoint, opts...), nil
	case "wasm":
		e, err := prover.LoadWASMEngine(ctx, pc.WASMModule, rt.sandboxConfig())
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, e.Close)
		return e, nil
	case "":
		return nil, errors.New("no proving engine configured (prover.engine)")
	default:
		return nil, fmt.Errorf("unknown proving engine %q", pc.Engine)
	}
}

func (rt *runtime) prover(ctx context.Context) (*prover.Prover, error) {
	engine, err := rt.engine(ctx)
	if err != nil {
		return nil, err
	}
	opts := []prover.Option{
		prover.WithLogger(rt.logger),
		prover.WithEngineName(rt.cfg.Prover.Engine),
		prover.WithNotary(prover.NotaryConfig{
			Host:        rt.cfg.Notary.Host,
			Port:        rt.cfg.Notary.Port,
			MaxSentData: rt.cfg.Notary.MaxSentData,
			MaxRecvData: rt.cfg.Notary.MaxRecvData,
		}),
	}
	if len(rt.cfg.Policy.Rules) > 0 {
		policy, err := prover.NewPolicy(rt.cfg.Policy.Rules...)
		if err != nil {
			return nil, err
		}
		opts = append(opts, prover.WithPolicy(policy))
	}
	rs, err := rt.receipts(ctx)
	if err != nil {
		return nil, err
	}
	if rs != nil {
		opts = append(opts, prover.WithReceiptStore(rs))
	}
	return prover.New(engine, opts...), nil
}

// surfaceFlags selects and configures the capture surface.
type surfaceFlags struct {
	kind       string
	fixture    string
	controlURL string
	headless   bool
	interval   time.Duration
	maxPolls   int
	cookies    string
}

func (rt *runtime) surface(f surfaceFlags) (capture.Surface, error) {
	switch f.kind {
	case "replay":
		if f.fixture == "" {
			return nil, errors.New("--fixture is required for the replay surface")
		}
		fixture, err := capture.LoadFixture(f.fixture)
		if err != nil {
			return nil, err
		}
		return capture.NewReplaySurface(fixture), nil
	case "http":
		return &capture.HTTPSurface{
			Cookies:   parseCookies(f.cookies),
			Interval:  f.interval,
			MaxPolls:  f.maxPolls,
			CloseDone: true,
			Logger:    rt.logger,
		}, nil
	case "browser":
		return &capture.BrowserSurface{
			ControlURL: f.controlURL,
			Headless:   f.headless,
			Logger:     rt.logger,
		}, nil
	default:
		return nil, fmt.Errorf("unknown surface %q (replay, http, browser)", f.kind)
	}
}

func (rt *runtime) orchestrator(surface capture.Surface) *orchestrator.Orchestrator {
	return orchestrator.New(surface, sandbox.NewGojaHost(rt.sandboxConfig()),
		orchestrator.WithLogger(rt.logger),
		orchestrator.WithInjectorOptions(
			injector.WithLogger(rt.logger),
			injector.WithMaxRounds(rt.cfg.Attempt.MaxRounds),
			injector.WithReadyTimeout(rt.cfg.Attempt.ReadyTimeout),
		),
	)
}

// parseCookies reads "name=value; other=value" into cookies.
func parseCookies(raw string) []*http.Cookie {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	cookies, err := http.ParseCookie(raw)
	if err != nil {
		return nil
	}
	return cookies
}
