package capture

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/Mindburn-Labs/webproof/pkg/manifest"
)

// BrowserSurface opens the manifest's prepareUrl in Chrome over the DevTools
// protocol and captures cookies plus outerHTML after every page load, so the
// user can log in and navigate while preparation re-runs. Closing the tab or
// the browser reports OnClose.
type BrowserSurface struct {
	// ControlURL connects to a running browser. Empty launches a new one.
	ControlURL string
	Headless   bool
	Logger     *slog.Logger

	mu        sync.Mutex
	presented bool
	cancel    context.CancelFunc
	browser   *rod.Browser
	launched  *launcher.Launcher
	emit      *emitter
}

func (b *BrowserSurface) Present(ctx context.Context, m *manifest.ManifestFile, events Events) error {
	if m.PrepareURL == "" {
		return ErrNoPrepareURL
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.presented {
		return ErrAlreadyPresented
	}
	b.presented = true

	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "capture", "surface", "browser")

	controlURL := b.ControlURL
	if controlURL == "" {
		b.launched = launcher.New().Headless(b.Headless)
		u, err := b.launched.Launch()
		if err != nil {
			return fmt.Errorf("capture: launch chrome: %w", err)
		}
		controlURL = u
	}

	ctx, cancel := context.WithCancel(ctx)
	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		cancel()
		b.killLaunched()
		return fmt.Errorf("capture: connect to chrome: %w", err)
	}
	page, err := browser.Page(proto.TargetCreateTarget{URL: m.PrepareURL})
	if err != nil {
		cancel()
		_ = browser.Close()
		b.killLaunched()
		return fmt.Errorf("capture: open %s: %w", m.PrepareURL, err)
	}

	if err := (proto.TargetSetDiscoverTargets{Discover: true}).Call(browser); err != nil {
		logger.Warn("target discovery unavailable, tab close will not be reported", "error", err)
	}

	b.cancel = cancel
	b.browser = browser
	b.emit = newEmitter(events)

	loads := make(chan struct{}, 1)
	waitLoad := page.EachEvent(func(*proto.PageLoadEventFired) {
		select {
		case loads <- struct{}{}:
		default:
		}
	})
	waitClose := browser.EachEvent(func(e *proto.TargetTargetDestroyed) bool {
		return e.TargetID == page.TargetID
	})

	go waitLoad()
	go func() {
		waitClose()
		if ctx.Err() == nil {
			logger.Info("browser page closed by user")
			b.emit.close()
		}
	}()
	go b.captureLoop(ctx, page, loads, logger)

	logger.Info("browser surface presented", "url", m.PrepareURL)
	return nil
}

func (b *BrowserSurface) captureLoop(ctx context.Context, page *rod.Page, loads <-chan struct{}, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-loads:
		}
		snap, err := snapshotPage(page.Context(ctx))
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("page capture failed", "error", err)
			}
			continue
		}
		b.emit.capture(snap)
	}
}

func snapshotPage(page *rod.Page) (Snapshot, error) {
	res, err := proto.NetworkGetCookies{}.Call(page)
	if err != nil {
		return Snapshot{}, fmt.Errorf("get cookies: %w", err)
	}
	html, err := page.HTML()
	if err != nil {
		return Snapshot{}, fmt.Errorf("get html: %w", err)
	}
	info, err := page.Info()
	if err != nil {
		return Snapshot{}, fmt.Errorf("page info: %w", err)
	}
	return NewSnapshot(info.URL, html, cookiesFromProto(res.Cookies)), nil
}

func cookiesFromProto(in []*proto.NetworkCookie) []Cookie {
	out := make([]Cookie, 0, len(in))
	for _, c := range in {
		rec := Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		}
		if exp := float64(c.Expires); !c.Session && exp > 0 {
			sec, frac := math.Modf(exp)
			t := time.Unix(int64(sec), int64(frac*1e9)).UTC()
			rec.ExpiresAt = &t
		}
		out = append(out, rec)
	}
	return out
}

func (b *BrowserSurface) killLaunched() {
	if b.launched != nil {
		b.launched.Kill()
		b.launched = nil
	}
}

func (b *BrowserSurface) Dismiss() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.emit != nil {
		b.emit.dismiss()
	}
	if b.cancel != nil {
		b.cancel()
	}
	var err error
	if b.browser != nil {
		err = b.browser.Close()
		b.browser = nil
	}
	b.killLaunched()
	return err
}
