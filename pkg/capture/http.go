package capture

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"github.com/Mindburn-Labs/webproof/pkg/manifest"
)

// maxDocumentBytes caps a fetched document.
const maxDocumentBytes = 8 << 20

// HTTPSurface captures a session without a browser: it fetches the
// manifest's prepareUrl with a cookie jar seeded from known cookies and
// reports the response body as the document. With Interval set it re-fetches
// up to MaxPolls times, which drives re-evaluation as the session changes.
type HTTPSurface struct {
	Client    *http.Client
	Cookies   []*http.Cookie
	Header    http.Header
	Interval  time.Duration
	MaxPolls  int
	CloseDone bool
	Logger    *slog.Logger

	mu        sync.Mutex
	presented bool
	cancel    context.CancelFunc
	emit      *emitter
}

func (h *HTTPSurface) Present(ctx context.Context, m *manifest.ManifestFile, events Events) error {
	if m.PrepareURL == "" {
		return ErrNoPrepareURL
	}
	target, err := url.Parse(m.PrepareURL)
	if err != nil {
		return fmt.Errorf("capture: parse prepareUrl: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.presented {
		return ErrAlreadyPresented
	}
	h.presented = true

	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if client.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return fmt.Errorf("capture: cookie jar: %w", err)
		}
		c := *client
		c.Jar = jar
		client = &c
	}
	if len(h.Cookies) > 0 {
		client.Jar.SetCookies(target, h.Cookies)
	}

	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "capture", "surface", "http")

	ctx, h.cancel = context.WithCancel(ctx)
	h.emit = newEmitter(events)
	go h.poll(ctx, client, target, logger)
	return nil
}

func (h *HTTPSurface) poll(ctx context.Context, client *http.Client, target *url.URL, logger *slog.Logger) {
	polls := h.MaxPolls
	if polls <= 0 {
		polls = 1
	}
	for i := 0; i < polls; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(h.Interval):
			}
		}
		snap, err := h.fetch(ctx, client, target)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("capture fetch failed", "url", target.String(), "error", err)
			continue
		}
		h.emit.capture(snap)
		if h.Interval <= 0 {
			break
		}
	}
	if h.CloseDone && ctx.Err() == nil {
		h.emit.close()
	}
}

func (h *HTTPSurface) fetch(ctx context.Context, client *http.Client, target *url.URL) (Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return Snapshot{}, err
	}
	for k, vs := range h.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := client.Do(req)
	if err != nil {
		return Snapshot{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
	if err != nil {
		return Snapshot{}, err
	}

	final := resp.Request.URL
	detailed := map[string]*http.Cookie{}
	for _, c := range resp.Cookies() {
		detailed[c.Name] = c
	}
	var cookies []Cookie
	for _, c := range client.Jar.Cookies(final) {
		if d, ok := detailed[c.Name]; ok && d.Value == c.Value {
			cookies = append(cookies, FromHTTPCookie(d))
			continue
		}
		rec := FromHTTPCookie(c)
		rec.Domain = final.Hostname()
		rec.Path = "/"
		cookies = append(cookies, rec)
	}
	return NewSnapshot(final.String(), string(body), cookies), nil
}

func (h *HTTPSurface) Dismiss() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.emit != nil {
		h.emit.dismiss()
	}
	if h.cancel != nil {
		h.cancel()
	}
	return nil
}
