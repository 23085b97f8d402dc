package capture_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/webproof/pkg/capture"
	"github.com/Mindburn-Labs/webproof/pkg/manifest"
)

const fixtureYAML = `
interval: 5ms
close_after: true
snapshots:
  - url: https://example.com/login
    html: "<html><body>login</body></html>"
  - html: "<html><body><span class='user'>alice</span></body></html>"
    cookies:
      - name: token_v2
        value: abc
        domain: .example.com
        path: /
        secure: true
        http_only: true
      - name: token_v2
        value: newer
`

type recorder struct {
	mu     sync.Mutex
	snaps  []capture.Snapshot
	closes int
	closed chan struct{}
}

func newRecorder() *recorder { return &recorder{closed: make(chan struct{})} }

func (r *recorder) events() capture.Events {
	return capture.Events{
		OnCapture: func(s capture.Snapshot) {
			r.mu.Lock()
			r.snaps = append(r.snaps, s)
			r.mu.Unlock()
		},
		OnClose: func() {
			r.mu.Lock()
			r.closes++
			r.mu.Unlock()
			close(r.closed)
		},
	}
}

func (r *recorder) snapshots() []capture.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]capture.Snapshot(nil), r.snaps...)
}

func TestNewSnapshot_KeysCookiesByName(t *testing.T) {
	s := capture.NewSnapshot("https://x", "<html/>", []capture.Cookie{
		{Name: "a", Value: "1"}, {Name: "b", Value: "2"}, {Name: "a", Value: "3"},
	})
	assert.Len(t, s.Cookies, 2)
	assert.Equal(t, "3", s.Cookies["a"].Value)
	assert.False(t, s.CapturedAt.IsZero())
}

func TestParseFixture(t *testing.T) {
	f, err := capture.ParseFixture([]byte(fixtureYAML))
	require.NoError(t, err)
	assert.Equal(t, 5*time.Millisecond, f.Interval)
	assert.True(t, f.CloseAfter)
	require.Len(t, f.Snapshots, 2)
	assert.True(t, f.Snapshots[1].Cookies[0].HTTPOnly)

	_, err = capture.ParseFixture([]byte("snapshots: []"))
	assert.Error(t, err)
}

func TestReplaySurface_EmitsInOrderThenCloses(t *testing.T) {
	f, err := capture.ParseFixture([]byte(fixtureYAML))
	require.NoError(t, err)
	s := capture.NewReplaySurface(f)
	rec := newRecorder()

	m := &manifest.ManifestFile{PrepareURL: "https://example.com/prepare"}
	require.NoError(t, s.Present(context.Background(), m, rec.events()))
	assert.ErrorIs(t, s.Present(context.Background(), m, rec.events()), capture.ErrAlreadyPresented)

	select {
	case <-rec.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("surface never closed")
	}

	snaps := rec.snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "https://example.com/login", snaps[0].URL)
	assert.Equal(t, "https://example.com/prepare", snaps[1].URL)
	assert.Equal(t, "newer", snaps[1].Cookies["token_v2"].Value)
	assert.Equal(t, 1, rec.closes)
}

func TestReplaySurface_DismissStopsEvents(t *testing.T) {
	f := &capture.Fixture{
		Interval:   50 * time.Millisecond,
		CloseAfter: true,
		Snapshots:  []capture.FixtureSnapshot{{HTML: "a"}, {HTML: "b"}},
	}
	s := capture.NewReplaySurface(f)
	rec := newRecorder()
	require.NoError(t, s.Present(context.Background(), &manifest.ManifestFile{}, rec.events()))
	require.NoError(t, s.Dismiss())

	<-s.Done()
	assert.Empty(t, rec.snapshots())
	assert.Equal(t, 0, rec.closes)
}

func TestHTTPSurface_CapturesCookiesAndDocument(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seed, err := r.Cookie("seed")
		if err != nil || seed.Value != "s1" {
			http.Error(w, "missing seed", http.StatusUnauthorized)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "xyz", Path: "/", HttpOnly: true})
		_, _ = w.Write([]byte(`<html><body id="me">hello</body></html>`))
	}))
	defer srv.Close()

	s := &capture.HTTPSurface{
		Cookies:   []*http.Cookie{{Name: "seed", Value: "s1"}},
		CloseDone: true,
	}
	rec := newRecorder()
	m := &manifest.ManifestFile{PrepareURL: srv.URL + "/account"}
	require.NoError(t, s.Present(context.Background(), m, rec.events()))

	select {
	case <-rec.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("surface never closed")
	}
	defer func() { _ = s.Dismiss() }()

	snaps := rec.snapshots()
	require.Len(t, snaps, 1)
	assert.Contains(t, snaps[0].DocumentHTML, `id="me"`)
	assert.Equal(t, "xyz", snaps[0].Cookies["session"].Value)
	assert.True(t, snaps[0].Cookies["session"].HTTPOnly)
	assert.Equal(t, "s1", snaps[0].Cookies["seed"].Value)
}

func TestHTTPSurface_RequiresPrepareURL(t *testing.T) {
	s := &capture.HTTPSurface{}
	err := s.Present(context.Background(), &manifest.ManifestFile{}, capture.Events{})
	assert.ErrorIs(t, err, capture.ErrNoPrepareURL)
}

func TestBrowserSurface_RequiresPrepareURL(t *testing.T) {
	s := &capture.BrowserSurface{Headless: true}
	err := s.Present(context.Background(), &manifest.ManifestFile{}, capture.Events{})
	assert.ErrorIs(t, err, capture.ErrNoPrepareURL)
	assert.NoError(t, s.Dismiss())
}

func TestFromHTTPCookie(t *testing.T) {
	exp := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	c := capture.FromHTTPCookie(&http.Cookie{Name: "n", Value: "v", Domain: "d", Path: "/p", Secure: true, Expires: exp})
	assert.Equal(t, "n", c.Name)
	assert.True(t, c.Secure)
	require.NotNil(t, c.ExpiresAt)
	assert.True(t, exp.Equal(*c.ExpiresAt))
}
