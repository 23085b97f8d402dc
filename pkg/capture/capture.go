// Package capture defines session snapshots (cookies plus rendered DOM) and
// the surfaces that produce them: a browser driven over the DevTools
// protocol, a plain HTTP session and a recorded replay.
package capture

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/webproof/pkg/manifest"
)

// ErrNoPrepareURL is returned by surfaces that need a manifest prepareUrl.
var ErrNoPrepareURL = errors.New("manifest has no prepareUrl")

// Cookie is one captured cookie.
type Cookie struct {
	Name      string     `json:"name" yaml:"name"`
	Value     string     `json:"value" yaml:"value"`
	Domain    string     `json:"domain,omitempty" yaml:"domain,omitempty"`
	Path      string     `json:"path,omitempty" yaml:"path,omitempty"`
	Secure    bool       `json:"secure" yaml:"secure,omitempty"`
	HTTPOnly  bool       `json:"httpOnly" yaml:"http_only,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty" yaml:"expires_at,omitempty"`
}

// FromHTTPCookie converts a net/http cookie.
func FromHTTPCookie(c *http.Cookie) Cookie {
	out := Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Secure:   c.Secure,
		HTTPOnly: c.HttpOnly,
	}
	if !c.Expires.IsZero() {
		t := c.Expires.UTC()
		out.ExpiresAt = &t
	}
	return out
}

// Snapshot is the session state observed at one moment.
type Snapshot struct {
	Cookies      map[string]Cookie `json:"cookies"`
	DocumentHTML string            `json:"documentHTML"`
	URL          string            `json:"url,omitempty"`
	CapturedAt   time.Time         `json:"capturedAt"`
}

// NewSnapshot keys cookies by name. A later cookie with the same name wins.
func NewSnapshot(url, html string, cookies []Cookie) Snapshot {
	byName := make(map[string]Cookie, len(cookies))
	for _, c := range cookies {
		byName[c.Name] = c
	}
	return Snapshot{
		Cookies:      byName,
		DocumentHTML: html,
		URL:          url,
		CapturedAt:   time.Now().UTC(),
	}
}

// Events receives surface notifications. OnCapture fires for every new
// snapshot; OnClose fires at most once, when the surface goes away without
// the host asking.
type Events struct {
	OnCapture func(Snapshot)
	OnClose   func()
}

// Surface presents a session to the user and reports what it captures.
type Surface interface {
	// Present starts the surface for m. Events arrive asynchronously.
	Present(ctx context.Context, m *manifest.ManifestFile, events Events) error
	// Dismiss tears the surface down. No events fire afterwards.
	Dismiss() error
}
