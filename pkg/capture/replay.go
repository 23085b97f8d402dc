package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/webproof/pkg/manifest"
)

// ErrAlreadyPresented is returned when a single-use surface is presented twice.
var ErrAlreadyPresented = errors.New("surface already presented")

// Fixture is a recorded session: snapshots replayed in order.
type Fixture struct {
	Snapshots  []FixtureSnapshot `yaml:"snapshots"`
	Interval   time.Duration     `yaml:"interval,omitempty"`
	CloseAfter bool              `yaml:"close_after,omitempty"`
}

// FixtureSnapshot is one recorded page state.
type FixtureSnapshot struct {
	URL     string   `yaml:"url,omitempty"`
	HTML    string   `yaml:"html"`
	Cookies []Cookie `yaml:"cookies,omitempty"`
}

// ParseFixture decodes a YAML fixture.
func ParseFixture(data []byte) (*Fixture, error) {
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("capture: parse fixture: %w", err)
	}
	if len(f.Snapshots) == 0 {
		return nil, errors.New("capture: fixture has no snapshots")
	}
	return &f, nil
}

// LoadFixture reads a YAML fixture from disk.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("capture: read fixture: %w", err)
	}
	return ParseFixture(data)
}

// ReplaySurface emits the snapshots of a Fixture, waiting Interval before
// each one, then optionally reports the surface as closed.
type ReplaySurface struct {
	fixture *Fixture

	mu        sync.Mutex
	presented bool
	cancel    context.CancelFunc
	emit      *emitter
	done      chan struct{}
}

// NewReplaySurface creates a single-use surface for f.
func NewReplaySurface(f *Fixture) *ReplaySurface {
	return &ReplaySurface{fixture: f}
}

func (r *ReplaySurface) Present(ctx context.Context, m *manifest.ManifestFile, events Events) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.presented {
		return ErrAlreadyPresented
	}
	r.presented = true

	ctx, r.cancel = context.WithCancel(ctx)
	r.emit = newEmitter(events)
	r.done = make(chan struct{})
	go r.replay(ctx, m.PrepareURL)
	return nil
}

func (r *ReplaySurface) replay(ctx context.Context, prepareURL string) {
	defer close(r.done)
	for _, fs := range r.fixture.Snapshots {
		if r.fixture.Interval > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.fixture.Interval):
			}
		}
		if ctx.Err() != nil {
			return
		}
		url := fs.URL
		if url == "" {
			url = prepareURL
		}
		r.emit.capture(NewSnapshot(url, fs.HTML, fs.Cookies))
	}
	if r.fixture.CloseAfter && ctx.Err() == nil {
		r.emit.close()
	}
}

// Done is closed once every snapshot has been emitted or the replay stopped.
func (r *ReplaySurface) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

func (r *ReplaySurface) Dismiss() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.emit != nil {
		r.emit.dismiss()
	}
	if r.cancel != nil {
		r.cancel()
	}
	return nil
}
