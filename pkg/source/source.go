// Package source loads manifests from local files, http(s) URLs and object
// storage (s3://, gs://), optionally through a shared cache.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/Mindburn-Labs/webproof/pkg/manifest"
)

// ErrUnsupportedScheme is returned for locations the loader cannot fetch.
var ErrUnsupportedScheme = errors.New("unsupported manifest location scheme")

const maxManifestBytes = 4 << 20

// Cache stores fetched documents by location.
type Cache interface {
	Get(ctx context.Context, location string) ([]byte, bool, error)
	Set(ctx context.Context, location string, data []byte, ttl time.Duration) error
}

// S3Config configures the s3:// scheme.
type S3Config struct {
	Region   string
	Endpoint string // Optional custom endpoint (for MinIO, LocalStack, etc.)
}

// Option configures a Loader.
type Option func(*Loader)

// WithHTTPClient sets the client for http(s) locations.
func WithHTTPClient(c *http.Client) Option {
	return func(l *Loader) { l.http = c }
}

// WithCache caches remote documents for ttl. Cache failures are logged and
// never fail a load.
func WithCache(c Cache, ttl time.Duration) Option {
	return func(l *Loader) {
		l.cache = c
		l.cacheTTL = ttl
	}
}

// WithS3 configures the s3:// scheme.
func WithS3(cfg S3Config) Option {
	return func(l *Loader) { l.s3cfg = cfg }
}

// WithS3Client uses client for s3:// locations.
func WithS3Client(client *s3.Client) Option {
	return func(l *Loader) { l.s3 = client }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) { l.logger = logger }
}

// Loader fetches and parses manifests.
type Loader struct {
	http     *http.Client
	s3cfg    S3Config
	s3mu     sync.Mutex
	s3       *s3.Client
	cache    Cache
	cacheTTL time.Duration
	logger   *slog.Logger
}

// NewLoader creates a loader.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{
		http: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	l.logger = l.logger.With("component", "source")
	return l
}

// Load fetches location and parses it as a manifest.
func (l *Loader) Load(ctx context.Context, location string) (*manifest.ManifestFile, error) {
	data, err := l.Fetch(ctx, location)
	if err != nil {
		return nil, err
	}
	m, err := manifest.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", location, err)
	}
	return m, nil
}

// Fetch returns the raw document at location. A location without a scheme is
// a local path.
func (l *Loader) Fetch(ctx context.Context, location string) ([]byte, error) {
	u, err := url.Parse(location)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// No scheme, or a Windows drive letter.
		return readFile(location)
	}

	switch u.Scheme {
	case "file":
		return readFile(u.Path)
	case "http", "https", "s3", "gs":
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}

	if data, ok := l.cached(ctx, location); ok {
		return data, nil
	}

	var data []byte
	switch u.Scheme {
	case "http", "https":
		data, err = l.fetchHTTP(ctx, location)
	case "s3":
		data, err = l.fetchS3(ctx, u.Host, strings.TrimPrefix(u.Path, "/"))
	case "gs":
		data, err = fetchGCS(ctx, u.Host, strings.TrimPrefix(u.Path, "/"))
	}
	if err != nil {
		return nil, err
	}
	l.store(ctx, location, data)
	return data, nil
}

func (l *Loader) cached(ctx context.Context, location string) ([]byte, bool) {
	if l.cache == nil {
		return nil, false
	}
	data, ok, err := l.cache.Get(ctx, location)
	if err != nil {
		l.logger.WarnContext(ctx, "manifest cache read failed", "location", location, "error", err)
		return nil, false
	}
	if ok {
		l.logger.DebugContext(ctx, "manifest cache hit", "location", location)
	}
	return data, ok
}

func (l *Loader) store(ctx context.Context, location string, data []byte) {
	if l.cache == nil {
		return
	}
	if err := l.cache.Set(ctx, location, data, l.cacheTTL); err != nil {
		l.logger.WarnContext(ctx, "manifest cache write failed", "location", location, "error", err)
	}
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("source: read %s: %w", path, err)
	}
	return data, nil
}

func (l *Loader) fetchHTTP(ctx context.Context, location string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, fmt.Errorf("source: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := l.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("source: get %s: %w", location, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("source: get %s: %s", location, resp.Status)
	}
	return readLimited(resp.Body)
}

func (l *Loader) fetchS3(ctx context.Context, bucket, key string) ([]byte, error) {
	client, err := l.s3Client(ctx)
	if err != nil {
		return nil, err
	}
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get failed for s3://%s/%s: %w", bucket, key, err)
	}
	defer func() { _ = out.Body.Close() }()
	return readLimited(out.Body)
}

func readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxManifestBytes+1))
	if err != nil {
		return nil, fmt.Errorf("source: read body: %w", err)
	}
	if len(data) > maxManifestBytes {
		return nil, fmt.Errorf("source: manifest exceeds %d bytes", maxManifestBytes)
	}
	return data, nil
}
