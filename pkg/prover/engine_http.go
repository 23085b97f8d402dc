package prover

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const maxResponseBytes = 16 << 20

// HTTPEngine posts the config to a remote prover endpoint. It is safe for
// concurrent use.
type HTTPEngine struct {
	endpoint   string
	client     *http.Client
	limiter    *rate.Limiter
	signingKey []byte
	issuer     string
	tokenTTL   time.Duration
}

// HTTPOption configures an HTTPEngine.
type HTTPOption func(*HTTPEngine)

// WithHTTPClient sets the client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(e *HTTPEngine) { e.client = c }
}

// WithRateLimit bounds outgoing requests to rps with the given burst.
func WithRateLimit(rps float64, burst int) HTTPOption {
	return func(e *HTTPEngine) {
		if rps > 0 {
			if burst < 1 {
				burst = 1
			}
			e.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// WithBearerToken signs a short-lived HS256 token per request.
func WithBearerToken(key []byte, issuer string, ttl time.Duration) HTTPOption {
	return func(e *HTTPEngine) {
		e.signingKey = key
		e.issuer = issuer
		e.tokenTTL = ttl
	}
}

// NewHTTPEngine creates an engine for endpoint.
func NewHTTPEngine(endpoint string, opts ...HTTPOption) *HTTPEngine {
	e := &HTTPEngine{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 5 * time.Minute},
		tokenTTL: time.Minute,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Invoke posts config and returns the response body. Non-2xx responses that
// carry a JSON body are returned as-is so an {"error"} payload reaches the
// caller; other failures are errors.
func (e *HTTPEngine) Invoke(ctx context.Context, config []byte) ([]byte, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("http engine: rate limit: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(config))
	if err != nil {
		return nil, fmt.Errorf("http engine: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if len(e.signingKey) > 0 {
		token, err := e.token()
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http engine: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("http engine: read response: %w", err)
	}
	if resp.StatusCode/100 != 2 && !isJSONResponse(resp) {
		return nil, fmt.Errorf("http engine: endpoint returned %s", resp.Status)
	}
	return body, nil
}

func (e *HTTPEngine) token() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    e.issuer,
		Subject:   "prove",
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(e.tokenTTL)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(e.signingKey)
	if err != nil {
		return "", fmt.Errorf("http engine: sign token: %w", err)
	}
	return signed, nil
}

func isJSONResponse(resp *http.Response) bool {
	return strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json")
}
