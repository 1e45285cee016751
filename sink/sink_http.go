package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/baldanca/cve-ingestor/encoder"
)

// HTTPClientConfig configures the client shared by HTTP committers.
type HTTPClientConfig struct {
	// BaseURL is prefixed to every endpoint path.
	BaseURL string

	// Timeout for individual requests (default: 60s).
	Timeout time.Duration

	// RateLimit requests per second across all committers (default: 20).
	RateLimit float64

	// RateBurst maximum burst size (default: 10).
	RateBurst int

	// Transport allows injecting a custom HTTP transport (for tests/stubs).
	Transport http.RoundTripper
}

// HTTPClient is a rate-limited client for a bulk API.
type HTTPClient struct {
	base        *url.URL
	httpClient  *http.Client
	rateLimiter *rate.Limiter
}

func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("base url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 20
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 10
	}

	return &HTTPClient{
		base: base,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: cfg.Transport,
		},
		rateLimiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
	}, nil
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Body       []byte
}

// Do sends one request after waiting for the rate limiter.
func (c *HTTPClient) Do(ctx context.Context, method, path, contentType string, body []byte) (*Response, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Body: data}, nil
}

// Endpoint is one bulk operation of the API and the status it answers with on success.
type Endpoint struct {
	Method     string
	Path       string
	WantStatus int
}

var (
	// CreateEndpoint inserts a batch of records.
	CreateEndpoint = Endpoint{Method: http.MethodPost, Path: "/api/cve", WantStatus: http.StatusCreated}
	// UpdateEndpoint replaces a batch of existing records.
	UpdateEndpoint = Endpoint{Method: http.MethodPut, Path: "/api/cve/bulk_update", WantStatus: http.StatusOK}
)

const maxErrorBody = 512

// StatusError is returned when the API answers with an unexpected status.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// HTTPCommitter sends each batch as one request body to a bulk endpoint.
type HTTPCommitter[T any] struct {
	client   *HTTPClient
	endpoint Endpoint
	enc      encoder.Encoder[T]
}

func NewHTTPCommitter[T any](client *HTTPClient, endpoint Endpoint, enc encoder.Encoder[T]) (*HTTPCommitter[T], error) {
	if client == nil {
		return nil, errors.New("http client is nil")
	}
	if enc == nil {
		return nil, errors.New("encoder is nil")
	}
	if endpoint.Method == "" || endpoint.Path == "" || endpoint.WantStatus == 0 {
		return nil, fmt.Errorf("incomplete endpoint %+v", endpoint)
	}
	return &HTTPCommitter[T]{client: client, endpoint: endpoint, enc: enc}, nil
}

func (c *HTTPCommitter[T]) Commit(ctx context.Context, batch []T) error {
	if len(batch) == 0 {
		return nil
	}

	body, err := c.enc.Encode(ctx, batch)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}

	resp, err := c.client.Do(ctx, c.endpoint.Method, c.endpoint.Path, c.enc.ContentType(), body)
	if err != nil {
		return fmt.Errorf("%s %s: %w", c.endpoint.Method, c.endpoint.Path, err)
	}
	if resp.StatusCode != c.endpoint.WantStatus {
		excerpt := resp.Body
		if len(excerpt) > maxErrorBody {
			excerpt = excerpt[:maxErrorBody]
		}
		return &StatusError{
			Method: c.endpoint.Method,
			Path:   c.endpoint.Path,
			Status: resp.StatusCode,
			Body:   string(excerpt),
		}
	}
	return nil
}
