// Package apiclient provides the signed HTTP client for the document service
// with retry, rate limiting and error classification.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/drawing-exporter/pkg/logging"
	"github.com/Sternrassler/drawing-exporter/pkg/ratelimit"
)

// Prometheus metrics for API client operations.
var (
	apiRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drawing_export_api_requests_total",
		Help: "Total API requests by method and status",
	}, []string{"method", "status"})

	apiRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "drawing_export_api_request_duration_seconds",
		Help:    "API request duration in seconds by method",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"method"})

	apiErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drawing_export_api_errors_total",
		Help: "Total API errors by class",
	}, []string{"class"})
)

// maxErrorBody bounds how much of a failed response body is kept in an APIError.
const maxErrorBody = 64 << 10

// Client is the signed document service client. It is constructed once per
// run and owns its credentials.
type Client struct {
	httpClient  *http.Client
	baseURL     *url.URL
	signer      *Signer
	rateLimiter *ratelimit.Tracker
	config      Config
	logger      zerolog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// Config holds the client configuration.
type Config struct {
	// BaseURL of the service, e.g. https://cad.example.com/
	BaseURL string

	// API key pair used for request signing
	AccessKey string
	SecretKey string

	// CompanyID whose revision feed is exported
	CompanyID string

	// RequestTimeout bounds each single HTTP call, including body transfer.
	RequestTimeout time.Duration

	// Retry for idempotent verbs (GET, DELETE, download)
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// RateLimiter is consulted before and updated after every request (optional).
	RateLimiter *ratelimit.Tracker

	// HTTPClient overrides the transport (optional).
	HTTPClient *http.Client
}

// DefaultConfig returns a default configuration for the given credentials.
func DefaultConfig(baseURL, accessKey, secretKey, companyID string) Config {
	return Config{
		BaseURL:        baseURL,
		AccessKey:      accessKey,
		SecretKey:      secretKey,
		CompanyID:      companyID,
		RequestTimeout: 10 * time.Minute,
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

// New creates a new client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("baseURL cannot be empty")
	}

	if cfg.AccessKey == "" {
		return nil, fmt.Errorf("accessKey cannot be empty")
	}

	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("secretKey cannot be empty")
	}

	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max_retries must be >= 0 (got %d)", cfg.MaxRetries)
	}

	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse baseURL: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("baseURL must be absolute (got %q)", cfg.BaseURL)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Minute
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &Client{
		httpClient:  httpClient,
		baseURL:     base,
		signer:      NewSigner(cfg.AccessKey, cfg.SecretKey),
		rateLimiter: cfg.RateLimiter,
		config:      cfg,
		logger:      logging.NewLogger("api"),
		sleep:       sleepContext,
	}, nil
}

// CompanyID returns the company the client exports for.
func (c *Client) CompanyID() string {
	return c.config.CompanyID
}

// Get performs a signed GET and decodes the JSON response into out.
// A nil out discards the body.
func (c *Client) Get(ctx context.Context, ref string, out any) error {
	return c.do(ctx, http.MethodGet, ref, nil, true, decodeInto(out))
}

// Post performs a signed POST with body serialized as JSON. POST is never retried.
func (c *Client) Post(ctx context.Context, ref string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request body: %w", err)
	}
	return c.do(ctx, http.MethodPost, ref, payload, false, decodeInto(out))
}

// Delete performs a signed DELETE.
func (c *Client) Delete(ctx context.Context, ref string, out any) error {
	return c.do(ctx, http.MethodDelete, ref, nil, true, decodeInto(out))
}

// DownloadToFile streams the response body of a signed GET into dest. The
// body is written to a temp file in the same directory and renamed into
// place, so dest exists only after a completed write.
func (c *Client) DownloadToFile(ctx context.Context, ref, dest string) error {
	return c.do(ctx, http.MethodGet, ref, nil, true, func(resp *http.Response) error {
		return writeFileAtomic(dest, resp.Body)
	})
}

// Resolve turns a relative reference into a full URL against the base URL.
// Absolute http(s) references are returned unchanged.
func (c *Client) Resolve(ref string) (*url.URL, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("parse reference %q: %w", ref, err)
	}
	if u.IsAbs() {
		return u, nil
	}
	return c.baseURL.ResolveReference(u), nil
}

// do runs one logical request. handle is called with a 200 response while the
// per-call timeout still covers the body transfer.
func (c *Client) do(ctx context.Context, method, ref string, body []byte, idempotent bool, handle func(*http.Response) error) error {
	target, err := c.Resolve(ref)
	if err != nil {
		return err
	}

	retryCfg := DefaultRetryConfig()
	retryCfg.MaxAttempts = 1
	if c.config.InitialBackoff > 0 {
		retryCfg.InitialBackoff = c.config.InitialBackoff
	}
	if c.config.MaxBackoff > 0 {
		retryCfg.MaxBackoff = c.config.MaxBackoff
	}
	if idempotent {
		retryCfg.MaxAttempts = c.config.MaxRetries + 1
	}

	return c.retryWithBackoff(ctx, retryCfg, func() error {
		return c.attempt(ctx, method, target, body, handle)
	})
}

func (c *Client) attempt(ctx context.Context, method string, target *url.URL, body []byte, handle func(*http.Response) error) error {
	if c.rateLimiter != nil {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %w", ErrContextCancelled, ctx.Err())
			}
			c.logger.Warn().Err(err).Msg("Rate limit check failed")
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(callCtx, method, target.String(), reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if err := c.signer.Sign(req, DefaultContentType); err != nil {
		return fmt.Errorf("sign request: %w", err)
	}

	c.logger.Debug().
		Str("method", method).
		Str("uri", target.String()).
		Msg("Executing signed request")

	startTime := time.Now()
	defer func() {
		apiRequestDuration.WithLabelValues(method).Observe(time.Since(startTime).Seconds())
	}()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrContextCancelled, ctx.Err())
		}
		apiErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		apiRequestsTotal.WithLabelValues(method, "network_error").Inc()
		c.logger.Error().Err(err).Str("method", method).Str("uri", target.String()).Msg("HTTP request failed")
		return &APIError{
			Class:   ErrorClassNetwork,
			Message: "request failed",
			Err:     err,
		}
	}
	defer resp.Body.Close()

	apiRequestsTotal.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()

	if c.rateLimiter != nil {
		if err := c.rateLimiter.UpdateFromHeaders(ctx, resp.Header); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to update rate limit from headers")
		}
	}

	if resp.StatusCode != http.StatusOK {
		errClass := classifyStatus(resp.StatusCode)
		apiErrorsTotal.WithLabelValues(string(errClass)).Inc()

		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

		c.logger.Warn().
			Str("method", method).
			Str("uri", target.String()).
			Int("status_code", resp.StatusCode).
			Str("error_class", string(errClass)).
			Msg("API request error")

		return &APIError{
			StatusCode: resp.StatusCode,
			Class:      errClass,
			Message:    resp.Status,
			Body:       string(data),
		}
	}

	if err := handle(resp); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrContextCancelled, ctx.Err())
		}
		if callCtx.Err() != nil {
			// The per-call timeout fired during the body transfer
			apiErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			return &APIError{
				StatusCode: resp.StatusCode,
				Class:      ErrorClassNetwork,
				Message:    "reading response body",
				Err:        err,
			}
		}
		return err
	}
	return nil
}

// decodeInto returns a response handler decoding JSON into out.
func decodeInto(out any) func(*http.Response) error {
	return func(resp *http.Response) error {
		if out == nil {
			_, err := io.Copy(io.Discard, resp.Body)
			return err
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("decode response: empty body")
			}
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
}

// writeFileAtomic copies r into a temp file next to dest, syncs it and
// renames it to dest. The temp file is removed on any failure.
func writeFileAtomic(dest string, r io.Reader) (err error) {
	dir := filepath.Dir(dest)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dest)+".*.part")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = io.Copy(tmp, r); err != nil {
		return fmt.Errorf("write %s: %w", dest, err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", dest, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", dest, err)
	}
	if err = os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("rename into %s: %w", dest, err)
	}
	return nil
}
