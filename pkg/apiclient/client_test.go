package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/drawing-exporter/internal/testutil"
	"github.com/Sternrassler/drawing-exporter/pkg/ratelimit"
)

// newTestClient creates a client against the mock service with instant backoff.
func newTestClient(t *testing.T, mock *testutil.MockService) *Client {
	t.Helper()

	cfg := DefaultConfig(mock.URL(), "access", "secret", "company-1")
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = time.Millisecond

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	c.logger = zerolog.Nop()
	c.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return c
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name        string
		config      Config
		expectError bool
		errorMsg    string
	}{
		{
			name:        "valid config",
			config:      DefaultConfig("https://cad.example.com", "ak", "sk", "c1"),
			expectError: false,
		},
		{
			name:        "empty base url",
			config:      DefaultConfig("", "ak", "sk", "c1"),
			expectError: true,
			errorMsg:    "baseURL cannot be empty",
		},
		{
			name:        "empty access key",
			config:      DefaultConfig("https://cad.example.com", "", "sk", "c1"),
			expectError: true,
			errorMsg:    "accessKey cannot be empty",
		},
		{
			name:        "empty secret key",
			config:      DefaultConfig("https://cad.example.com", "ak", "", "c1"),
			expectError: true,
			errorMsg:    "secretKey cannot be empty",
		},
		{
			name:        "relative base url",
			config:      DefaultConfig("cad.example.com", "ak", "sk", "c1"),
			expectError: true,
			errorMsg:    `baseURL must be absolute (got "cad.example.com")`,
		},
		{
			name: "negative retries",
			config: Config{
				BaseURL:    "https://cad.example.com",
				AccessKey:  "ak",
				SecretKey:  "sk",
				MaxRetries: -1,
			},
			expectError: true,
			errorMsg:    "max_retries must be >= 0 (got -1)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := New(tt.config)

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got nil")
					return
				}
				if tt.errorMsg != "" && err.Error() != tt.errorMsg {
					t.Errorf("Error message = %q, want %q", err.Error(), tt.errorMsg)
				}
				return
			}

			if err != nil {
				t.Errorf("Unexpected error: %v", err)
				return
			}
			if client == nil {
				t.Error("Expected client but got nil")
			}
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	c, err := New(Config{BaseURL: "https://cad.example.com/root", AccessKey: "ak", SecretKey: "sk", CompanyID: "c1"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if c.config.RequestTimeout != 10*time.Minute {
		t.Errorf("RequestTimeout = %v, want 10m", c.config.RequestTimeout)
	}
	if c.CompanyID() != "c1" {
		t.Errorf("CompanyID() = %q, want c1", c.CompanyID())
	}
	if c.baseURL.String() != "https://cad.example.com/root/" {
		t.Errorf("baseURL = %q, want trailing slash", c.baseURL.String())
	}
}

func TestResolve(t *testing.T) {
	c, err := New(DefaultConfig("https://cad.example.com/", "ak", "sk", "c1"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	tests := []struct {
		name string
		ref  string
		want string
	}{
		{
			name: "relative path",
			ref:  "api/documents/d1",
			want: "https://cad.example.com/api/documents/d1",
		},
		{
			name: "relative path with query",
			ref:  "api/revisions/companies/c1?offset=0&after=2000-01-01T00:00:00.000Z",
			want: "https://cad.example.com/api/revisions/companies/c1?offset=0&after=2000-01-01T00:00:00.000Z",
		},
		{
			name: "absolute reference",
			ref:  "https://other.example.com/api/translations/t1",
			want: "https://other.example.com/api/translations/t1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := c.Resolve(tt.ref)
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if u.String() != tt.want {
				t.Errorf("Resolve() = %q, want %q", u.String(), tt.want)
			}
		})
	}
}

func TestGet_SignedAndDecoded(t *testing.T) {
	mock := testutil.NewMockService()
	defer mock.Close()
	mock.SetResponse("GET /api/documents/d1", testutil.NewJSONResponse(`{"id":"d1","trash":false}`))

	c := newTestClient(t, mock)

	var doc struct {
		ID    string `json:"id"`
		Trash bool   `json:"trash"`
	}
	if err := c.Get(context.Background(), "api/documents/d1?x=1&y=a%20b", &doc); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if doc.ID != "d1" {
		t.Errorf("doc.ID = %q, want d1", doc.ID)
	}

	req, ok := mock.LastRequest()
	if !ok {
		t.Fatal("Expected a request")
	}
	if req.RawQuery != "x=1&y=a%20b" {
		t.Errorf("RawQuery = %q, want verbatim query", req.RawQuery)
	}

	nonce := req.Header.Get(HeaderNonce)
	date := req.Header.Get(HeaderDate)
	if len(nonce) != NonceLength {
		t.Errorf("On-Nonce length = %d, want %d", len(nonce), NonceLength)
	}
	if _, err := http.ParseTime(date); err != nil {
		t.Errorf("Date header %q is not an HTTP-date: %v", date, err)
	}
	if req.Header.Get(HeaderAccept) != AcceptMediaType {
		t.Errorf("Accept = %q", req.Header.Get(HeaderAccept))
	}

	wantSig := c.signer.Signature("GET", nonce, date, DefaultContentType, "/api/documents/d1", "x=1&y=a%20b")
	if got := req.Header.Get(HeaderAuthorization); got != "On access:HmacSHA256:"+wantSig {
		t.Errorf("Authorization = %q", got)
	}
}

func TestGet_NilOutDiscardsBody(t *testing.T) {
	mock := testutil.NewMockService()
	defer mock.Close()
	mock.SetResponse("/api/ping", testutil.NewJSONResponse(`{"ok":true}`))

	c := newTestClient(t, mock)
	if err := c.Get(context.Background(), "api/ping", nil); err != nil {
		t.Errorf("Get() error = %v", err)
	}
}

func TestGet_ClientErrorNotRetried(t *testing.T) {
	mock := testutil.NewMockService()
	defer mock.Close()
	mock.SetResponse("/api/documents/missing", testutil.NewNotFoundResponse())

	c := newTestClient(t, mock)
	err := c.Get(context.Background(), "api/documents/missing", nil)

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want 404", apiErr.StatusCode)
	}
	if apiErr.Class != ErrorClassClient {
		t.Errorf("Class = %q, want client", apiErr.Class)
	}
	if !strings.Contains(apiErr.Body, "Not found") {
		t.Errorf("Body = %q, want response body", apiErr.Body)
	}
	if n := mock.GetRequestCount(); n != 1 {
		t.Errorf("Expected 1 request, got %d", n)
	}
}

func TestGet_ServerErrorRetried(t *testing.T) {
	mock := testutil.NewMockService()
	defer mock.Close()
	mock.SetSequence("/api/documents/d1",
		testutil.NewServerErrorResponse(),
		testutil.NewServerErrorResponse(),
		testutil.NewJSONResponse(`{"id":"d1"}`),
	)

	c := newTestClient(t, mock)
	if err := c.Get(context.Background(), "api/documents/d1", nil); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if n := mock.GetRequestCount(); n != 3 {
		t.Errorf("Expected 3 requests, got %d", n)
	}
}

func TestGet_RetryExhausted(t *testing.T) {
	mock := testutil.NewMockService()
	defer mock.Close()
	mock.SetResponse("/api/documents/d1", testutil.NewServerErrorResponse())

	c := newTestClient(t, mock)
	err := c.Get(context.Background(), "api/documents/d1", nil)

	if !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("Expected ErrRetryExhausted, got %v", err)
	}
	if StatusCode(err) != http.StatusInternalServerError {
		t.Errorf("StatusCode(err) = %d, want 500", StatusCode(err))
	}
	if n := mock.GetRequestCount(); n != 4 {
		t.Errorf("Expected 1 + 3 retries = 4 requests, got %d", n)
	}
}

func TestPost_JSONBodyNotRetried(t *testing.T) {
	mock := testutil.NewMockService()
	defer mock.Close()
	mock.SetResponse("POST /api/translations", testutil.NewServerErrorResponse())

	c := newTestClient(t, mock)
	body := map[string]any{"formatName": "PDF", "storeInDocument": false}
	err := c.Post(context.Background(), "api/translations", body, nil)

	if StatusCode(err) != http.StatusInternalServerError {
		t.Errorf("Expected 500 APIError, got %v", err)
	}
	if n := mock.GetRequestCount(); n != 1 {
		t.Errorf("POST must not be retried, got %d requests", n)
	}

	req, _ := mock.LastRequest()
	var got map[string]any
	if err := json.Unmarshal([]byte(req.Body), &got); err != nil {
		t.Fatalf("request body is not JSON: %v", err)
	}
	if got["formatName"] != "PDF" {
		t.Errorf("formatName = %v, want PDF", got["formatName"])
	}
	if req.Header.Get(HeaderContentType) != "application/json" {
		t.Errorf("Content-Type = %q", req.Header.Get(HeaderContentType))
	}
}

func TestPost_DecodesResponse(t *testing.T) {
	mock := testutil.NewMockService()
	defer mock.Close()
	mock.SetResponse("POST /api/translations", testutil.NewJSONResponse(`{"href":"https://cad.example.com/api/translations/t1"}`))

	c := newTestClient(t, mock)
	var out struct {
		Href string `json:"href"`
	}
	if err := c.Post(context.Background(), "api/translations", struct{}{}, &out); err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	if out.Href != "https://cad.example.com/api/translations/t1" {
		t.Errorf("Href = %q", out.Href)
	}
}

func TestDelete(t *testing.T) {
	mock := testutil.NewMockService()
	defer mock.Close()
	mock.SetResponse("DELETE /api/translations/t1", testutil.NewJSONResponse(`{}`))

	c := newTestClient(t, mock)
	if err := c.Delete(context.Background(), "api/translations/t1", nil); err != nil {
		t.Errorf("Delete() error = %v", err)
	}
	if n := mock.CountRequests(http.MethodDelete, "/api/translations/t1"); n != 1 {
		t.Errorf("Expected 1 DELETE, got %d", n)
	}
}

func TestDownloadToFile(t *testing.T) {
	mock := testutil.NewMockService()
	defer mock.Close()
	mock.SetResponse("/api/documents/d/d1/externaldata/x1", testutil.NewBinaryResponse("%PDF-1.7 test"))

	c := newTestClient(t, mock)
	dir := t.TempDir()
	dest := filepath.Join(dir, "D1_A.pdf")

	if err := c.DownloadToFile(context.Background(), "api/documents/d/d1/externaldata/x1", dest); err != nil {
		t.Fatalf("DownloadToFile() error = %v", err)
	}

	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != "%PDF-1.7 test" {
		t.Errorf("file content = %q", data)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("Expected only the destination file, got %d entries", len(entries))
	}
}

func TestDownloadToFile_FailureLeavesNoFile(t *testing.T) {
	mock := testutil.NewMockService()
	defer mock.Close()
	mock.SetResponse("/api/documents/d/d1/externaldata/x1", testutil.NewNotFoundResponse())

	c := newTestClient(t, mock)
	dir := t.TempDir()
	dest := filepath.Join(dir, "D1_A.pdf")

	if err := c.DownloadToFile(context.Background(), "api/documents/d/d1/externaldata/x1", dest); err == nil {
		t.Fatal("Expected error")
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("Expected empty directory, got %d entries", len(entries))
	}
}

func TestGet_RateLimitRetryAfter(t *testing.T) {
	mock := testutil.NewMockService()
	defer mock.Close()
	mock.SetSequence("/api/documents/d1",
		testutil.NewRateLimitResponse("7"),
		testutil.NewJSONResponse(`{"id":"d1"}`),
	)

	var waits []time.Duration
	tracker := ratelimit.NewTracker(nil, "company-1", zerolog.Nop(),
		ratelimit.WithSleep(func(ctx context.Context, d time.Duration) error {
			waits = append(waits, d)
			return nil
		}),
	)

	cfg := DefaultConfig(mock.URL(), "access", "secret", "company-1")
	cfg.RateLimiter = tracker
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	c.logger = zerolog.Nop()
	c.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	if err := c.Get(context.Background(), "api/documents/d1", nil); err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	// Second attempt waits out Retry-After and throttles on the zero budget
	if len(waits) != 2 {
		t.Fatalf("tracker waits = %v, want Retry-After wait and throttle", waits)
	}
	if waits[0] <= 5*time.Second || waits[0] > 7*time.Second {
		t.Errorf("Retry-After wait = %v, want about 7s", waits[0])
	}
	if waits[1] != ratelimit.ThrottleDelay {
		t.Errorf("throttle = %v, want %v", waits[1], ratelimit.ThrottleDelay)
	}

	state, _ := tracker.GetState(context.Background())
	if state.Remaining != 100 {
		t.Errorf("Remaining = %d, want 100 from the last response", state.Remaining)
	}
}

func TestGet_ContextCancelled(t *testing.T) {
	mock := testutil.NewMockService()
	defer mock.Close()
	mock.SetResponse("/api/slow", testutil.MockResponse{StatusCode: 200, Body: "{}", Delay: 200 * time.Millisecond})

	c := newTestClient(t, mock)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := c.Get(ctx, "api/slow", nil)
	if !errors.Is(err, ErrContextCancelled) {
		t.Errorf("Expected ErrContextCancelled, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected context.DeadlineExceeded, got %v", err)
	}
}

func TestGet_RequestTimeout(t *testing.T) {
	mock := testutil.NewMockService()
	defer mock.Close()
	mock.SetResponse("/api/slow", testutil.MockResponse{StatusCode: 200, Body: "{}", Delay: 200 * time.Millisecond})

	c := newTestClient(t, mock)
	c.config.RequestTimeout = 20 * time.Millisecond
	c.config.MaxRetries = 0

	err := c.Get(context.Background(), "api/slow", nil)

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected APIError, got %v", err)
	}
	if apiErr.Class != ErrorClassNetwork {
		t.Errorf("Class = %q, want network", apiErr.Class)
	}
}
