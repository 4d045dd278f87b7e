package notion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/fclairamb/notrition/internal/apperrors"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// pageIDKey is the context key for storing the current page ID.
	pageIDKey contextKey = "pageID"
)

// WithPageID returns a new context with the page ID stored.
func WithPageID(ctx context.Context, pageID string) context.Context {
	return context.WithValue(ctx, pageIDKey, pageID)
}

// PageIDFromContext extracts the page ID from context, returns empty string if not set.
func PageIDFromContext(ctx context.Context) string {
	if v := ctx.Value(pageIDKey); v != nil {
		if pageID, ok := v.(string); ok {
			return pageID
		}
	}
	return ""
}

const (
	// BaseURL is the Notion API base URL.
	BaseURL = "https://api.notion.com/v1"
	// APIVersion is the Notion API version to use.
	APIVersion = "2022-06-28"

	// HTTP client configuration.
	httpTimeout = 30 * time.Second // Timeout for HTTP requests

	// Rate limiting configuration (~3 requests/second).
	rateLimitInterval = 350 * time.Millisecond

	// Retry configuration for 429 responses.
	maxRetries     = 5
	initialBackoff = time.Second

	// HTTP status codes.
	httpStatusBadRequest = 400 // First status code indicating an error
)

// Request is a raw Notion API call. It is what the proxy relays on behalf of a remote caller.
type Request struct {
	Method string          `json:"method"`
	Path   string          `json:"path"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// Client is a Notion API client with rate limiting.
type Client struct {
	httpClient    *http.Client
	token         string
	rateLimiter   *rate.Limiter
	baseURL       string
	apiVersion    string
	maxChildPages int
	logger        *slog.Logger
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = l
	}
}

// WithBaseURL sets a custom base URL (useful for testing).
func WithBaseURL(url string) ClientOption {
	return func(client *Client) {
		if url != "" {
			client.baseURL = url
		}
	}
}

// WithRateLimiter shares a rate limiter between clients, so that all tokens used by one
// process stay under the Notion request budget together.
func WithRateLimiter(l *rate.Limiter) ClientOption {
	return func(client *Client) {
		if l != nil {
			client.rateLimiter = l
		}
	}
}

// WithMaxChildPages bounds how many pages of children GetChildren follows.
func WithMaxChildPages(n int) ClientOption {
	return func(client *Client) {
		if n > 0 {
			client.maxChildPages = n
		}
	}
}

// NewRateLimiter returns a limiter matching the Notion request budget.
func NewRateLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(rateLimitInterval), 1) // ~3 req/s
}

// NewClient creates a new Notion API client.
func NewClient(token string, opts ...ClientOption) *Client {
	client := &Client{
		httpClient:    &http.Client{Timeout: httpTimeout},
		token:         token,
		rateLimiter:   NewRateLimiter(),
		baseURL:       BaseURL,
		apiVersion:    APIVersion,
		maxChildPages: DefaultMaxChildPages,
		logger:        slog.Default(),
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// Perform sends a raw request and returns the upstream status and body as-is. Only transport
// failures are returned as errors; timeouts become an APIError with CodeRequestTimeout.
func (c *Client) Perform(ctx context.Context, req Request) (int, []byte, error) {
	return c.send(ctx, req.Method, req.Path, req.Body)
}

// do performs an HTTP request and decodes the result, turning error statuses into errors.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var payload []byte
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		payload = jsonBody
	}

	status, respBody, err := c.send(ctx, method, path, payload)
	if err != nil {
		return err
	}

	if status >= httpStatusBadRequest {
		return DecodeError(status, respBody)
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}

	return nil
}

// DecodeError turns an error response body into an *APIError, or an *apperrors.HTTPError
// when the body is not a Notion error object.
func DecodeError(status int, body []byte) error {
	var errResp APIError
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Object != "error" {
		return apperrors.NewHTTPError(status, string(body))
	}
	if errResp.Status == 0 {
		errResp.Status = status
	}
	return &errResp
}

// send performs an HTTP request with rate limiting and retries on 429.
//
//nolint:funlen // HTTP client with retry logic and error handling
func (c *Client) send(ctx context.Context, method, path string, payload []byte) (int, []byte, error) {
	logArgs := []any{"method", method, "path", path}
	if pageID := PageIDFromContext(ctx); pageID != "" {
		logArgs = append(logArgs, "page_id", pageID)
	}
	c.logger.DebugContext(ctx, "API request", logArgs...)
	startTime := time.Now()

	backoff := initialBackoff

	for attempt := range maxRetries {
		// Wait for rate limiter
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return 0, nil, fmt.Errorf("rate limiter: %w", err)
		}

		var bodyReader io.Reader
		if payload != nil {
			bodyReader = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return 0, nil, fmt.Errorf("create request: %w", err)
		}

		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Notion-Version", c.apiVersion)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if isTimeout(err) {
				return 0, nil, &APIError{
					Object:  "error",
					Status:  http.StatusGatewayTimeout,
					Code:    CodeRequestTimeout,
					Message: fmt.Sprintf("notion request timed out: %s %s", method, path),
				}
			}
			return 0, nil, fmt.Errorf("do request: %w", err)
		}

		respBody, err := io.ReadAll(resp.Body)
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.WarnContext(ctx, "failed to close response body", "error", closeErr)
		}
		if err != nil {
			return 0, nil, fmt.Errorf("read response: %w", err)
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			rateLimitArgs := append([]any{"attempt", attempt + 1, "backoff", backoff}, logArgs...)
			c.logger.WarnContext(ctx, "rate limited, backing off", rateLimitArgs...)
			select {
			case <-ctx.Done():
				return 0, nil, ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
				continue
			}
		}

		respLogArgs := append([]any{"status", resp.StatusCode, "duration", time.Since(startTime)}, logArgs...)
		c.logger.DebugContext(ctx, "API response", respLogArgs...)

		return resp.StatusCode, respBody, nil
	}

	return 0, nil, apperrors.ErrMaxRetriesExceeded
}

// isTimeout reports whether a transport error is a timeout (client timeout or deadline).
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
