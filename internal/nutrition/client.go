// Package nutrition provides a client for the Edamam nutrition analysis API.
package nutrition

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/fclairamb/notrition/internal/apperrors"
)

const (
	// BaseURL is the Edamam API base URL.
	BaseURL = "https://api.edamam.com"

	detailsPath = "/api/nutrition-details"

	httpTimeout = 60 * time.Second // Analysis of long recipes is slow

	// The developer plan allows 10 requests per minute.
	rateLimitInterval = 6 * time.Second
	rateLimitBurst    = 2
)

// Nutrient is one entry of the nutrient breakdown. Quantities are kept unrounded.
type Nutrient struct {
	Code     string  `json:"code"`
	Quantity float64 `json:"quantity"`
	Unit     string  `json:"unit"`
}

// Result is the nutrition analysis of a recipe.
type Result struct {
	Calories     float64             `json:"calories"`
	TotalWeight  float64             `json:"total_weight"`
	DietLabels   []string            `json:"diet_labels"`
	HealthLabels []string            `json:"health_labels"`
	Nutrients    map[string]Nutrient `json:"nutrients"` // keyed by label ("Energy", "Fat", ...)
}

// APIError is a non-2xx answer from Edamam.
type APIError struct {
	Status  int    `json:"status"`
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Code == "" {
		return fmt.Sprintf("edamam %d: %s", e.Status, msg)
	}
	return fmt.Sprintf("edamam %d %s: %s", e.Status, e.Code, msg)
}

// Client analyzes recipes with Edamam.
type Client struct {
	httpClient  *http.Client
	appID       string
	appKey      string
	baseURL     string
	rateLimiter *rate.Limiter
	logger      *slog.Logger
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithBaseURL sets a custom base URL (useful for testing).
func WithBaseURL(u string) ClientOption {
	return func(client *Client) {
		if u != "" {
			client.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithRateLimiter replaces the default limiter.
func WithRateLimiter(l *rate.Limiter) ClientOption {
	return func(client *Client) {
		if l != nil {
			client.rateLimiter = l
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = l
	}
}

// NewClient creates an Edamam client. It fails when the application credentials are missing.
func NewClient(appID, appKey string, opts ...ClientOption) (*Client, error) {
	if appID == "" || appKey == "" {
		return nil, apperrors.ErrNutritionNotConfigured
	}

	client := &Client{
		httpClient:  &http.Client{Timeout: httpTimeout},
		appID:       appID,
		appKey:      appKey,
		baseURL:     BaseURL,
		rateLimiter: rate.NewLimiter(rate.Every(rateLimitInterval), rateLimitBurst),
		logger:      slog.Default(),
	}

	for _, opt := range opts {
		opt(client)
	}

	return client, nil
}

type detailsRequest struct {
	Title string   `json:"title"`
	Ingr  []string `json:"ingr"`
}

type detailsResponse struct {
	Calories       float64  `json:"calories"`
	TotalWeight    float64  `json:"totalWeight"`
	DietLabels     []string `json:"dietLabels"`
	HealthLabels   []string `json:"healthLabels"`
	TotalNutrients map[string]struct {
		Label    string  `json:"label"`
		Quantity float64 `json:"quantity"`
		Unit     string  `json:"unit"`
	} `json:"totalNutrients"`
}

// GetNutritionFacts analyzes the ingredients of a recipe.
//
//nolint:funlen // request, transport and decoding in one place
func (c *Client) GetNutritionFacts(ctx context.Context, recipeName string, ingredients []string) (*Result, error) {
	if ingredients == nil {
		ingredients = []string{}
	}

	payload, err := json.Marshal(detailsRequest{Title: recipeName, Ingr: ingredients})
	if err != nil {
		return nil, fmt.Errorf("marshal nutrition request: %w", err)
	}

	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	query := url.Values{}
	query.Set("app_id", c.appID)
	query.Set("app_key", c.appKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+detailsPath+"?"+query.Encode(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.logger.DebugContext(ctx, "Nutrition request",
		"recipe", recipeName,
		"ingredients", len(ingredients))
	startTime := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// The URL carries the app key; do not let it leak through *url.Error.
		return nil, fmt.Errorf("do nutrition request: %w", redact(err, c.appKey))
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.WarnContext(ctx, "failed to close response body", "error", closeErr)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read nutrition response: %w", err)
	}

	c.logger.DebugContext(ctx, "Nutrition response",
		"status", resp.StatusCode,
		"duration", time.Since(startTime))

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		apiErr := &APIError{Status: resp.StatusCode}
		if jsonErr := json.Unmarshal(body, apiErr); jsonErr != nil {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		apiErr.Status = resp.StatusCode
		return nil, apiErr
	}

	var details detailsResponse
	if err := json.Unmarshal(body, &details); err != nil {
		return nil, fmt.Errorf("decode nutrition response: %w", err)
	}

	result := &Result{
		Calories:     details.Calories,
		TotalWeight:  details.TotalWeight,
		DietLabels:   nonNil(details.DietLabels),
		HealthLabels: nonNil(details.HealthLabels),
		Nutrients:    make(map[string]Nutrient, len(details.TotalNutrients)),
	}
	for code, n := range details.TotalNutrients {
		label := n.Label
		if label == "" {
			label = code
		}
		result.Nutrients[label] = Nutrient{Code: code, Quantity: n.Quantity, Unit: n.Unit}
	}

	return result, nil
}

func nonNil(labels []string) []string {
	if labels == nil {
		return []string{}
	}
	return labels
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

func redact(err error, secret string) error {
	if secret == "" || !strings.Contains(err.Error(), secret) {
		return err
	}
	return &redactedError{msg: strings.ReplaceAll(err.Error(), secret, "REDACTED"), err: err}
}
