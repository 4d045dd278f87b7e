package notion

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
)

// ProxyPath is where the server exposes the Notion proxy.
const ProxyPath = "/api/notionApiProxy"

// ProxyRequest is the body accepted by the proxy endpoint.
type ProxyRequest struct {
	NotionAccessTokenID string  `json:"notionAccessTokenId"`
	NotionAPIRequest    Request `json:"notionApiRequest"`
}

// ProxyClient reaches Notion through a notrition server. The caller only knows credential
// IDs and its own session token; the server swaps the ID for the stored bearer secret.
type ProxyClient struct {
	httpClient    *http.Client
	serverURL     string
	sessionToken  string
	maxChildPages int
	logger        *slog.Logger
}

// ProxyOption configures a ProxyClient.
type ProxyOption func(*ProxyClient)

// WithProxyHTTPClient sets the HTTP client used to reach the server.
func WithProxyHTTPClient(c *http.Client) ProxyOption {
	return func(p *ProxyClient) {
		p.httpClient = c
	}
}

// WithProxyLogger sets a custom logger.
func WithProxyLogger(l *slog.Logger) ProxyOption {
	return func(p *ProxyClient) {
		p.logger = l
	}
}

// WithProxyMaxChildPages bounds how many pages of children GetChildren follows.
func WithProxyMaxChildPages(n int) ProxyOption {
	return func(p *ProxyClient) {
		if n > 0 {
			p.maxChildPages = n
		}
	}
}

// NewProxyClient creates a proxy client for the server at serverURL.
func NewProxyClient(serverURL, sessionToken string, opts ...ProxyOption) *ProxyClient {
	proxy := &ProxyClient{
		httpClient:    &http.Client{Timeout: httpTimeout},
		serverURL:     strings.TrimRight(serverURL, "/"),
		sessionToken:  sessionToken,
		maxChildPages: DefaultMaxChildPages,
		logger:        slog.Default(),
	}

	for _, opt := range opts {
		opt(proxy)
	}

	return proxy
}

// ForCredential implements Connector. The user is the one owning the session token.
func (p *ProxyClient) ForCredential(_ context.Context, _, credentialID string) (ContentSource, error) {
	return &proxySource{proxy: p, credentialID: credentialID}, nil
}

// perform relays one Notion request and decodes the result or the error.
func (p *ProxyClient) perform(ctx context.Context, credentialID string, req Request, result any) error {
	payload, err := json.Marshal(ProxyRequest{
		NotionAccessTokenID: credentialID,
		NotionAPIRequest:    req,
	})
	if err != nil {
		return fmt.Errorf("marshal proxy request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+ProxyPath, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create proxy request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.sessionToken)

	p.logger.DebugContext(ctx, "proxy request",
		"credential_id", credentialID,
		"method", req.Method,
		"path", req.Path)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return &APIError{Object: "error", Status: http.StatusGatewayTimeout, Code: CodeRequestTimeout, Message: err.Error()}
		}
		return fmt.Errorf("do proxy request: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			p.logger.WarnContext(ctx, "failed to close response body", "error", closeErr)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read proxy response: %w", err)
	}

	if resp.StatusCode >= httpStatusBadRequest {
		return DecodeError(resp.StatusCode, body)
	}

	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("unmarshal proxy response: %w", err)
	}
	return nil
}

// proxySource is a ContentSource bound to one credential.
type proxySource struct {
	proxy        *ProxyClient
	credentialID string
}

func (s *proxySource) GetPage(ctx context.Context, pageID string) (*Page, error) {
	var page Page
	req := Request{Method: http.MethodGet, Path: "/pages/" + pageID}
	if err := s.proxy.perform(ctx, s.credentialID, req, &page); err != nil {
		return nil, fmt.Errorf("get page %s: %w", pageID, err)
	}
	return &page, nil
}

func (s *proxySource) GetBlockChildren(ctx context.Context, blockID string, cursor string) (*BlockChildrenResponse, error) {
	path := fmt.Sprintf("/blocks/%s/children?page_size=%d", blockID, defaultPageSize)
	if cursor != "" {
		path += "&start_cursor=" + url.QueryEscape(cursor)
	}

	var result BlockChildrenResponse
	if err := s.proxy.perform(ctx, s.credentialID, Request{Method: http.MethodGet, Path: path}, &result); err != nil {
		return nil, fmt.Errorf("get block children %s: %w", blockID, err)
	}
	return &result, nil
}

func (s *proxySource) GetChildren(ctx context.Context, blockID string) ([]Block, error) {
	return collectChildren(ctx, s, blockID, s.proxy.maxChildPages, s.proxy.logger)
}
