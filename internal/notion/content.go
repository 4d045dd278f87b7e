package notion

import (
	"context"
	"fmt"
	"log/slog"
)

// ContentSource fetches page content with one credential.
type ContentSource interface {
	GetPage(ctx context.Context, pageID string) (*Page, error)
	GetChildren(ctx context.Context, blockID string) ([]Block, error)
}

// Connector returns a ContentSource authenticated with the credential identified by
// credentialID. The raw bearer secret stays behind the connector.
type Connector interface {
	ForCredential(ctx context.Context, userID, credentialID string) (ContentSource, error)
}

// FetchContent retrieves a page and its top-level children.
func FetchContent(ctx context.Context, src ContentSource, pageID string) (*PageContent, error) {
	page, err := src.GetPage(ctx, pageID)
	if err != nil {
		return nil, err
	}

	children, err := src.GetChildren(ctx, pageID)
	if err != nil {
		return nil, err
	}

	return &PageContent{Page: page, Children: children}, nil
}

// TokenResolver maps a (user, credential ID) pair to the bearer secret stored server side.
type TokenResolver interface {
	ResolveToken(ctx context.Context, userID, credentialID string) (string, error)
}

// TokenResolverFunc adapts a function to TokenResolver.
type TokenResolverFunc func(ctx context.Context, userID, credentialID string) (string, error)

// ResolveToken implements TokenResolver.
func (f TokenResolverFunc) ResolveToken(ctx context.Context, userID, credentialID string) (string, error) {
	return f(ctx, userID, credentialID)
}

// TokenConnector builds direct API clients from stored tokens. It is used server side.
type TokenConnector struct {
	resolver TokenResolver
	opts     []ClientOption
	logger   *slog.Logger
}

// NewTokenConnector creates a connector resolving tokens through resolver. The options are
// applied to every client it creates; pass WithRateLimiter to share one request budget.
func NewTokenConnector(resolver TokenResolver, logger *slog.Logger, opts ...ClientOption) *TokenConnector {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenConnector{
		resolver: resolver,
		opts:     append([]ClientOption{WithLogger(logger)}, opts...),
		logger:   logger,
	}
}

// ForCredential implements Connector.
func (t *TokenConnector) ForCredential(ctx context.Context, userID, credentialID string) (ContentSource, error) {
	token, err := t.resolver.ResolveToken(ctx, userID, credentialID)
	if err != nil {
		return nil, fmt.Errorf("resolve credential %s: %w", credentialID, err)
	}
	return t.Client(token), nil
}

// Client returns a client for a raw token, with the connector's options.
func (t *TokenConnector) Client(token string) *Client {
	return NewClient(token, t.opts...)
}
