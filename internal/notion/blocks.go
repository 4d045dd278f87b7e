package notion

import (
	"context"
	"fmt"
	"net/url"
)

const (
	// DefaultMaxChildPages bounds children pagination (100 blocks per page).
	DefaultMaxChildPages = 10

	// API pagination settings.
	defaultPageSize = 100 // Default number of results per page
)

// GetBlockChildren retrieves one page of children of a block.
func (c *Client) GetBlockChildren(ctx context.Context, blockID string, cursor string) (*BlockChildrenResponse, error) {
	path := fmt.Sprintf("/blocks/%s/children?page_size=%d", blockID, defaultPageSize)
	if cursor != "" {
		path += "&start_cursor=" + url.QueryEscape(cursor)
	}

	var result BlockChildrenResponse
	if err := c.do(ctx, "GET", path, nil, &result); err != nil {
		return nil, fmt.Errorf("get block children %s: %w", blockID, err)
	}

	return &result, nil
}

// GetChildren retrieves the top-level children of a page, following pagination for at most
// maxChildPages pages. Nested children are not fetched.
func (c *Client) GetChildren(ctx context.Context, blockID string) ([]Block, error) {
	return collectChildren(ctx, c, blockID, c.maxChildPages, c.logger)
}

// childPager is the single-page fetch shared by the direct and proxied clients.
type childPager interface {
	GetBlockChildren(ctx context.Context, blockID string, cursor string) (*BlockChildrenResponse, error)
}

type warnLogger interface {
	WarnContext(ctx context.Context, msg string, args ...any)
}

func collectChildren(ctx context.Context, pager childPager, blockID string, maxPages int, logger warnLogger) ([]Block, error) {
	if maxPages <= 0 {
		maxPages = DefaultMaxChildPages
	}

	blocks := []Block{}
	var cursor string

	for range maxPages {
		result, err := pager.GetBlockChildren(ctx, blockID, cursor)
		if err != nil {
			return nil, err
		}

		blocks = append(blocks, result.Results...)

		if !result.HasMore || result.NextCursor == nil {
			return blocks, nil
		}
		cursor = *result.NextCursor
	}

	logger.WarnContext(ctx, "block children truncated",
		"block_id", blockID,
		"max_pages", maxPages,
		"count", len(blocks))
	return blocks, nil
}
