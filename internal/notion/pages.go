package notion

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/fclairamb/notrition/internal/apperrors"
)

const (
	// Notion ID format constants.
	notionIDLength         = 32 // Length of a Notion ID without dashes
	notionIDWithDashLength = 36 // Length of a Notion ID with dashes (UUID format: 8-4-4-4-12)
	uuidSegmentCount       = 5  // Number of segments in a UUID
)

// GetPage retrieves a page by ID.
func (c *Client) GetPage(ctx context.Context, pageID string) (*Page, error) {
	c.logger.DebugContext(ctx, "Fetching page", slog.String("pageId", pageID))

	before := time.Now()

	var page Page
	path := "/pages/" + pageID
	if err := c.do(ctx, "GET", path, nil, &page); err != nil {
		return nil, fmt.Errorf("get page %s: %w", pageID, err)
	}
	c.logger.DebugContext(ctx, "Page fetched", "time_spent_ms", time.Since(before).Milliseconds())
	return &page, nil
}

// NormalizeID removes dashes from a Notion ID.
func NormalizeID(id string) string {
	return strings.ReplaceAll(strings.TrimSpace(id), "-", "")
}

// ParsePageIDOrURL parses a page ID from either a raw ID or a Notion URL.
// Supports formats:
//   - Raw ID: "abc123def456..." (32 hex chars)
//   - Raw ID with dashes: "abc123de-f456-..." (UUID format)
//   - URL: "https://www.notion.so/workspace/Page-Title-abc123def456..."
//   - URL: "https://www.notion.so/abc123def456..."
func ParsePageIDOrURL(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", apperrors.ErrEmptyInput
	}

	// Check if it's a URL
	if strings.HasPrefix(input, "http://") || strings.HasPrefix(input, "https://") {
		return extractPageIDFromURL(input)
	}

	cleanID := NormalizeID(input)

	// Notion IDs are 32 hex characters
	if len(cleanID) != notionIDLength {
		return "", fmt.Errorf("%w (expected 32 chars, got %d): %s", apperrors.ErrInvalidPageIDFormat, len(cleanID), cleanID)
	}

	if !isHexString(cleanID) {
		return "", fmt.Errorf("%w (not hexadecimal): %s", apperrors.ErrInvalidPageIDFormat, cleanID)
	}

	return strings.ToLower(cleanID), nil
}

// extractPageIDFromURL extracts a Notion page ID from a URL.
func extractPageIDFromURL(input string) (string, error) {
	parsedURL, err := url.Parse(input)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}

	// Format: /workspace/Page-Title-{pageID} or /{pageID}
	path := strings.Trim(parsedURL.Path, "/")
	parts := strings.Split(path, "/")
	lastPart := parts[len(parts)-1]

	if len(lastPart) >= notionIDLength {
		possibleID := lastPart[len(lastPart)-notionIDLength:]
		if isHexString(possibleID) {
			return strings.ToLower(possibleID), nil
		}
	}

	// Try to find ID with dashes (36 chars: 8-4-4-4-12)
	if strings.Contains(lastPart, "-") {
		segments := strings.Split(lastPart, "-")
		if len(segments) >= uuidSegmentCount {
			uuidParts := segments[len(segments)-uuidSegmentCount:]
			possibleUUID := strings.Join(uuidParts, "-")
			if len(possibleUUID) == notionIDWithDashLength && isHexString(NormalizeID(possibleUUID)) {
				return strings.ToLower(NormalizeID(possibleUUID)), nil
			}
		}
	}

	return "", fmt.Errorf("%w: %s", apperrors.ErrInvalidPageIDFormat, input)
}

// isHexString checks if a string contains only hexadecimal characters.
func isHexString(str string) bool {
	for _, r := range str {
		isDigit := r >= '0' && r <= '9'
		isLowerHex := r >= 'a' && r <= 'f'
		isUpperHex := r >= 'A' && r <= 'F'
		if !isDigit && !isLowerHex && !isUpperHex {
			return false
		}
	}
	return true
}
