package notion

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/fclairamb/notrition/internal/apperrors"
)

var errNetworkTimeout = errors.New("network timeout")

func textRun(s string) RichText {
	return RichText{Type: "text", PlainText: s, Text: &TextContent{Content: s}}
}

func TestPageTitle(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		page *Page
		want string
	}{
		{
			name: "nil page",
			page: nil,
			want: "Untitled",
		},
		{
			name: "title property",
			page: &Page{Properties: Properties{
				"title": {Type: "title", Title: []RichText{textRun("Pancakes")}},
			}},
			want: "Pancakes",
		},
		{
			name: "database Name property",
			page: &Page{Properties: Properties{
				"Name": {Type: "title", Title: []RichText{textRun("Banana "), textRun("bread")}},
			}},
			want: "Banana bread",
		},
		{
			name: "custom title property",
			page: &Page{Properties: Properties{
				"Servings": {Type: "number"},
				"Recipe":   {Type: "title", Title: []RichText{textRun("Ratatouille")}},
			}},
			want: "Ratatouille",
		},
		{
			name: "empty title",
			page: &Page{Properties: Properties{
				"title": {Type: "title"},
			}},
			want: "Untitled",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := tt.page.Title(); got != tt.want {
				t.Errorf("Title() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBlockRichText(t *testing.T) {
	t.Parallel()

	raw := `[
		{"object":"block","id":"1","type":"heading_2","heading_2":{"rich_text":[{"type":"text","plain_text":"Ingredients"}]}},
		{"object":"block","id":"2","type":"bulleted_list_item","bulleted_list_item":{"rich_text":[{"type":"text","plain_text":"2 "},{"type":"text","plain_text":"eggs"}]}},
		{"object":"block","id":"3","type":"divider","divider":{}},
		{"object":"block","id":"4","type":"image","image":{"type":"file","file":{"url":"https://s3.example/x.png"}}},
		{"object":"block","id":"5","type":"to_do","to_do":{"rich_text":[{"type":"text","plain_text":"salt"}],"checked":true}}
	]`

	var blocks []Block
	if err := json.Unmarshal([]byte(raw), &blocks); err != nil {
		t.Fatalf("unmarshal blocks: %v", err)
	}

	tests := []struct {
		index   int
		heading bool
		hasText bool
		text    string
	}{
		{index: 0, heading: true, hasText: true, text: "Ingredients"},
		{index: 1, heading: false, hasText: true, text: "2 eggs"},
		{index: 2, heading: false, hasText: false},
		{index: 3, heading: false, hasText: false},
		{index: 4, heading: false, hasText: true, text: "salt"},
	}

	for _, tt := range tests {
		block := blocks[tt.index]
		if got := block.IsHeading(); got != tt.heading {
			t.Errorf("block %s IsHeading() = %v, want %v", block.ID, got, tt.heading)
		}
		runs, ok := block.RichText()
		if ok != tt.hasText {
			t.Errorf("block %s RichText() ok = %v, want %v", block.ID, ok, tt.hasText)
			continue
		}
		if got := ParseRichText(runs); got != tt.text {
			t.Errorf("block %s text = %q, want %q", block.ID, got, tt.text)
		}
	}
}

func TestAPIErrorMessage(t *testing.T) {
	t.Parallel()

	err := &APIError{Status: 404, Code: CodeObjectNotFound, Message: "Could not find page"}
	if got := err.Error(); got != "object_not_found: Could not find page" {
		t.Errorf("Error() = %q", got)
	}

	wrapped := fmt.Errorf("get page abc: %w", err)
	if got := ErrorCode(wrapped); got != CodeObjectNotFound {
		t.Errorf("ErrorCode() = %q, want %q", got, CodeObjectNotFound)
	}
	if got := ErrorCode(errNetworkTimeout); got != "" {
		t.Errorf("ErrorCode(non-API) = %q, want empty", got)
	}
}

func TestAPIError_IsPermanent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  APIError
		want bool
	}{
		{
			name: "404 object_not_found",
			err:  APIError{Status: 404, Code: "object_not_found", Message: "Could not find block"},
			want: true,
		},
		{
			name: "401 unauthorized",
			err:  APIError{Status: 401, Code: "unauthorized", Message: "API token is invalid"},
			want: true,
		},
		{
			name: "403 restricted_resource",
			err:  APIError{Status: 403, Code: "restricted_resource", Message: "Not allowed"},
			want: true,
		},
		{
			name: "400 validation_error",
			err:  APIError{Status: 400, Code: "validation_error", Message: "is a block, not a page"},
			want: true,
		},
		{
			name: "400 invalid_json",
			err:  APIError{Status: 400, Code: "invalid_json", Message: "bad json"},
			want: false,
		},
		{
			name: "429 rate_limited",
			err:  APIError{Status: 429, Code: "rate_limited", Message: "Rate limited"},
			want: false,
		},
		{
			name: "500 internal_server_error",
			err:  APIError{Status: 500, Code: "internal_server_error", Message: "Internal error"},
			want: false,
		},
		{
			name: "502 bad gateway",
			err:  APIError{Status: 502, Code: "", Message: "Bad Gateway"},
			want: false,
		},
		{
			name: "503 service_unavailable",
			err:  APIError{Status: 503, Code: "service_unavailable", Message: "Service unavailable"},
			want: false,
		},
		{
			name: "409 conflict_error",
			err:  APIError{Status: 409, Code: "conflict_error", Message: "Conflict"},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := tt.err.IsPermanent(); got != tt.want {
				t.Errorf("APIError{Status: %d, Code: %q}.IsPermanent() = %v, want %v",
					tt.err.Status, tt.err.Code, got, tt.want)
			}
		})
	}
}

func TestIsTransientError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "direct permanent error",
			err:  &APIError{Status: 404, Code: "object_not_found", Message: "not found"},
			want: false,
		},
		{
			name: "double wrapped permanent error",
			err:  fmt.Errorf("process: %w", fmt.Errorf("fetch page: %w", &APIError{Status: 401, Code: "unauthorized", Message: "invalid token"})),
			want: false,
		},
		{
			name: "wrapped server error",
			err:  fmt.Errorf("fetch page: %w", &APIError{Status: 500, Code: "internal_server_error", Message: "oops"}),
			want: true,
		},
		{
			name: "rate limited",
			err:  fmt.Errorf("fetch page: %w", &APIError{Status: 429, Code: "rate_limited", Message: "slow down"}),
			want: true,
		},
		{
			name: "request timeout",
			err:  &APIError{Status: 504, Code: CodeRequestTimeout, Message: "deadline exceeded"},
			want: true,
		},
		{
			name: "non-API error",
			err:  errNetworkTimeout,
			want: false,
		},
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
		{
			name: "sentinel error",
			err:  fmt.Errorf("fetch page: %w", apperrors.ErrAccessTokenNotFound),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := IsTransientError(tt.err); got != tt.want {
				t.Errorf("IsTransientError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
