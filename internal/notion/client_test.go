package notion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/fclairamb/notrition/internal/apperrors"
)

func newTestClient(t *testing.T, handler http.Handler, opts ...ClientOption) *Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	base := []ClientOption{
		WithBaseURL(server.URL),
		WithRateLimiter(rate.NewLimiter(rate.Inf, 1)),
	}
	return NewClient("secret_test", append(base, opts...)...)
}

func TestGetPage(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pages/abc" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret_test" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("Notion-Version"); got != APIVersion {
			t.Errorf("Notion-Version = %q", got)
		}
		_, _ = fmt.Fprint(w, `{"object":"page","id":"abc","properties":{"title":{"id":"title","type":"title","title":[{"type":"text","plain_text":"Soup"}]}}}`)
	}))

	page, err := client.GetPage(context.Background(), "abc")
	if err != nil {
		t.Fatalf("GetPage() error = %v", err)
	}
	if page.Title() != "Soup" {
		t.Errorf("Title() = %q, want Soup", page.Title())
	}
}

func TestGetChildrenPagination(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		pages     int // pages the server has
		maxPages  int
		wantCalls int32
		wantCount int
	}{
		{name: "single page", pages: 1, maxPages: 10, wantCalls: 1, wantCount: 2},
		{name: "follows cursor", pages: 3, maxPages: 10, wantCalls: 3, wantCount: 6},
		{name: "truncated at limit", pages: 50, maxPages: 4, wantCalls: 4, wantCount: 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var calls atomic.Int32
			client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				current := 0
				if cursor := r.URL.Query().Get("start_cursor"); cursor != "" {
					current, _ = strconv.Atoi(cursor)
				}

				resp := BlockChildrenResponse{Object: "list"}
				for i := range 2 {
					resp.Results = append(resp.Results, Block{
						Object: "block",
						ID:     fmt.Sprintf("b-%d-%d", current, i),
						Type:   BlockTypeParagraph,
					})
				}
				if current+1 < tt.pages {
					next := strconv.Itoa(current + 1)
					resp.HasMore = true
					resp.NextCursor = &next
				}
				_ = json.NewEncoder(w).Encode(resp)
			}), WithMaxChildPages(tt.maxPages))

			blocks, err := client.GetChildren(context.Background(), "page")
			if err != nil {
				t.Fatalf("GetChildren() error = %v", err)
			}
			if got := calls.Load(); got != tt.wantCalls {
				t.Errorf("calls = %d, want %d", got, tt.wantCalls)
			}
			if len(blocks) != tt.wantCount {
				t.Errorf("len(blocks) = %d, want %d", len(blocks), tt.wantCount)
			}
		})
	}
}

func TestGetChildrenEmpty(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, `{"object":"list","results":[],"has_more":false}`)
	}))

	blocks, err := client.GetChildren(context.Background(), "page")
	if err != nil {
		t.Fatalf("GetChildren() error = %v", err)
	}
	if blocks == nil {
		t.Error("GetChildren() returned nil, want empty slice")
	}
}

func TestErrorDecoding(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		status     int
		body       string
		wantCode   string
		wantStatus int
	}{
		{
			name:       "notion error object",
			status:     http.StatusNotFound,
			body:       `{"object":"error","status":404,"code":"object_not_found","message":"Could not find page"}`,
			wantCode:   CodeObjectNotFound,
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "error object without status",
			status:     http.StatusUnauthorized,
			body:       `{"object":"error","code":"unauthorized","message":"API token is invalid."}`,
			wantCode:   CodeUnauthorized,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "non-json body",
			status:     http.StatusBadGateway,
			body:       `<html>bad gateway</html>`,
			wantStatus: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = fmt.Fprint(w, tt.body)
			}))

			_, err := client.GetPage(context.Background(), "abc")
			if err == nil {
				t.Fatal("GetPage() error = nil")
			}

			if tt.wantCode == "" {
				var httpErr *apperrors.HTTPError
				if !errors.As(err, &httpErr) {
					t.Fatalf("error %v is not an HTTPError", err)
				}
				if httpErr.StatusCode != tt.wantStatus {
					t.Errorf("StatusCode = %d, want %d", httpErr.StatusCode, tt.wantStatus)
				}
				return
			}

			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("error %v is not an APIError", err)
			}
			if apiErr.Code != tt.wantCode || apiErr.Status != tt.wantStatus {
				t.Errorf("APIError = %+v, want code %s status %d", apiErr, tt.wantCode, tt.wantStatus)
			}
		})
	}
}

func TestRetryOnRateLimit(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = fmt.Fprint(w, `{"object":"error","status":429,"code":"rate_limited","message":"slow down"}`)
			return
		}
		_, _ = fmt.Fprint(w, `{"object":"page","id":"abc"}`)
	}))

	page, err := client.GetPage(context.Background(), "abc")
	if err != nil {
		t.Fatalf("GetPage() error = %v", err)
	}
	if page.ID != "abc" {
		t.Errorf("ID = %q", page.ID)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
}

func TestTimeoutBecomesAPIError(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	client := newTestClient(t, http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}), WithHTTPClient(&http.Client{Timeout: 50 * time.Millisecond}))
	defer close(release)

	_, err := client.GetPage(context.Background(), "abc")
	if got := ErrorCode(err); got != CodeRequestTimeout {
		t.Errorf("ErrorCode() = %q, want %q (err = %v)", got, CodeRequestTimeout, err)
	}
}

func TestPerformRelaysRawResponse(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/search" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusBadRequest)
		_, _ = fmt.Fprint(w, `{"object":"error","status":400,"code":"validation_error","message":"bad"}`)
	}))

	status, body, err := client.Perform(context.Background(), Request{
		Method: http.MethodPost,
		Path:   "/search",
		Body:   json.RawMessage(`{"query":"soup"}`),
	})
	if err != nil {
		t.Fatalf("Perform() error = %v", err)
	}
	if status != http.StatusBadRequest {
		t.Errorf("status = %d", status)
	}
	if !json.Valid(body) {
		t.Errorf("body is not JSON: %s", body)
	}
}
