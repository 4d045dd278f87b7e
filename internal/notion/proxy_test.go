package notion

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// fakeProxy answers proxy requests for credential "good" and rejects everything else.
func fakeProxy(t *testing.T) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != ProxyPath || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer session" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = fmt.Fprint(w, `{"object":"error","status":401,"code":"proxy_unauthorized","message":"no session"}`)
			return
		}

		var req ProxyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode proxy request: %v", err)
		}
		if req.NotionAccessTokenID != "good" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = fmt.Fprint(w, `{"object":"error","status":404,"code":"proxy_token_not_found","message":"unknown token"}`)
			return
		}

		switch {
		case req.NotionAPIRequest.Path == "/pages/p1":
			_, _ = fmt.Fprint(w, `{"object":"page","id":"p1"}`)
		case strings.HasPrefix(req.NotionAPIRequest.Path, "/blocks/p1/children"):
			if strings.Contains(req.NotionAPIRequest.Path, "start_cursor=next") {
				_, _ = fmt.Fprint(w, `{"object":"list","results":[{"object":"block","id":"b2","type":"paragraph"}],"has_more":false}`)
				return
			}
			_, _ = fmt.Fprint(w, `{"object":"list","results":[{"object":"block","id":"b1","type":"paragraph"}],"has_more":true,"next_cursor":"next"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = fmt.Fprint(w, `{"object":"error","status":404,"code":"object_not_found","message":"nope"}`)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestProxyClientFetchContent(t *testing.T) {
	t.Parallel()

	server := fakeProxy(t)
	proxy := NewProxyClient(server.URL+"/", "session")

	src, err := proxy.ForCredential(context.Background(), "user", "good")
	if err != nil {
		t.Fatalf("ForCredential() error = %v", err)
	}

	content, err := FetchContent(context.Background(), src, "p1")
	if err != nil {
		t.Fatalf("FetchContent() error = %v", err)
	}
	if content.Page.ID != "p1" {
		t.Errorf("page ID = %q", content.Page.ID)
	}
	if len(content.Children) != 2 || content.Children[1].ID != "b2" {
		t.Errorf("children = %+v", content.Children)
	}
}

func TestProxyClientMaxChildPages(t *testing.T) {
	t.Parallel()

	server := fakeProxy(t)
	proxy := NewProxyClient(server.URL, "session", WithProxyMaxChildPages(1))

	src, err := proxy.ForCredential(context.Background(), "user", "good")
	if err != nil {
		t.Fatalf("ForCredential() error = %v", err)
	}

	blocks, err := src.GetChildren(context.Background(), "p1")
	if err != nil {
		t.Fatalf("GetChildren() error = %v", err)
	}
	if len(blocks) != 1 || blocks[0].ID != "b1" {
		t.Errorf("children = %+v, want only the first page", blocks)
	}
}

func TestProxyClientErrors(t *testing.T) {
	t.Parallel()

	server := fakeProxy(t)

	tests := []struct {
		name       string
		session    string
		credential string
		pageID     string
		wantCode   string
	}{
		{name: "bad session", session: "nope", credential: "good", pageID: "p1", wantCode: CodeProxyUnauthorized},
		{name: "unknown token", session: "session", credential: "bad", pageID: "p1", wantCode: CodeProxyTokenNotFound},
		{name: "upstream error relayed", session: "session", credential: "good", pageID: "p2", wantCode: CodeObjectNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			proxy := NewProxyClient(server.URL, tt.session)
			src, err := proxy.ForCredential(context.Background(), "user", tt.credential)
			if err != nil {
				t.Fatalf("ForCredential() error = %v", err)
			}

			_, err = src.GetPage(context.Background(), tt.pageID)
			if got := ErrorCode(err); got != tt.wantCode {
				t.Errorf("ErrorCode() = %q, want %q (err = %v)", got, tt.wantCode, err)
			}
		})
	}
}
