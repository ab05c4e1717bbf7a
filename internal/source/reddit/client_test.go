package reddit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	logx "trendbot/pkg/logx"
)

const listingBody = `{
  "data": {
    "children": [
      {"data": {"id": "abc1", "title": "First", "url": "https://example.com/1",
                "permalink": "/r/golang/comments/abc1/first/", "score": 1200,
                "num_comments": 140, "upvote_ratio": 0.93, "created_utc": 1756600000,
                "stickied": false}},
      {"data": {"id": "pin1", "title": "Rules", "url": "https://example.com/rules",
                "permalink": "/r/golang/comments/pin1/rules/", "score": 10,
                "num_comments": 1, "upvote_ratio": 0.99, "created_utc": 1700000000,
                "stickied": true}},
      {"data": {"id": "abc2", "title": "Second", "url": "https://example.com/2",
                "permalink": "/r/golang/comments/abc2/second/", "score": 640,
                "num_comments": 35, "upvote_ratio": 0.88, "created_utc": 1756600100,
                "stickied": false}}
    ]
  }
}`

func newTestServer(t *testing.T) (*httptest.Server, *Client) {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); !strings.Contains(ua, "trendbot-test") {
			t.Errorf("missing user agent, got %q", ua)
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/access_token":
			user, pass, ok := r.BasicAuth()
			if !ok || user != "cid" || pass != "csecret" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"access_token":"tok-1","token_type":"bearer","expires_in":3600}`))
		case r.Method == http.MethodGet && r.URL.Path == "/r/golang/hot":
			if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			if got := r.URL.Query().Get("limit"); got != "25" {
				t.Errorf("limit = %q, want 25", got)
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(listingBody))
		case r.Method == http.MethodGet && r.URL.Path == "/r/banned/hot":
			http.Error(w, `{"error": 403}`, http.StatusForbidden)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	c, err := New(Config{
		ClientID:     "cid",
		ClientSecret: "csecret",
		UserAgent:    "trendbot-test/1.0",
		TokenURL:     srv.URL + "/api/v1/access_token",
		BaseURL:      srv.URL,
		Timeout:      5 * time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv, c
}

func TestFetchMapsListingAndSkipsStickied(t *testing.T) {
	t.Parallel()
	_, c := newTestServer(t)

	items, err := c.Fetch(context.Background(), "golang", 25)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2 (stickied skipped)", len(items))
	}

	first := items[0]
	if first.ExternalID != "abc1" || first.Popularity != 1200 || first.Comments != 140 {
		t.Fatalf("first item = %+v", first)
	}
	if first.ApprovalRatio != 0.93 {
		t.Fatalf("approval = %v", first.ApprovalRatio)
	}
	if first.Permalink != "https://reddit.com/r/golang/comments/abc1/first/" {
		t.Fatalf("permalink = %q", first.Permalink)
	}
	if want := time.Unix(1756600000, 0).UTC(); !first.CreatedAt.Equal(want) {
		t.Fatalf("created = %v, want %v", first.CreatedAt, want)
	}
	if first.Group != "golang" {
		t.Fatalf("group = %q", first.Group)
	}
}

func TestFetchSurfacesHTTPErrors(t *testing.T) {
	t.Parallel()
	_, c := newTestServer(t)

	_, err := c.Fetch(context.Background(), "banned", 25)
	if err == nil || !strings.Contains(err.Error(), "status 403") {
		t.Fatalf("err = %v, want status 403", err)
	}
}

func TestNewRequiresCredentials(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{ClientID: "cid"}, logx.Nop()); err == nil {
		t.Fatalf("missing secret accepted")
	}
	if _, err := New(Config{ClientSecret: "cs"}, logx.Nop()); err == nil {
		t.Fatalf("missing id accepted")
	}
}
