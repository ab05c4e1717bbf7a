package twitter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"trendbot/internal/pipeline"
	logx "trendbot/pkg/logx"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer btok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/2/tweets":
			var in struct {
				Text string `json:"text"`
			}
			if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Text == "" {
				http.Error(w, `{"detail":"bad request"}`, http.StatusBadRequest)
				return
			}
			if in.Text == "reject me" {
				http.Error(w, `{"detail":"duplicate content"}`, http.StatusForbidden)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"data":{"id":"900001","text":"` + in.Text + `"}}`))
		case r.Method == http.MethodGet && r.URL.Path == "/2/tweets/900001":
			if got := r.URL.Query().Get("tweet.fields"); got != "public_metrics" {
				t.Errorf("tweet.fields = %q", got)
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"data":{"id":"900001","public_metrics":{
				"like_count":42,"retweet_count":7,"reply_count":3,"quote_count":2,"impression_count":9000}}}`))
		case r.Method == http.MethodGet && r.URL.Path == "/2/tweets/soft-gone":
			// v2 reports deleted tweets as 200 + errors array.
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"errors":[{"title":"Not Found Error","detail":"Could not find tweet"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	c, err := New(Config{
		BearerToken: "btok",
		Username:    "trendbot",
		BaseURL:     srv.URL,
		Timeout:     5 * time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestPublishReturnsIDAndURL(t *testing.T) {
	t.Parallel()
	c := newTestClient(t)

	id, url, err := c.Publish(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if id != "900001" {
		t.Fatalf("id = %q", id)
	}
	if url != "https://twitter.com/trendbot/status/900001" {
		t.Fatalf("url = %q", url)
	}
}

func TestPublishSurfacesRejection(t *testing.T) {
	t.Parallel()
	c := newTestClient(t)
	if _, _, err := c.Publish(context.Background(), "reject me"); err == nil {
		t.Fatalf("rejected tweet reported as success")
	}
}

func TestReadMetrics(t *testing.T) {
	t.Parallel()
	c := newTestClient(t)

	m, err := c.ReadMetrics(context.Background(), "900001")
	if err != nil {
		t.Fatalf("ReadMetrics: %v", err)
	}
	if m.Likes != 42 || m.Retweets != 7 || m.Replies != 3 || m.Quotes != 2 || m.Impressions != 9000 {
		t.Fatalf("metrics = %+v", m)
	}
	if got := m.EngagementScore(); got != 42+3*7+2*3+2.5*2 {
		t.Fatalf("engagement = %v", got)
	}
}

func TestReadMetricsNotFound(t *testing.T) {
	t.Parallel()
	c := newTestClient(t)

	// Hard 404.
	if _, err := c.ReadMetrics(context.Background(), "hard-gone"); !errors.Is(err, pipeline.ErrNotFound) {
		t.Fatalf("404 err = %v, want ErrNotFound", err)
	}
	// Soft not-found in a 200 body.
	if _, err := c.ReadMetrics(context.Background(), "soft-gone"); !errors.Is(err, pipeline.ErrNotFound) {
		t.Fatalf("soft err = %v, want ErrNotFound", err)
	}
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatalf("missing bearer token accepted")
	}
}
