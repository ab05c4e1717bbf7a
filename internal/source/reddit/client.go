// Package reddit collects hot posts from subreddits through the official
// API, authenticating with the application-only OAuth2 flow.
package reddit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"trendbot/internal/storage"
	logx "trendbot/pkg/logx"
)

const (
	defaultTokenURL = "https://www.reddit.com/api/v1/access_token"
	defaultBaseURL  = "https://oauth.reddit.com"
)

type Config struct {
	ClientID     string
	ClientSecret string
	// UserAgent is required by the API terms; requests without a descriptive
	// one get throttled hard.
	UserAgent string

	// TokenURL and BaseURL exist for tests; leave empty in production.
	TokenURL string
	BaseURL  string

	Timeout time.Duration
}

type Client struct {
	cfg  Config
	log  logx.Logger
	http *http.Client
	base string
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.ClientID) == "" || strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, errors.New("reddit: client id and secret required")
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = "trendbot/1.0"
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = defaultTokenURL
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	// The token endpoint and every API call must carry our User-Agent.
	base := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: uaTransport{base: http.DefaultTransport, ua: cfg.UserAgent},
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)

	return &Client{
		cfg:  cfg,
		log:  log,
		http: cc.Client(ctx),
		base: strings.TrimRight(cfg.BaseURL, "/"),
	}, nil
}

// Fetch returns up to limit hot posts from one subreddit, skipping pinned
// ones. The returned items carry only source fields; the pipeline assigns
// run ownership.
func (c *Client) Fetch(ctx context.Context, group string, limit int) ([]storage.Item, error) {
	if limit <= 0 {
		limit = 25
	}
	u := fmt.Sprintf("%s/r/%s/hot?limit=%d&raw_json=1", c.base, url.PathEscape(group), limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("reddit: build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reddit: r/%s: %w", group, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("reddit: r/%s: status %d: %s", group, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var lst listing
	if err := json.NewDecoder(resp.Body).Decode(&lst); err != nil {
		return nil, fmt.Errorf("reddit: r/%s: decode listing: %w", group, err)
	}

	items := make([]storage.Item, 0, len(lst.Data.Children))
	for _, ch := range lst.Data.Children {
		p := ch.Data
		if p.Stickied || p.ID == "" {
			continue
		}
		items = append(items, storage.Item{
			ExternalID:    p.ID,
			Group:         group,
			Title:         p.Title,
			URL:           p.URL,
			Permalink:     "https://reddit.com" + p.Permalink,
			Popularity:    p.Score,
			Comments:      p.NumComments,
			ApprovalRatio: p.UpvoteRatio,
			CreatedAt:     time.Unix(int64(p.CreatedUTC), 0).UTC(),
		})
	}
	c.log.Debug("subreddit fetched", logx.String("group", group), logx.Int("items", len(items)))
	return items, nil
}

type listing struct {
	Data struct {
		Children []struct {
			Data post `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type post struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	URL         string  `json:"url"`
	Permalink   string  `json:"permalink"`
	Score       int     `json:"score"`
	NumComments int     `json:"num_comments"`
	UpvoteRatio float64 `json:"upvote_ratio"`
	CreatedUTC  float64 `json:"created_utc"`
	Stickied    bool    `json:"stickied"`
}

type uaTransport struct {
	base http.RoundTripper
	ua   string
}

func (t uaTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.ua)
	return t.base.RoundTrip(req)
}
