// Package twitter publishes posts and reads back their public engagement
// metrics through the v2 API, authenticating with a static bearer token.
package twitter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"trendbot/internal/pipeline"
	"trendbot/internal/storage"
	logx "trendbot/pkg/logx"
)

const defaultBaseURL = "https://api.twitter.com"

type Config struct {
	BearerToken string
	// Username builds the public status URL; the API itself doesn't need it.
	Username string

	// BaseURL exists for tests; leave empty in production.
	BaseURL string

	Timeout time.Duration
}

type Client struct {
	cfg  Config
	log  logx.Logger
	http *http.Client
	base string
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BearerToken) == "" {
		return nil, errors.New("twitter: bearer token required")
	}
	if strings.TrimSpace(cfg.Username) == "" {
		cfg.Username = "user"
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

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.BearerToken})
	hc := oauth2.NewClient(context.Background(), ts)
	hc.Timeout = cfg.Timeout

	return &Client{
		cfg:  cfg,
		log:  log,
		http: hc,
		base: strings.TrimRight(cfg.BaseURL, "/"),
	}, nil
}

// Publish creates one tweet and returns its id and public URL.
func (c *Client) Publish(ctx context.Context, text string) (string, string, error) {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return "", "", fmt.Errorf("twitter: encode tweet: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/2/tweets", bytes.NewReader(body))
	if err != nil {
		return "", "", fmt.Errorf("twitter: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("twitter: create tweet: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return "", "", fmt.Errorf("twitter: create tweet: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", fmt.Errorf("twitter: decode response: %w", err)
	}
	if out.Data.ID == "" {
		return "", "", errors.New("twitter: create tweet: no id in response")
	}

	url := fmt.Sprintf("https://twitter.com/%s/status/%s", c.cfg.Username, out.Data.ID)
	return out.Data.ID, url, nil
}

// ReadMetrics returns a tweet's public engagement counters. A deleted or
// unknown tweet maps to pipeline.ErrNotFound.
func (c *Client) ReadMetrics(ctx context.Context, postID string) (storage.Metrics, error) {
	u := c.base + "/2/tweets/" + postID + "?tweet.fields=public_metrics"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return storage.Metrics{}, fmt.Errorf("twitter: build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return storage.Metrics{}, fmt.Errorf("twitter: get tweet %s: %w", postID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return storage.Metrics{}, pipeline.ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return storage.Metrics{}, fmt.Errorf("twitter: get tweet %s: status %d: %s", postID, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out struct {
		Data struct {
			ID            string `json:"id"`
			PublicMetrics struct {
				Likes       int `json:"like_count"`
				Retweets    int `json:"retweet_count"`
				Replies     int `json:"reply_count"`
				Quotes      int `json:"quote_count"`
				Impressions int `json:"impression_count"`
			} `json:"public_metrics"`
		} `json:"data"`
		Errors []struct {
			Title string `json:"title"`
		} `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return storage.Metrics{}, fmt.Errorf("twitter: decode response: %w", err)
	}
	// The v2 API reports a deleted tweet as a 200 with an errors array.
	if out.Data.ID == "" {
		for _, e := range out.Errors {
			if strings.Contains(strings.ToLower(e.Title), "not found") {
				return storage.Metrics{}, pipeline.ErrNotFound
			}
		}
		return storage.Metrics{}, fmt.Errorf("twitter: get tweet %s: empty response", postID)
	}

	pm := out.Data.PublicMetrics
	return storage.Metrics{
		Likes:       pm.Likes,
		Retweets:    pm.Retweets,
		Replies:     pm.Replies,
		Quotes:      pm.Quotes,
		Impressions: pm.Impressions,
	}, nil
}
