// Package generate turns a scored item into platform-ready post text using
// the Anthropic Messages API.
package generate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"trendbot/internal/storage"
	logx "trendbot/pkg/logx"
)

const systemPrompt = "You are a social media expert who creates engaging, authentic posts " +
	"from viral content. Always stay within the 280 character limit. " +
	"Reply with the post text only, no preamble or quotes."

const promptTemplate = `Create a concise, engaging post (max 280 characters) from this trending content.

Details:
- Title: %s
- Community: %s
- Popularity: %d
- Comments: %d
- URL: %s

Capture what made it spread, use at most 3 hashtags, and keep the tone
informative without clickbait. Include the URL only if it adds value.`

type Config struct {
	APIKey    string
	Model     string
	MaxTokens int
	Timeout   time.Duration

	// BaseURL exists for tests; leave empty in production.
	BaseURL string
}

type Claude struct {
	cfg    Config
	log    logx.Logger
	client anthropic.Client
}

func NewClaude(cfg Config, log logx.Logger) (*Claude, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("generate: anthropic api key required")
	}
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-20250514"
	}
	if cfg.MaxTokens <= 0 {
		// Posts are short; a small completion budget keeps latency down.
		cfg.MaxTokens = 300
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Claude{cfg: cfg, log: log, client: anthropic.NewClient(opts...)}, nil
}

// Generate produces the derived post text for one item.
func (c *Claude) Generate(ctx context.Context, it storage.Item) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.cfg.Model),
		MaxTokens: int64(c.cfg.MaxTokens),
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buildPrompt(it))),
		},
	})
	if err != nil {
		return "", fmt.Errorf("generate: completion for %s: %w", it.ExternalID, err)
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", fmt.Errorf("generate: empty completion for %s", it.ExternalID)
	}

	c.log.Debug("post text generated",
		logx.String("item", it.ExternalID),
		logx.Int("chars", len(text)),
		logx.Duration("took", time.Since(start)))
	return text, nil
}

func buildPrompt(it storage.Item) string {
	return fmt.Sprintf(promptTemplate, it.Title, it.Group, it.Popularity, it.Comments, it.URL)
}
