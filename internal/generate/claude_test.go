package generate

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"trendbot/internal/storage"
	logx "trendbot/pkg/logx"
)

func messageBody(text string) string {
	return `{"id":"msg_01","type":"message","role":"assistant",
		"model":"claude-sonnet-4-20250514",
		"content":[{"type":"text","text":` + mustJSON(text) + `}],
		"stop_reason":"end_turn","stop_sequence":null,
		"usage":{"input_tokens":120,"output_tokens":40}}`
}

func mustJSON(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func newTestClaude(t *testing.T, reply string) (*Claude, *string) {
	t.Helper()
	var lastPrompt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/messages") {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("x-api-key"); got != "test-key" {
			http.Error(w, `{"type":"error"}`, http.StatusUnauthorized)
			return
		}
		body, _ := io.ReadAll(r.Body)
		lastPrompt = string(body)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(messageBody(reply)))
	}))
	t.Cleanup(srv.Close)

	c, err := NewClaude(Config{
		APIKey:  "test-key",
		BaseURL: srv.URL,
		Timeout: 5 * time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("NewClaude: %v", err)
	}
	return c, &lastPrompt
}

func TestGenerateExtractsText(t *testing.T) {
	t.Parallel()
	c, lastPrompt := newTestClaude(t, "  A tidy little post about Go.  ")

	it := storage.Item{
		ExternalID: "abc1",
		Group:      "programming",
		Title:      "Go 1.24 released",
		URL:        "https://example.com/go",
		Popularity: 1200,
		Comments:   140,
	}
	text, err := c.Generate(context.Background(), it)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if text != "A tidy little post about Go." {
		t.Fatalf("text = %q, want trimmed reply", text)
	}
	for _, frag := range []string{"Go 1.24 released", "programming", "https://example.com/go"} {
		if !strings.Contains(*lastPrompt, frag) {
			t.Fatalf("prompt missing %q:\n%s", frag, *lastPrompt)
		}
	}
}

func TestGenerateEmptyCompletionFails(t *testing.T) {
	t.Parallel()
	c, _ := newTestClaude(t, "   ")
	if _, err := c.Generate(context.Background(), storage.Item{ExternalID: "x"}); err == nil {
		t.Fatalf("empty completion reported as success")
	}
}

func TestNewClaudeRequiresKey(t *testing.T) {
	t.Parallel()
	if _, err := NewClaude(Config{}, logx.Nop()); err == nil {
		t.Fatalf("missing api key accepted")
	}
}
