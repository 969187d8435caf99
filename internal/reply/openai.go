package reply

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
)

// DefaultSystemPrompt states the output contract. Business rules are
// expected to be supplied through a prompt file.
const DefaultSystemPrompt = `You answer customer emails on behalf of the mailbox owner.
Reply to the most recent inbound message using the conversation excerpt provided.
Respond with a single JSON object and nothing else:
{"reply": string, "requires_human_review": bool, "reason": string, "filled_fields": [string]}
Set requires_human_review to true and explain in reason when you cannot answer safely.`

const defaultAPIBase = "https://api.openai.com/v1"

// Client generates replies through an OpenAI-compatible chat completions API.
type Client struct {
	apiKey       string
	apiBase      string
	model        string
	systemPrompt string
	client       *http.Client
}

// NewClient creates a Client. Empty apiBase and systemPrompt fall back to defaults.
func NewClient(apiKey, apiBase, model, systemPrompt string) *Client {
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = DefaultSystemPrompt
	}

	return &Client{
		apiKey:       apiKey,
		apiBase:      strings.TrimRight(apiBase, "/"),
		model:        model,
		systemPrompt: systemPrompt,
		client:       &http.Client{Timeout: 120 * time.Second},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Generate returns the raw model output for req. Parsing is left to ParseResult
// so that unparsable output can be kept for audit.
func (c *Client) Generate(ctx context.Context, req Request) (string, error) {
	prompt, err := userPrompt(req)
	if err != nil {
		return "", fmt.Errorf("userPrompt failed: %w", err)
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: c.systemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature:    0.2,
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return "", fmt.Errorf("json.Marshal failed: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("http.NewRequestWithContext failed: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("client.Do failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("io.ReadAll failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chat completions returned %d: %s", resp.StatusCode, truncate(string(respBody), 300))
	}

	var out chatResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("json.Unmarshal failed: %w", err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("chat completions error: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("chat completions returned no choices")
	}

	return out.Choices[0].Message.Content, nil
}

func userPrompt(req Request) (string, error) {
	excerpt, err := json.MarshalIndent(req.Context, "", "  ")
	if err != nil {
		return "", fmt.Errorf("json.MarshalIndent failed: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Thread %s has %d messages; the most relevant ones in chronological order:\n", req.ThreadID, len(req.Thread))
	b.Write(excerpt)
	b.WriteString("\nAnswer the last message that is not sent_by_us.")

	return b.String(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
