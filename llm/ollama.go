package llm

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

// errOllamaIncomplete is returned when a non-streaming chat reply arrives without done=true,
// which Ollama does when the context window is exhausted mid-answer.
var errOllamaIncomplete = errors.New("ollama reply incomplete")

type ollamaClient struct {
	endpoint string
	model    string
	http     *http.Client
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Format   string              `json:"format,omitempty"`
	Options  ollamaOptions       `json:"options"`
}

// ollamaOptions pins sampling; every call uses temperature 0 and a fixed seed.
type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	Seed        int     `json:"seed"`
}

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatResponse struct {
	Message    ollamaChatMessage `json:"message"`
	Done       bool              `json:"done"`
	DoneReason string            `json:"done_reason"`
	Error      string            `json:"error"`
}

func NewOllamaClient(opts Options) Client {
	host := strings.TrimRight(opts.OllamaHost, "/")
	if host == "" {
		host = "http://localhost:11434"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ollamaClient{
		endpoint: host + "/api/chat",
		model:    opts.Model,
		http:     &http.Client{Timeout: timeout},
	}
}

func (c *ollamaClient) Generate(ctx context.Context, messages []Message) (string, error) {
	payload := ollamaChatRequest{
		Model:    c.model,
		Messages: toOllamaMessages(messages),
		Options:  ollamaOptions{Temperature: 0, Seed: 42},
	}
	if JSONMode(ctx) {
		payload.Format = "json"
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("call ollama chat API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", statusError("ollama chat API", resp)
	}

	var parsed ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode ollama response: %w", err)
	}
	switch {
	case parsed.Error != "":
		return "", fmt.Errorf("ollama chat error: %s", parsed.Error)
	case !parsed.Done:
		return "", fmt.Errorf("%w: %s", errOllamaIncomplete, parsed.DoneReason)
	}
	return parsed.Message.Content, nil
}

// statusError reads at most 4KiB of an error body.
func statusError(api string, resp *http.Response) error {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	if err != nil {
		return fmt.Errorf("read %s error body: %w", api, err)
	}
	if msg := strings.TrimSpace(string(data)); msg != "" {
		return fmt.Errorf("%s error (%s): %s", api, resp.Status, msg)
	}
	return fmt.Errorf("%s returned status %s", api, resp.Status)
}

func toOllamaMessages(messages []Message) []ollamaChatMessage {
	converted := make([]ollamaChatMessage, 0, len(messages))
	for _, m := range messages {
		converted = append(converted, ollamaChatMessage{Role: m.Role, Content: m.Content})
	}
	return converted
}
