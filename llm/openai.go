package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

// errNoChoices is returned when an OpenAI-compatible endpoint answers without any choice,
// which OpenRouter does when every upstream provider refused the request.
var errNoChoices = errors.New("chat completion returned no choices")

type openAIClient struct {
	api   *openai.Client
	model string
}

// NewOpenAIClient talks to any OpenAI-compatible chat endpoint (OpenAI, OpenRouter).
func NewOpenAIClient(opts Options) Client {
	cfg := openai.DefaultConfig(opts.OpenAIAPIKey)
	if opts.OpenAIBaseURL != "" {
		cfg.BaseURL = opts.OpenAIBaseURL
	}
	if opts.Timeout > 0 {
		cfg.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	return &openAIClient{api: openai.NewClientWithConfig(cfg), model: opts.Model}
}

func (c *openAIClient) Generate(ctx context.Context, messages []Message) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, c.request(ctx, messages))
	if err != nil {
		return "", fmt.Errorf("openai chat completion (%s): %w", c.model, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai model %s: %w", c.model, errNoChoices)
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *openAIClient) request(ctx context.Context, messages []Message) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model: c.model,
		// go-openai drops a literal 0 via omitempty and the server then samples at 1.
		Temperature: math.SmallestNonzeroFloat32,
		Messages:    make([]openai.ChatCompletionMessage, 0, len(messages)),
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	if JSONMode(ctx) {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}
	return req
}
