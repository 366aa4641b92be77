package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/fabfab/trialscoop/config"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string
	Content string
}

// Client is a single-turn completion capability. Output is untrusted free text.
type Client interface {
	Generate(ctx context.Context, messages []Message) (string, error)
}

type Options struct {
	Provider string
	Model    string
	Timeout  time.Duration

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	GeminiAPIKey  string
}

func NewClient(ctx context.Context, cfg config.Config) (Client, error) {
	opts := Options{
		Provider:      cfg.LLM.Provider,
		Model:         cfg.LLM.Model,
		Timeout:       cfg.LLM.Timeout,
		OllamaHost:    cfg.OllamaHost,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
		GeminiAPIKey:  cfg.GeminiAPIKey,
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}

	var (
		client Client
		err    error
	)
	switch opts.Provider {
	case config.ProviderOllama:
		client = NewOllamaClient(opts)
	case config.ProviderOpenAI:
		if opts.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai provider selected but OPENAI_API_KEY not set: %w", config.ErrMissingCredentials)
		}
		client = NewOpenAIClient(opts)
	case config.ProviderGemini:
		if opts.GeminiAPIKey == "" {
			return nil, fmt.Errorf("gemini provider selected but GEMINI_API_KEY not set: %w", config.ErrMissingCredentials)
		}
		client, err = NewGeminiClient(ctx, opts)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", opts.Provider)
	}

	client = WithTimeout(client, opts.Timeout)
	if cfg.LLM.RequestsPerSecond > 0 {
		client = NewRateLimited(client, cfg.LLM.RequestsPerSecond, 1)
	}
	return client, nil
}

type jsonModeKey struct{}

// WithJSONMode asks the provider to constrain the reply to a single JSON object.
// Providers without such a switch ignore it.
func WithJSONMode(ctx context.Context) context.Context {
	return context.WithValue(ctx, jsonModeKey{}, true)
}

// JSONMode reports whether ctx carries WithJSONMode.
func JSONMode(ctx context.Context) bool {
	on, _ := ctx.Value(jsonModeKey{}).(bool)
	return on
}

// CompleteJSON is Complete in JSON mode. Callers still parse with a fallback; the mode is a hint.
func CompleteJSON(ctx context.Context, c Client, system, prompt string) (string, error) {
	return Complete(WithJSONMode(ctx), c, system, prompt)
}

// Complete sends one system+user exchange. An empty system prompt is omitted.
func Complete(ctx context.Context, c Client, system, prompt string) (string, error) {
	messages := make([]Message, 0, 2)
	if system != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: system})
	}
	messages = append(messages, Message{Role: RoleUser, Content: prompt})
	return c.Generate(ctx, messages)
}
