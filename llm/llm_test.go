package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/trialscoop/config"
)

func TestNewClientDefaults(t *testing.T) {
	cfg := config.Config{
		LLM: config.LLMConfig{
			Provider: config.ProviderOllama,
			Model:    "llama3.1:8b",
		},
		OllamaHost: "http://localhost:11434",
	}

	client, err := NewClient(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, client)
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	for _, provider := range []string{config.ProviderOpenAI, config.ProviderGemini} {
		cfg := config.Config{LLM: config.LLMConfig{Provider: provider, Model: "m"}}
		_, err := NewClient(context.Background(), cfg)
		require.ErrorIs(t, err, config.ErrMissingCredentials, provider)
	}
}

func TestNewClientUnknownProvider(t *testing.T) {
	cfg := config.Config{LLM: config.LLMConfig{Provider: "bedrock"}}
	_, err := NewClient(context.Background(), cfg)
	require.Error(t, err)
}

func TestOllamaGenerate(t *testing.T) {
	var got ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(ollamaChatResponse{
			Message: ollamaChatMessage{Role: RoleAssistant, Content: `{"exact_metric_name": "HbA1c"}`},
			Done:    true,
		})
	}))
	defer srv.Close()

	client := NewOllamaClient(Options{OllamaHost: srv.URL, Model: "llama3.1:8b"})
	out, err := Complete(context.Background(), client, "be terse", "which metric?")
	require.NoError(t, err)

	assert.Equal(t, `{"exact_metric_name": "HbA1c"}`, out)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, RoleSystem, got.Messages[0].Role)
	assert.Equal(t, "which metric?", got.Messages[1].Content)
	assert.False(t, got.Stream)
}

func TestOllamaGenerateSurfacesErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewOllamaClient(Options{OllamaHost: srv.URL})
	_, err := client.Generate(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not found")
}

type blockingClient struct{}

func (blockingClient) Generate(ctx context.Context, _ []Message) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestWithTimeout(t *testing.T) {
	client := WithTimeout(blockingClient{}, 10*time.Millisecond)
	_, err := client.Generate(context.Background(), nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

type countingClient struct{ calls int }

func (c *countingClient) Generate(context.Context, []Message) (string, error) {
	c.calls++
	return "ok", nil
}

func TestRateLimitedHonoursCancellation(t *testing.T) {
	inner := &countingClient{}
	client := NewRateLimited(inner, 0.001, 1)

	_, err := client.Generate(context.Background(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = client.Generate(ctx, nil)
	require.Error(t, err)
	assert.Equal(t, 1, inner.calls)
}

func TestExtractJSONObject(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
		ok   bool
	}{
		{"plain", `{"a": 1}`, `{"a": 1}`, true},
		{"leading prose", `The answer is {"metrics": ["Sample Size", 42]}`, `{"metrics": ["Sample Size", 42]}`, true},
		{"code fence", "```json\n{\"a\": \"b\"}\n```", `{"a": "b"}`, true},
		{"braces in strings", `note {"a": "x}y"} trailing`, `{"a": "x}y"}`, true},
		{"invalid first candidate", `{oops} then {"b": 2}`, `{"b": 2}`, true},
		{"no object", `just prose with 3 numbers`, "", false},
		{"unbalanced", `{"a": 1`, "", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ExtractJSONObject(tc.raw)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	type answer struct {
		Name *string `json:"exact_metric_name"`
	}

	got, err := DecodeJSON[answer](`Sure! {"exact_metric_name": "Change in HbA1c (%)"}`)
	require.NoError(t, err)
	require.NotNil(t, got.Name)
	assert.Equal(t, "Change in HbA1c (%)", *got.Name)

	_, err = DecodeJSON[answer]("I could not find it.")
	assert.True(t, errors.Is(err, ErrCompletionParse))

	_, err = DecodeJSON[answer](`{"exact_metric_name": 12}`)
	assert.ErrorIs(t, err, ErrCompletionParse)
}

func TestOllamaIncompleteReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Zero(t, req.Options.Temperature)
		_ = json.NewEncoder(w).Encode(ollamaChatResponse{
			Message:    ollamaChatMessage{Role: RoleAssistant, Content: `{"metrics": ["HbA`},
			DoneReason: "length",
		})
	}))
	defer srv.Close()

	_, err := NewOllamaClient(Options{OllamaHost: srv.URL}).Generate(context.Background(), []Message{{Role: RoleUser, Content: "list"}})
	require.ErrorIs(t, err, errOllamaIncomplete)
	assert.Contains(t, err.Error(), "length")
}

func TestJSONObjectsReturnsEveryTopLevelObject(t *testing.T) {
	got := JSONObjects(`Example: {"note": {"inner": 1}}. {broken} Answer: {"metrics": ["BMI"]}`)
	assert.Equal(t, []string{`{"note": {"inner": 1}}`, `{"metrics": ["BMI"]}`}, got)

	assert.Equal(t, []string{`{"a": 1}`}, JSONObjects(` {"a": 1} `))
	assert.Empty(t, JSONObjects("no json here"))
}

func TestOllamaJSONModeSetsFormat(t *testing.T) {
	var formats []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		format, _ := req["format"].(string)
		formats = append(formats, format)
		_ = json.NewEncoder(w).Encode(ollamaChatResponse{Message: ollamaChatMessage{Content: "{}"}, Done: true})
	}))
	defer srv.Close()

	client := NewOllamaClient(Options{OllamaHost: srv.URL})
	_, err := CompleteJSON(context.Background(), client, "", "list metrics")
	require.NoError(t, err)
	_, err = Complete(context.Background(), client, "", "copy text")
	require.NoError(t, err)

	assert.Equal(t, []string{"json", ""}, formats)
}

func TestOpenAIJSONModeSetsResponseFormat(t *testing.T) {
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		bodies = append(bodies, req)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": "c1", "object": "chat.completion", "choices": [{"index": 0, "message": {"role": "assistant", "content": "{\"metrics\": []}"}, "finish_reason": "stop"}]}`))
	}))
	defer srv.Close()

	client := NewOpenAIClient(Options{OpenAIAPIKey: "test", OpenAIBaseURL: srv.URL + "/v1", Model: "m"})
	out, err := CompleteJSON(context.Background(), WithTimeout(client, time.Second), "be terse", "list metrics")
	require.NoError(t, err)
	assert.Equal(t, `{"metrics": []}`, out)

	_, err = Complete(context.Background(), client, "", "copy text")
	require.NoError(t, err)

	require.Len(t, bodies, 2)
	assert.Equal(t, map[string]any{"type": "json_object"}, bodies[0]["response_format"])
	assert.NotContains(t, bodies[1], "response_format")
}

func TestOpenAINoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": "c1", "choices": []}`))
	}))
	defer srv.Close()

	client := NewOpenAIClient(Options{OpenAIAPIKey: "test", OpenAIBaseURL: srv.URL + "/v1"})
	_, err := Complete(context.Background(), client, "", "hi")
	require.ErrorIs(t, err, errNoChoices)
}

func TestJSONModeContext(t *testing.T) {
	assert.False(t, JSONMode(context.Background()))
	assert.True(t, JSONMode(WithJSONMode(context.Background())))
}
