package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SCOOP_CONFIG", "")
	t.Setenv("LLM_PROVIDER", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ProviderOpenAI, cfg.LLM.Provider)
	assert.Equal(t, 5, cfg.Retrieval.LocateK)
	assert.Equal(t, 20, cfg.Retrieval.ScoopK)
	assert.Equal(t, []string{"Outcomes", "Results", "Abstract"}, cfg.Retrieval.LocateSections)
	assert.Equal(t, 1500, cfg.Chunking.Size)
	assert.Equal(t, 60*time.Second, cfg.LLM.Timeout)
	assert.Equal(t, BackendMemory, cfg.Index.Backend)
}

func TestLoadFileThenEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scoop.yaml")
	data := []byte(`llm:
  provider: ollama
  model: llama3.1:8b
  timeout: 20s
retrieval:
  scoop_k: 40
chunking:
  size: 800
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	t.Setenv("SCOOP_CONFIG", path)
	t.Setenv("LLM_MODEL", "qwen2.5:7b")
	t.Setenv("LOCATE_SECTIONS", "Results, Outcomes")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ProviderOllama, cfg.LLM.Provider)
	assert.Equal(t, "qwen2.5:7b", cfg.LLM.Model)
	assert.Equal(t, 20*time.Second, cfg.LLM.Timeout)
	assert.Equal(t, 40, cfg.Retrieval.ScoopK)
	assert.Equal(t, 800, cfg.Chunking.Size)
	assert.Equal(t, []string{"Results", "Outcomes"}, cfg.Retrieval.LocateSections)
}

func TestLoadRejectsBrokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("llm: [unterminated"), 0o600))
	t.Setenv("SCOOP_CONFIG", path)

	_, err := Load()
	require.Error(t, err)
}

func TestValidateMissingCredentials(t *testing.T) {
	cfg := Default()
	cfg.OpenAIAPIKey = ""

	err := cfg.Validate()
	require.ErrorIs(t, err, ErrMissingCredentials)

	cfg.LLM.Provider = ProviderOllama
	cfg.Embeddings.Provider = ProviderGemini
	require.ErrorIs(t, cfg.Validate(), ErrMissingCredentials)

	cfg.GeminiAPIKey = "key"
	require.NoError(t, cfg.Validate())
}

func TestValidatePostgresBackend(t *testing.T) {
	cfg := Default()
	cfg.OpenAIAPIKey = "key"
	cfg.Index.Backend = BackendPostgres

	require.Error(t, cfg.Validate())

	cfg.PostgresDSN = "postgres://localhost:5432/scoop"
	require.NoError(t, cfg.Validate())

	cfg.Index.Backend = "redis"
	require.Error(t, cfg.Validate())
}
