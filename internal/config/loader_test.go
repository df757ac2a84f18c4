package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/loreweave/loreweave/internal/config"
)

func TestLoadFromReader_FullConfig(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_addr: ":8080"
  log_level: debug
providers:
  llm:
    name: openai
    api_key: sk-test
    model: gpt-4o
  embeddings:
    name: ollama
    model: nomic-embed-text
storage:
  postgres_dsn: postgres://localhost:5432/loreweave
  embedding_dimensions: 768
retrieval:
  card_limit: 10
turn:
  history_depth: 20
  temperature: 0.5
  llm_timeout: 90s
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader() error = %v", err)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log level = %q, want debug", cfg.Server.LogLevel)
	}
	if cfg.Providers.LLM.Model != "gpt-4o" {
		t.Errorf("llm model = %q", cfg.Providers.LLM.Model)
	}
	if cfg.Storage.EmbeddingDimensions != 768 {
		t.Errorf("embedding dimensions = %d", cfg.Storage.EmbeddingDimensions)
	}
	if cfg.Retrieval.CardLimit != 10 {
		t.Errorf("card limit = %d", cfg.Retrieval.CardLimit)
	}
	if cfg.Turn.LLMTimeout.Std() != 90*time.Second {
		t.Errorf("llm timeout = %s, want 90s", cfg.Turn.LLMTimeout)
	}
}

func TestLoadFromReader_DefaultsSurviveOverlay(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: warn
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader() error = %v", err)
	}
	def := config.Default()
	if cfg.Retrieval != def.Retrieval {
		t.Errorf("retrieval = %+v, want defaults %+v", cfg.Retrieval, def.Retrieval)
	}
	if cfg.Turn.LLMTimeout != def.Turn.LLMTimeout || cfg.Turn.EmbedTimeout != def.Turn.EmbedTimeout {
		t.Errorf("timeouts = %s/%s, want defaults %s/%s",
			cfg.Turn.LLMTimeout, cfg.Turn.EmbedTimeout, def.Turn.LLMTimeout, def.Turn.EmbedTimeout)
	}
	if cfg.Server.LogLevel != config.LogWarn {
		t.Errorf("log level = %q, want warn", cfg.Server.LogLevel)
	}
}

func TestLoadFromReader_RejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_adr: ":8080"
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("expected error for misspelled key, got nil")
	}
}

func TestLoadFromReader_RejectsBadLogLevel(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestLoadFromReader_RejectsBadDuration(t *testing.T) {
	t.Parallel()
	yaml := `
turn:
  llm_timeout: ninety seconds
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("expected error for unparseable duration, got nil")
	}
}

func TestValidate_CollectsAllFailures(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Server.LogLevel = "loud"
	cfg.Turn.HistoryDepth = 0
	cfg.Turn.Temperature = 3

	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected joined validation error, got nil")
	}
	for _, want := range []string{"log_level", "history_depth", "temperature"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %s, got: %v", want, err)
		}
	}
}

func TestDefault_IsValid(t *testing.T) {
	t.Parallel()
	if err := config.Validate(config.Default()); err != nil {
		t.Errorf("Validate(Default()) = %v, want nil", err)
	}
}
