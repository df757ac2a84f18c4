package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings": {"openai", "ollama"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over [Default] values and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	cfg := Default()
	if err := decodeAndValidate(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeAndValidate overlays the YAML document in data onto cfg and
// validates the result.
func decodeAndValidate(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("config: decode yaml: %w", err)
	}
	return Validate(cfg)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; turns cannot generate narrative")
	}
	if cfg.Providers.Embeddings.Name == "" {
		slog.Warn("no embeddings provider configured; retrieval will return nothing")
	}

	if cfg.Storage.PostgresDSN == "" {
		slog.Warn("storage.postgres_dsn is empty; stories will not persist")
	}
	if cfg.Storage.EmbeddingDimensions <= 0 {
		errs = append(errs, fmt.Errorf("storage.embedding_dimensions %d must be positive", cfg.Storage.EmbeddingDimensions))
	}

	if cfg.Retrieval.CardLimit < 0 || cfg.Retrieval.MemoryLimit < 0 || cfg.Retrieval.RelationshipLimit < 0 {
		errs = append(errs, errors.New("retrieval limits must not be negative"))
	}

	if cfg.Turn.HistoryDepth <= 0 {
		errs = append(errs, fmt.Errorf("turn.history_depth %d must be positive", cfg.Turn.HistoryDepth))
	}
	if cfg.Turn.Temperature < 0 || cfg.Turn.Temperature > 2 {
		errs = append(errs, fmt.Errorf("turn.temperature %.2f is out of range [0, 2]", cfg.Turn.Temperature))
	}
	if cfg.Turn.LLMTimeout <= 0 {
		errs = append(errs, fmt.Errorf("turn.llm_timeout %s must be positive", cfg.Turn.LLMTimeout))
	}
	if cfg.Turn.EmbedTimeout <= 0 {
		errs = append(errs, fmt.Errorf("turn.embed_timeout %s must be positive", cfg.Turn.EmbedTimeout))
	}

	return errors.Join(errs...)
}

// validateProviderName warns about provider names that are not in the known
// list. Unknown names are not errors: new providers appear faster than this
// list is updated.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	if valid, ok := ValidProviderNames[kind]; ok && !slices.Contains(valid, name) {
		slog.Warn("unrecognised provider name", "kind", kind, "name", name, "known", valid)
	}
}
