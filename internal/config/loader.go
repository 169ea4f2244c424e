package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind. Used by
// [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"asr_stream": {"deepgram"},
	"asr_batch":  {"whisper", "whisper-native"},
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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	validateProviderName("asr_stream", cfg.Providers.ASRStream.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	for i, entry := range cfg.Providers.ASRBatch {
		validateProviderName("asr_batch", entry.Name)
		if entry.Name == "" {
			errs = append(errs, fmt.Errorf("providers.asr_batch[%d].name is required", i))
		}
	}

	if cfg.Providers.Embeddings.Name != "" && cfg.Postgres.EmbeddingDimensions <= 0 {
		slog.Warn("providers.embeddings is configured but postgres.embedding_dimensions is not set; defaulting to 1536")
	}

	if cfg.Providers.LLM.Name != "" && cfg.Postgres.MemoryDSN == "" {
		slog.Warn("providers.llm is configured but postgres.memory_dsn is empty; memory extraction will fail at runtime")
	}

	if cfg.Pipeline.ConfidenceThreshold < 0 || cfg.Pipeline.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("pipeline.confidence_threshold %.2f is out of range [0, 1]", cfg.Pipeline.ConfidenceThreshold))
	}

	for i, entry := range cfg.Providers.ASRBatch {
		for j := i + 1; j < len(cfg.Providers.ASRBatch); j++ {
			if entry.Name != "" && entry.Name == cfg.Providers.ASRBatch[j].Name {
				errs = append(errs, fmt.Errorf("providers.asr_batch[%d] and [%d] both declare provider %q", i, j, entry.Name))
			}
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
