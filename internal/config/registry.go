package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/conversalabs/conversa-core/pkg/provider/asr"
	"github.com/conversalabs/conversa-core/pkg/provider/asr/deepgram"
	"github.com/conversalabs/conversa-core/pkg/provider/asr/whisper"
	"github.com/conversalabs/conversa-core/pkg/provider/embeddings"
	embeddingsollama "github.com/conversalabs/conversa-core/pkg/provider/embeddings/ollama"
	embeddingsopenai "github.com/conversalabs/conversa-core/pkg/provider/embeddings/openai"
	"github.com/conversalabs/conversa-core/pkg/provider/llm"
	"github.com/conversalabs/conversa-core/pkg/provider/llm/anyllm"
	llmopenai "github.com/conversalabs/conversa-core/pkg/provider/llm/openai"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type used by the pipeline (spec.md §6). Speaker recognition and
// the event bus are not registered here — they are plain HTTP clients built
// directly from a ProviderEntry's BaseURL (see internal/app).
type Registry struct {
	mu         sync.RWMutex
	asrStream  map[string]func(ProviderEntry) (asr.StreamProvider, error)
	asrBatch   map[string]func(ProviderEntry) (asr.BatchProvider, error)
	llm        map[string]func(ProviderEntry) (llm.Provider, error)
	embeddings map[string]func(ProviderEntry) (embeddings.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		asrStream:  make(map[string]func(ProviderEntry) (asr.StreamProvider, error)),
		asrBatch:   make(map[string]func(ProviderEntry) (asr.BatchProvider, error)),
		llm:        make(map[string]func(ProviderEntry) (llm.Provider, error)),
		embeddings: make(map[string]func(ProviderEntry) (embeddings.Provider, error)),
	}
}

// RegisterASRStream registers a streaming ASR provider factory under name
// (e.g. "deepgram", used by the Streaming Transcription Consumer, C3).
func (r *Registry) RegisterASRStream(name string, factory func(ProviderEntry) (asr.StreamProvider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.asrStream[name] = factory
}

// RegisterASRBatch registers a batch ASR provider factory under name (e.g.
// "whisper", used by the Batch Transcription Consumer, C4).
func (r *Registry) RegisterASRBatch(name string, factory func(ProviderEntry) (asr.BatchProvider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.asrBatch[name] = factory
}

// RegisterLLM registers an LLM provider factory under name, used by Memory
// Extraction and Title & Summary (C9).
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterEmbeddings registers an embeddings provider factory under name,
// used by Memory Extraction (C9).
func (r *Registry) RegisterEmbeddings(name string, factory func(ProviderEntry) (embeddings.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeddings[name] = factory
}

// CreateASRStream instantiates a streaming ASR provider using the factory
// registered under entry.Name. Returns [ErrProviderNotRegistered] if no
// factory has been registered for that name.
func (r *Registry) CreateASRStream(entry ProviderEntry) (asr.StreamProvider, error) {
	r.mu.RLock()
	factory, ok := r.asrStream[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: asr_stream/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateASRBatch instantiates a batch ASR provider using the factory
// registered under entry.Name.
func (r *Registry) CreateASRBatch(entry ProviderEntry) (asr.BatchProvider, error) {
	r.mu.RLock()
	factory, ok := r.asrBatch[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: asr_batch/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateLLM instantiates an LLM provider using the factory registered under entry.Name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateEmbeddings instantiates an embeddings provider using the factory registered under entry.Name.
func (r *Registry) CreateEmbeddings(entry ProviderEntry) (embeddings.Provider, error) {
	r.mu.RLock()
	factory, ok := r.embeddings[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: embeddings/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// DefaultRegistry returns a [Registry] with the in-pack provider backends
// pre-registered under their standard names, matching the provider list in
// [ValidProviderNames].
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.RegisterASRStream("deepgram", func(e ProviderEntry) (asr.StreamProvider, error) {
		var opts []deepgram.Option
		if e.Model != "" {
			opts = append(opts, deepgram.WithModel(e.Model))
		}
		return deepgram.New(e.APIKey, opts...)
	})

	r.RegisterASRBatch("whisper", func(e ProviderEntry) (asr.BatchProvider, error) {
		return whisper.New(e.BaseURL)
	})
	r.RegisterASRBatch("whisper-native", func(e ProviderEntry) (asr.BatchProvider, error) {
		return whisper.New(e.BaseURL)
	})

	r.RegisterLLM("openai", func(e ProviderEntry) (llm.Provider, error) {
		return llmopenai.New(e.APIKey, e.Model)
	})
	r.RegisterLLM("anthropic", func(e ProviderEntry) (llm.Provider, error) { return anyllm.NewAnthropic(e.Model) })
	r.RegisterLLM("ollama", func(e ProviderEntry) (llm.Provider, error) { return anyllm.NewOllama(e.Model) })
	r.RegisterLLM("gemini", func(e ProviderEntry) (llm.Provider, error) { return anyllm.NewGemini(e.Model) })
	r.RegisterLLM("deepseek", func(e ProviderEntry) (llm.Provider, error) { return anyllm.NewDeepSeek(e.Model) })
	r.RegisterLLM("mistral", func(e ProviderEntry) (llm.Provider, error) { return anyllm.NewMistral(e.Model) })
	r.RegisterLLM("groq", func(e ProviderEntry) (llm.Provider, error) { return anyllm.NewGroq(e.Model) })
	r.RegisterLLM("llamacpp", func(e ProviderEntry) (llm.Provider, error) { return anyllm.NewLlamaCpp(e.Model) })
	r.RegisterLLM("llamafile", func(e ProviderEntry) (llm.Provider, error) { return anyllm.NewLlamaFile(e.Model) })

	r.RegisterEmbeddings("openai", func(e ProviderEntry) (embeddings.Provider, error) {
		return embeddingsopenai.New(e.APIKey, e.Model)
	})
	r.RegisterEmbeddings("ollama", func(e ProviderEntry) (embeddings.Provider, error) {
		return embeddingsollama.New(e.BaseURL, e.Model)
	})

	return r
}
