// Package config provides the configuration schema, loader, and provider
// registry for the conversa-core pipeline processes (spec.md §6: "each
// [process type] accepts a config path").
package config

// Config is the root configuration structure for every conversa-core
// process type (producer-embedded, transcription-worker,
// persistence-worker, job-worker). A single file is shared across roles;
// each process only reads the sections relevant to the role it was started
// with (see internal/app).
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Providers ProvidersConfig `yaml:"providers"`
	Workers   WorkersConfig   `yaml:"workers"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
}

// ServerConfig holds the health/metrics HTTP surface and logging settings
// carried by every process type (spec.md §6 assumes these run under an
// orchestrator that polls health).
type ServerConfig struct {
	// ListenAddr is the TCP address the /healthz, /readyz, and /metrics
	// endpoints listen on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Valid values: "debug", "info", "warn", "error".
	LogLevel LogLevel `yaml:"log_level"`
}

// LogLevel is a validated log verbosity name.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is one of the recognised log levels.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError, "":
		return true
	default:
		return false
	}
}

// RedisConfig addresses the durable log (C1), the metadata store, and the
// job queue — all three share one Redis deployment (spec.md §6 "Persistent
// state layout").
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PostgresConfig addresses the two Postgres-backed stores: the Conversation
// document store and the pgvector memory store. They may point at the same
// database or two separate ones.
type PostgresConfig struct {
	ConversationDSN string `yaml:"conversation_dsn"`
	MemoryDSN       string `yaml:"memory_dsn"`

	// EmbeddingDimensions is the vector dimension used for the memory
	// store's embedding column. Must match the configured embeddings
	// provider's model.
	EmbeddingDimensions int `yaml:"embedding_dimensions"`
}

// ProvidersConfig declares which provider implementation to use for each
// external integration named in spec.md §6. Each field selects a registered
// provider by name (looked up in a [Registry]), except Speaker and
// EventBus, which are plain HTTP clients addressed directly by BaseURL.
type ProvidersConfig struct {
	// ASRStream selects the streaming ASR backend for the Streaming
	// Transcription Consumer (C3).
	ASRStream ProviderEntry `yaml:"asr_stream"`

	// ASRBatch selects one or more batch ASR backends for the Batch
	// Transcription Consumer (C4); keyed by provider name so a session's
	// chosen provider routes to the matching backend.
	ASRBatch []ProviderEntry `yaml:"asr_batch"`

	// LLM selects the completion backend for Memory Extraction and Title &
	// Summary (C9).
	LLM ProviderEntry `yaml:"llm"`

	// Embeddings selects the vector-embedding backend for Memory Extraction
	// (C9) and memory search.
	Embeddings ProviderEntry `yaml:"embeddings"`

	// Speaker addresses the external speaker-recognition service (C9
	// Recognize Speakers). Empty BaseURL disables the job entirely (spec.md
	// §4.9: "Optional (skipped if disabled)").
	Speaker ProviderEntry `yaml:"speaker"`

	// EventBus addresses the external plugin bus (C9 Dispatch Complete
	// Event).
	EventBus ProviderEntry `yaml:"event_bus"`
}

// ProviderEntry is the common configuration block shared by all provider
// types.
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g.,
	// "deepgram", "whisper-native", "openai").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint, or addresses a
	// bespoke internal RPC service (speaker, event bus).
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g.,
	// "nova-2", "gpt-4o-mini").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by
	// the standard fields above.
	Options map[string]any `yaml:"options"`
}

// WorkersConfig bounds per-role concurrency (spec.md §6 "per-worker
// concurrency caps").
type WorkersConfig struct {
	// ScanIntervalSeconds is accepted in the YAML but is not read by any
	// process: the transcription and persistence consumer managers scan for
	// newly-active sessions (spec.md §4.3/§4.4/§4.5's "periodic scan") at
	// their own fixed package-level interval.
	ScanIntervalSeconds int `yaml:"scan_interval_seconds"`

	// BatchFrames is how many frames the batch transcription consumer
	// accumulates before submitting to the batch ASR provider (spec.md
	// §4.4 default: 30, ≈7.5s). Zero uses the consumer package's default.
	BatchFrames int `yaml:"batch_frames"`

	// BatchWorkersPerProvider is how many competing consumers each batch
	// ASR provider's group runs.
	BatchWorkersPerProvider int `yaml:"batch_workers_per_provider"`

	// PersistenceBaseDir is the directory WAV files are written under
	// (spec.md §6: "{epoch_ms}_{client_id}_{conversation_id}.wav").
	PersistenceBaseDir string `yaml:"persistence_base_dir"`

	// JobConcurrency bounds the per-job-kind worker pool size (spec.md §6
	// "per-worker concurrency caps"), keyed by jobqueue kind name
	// ("speech_detector", "conversation", "post_conversation_pipeline",
	// "transcribe_full_audio"). Zero/missing uses jobqueue.DefaultConcurrency.
	JobConcurrency map[string]int64 `yaml:"job_concurrency"`
}

// PipelineConfig carries the tunables spec.md names for the speech-detection
// predicate and the Conversation Job's timers.
type PipelineConfig struct {
	// WordCountThreshold, MinDurationSeconds, and ConfidenceThreshold
	// parameterise the meaningful-speech predicate (spec.md §4.7 step 2).
	// Zero values fall back to types.DefaultSpeechPredicateConfig.
	WordCountThreshold  int     `yaml:"word_count_threshold"`
	MinDurationSeconds  float64 `yaml:"min_duration_seconds"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`

	// RequireEnrolledSpeaker additionally requires at least one enrolled
	// speaker label before a session is considered meaningful speech
	// (spec.md §4.7 step 2, "if a speaker filter is configured").
	RequireEnrolledSpeaker bool `yaml:"require_enrolled_speaker"`

	// InactivityTimeoutSeconds bounds how long the Conversation Job waits
	// for new word-level activity before finalizing (spec.md §4.8,
	// default 60s). Zero uses conversationjob.DefaultInactivityTimeout.
	InactivityTimeoutSeconds int `yaml:"inactivity_timeout_seconds"`

	// AudioBindWaitSeconds bounds how long the Conversation Job waits for
	// the Audio File Binding during finalization (spec.md §4.8, default
	// 30s). Zero uses conversationjob.DefaultAudioBindWait.
	AudioBindWaitSeconds int `yaml:"audio_bind_wait_seconds"`
}
