// Package app wires the conversa-core subsystems into a running process.
//
// Every process type named in spec.md §6 (producer-embedded,
// transcription-worker, persistence-worker, job-worker) shares the same
// config and the same durable-log/metadata connections (C1), but each
// starts only the subsystems its role needs. App owns that lifecycle: New
// connects shared infrastructure and constructs the role's subsystems, Run
// drives them until ctx is cancelled, and Shutdown tears everything down in
// order.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/conversalabs/conversa-core/internal/aggregator"
	"github.com/conversalabs/conversa-core/internal/config"
	batchconsumer "github.com/conversalabs/conversa-core/internal/consumer/batch"
	streamingconsumer "github.com/conversalabs/conversa-core/internal/consumer/streaming"
	"github.com/conversalabs/conversa-core/internal/conversationjob"
	"github.com/conversalabs/conversa-core/internal/health"
	"github.com/conversalabs/conversa-core/internal/jobqueue"
	"github.com/conversalabs/conversa-core/internal/observe"
	"github.com/conversalabs/conversa-core/internal/persistence"
	"github.com/conversalabs/conversa-core/internal/postpipeline"
	"github.com/conversalabs/conversa-core/internal/producer"
	"github.com/conversalabs/conversa-core/internal/speechdetector"
	convostorepg "github.com/conversalabs/conversa-core/pkg/convostore/postgres"
	"github.com/conversalabs/conversa-core/pkg/eventbus"
	"github.com/conversalabs/conversa-core/pkg/memory"
	memorypg "github.com/conversalabs/conversa-core/pkg/memory/postgres"
	"github.com/conversalabs/conversa-core/pkg/metadata"
	"github.com/conversalabs/conversa-core/pkg/provider/asr"
	"github.com/conversalabs/conversa-core/pkg/provider/embeddings"
	"github.com/conversalabs/conversa-core/pkg/provider/llm"
	"github.com/conversalabs/conversa-core/pkg/provider/speaker"
	"github.com/conversalabs/conversa-core/pkg/streamlog"
	"github.com/conversalabs/conversa-core/pkg/types"
)

// Role identifies which process type a started App should act as,
// matching the "-role" flag named in spec.md §6.
type Role string

const (
	RoleProducerEmbedded    Role = "producer-embedded"
	RoleTranscriptionWorker Role = "transcription-worker"
	RolePersistenceWorker   Role = "persistence-worker"
	RoleJobWorker           Role = "job-worker"
)

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool {
	switch r {
	case RoleProducerEmbedded, RoleTranscriptionWorker, RolePersistenceWorker, RoleJobWorker:
		return true
	default:
		return false
	}
}

// App owns one process type's subsystems and their shared infrastructure.
type App struct {
	cfg  *config.Config
	role Role

	redis    redis.UniversalClient
	meta     metadata.Store
	streams  streamlog.Factory
	pubsub   streamlog.PubSub
	metrics  *observe.Metrics
	health   *health.Handler

	// producer-embedded
	Producer *producer.Producer

	// transcription-worker
	streamingMgr *streamingconsumer.Manager
	batchMgr     *batchconsumer.Manager

	// persistence-worker
	persistenceMgr *persistence.Manager

	// job-worker
	speechDetectorPool *jobqueue.Pool
	conversationPool   *jobqueue.Pool
	postPipelinePool   *jobqueue.Pool
	transcribePool     *jobqueue.Pool

	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for [New], used to inject test doubles for
// the shared infrastructure instead of dialing real Redis/Postgres.
type Option func(*App)

// WithMetadataStore injects a metadata store instead of connecting to Redis.
func WithMetadataStore(s metadata.Store) Option {
	return func(a *App) { a.meta = s }
}

// WithStreamLog injects a streamlog factory and pub/sub instead of
// connecting to Redis.
func WithStreamLog(f streamlog.Factory, ps streamlog.PubSub) Option {
	return func(a *App) { a.streams = f; a.pubsub = ps }
}

// New connects shared infrastructure (Redis-backed durable log and metadata
// store) and constructs the subsystems for role. Postgres and external
// provider connections are only made for the roles that need them
// (transcription-worker needs ASR providers; job-worker needs Postgres, LLM,
// embeddings, speaker, and event-bus providers).
func New(ctx context.Context, cfg *config.Config, role Role, opts ...Option) (*App, error) {
	if !role.IsValid() {
		return nil, fmt.Errorf("app: unknown role %q", role)
	}

	a := &App{cfg: cfg, role: role, metrics: observe.DefaultMetrics()}
	for _, o := range opts {
		o(a)
	}

	if a.meta == nil || a.streams == nil || a.pubsub == nil {
		if err := a.dialRedis(cfg.Redis); err != nil {
			return nil, fmt.Errorf("app: connect redis: %w", err)
		}
	}

	checkers := []health.Checker{{
		Name: "redis",
		Check: func(ctx context.Context) error {
			if a.redis == nil {
				return nil
			}
			return a.redis.Ping(ctx).Err()
		},
	}}

	var err error
	switch role {
	case RoleProducerEmbedded:
		a.Producer = producer.New(a.streams, a.meta)

	case RoleTranscriptionWorker:
		err = a.initTranscriptionWorker(cfg)

	case RolePersistenceWorker:
		a.persistenceMgr = persistence.NewManager(a.streams, a.meta, cfg.Workers.PersistenceBaseDir)

	case RoleJobWorker:
		err = a.initJobWorker(ctx, cfg, &checkers)
	}
	if err != nil {
		return nil, err
	}

	a.health = health.New(checkers...)
	return a, nil
}

func (a *App) dialRedis(rc config.RedisConfig) error {
	client := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Username: rc.Username,
		Password: rc.Password,
		DB:       rc.DB,
	})
	a.redis = client
	a.meta = metadata.NewRedisStore(client)
	a.streams = streamlog.NewRedisFactory(client)
	a.pubsub = streamlog.NewRedisPubSub(client)
	a.closers = append(a.closers, client.Close)
	return nil
}

// initTranscriptionWorker builds the streaming and/or batch transcription
// consumer managers (C3/C4) from whichever ASR providers are configured.
// Both may run in the same process — a session's mode, chosen at
// init_session, determines which consumer actually handles it (spec.md §4.4).
func (a *App) initTranscriptionWorker(cfg *config.Config) error {
	reg := config.DefaultRegistry()

	if cfg.Providers.ASRStream.Name != "" {
		streamProvider, err := reg.CreateASRStream(cfg.Providers.ASRStream)
		if err != nil {
			return fmt.Errorf("app: construct streaming ASR provider: %w", err)
		}
		a.streamingMgr = streamingconsumer.NewManager(a.streams, a.pubsub, a.meta, streamProvider)
	}

	if len(cfg.Providers.ASRBatch) > 0 {
		batchProviders := make(map[string]asr.BatchProvider, len(cfg.Providers.ASRBatch))
		for _, entry := range cfg.Providers.ASRBatch {
			p, err := reg.CreateASRBatch(entry)
			if err != nil {
				return fmt.Errorf("app: construct batch ASR provider %q: %w", entry.Name, err)
			}
			batchProviders[entry.Name] = p
		}
		workers := cfg.Workers.BatchWorkersPerProvider
		if workers <= 0 {
			workers = 1
		}
		a.batchMgr = batchconsumer.NewManager(a.streams, a.meta, batchProviders, cfg.Workers.BatchFrames, workers)
	}

	if a.streamingMgr == nil && a.batchMgr == nil {
		return errors.New("app: transcription-worker requires at least one of providers.asr_stream or providers.asr_batch")
	}
	return nil
}

// initJobWorker connects Postgres, constructs the LLM/embeddings/speaker/
// event-bus providers, and builds the four job pools that drive C7, C8, and
// C9 (speech detection, conversation finalization, full-audio retranscribe,
// and the post-conversation pipeline). All four pools reuse the C1 durable
// log as their queue technology (spec.md §5).
func (a *App) initJobWorker(ctx context.Context, cfg *config.Config, checkers *[]health.Checker) error {
	if cfg.Postgres.ConversationDSN == "" {
		return errors.New("app: job-worker requires postgres.conversation_dsn")
	}
	conversations, err := convostorepg.NewStore(ctx, cfg.Postgres.ConversationDSN)
	if err != nil {
		return fmt.Errorf("app: connect conversation store: %w", err)
	}
	a.closers = append(a.closers, func() error { conversations.Close(); return nil })
	*checkers = append(*checkers, health.Checker{
		Name:  "postgres_conversation",
		Check: func(ctx context.Context) error { return conversations.Ping(ctx) },
	})

	reg := config.DefaultRegistry()

	var llmProvider llm.Provider
	if cfg.Providers.LLM.Name != "" {
		if llmProvider, err = reg.CreateLLM(cfg.Providers.LLM); err != nil {
			return fmt.Errorf("app: construct llm provider: %w", err)
		}
	}

	var embedder embeddings.Provider
	var memoryStore memory.Store
	if cfg.Providers.Embeddings.Name != "" {
		if embedder, err = reg.CreateEmbeddings(cfg.Providers.Embeddings); err != nil {
			return fmt.Errorf("app: construct embeddings provider: %w", err)
		}
		if cfg.Postgres.MemoryDSN == "" {
			return errors.New("app: providers.embeddings is configured but postgres.memory_dsn is empty")
		}
		dims := cfg.Postgres.EmbeddingDimensions
		if dims <= 0 {
			dims = 1536
		}
		memStore, err := memorypg.NewStore(ctx, cfg.Postgres.MemoryDSN, dims)
		if err != nil {
			return fmt.Errorf("app: connect memory store: %w", err)
		}
		a.closers = append(a.closers, func() error { memStore.Close(); return nil })
		memoryStore = memStore
	}

	var speakerSvc speaker.Service
	if cfg.Providers.Speaker.BaseURL != "" {
		speakerSvc = speaker.New(cfg.Providers.Speaker.BaseURL)
	}

	var dispatcher eventbus.Dispatcher
	if cfg.Providers.EventBus.BaseURL != "" {
		dispatcher = eventbus.New(cfg.Providers.EventBus.BaseURL)
	}

	agg := aggregator.New(a.streams)
	predicate := pipelinePredicate(cfg.Pipeline)

	speechDetectorQueue := jobqueue.NewQueue(a.streams, speechdetector.Kind, speechdetector.GroupName)
	conversationQueue := jobqueue.NewQueue(a.streams, conversationjob.Kind, "conversation-workers")
	postPipelineQueue := jobqueue.NewQueue(a.streams, postpipeline.Kind, postpipeline.GroupName)

	speechJob := speechdetector.New(agg, a.meta, conversations, conversationQueue, predicate)
	conversationJob := conversationjob.New(
		agg, a.meta, conversations, a.streams,
		speechDetectorQueue, postPipelineQueue,
		time.Duration(cfg.Pipeline.InactivityTimeoutSeconds)*time.Second,
		time.Duration(cfg.Pipeline.AudioBindWaitSeconds)*time.Second,
		predicate,
	)
	postJob := postpipeline.New(conversations, speakerSvc, llmProvider, embedder, memoryStore, dispatcher)

	concurrency := func(kind string, fallback int64) int64 {
		if n, ok := cfg.Workers.JobConcurrency[kind]; ok && n > 0 {
			return n
		}
		return fallback
	}

	a.speechDetectorPool = jobqueue.NewPool(speechDetectorQueue, "speech-detector-1",
		concurrency(speechdetector.Kind, jobqueue.DefaultConcurrency), speechJob.Handler())
	a.conversationPool = jobqueue.NewPool(conversationQueue, "conversation-1",
		concurrency(conversationjob.Kind, jobqueue.DefaultConcurrency), conversationJob.Handler())
	a.postPipelinePool = jobqueue.NewPool(postPipelineQueue, "post-pipeline-1",
		concurrency(postpipeline.Kind, jobqueue.DefaultConcurrency), postJob.Handler())

	if len(cfg.Providers.ASRBatch) > 0 {
		// The post-pipeline's full-audio retranscription job
		// ("transcribe_full_audio", run by postpipeline.Transcriber) uses the
		// first configured batch ASR provider.
		entry := cfg.Providers.ASRBatch[0]
		batchProvider, err := reg.CreateASRBatch(entry)
		if err != nil {
			return fmt.Errorf("app: construct batch ASR provider for transcribe_full_audio: %w", err)
		}
		transcribeQueue := jobqueue.NewQueue(a.streams, postpipeline.TranscribeKind, postpipeline.TranscribeGroupName)
		transcriber := postpipeline.NewTranscriber(conversations, batchProvider, postPipelineQueue)
		a.transcribePool = jobqueue.NewPool(transcribeQueue, "transcribe-1",
			concurrency(postpipeline.TranscribeKind, jobqueue.DefaultConcurrency), transcriber.Handler())
	}

	return nil
}

// pipelinePredicate builds the shared speech predicate from config,
// falling back to [types.DefaultSpeechPredicateConfig] for any tunable
// left at its zero value.
func pipelinePredicate(p config.PipelineConfig) types.SpeechPredicateConfig {
	d := types.DefaultSpeechPredicateConfig()
	predicate := types.SpeechPredicateConfig{
		MinWordCount:           d.MinWordCount,
		MinDurationS:           d.MinDurationS,
		MinMeanConfidence:      d.MinMeanConfidence,
		RequireEnrolledSpeaker: p.RequireEnrolledSpeaker,
	}
	if p.WordCountThreshold > 0 {
		predicate.MinWordCount = p.WordCountThreshold
	}
	if p.MinDurationSeconds > 0 {
		predicate.MinDurationS = p.MinDurationSeconds
	}
	if p.ConfidenceThreshold > 0 {
		predicate.MinMeanConfidence = p.ConfidenceThreshold
	}
	return predicate
}

// Run starts the subsystems for this App's role and blocks until ctx is
// cancelled or a subsystem returns a non-nil, non-context error.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	switch a.role {
	case RoleProducerEmbedded:
		slog.Info("app running", "role", a.role)
		<-gctx.Done()
		return ctx.Err()

	case RoleTranscriptionWorker:
		if a.streamingMgr != nil {
			g.Go(func() error { return a.streamingMgr.Run(gctx) })
		}
		if a.batchMgr != nil {
			g.Go(func() error { return a.batchMgr.Run(gctx) })
		}

	case RolePersistenceWorker:
		g.Go(func() error { return a.persistenceMgr.Run(gctx) })

	case RoleJobWorker:
		for _, pool := range []*jobqueue.Pool{a.speechDetectorPool, a.conversationPool, a.postPipelinePool, a.transcribePool} {
			if pool != nil {
				g.Go(func() error { return pool.Run(gctx) })
			}
		}
	}

	slog.Info("app running", "role", a.role)
	return g.Wait()
}

// HealthHandler returns the HTTP health/readiness handler for this App.
func (a *App) HealthHandler() *health.Handler { return a.health }

// RegisterHealth mounts /healthz and /readyz on mux.
func (a *App) RegisterHealth(mux *http.ServeMux) {
	if a.health != nil {
		a.health.Register(mux)
	}
}

// Shutdown tears down all subsystems in reverse-init order, respecting
// ctx's deadline.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "role", a.role, "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete", "role", a.role)
	})
	return shutdownErr
}
