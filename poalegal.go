// Package poalegal wires the agentic statute retrieval engine used to
// check Power-of-Attorney validity: article stores, LLM providers, the
// iterative retrieval loop and artifact persistence.
package poalegal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/brunobiangulo/poalegal/artifacts"
	"github.com/brunobiangulo/poalegal/corpus"
	"github.com/brunobiangulo/poalegal/llm"
	"github.com/brunobiangulo/poalegal/retrieval"
	"github.com/brunobiangulo/poalegal/store"
)

// Engine is the main entry point.
type Engine interface {
	// Ingest loads a statute file, splits it into articles, embeds the
	// Arabic and English texts and upserts them. Unchanged articles are
	// skipped by content hash.
	Ingest(ctx context.Context, path string, opts ...IngestOption) (*IngestResult, error)

	// Retrieve runs the iterative retrieval loop for one case. The
	// artifact is persisted in the background when save_artifacts is set.
	Retrieve(ctx context.Context, req RetrieveRequest) (*RetrieveResult, error)

	// Artifact reads a persisted artifact back.
	Artifact(ctx context.Context, id string) (*retrieval.StorableArtifact, error)

	// RecordVerdict attaches the downstream validity verdict to an artifact.
	RecordVerdict(ctx context.Context, id, verdict string, confidence float64) error

	// Areas returns the legal areas checklist in use.
	Areas() *retrieval.LegalAreas

	// Close drains pending artifact writes and releases the store.
	Close() error
}

// RetrieveRequest is one case submitted for retrieval.
type RetrieveRequest struct {
	CaseID     string            `json:"case_id"`
	Issues     []retrieval.Issue `json:"issues"`
	LegalBrief map[string]any    `json:"legal_brief,omitempty"`
}

// RetrieveResult carries the ranked articles and the evaluation artifact.
type RetrieveResult struct {
	Articles []*retrieval.ArticleResult `json:"articles"`
	Artifact *retrieval.EvalArtifact    `json:"-"`
}

// ArticleStore is everything the engine needs from an article store.
// Both store.Store and store.PGStore satisfy it.
type ArticleStore interface {
	retrieval.ArticleStore
	UpsertArticle(ctx context.Context, a store.Article) (int64, error)
	ArticleHash(ctx context.Context, lawID string, number int) (string, error)
	SetEmbedding(ctx context.Context, articleID int64, language string, embedding []float32) error
	Close() error
}

// Deps lets callers supply collaborators directly instead of building
// them from Config.
type Deps struct {
	Chat     llm.Provider
	Embedder llm.Provider
	Store    ArticleStore
	// Sinks receive artifacts. Readers among them (Load) back Artifact.
	Sinks []artifacts.Sink
	Areas *retrieval.LegalAreas
}

type artifactLoader interface {
	Load(ctx context.Context, id string) (*retrieval.StorableArtifact, error)
}

type verdictSetter interface {
	SetVerdict(ctx context.Context, id, verdict string, confidence float64) error
}

// engine is the concrete implementation of Engine.
type engine struct {
	cfg          Config
	store        ArticleStore
	chat         llm.Provider
	embedder     llm.Provider
	corpus       *corpus.Registry
	orchestrator *retrieval.Orchestrator
	dispatcher   *artifacts.Dispatcher
	sinks        []artifacts.Sink
	closers      []func() error

	mu     sync.RWMutex
	closed bool
}

// New creates an engine from configuration.
func New(ctx context.Context, cfg Config) (Engine, error) {
	if cfg.EmbeddingDim == 0 {
		cfg.EmbeddingDim = 1024
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var deps Deps
	var closers []func() error
	fail := func(err error) (Engine, error) {
		for _, c := range closers {
			c()
		}
		if deps.Store != nil {
			deps.Store.Close()
		}
		return nil, err
	}

	var sqlStore *store.Store
	switch cfg.Store {
	case BackendPostgres:
		pg, err := store.NewPG(ctx, cfg.PostgresDSN, cfg.EmbeddingDim)
		if err != nil {
			return nil, fmt.Errorf("opening postgres store: %w", err)
		}
		deps.Store = pg
	default:
		s, err := store.New(cfg.resolveDBPath(), cfg.EmbeddingDim)
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
		sqlStore = s
		deps.Store = s
	}

	chat, err := llm.NewProvider(cfg.Chat.provider())
	if err != nil {
		return fail(fmt.Errorf("creating chat provider: %w", err))
	}
	deps.Chat = chat

	embedder, err := llm.NewProvider(cfg.Embedding.provider())
	if err != nil {
		return fail(fmt.Errorf("creating embedding provider: %w", err))
	}
	if cfg.Cache.Enabled {
		rdb := llm.NewRedisClient(cfg.Cache.CacheConfig)
		closers = append(closers, rdb.Close)
		embedder = llm.NewCachedProvider(embedder, rdb, cfg.Embedding.Model, cfg.Cache.CacheConfig)
		slog.Info("poalegal: embedding cache enabled", "addr", cfg.Cache.Addr)
	}
	deps.Embedder = embedder

	if cfg.LegalAreasPath != "" {
		areas, err := retrieval.LoadLegalAreas(cfg.LegalAreasPath)
		if err != nil {
			return fail(fmt.Errorf("loading legal areas: %w", err))
		}
		deps.Areas = areas
	}

	for _, name := range cfg.sinks() {
		switch name {
		case SinkSQLite:
			deps.Sinks = append(deps.Sinks, artifacts.NewSQLiteSink(sqlStore))
		case SinkFile:
			fs, err := artifacts.NewFileSink(cfg.Artifacts.Dir)
			if err != nil {
				return fail(err)
			}
			deps.Sinks = append(deps.Sinks, fs)
		case SinkS3:
			s3, err := artifacts.NewS3Sink(ctx, cfg.Artifacts.S3)
			if err != nil {
				return fail(err)
			}
			deps.Sinks = append(deps.Sinks, s3)
		case SinkKafka:
			k, err := artifacts.NewKafkaSink(cfg.Artifacts.Kafka)
			if err != nil {
				return fail(err)
			}
			closers = append(closers, k.Close)
			deps.Sinks = append(deps.Sinks, k)
		}
	}

	e, err := NewWithDeps(cfg, deps)
	if err != nil {
		return fail(err)
	}
	e.(*engine).closers = closers
	return e, nil
}

// NewWithDeps creates an engine around caller-supplied collaborators.
func NewWithDeps(cfg Config, deps Deps) (Engine, error) {
	if deps.Store == nil || deps.Chat == nil || deps.Embedder == nil {
		return nil, fmt.Errorf("%w: store, chat and embedding providers are required", ErrInvalidConfig)
	}
	orch, err := retrieval.New(cfg.Retrieval, retrieval.Deps{
		Embedder:  deps.Embedder,
		Completer: deps.Chat,
		Store:     deps.Store,
		Areas:     deps.Areas,
		LawID:     cfg.LawID,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	e := &engine{
		cfg:          cfg,
		store:        deps.Store,
		chat:         deps.Chat,
		embedder:     deps.Embedder,
		corpus:       corpus.NewRegistry(),
		orchestrator: orch,
		sinks:        deps.Sinks,
	}

	switch len(deps.Sinks) {
	case 0:
	case 1:
		e.dispatcher = artifacts.NewDispatcher(deps.Sinks[0], cfg.Artifacts.QueueSize, cfg.Artifacts.Timeout)
	default:
		e.dispatcher = artifacts.NewDispatcher(artifacts.NewFanout(deps.Sinks...), cfg.Artifacts.QueueSize, cfg.Artifacts.Timeout)
	}
	return e, nil
}

func (e *engine) Retrieve(ctx context.Context, req RetrieveRequest) (*RetrieveResult, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if len(req.Issues) == 0 {
		return nil, fmt.Errorf("%w: no issues", ErrInvalidIssues)
	}
	if err := retrieval.ValidateIssues(req.Issues); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIssues, err)
	}

	cc := retrieval.CaseContextFromBrief(req.LegalBrief)
	articles, artifact := e.orchestrator.Retrieve(ctx, req.Issues, cc, req.CaseID)

	slog.Info("poalegal: retrieval complete",
		"case_id", req.CaseID, "artifact_id", artifact.ArtifactID,
		"articles", len(articles), "stop_reason", artifact.StopReason,
		"coverage", artifact.CoverageScore, "iterations", artifact.TotalIterations)

	if e.cfg.Retrieval.SaveArtifacts && e.dispatcher != nil {
		rec := artifact.ToStorable()
		if err := e.dispatcher.Submit(&rec); err != nil {
			slog.Warn("poalegal: artifact not queued", "artifact_id", artifact.ArtifactID, "error", err)
		}
	}
	return &RetrieveResult{Articles: articles, Artifact: artifact}, nil
}

func (e *engine) Artifact(ctx context.Context, id string) (*retrieval.StorableArtifact, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	var readable bool
	for _, s := range e.sinks {
		l, ok := s.(artifactLoader)
		if !ok {
			continue
		}
		readable = true
		a, err := l.Load(ctx, id)
		if err == nil {
			return a, nil
		}
		if !isNotFound(err) {
			return nil, fmt.Errorf("loading artifact from %s: %w", s.Name(), err)
		}
	}
	if !readable {
		return nil, ErrArtifactsUnavailable
	}
	return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, id)
}

func (e *engine) RecordVerdict(ctx context.Context, id, verdict string, confidence float64) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if verdict == "" {
		return fmt.Errorf("%w: empty verdict", ErrInvalidConfig)
	}
	if confidence < 0 || confidence > 1 {
		return fmt.Errorf("%w: verdict confidence %v outside [0,1]", ErrInvalidConfig, confidence)
	}

	if vs, ok := e.store.(verdictSetter); ok && e.hasSink(SinkSQLite) {
		err := vs.SetVerdict(ctx, id, verdict, confidence)
		if errors.Is(err, store.ErrArtifactNotFound) {
			return fmt.Errorf("%w: %s", ErrArtifactNotFound, id)
		}
		return err
	}

	// Sinks without a verdict column get the artifact rewritten.
	for _, s := range e.sinks {
		l, ok := s.(artifactLoader)
		if !ok {
			continue
		}
		a, err := l.Load(ctx, id)
		if isNotFound(err) {
			continue
		}
		if err != nil {
			return err
		}
		a.Verdict = verdict
		a.VerdictConfidence = &confidence
		return s.Save(ctx, a)
	}
	if !e.hasReader() {
		return ErrArtifactsUnavailable
	}
	return fmt.Errorf("%w: %s", ErrArtifactNotFound, id)
}

func (e *engine) Areas() *retrieval.LegalAreas {
	return e.orchestrator.Coverage().Areas()
}

func (e *engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	var errs []error
	if e.dispatcher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := e.dispatcher.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("draining artifacts: %w", err))
		}
		cancel()
		saved, failed := e.dispatcher.Stats()
		slog.Info("poalegal: artifacts flushed", "saved", saved, "failed", failed)
	}
	for _, c := range e.closers {
		if err := c(); err != nil && !errors.Is(err, redis.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if err := e.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (e *engine) checkOpen() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrClosed
	}
	return nil
}

func (e *engine) hasSink(name string) bool {
	for _, s := range e.sinks {
		if s.Name() == name {
			return true
		}
	}
	return false
}

func (e *engine) hasReader() bool {
	for _, s := range e.sinks {
		if _, ok := s.(artifactLoader); ok {
			return true
		}
	}
	return false
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrArtifactNotFound) || errors.Is(err, artifacts.ErrArtifactNotFound)
}
