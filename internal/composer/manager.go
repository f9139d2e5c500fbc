package composer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/branestawm/branestawm/internal/apperr"
	"github.com/branestawm/branestawm/internal/relevance"
	"github.com/branestawm/branestawm/internal/storage"
)

// DataStore is the read access the Manager needs to folios and their
// related records.
type DataStore interface {
	GetFolio(ctx context.Context, id string) (storage.Folio, error)
	GetPersona(ctx context.Context, id string) (storage.Persona, error)
	GetArtifact(ctx context.Context, id string) (storage.Artifact, error)
	GetSetting(ctx context.Context, key string) (string, error)
}

// Scorer rates the relevance of content to a query in [0, 1].
type Scorer interface {
	Score(query, content string, opts relevance.Options) float64
}

// Config holds the tunable limits of context assembly.
type Config struct {
	MaxTokens           int
	ReservedTokens      int
	MaxRecentMessages   int
	MinRecentMessages   int
	RelevanceThreshold  float64
	ImportanceThreshold float64
	CacheTTL            time.Duration
	MaxCacheEntries     int
	CacheKeepEntries    int
}

// DefaultConfig returns the standard limits.
func DefaultConfig() Config {
	return Config{
		MaxTokens:           8000,
		ReservedTokens:      1000,
		MaxRecentMessages:   10,
		MinRecentMessages:   3,
		RelevanceThreshold:  0.6,
		ImportanceThreshold: 3.0,
		CacheTTL:            5 * time.Minute,
		MaxCacheEntries:     100,
		CacheKeepEntries:    50,
	}
}

// withDefaults fills unset fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxTokens <= 0 {
		c.MaxTokens = d.MaxTokens
	}
	if c.ReservedTokens < 0 {
		c.ReservedTokens = d.ReservedTokens
	}
	if c.MaxRecentMessages <= 0 {
		c.MaxRecentMessages = d.MaxRecentMessages
	}
	if c.MinRecentMessages <= 0 {
		c.MinRecentMessages = d.MinRecentMessages
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = d.CacheTTL
	}
	if c.MaxCacheEntries <= 0 {
		c.MaxCacheEntries = d.MaxCacheEntries
	}
	if c.CacheKeepEntries <= 0 || c.CacheKeepEntries > c.MaxCacheEntries {
		c.CacheKeepEntries = min(d.CacheKeepEntries, c.MaxCacheEntries)
	}
	return c
}

// CacheStats reports context cache activity.
type CacheStats struct {
	Entries   int   `json:"entries"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Coalesced int64 `json:"coalesced"`
}

// Manager builds contexts and caches them. It is safe for concurrent use.
type Manager struct {
	store  DataStore
	scorer Scorer
	sink   apperr.Sink
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	cache  *contextCache
	flight singleflight.Group

	hits, misses, coalesced atomic.Int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithScorer sets the relevance scorer.
func WithScorer(s Scorer) Option { return func(m *Manager) { m.scorer = s } }

// WithSink sets where build failures are reported.
func WithSink(s apperr.Sink) Option { return func(m *Manager) { m.sink = s } }

// WithClock sets the time source used for recency and cache expiry.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithLogger sets the logger for the Manager and its default scorer.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// NewManager creates a Manager reading from store. Non-positive limits in
// cfg take their defaults; thresholds and ReservedTokens are used as given.
func NewManager(store DataStore, cfg Config, opts ...Option) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		store:  store,
		cfg:    cfg,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	if m.scorer == nil {
		m.scorer = relevance.NewScorer(0, relevance.WithClock(m.now), relevance.WithLogger(m.logger))
	}
	if m.sink == nil {
		m.sink = apperr.LogSink{Logger: m.logger}
	}
	m.cache = newContextCache(cfg.CacheTTL, cfg.MaxCacheEntries, cfg.CacheKeepEntries)
	return m
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// BuildOptimalContext assembles the context for query in folio folioID.
// Identical calls within the cache TTL return the same *Context without
// reading the data store, and concurrent identical calls share one build.
// Failures are reported to the sink and returned as CONTEXT_BUILD_FAILED.
// A caller whose ctx ends stops waiting and gets CONTEXT_BUILD_FAILED
// wrapping ctx.Err(); the build itself is not cancelled.
func (m *Manager) BuildOptimalContext(ctx context.Context, folioID, query string, opts BuildOptions) (*Context, error) {
	key := cacheKey(folioID, query, opts)
	if c, ok := m.cache.get(key, m.now()); ok {
		m.hits.Add(1)
		return c, nil
	}

	// The shared build outlives any one caller; each caller stops waiting
	// when its own ctx ends.
	buildCtx := context.WithoutCancel(ctx)
	ch := m.flight.DoChan(key, func() (any, error) {
		if c, ok := m.cache.get(key, m.now()); ok {
			m.hits.Add(1)
			return c, nil
		}
		m.misses.Add(1)
		c, err := m.build(buildCtx, folioID, query, opts)
		if err != nil {
			return nil, err
		}
		m.cache.put(key, c, m.now())
		return c, nil
	})

	select {
	case res := <-ch:
		if res.Shared {
			m.coalesced.Add(1)
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Context), nil
	case <-ctx.Done():
		return nil, apperr.New(apperr.KindContextBuildFailed, "composer.BuildOptimalContext", map[string]string{
			"folio_id": folioID,
			"query":    apperr.Truncate(query, 64),
		}, ctx.Err())
	}
}

func (m *Manager) build(ctx context.Context, folioID, query string, opts BuildOptions) (*Context, error) {
	start := m.now()

	maxTokens := m.cfg.MaxTokens
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}
	b := splitBudget(maxTokens, m.cfg.ReservedTokens)

	folio, err := m.store.GetFolio(ctx, folioID)
	if err != nil {
		return nil, m.fail(ctx, folioID, query, fmt.Errorf("loading folio: %w", err))
	}
	persona, err := m.resolvePersona(ctx, folio)
	if err != nil {
		return nil, m.fail(ctx, folioID, query, err)
	}

	c := &Context{
		SystemPrompt: buildSystemPrompt(persona, folio, start, b.prompt),
		Metadata: Metadata{
			FolioID:         folioID,
			Query:           query,
			AvailableTokens: b.available,
		},
	}
	sources := map[string]bool{"folio:" + folioID: true, "persona:" + persona.ID: true}

	sel := m.selectMessages(query, folio.Messages, b.messages, opts.SemanticType)
	c.Messages = sel.messages
	if len(sel.messages) > sel.historical {
		sources[sourceRecent] = true
	}
	if sel.historical > 0 {
		sources[sourceHistorical] = true
	}

	c.Summaries = m.selectSummaries(query, folio.Summaries, b.summaries, start, opts.SemanticType)
	for _, s := range c.Summaries {
		sources["summary:"+string(s.Summary.Kind)] = true
	}

	c.Artifacts, err = m.selectArtifacts(ctx, query, folio, b.artifacts, opts.SemanticType)
	if err != nil {
		return nil, m.fail(ctx, folioID, query, err)
	}
	for _, a := range c.Artifacts {
		sources["artifact:"+a.Artifact.ID] = true
	}

	c.recalculate()
	compressed := sel.overBudget
	if c.Metadata.TotalTokens > b.available {
		m.optimize(c, b.available)
		compressed = true
	}
	chronological(c.Messages)

	for s := range sources {
		c.Metadata.Sources = append(c.Metadata.Sources, s)
	}
	sort.Strings(c.Metadata.Sources)
	c.Metadata.CompressionAchieved = compressed
	c.recalculate()
	c.Metadata.ProcessingTime = m.now().Sub(start)

	m.logger.Debug("context built",
		"folio_id", folioID,
		"query_len", len(query),
		"messages", len(c.Messages),
		"summaries", len(c.Summaries),
		"artifacts", len(c.Artifacts),
		"total_tokens", c.Metadata.TotalTokens,
		"compressed", compressed,
	)
	return c, nil
}

func (m *Manager) fail(ctx context.Context, folioID, query string, err error) error {
	e := apperr.New(apperr.KindContextBuildFailed, "composer.BuildOptimalContext", map[string]string{
		"folio_id": folioID,
		"query":    apperr.Truncate(query, 64),
	}, err)
	m.sink.Handle(ctx, e)
	return e
}

// ClearCache drops every cached context.
func (m *Manager) ClearCache() {
	m.cache.clear()
}

// CacheStats returns cache counters.
func (m *Manager) CacheStats() CacheStats {
	return CacheStats{
		Entries:   m.cache.len(),
		Hits:      m.hits.Load(),
		Misses:    m.misses.Load(),
		Coalesced: m.coalesced.Load(),
	}
}
