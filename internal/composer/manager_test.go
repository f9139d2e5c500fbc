package composer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/branestawm/branestawm/internal/apperr"
	"github.com/branestawm/branestawm/internal/relevance"
	"github.com/branestawm/branestawm/internal/storage"
)

var testNow = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

type fakeStore struct {
	mu         sync.Mutex
	folios     map[string]storage.Folio
	personas   map[string]storage.Persona
	artifacts  map[string]storage.Artifact
	settings   map[string]string
	folioReads int
	folioErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		folios:    make(map[string]storage.Folio),
		personas:  make(map[string]storage.Persona),
		artifacts: make(map[string]storage.Artifact),
		settings:  make(map[string]string),
	}
}

func (f *fakeStore) GetFolio(_ context.Context, id string) (storage.Folio, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.folioReads++
	if f.folioErr != nil {
		return storage.Folio{}, f.folioErr
	}
	folio, ok := f.folios[id]
	if !ok {
		return storage.Folio{}, storage.ErrNotFound
	}
	return folio, nil
}

func (f *fakeStore) GetPersona(_ context.Context, id string) (storage.Persona, error) {
	p, ok := f.personas[id]
	if !ok {
		return storage.Persona{}, storage.ErrNotFound
	}
	return p, nil
}

func (f *fakeStore) GetArtifact(_ context.Context, id string) (storage.Artifact, error) {
	a, ok := f.artifacts[id]
	if !ok {
		return storage.Artifact{}, storage.ErrNotFound
	}
	return a, nil
}

func (f *fakeStore) GetSetting(_ context.Context, key string) (string, error) {
	v, ok := f.settings[key]
	if !ok {
		return "", storage.ErrNotFound
	}
	return v, nil
}

func (f *fakeStore) reads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.folioReads
}

// keywordScorer scores 0.9 when content mentions the keyword, else 0.1.
type keywordScorer struct{ keyword string }

func (k keywordScorer) Score(_, content string, _ relevance.Options) float64 {
	if strings.Contains(content, k.keyword) {
		return 0.9
	}
	return 0.1
}

type recordingSink struct {
	mu   sync.Mutex
	errs []*apperr.Error
}

func (r *recordingSink) Handle(_ context.Context, err *apperr.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

// makeMessages returns n messages one minute apart, oldest first, each with
// the given content.
func makeMessages(folioID string, n int, content string) []storage.Message {
	msgs := make([]storage.Message, n)
	for i := range msgs {
		msgs[i] = storage.Message{
			ID:         fmt.Sprintf("m%02d", i),
			FolioID:    folioID,
			Role:       "user",
			Content:    content,
			Importance: 1,
			Timestamp:  testNow.Add(time.Duration(i-n) * time.Minute),
		}
	}
	return msgs
}

func newTestManager(store DataStore, opts ...Option) *Manager {
	opts = append([]Option{
		WithClock(func() time.Time { return testNow }),
		WithScorer(keywordScorer{keyword: "deadline"}),
		WithSink(apperr.NopSink{}),
	}, opts...)
	return NewManager(store, DefaultConfig(), opts...)
}

func assertChronological(t *testing.T, msgs []ScoredMessage) {
	t.Helper()
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Message.Timestamp.Before(msgs[i-1].Message.Timestamp) {
			t.Fatalf("messages not chronological at %d: %v before %v", i, msgs[i].Message.Timestamp, msgs[i-1].Message.Timestamp)
		}
	}
}

func assertTotalConsistent(t *testing.T, c *Context) {
	t.Helper()
	c2 := *c
	c2.Messages = append([]ScoredMessage(nil), c.Messages...)
	c2.Summaries = append([]ScoredSummary(nil), c.Summaries...)
	c2.Artifacts = append([]ScoredArtifact(nil), c.Artifacts...)
	c2.recalculate()
	if c2.Metadata.TotalTokens != c.Metadata.TotalTokens {
		t.Errorf("TotalTokens = %d, recomputed %d", c.Metadata.TotalTokens, c2.Metadata.TotalTokens)
	}
}

func TestBuild_AllRecentFit(t *testing.T) {
	store := newFakeStore()
	store.folios["f"] = storage.Folio{ID: "f", Messages: makeMessages("f", 5, "short note")}
	m := newTestManager(store)

	c, err := m.BuildOptimalContext(context.Background(), "f", "anything", BuildOptions{})
	if err != nil {
		t.Fatalf("BuildOptimalContext: %v", err)
	}
	if len(c.Messages) != 5 {
		t.Errorf("len(Messages) = %d, want 5", len(c.Messages))
	}
	if c.Metadata.CompressionAchieved {
		t.Error("CompressionAchieved = true, want false")
	}
	if c.Metadata.TotalTokens > c.Metadata.AvailableTokens {
		t.Errorf("TotalTokens %d exceeds available %d", c.Metadata.TotalTokens, c.Metadata.AvailableTokens)
	}
	if c.Metadata.AvailableTokens != 7000 {
		t.Errorf("AvailableTokens = %d, want 7000", c.Metadata.AvailableTokens)
	}
	assertChronological(t, c.Messages)
	assertTotalConsistent(t, c)
}

func TestBuild_RecentExceedBudget(t *testing.T) {
	store := newFakeStore()
	// 2400 plain characters estimate to 600 tokens each.
	big := strings.Repeat("lorem ipsum ", 200)
	store.folios["f"] = storage.Folio{ID: "f", Messages: makeMessages("f", 15, big)}
	m := newTestManager(store)

	c, err := m.BuildOptimalContext(context.Background(), "f", "status update", BuildOptions{})
	if err != nil {
		t.Fatalf("BuildOptimalContext: %v", err)
	}
	if len(c.Messages) < m.Config().MinRecentMessages {
		t.Errorf("len(Messages) = %d, want >= %d", len(c.Messages), m.Config().MinRecentMessages)
	}
	if !c.Metadata.CompressionAchieved {
		t.Error("CompressionAchieved = false, want true")
	}
	// Message budget is 3360 tokens: five 600-token messages fit.
	if len(c.Messages) != 5 {
		t.Errorf("len(Messages) = %d, want 5", len(c.Messages))
	}
	for _, sm := range c.Messages {
		if sm.Message.ID < "m05" {
			t.Errorf("message %s is older than the recent window", sm.Message.ID)
		}
	}
	if c.Metadata.TotalTokens > c.Metadata.AvailableTokens {
		t.Errorf("TotalTokens %d exceeds available %d", c.Metadata.TotalTokens, c.Metadata.AvailableTokens)
	}
	assertChronological(t, c.Messages)
	assertTotalConsistent(t, c)
}

func TestBuild_FloorForcesOptimisation(t *testing.T) {
	store := newFakeStore()
	big := strings.Repeat("lorem ipsum ", 200)
	store.folios["f"] = storage.Folio{ID: "f", Messages: makeMessages("f", 6, big)}
	m := newTestManager(store)

	c, err := m.BuildOptimalContext(context.Background(), "f", "status", BuildOptions{MaxTokens: 1200})
	if err != nil {
		t.Fatalf("BuildOptimalContext: %v", err)
	}
	if len(c.Messages) != 3 {
		t.Fatalf("len(Messages) = %d, want the floor of 3", len(c.Messages))
	}
	for _, sm := range c.Messages {
		if !sm.Truncated {
			t.Errorf("message %s not truncated", sm.Message.ID)
		}
		if !strings.HasSuffix(sm.Content, TruncationMarker) {
			t.Errorf("message %s lacks truncation marker", sm.Message.ID)
		}
		if sm.Message.Content != big {
			t.Errorf("underlying message %s was modified", sm.Message.ID)
		}
	}
	if !c.Metadata.CompressionAchieved {
		t.Error("CompressionAchieved = false, want true")
	}
	assertChronological(t, c.Messages)
	assertTotalConsistent(t, c)
}

func TestBuild_HistoricalBackfill(t *testing.T) {
	store := newFakeStore()
	msgs := makeMessages("f", 14, "routine chatter")
	msgs[0].Content = "the deadline moved to Friday"
	msgs[0].Importance = 5
	msgs[1].Content = "the deadline is tight"
	msgs[1].Importance = 1 // below the importance threshold
	msgs[2].Importance = 5  // important but irrelevant
	store.folios["f"] = storage.Folio{ID: "f", Messages: msgs}
	m := newTestManager(store)

	c, err := m.BuildOptimalContext(context.Background(), "f", "what is the deadline?", BuildOptions{})
	if err != nil {
		t.Fatalf("BuildOptimalContext: %v", err)
	}
	if len(c.Messages) != 11 {
		t.Fatalf("len(Messages) = %d, want 10 recent + 1 historical", len(c.Messages))
	}
	if c.Messages[0].Message.ID != "m00" {
		t.Errorf("first message = %s, want the backfilled m00", c.Messages[0].Message.ID)
	}
	assertChronological(t, c.Messages)

	var hasHistorical bool
	for _, s := range c.Metadata.Sources {
		if s == sourceHistorical {
			hasHistorical = true
		}
	}
	if !hasHistorical {
		t.Errorf("Sources = %v, want %s", c.Metadata.Sources, sourceHistorical)
	}
}

func TestBuild_SummariesAndArtifacts(t *testing.T) {
	store := newFakeStore()
	store.folios["f"] = storage.Folio{
		ID:                "f",
		ArtifactIDs:       []string{"a1", "missing"},
		SharedArtifactIDs: []string{"a1", "a2"},
		Messages:          makeMessages("f", 2, "hello"),
		Summaries: []storage.Summary{
			{ID: "s1", Kind: storage.SummaryWeekly, Content: "deadline agreed", Importance: 2, CreatedAt: testNow.Add(-time.Hour)},
			{ID: "s2", Kind: storage.SummaryDaily, Content: "deadline slipped", ValidUntil: testNow.Add(-time.Minute)},
			{ID: "s3", Kind: storage.SummaryTopical, Content: "unrelated"},
		},
	}
	store.artifacts["a1"] = storage.Artifact{ID: "a1", Title: "Plan", Content: "deadline table"}
	store.artifacts["a2"] = storage.Artifact{ID: "a2", Title: "Misc", Content: "other"}
	m := newTestManager(store)

	c, err := m.BuildOptimalContext(context.Background(), "f", "deadline", BuildOptions{})
	if err != nil {
		t.Fatalf("BuildOptimalContext: %v", err)
	}
	if len(c.Summaries) != 1 || c.Summaries[0].Summary.ID != "s1" {
		t.Errorf("Summaries = %+v, want only s1", c.Summaries)
	}
	if len(c.Artifacts) != 1 || c.Artifacts[0].Artifact.ID != "a1" {
		t.Errorf("Artifacts = %+v, want only a1", c.Artifacts)
	}
	want := []string{"artifact:a1", "folio:f", sourceRecent, "persona:default", "summary:weekly"}
	if strings.Join(c.Metadata.Sources, ",") != strings.Join(want, ",") {
		t.Errorf("Sources = %v, want %v", c.Metadata.Sources, want)
	}
	assertTotalConsistent(t, c)
}

func TestBuild_SystemPrompt(t *testing.T) {
	store := newFakeStore()
	store.personas["coach"] = storage.Persona{ID: "coach", Identity: "You are a running coach.", Tone: "Upbeat."}
	store.settings[storage.SettingActivePersona] = "coach"
	store.folios["f"] = storage.Folio{ID: "f", Title: "Marathon", Description: "Training plan", Guidelines: "Metric units."}
	store.folios["g"] = storage.Folio{ID: "g", PersonaID: "ghost"}
	m := newTestManager(store)

	c, err := m.BuildOptimalContext(context.Background(), "f", "q", BuildOptions{})
	if err != nil {
		t.Fatalf("BuildOptimalContext: %v", err)
	}
	for _, want := range []string{"You are a running coach.", "[Folio: Marathon]", "Guidelines: Metric units.", "Current date: Friday, 16 October 2026"} {
		if !strings.Contains(c.SystemPrompt, want) {
			t.Errorf("system prompt missing %q:\n%s", want, c.SystemPrompt)
		}
	}

	c, err = m.BuildOptimalContext(context.Background(), "g", "q", BuildOptions{})
	if err != nil {
		t.Fatalf("BuildOptimalContext: %v", err)
	}
	if !strings.Contains(c.SystemPrompt, DefaultPersona.Identity) {
		t.Errorf("expected default persona, got:\n%s", c.SystemPrompt)
	}
	if strings.Contains(c.SystemPrompt, "[Folio") {
		t.Error("folio section rendered without description or guidelines")
	}
}

func TestBuild_CacheHit(t *testing.T) {
	store := newFakeStore()
	store.folios["f"] = storage.Folio{ID: "f", Messages: makeMessages("f", 3, "hi")}
	now := testNow
	m := newTestManager(store, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	first, err := m.BuildOptimalContext(ctx, "f", "q", BuildOptions{})
	if err != nil {
		t.Fatalf("first build: %v", err)
	}
	second, err := m.BuildOptimalContext(ctx, "f", "q", BuildOptions{})
	if err != nil {
		t.Fatalf("second build: %v", err)
	}
	if first != second {
		t.Error("cache hit returned a different context")
	}
	if store.reads() != 1 {
		t.Errorf("folio reads = %d, want 1", store.reads())
	}

	if _, err := m.BuildOptimalContext(ctx, "f", "q", BuildOptions{MaxTokens: 4000}); err != nil {
		t.Fatal(err)
	}
	if store.reads() != 2 {
		t.Errorf("different options should miss the cache, reads = %d", store.reads())
	}

	now = now.Add(5 * time.Minute)
	third, err := m.BuildOptimalContext(ctx, "f", "q", BuildOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if third == first {
		t.Error("expired entry was served")
	}

	stats := m.CacheStats()
	if stats.Hits != 1 || stats.Misses != 3 {
		t.Errorf("stats = %+v, want 1 hit and 3 misses", stats)
	}

	m.ClearCache()
	if m.CacheStats().Entries != 0 {
		t.Error("ClearCache left entries")
	}
}

func TestBuild_ConcurrentCallsShareBuild(t *testing.T) {
	store := newFakeStore()
	store.folios["f"] = storage.Folio{ID: "f", Messages: makeMessages("f", 3, "hi")}
	m := newTestManager(store)

	var wg sync.WaitGroup
	results := make([]*Context, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := m.BuildOptimalContext(context.Background(), "f", "q", BuildOptions{})
			if err != nil {
				t.Errorf("build %d: %v", i, err)
				return
			}
			results[i] = c
		}(i)
	}
	wg.Wait()

	if store.reads() != 1 {
		t.Errorf("folio reads = %d, want 1", store.reads())
	}
	for i, c := range results {
		if c != results[0] {
			t.Errorf("result %d differs from result 0", i)
		}
	}
}

// gatedStore blocks folio reads until release is closed or ctx ends.
type gatedStore struct {
	*fakeStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedStore) GetFolio(ctx context.Context, id string) (storage.Folio, error) {
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return storage.Folio{}, ctx.Err()
	}
	return g.fakeStore.GetFolio(ctx, id)
}

func TestBuild_CancelledCallerDoesNotFailSharedBuild(t *testing.T) {
	store := newFakeStore()
	store.folios["f"] = storage.Folio{ID: "f", Messages: makeMessages("f", 3, "hi")}
	gated := &gatedStore{fakeStore: store, entered: make(chan struct{}), release: make(chan struct{})}
	sink := &recordingSink{}
	m := newTestManager(gated, WithSink(sink))

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := m.BuildOptimalContext(ctxA, "f", "q", BuildOptions{})
		errA <- err
	}()
	<-gated.entered

	cancelA()
	err := <-errA
	if !errors.Is(err, apperr.ContextBuildFailed) || !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller err = %v, want CONTEXT_BUILD_FAILED wrapping context.Canceled", err)
	}

	// The build started by the cancelled caller keeps running; this caller
	// either joins it or reads its cached result.
	type result struct {
		c   *Context
		err error
	}
	done := make(chan result, 1)
	go func() {
		c, err := m.BuildOptimalContext(context.Background(), "f", "q", BuildOptions{})
		done <- result{c, err}
	}()
	close(gated.release)

	res := <-done
	if res.err != nil {
		t.Fatalf("joined caller failed: %v", res.err)
	}
	if res.c == nil || res.c.Metadata.FolioID != "f" {
		t.Errorf("context = %+v", res.c)
	}
	if store.reads() != 1 {
		t.Errorf("folio reads = %d, want 1", store.reads())
	}
	if len(sink.errs) != 0 {
		t.Errorf("sink received %d errors, want none", len(sink.errs))
	}
}

func TestBuild_FailureReportedToSink(t *testing.T) {
	store := newFakeStore()
	store.folioErr = errors.New("disk on fire")
	sink := &recordingSink{}
	m := newTestManager(store, WithSink(sink))

	query := strings.Repeat("very long query ", 20)
	_, err := m.BuildOptimalContext(context.Background(), "f", query, BuildOptions{})
	if !errors.Is(err, apperr.ContextBuildFailed) {
		t.Fatalf("err = %v, want CONTEXT_BUILD_FAILED", err)
	}
	if apperr.KindOf(err) != apperr.KindContextBuildFailed {
		t.Errorf("KindOf = %q", apperr.KindOf(err))
	}
	if len(sink.errs) != 1 {
		t.Fatalf("sink received %d errors, want 1", len(sink.errs))
	}
	details := sink.errs[0].Details
	if details["folio_id"] != "f" {
		t.Errorf("folio_id = %q, want f", details["folio_id"])
	}
	if len([]rune(details["query"])) >= len(query) {
		t.Errorf("query detail not truncated: %q", details["query"])
	}

	if _, err := m.BuildOptimalContext(context.Background(), "f", query, BuildOptions{}); err == nil {
		t.Error("failed build must not be cached")
	}
}

func TestBuild_UnknownFolio(t *testing.T) {
	m := newTestManager(newFakeStore())
	_, err := m.BuildOptimalContext(context.Background(), "nope", "q", BuildOptions{})
	if !errors.Is(err, apperr.ContextBuildFailed) {
		t.Fatalf("err = %v, want CONTEXT_BUILD_FAILED", err)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		t.Error("cause should wrap storage.ErrNotFound")
	}
}
