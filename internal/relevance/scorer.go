// Package relevance scores how relevant a candidate text is to a query.
package relevance

import (
	"fmt"
	"log/slog"
	"math"
	"time"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	lexicalWeight  = 0.4
	topicWeight    = 0.3
	semanticWeight = 0.2
	recencyWeight  = 0.1

	recencyWindowDays = 30.0

	// Neutral is returned when scoring fails.
	Neutral = 0.5

	defaultMemoSize = 2048
	memoPrefixRunes = 100
	secondsPerDay   = 24 * 60 * 60
)

// Options refine a score. The zero value scores on text alone.
type Options struct {
	// SemanticType, when set, earns the semantic weight if the query
	// classifies to the same type.
	SemanticType SemanticType
	// Timestamp, when set, earns up to the recency weight, decaying linearly
	// to zero over 30 days.
	Timestamp time.Time
}

// Scorer computes bounded relevance scores and memoizes them.
// It is safe for concurrent use.
type Scorer struct {
	memo   *lru.Cache[string, float64]
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithClock overrides the time source used for recency.
func WithClock(now func() time.Time) Option {
	return func(s *Scorer) { s.now = now }
}

// WithLogger sets the logger used to report recovered failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scorer) { s.logger = l }
}

// NewScorer creates a Scorer whose memo holds up to size entries.
// size <= 0 selects the default.
func NewScorer(size int, opts ...Option) *Scorer {
	if size <= 0 {
		size = defaultMemoSize
	}
	memo, err := lru.New[string, float64](size)
	if err != nil {
		// Only returned for a non-positive size, ruled out above.
		panic(err)
	}
	s := &Scorer{memo: memo, now: time.Now, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Score returns the relevance of content to query in [0, 1]. It never
// panics: any failure yields Neutral.
func (s *Scorer) Score(query, content string, opts Options) (score float64) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("relevance scoring failed, using neutral score", "panic", fmt.Sprint(r))
			score = Neutral
		}
	}()

	key := s.memoKey(query, content, opts)
	if v, ok := s.memo.Get(key); ok {
		return v
	}

	score = s.compute(query, content, opts)
	if math.IsNaN(score) || math.IsInf(score, 0) {
		score = Neutral
	}
	score = math.Max(0, math.Min(1, score))
	s.memo.Add(key, score)
	return score
}

func (s *Scorer) compute(query, content string, opts Options) float64 {
	qk := Keywords(query)
	ck := Keywords(content)

	score := lexicalWeight * overlap(qk, ck)
	score += topicWeight * overlap(Topics(qk), Topics(ck))

	if opts.SemanticType != "" && Classify(query) == opts.SemanticType {
		score += semanticWeight
	}

	if !opts.Timestamp.IsZero() {
		ageDays := s.now().Sub(opts.Timestamp).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		decay := math.Max(0, 1-ageDays/recencyWindowDays)
		score += recencyWeight * decay
	}
	return score
}

// Len reports the number of memoized scores.
func (s *Scorer) Len() int { return s.memo.Len() }

// Purge drops all memoized scores.
func (s *Scorer) Purge() { s.memo.Purge() }

// memoKey buckets timestamped content by the current day; recency scores are
// reused within a day only.
func (s *Scorer) memoKey(query, content string, opts Options) string {
	var ts, day int64
	if !opts.Timestamp.IsZero() {
		ts = opts.Timestamp.Unix()
		day = s.now().Unix() / secondsPerDay
	}
	return fmt.Sprintf("%s\x00%s\x00%d:%s\x00%d@%d", prefix(query), prefix(content), utf8.RuneCountInString(content), opts.SemanticType, ts, day)
}

func prefix(s string) string {
	if utf8.RuneCountInString(s) <= memoPrefixRunes {
		return s
	}
	return string([]rune(s)[:memoPrefixRunes])
}
