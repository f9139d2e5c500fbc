package composer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/branestawm/branestawm/internal/relevance"
	"github.com/branestawm/branestawm/internal/storage"
	"github.com/branestawm/branestawm/internal/tokens"
)

const (
	sourceRecent     = "messages:recent"
	sourceHistorical = "messages:historical"

	// Messages above this many tokens are shortened during optimisation.
	longMessageTokens = 200
	// Messages collapse to the floor when summaries carry less than this
	// share of the message tokens.
	summaryPreferenceRatio = 0.6
)

// importance treats unset or non-positive importance as 1.
func importance(v float64) float64 {
	if v <= 0 {
		return 1
	}
	return v
}

func (s ScoredMessage) weight() float64 { return s.Relevance * importance(s.Message.Importance) }

func (s ScoredSummary) weight() float64 { return s.Relevance * importance(s.Summary.Importance) }

// byWeight orders messages by relevance × importance, newest first on ties.
func byWeight(msgs []ScoredMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		a, b := msgs[i], msgs[j]
		if a.weight() != b.weight() {
			return a.weight() > b.weight()
		}
		return newerMessage(a, b)
	})
}

// byRelevance orders messages by relevance alone, newest first on ties.
func byRelevance(msgs []ScoredMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		a, b := msgs[i], msgs[j]
		if a.Relevance != b.Relevance {
			return a.Relevance > b.Relevance
		}
		return newerMessage(a, b)
	})
}

func newerMessage(a, b ScoredMessage) bool {
	if !a.Message.Timestamp.Equal(b.Message.Timestamp) {
		return a.Message.Timestamp.After(b.Message.Timestamp)
	}
	return a.Message.ID < b.Message.ID
}

func chronological(msgs []ScoredMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		a, b := msgs[i].Message, msgs[j].Message
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.ID < b.ID
	})
}

func (m *Manager) scoreMessage(query string, msg storage.Message, st relevance.SemanticType) ScoredMessage {
	return ScoredMessage{
		Message:    msg,
		Content:    msg.Content,
		Relevance:  m.scorer.Score(query, msg.Content, relevance.Options{SemanticType: st, Timestamp: msg.Timestamp}),
		TokenCount: tokens.Estimate(msg.Content),
	}
}

type messageSelection struct {
	messages   []ScoredMessage
	historical int
	// overBudget is set when the recent messages alone did not fit.
	overBudget bool
}

// selectMessages picks from the most recent messages and, when they fit,
// backfills with important and relevant older ones. When the recent
// messages do not fit, the best of them are kept down to the configured
// floor even if the floor exceeds the budget.
func (m *Manager) selectMessages(query string, all []storage.Message, limit int, st relevance.SemanticType) messageSelection {
	msgs := make([]storage.Message, len(all))
	copy(msgs, all)
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].Timestamp.Before(msgs[j].Timestamp)
		}
		return msgs[i].ID < msgs[j].ID
	})

	split := max(0, len(msgs)-m.cfg.MaxRecentMessages)
	older, recentRaw := msgs[:split], msgs[split:]

	recent := make([]ScoredMessage, 0, len(recentRaw))
	used := 0
	for _, msg := range recentRaw {
		sm := m.scoreMessage(query, msg, st)
		recent = append(recent, sm)
		used += sm.TokenCount
	}

	if used <= limit {
		sel := messageSelection{messages: recent}
		var candidates []ScoredMessage
		for _, msg := range older {
			if importance(msg.Importance) < m.cfg.ImportanceThreshold {
				continue
			}
			sm := m.scoreMessage(query, msg, st)
			if sm.Relevance < m.cfg.RelevanceThreshold {
				continue
			}
			candidates = append(candidates, sm)
		}
		byWeight(candidates)
		for _, sm := range candidates {
			if used+sm.TokenCount > limit {
				continue
			}
			sel.messages = append(sel.messages, sm)
			sel.historical++
			used += sm.TokenCount
		}
		return sel
	}

	byWeight(recent)
	floor := min(m.cfg.MinRecentMessages, len(recent))
	kept := make([]ScoredMessage, 0, len(recent))
	rest := make([]ScoredMessage, 0, len(recent))
	used = 0
	for _, sm := range recent {
		if used+sm.TokenCount <= limit {
			kept = append(kept, sm)
			used += sm.TokenCount
		} else {
			rest = append(rest, sm)
		}
	}
	// rest is still in weight order, so the floor is filled by the best of
	// what did not fit.
	for i := 0; len(kept) < floor && i < len(rest); i++ {
		kept = append(kept, rest[i])
	}
	return messageSelection{messages: kept, overBudget: true}
}

// selectSummaries picks unexpired, relevant summaries by relevance ×
// importance while they fit limit.
func (m *Manager) selectSummaries(query string, all []storage.Summary, limit int, now time.Time, st relevance.SemanticType) []ScoredSummary {
	var candidates []ScoredSummary
	for _, s := range all {
		if s.Expired(now) {
			continue
		}
		rel := m.scorer.Score(query, s.Content, relevance.Options{SemanticType: st, Timestamp: s.CreatedAt})
		if rel < m.cfg.RelevanceThreshold {
			continue
		}
		candidates = append(candidates, ScoredSummary{Summary: s, Relevance: rel, TokenCount: tokens.Estimate(s.Content)})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.weight() != b.weight() {
			return a.weight() > b.weight()
		}
		if !a.Summary.CreatedAt.Equal(b.Summary.CreatedAt) {
			return a.Summary.CreatedAt.After(b.Summary.CreatedAt)
		}
		return a.Summary.ID < b.Summary.ID
	})

	var out []ScoredSummary
	used := 0
	for _, s := range candidates {
		if used+s.TokenCount > limit {
			continue
		}
		out = append(out, s)
		used += s.TokenCount
	}
	return out
}

// selectArtifacts loads the folio's owned and shared artifacts and picks
// relevant ones by relevance while they fit limit. Referenced artifacts
// that no longer exist are skipped.
func (m *Manager) selectArtifacts(ctx context.Context, query string, folio storage.Folio, limit int, st relevance.SemanticType) ([]ScoredArtifact, error) {
	seen := make(map[string]bool)
	var candidates []ScoredArtifact
	for _, id := range append(append([]string{}, folio.ArtifactIDs...), folio.SharedArtifactIDs...) {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true

		a, err := m.store.GetArtifact(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			m.logger.Debug("skipping missing artifact", "folio_id", folio.ID, "artifact_id", id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("loading artifact %s: %w", id, err)
		}

		text := artifactText(a)
		rel := m.scorer.Score(query, text, relevance.Options{SemanticType: st, Timestamp: a.UpdatedAt})
		if rel < m.cfg.RelevanceThreshold {
			continue
		}
		candidates = append(candidates, ScoredArtifact{Artifact: a, Relevance: rel, TokenCount: tokens.Estimate(text)})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Relevance != b.Relevance {
			return a.Relevance > b.Relevance
		}
		if !a.Artifact.UpdatedAt.Equal(b.Artifact.UpdatedAt) {
			return a.Artifact.UpdatedAt.After(b.Artifact.UpdatedAt)
		}
		return a.Artifact.ID < b.Artifact.ID
	})

	var out []ScoredArtifact
	used := 0
	for _, a := range candidates {
		if used+a.TokenCount > limit {
			continue
		}
		out = append(out, a)
		used += a.TokenCount
	}
	return out, nil
}

// optimize compresses c towards available tokens: it drops the least
// relevant messages, shortens long ones and, when summaries are thin
// relative to messages, collapses messages to the floor. Totals are
// recomputed from scratch afterwards.
func (m *Manager) optimize(c *Context, available int) {
	c.recalculate()
	total := c.Metadata.TotalTokens
	if total <= 0 {
		return
	}
	ratio := float64(available) / float64(total)
	floor := m.cfg.MinRecentMessages

	if n := len(c.Messages); n > 0 {
		keep := max(floor, int(float64(n)*ratio))
		if keep < n {
			byRelevance(c.Messages)
			c.Messages = c.Messages[:keep]
		}
	}

	for i := range c.Messages {
		sm := &c.Messages[i]
		if sm.TokenCount <= longMessageTokens {
			continue
		}
		target := int(float64(sm.TokenCount) * ratio)
		if cut := truncateToTokens(sm.Content, target); cut != sm.Content {
			sm.Content = cut
			sm.Truncated = true
			sm.TokenCount = tokens.Estimate(cut)
		}
	}

	if float64(c.summaryTokens()) < summaryPreferenceRatio*float64(c.messageTokens()) && len(c.Messages) > floor {
		byRelevance(c.Messages)
		c.Messages = c.Messages[:floor]
	}

	c.recalculate()
}
