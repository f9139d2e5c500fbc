// Package composer assembles a token-budgeted context for a query from the
// messages, summaries and artifacts of a folio.
package composer

import (
	"time"

	"github.com/branestawm/branestawm/internal/relevance"
	"github.com/branestawm/branestawm/internal/storage"
	"github.com/branestawm/branestawm/internal/tokens"
)

// BuildOptions tune a single build. They are part of the cache key.
type BuildOptions struct {
	// MaxTokens overrides the configured total budget when positive.
	MaxTokens int `json:"max_tokens,omitempty"`
	// SemanticType is matched against the query's classified intent when
	// scoring candidates.
	SemanticType relevance.SemanticType `json:"semantic_type,omitempty"`
}

// ScoredMessage is a message selected for a context. Content starts as the
// message body and is shortened when the message is truncated; the
// underlying Message is never modified.
type ScoredMessage struct {
	Message    storage.Message `json:"message"`
	Content    string          `json:"content"`
	Relevance  float64         `json:"relevance"`
	TokenCount int             `json:"token_count"`
	Truncated  bool            `json:"truncated,omitempty"`
}

type ScoredSummary struct {
	Summary    storage.Summary `json:"summary"`
	Relevance  float64         `json:"relevance"`
	TokenCount int             `json:"token_count"`
}

type ScoredArtifact struct {
	Artifact   storage.Artifact `json:"artifact"`
	Relevance  float64          `json:"relevance"`
	TokenCount int              `json:"token_count"`
}

// Metadata describes how a Context was built.
type Metadata struct {
	FolioID             string        `json:"folio_id"`
	Query               string        `json:"query"`
	TotalTokens         int           `json:"total_tokens"`
	AvailableTokens     int           `json:"available_tokens"`
	CompressionAchieved bool          `json:"compression_achieved"`
	ProcessingTime      time.Duration `json:"processing_time"`
	Sources             []string      `json:"sources"`
	// TokenEfficiency is TotalTokens as a percentage of AvailableTokens.
	TokenEfficiency float64 `json:"token_efficiency"`
}

// Context is the result of a build. A Context returned by the Manager may be
// shared with other callers through the cache and must not be modified.
type Context struct {
	SystemPrompt string           `json:"system_prompt"`
	Messages     []ScoredMessage  `json:"messages"`
	Summaries    []ScoredSummary  `json:"summaries"`
	Artifacts    []ScoredArtifact `json:"artifacts"`
	Metadata     Metadata         `json:"metadata"`
}

// recalculate recomputes every token count and the metadata totals from
// the current contents.
func (c *Context) recalculate() {
	total := tokens.Estimate(c.SystemPrompt)
	for i := range c.Messages {
		c.Messages[i].TokenCount = tokens.Estimate(c.Messages[i].Content)
		total += c.Messages[i].TokenCount
	}
	for i := range c.Summaries {
		c.Summaries[i].TokenCount = tokens.Estimate(c.Summaries[i].Summary.Content)
		total += c.Summaries[i].TokenCount
	}
	for i := range c.Artifacts {
		c.Artifacts[i].TokenCount = tokens.Estimate(artifactText(c.Artifacts[i].Artifact))
		total += c.Artifacts[i].TokenCount
	}
	c.Metadata.TotalTokens = total
	if c.Metadata.AvailableTokens > 0 {
		c.Metadata.TokenEfficiency = float64(total) / float64(c.Metadata.AvailableTokens) * 100
	}
}

func (c *Context) messageTokens() int {
	n := 0
	for _, m := range c.Messages {
		n += m.TokenCount
	}
	return n
}

func (c *Context) summaryTokens() int {
	n := 0
	for _, s := range c.Summaries {
		n += s.TokenCount
	}
	return n
}

func artifactText(a storage.Artifact) string {
	if a.Title == "" {
		return a.Content
	}
	return a.Title + "\n\n" + a.Content
}
