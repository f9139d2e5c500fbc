package vectordb

import (
	"time"

	"github.com/branestawm/branestawm/internal/embedding"
)

// DocType classifies the origin of a document.
type DocType string

const (
	DocConversation DocType = "conversation"
	DocArtifact     DocType = "artifact"
	DocProject      DocType = "project"
	DocUnknown      DocType = "unknown"
)

// ParseDocType maps s to a DocType, defaulting to DocUnknown.
func ParseDocType(s string) DocType {
	switch DocType(s) {
	case DocConversation, DocArtifact, DocProject:
		return DocType(s)
	default:
		return DocUnknown
	}
}

// Document is a stored piece of content and the chunks derived from it.
// Chunks are recomputed whenever Content changes and never edited directly.
type Document struct {
	ID        string            `json:"id"`
	Content   string            `json:"content"`
	Type      DocType           `json:"type"`
	Source    string            `json:"source"`
	Title     string            `json:"title"`
	Chunks    []string          `json:"chunks"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// DocumentMeta carries the descriptive fields supplied when storing a document.
type DocumentMeta struct {
	Title    string
	Type     DocType
	Source   string
	Metadata map[string]string
}

// EmbeddingRecord is the vector of one chunk of a document.
type EmbeddingRecord struct {
	ID            string
	DocID         string
	ChunkIndex    int
	Embedding     []float32
	EmbeddingType embedding.Kind
	CreatedAt     time.Time
}

// SearchResult is a chunk matched by SearchSimilar, joined with its document.
type SearchResult struct {
	DocID      string  `json:"doc_id"`
	ChunkIndex int     `json:"chunk_index"`
	Similarity float64 `json:"similarity"`
	Content    string  `json:"content"`
	Title      string  `json:"title"`
	Type       DocType `json:"type"`
	Source     string  `json:"source"`
}

// Statistics summarises the store.
type Statistics struct {
	DocumentCount  int  `json:"document_count"`
	EmbeddingCount int  `json:"embedding_count"`
	Ready          bool `json:"ready"`
}

// embeddingRow is the persisted form of an EmbeddingRecord.
type embeddingRow struct {
	ID            string         `json:"id"`
	DocID         string         `json:"doc_id"`
	ChunkIndex    int            `json:"chunk_index"`
	Vector        []byte         `json:"vector"`
	EmbeddingType embedding.Kind `json:"embedding_type"`
	CreatedAt     time.Time      `json:"created_at"`
}
