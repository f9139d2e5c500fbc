// Package api exposes the context assembler, the embedding store and the
// retrieval pipeline over HTTP (chi) and MCP.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/branestawm/branestawm/internal/apperr"
	"github.com/branestawm/branestawm/internal/composer"
	"github.com/branestawm/branestawm/internal/ingest"
	"github.com/branestawm/branestawm/internal/rag"
	"github.com/branestawm/branestawm/internal/relevance"
	"github.com/branestawm/branestawm/internal/storage"
	"github.com/branestawm/branestawm/internal/vectordb"
)

const maxRequestBodySize = 1 << 20   // 1MB
const maxDocumentBodySize = 10 << 20 // 10MB

var (
	errEmptyQuery     = errors.New("query is required")
	errThresholdRange = errors.New("threshold must be between 0 and 1")
)

// ContextBuilder assembles contexts for a folio.
type ContextBuilder interface {
	BuildOptimalContext(ctx context.Context, folioID, query string, opts composer.BuildOptions) (*composer.Context, error)
	ClearCache()
	CacheStats() composer.CacheStats
}

// DocumentStore reads and deletes documents in the embedding store.
type DocumentStore interface {
	GetDocument(ctx context.Context, id string) (vectordb.Document, error)
	DeleteDocument(ctx context.Context, id string) error
	GetStatistics(ctx context.Context) (vectordb.Statistics, error)
}

// Indexer stores a document and embeds its chunks.
type Indexer interface {
	Index(ctx context.Context, id, content string, meta vectordb.DocumentMeta) (vectordb.Document, error)
}

// Retriever searches stored chunks and answers questions from them.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int, threshold float64) ([]vectordb.SearchResult, error)
	Answer(ctx context.Context, question string, topK int, threshold float64) (rag.Answer, error)
}

// Deps are the collaborators of the HTTP and MCP surfaces.
type Deps struct {
	Store    *storage.Store
	Composer ContextBuilder
	Vectors  DocumentStore
	Indexer  Indexer
	RAG      Retriever
	Token    string
	Logger   *slog.Logger
}

func (d Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// NewHandler returns the HTTP API. Every route except /health requires the
// bearer token when one is configured.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/context", handleBuildContext(deps))
		r.Get("/context/cache", handleCacheStats(deps))
		r.Delete("/context/cache", handleClearCache(deps))

		r.Post("/documents", handleStoreDocument(deps))
		r.Get("/documents/{id}", handleGetDocument(deps))
		r.Delete("/documents/{id}", handleDeleteDocument(deps))
		r.Post("/search", handleSearch(deps))
		r.Post("/ask", handleAsk(deps))
		r.Get("/stats", handleStats(deps))

		r.Get("/folios", handleListFolios(deps))
		r.Post("/folios", handleSaveFolio(deps))
		r.Get("/folios/{id}", handleGetFolio(deps))
		r.Put("/folios/{id}", handleSaveFolio(deps))
		r.Delete("/folios/{id}", handleDeleteFolio(deps))
		r.Post("/folios/{id}/messages", handleAddMessage(deps))
		r.Post("/folios/{id}/summaries", handleAddSummary(deps))

		r.Post("/artifacts", handleSaveArtifact(deps))
		r.Get("/artifacts/{id}", handleGetArtifact(deps))
		r.Delete("/artifacts/{id}", handleDeleteArtifact(deps))

		r.Get("/personas", handleListPersonas(deps))
		r.Post("/personas", handleSavePersona(deps))
		r.Put("/personas/active", handleSetActivePersona(deps))
	})

	return r
}

// decodeBody reads a JSON request body of at most limit bytes into v,
// writing a 400 and returning false on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := map[string]any{"status": "ok"}
		if deps.Vectors != nil {
			stats, err := deps.Vectors.GetStatistics(r.Context())
			status["store_ready"] = err == nil && stats.Ready
		}
		writeJSON(w, http.StatusOK, status)
	}
}

// ContextRequest is the body of POST /context.
type ContextRequest struct {
	FolioID      string `json:"folio_id"`
	Query        string `json:"query"`
	MaxTokens    int    `json:"max_tokens,omitempty"`
	SemanticType string `json:"semantic_type,omitempty"`
}

func handleBuildContext(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ContextRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		if req.FolioID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "folio_id is required")
			return
		}

		c, err := deps.Composer.BuildOptimalContext(r.Context(), req.FolioID, req.Query, composer.BuildOptions{
			MaxTokens:    req.MaxTokens,
			SemanticType: relevance.SemanticType(req.SemanticType),
		})
		if err != nil {
			writeError(w, deps.logger(), "building context", err)
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

func handleCacheStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Composer.CacheStats())
	}
}

func handleClearCache(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deps.Composer.ClearCache()
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
	}
}

// DocumentRequest is the body of POST /documents. When FileName is set,
// Content is base64 file data and its text is extracted by file type.
type DocumentRequest struct {
	ID       string            `json:"id,omitempty"`
	Title    string            `json:"title,omitempty"`
	Type     string            `json:"type,omitempty"`
	Source   string            `json:"source,omitempty"`
	Content  string            `json:"content"`
	FileName string            `json:"file_name,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	// Async queues the document for background indexing.
	Async bool `json:"async,omitempty"`
}

func handleStoreDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req DocumentRequest
		if !decodeBody(w, r, maxDocumentBodySize, &req) {
			return
		}

		content := req.Content
		if req.FileName != "" {
			data, err := base64.StdEncoding.DecodeString(req.Content)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid base64 content")
				return
			}
			if content, err = ingest.ExtractText(req.FileName, data); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "extracting %s: %v", req.FileName, err)
				return
			}
			if req.Title == "" {
				req.Title = req.FileName
			}
			if req.Type == "" {
				req.Type = string(ingest.DocTypeFor(req.FileName))
			}
		}
		if content == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content is required")
			return
		}

		if req.Async {
			jobID, docID, err := ingest.Enqueue(r.Context(), deps.Store, ingest.Payload{
				DocID:    req.ID,
				Content:  content,
				Title:    req.Title,
				Type:     req.Type,
				Source:   req.Source,
				Metadata: req.Metadata,
			})
			if err != nil {
				writeError(w, deps.logger(), "queueing document", err)
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]string{"id": docID, "job_id": jobID, "status": "queued"})
			return
		}

		doc, err := deps.Indexer.Index(r.Context(), req.ID, content, vectordb.DocumentMeta{
			Title:    req.Title,
			Type:     vectordb.ParseDocType(req.Type),
			Source:   req.Source,
			Metadata: req.Metadata,
		})
		if err != nil {
			writeError(w, deps.logger(), "storing document", err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": doc.ID, "chunks": len(doc.Chunks), "status": "indexed"})
	}
}

func handleGetDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, err := deps.Vectors.GetDocument(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, deps.logger(), "getting document", err)
			return
		}
		writeJSON(w, http.StatusOK, doc)
	}
}

func handleDeleteDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Vectors.DeleteDocument(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, deps.logger(), "deleting document", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

// SearchRequest is the body of POST /search and POST /ask. A zero TopK or
// an absent Threshold selects the configured default; an explicit zero
// threshold admits every non-negative match.
type SearchRequest struct {
	Query     string   `json:"query"`
	TopK      int      `json:"top_k,omitempty"`
	Threshold *float64 `json:"threshold,omitempty"`
}

func (s SearchRequest) validate() error {
	if s.Query == "" {
		return apperr.New(apperr.KindInvalidInput, "api.search", nil, errEmptyQuery)
	}
	if s.Threshold != nil && (*s.Threshold < 0 || *s.Threshold > 1) {
		return apperr.New(apperr.KindInvalidInput, "api.search", nil, errThresholdRange)
	}
	return nil
}

func (s SearchRequest) threshold() float64 {
	if s.Threshold == nil {
		return rag.UseDefaultThreshold
	}
	return *s.Threshold
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SearchRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		if err := req.validate(); err != nil {
			writeError(w, deps.logger(), "searching", err)
			return
		}

		results, err := deps.RAG.Retrieve(r.Context(), req.Query, req.TopK, req.threshold())
		if err != nil {
			writeError(w, deps.logger(), "searching", err)
			return
		}
		if results == nil {
			results = []vectordb.SearchResult{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": results})
	}
}

func handleAsk(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SearchRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		if err := req.validate(); err != nil {
			writeError(w, deps.logger(), "answering", err)
			return
		}

		ans, err := deps.RAG.Answer(r.Context(), req.Query, req.TopK, req.threshold())
		if err != nil {
			writeError(w, deps.logger(), "answering", err)
			return
		}
		writeJSON(w, http.StatusOK, ans)
	}
}

// Stats is the body of GET /stats.
type Stats struct {
	Vectors vectordb.Statistics `json:"vectors"`
	Cache   composer.CacheStats `json:"cache"`
	Jobs    map[string]int      `json:"jobs"`
}

func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vs, err := deps.Vectors.GetStatistics(r.Context())
		if err != nil {
			writeError(w, deps.logger(), "reading vector statistics", err)
			return
		}
		jobs, err := deps.Store.JobCounts(r.Context())
		if err != nil {
			writeError(w, deps.logger(), "counting jobs", err)
			return
		}
		writeJSON(w, http.StatusOK, Stats{Vectors: vs, Cache: deps.Composer.CacheStats(), Jobs: jobs})
	}
}
