package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/branestawm/branestawm/internal/composer"
	"github.com/branestawm/branestawm/internal/ingest"
	"github.com/branestawm/branestawm/internal/rag"
	"github.com/branestawm/branestawm/internal/vectordb"
)

const maxMCPTopK = 50

// NewMCPServer creates an MCP server exposing context building, document
// storage, search and question answering as tools.
func NewMCPServer(deps Deps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"branestawm",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("branestawm: token-budgeted conversation context and retrieval over your local documents."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("build_context",
			mcp.WithDescription("Assemble the most relevant messages, summaries and artifacts of a folio for a query, within a token budget."),
			mcp.WithString("folio_id", mcp.Description("Folio to draw context from"), mcp.Required()),
			mcp.WithString("query", mcp.Description("The query the context is for"), mcp.Required()),
			mcp.WithNumber("max_tokens", mcp.Description("Total token budget (default from config)")),
		),
		mcpBuildContext(deps),
	)

	s.AddTool(
		mcp.NewTool("store_document",
			mcp.WithDescription("Store a document and index it for semantic search."),
			mcp.WithString("content", mcp.Description("The text content to store"), mcp.Required()),
			mcp.WithString("title", mcp.Description("Title of the document")),
			mcp.WithString("id", mcp.Description("Document id; generated when omitted")),
			mcp.WithString("type", mcp.Description("conversation, artifact or project")),
			mcp.WithBoolean("async", mcp.Description("Index in the background instead of before returning")),
		),
		mcpStoreDocument(deps),
	)

	s.AddTool(
		mcp.NewTool("search_documents",
			mcp.WithDescription("Semantically search stored documents and return the most similar chunks."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("top_k", mcp.Description("Maximum number of results (default 5)")),
			mcp.WithNumber("threshold", mcp.Description("Minimum cosine similarity between 0 and 1; omit for the configured default")),
		),
		mcpSearchDocuments(deps),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Answer a question from stored documents, with a local model when available."),
			mcp.WithString("question", mcp.Description("The question"), mcp.Required()),
			mcp.WithNumber("top_k", mcp.Description("Number of chunks to retrieve (default 5)")),
		),
		mcpAsk(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"branestawm://stats",
			"Store statistics",
			mcp.WithResourceDescription("Document and embedding counts, context cache counters and job queue state"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStats(deps),
	)

	return s
}

func mcpBuildContext(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		folioID, err := req.RequireString("folio_id")
		if err != nil {
			return mcpError("folio_id is required"), nil
		}
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		c, err := deps.Composer.BuildOptimalContext(ctx, folioID, query, composer.BuildOptions{
			MaxTokens: req.GetInt("max_tokens", 0),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("building context failed: %v", err)), nil
		}
		return mcpJSON(c)
	}
}

func mcpStoreDocument(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		content, err := req.RequireString("content")
		if err != nil || content == "" {
			return mcpError("content is required"), nil
		}
		p := ingest.Payload{
			DocID:   req.GetString("id", ""),
			Content: content,
			Title:   req.GetString("title", ""),
			Type:    req.GetString("type", ""),
			Source:  "mcp",
		}

		if req.GetBool("async", false) {
			jobID, docID, err := ingest.Enqueue(ctx, deps.Store, p)
			if err != nil {
				return mcpError(fmt.Sprintf("failed to queue document: %v", err)), nil
			}
			return mcpText(fmt.Sprintf("Queued document %s (job %s)", docID, jobID)), nil
		}

		doc, err := deps.Indexer.Index(ctx, p.DocID, p.Content, vectordb.DocumentMeta{
			Title:  p.Title,
			Type:   vectordb.ParseDocType(p.Type),
			Source: p.Source,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to store document: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Stored document %s (%d chunks)", doc.ID, len(doc.Chunks))), nil
	}
}

func mcpSearchDocuments(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil || query == "" {
			return mcpError("query is required"), nil
		}

		topK := min(req.GetInt("top_k", 0), maxMCPTopK)
		threshold := req.GetFloat("threshold", rag.UseDefaultThreshold)
		if threshold > 1 {
			return mcpError("threshold must be between 0 and 1"), nil
		}
		results, err := deps.RAG.Retrieve(ctx, query, topK, threshold)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if results == nil {
			results = []vectordb.SearchResult{}
		}
		return mcpJSON(results)
	}
}

func mcpAsk(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil || question == "" {
			return mcpError("question is required"), nil
		}

		ans, err := deps.RAG.Answer(ctx, question, min(req.GetInt("top_k", 0), maxMCPTopK), rag.UseDefaultThreshold)
		if err != nil {
			return mcpError(fmt.Sprintf("ask failed: %v", err)), nil
		}
		return mcpText(ans.Answer), nil
	}
}

func mcpResourceStats(deps Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		vs, err := deps.Vectors.GetStatistics(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read vector statistics: %w", err)
		}
		jobs, err := deps.Store.JobCounts(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to count jobs: %w", err)
		}

		b, err := json.Marshal(Stats{Vectors: vs, Cache: deps.Composer.CacheStats(), Jobs: jobs})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal stats: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
