package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/branestawm/branestawm/internal/api"
	"github.com/branestawm/branestawm/internal/composer"
	"github.com/branestawm/branestawm/internal/config"
	"github.com/branestawm/branestawm/internal/ingest"
	"github.com/branestawm/branestawm/internal/rag"
	"github.com/branestawm/branestawm/internal/vectordb"
)

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Store documents in the retrieval index",
	Long: `Store documents in the retrieval index.

Examples:
  branestawm ingest --text "Deploys happen on Tuesdays" --title "Deploy policy"
  branestawm ingest --file ./notes.md
  branestawm ingest --glob "docs/**/*.{md,pdf,html}" --async`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := ingestOptions{}
		opts.text, _ = cmd.Flags().GetString("text")
		opts.file, _ = cmd.Flags().GetString("file")
		opts.glob, _ = cmd.Flags().GetString("glob")
		opts.title, _ = cmd.Flags().GetString("title")
		opts.docType, _ = cmd.Flags().GetString("type")
		opts.async, _ = cmd.Flags().GetBool("async")

		reqs, err := buildIngestRequests(opts)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runIngest(cmd.Context(), client, reqs)
	},
}

func init() {
	ingestCmd.Flags().String("text", "", "text content to store")
	ingestCmd.Flags().String("file", "", "file to store (text, markdown, HTML or PDF)")
	ingestCmd.Flags().String("glob", "", "glob pattern of files to store, ** matches directories")
	ingestCmd.Flags().String("title", "", "title for the document")
	ingestCmd.Flags().String("type", "", "document type (general, conversation, project, summary)")
	ingestCmd.Flags().Bool("async", false, "queue documents for background indexing")
}

type ingestOptions struct {
	text, file, glob string
	title, docType   string
	async            bool
}

var errNoIngestSource = errors.New("one of --text, --file, or --glob is required")

func buildIngestRequests(opts ingestOptions) ([]api.DocumentRequest, error) {
	switch {
	case opts.text != "":
		return []api.DocumentRequest{{
			Title:   opts.title,
			Type:    opts.docType,
			Source:  "cli",
			Content: opts.text,
			Async:   opts.async,
		}}, nil
	case opts.file != "":
		req, err := fileRequest(opts.file, opts)
		if err != nil {
			return nil, err
		}
		return []api.DocumentRequest{req}, nil
	case opts.glob != "":
		matches, err := doublestar.FilepathGlob(opts.glob, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("expanding %q: %w", opts.glob, err)
		}
		var reqs []api.DocumentRequest
		for _, path := range matches {
			if !ingest.Supported(path) {
				printWarning("skipping %s: unsupported format", path)
				continue
			}
			// A shared title would collide across files.
			req, err := fileRequest(path, ingestOptions{docType: opts.docType, async: opts.async})
			if err != nil {
				return nil, err
			}
			reqs = append(reqs, req)
		}
		if len(reqs) == 0 {
			return nil, fmt.Errorf("no supported files match %q", opts.glob)
		}
		return reqs, nil
	default:
		return nil, errNoIngestSource
	}
}

// fileRequest sends file bytes base64 encoded so the server extracts text
// by file type.
func fileRequest(path string, opts ingestOptions) (api.DocumentRequest, error) {
	if !ingest.Supported(path) {
		return api.DocumentRequest{}, fmt.Errorf("%s: %w", path, ingest.ErrUnsupportedFormat)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return api.DocumentRequest{}, fmt.Errorf("reading file: %w", err)
	}
	title := opts.title
	if title == "" {
		title = filepath.Base(path)
	}
	return api.DocumentRequest{
		Title:    title,
		Type:     opts.docType,
		Source:   path,
		Content:  base64.StdEncoding.EncodeToString(data),
		FileName: filepath.Base(path),
		Async:    opts.async,
	}, nil
}

type ingestResult struct {
	ID     string `json:"id"`
	JobID  string `json:"job_id"`
	Chunks int    `json:"chunks"`
	Status string `json:"status"`
}

func runIngest(ctx context.Context, client *apiClient, reqs []api.DocumentRequest) error {
	if len(reqs) > 1 {
		printStep("Storing %d documents", len(reqs))
	}
	var failed int
	for _, req := range reqs {
		resp, err := client.post(ctx, "/documents", req)
		if err != nil {
			return err
		}
		var res ingestResult
		if err := decodeJSON(resp, &res); err != nil {
			printError("%s: %v", displayName(req), err)
			failed++
			continue
		}
		if res.Status == "queued" {
			printSuccess("Queued %s as %s (job %s)", displayName(req), res.ID, res.JobID)
		} else {
			printSuccess("Stored %s as %s (%s)", displayName(req), res.ID, chunkLabel(res.Chunks))
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d documents failed", failed, len(reqs))
	}
	return nil
}

func displayName(req api.DocumentRequest) string {
	switch {
	case req.Source != "" && req.Source != "cli":
		return req.Source
	case req.Title != "":
		return fmt.Sprintf("%q", req.Title)
	default:
		return "text"
	}
}

func chunkLabel(n int) string {
	if n == 1 {
		return "1 chunk"
	}
	return humanize.Comma(int64(n)) + " chunks"
}

// --- search / ask ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Semantic search over stored documents",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := searchRequest(cmd, args)
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runSearch(cmd.Context(), client, req)
	},
}

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Answer a question from stored documents",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := searchRequest(cmd, args)
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runAsk(cmd.Context(), client, req)
	},
}

func init() {
	for _, c := range []*cobra.Command{searchCmd, askCmd} {
		c.Flags().Int("top-k", 0, "maximum number of chunks (0 uses the server default)")
		c.Flags().Float64("threshold", -1, "minimum similarity in [0,1] (negative uses the server default)")
	}
}

func searchRequest(cmd *cobra.Command, args []string) api.SearchRequest {
	topK, _ := cmd.Flags().GetInt("top-k")
	threshold, _ := cmd.Flags().GetFloat64("threshold")
	req := api.SearchRequest{Query: strings.Join(args, " "), TopK: topK}
	if threshold >= 0 {
		req.Threshold = &threshold
	}
	return req
}

func runSearch(ctx context.Context, client *apiClient, req api.SearchRequest) error {
	resp, err := client.post(ctx, "/search", req)
	if err != nil {
		return err
	}
	var out struct {
		Results []vectordb.SearchResult `json:"results"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return err
	}
	if len(out.Results) == 0 {
		fmt.Fprintln(stdout, "No results found.")
		return nil
	}
	printResults(out.Results)
	return nil
}

func runAsk(ctx context.Context, client *apiClient, req api.SearchRequest) error {
	resp, err := client.post(ctx, "/ask", req)
	if err != nil {
		return err
	}
	var ans rag.Answer
	if err := decodeJSON(resp, &ans); err != nil {
		return err
	}
	fmt.Fprintln(stdout, ans.Answer)
	if ans.Extractive && len(ans.Sources) > 0 {
		printWarning("no language model available; showing matching excerpts")
	}
	if len(ans.Sources) > 0 {
		fmt.Fprintln(stdout)
		fmt.Fprintln(stdout, colorize(colorBold, "Sources:"))
		for _, s := range ans.Sources {
			fmt.Fprintf(stdout, "  - %s %s\n", sourceTitle(s), colorize(colorDim, fmt.Sprintf("(%.3f)", s.Similarity)))
		}
	}
	return nil
}

func printResults(results []vectordb.SearchResult) {
	for i, r := range results {
		header := colorize(colorBold, fmt.Sprintf("Result %d", i+1))
		fmt.Fprintf(stdout, "\n%s %s [similarity: %.3f]\n", header, sourceTitle(r), r.Similarity)
		fmt.Fprintf(stdout, "  %s\n", snippet(r.Content, 500))
	}
}

func sourceTitle(r vectordb.SearchResult) string {
	if r.Title != "" {
		return r.Title
	}
	return r.DocID
}

// --- context ---

var contextCmd = &cobra.Command{
	Use:   "context <query>",
	Short: "Assemble the optimal context for a folio and query",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		folio, _ := cmd.Flags().GetString("folio")
		maxTokens, _ := cmd.Flags().GetInt("max-tokens")
		semType, _ := cmd.Flags().GetString("type")
		asJSON, _ := cmd.Flags().GetBool("json")
		if folio == "" {
			return errors.New("--folio is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		req := api.ContextRequest{
			FolioID:      folio,
			Query:        strings.Join(args, " "),
			MaxTokens:    maxTokens,
			SemanticType: semType,
		}
		return runContext(cmd.Context(), client, req, asJSON)
	},
}

func init() {
	contextCmd.Flags().String("folio", "", "folio to assemble context for")
	contextCmd.Flags().Int("max-tokens", 0, "token budget (0 uses the server default)")
	contextCmd.Flags().String("type", "", "semantic type: query, task or summary")
	contextCmd.Flags().Bool("json", false, "print the full context as JSON")
}

func runContext(ctx context.Context, client *apiClient, req api.ContextRequest, asJSON bool) error {
	resp, err := client.post(ctx, "/context", req)
	if err != nil {
		return err
	}
	var c composer.Context
	if err := decodeJSON(resp, &c); err != nil {
		return err
	}
	if asJSON {
		return printJSON(c)
	}

	if c.SystemPrompt != "" {
		fmt.Fprintln(stdout, colorize(colorBold, "System prompt:"))
		fmt.Fprintf(stdout, "  %s\n\n", snippet(c.SystemPrompt, 200))
	}
	for _, s := range c.Summaries {
		fmt.Fprintf(stdout, "%s %s\n", colorize(colorCyan, "[summary]"), snippet(s.Summary.Content, 200))
	}
	for _, a := range c.Artifacts {
		fmt.Fprintf(stdout, "%s %s\n", colorize(colorCyan, "[artifact]"), a.Artifact.Title)
	}
	for _, m := range c.Messages {
		line := snippet(m.Content, 200)
		if m.Truncated {
			line += colorize(colorDim, " (truncated)")
		}
		fmt.Fprintf(stdout, "%s %s\n", colorize(colorCyan, "["+m.Message.Role+"]"), line)
	}

	md := c.Metadata
	fmt.Fprintln(stdout)
	printStatus("Tokens", "%s of %s", humanize.Comma(int64(md.TotalTokens)), humanize.Comma(int64(md.AvailableTokens)))
	printStatus("Efficiency", "%.0f%%", md.TokenEfficiency*100)
	printStatus("Compressed", "%t", md.CompressionAchieved)
	return nil
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show index, cache and job queue statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runStats(cmd.Context(), client)
	},
}

func runStats(ctx context.Context, client *apiClient) error {
	resp, err := client.get(ctx, "/stats")
	if err != nil {
		return err
	}
	var s api.Stats
	if err := decodeJSON(resp, &s); err != nil {
		return err
	}

	ready := "ready"
	if !s.Vectors.Ready {
		ready = "not ready"
	}
	printStatus("Vector store", "%s", ready)
	printStatus("Documents", "%s", humanize.Comma(int64(s.Vectors.DocumentCount)))
	printStatus("Chunks", "%s", humanize.Comma(int64(s.Vectors.EmbeddingCount)))
	printStatus("Cache", "%d entries, %s hits, %s misses, %s coalesced",
		s.Cache.Entries,
		humanize.Comma(s.Cache.Hits),
		humanize.Comma(s.Cache.Misses),
		humanize.Comma(s.Cache.Coalesced))
	printStatus("Jobs", "%d pending, %d running, %d completed, %d failed",
		s.Jobs["pending"], s.Jobs["running"], s.Jobs["completed"], s.Jobs["failed"])
	return nil
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(stdout, "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		printStatus("File", "%s", config.ConfigFilePath())
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value in the config file.\n\nValid keys:\n  " +
		strings.Join(config.ValidKeys(), "\n  "),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
