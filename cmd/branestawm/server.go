package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/branestawm/branestawm/internal/api"
	"github.com/branestawm/branestawm/internal/apperr"
	"github.com/branestawm/branestawm/internal/composer"
	"github.com/branestawm/branestawm/internal/config"
	"github.com/branestawm/branestawm/internal/embedding"
	"github.com/branestawm/branestawm/internal/engine"
	"github.com/branestawm/branestawm/internal/ingest"
	"github.com/branestawm/branestawm/internal/kv"
	"github.com/branestawm/branestawm/internal/rag"
	"github.com/branestawm/branestawm/internal/relevance"
	"github.com/branestawm/branestawm/internal/storage"
	"github.com/branestawm/branestawm/internal/vectordb"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the branestawm server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcp, _ := cmd.Flags().GetBool("mcp")
		return runServer(mcp)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running branestawm server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show branestawm system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp", true, "serve MCP over stdin/stdout")
}

const (
	ingestPollInterval = 500 * time.Millisecond
	shutdownTimeout    = 5 * time.Second
)

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "branestawm.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// app holds the wired components behind the HTTP and MCP surfaces.
type app struct {
	store  *storage.Store
	vecKV  kv.Store
	deps    api.Deps
	indexer *rag.Indexer
	worker  *ingest.Worker
	engine  *engine.Ollama
}

// buildApp opens storage and wires every component from cfg. The caller
// owns the returned app and must Close it.
func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	var vecKV kv.Store
	switch cfg.Storage.VectorBackend {
	case "bolt":
		b, err := kv.OpenBolt(filepath.Join(cfg.Storage.DataDir, "vectors.bolt"))
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("opening vector store: %w", err)
		}
		vecKV = b
	default:
		vecKV = kv.NewSQLite(store.DB())
	}

	a := &app{store: store, vecKV: vecKV}

	vectors := vectordb.New(vecKV,
		vectordb.WithChunking(cfg.VectorDB.ChunkSize, cfg.VectorDB.ChunkOverlap),
		vectordb.WithLogger(logger),
	)
	if err := vectors.Init(ctx); err != nil {
		// The store stays unready; vector operations report STORE_NOT_READY.
		logger.Error("vector store initialisation failed", "error", err)
	}

	a.engine = engine.NewOllama(cfg.Ollama.BaseURL)
	provider, err := embedding.Select(ctx, cfg.Embedding.Provider, a.engine, cfg.Ollama.EmbedModel, cfg.Embedding.Dimensions)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("selecting embedding provider: %w", err)
	}
	gen := engine.NewGenerator(a.engine, cfg.Ollama.ChatModel, engine.GenerateOptions{})

	sink := apperr.LogSink{Logger: logger}
	mgr := composer.NewManager(store, composer.Config{
		MaxTokens:           cfg.Context.MaxTokens,
		ReservedTokens:      cfg.Context.ReservedTokens,
		MaxRecentMessages:   cfg.Context.MaxRecentMessages,
		MinRecentMessages:   cfg.Context.MinRecentMessages,
		RelevanceThreshold:  cfg.Context.RelevanceThreshold,
		ImportanceThreshold: cfg.Context.ImportanceThreshold,
		CacheTTL:            cfg.Context.CacheTTL,
	},
		composer.WithScorer(relevance.NewScorer(0, relevance.WithLogger(logger))),
		composer.WithSink(sink),
		composer.WithLogger(logger),
	)

	indexer := rag.NewIndexer(vectors, provider, logger)
	pipeline := rag.NewPipeline(provider, vectors, gen,
		rag.WithDefaults(cfg.Retrieval.TopK, cfg.Retrieval.Threshold),
		rag.WithLogger(logger),
	)

	a.deps = api.Deps{
		Store:    store,
		Composer: mgr,
		Vectors:  vectors,
		Indexer:  indexer,
		RAG:      pipeline,
		Token:    cfg.Server.APIToken,
		Logger:   logger,
	}
	a.indexer = indexer
	a.worker = ingest.NewWorker(store, indexer, ingestPollInterval, logger)
	return a, nil
}

func (a *app) Close() error {
	return errors.Join(a.vecKV.Close(), a.store.Close())
}

func runServer(serveMCP bool) error {
	fmt.Fprintf(stderr, "branestawm version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log, stderr)
	slog.SetDefault(logger)

	if cfg.Server.APIToken == "" {
		printWarning("BRANESTAWM_API_TOKEN is not set; the HTTP API is unauthenticated")
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer os.Remove(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			printWarning("closing storage: %v", err)
		}
	}()

	// Models are pulled when the engine is up; otherwise answers fall back to
	// extractive mode until it is.
	if a.engine.IsRunning(ctx) {
		if err := engine.EnsureReady(ctx, a.engine, cfg.Ollama.ChatModel, cfg.Ollama.EmbedModel, stderr); err != nil {
			printWarning("inference engine not ready: %v", err)
		}
	} else {
		printWarning("inference engine not reachable at %s; answers will be extractive", cfg.Ollama.BaseURL)
	}

	go func() {
		n, err := a.indexer.Reindex(ctx)
		if err != nil {
			logger.Warn("re-indexing stale documents failed", "error", err)
			return
		}
		if n > 0 {
			logger.Info("re-indexed stale documents", "documents", n)
		}
	}()
	go a.worker.Run(ctx)

	if serveMCP {
		stdioSrv := server.NewStdioServer(api.NewMCPServer(a.deps, version))
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("MCP stdio server error", "error", err)
			}
		}()
		logger.Info("MCP server started (stdio transport)")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewHandler(a.deps),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(stderr, "branestawm listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("branestawm is not running (no PID file): %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		os.Remove(pidPath)
		return fmt.Errorf("stopping branestawm (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to branestawm (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}
	running := false
	if resp, err := client.get(ctx, "/health"); err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if engine.NewOllama(cfg.Ollama.BaseURL).IsRunning(ctx) {
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
	} else {
		printStatus("Ollama", "not running")
	}
	printStatus("Chat model", "%s", cfg.Ollama.ChatModel)
	printStatus("Embed model", "%s", cfg.Ollama.EmbedModel)
	printStatus("Embeddings", "%s", cfg.Embedding.Provider)

	if running {
		var stats api.Stats
		resp, err := client.get(ctx, "/stats")
		if err == nil && decodeJSON(resp, &stats) == nil {
			printStatus("Documents", "%s", humanize.Comma(int64(stats.Vectors.DocumentCount)))
			printStatus("Chunks", "%s", humanize.Comma(int64(stats.Vectors.EmbeddingCount)))
			printStatus("Pending jobs", "%d", stats.Jobs["pending"])
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	if info, err := os.Stat(filepath.Join(cfg.Storage.DataDir, "branestawm.db")); err == nil {
		printStatus("Database", "%s (modified %s)", humanize.Bytes(uint64(info.Size())), humanize.Time(info.ModTime()))
	}
	return nil
}

// printJSON pretty-prints v to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
