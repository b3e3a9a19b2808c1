// cmd/memento-mcp is the entry point for the Memento memory service. It
// wires the vector store, graph store, embedding service, and background
// workers together and serves JSON-RPC 2.0 tool calls from stdin, writing
// responses to stdout.
//
// Startup sequence:
//  1. Load configuration from memento.yaml and MEMENTO_* environment variables.
//  2. Open the vector store (sqlite or postgres) and ensure per-kind collections.
//  3. Open the graph store (in-process or neo4j) and ensure its schema.
//  4. Build the embedding service, memory manager, query engine, indexer,
//     normalizer, and job registry.
//  5. Start the sync drainer and job cleanup loops as background goroutines.
//  6. Serve JSON-RPC 2.0 requests from stdin (plus an optional websocket
//     endpoint when MEMENTO_WS_ENABLED is set).
//
// CRITICAL: ALL logging MUST go to stderr. Any bytes written to stdout that
// are not valid JSON-RPC 2.0 response frames will corrupt the protocol.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/scrypster/memento/internal/api/mcp"
	"github.com/scrypster/memento/internal/config"
	"github.com/scrypster/memento/internal/embedding"
	"github.com/scrypster/memento/internal/importer"
	"github.com/scrypster/memento/internal/indexer"
	"github.com/scrypster/memento/internal/jobs"
	"github.com/scrypster/memento/internal/memory"
	"github.com/scrypster/memento/internal/normalize"
	"github.com/scrypster/memento/internal/query"
	"github.com/scrypster/memento/internal/storage"
	"github.com/scrypster/memento/internal/storage/memgraph"
	"github.com/scrypster/memento/internal/storage/neo4j"
	"github.com/scrypster/memento/internal/storage/postgres"
	"github.com/scrypster/memento/internal/storage/sqlite"
	syncpkg "github.com/scrypster/memento/internal/sync"
	"github.com/scrypster/memento/pkg/types"

	_ "github.com/lib/pq"
)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil)).With("component", "memento-mcp")
	slog.SetDefault(log)

	cfg, err := config.LoadConfigWithFile("")
	if err != nil {
		fatal(log, "failed to load config", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("received shutdown signal")
		cancel()
	}()

	vec, closeVec, err := openVectorStore(cfg)
	if err != nil {
		fatal(log, "failed to open vector store", err)
	}
	defer closeVec()

	// In sqlite mode, persisted user settings (written by memento-setup)
	// live beside the vector data and override the environment.
	if cfg.VectorStore.StorageEngine == "sqlite" || cfg.VectorStore.StorageEngine == "" {
		if settingsDB, err := openSettingsDB(cfg); err == nil {
			if err := cfg.ApplyUserSettings(settingsDB); err != nil {
				log.Warn("failed to load user settings", "error", err)
			}
			_ = settingsDB.Close()
		}
	}

	for _, kind := range types.AllKinds {
		if err := vec.EnsureCollection(ctx, kind.Collection()); err != nil {
			fatal(log, "failed to ensure collection "+kind.Collection(), err)
		}
	}

	graph, err := openGraphStore(ctx, cfg)
	if err != nil {
		fatal(log, "failed to open graph store", err)
	}
	defer graph.Close()
	if err := graph.EnsureSchema(ctx); err != nil {
		fatal(log, "failed to ensure graph schema", err)
	}

	cache := embedding.NewCache(cfg.Cache.MaxEntries, time.Duration(cfg.Cache.TTLDays)*24*time.Hour)
	embedder := embedding.New(remoteEmbedder(cfg), cache, embedding.Config{
		ModelID:           cfg.Embedding.ModelID,
		FallbackEnabled:   cfg.Embedding.FallbackEnabled,
		RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
	})

	manager := memory.New(vec, graph, managerEmbedder{embedder}, cfg.Normalizer.ConflictThreshold, log)
	engine := query.New(vec, graph, engineEmbedder{embedder})
	jobRegistry := jobs.New()
	ix := indexer.New(indexer.NewScanner(), manager, graph, vec, jobRegistry, cfg.Project.ProjectPath)
	normalizer := normalize.New(vec, graph, normalizerEmbedder{embedder}, normalize.Config{
		ConflictThreshold:       cfg.Normalizer.ConflictThreshold,
		SoftDeleteRetentionDays: cfg.Normalizer.SoftDeleteRetentionDays,
		MaxSnapshotEntries:      cfg.Normalizer.MaxSnapshotEntries,
	})
	syncLayer := syncpkg.New(vec, graph, cfg.Sync.BatchSize, log)

	go syncLayer.StartLoop(ctx, time.Duration(cfg.Sync.IntervalSeconds)*time.Second)
	go jobCleanupLoop(ctx, jobRegistry)

	srv := mcp.NewServer(cfg, mcp.Deps{
		Manager:    manager,
		Engine:     engine,
		Vec:        vec,
		Graph:      graph,
		Embedder:   embedder,
		Cache:      cache,
		Indexer:    ix,
		Normalizer: normalizer,
		Jobs:       jobRegistry,
		Sync:       syncLayer,
		Exchange:   importer.New(vec, manager),
	}, mcp.WithLogger(log))

	if cfg.Server.WSEnabled {
		ws := mcp.NewWebSocketTransport(srv, log)
		go func() {
			log.Info("websocket endpoint listening", "host", cfg.Server.Host, "port", cfg.Server.Port)
			if err := ws.ListenAndServe(ctx, cfg.Server.Host, cfg.Server.Port); err != nil && err != context.Canceled {
				log.Error("websocket transport stopped", "error", err)
			}
		}()
	}

	transport := mcp.NewStdioTransport(srv, os.Stdin, os.Stdout)
	log.Info("ready, serving JSON-RPC 2.0 on stdin/stdout", "project_id", cfg.Project.ProjectID)
	if err := transport.Serve(ctx); err != nil {
		// Context cancellation lands here too; informational only.
		log.Info("transport stopped", "error", err)
	}
}

// openVectorStore selects the vector store backend from config: sqlite for
// single-process/dev, postgres+pgvector for production.
func openVectorStore(cfg *config.Config) (storage.VectorStore, func(), error) {
	switch cfg.VectorStore.StorageEngine {
	case "postgres":
		db, err := sql.Open("postgres", cfg.VectorStore.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		if err := db.Ping(); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("%w: ping postgres: %v", storage.ErrStorageUnavailable, err)
		}
		return postgres.New(db), func() { _ = db.Close() }, nil
	case "sqlite", "":
		if err := os.MkdirAll(cfg.VectorStore.DataPath, 0o700); err != nil {
			return nil, nil, err
		}
		store, err := sqlite.Open(filepath.Join(cfg.VectorStore.DataPath, "memento.db"))
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown vector storage engine %q", cfg.VectorStore.StorageEngine)
	}
}

// openGraphStore selects the graph backend: the in-process graph for dev,
// neo4j for production.
func openGraphStore(ctx context.Context, cfg *config.Config) (storage.GraphStore, error) {
	switch cfg.GraphStore.Engine {
	case "neo4j":
		return neo4j.Open(ctx, cfg.GraphStore.URI, cfg.GraphStore.User, cfg.GraphStore.Password, cfg.GraphStore.Database)
	case "memory", "":
		return memgraph.New(), nil
	default:
		return nil, fmt.Errorf("unknown graph engine %q", cfg.GraphStore.Engine)
	}
}

// openSettingsDB opens the sqlite settings store next to the vector data
// and ensures its schema.
func openSettingsDB(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("sqlite", filepath.Join(cfg.VectorStore.DataPath, "memento.db"))
	if err != nil {
		return nil, err
	}
	if err := config.EnsureSettingsTable(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// remoteEmbedder returns the hosted embedding client, or nil when no API key
// or base URL is configured so the service runs on the local fallback
// encoder alone.
func remoteEmbedder(cfg *config.Config) embedding.RemoteEmbedder {
	if cfg.Embedding.APIKey == "" && cfg.Embedding.BaseURL == "" {
		return nil
	}
	return embedding.NewHTTPClient(embedding.HTTPClientConfig{
		BaseURL: cfg.Embedding.BaseURL,
		APIKey:  cfg.Embedding.APIKey,
		Model:   cfg.Embedding.ModelID,
	})
}

// jobCleanupLoop evicts terminal job records past their retention age.
func jobCleanupLoop(ctx context.Context, registry *jobs.Registry) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			registry.Cleanup(24 * time.Hour)
		}
	}
}

// The memory, query, and normalize packages each declare the embedder
// capability they consume; these adapters bridge them to the concrete
// embedding.Service without those packages importing it.
type managerEmbedder struct{ svc *embedding.Service }

func (e managerEmbedder) Embed(ctx context.Context, content string) (memory.Result, error) {
	res, err := e.svc.Embed(ctx, content)
	return memory.Result{Vector: res.Vector, IsFallback: res.IsFallback}, err
}

func (e managerEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]memory.Result, error) {
	results, err := e.svc.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	out := make([]memory.Result, len(results))
	for i, r := range results {
		out[i] = memory.Result{Vector: r.Vector, IsFallback: r.IsFallback}
	}
	return out, nil
}

type engineEmbedder struct{ svc *embedding.Service }

func (e engineEmbedder) Embed(ctx context.Context, content string) (query.EmbedResult, error) {
	res, err := e.svc.Embed(ctx, content)
	return query.EmbedResult{Vector: res.Vector, IsFallback: res.IsFallback}, err
}

type normalizerEmbedder struct{ svc *embedding.Service }

func (e normalizerEmbedder) Embed(ctx context.Context, content string) (memory.Result, error) {
	res, err := e.svc.Embed(ctx, content)
	return memory.Result{Vector: res.Vector, IsFallback: res.IsFallback}, err
}

func fatal(log *slog.Logger, msg string, err error) {
	log.Error(msg, "error", err)
	os.Exit(1)
}
