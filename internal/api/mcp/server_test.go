package mcp_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/memento/internal/api/mcp"
	"github.com/scrypster/memento/internal/config"
	"github.com/scrypster/memento/internal/embedding"
	"github.com/scrypster/memento/internal/importer"
	"github.com/scrypster/memento/internal/indexer"
	"github.com/scrypster/memento/internal/jobs"
	"github.com/scrypster/memento/internal/memory"
	"github.com/scrypster/memento/internal/normalize"
	"github.com/scrypster/memento/internal/query"
	"github.com/scrypster/memento/internal/storage/memgraph"
	"github.com/scrypster/memento/internal/storage/sqlite"
	syncpkg "github.com/scrypster/memento/internal/sync"
	"github.com/scrypster/memento/pkg/types"
)

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

type fixture struct {
	srv   *mcp.Server
	graph *memgraph.GraphStore
	vec   *sqlite.VectorStore
	root  string
}

// newFixture wires the full tool surface over sqlite + the in-process graph
// with the deterministic local embedder (no remote).
func newFixture(t *testing.T) fixture {
	t.Helper()
	root := t.TempDir()
	vec, err := sqlite.Open(filepath.Join(t.TempDir(), "vec.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = vec.Close() })
	for _, kind := range types.AllKinds {
		require.NoError(t, vec.EnsureCollection(context.Background(), kind.Collection()))
	}
	graph := memgraph.New()

	cache := embedding.NewCache(1000, time.Hour)
	embedder := embedding.New(nil, cache, embedding.Config{ModelID: "test", FallbackEnabled: true, RequestsPerSecond: 10000})
	mgr := memory.New(vec, graph, managerEmbedder{embedder}, 0, nil)
	engine := query.New(vec, graph, engineEmbedder{embedder})
	registry := jobs.New()
	ix := indexer.New(indexer.NewScanner(), mgr, graph, vec, registry, root)
	normalizer := normalize.New(vec, graph, managerEmbedder{embedder}, normalize.Config{})
	syncLayer := syncpkg.New(vec, graph, 100, nil)

	cfg := &config.Config{}
	cfg.Project.ProjectID = "test-project"
	cfg.Project.ProjectPath = root
	cfg.VectorStore.StorageEngine = "sqlite"
	cfg.GraphStore.Engine = "memory"
	cfg.Cache.MaxEntries = 1000

	srv := mcp.NewServer(cfg, mcp.Deps{
		Manager:    mgr,
		Engine:     engine,
		Vec:        vec,
		Graph:      graph,
		Embedder:   embedder,
		Cache:      cache,
		Indexer:    ix,
		Normalizer: normalizer,
		Jobs:       registry,
		Sync:       syncLayer,
		Exchange:   importer.New(vec, mgr),
	})
	return fixture{srv: srv, graph: graph, vec: vec, root: root}
}

// rpc sends a raw JSON-RPC request and decodes the response frame.
func (f fixture) rpc(t *testing.T, method string, params interface{}) mcp.JSONRPCResponse {
	t.Helper()
	req := map[string]interface{}{"jsonrpc": "2.0", "id": 1, "method": method}
	if params != nil {
		req["params"] = params
	}
	raw, err := json.Marshal(req)
	require.NoError(t, err)
	respBytes, err := f.srv.HandleRequest(context.Background(), raw)
	require.NoError(t, err)
	var resp mcp.JSONRPCResponse
	require.NoError(t, json.Unmarshal(respBytes, &resp))
	return resp
}

// call invokes a tool via tools/call and unwraps the text content envelope.
func (f fixture) call(t *testing.T, tool string, args map[string]interface{}) (map[string]interface{}, *mcp.JSONRPCError) {
	t.Helper()
	resp := f.rpc(t, "tools/call", map[string]interface{}{"name": tool, "arguments": args})
	if resp.Error != nil {
		return nil, resp.Error
	}
	blob, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var envelope mcp.MCPToolCallResult
	require.NoError(t, json.Unmarshal(blob, &envelope))
	require.NotEmpty(t, envelope.Content)
	var result map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(envelope.Content[0].Text), &result))
	return result, nil
}

func requirementArgs(reqID, content string) map[string]interface{} {
	return map[string]interface{}{
		"memory_type": "requirements", "content": content,
		"requirement_id": reqID, "title": "Auth", "description": "D",
		"source_document": "doc.md", "priority": "High", "status": "Approved",
	}
}

func TestInitialize(t *testing.T) {
	f := newFixture(t)
	resp := f.rpc(t, "initialize", map[string]interface{}{})
	require.Nil(t, resp.Error)

	blob, _ := json.Marshal(resp.Result)
	var result mcp.MCPInitializeResult
	require.NoError(t, json.Unmarshal(blob, &result))
	assert.Equal(t, "memento", result.ServerInfo.Name)
	assert.Equal(t, "test-project", result.ServerInfo.ProjectID)
	assert.False(t, result.Capabilities.Tools.ListChanged)
}

func TestToolsList_ExposesFullInventory(t *testing.T) {
	f := newFixture(t)
	resp := f.rpc(t, "tools/list", nil)
	require.Nil(t, resp.Error)

	blob, _ := json.Marshal(resp.Result)
	var result mcp.MCPToolsListResult
	require.NoError(t, json.Unmarshal(blob, &result))

	names := map[string]bool{}
	for _, tool := range result.Tools {
		names[tool.Name] = true
		assert.NotEmpty(t, tool.Description)
		assert.NotNil(t, tool.InputSchema)
	}
	for _, want := range []string{
		"memory_add", "memory_update", "memory_delete", "memory_get", "memory_bulk_add",
		"memory_search", "code_search", "graph_query", "find_duplicates", "get_related",
		"index_file", "index_directory", "index_status", "reindex",
		"normalize_memory", "normalize_status", "memory_statistics",
		"export_memory", "import_memory", "check_consistency", "validate_fix",
		"get_design_context", "trace_requirements",
	} {
		assert.True(t, names[want], "missing tool %s", want)
	}
	assert.Len(t, result.Tools, 23)
}

func TestShutdownAndUnknownMethod(t *testing.T) {
	f := newFixture(t)

	resp := f.rpc(t, "shutdown", nil)
	require.Nil(t, resp.Error)

	resp = f.rpc(t, "no_such_method", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.ErrCodeMethodNotFound, resp.Error.Code)
}

func TestParseError(t *testing.T) {
	f := newFixture(t)
	respBytes, err := f.srv.HandleRequest(context.Background(), []byte("{not json"))
	require.NoError(t, err)
	var resp mcp.JSONRPCResponse
	require.NoError(t, json.Unmarshal(respBytes, &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.ErrCodeParseError, resp.Error.Code)
}

func TestMemoryAdd_CreatedAndConflicts(t *testing.T) {
	f := newFixture(t)

	first, rpcErr := f.call(t, "memory_add", requirementArgs("REQ-AUTH-1", "System shall authenticate all requests"))
	require.Nil(t, rpcErr)
	assert.Equal(t, "created", first["status"])
	require.NotEmpty(t, first["memory_id"])
	assert.Nil(t, first["conflicts"])

	// Identical content embeds identically under the deterministic local
	// encoder, so the second add must report the first as a conflict while
	// both persist.
	second, rpcErr := f.call(t, "memory_add", requirementArgs("REQ-AUTH-2", "System shall authenticate all requests"))
	require.Nil(t, rpcErr)
	assert.Equal(t, "created", second["status"])
	conflicts, ok := second["conflicts"].([]interface{})
	require.True(t, ok, "conflicts list surfaced separately")
	require.Len(t, conflicts, 1)
	hit := conflicts[0].(map[string]interface{})
	assert.Equal(t, first["memory_id"], hit["id"])
	assert.GreaterOrEqual(t, hit["score"].(float64), 0.95)

	stats, rpcErr := f.call(t, "memory_statistics", nil)
	require.Nil(t, rpcErr)
	counts := stats["memory_counts"].(map[string]interface{})
	assert.Equal(t, float64(2), counts["requirements"])
}

func TestMemoryAdd_ValidationErrors(t *testing.T) {
	f := newFixture(t)

	_, rpcErr := f.call(t, "memory_add", map[string]interface{}{"memory_type": "requirements"})
	require.NotNil(t, rpcErr)
	assert.Equal(t, mcp.ErrCodeInvalidParams, rpcErr.Code, "missing required content")

	_, rpcErr = f.call(t, "memory_add", map[string]interface{}{"memory_type": "nonsense", "content": "x"})
	require.NotNil(t, rpcErr)
	assert.Equal(t, mcp.ErrCodeInvalidParams, rpcErr.Code, "enum violation")

	_, rpcErr = f.call(t, "memory_add", map[string]interface{}{
		"memory_type": "requirements", "content": "x", "requirement_id": "bogus",
		"title": "T", "description": "D", "source_document": "s", "priority": "High", "status": "Approved",
	})
	require.NotNil(t, rpcErr)
	assert.Equal(t, mcp.ErrCodeInvalidParams, rpcErr.Code, "domain validation surfaces as invalid params")
}

func TestMemoryAdd_WithRelationships(t *testing.T) {
	f := newFixture(t)
	first, rpcErr := f.call(t, "memory_add", requirementArgs("REQ-AUTH-1", "base requirement"))
	require.Nil(t, rpcErr)

	second, rpcErr := f.call(t, "memory_add", map[string]interface{}{
		"memory_type": "design", "content": "auth design", "title": "Auth Design",
		"design_type": "ADR", "status": "Accepted",
		"relationships": []interface{}{
			map[string]interface{}{"target_id": first["memory_id"], "type": "IMPLEMENTS"},
		},
	})
	require.Nil(t, rpcErr)

	related, rpcErr := f.call(t, "get_related", map[string]interface{}{"entity_id": second["memory_id"]})
	require.Nil(t, rpcErr)
	hits := related["related"].([]interface{})
	require.Len(t, hits, 1)
	assert.Equal(t, first["memory_id"], hits[0].(map[string]interface{})["id"])
}

func TestSoftDeleteThenSearch(t *testing.T) {
	f := newFixture(t)

	added, rpcErr := f.call(t, "memory_add", map[string]interface{}{
		"memory_type": "function", "content": "def parse_user(raw: str) -> User",
		"name": "parse_user", "signature": "def parse_user(raw: str) -> User",
		"file_path": "src/users.py", "start_line": 10, "end_line": 20, "language": "python",
	})
	require.Nil(t, rpcErr)
	id := added["memory_id"].(string)

	searchArgs := map[string]interface{}{"query": "def parse_user(raw: str) -> User"}
	found, rpcErr := f.call(t, "memory_search", searchArgs)
	require.Nil(t, rpcErr)
	require.NotEmpty(t, found["results"].([]interface{}))

	deleted, rpcErr := f.call(t, "memory_delete", map[string]interface{}{
		"memory_id": id, "memory_type": "function",
	})
	require.Nil(t, rpcErr)
	assert.Equal(t, "deleted", deleted["status"])
	assert.Equal(t, false, deleted["hard_delete"])

	found, rpcErr = f.call(t, "memory_search", searchArgs)
	require.Nil(t, rpcErr)
	for _, r := range found["results"].([]interface{}) {
		assert.NotEqual(t, id, r.(map[string]interface{})["id"], "soft-deleted memory absent from search")
	}

	got, rpcErr := f.call(t, "memory_get", map[string]interface{}{"memory_id": id, "memory_type": "function"})
	require.Nil(t, rpcErr)
	assert.Equal(t, true, got["deleted"], "memory_get still returns it, flagged deleted")
}

func TestMemoryUpdate_AndNotFound(t *testing.T) {
	f := newFixture(t)
	added, rpcErr := f.call(t, "memory_add", requirementArgs("REQ-AUTH-1", "original"))
	require.Nil(t, rpcErr)

	updated, rpcErr := f.call(t, "memory_update", map[string]interface{}{
		"memory_id": added["memory_id"], "memory_type": "requirements",
		"content": "revised content", "title": "Revised",
	})
	require.Nil(t, rpcErr)
	assert.Equal(t, "updated", updated["status"])

	got, rpcErr := f.call(t, "memory_get", map[string]interface{}{
		"memory_id": added["memory_id"], "memory_type": "requirements",
	})
	require.Nil(t, rpcErr)
	assert.Equal(t, "revised content", got["content"])
	assert.Equal(t, "Revised", got["title"])

	missing, rpcErr := f.call(t, "memory_update", map[string]interface{}{
		"memory_id": "does-not-exist", "memory_type": "requirements", "title": "x",
	})
	require.Nil(t, rpcErr)
	assert.Equal(t, "not_found", missing["status"])
}

func TestMemoryBulkAdd(t *testing.T) {
	f := newFixture(t)

	memories := make([]interface{}, 0, 20)
	for i := 0; i < 20; i++ {
		memories = append(memories, map[string]interface{}{
			"memory_type": "session", "content": fmt.Sprintf("session summary %d", i),
			"summary": fmt.Sprintf("session %d", i), "start_time": time.Now().UTC().Format(time.RFC3339),
		})
	}
	memories = append(memories, map[string]interface{}{"memory_type": "bogus", "content": "x"})

	result, rpcErr := f.call(t, "memory_bulk_add", map[string]interface{}{"memories": memories})
	require.Nil(t, rpcErr)
	assert.Equal(t, float64(20), result["added_count"])
	assert.Len(t, result["added_ids"].([]interface{}), 20)
	assert.Len(t, result["errors"].([]interface{}), 1)
}

func TestGraphQuery_InjectionRejectedStoreUntouched(t *testing.T) {
	f := newFixture(t)
	_, rpcErr := f.call(t, "memory_add", requirementArgs("REQ-AUTH-1", "a requirement"))
	require.Nil(t, rpcErr)
	before, err := f.graph.CountNodes(context.Background(), "", nil)
	require.NoError(t, err)
	require.Equal(t, 1, before)

	_, rpcErr = f.call(t, "graph_query", map[string]interface{}{
		"cypher": "MATCH (n) DETACH DELETE n RETURN n",
	})
	require.NotNil(t, rpcErr, "write clause rejected")

	after, err := f.graph.CountNodes(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Equal(t, before, after, "graph untouched")
}

func TestGraphQuery_ReadOnlyAllowed(t *testing.T) {
	f := newFixture(t)
	_, rpcErr := f.call(t, "memory_add", requirementArgs("REQ-AUTH-1", "searchable requirement text"))
	require.Nil(t, rpcErr)

	result, rpcErr := f.call(t, "graph_query", map[string]interface{}{
		"cypher":     "MATCH (n:Memory) WHERE n.content CONTAINS $q RETURN n LIMIT $limit",
		"parameters": map[string]interface{}{"q": "searchable", "limit": 10},
	})
	require.Nil(t, rpcErr)
	assert.Equal(t, float64(1), result["count"])
}

func TestGetRelated_DepthBound(t *testing.T) {
	f := newFixture(t)
	_, rpcErr := f.call(t, "get_related", map[string]interface{}{"entity_id": "x", "depth": 6})
	require.NotNil(t, rpcErr)
	assert.Equal(t, mcp.ErrCodeInvalidParams, rpcErr.Code, "depth > 5 rejected by schema")
}

func TestFindDuplicates_ThresholdClamped(t *testing.T) {
	f := newFixture(t)
	result, rpcErr := f.call(t, "find_duplicates", map[string]interface{}{
		"code": "def foo(): pass", "threshold": 0.2,
	})
	require.Nil(t, rpcErr)
	assert.Equal(t, 0.7, result["threshold"], "threshold clamps to the lower bound")

	result, rpcErr = f.call(t, "find_duplicates", map[string]interface{}{
		"code": "def foo(): pass", "threshold": 0.99,
	})
	require.Nil(t, rpcErr)
	assert.Equal(t, 0.95, result["threshold"], "threshold clamps to the upper bound")
}

func TestFindDuplicates_FindsIdenticalFunction(t *testing.T) {
	f := newFixture(t)
	signature := "def compute_total(items: list) -> int"
	_, rpcErr := f.call(t, "memory_add", map[string]interface{}{
		"memory_type": "function", "content": signature,
		"name": "compute_total", "signature": signature,
		"file_path": "src/billing.py", "start_line": 3, "end_line": 9, "language": "python",
	})
	require.Nil(t, rpcErr)

	result, rpcErr := f.call(t, "find_duplicates", map[string]interface{}{"code": signature})
	require.Nil(t, rpcErr)
	duplicates := result["duplicates"].([]interface{})
	require.Len(t, duplicates, 1)
	hit := duplicates[0].(map[string]interface{})
	assert.Equal(t, "compute_total", hit["name"])
	assert.Equal(t, "src/billing.py", hit["file_path"])
}

func TestIndexTools_PathContainment(t *testing.T) {
	f := newFixture(t)
	_, rpcErr := f.call(t, "index_file", map[string]interface{}{"file_path": "../outside.py"})
	require.NotNil(t, rpcErr)
	assert.Equal(t, mcp.ErrCodeInvalidParams, rpcErr.Code)

	_, rpcErr = f.call(t, "export_memory", map[string]interface{}{"output_path": "../dump.ndjson"})
	require.NotNil(t, rpcErr)
	assert.Equal(t, mcp.ErrCodeInvalidParams, rpcErr.Code)
}

func TestIndexDirectory_EndToEnd(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "a.py"), []byte("def foo(x):\n    return x\n"), 0o644))

	result, rpcErr := f.call(t, "index_directory", map[string]interface{}{"directory_path": "."})
	require.Nil(t, rpcErr)
	assert.Equal(t, float64(1), result["files_processed"])
	assert.Equal(t, float64(1), result["functions_indexed"])
	jobID := result["job_id"].(string)

	status, rpcErr := f.call(t, "index_status", map[string]interface{}{"job_id": jobID})
	require.Nil(t, rpcErr)
	assert.Equal(t, "completed", status["status"])

	// Unchanged content: reindex with scope=changed skips everything.
	result, rpcErr = f.call(t, "reindex", map[string]interface{}{"directory_path": ".", "scope": "changed"})
	require.Nil(t, rpcErr)
	assert.Equal(t, float64(0), result["files_processed"])
	assert.Equal(t, float64(1), result["files_skipped"])
	assert.Equal(t, "changed", result["scope"])

	aggregate, rpcErr := f.call(t, "index_status", nil)
	require.Nil(t, rpcErr)
	assert.Equal(t, float64(1), aggregate["functions_indexed"])
}

func TestNormalize_DedupScenario(t *testing.T) {
	f := newFixture(t)
	for i := 1; i <= 3; i++ {
		args := requirementArgs(fmt.Sprintf("REQ-AUTH-%d", i), "The system shall authenticate every request")
		args["check_conflicts"] = false
		_, rpcErr := f.call(t, "memory_add", args)
		require.Nil(t, rpcErr)
	}

	result, rpcErr := f.call(t, "normalize_memory", map[string]interface{}{
		"phases": []interface{}{"snapshot", "deduplication"},
	})
	require.Nil(t, rpcErr)
	assert.Equal(t, "completed", result["status"])
	stats := result["statistics"].(map[string]interface{})
	dedup := stats["deduplication"].(map[string]interface{})
	assert.Equal(t, float64(2), dedup["count"])

	statsAfter, rpcErr := f.call(t, "memory_statistics", nil)
	require.Nil(t, rpcErr)
	counts := statsAfter["memory_counts"].(map[string]interface{})
	assert.Equal(t, float64(1), counts["requirements"], "one survivor stays live")

	status, rpcErr := f.call(t, "normalize_status", nil)
	require.Nil(t, rpcErr)
	assert.Equal(t, false, status["running"])
	assert.NotEmpty(t, status["recent_jobs"])
}

func TestExportImport_RoundTripThroughTools(t *testing.T) {
	f := newFixture(t)
	_, rpcErr := f.call(t, "memory_add", requirementArgs("REQ-AUTH-1", "exported requirement"))
	require.Nil(t, rpcErr)

	exported, rpcErr := f.call(t, "export_memory", map[string]interface{}{"output_path": "dump.ndjson"})
	require.Nil(t, rpcErr)
	assert.Equal(t, "exported", exported["status"])
	assert.Equal(t, float64(1), exported["memory_count"])

	// Import into the same fixture with skip resolution: the record exists,
	// so it counts as skipped.
	imported, rpcErr := f.call(t, "import_memory", map[string]interface{}{
		"input_path": "dump.ndjson", "conflict_resolution": "skip",
	})
	require.Nil(t, rpcErr)
	assert.Equal(t, "completed", imported["status"])
	assert.Equal(t, float64(0), imported["imported"])
	assert.Equal(t, float64(1), imported["skipped"])
	assert.Equal(t, float64(0), imported["total_errors"])
}

func TestExportMemory_SampleWithoutPath(t *testing.T) {
	f := newFixture(t)
	_, rpcErr := f.call(t, "memory_add", requirementArgs("REQ-AUTH-1", "sampled requirement"))
	require.Nil(t, rpcErr)

	result, rpcErr := f.call(t, "export_memory", nil)
	require.Nil(t, rpcErr)
	assert.Equal(t, "sample", result["status"])
	assert.Equal(t, float64(1), result["memory_count"])
	records := result["records"].([]interface{})
	require.Len(t, records, 1)
	_, hasEmbedding := records[0].(map[string]interface{})["embedding"]
	assert.False(t, hasEmbedding)
}

func TestImportMemory_Markdown(t *testing.T) {
	f := newFixture(t)
	md := "---\nmemory_type: design\ntitle: Cache Policy\ndesign_type: ADR\nstatus: Accepted\n---\nLRU with TTL.\n"
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "adr.md"), []byte(md), 0o644))

	result, rpcErr := f.call(t, "import_memory", map[string]interface{}{"input_path": "adr.md"})
	require.Nil(t, rpcErr)
	assert.Equal(t, float64(1), result["imported"])

	found, rpcErr := f.call(t, "memory_search", map[string]interface{}{
		"query": "LRU with TTL.", "memory_types": []interface{}{"design"},
	})
	require.Nil(t, rpcErr)
	assert.NotEmpty(t, found["results"].([]interface{}))
}

func TestContextTools(t *testing.T) {
	f := newFixture(t)

	component, rpcErr := f.call(t, "memory_add", map[string]interface{}{
		"memory_type": "component", "content": "class AuthService handles login",
		"component_id": "AuthService", "component_type": "Service",
		"name": "AuthService", "file_path": "src/auth.py",
	})
	require.Nil(t, rpcErr)

	requirement, rpcErr := f.call(t, "memory_add", requirementArgs("REQ-AUTH-1", "System shall authenticate all requests"))
	require.Nil(t, rpcErr)

	// Component IMPLEMENTS the requirement.
	_, rpcErr = f.call(t, "memory_add", map[string]interface{}{
		"memory_type": "design", "content": "auth flow design", "title": "Auth Flow",
		"design_type": "HighLevel", "status": "Accepted",
	})
	require.Nil(t, rpcErr)
	require.NoError(t, f.graph.CreateRelationship(context.Background(),
		component["memory_id"].(string), requirement["memory_id"].(string), types.RelImplements, nil))

	consistency, rpcErr := f.call(t, "check_consistency", map[string]interface{}{"component_id": "AuthService"})
	require.Nil(t, rpcErr)
	score := consistency["consistency_score"].(float64)
	assert.GreaterOrEqual(t, score, 0.0)
	assert.LessOrEqual(t, score, 1.0)

	trace, rpcErr := f.call(t, "trace_requirements", map[string]interface{}{"requirement_id": "REQ-AUTH-1"})
	require.Nil(t, rpcErr)
	impls := trace["implementations"].([]interface{})
	require.Len(t, impls, 1)
	assert.Equal(t, component["memory_id"], impls[0].(map[string]interface{})["id"])

	designCtx, rpcErr := f.call(t, "get_design_context", map[string]interface{}{"component_id": "AuthService"})
	require.Nil(t, rpcErr)
	assert.Contains(t, designCtx, "designs")
	assert.Contains(t, designCtx, "patterns")
	assert.Contains(t, designCtx, "requirements")

	evidence, rpcErr := f.call(t, "validate_fix", map[string]interface{}{
		"fix_description":      "harden the login flow against replay",
		"affected_component":   "AuthService",
		"related_requirements": []interface{}{"REQ-AUTH-1", "REQ-MISSING-9"},
	})
	require.Nil(t, rpcErr)
	assert.Contains(t, evidence, "evidence")
	reqs := evidence["requirements"].([]interface{})
	require.Len(t, reqs, 2)

	missing, rpcErr := f.call(t, "trace_requirements", map[string]interface{}{"requirement_id": "REQ-NOPE-1"})
	require.Nil(t, rpcErr)
	assert.Equal(t, "not_found", missing["status"])
}

func TestDirectDispatch_ToolAsMethod(t *testing.T) {
	f := newFixture(t)
	resp := f.rpc(t, "memory_statistics", map[string]interface{}{})
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]interface{})
	assert.Contains(t, result, "memory_counts")
}

func TestStdioTransport_RoundTrip(t *testing.T) {
	f := newFixture(t)

	var in bytes.Buffer
	in.WriteString(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}` + "\n")
	in.WriteString(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}` + "\n")
	var out bytes.Buffer

	transport := mcp.NewStdioTransport(f.srv, &in, &out)
	require.NoError(t, transport.Serve(context.Background()))

	lines := bytes.Split(bytes.TrimSpace(out.Bytes()), []byte("\n"))
	require.Len(t, lines, 2, "one response frame per request line")
	for i, line := range lines {
		var resp mcp.JSONRPCResponse
		require.NoError(t, json.Unmarshal(line, &resp))
		assert.Nil(t, resp.Error)
		assert.Equal(t, float64(i+1), resp.ID)
	}
}
