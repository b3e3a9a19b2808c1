// Package memory implements the MemoryManager lifecycle:
// add/get/update/delete, bulk ingest, conflict detection, and importance
// scoring over the VectorStore and GraphStore capabilities.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/scrypster/memento/internal/corerr"
	"github.com/scrypster/memento/internal/storage"
	"github.com/scrypster/memento/pkg/types"
)

// Embedder is the subset of the EmbeddingService capability the manager
// needs, defined at the consumer so tests can supply trivial fakes.
type Embedder interface {
	Embed(ctx context.Context, content string) (Result, error)
	EmbedBatch(ctx context.Context, texts []string) ([]Result, error)
}

// Result mirrors embedding.Result without importing that package, so tests
// can supply trivial fakes.
type Result struct {
	Vector     []float32
	IsFallback bool
}

// DefaultConflictThreshold is the similarity above which two memories of
// the same kind count as conflicting.
const DefaultConflictThreshold = 0.95

// Manager owns the memory lifecycle. It has no internal mutex: concurrent
// writes to the same id race at the store layer and last-writer-wins is
// the documented semantics.
type Manager struct {
	vec               storage.VectorStore
	graph             storage.GraphStore
	embedder          Embedder
	conflictThreshold float64
	log               *slog.Logger
}

// New builds a Manager. conflictThreshold <= 0 uses DefaultConflictThreshold.
func New(vec storage.VectorStore, graph storage.GraphStore, embedder Embedder, conflictThreshold float64, log *slog.Logger) *Manager {
	if conflictThreshold <= 0 {
		conflictThreshold = DefaultConflictThreshold
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{vec: vec, graph: graph, embedder: embedder, conflictThreshold: conflictThreshold, log: log}
}

// Conflict is one hit returned alongside a successful add.
type Conflict struct {
	ID    types.MemoryID
	Score float64
}

// Add embeds the content if needed, optionally checks conflicts, scores
// importance, upserts into VectorStore, then attempts best-effort
// GraphStore node creation.
func (m *Manager) Add(ctx context.Context, mem *types.BaseMemory, checkConflicts, syncToGraph bool) ([]Conflict, error) {
	start := time.Now()
	if mem.ID == "" {
		mem.ID = types.NewMemoryID()
	}
	now := time.Now().UTC()
	if mem.CreatedAt.IsZero() {
		mem.CreatedAt = now
	}
	mem.UpdatedAt = now
	if mem.SyncStatus == "" {
		mem.SyncStatus = types.SyncPending
	}

	if err := mem.Validate(); err != nil {
		return nil, corerr.Wrap(corerr.KindValidation, err, "memory failed validation")
	}

	if len(mem.Embedding) == 0 {
		res, err := m.embedder.Embed(ctx, mem.Content)
		if err != nil {
			return nil, err
		}
		mem.Embedding = res.Vector
		if res.IsFallback {
			mem.SetMeta("embedding_is_fallback", true)
		}
	}

	var conflicts []Conflict
	if checkConflicts {
		conflicts = m.findConflicts(ctx, mem)
	}

	mem.ImportanceScore = types.ComputeImportance(mem)

	if err := m.vec.Upsert(ctx, mem.Kind.Collection(), string(mem.ID), mem.Embedding, mem.ToPayload()); err != nil {
		m.log.Error("memory_op", "op", "add", "kind", mem.Kind, "status", "error", "duration_ms", time.Since(start).Milliseconds())
		return nil, corerr.Wrap(corerr.KindStorageUnavailable, err, "vector store upsert failed")
	}

	if syncToGraph {
		if err := m.graph.CreateNode(ctx, mem.Kind.Label(), mem.ToPayload()); err != nil {
			_ = m.vec.UpdatePayload(ctx, mem.Kind.Collection(), string(mem.ID), map[string]interface{}{"sync_status": string(types.SyncPending)})
		} else {
			mem.SyncStatus = types.SyncSynced
			_ = m.vec.UpdatePayload(ctx, mem.Kind.Collection(), string(mem.ID), map[string]interface{}{"sync_status": string(types.SyncSynced)})
		}
	}

	m.log.Info("memory_op", "op", "add", "kind", mem.Kind, "status", "success", "duration_ms", time.Since(start).Milliseconds())
	return conflicts, nil
}

func (m *Manager) findConflicts(ctx context.Context, mem *types.BaseMemory) []Conflict {
	const k = 5
	hits, err := m.vec.Search(ctx, mem.Kind.Collection(), mem.Embedding, k+1, storage.Filter{"deleted": false}, m.conflictThreshold)
	if err != nil {
		return nil
	}
	conflicts := make([]Conflict, 0, len(hits))
	for _, h := range hits {
		if h.ID == string(mem.ID) {
			continue
		}
		conflicts = append(conflicts, Conflict{ID: types.MemoryID(h.ID), Score: h.Score})
		if len(conflicts) >= k {
			break
		}
	}
	return conflicts
}

// Get fetches a memory from VectorStore, optionally tracking the access.
func (m *Manager) Get(ctx context.Context, id types.MemoryID, kind types.MemoryKind, includeVector, trackAccess bool) (*types.BaseMemory, error) {
	pt, err := m.vec.Get(ctx, kind.Collection(), string(id), includeVector)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, corerr.NotFound(string(id))
		}
		return nil, corerr.Wrap(corerr.KindStorageUnavailable, err, "vector store get failed")
	}
	mem := types.FromPayload(pt.Payload)
	if includeVector {
		mem.Embedding = pt.Vector
	}

	if trackAccess {
		mem.AccessCount++
		now := time.Now().UTC()
		mem.LastAccessedAt = &now
		_ = m.vec.UpdatePayload(ctx, kind.Collection(), string(id), map[string]interface{}{
			"access_count":     mem.AccessCount,
			"last_accessed_at": now.Format(time.RFC3339Nano),
		})
	}
	return mem, nil
}

// Patch is a partial update applied by Update. Pointer/optional fields are
// only applied when non-nil.
type Patch map[string]interface{}

// Update fetches the current memory, applies the patch, re-embeds only if
// content changed and regenerateEmbedding is set, always advances
// updated_at, upserts VectorStore, then best-effort updates GraphStore.
func (m *Manager) Update(ctx context.Context, id types.MemoryID, kind types.MemoryKind, patch Patch, regenerateEmbedding bool) (*types.BaseMemory, error) {
	current, err := m.Get(ctx, id, kind, true, false)
	if err != nil {
		return nil, err
	}

	contentChanged := false
	if v, ok := patch["content"]; ok {
		if s, ok := v.(string); ok && s != current.Content {
			current.Content = s
			contentChanged = true
		}
	}
	applyPatch(current, patch)

	if contentChanged && regenerateEmbedding {
		res, err := m.embedder.Embed(ctx, current.Content)
		if err != nil {
			return nil, err
		}
		current.Embedding = res.Vector
		if res.IsFallback {
			current.SetMeta("embedding_is_fallback", true)
		} else {
			current.SetMeta("embedding_is_fallback", false)
		}
	}

	current.UpdatedAt = time.Now().UTC()
	current.ImportanceScore = types.ComputeImportance(current)

	if err := current.Validate(); err != nil {
		return nil, corerr.Wrap(corerr.KindValidation, err, "memory failed validation")
	}

	if err := m.vec.Upsert(ctx, kind.Collection(), string(id), current.Embedding, current.ToPayload()); err != nil {
		return nil, corerr.Wrap(corerr.KindStorageUnavailable, err, "vector store upsert failed")
	}

	if err := m.graph.UpdateNode(ctx, string(id), current.ToPayload(), kind.Label()); err != nil {
		current.SyncStatus = types.SyncPending
		_ = m.vec.UpdatePayload(ctx, kind.Collection(), string(id), map[string]interface{}{"sync_status": string(types.SyncPending)})
	} else {
		current.SyncStatus = types.SyncSynced
	}

	return current, nil
}

// applyPatch shallow-merges a subset of well-known patch keys onto mem. The
// tool surface validates per-kind fields before calling Update; this keeps
// the manager agnostic of JSON-Schema concerns.
func applyPatch(mem *types.BaseMemory, patch Patch) {
	strField := func(key string, dst *string) {
		if v, ok := patch[key]; ok {
			if s, ok := v.(string); ok {
				*dst = s
			}
		}
	}
	strField("title", &mem.Title)
	strField("description", &mem.Description)
	strField("status", &mem.Status)
	strField("priority", &mem.Priority)
	strField("decision", &mem.Decision)
	strField("rationale", &mem.Rationale)
	strField("code_template", &mem.CodeTemplate)
	strField("usage_context", &mem.UsageContext)
	strField("name", &mem.Name)
	strField("file_path", &mem.FilePath)
	strField("version", &mem.Version)
	strField("signature", &mem.Signature)
	strField("fix_commit", &mem.FixCommit)
	strField("summary", &mem.Summary)
	strField("key", &mem.Key)
	if v, ok := patch["metadata"]; ok {
		if md, ok := v.(map[string]interface{}); ok {
			if mem.Metadata == nil {
				mem.Metadata = map[string]interface{}{}
			}
			for k, val := range md {
				mem.Metadata[k] = val
			}
		}
	}
	if v, ok := patch["deleted"]; ok {
		if b, ok := v.(bool); ok {
			mem.Deleted = b
			if !b {
				mem.DeletedAt = nil
				mem.DeletedReason = ""
				mem.MergedInto = ""
			}
		}
	}
}

// Delete removes a memory. soft=true marks deleted on both stores
// (best-effort for graph); soft=false hard-deletes with detach on
// GraphStore.
func (m *Manager) Delete(ctx context.Context, id types.MemoryID, kind types.MemoryKind, soft bool) (bool, error) {
	_, err := m.vec.Get(ctx, kind.Collection(), string(id), false)
	if err != nil {
		if err == storage.ErrNotFound {
			return false, nil
		}
		return false, corerr.Wrap(corerr.KindStorageUnavailable, err, "vector store get failed")
	}

	if soft {
		now := time.Now().UTC()
		patch := map[string]interface{}{
			"deleted":    true,
			"deleted_at": now.Format(time.RFC3339Nano),
		}
		if err := m.vec.UpdatePayload(ctx, kind.Collection(), string(id), patch); err != nil {
			return false, corerr.Wrap(corerr.KindStorageUnavailable, err, "vector store soft delete failed")
		}
		_ = m.graph.UpdateNode(ctx, string(id), patch, kind.Label())
		return true, nil
	}

	if err := m.vec.Delete(ctx, kind.Collection(), string(id)); err != nil {
		return false, corerr.Wrap(corerr.KindStorageUnavailable, err, "vector store delete failed")
	}
	_ = m.graph.DeleteNode(ctx, string(id), kind.Label(), true)
	return true, nil
}

// BulkAddItem is one input to BulkAdd.
type BulkAddItem struct {
	Memory *types.BaseMemory
}

// BulkAddError reports a pre-upsert validation/storage failure for one item
//.
type BulkAddError struct {
	Index int
	Err   error
}

// BulkAdd groups items by kind, embeds misses in a batch, batch-upserts
// per kind, then creates graph nodes individually; graph failures go to
// the pending queue, not the error list.
func (m *Manager) BulkAdd(ctx context.Context, items []BulkAddItem, checkConflicts, syncToGraph bool) ([]types.MemoryID, []BulkAddError) {
	ids := make([]types.MemoryID, len(items))
	var errs []BulkAddError

	byKind := map[types.MemoryKind][]int{}
	now := time.Now().UTC()
	for i, it := range items {
		mem := it.Memory
		if mem.ID == "" {
			mem.ID = types.NewMemoryID()
		}
		if mem.CreatedAt.IsZero() {
			mem.CreatedAt = now
		}
		mem.UpdatedAt = now
		if mem.SyncStatus == "" {
			mem.SyncStatus = types.SyncPending
		}
		if err := mem.Validate(); err != nil {
			errs = append(errs, BulkAddError{Index: i, Err: err})
			continue
		}
		ids[i] = mem.ID
		byKind[mem.Kind] = append(byKind[mem.Kind], i)
	}

	for kind, idxs := range byKind {
		texts := make([]string, 0, len(idxs))
		needsEmbed := make([]int, 0, len(idxs))
		for _, i := range idxs {
			if len(items[i].Memory.Embedding) == 0 {
				needsEmbed = append(needsEmbed, i)
				texts = append(texts, items[i].Memory.Content)
			}
		}
		if len(texts) > 0 {
			results, err := m.embedder.EmbedBatch(ctx, texts)
			if err != nil {
				for _, i := range needsEmbed {
					errs = append(errs, BulkAddError{Index: i, Err: err})
				}
				continue
			}
			for j, i := range needsEmbed {
				items[i].Memory.Embedding = results[j].Vector
				if results[j].IsFallback {
					items[i].Memory.SetMeta("embedding_is_fallback", true)
				}
			}
		}

		points := make([]storage.Point, 0, len(idxs))
		for _, i := range idxs {
			mem := items[i].Memory
			if checkConflicts {
				_ = m.findConflicts(ctx, mem)
			}
			mem.ImportanceScore = types.ComputeImportance(mem)
			points = append(points, storage.Point{ID: string(mem.ID), Vector: mem.Embedding, Payload: mem.ToPayload()})
		}

		if err := m.vec.UpsertBatch(ctx, kind.Collection(), points); err != nil {
			for _, i := range idxs {
				errs = append(errs, BulkAddError{Index: i, Err: fmt.Errorf("batch upsert failed: %w", err)})
			}
			continue
		}

		if syncToGraph {
			for _, i := range idxs {
				mem := items[i].Memory
				if err := m.graph.CreateNode(ctx, kind.Label(), mem.ToPayload()); err != nil {
					_ = m.vec.UpdatePayload(ctx, kind.Collection(), string(mem.ID), map[string]interface{}{"sync_status": string(types.SyncPending)})
				} else {
					_ = m.vec.UpdatePayload(ctx, kind.Collection(), string(mem.ID), map[string]interface{}{"sync_status": string(types.SyncSynced)})
				}
			}
		}
	}

	return ids, errs
}

// Counts returns the live (non-deleted) memory count per kind.
func (m *Manager) Counts(ctx context.Context) (map[types.MemoryKind]int, error) {
	counts := make(map[types.MemoryKind]int, len(types.AllKinds))
	for _, kind := range types.AllKinds {
		n, err := m.vec.Count(ctx, kind.Collection(), storage.Filter{"deleted": false})
		if err != nil {
			return nil, corerr.Wrap(corerr.KindStorageUnavailable, err, "count failed")
		}
		counts[kind] = n
	}
	return counts, nil
}
