package normalize_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/memento/internal/embedding"
	"github.com/scrypster/memento/internal/memory"
	"github.com/scrypster/memento/internal/normalize"
	"github.com/scrypster/memento/internal/storage"
	"github.com/scrypster/memento/internal/storage/memgraph"
	"github.com/scrypster/memento/internal/storage/sqlite"
	"github.com/scrypster/memento/pkg/types"
)

type fakeEmbedder struct{ fallback bool }

func (f fakeEmbedder) Embed(ctx context.Context, content string) (memory.Result, error) {
	return memory.Result{Vector: embedding.FallbackEmbed(content), IsFallback: f.fallback}, nil
}

func (f fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]memory.Result, error) {
	out := make([]memory.Result, len(texts))
	for i, text := range texts {
		out[i], _ = f.Embed(ctx, text)
	}
	return out, nil
}

type fixture struct {
	vec   *sqlite.VectorStore
	graph *memgraph.GraphStore
	mgr   *memory.Manager
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	vec, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = vec.Close() })
	for _, kind := range types.AllKinds {
		require.NoError(t, vec.EnsureCollection(context.Background(), kind.Collection()))
	}
	graph := memgraph.New()
	return fixture{vec: vec, graph: graph, mgr: memory.New(vec, graph, fakeEmbedder{}, 0, nil)}
}

func (f fixture) normalizer(cfg normalize.Config) *normalize.Normalizer {
	return normalize.New(f.vec, f.graph, fakeEmbedder{}, cfg)
}

func (f fixture) addRequirement(t *testing.T, reqID, content string) *types.BaseMemory {
	t.Helper()
	mem := &types.BaseMemory{
		Kind: types.KindRequirements, Content: content,
		RequirementID: reqID, Title: "T", Description: "D",
		SourceDocument: "doc.md", Priority: "Medium", Status: "Draft",
	}
	_, err := f.mgr.Add(context.Background(), mem, false, true)
	require.NoError(t, err)
	return mem
}

func TestDeduplication_MarksDuplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Identical content embeds identically, so all three sit at cosine 1.0.
	f.addRequirement(t, "REQ-A-1", "The system shall authenticate every request")
	f.addRequirement(t, "REQ-A-2", "The system shall authenticate every request")
	f.addRequirement(t, "REQ-A-3", "The system shall authenticate every request")

	n := f.normalizer(normalize.Config{})
	result, err := n.Run(ctx, []string{"snapshot", "deduplication"}, false)
	require.NoError(t, err)
	assert.Equal(t, "completed", result.Status)
	assert.Equal(t, []string{"snapshot", "deduplication"}, result.PhasesCompleted)
	assert.Equal(t, 2, result.Statistics["deduplication"].Count)

	points, err := f.vec.Scroll(ctx, types.KindRequirements.Collection(), storage.Filter{}, 10, 0)
	require.NoError(t, err)
	require.Len(t, points, 3)

	var survivors, duplicates int
	var survivorID string
	for _, p := range points {
		mem := types.FromPayload(p.Payload)
		if mem.Deleted {
			duplicates++
			assert.Equal(t, "deduplication", mem.DeletedReason)
			assert.NotEmpty(t, mem.MergedInto)
		} else {
			survivors++
			survivorID = string(mem.ID)
		}
	}
	assert.Equal(t, 1, survivors)
	assert.Equal(t, 2, duplicates)

	for _, p := range points {
		mem := types.FromPayload(p.Payload)
		if mem.Deleted {
			assert.Equal(t, survivorID, string(mem.MergedInto), "duplicates point at the survivor")
		}
	}
}

func TestDryRun_LeavesStoresUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addRequirement(t, "REQ-A-1", "Same content")
	f.addRequirement(t, "REQ-A-2", "Same content")

	n := f.normalizer(normalize.Config{})
	result, err := n.Run(ctx, nil, true)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Statistics["deduplication"].Count, "dry run still counts")

	live, err := f.vec.Count(ctx, types.KindRequirements.Collection(), storage.Filter{"deleted": false})
	require.NoError(t, err)
	assert.Equal(t, 2, live, "dry run mutates nothing")
}

func TestPhaseOrdering_SublistPreservesCanonicalOrder(t *testing.T) {
	f := newFixture(t)
	n := f.normalizer(normalize.Config{})

	// Request phases out of order; canonical order must win.
	result, err := n.Run(context.Background(), []string{"validation", "snapshot"}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"snapshot", "validation"}, result.PhasesCompleted)
	assert.Contains(t, result.PhasesSkipped, "deduplication")
}

func TestSnapshot_RefusesOversize(t *testing.T) {
	f := newFixture(t)
	f.addRequirement(t, "REQ-A-1", "first requirement")
	f.addRequirement(t, "REQ-A-2", "second requirement")

	n := f.normalizer(normalize.Config{MaxSnapshotEntries: 1})
	_, err := n.Run(context.Background(), []string{"snapshot"}, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrSnapshotTooLarge)
}

func TestOrphanDetection_ClearsDanglingContainingClass(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	component := &types.BaseMemory{
		Kind: types.KindComponent, Content: "class Gone",
		ComponentID: "Gone", ComponentType: "Library",
		Name: "Gone", FilePath: "src/gone.py",
	}
	_, err := f.mgr.Add(ctx, component, false, true)
	require.NoError(t, err)

	fn := &types.BaseMemory{
		Kind: types.KindFunction, Content: "def method()",
		Name: "method", Signature: "def method()", FilePath: "src/gone.py",
		StartLine: 1, EndLine: 2, Language: "python",
		ContainingClass: component.ID,
	}
	_, err = f.mgr.Add(ctx, fn, false, true)
	require.NoError(t, err)

	// The function is wired to the component in the graph too.
	require.NoError(t, f.graph.CreateRelationship(ctx, string(fn.ID), string(component.ID), types.RelDependsOn, nil))

	// The component disappears (soft delete), orphaning the function's
	// containing_class pointer and leaving an edge at a deleted target.
	ok, err := f.mgr.Delete(ctx, component.ID, types.KindComponent, true)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, f.graph.RelationshipCount())

	n := f.normalizer(normalize.Config{})
	result, err := n.Run(ctx, []string{"snapshot", "orphan_detection"}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Statistics["orphan_detection"].Count)
	assert.Equal(t, 1, result.Statistics["orphan_detection"].EdgesRemoved)
	assert.Equal(t, 0, f.graph.RelationshipCount(), "edges at soft-deleted targets are pruned")

	pt, err := f.vec.Get(ctx, types.KindFunction.Collection(), string(fn.ID), false)
	require.NoError(t, err)
	got := types.FromPayload(pt.Payload)
	assert.Empty(t, got.ContainingClass)
}

func TestEmbeddingRefresh_ClearsFallbackFlag(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Seed via a fallback embedder so the flag is set.
	fallbackMgr := memory.New(f.vec, f.graph, fakeEmbedder{fallback: true}, 0, nil)
	mem := &types.BaseMemory{
		Kind: types.KindRequirements, Content: "needs a real embedding",
		RequirementID: "REQ-A-1", Title: "T", Description: "D",
		SourceDocument: "doc.md", Priority: "Medium", Status: "Draft",
	}
	_, err := fallbackMgr.Add(ctx, mem, false, true)
	require.NoError(t, err)
	require.True(t, mem.EmbeddingIsFallback())

	// The normalizer's embedder now returns non-fallback vectors.
	n := f.normalizer(normalize.Config{})
	result, err := n.Run(ctx, []string{"snapshot", "embedding_refresh"}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Statistics["embedding_refresh"].Count)

	pt, err := f.vec.Get(ctx, types.KindRequirements.Collection(), string(mem.ID), false)
	require.NoError(t, err)
	got := types.FromPayload(pt.Payload)
	assert.False(t, got.EmbeddingIsFallback())
}

func TestCleanup_HardDeletesExpiredRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	expired := f.addRequirement(t, "REQ-A-1", "old and deleted")
	fresh := f.addRequirement(t, "REQ-A-2", "recently deleted")

	long := time.Now().UTC().AddDate(0, 0, -60)
	require.NoError(t, f.vec.UpdatePayload(ctx, types.KindRequirements.Collection(), string(expired.ID),
		map[string]interface{}{"deleted": true, "deleted_at": long.Format(time.RFC3339Nano)}))
	now := time.Now().UTC()
	require.NoError(t, f.vec.UpdatePayload(ctx, types.KindRequirements.Collection(), string(fresh.ID),
		map[string]interface{}{"deleted": true, "deleted_at": now.Format(time.RFC3339Nano)}))

	n := f.normalizer(normalize.Config{SoftDeleteRetentionDays: 30})
	result, err := n.Run(ctx, []string{"snapshot", "cleanup"}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Statistics["cleanup"].Count)

	_, err = f.vec.Get(ctx, types.KindRequirements.Collection(), string(expired.ID), false)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = f.vec.Get(ctx, types.KindRequirements.Collection(), string(fresh.ID), false)
	assert.NoError(t, err, "rows inside the retention window survive")
}

func TestValidation_ReportsNoIssuesOnHealthyStore(t *testing.T) {
	f := newFixture(t)
	f.addRequirement(t, "REQ-A-1", "healthy requirement")

	n := f.normalizer(normalize.Config{})
	result, err := n.Run(context.Background(), []string{"snapshot", "validation"}, false)
	require.NoError(t, err)
	assert.Empty(t, result.Statistics["validation"].Issues)
}

func TestFullRun_CompletesAllPhases(t *testing.T) {
	f := newFixture(t)
	f.addRequirement(t, "REQ-A-1", "some requirement")

	n := f.normalizer(normalize.Config{})
	result, err := n.Run(context.Background(), nil, false)
	require.NoError(t, err)
	assert.Equal(t, "completed", result.Status)
	assert.Len(t, result.PhasesCompleted, 7)
	assert.Empty(t, result.PhasesSkipped)
	assert.False(t, n.Running())
}
