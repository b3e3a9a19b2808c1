package query_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/memento/internal/embedding"
	"github.com/scrypster/memento/internal/memory"
	"github.com/scrypster/memento/internal/query"
	"github.com/scrypster/memento/internal/storage/memgraph"
	"github.com/scrypster/memento/internal/storage/sqlite"
	"github.com/scrypster/memento/pkg/types"
)

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, content string) (query.EmbedResult, error) {
	return query.EmbedResult{Vector: embedding.FallbackEmbed(content)}, nil
}

type managerEmbedder struct{}

func (managerEmbedder) Embed(ctx context.Context, content string) (memory.Result, error) {
	return memory.Result{Vector: embedding.FallbackEmbed(content)}, nil
}

func (e managerEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]memory.Result, error) {
	out := make([]memory.Result, len(texts))
	for i, text := range texts {
		out[i], _ = e.Embed(ctx, text)
	}
	return out, nil
}

func newFixture(t *testing.T) (*query.Engine, *memory.Manager, *memgraph.GraphStore) {
	t.Helper()
	vec, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = vec.Close() })
	for _, kind := range types.AllKinds {
		require.NoError(t, vec.EnsureCollection(context.Background(), kind.Collection()))
	}
	graph := memgraph.New()
	mgr := memory.New(vec, graph, managerEmbedder{}, 0, nil)
	return query.New(vec, graph, fakeEmbedder{}), mgr, graph
}

func addFunction(t *testing.T, mgr *memory.Manager, name, signature string) *types.BaseMemory {
	t.Helper()
	mem := &types.BaseMemory{
		Kind:      types.KindFunction,
		Content:   signature,
		Name:      name,
		Signature: signature,
		FilePath:  "src/app.py",
		StartLine: 1,
		EndLine:   5,
		Language:  "python",
	}
	_, err := mgr.Add(context.Background(), mem, false, true)
	require.NoError(t, err)
	return mem
}

func TestSemanticSearch_FindsExactContent(t *testing.T) {
	engine, mgr, _ := newFixture(t)
	mem := addFunction(t, mgr, "parse_user", "def parse_user(raw: str) -> User")

	results, err := engine.SemanticSearch(context.Background(), query.SemanticSearchParams{
		Query: "def parse_user(raw: str) -> User",
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, mem.ID, results[0].Memory.ID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-6, "identical text embeds identically")
}

func TestSemanticSearch_SoftDeletedInvisible(t *testing.T) {
	engine, mgr, _ := newFixture(t)
	mem := addFunction(t, mgr, "parse_user", "def parse_user(raw: str) -> User")

	params := query.SemanticSearchParams{Query: "def parse_user(raw: str) -> User"}
	results, err := engine.SemanticSearch(context.Background(), params)
	require.NoError(t, err)
	require.NotEmpty(t, results)

	ok, err := mgr.Delete(context.Background(), mem.ID, types.KindFunction, true)
	require.NoError(t, err)
	require.True(t, ok)

	results, err = engine.SemanticSearch(context.Background(), params)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, mem.ID, r.Memory.ID, "soft-deleted memories never surface")
	}

	// memory_get still returns it, flagged deleted.
	got, err := mgr.Get(context.Background(), mem.ID, types.KindFunction, false, false)
	require.NoError(t, err)
	assert.True(t, got.Deleted)
}

func TestSemanticSearch_LimitClampedSilently(t *testing.T) {
	engine, mgr, _ := newFixture(t)
	addFunction(t, mgr, "foo", "def foo()")

	_, err := engine.SemanticSearch(context.Background(), query.SemanticSearchParams{
		Query: "anything",
		Limit: 10000,
	})
	assert.NoError(t, err, "limit above max is clamped, not rejected")
}

func TestSemanticSearch_KindRestriction(t *testing.T) {
	engine, mgr, _ := newFixture(t)
	addFunction(t, mgr, "parse_user", "def parse_user(raw: str) -> User")

	results, err := engine.SemanticSearch(context.Background(), query.SemanticSearchParams{
		Query: "def parse_user(raw: str) -> User",
		Kinds: []types.MemoryKind{types.KindSession},
	})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestChoosePlan(t *testing.T) {
	cases := []struct {
		query   string
		relFlag bool
		want    query.Plan
	}{
		{"how does authentication work", false, query.PlanVectorOnly},
		{"calls parse_user", false, query.PlanGraphFirst},
		{"what depends on the session manager module", false, query.PlanVectorFirst},
		{"session manager", true, query.PlanGraphFirst},
		{"everything related to the auth subsystem design", true, query.PlanVectorFirst},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, query.ChoosePlan(tc.query, tc.relFlag), "query=%q rel=%v", tc.query, tc.relFlag)
	}
}

func TestHybridSearch_VectorFirstExpandsNeighbors(t *testing.T) {
	engine, mgr, graph := newFixture(t)
	parent := addFunction(t, mgr, "parse_user", "def parse_user(raw: str) -> User")

	// The neighbor is a Component, so the Function-restricted base search
	// can only reach it through the 1-hop graph expansion.
	neighbor := &types.BaseMemory{
		Kind: types.KindComponent, Content: "class UserService",
		ComponentID: "UserService", ComponentType: "Service",
		Name: "UserService", FilePath: "src/app.py",
	}
	_, err := mgr.Add(context.Background(), neighbor, false, true)
	require.NoError(t, err)
	require.NoError(t, graph.CreateRelationship(context.Background(),
		string(parent.ID), string(neighbor.ID), types.RelCalls, nil))

	results, plan, err := engine.HybridSearch(context.Background(), query.HybridSearchParams{
		Query:             "what calls into the parse_user helper function",
		RelationshipTypes: []types.RelationshipType{types.RelCalls},
		Kinds:             []types.MemoryKind{types.KindFunction},
		Limit:             10,
	})
	require.NoError(t, err)
	assert.Equal(t, query.PlanVectorFirst, plan)

	found := map[types.MemoryID]bool{}
	scores := map[types.MemoryID]float64{}
	for _, r := range results {
		found[r.Memory.ID] = true
		scores[r.Memory.ID] = r.Score
	}
	require.True(t, found[parent.ID])
	require.True(t, found[neighbor.ID], "1-hop expansion pulls in graph neighbors")
	assert.InDelta(t, scores[parent.ID]*0.8, scores[neighbor.ID], 1e-9, "expanded results score parent * 0.8")
}

func TestValidateReadOnlyQuery_RejectsWrites(t *testing.T) {
	err := query.ValidateReadOnlyQuery("MATCH (n) DETACH DELETE n RETURN n")
	assert.Error(t, err)

	err = query.ValidateReadOnlyQuery("MATCH (n:Memory) RETURN n LIMIT 5")
	assert.NoError(t, err)
}

func TestExecuteGraphQuery_RejectedQueryNeverReachesStore(t *testing.T) {
	engine, mgr, graph := newFixture(t)
	addFunction(t, mgr, "foo", "def foo()")
	before, err := graph.CountNodes(context.Background(), "", nil)
	require.NoError(t, err)

	_, err = engine.ExecuteGraphQuery(context.Background(), "MATCH (n) DETACH DELETE n RETURN n", nil)
	require.Error(t, err)

	after, err := graph.CountNodes(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Equal(t, before, after, "store untouched after rejection")
}

func TestRank_WeightsAndBounds(t *testing.T) {
	// Deterministic for constant inputs.
	assert.Equal(t,
		query.Rank(0.8, 0.5, 10, 3),
		query.Rank(0.8, 0.5, 10, 3))

	// Similarity carries the largest marginal effect.
	base := query.Rank(0.5, 0.5, 100, 10)
	bySim := query.Rank(0.6, 0.5, 100, 10) - base
	byImp := query.Rank(0.5, 0.6, 100, 10) - base
	assert.Greater(t, bySim, byImp)
	assert.InDelta(t, 0.05, bySim, 1e-9, "0.50 weight on similarity")

	// Recency floors at zero beyond a year; access caps at one.
	old := query.Rank(0, 0, 10000, 0)
	assert.InDelta(t, 0.0, old, 1e-9)
	hot := query.Rank(0, 0, 10000, 1<<40)
	assert.InDelta(t, 0.10, hot, 1e-9)
}
