package sqlite

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scrypster/memento/internal/storage"
	"github.com/scrypster/memento/pkg/types"
)

func openTest(t *testing.T) *VectorStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func vec(fill float32) []float32 {
	v := make([]float32, types.VectorDimension)
	for i := range v {
		v[i] = fill
	}
	return v
}

func TestVectorStore_UpsertGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	require.NoError(t, s.EnsureCollection(ctx, "functions"))

	require.NoError(t, s.Upsert(ctx, "functions", "fn-1", vec(0.1), map[string]interface{}{"name": "Foo"}))

	pt, err := s.Get(ctx, "functions", "fn-1", true)
	require.NoError(t, err)
	require.Equal(t, "fn-1", pt.ID)
	require.Equal(t, "Foo", pt.Payload["name"])
	require.Len(t, pt.Vector, types.VectorDimension)
}

func TestVectorStore_UpsertRejectsWrongDimension(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	require.NoError(t, s.EnsureCollection(ctx, "functions"))

	err := s.Upsert(ctx, "functions", "fn-1", []float32{0.1, 0.2}, nil)
	require.ErrorIs(t, err, storage.ErrDimensionMismatch)
}

func TestVectorStore_GetMissingReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	require.NoError(t, s.EnsureCollection(ctx, "functions"))

	_, err := s.Get(ctx, "functions", "nope", false)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestVectorStore_SearchOrdersByCosineDescending(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	require.NoError(t, s.EnsureCollection(ctx, "functions"))

	near := vec(0.5)
	near[0] = 0.9
	far := vec(0.5)
	far[0] = -0.9

	require.NoError(t, s.Upsert(ctx, "functions", "near", near, map[string]interface{}{"kind": "function"}))
	require.NoError(t, s.Upsert(ctx, "functions", "far", far, map[string]interface{}{"kind": "function"}))

	query := vec(0.5)
	query[0] = 0.9

	results, err := s.Search(ctx, "functions", query, 10, nil, 0)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "near", results[0].ID)
	require.Greater(t, results[0].Score, results[1].Score)
}

func TestVectorStore_SearchAppliesFilter(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	require.NoError(t, s.EnsureCollection(ctx, "functions"))

	require.NoError(t, s.Upsert(ctx, "functions", "a", vec(0.2), map[string]interface{}{"status": "active"}))
	require.NoError(t, s.Upsert(ctx, "functions", "b", vec(0.2), map[string]interface{}{"status": "archived"}))

	results, err := s.Search(ctx, "functions", vec(0.2), 10, storage.Filter{"status": "active"}, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "a", results[0].ID)
}

func TestVectorStore_DeleteByFilter(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	require.NoError(t, s.EnsureCollection(ctx, "functions"))

	require.NoError(t, s.Upsert(ctx, "functions", "a", vec(0.2), map[string]interface{}{"status": "archived"}))
	require.NoError(t, s.Upsert(ctx, "functions", "b", vec(0.2), map[string]interface{}{"status": "active"}))

	n, err := s.DeleteByFilter(ctx, "functions", storage.Filter{"status": "archived"})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	count, err := s.Count(ctx, "functions", nil)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestVectorStore_ScrollPagination(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	require.NoError(t, s.EnsureCollection(ctx, "functions"))

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Upsert(ctx, "functions", id, vec(0.1), nil))
	}

	page1, err := s.Scroll(ctx, "functions", nil, 2, 0)
	require.NoError(t, err)
	require.Len(t, page1, 2)

	page2, err := s.Scroll(ctx, "functions", nil, 2, 2)
	require.NoError(t, err)
	require.Len(t, page2, 1)
}

func TestVectorStore_UpsertBatchStoresAllPoints(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	require.NoError(t, s.EnsureCollection(ctx, "functions"))

	points := []storage.Point{
		{ID: "a", Vector: vec(0.1), Payload: map[string]interface{}{"name": "A"}},
		{ID: "b", Vector: vec(0.2), Payload: map[string]interface{}{"name": "B"}},
	}
	require.NoError(t, s.UpsertBatch(ctx, "functions", points))

	count, err := s.Count(ctx, "functions", nil)
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestVectorStore_UpdatePayloadMerges(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	require.NoError(t, s.EnsureCollection(ctx, "functions"))

	require.NoError(t, s.Upsert(ctx, "functions", "a", vec(0.1), map[string]interface{}{"name": "A", "status": "active"}))
	require.NoError(t, s.UpdatePayload(ctx, "functions", "a", map[string]interface{}{"status": "archived"}))

	pt, err := s.Get(ctx, "functions", "a", false)
	require.NoError(t, err)
	require.Equal(t, "A", pt.Payload["name"])
	require.Equal(t, "archived", pt.Payload["status"])
}
