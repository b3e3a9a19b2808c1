// Package query implements the hybrid query engine: semantic vector
// search, graph traversal, hybrid planning between the two, read-only
// Cypher validation, and the ranking formula.
package query

import (
	"context"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/scrypster/memento/internal/corerr"
	"github.com/scrypster/memento/internal/storage"
	"github.com/scrypster/memento/internal/storage/neo4j"
	"github.com/scrypster/memento/pkg/types"
)

// DefaultLimit and MaxLimit bound semantic_search page sizes.
const (
	DefaultLimit = 10
	MaxLimit     = 100
)

// Embedder is the subset of EmbeddingService the engine needs for query
// vectors.
type Embedder interface {
	Embed(ctx context.Context, content string) (EmbedResult, error)
}

// EmbedResult mirrors embedding.Result to avoid an import-cycle-prone
// dependency from this package onto the embedding package's concrete type.
type EmbedResult struct {
	Vector     []float32
	IsFallback bool
}

// Engine implements QueryEngine (C7).
type Engine struct {
	vec      storage.VectorStore
	graph    storage.GraphStore
	embedder Embedder
}

func New(vec storage.VectorStore, graph storage.GraphStore, embedder Embedder) *Engine {
	return &Engine{vec: vec, graph: graph, embedder: embedder}
}

// ScoredMemory is one semantic_search/hybrid result.
type ScoredMemory struct {
	Memory *types.BaseMemory
	Score  float64
}

// TimeRange bounds created_at for semantic_search.
type TimeRange struct {
	From, To *time.Time
}

// SemanticSearchParams collects semantic_search's inputs.
type SemanticSearchParams struct {
	Query     string
	Kinds     []types.MemoryKind
	Filters   storage.Filter
	TimeRange *TimeRange
	Limit     int
	Offset    int
}

// SemanticSearch embeds the query, searches every
// requested kind's collection, merge, sort descending by score, and slice
// the requested page. limit is clamped to MaxLimit and defaulted to
// DefaultLimit when unset.
func (e *Engine) SemanticSearch(ctx context.Context, p SemanticSearchParams) ([]ScoredMemory, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	res, err := e.embedder.Embed(ctx, p.Query)
	if err != nil {
		return nil, err
	}

	filter := storage.Filter{"deleted": false}
	for k, v := range p.Filters {
		filter[k] = v
	}
	if p.TimeRange != nil {
		r := storage.Range{}
		if p.TimeRange.From != nil {
			r.Gte = p.TimeRange.From.Unix()
		}
		if p.TimeRange.To != nil {
			r.Lte = p.TimeRange.To.Unix()
		}
		filter["created_at_unix"] = r
	}

	kinds := p.Kinds
	if len(kinds) == 0 {
		kinds = types.AllKinds
	}

	var merged []ScoredMemory
	for _, kind := range kinds {
		hits, err := e.vec.Search(ctx, kind.Collection(), res.Vector, limit+p.Offset, filter, 0)
		if err != nil {
			return nil, corerr.Wrap(corerr.KindStorageUnavailable, err, "semantic search failed")
		}
		for _, h := range hits {
			mem := types.FromPayload(h.Payload)
			merged = append(merged, ScoredMemory{Memory: mem, Score: h.Score})
		}
	}

	sort.Slice(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })

	if p.Offset >= len(merged) {
		return nil, nil
	}
	end := p.Offset + limit
	if end > len(merged) {
		end = len(merged)
	}
	return merged[p.Offset:end], nil
}

// GetRelated is a thin wrapper over GraphStore.GetRelated.
func (e *Engine) GetRelated(ctx context.Context, entityID string, relTypes []types.RelationshipType, direction types.Direction, depth, limit int) ([]types.RelatedNode, error) {
	if depth < 1 {
		depth = 1
	}
	nodes, err := e.graph.GetRelated(ctx, entityID, relTypes, direction, depth, limit)
	if err != nil {
		return nil, corerr.Wrap(corerr.KindStorageUnavailable, err, "graph traversal failed")
	}
	return nodes, nil
}

// ValidateReadOnlyQuery rejects any externally supplied graph query that
// could write, using the Cypher-aware lexer in internal/storage/neo4j.
func ValidateReadOnlyQuery(query string) error {
	if err := neo4j.ValidateReadOnly(query); err != nil {
		return corerr.Wrap(corerr.KindValidation, err, "query rejected by read-only validator")
	}
	return nil
}

// ExecuteGraphQuery validates then executes a read-only Cypher query; a
// rejected query never reaches the store.
func (e *Engine) ExecuteGraphQuery(ctx context.Context, query string, parameters map[string]interface{}) ([]map[string]interface{}, error) {
	if err := ValidateReadOnlyQuery(query); err != nil {
		return nil, err
	}
	rows, err := e.graph.ExecuteCypher(ctx, query, parameters)
	if err != nil {
		return nil, corerr.Wrap(corerr.KindStorageUnavailable, err, "graph query execution failed")
	}
	return rows, nil
}

// Plan is the hybrid planner's chosen strategy.
type Plan string

const (
	PlanVectorOnly  Plan = "VectorOnly"
	PlanGraphOnly   Plan = "GraphOnly"
	PlanVectorFirst Plan = "VectorFirst"
	PlanGraphFirst  Plan = "GraphFirst"
)

var entityCuePattern = regexp.MustCompile(`(?i)\b(related to|depends on|calls|import|implements|extends)\b`)

// ChoosePlan picks the hybrid strategy: vector-only without relationship
// cues, graph-first for short entity-flavored queries, vector-first
// otherwise. hasRelationshipFilter indicates the caller supplied explicit
// relationship types.
func ChoosePlan(query string, hasRelationshipFilter bool) Plan {
	cues := entityCuePattern.MatchString(query) || hasRelationshipFilter
	if !cues {
		return PlanVectorOnly
	}
	tokens := len(strings.Fields(query))
	if tokens < 3 {
		return PlanGraphFirst
	}
	return PlanVectorFirst
}

// HybridSearchParams collects hybrid_search's inputs.
type HybridSearchParams struct {
	Query            string
	RelationshipTypes []types.RelationshipType
	Kinds            []types.MemoryKind
	Limit            int
}

// HybridSearch dispatches to the plan chosen by ChoosePlan.
func (e *Engine) HybridSearch(ctx context.Context, p HybridSearchParams) ([]ScoredMemory, Plan, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	plan := ChoosePlan(p.Query, len(p.RelationshipTypes) > 0)

	switch plan {
	case PlanVectorFirst:
		results, err := e.vectorFirst(ctx, p, limit)
		return results, plan, err
	case PlanGraphFirst:
		results, err := e.graphFirst(ctx, p, limit)
		return results, plan, err
	default:
		results, err := e.SemanticSearch(ctx, SemanticSearchParams{Query: p.Query, Kinds: p.Kinds, Limit: limit})
		return results, PlanVectorOnly, err
	}
}

// vectorFirst runs semantic_search with an inflated limit, then expands
// from the top half via a single 1-hop traversal.
func (e *Engine) vectorFirst(ctx context.Context, p HybridSearchParams, limit int) ([]ScoredMemory, error) {
	base, err := e.SemanticSearch(ctx, SemanticSearchParams{Query: p.Query, Kinds: p.Kinds, Limit: limit * 2})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(base))
	merged := make([]ScoredMemory, 0, len(base))
	for _, r := range base {
		seen[string(r.Memory.ID)] = true
		merged = append(merged, r)
	}

	topHalf := base
	if len(topHalf) > len(topHalf)/2+1 {
		topHalf = topHalf[:len(topHalf)/2+1]
	}
	for _, parent := range topHalf {
		related, err := e.graph.GetRelated(ctx, string(parent.Memory.ID), p.RelationshipTypes, types.DirectionBoth, 1, limit)
		if err != nil {
			continue
		}
		for _, rel := range related {
			if seen[string(rel.ID)] {
				continue
			}
			seen[string(rel.ID)] = true
			m := types.FromPayload(rel.Properties)
			if m.Deleted {
				continue
			}
			merged = append(merged, ScoredMemory{Memory: m, Score: parent.Score * 0.8})
		}
	}

	sort.Slice(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

// graphFirst runs a content-contains MATCH, then enriches each hit with
// cosine similarity from its stored vector; hits with no stored vector
// score 0.5.
func (e *Engine) graphFirst(ctx context.Context, p HybridSearchParams, limit int) ([]ScoredMemory, error) {
	query := "MATCH (n:Memory) WHERE n.content CONTAINS $q OR n.title CONTAINS $q RETURN n LIMIT $limit"
	rows, err := e.ExecuteGraphQuery(ctx, query, map[string]interface{}{"q": p.Query, "limit": limit})
	if err != nil {
		return nil, err
	}

	queryVec, err := e.embedder.Embed(ctx, p.Query)
	if err != nil {
		return nil, err
	}

	results := make([]ScoredMemory, 0, len(rows))
	for _, row := range rows {
		props, _ := row["n"].(map[string]interface{})
		if props == nil {
			props = row
		}
		mem := types.FromPayload(props)
		if mem.Deleted {
			continue
		}
		score := 0.5
		if len(mem.Embedding) == types.VectorDimension {
			score = cosineSimilarity(queryVec.Vector, mem.Embedding)
		}
		results = append(results, ScoredMemory{Memory: mem, Score: score})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Rank combines similarity, importance, recency, and access frequency into
// one score. Similarity carries half the weight.
func Rank(similarity, importance float64, recencyDays float64, accessCount uint64) float64 {
	recency := 1 - recencyDays/365
	if recency < 0 {
		recency = 0
	}
	access := math.Log(float64(accessCount)+1) / math.Log(101)
	if access > 1 {
		access = 1
	}
	return 0.50*similarity + 0.25*importance + 0.15*recency + 0.10*access
}
