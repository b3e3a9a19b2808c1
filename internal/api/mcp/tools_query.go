package mcp

import (
	"context"

	"github.com/scrypster/memento/internal/query"
	"github.com/scrypster/memento/internal/storage"
	"github.com/scrypster/memento/pkg/types"
)

func scoredList(results []query.ScoredMemory) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(results))
	for _, r := range results {
		out = append(out, map[string]interface{}{
			"id":          string(r.Memory.ID),
			"memory_type": string(r.Memory.Kind),
			"content":     r.Memory.Content,
			"score":       r.Score,
			"payload":     r.Memory.ToPayload(),
		})
	}
	return out
}

func (s *Server) handleMemorySearch(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	kinds, err := argKinds(args, "memory_types")
	if err != nil {
		return nil, err
	}

	params := query.SemanticSearchParams{
		Query:  argString(args, "query"),
		Kinds:  kinds,
		Limit:  argInt(args, "limit", 0),
		Offset: argInt(args, "offset", 0),
	}
	if tr, ok := args["time_range"].(map[string]interface{}); ok {
		r := &query.TimeRange{}
		r.From = argTime(tr, "from")
		r.To = argTime(tr, "to")
		params.TimeRange = r
	}

	results, err := s.deps.Engine.SemanticSearch(ctx, params)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"results": scoredList(results)}, nil
}

func (s *Server) handleCodeSearch(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	params := query.SemanticSearchParams{
		Query: argString(args, "query"),
		Kinds: []types.MemoryKind{types.KindFunction, types.KindComponent},
		Limit: argInt(args, "limit", 0),
	}
	if lang := argString(args, "language"); lang != "" {
		params.Filters = storage.Filter{"language": lang}
	}

	results, err := s.deps.Engine.SemanticSearch(ctx, params)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"results": scoredList(results)}, nil
}

func (s *Server) handleGraphQuery(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	cypher := argString(args, "cypher")
	parameters, _ := args["parameters"].(map[string]interface{})

	rows, err := s.deps.Engine.ExecuteGraphQuery(ctx, cypher, parameters)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"records": rows, "count": len(rows)}, nil
}

// duplicateThreshold bounds for find_duplicates. Out-of-range
// values are clamped rather than rejected.
const (
	minDuplicateThreshold = 0.70
	maxDuplicateThreshold = 0.95
)

func (s *Server) handleFindDuplicates(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	code := argString(args, "code")
	threshold := argFloat(args, "threshold", 0.85)
	if threshold < minDuplicateThreshold {
		threshold = minDuplicateThreshold
	}
	if threshold > maxDuplicateThreshold {
		threshold = maxDuplicateThreshold
	}

	res, err := s.deps.Embedder.Embed(ctx, code)
	if err != nil {
		return nil, err
	}

	filter := storage.Filter{"deleted": false}
	if lang := argString(args, "language"); lang != "" {
		filter["language"] = lang
	}
	hits, err := s.deps.Vec.Search(ctx, types.KindFunction.Collection(), res.Vector, 10, filter, threshold)
	if err != nil {
		return nil, err
	}

	duplicates := make([]map[string]interface{}, 0, len(hits))
	for _, h := range hits {
		mem := types.FromPayload(h.Payload)
		duplicates = append(duplicates, map[string]interface{}{
			"id":         string(mem.ID),
			"score":      h.Score,
			"name":       mem.Name,
			"file_path":  mem.FilePath,
			"signature":  mem.Signature,
			"start_line": mem.StartLine,
			"end_line":   mem.EndLine,
		})
	}
	return map[string]interface{}{"duplicates": duplicates, "threshold": threshold}, nil
}

func (s *Server) handleGetRelated(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	entityID := argString(args, "entity_id")
	relTypes := argRelTypes(args, "relationship_types")
	direction := types.Direction(argString(args, "direction"))
	if direction == "" {
		direction = types.DirectionBoth
	}
	depth := argInt(args, "depth", 1)
	limit := argInt(args, "limit", 20)

	related, err := s.deps.Engine.GetRelated(ctx, entityID, relTypes, direction, depth, limit)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"related": relatedList(related)}, nil
}
