package mcp

import (
	"context"
	"fmt"

	"github.com/scrypster/memento/internal/corerr"
	"github.com/scrypster/memento/internal/query"
	"github.com/scrypster/memento/internal/storage"
	"github.com/scrypster/memento/pkg/types"
)

// lookupByField returns the first live memory of kind whose payload field
// equals value, or nil.
func (s *Server) lookupByField(ctx context.Context, kind types.MemoryKind, field, value string) (*types.BaseMemory, error) {
	points, err := s.deps.Vec.Scroll(ctx, kind.Collection(), storage.Filter{field: value, "deleted": false}, 1, 0)
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, nil
	}
	return types.FromPayload(points[0].Payload), nil
}

func (s *Server) handleCheckConsistency(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	componentID := argString(args, "component_id")
	component, err := s.lookupByField(ctx, types.KindComponent, "component_id", componentID)
	if err != nil {
		return nil, err
	}
	if component == nil {
		return map[string]interface{}{"status": "not_found", "component_id": componentID}, nil
	}

	score := 1.0
	var issues []string

	if component.SyncStatus != types.SyncSynced {
		score -= 0.2
		issues = append(issues, fmt.Sprintf("component %s has sync_status=%s", component.ID, component.SyncStatus))
	}
	exists, err := s.deps.Graph.NodeExists(ctx, string(component.ID))
	if err == nil && !exists {
		score -= 0.3
		issues = append(issues, fmt.Sprintf("component %s has no graph node", component.ID))
	}

	// Live member functions whose containing_class points at this component
	// are expected in the component's own file; one declared elsewhere means
	// the index and the component definition have drifted apart.
	functions, err := s.deps.Vec.Scroll(ctx, types.KindFunction.Collection(),
		storage.Filter{"containing_class": string(component.ID), "deleted": false}, 1000, 0)
	if err == nil {
		for _, p := range functions {
			fn := types.FromPayload(p.Payload)
			if fn.FilePath != component.FilePath {
				score -= 0.05
				issues = append(issues, fmt.Sprintf("function %s lives in %s but its component is declared in %s", fn.Name, fn.FilePath, component.FilePath))
			}
		}
	}

	// Recent failing tests that name the component count against it.
	tests, err := s.deps.Vec.Scroll(ctx, types.KindTestHistory.Collection(),
		storage.Filter{"deleted": false, "status": "Failed", "test_name": storage.Contains{Value: component.Name}}, 20, 0)
	if err == nil && len(tests) > 0 {
		score -= 0.1 * float64(len(tests))
		issues = append(issues, fmt.Sprintf("%d failing tests reference %s", len(tests), component.Name))
	}

	if score < 0 {
		score = 0
	}
	result := map[string]interface{}{
		"component_id":      componentID,
		"memory_id":         string(component.ID),
		"consistency_score": score,
	}
	if len(issues) > 0 {
		result["issues"] = issues
	}
	return result, nil
}

func (s *Server) handleValidateFix(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	description := argString(args, "fix_description")

	// Fix descriptions frequently reference entities ("X calls Y", "depends
	// on Z"), so evidence gathering goes through the hybrid planner rather
	// than plain semantic search.
	evidence, plan, err := s.deps.Engine.HybridSearch(ctx, query.HybridSearchParams{
		Query: description,
		Kinds: []types.MemoryKind{types.KindDesign, types.KindCodePattern, types.KindRequirements},
		Limit: 5,
	})
	if err != nil {
		return nil, err
	}

	result := map[string]interface{}{
		"evidence": scoredList(evidence),
		"strategy": string(plan),
	}

	if componentID := argString(args, "affected_component"); componentID != "" {
		component, err := s.lookupByField(ctx, types.KindComponent, "component_id", componentID)
		if err != nil {
			return nil, err
		}
		if component != nil {
			entry := map[string]interface{}{
				"memory_id":        string(component.ID),
				"component_id":     component.ComponentID,
				"name":             component.Name,
				"file_path":        component.FilePath,
				"public_interface": component.PublicInterface,
			}
			related, err := s.deps.Graph.GetRelated(ctx, string(component.ID),
				[]types.RelationshipType{types.RelImplements, types.RelDependsOn, types.RelReferences},
				types.DirectionBoth, 1, 20)
			if err == nil && len(related) > 0 {
				entry["related"] = relatedList(related)
			}
			result["affected_component"] = entry
		}
	}

	if reqIDs := argStringSlice(args, "related_requirements"); len(reqIDs) > 0 {
		requirements := make([]map[string]interface{}, 0, len(reqIDs))
		for _, reqID := range reqIDs {
			req, err := s.lookupByField(ctx, types.KindRequirements, "requirement_id", reqID)
			if err != nil {
				return nil, err
			}
			if req == nil {
				requirements = append(requirements, map[string]interface{}{"requirement_id": reqID, "status": "not_found"})
				continue
			}
			requirements = append(requirements, req.ToPayload())
		}
		result["requirements"] = requirements
	}
	return result, nil
}

func (s *Server) handleGetDesignContext(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	componentID := argString(args, "component_id")
	text := argString(args, "query")
	if componentID == "" && text == "" {
		return nil, corerr.Field("component_id", "either component_id or query is required")
	}

	result := map[string]interface{}{}
	if componentID != "" {
		component, err := s.lookupByField(ctx, types.KindComponent, "component_id", componentID)
		if err != nil {
			return nil, err
		}
		if component == nil {
			return map[string]interface{}{"status": "not_found", "component_id": componentID}, nil
		}
		result["component"] = component.ToPayload()
		if text == "" {
			text = component.Name + " " + component.Content
		}
	}

	grouped := map[types.MemoryKind]string{
		types.KindRequirements: "requirements",
		types.KindDesign:       "designs",
		types.KindCodePattern:  "patterns",
	}
	// Grouped in a stable order: requirements, then designs, then patterns.
	for _, kind := range []types.MemoryKind{types.KindRequirements, types.KindDesign, types.KindCodePattern} {
		hits, err := s.deps.Engine.SemanticSearch(ctx, query.SemanticSearchParams{
			Query: text,
			Kinds: []types.MemoryKind{kind},
			Limit: 5,
		})
		if err != nil {
			return nil, err
		}
		result[grouped[kind]] = scoredList(hits)
	}
	return result, nil
}

func (s *Server) handleTraceRequirements(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	reqID := argString(args, "requirement_id")
	direction := argString(args, "direction")
	if direction == "" {
		direction = "forward"
	}

	req, err := s.lookupByField(ctx, types.KindRequirements, "requirement_id", reqID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return map[string]interface{}{"status": "not_found", "requirement_id": reqID}, nil
	}

	// Forward: the components/functions that IMPLEMENT the requirement (the
	// edge points at the requirement, so implementations arrive inbound).
	// Backward: what the requirement itself derives from or supersedes.
	dir := types.DirectionIncoming
	if direction == "backward" {
		dir = types.DirectionOutgoing
	}
	implementations, err := s.deps.Graph.GetRelated(ctx, string(req.ID),
		[]types.RelationshipType{types.RelImplements, types.RelDerivedFrom, types.RelSupersedes},
		dir, 2, 50)
	if err != nil {
		return nil, err
	}

	// Tests covering each implementation arrive via TESTS edges.
	var tests []types.RelatedNode
	for _, impl := range implementations {
		covered, err := s.deps.Graph.GetRelated(ctx, string(impl.ID),
			[]types.RelationshipType{types.RelTests}, types.DirectionIncoming, 1, 20)
		if err != nil {
			continue
		}
		tests = append(tests, covered...)
	}

	return map[string]interface{}{
		"requirement":     req.ToPayload(),
		"direction":       direction,
		"implementations": relatedList(implementations),
		"tests":           relatedList(tests),
	}, nil
}
