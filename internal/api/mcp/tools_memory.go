package mcp

import (
	"context"
	"time"

	"github.com/scrypster/memento/internal/corerr"
	"github.com/scrypster/memento/internal/memory"
	"github.com/scrypster/memento/pkg/types"
)

// memoryFromArgs builds a typed memory from the flat tool-call arguments.
// Per-kind fields sit at the top level of the arguments object; anything
// under `metadata` is carried as-is. Domain validation happens later in
// MemoryManager.Add via types.BaseMemory.Validate.
func memoryFromArgs(kind types.MemoryKind, args map[string]interface{}) *types.BaseMemory {
	mem := &types.BaseMemory{
		Kind:    kind,
		Content: argString(args, "content"),
	}
	if id := argString(args, "memory_id"); id != "" {
		mem.ID = types.MemoryID(id)
	}
	if md, ok := args["metadata"].(map[string]interface{}); ok {
		mem.Metadata = md
	}

	mem.RequirementID = argString(args, "requirement_id")
	mem.Title = argString(args, "title")
	mem.Description = argString(args, "description")
	mem.SourceDocument = argString(args, "source_document")
	mem.Priority = argString(args, "priority")
	mem.Status = argString(args, "status")
	mem.DesignType = argString(args, "design_type")
	mem.Decision = argString(args, "decision")
	mem.Rationale = argString(args, "rationale")
	mem.PatternName = argString(args, "pattern_name")
	mem.PatternType = argString(args, "pattern_type")
	mem.Language = argString(args, "language")
	mem.CodeTemplate = argString(args, "code_template")
	mem.UsageContext = argString(args, "usage_context")
	mem.ComponentID = argString(args, "component_id")
	mem.ComponentType = argString(args, "component_type")
	mem.Name = argString(args, "name")
	mem.FilePath = argString(args, "file_path")
	mem.Version = argString(args, "version")
	mem.Signature = argString(args, "signature")
	mem.TestName = argString(args, "test_name")
	mem.TestFile = argString(args, "test_file")
	mem.FixCommit = argString(args, "fix_commit")
	mem.Summary = argString(args, "summary")
	mem.Category = argString(args, "category")
	mem.Scope = argString(args, "scope")
	mem.Key = argString(args, "key")
	if v, ok := args["value"]; ok {
		mem.Value = v
	}
	if pi, ok := args["public_interface"].(map[string]interface{}); ok {
		mem.PublicInterface = pi
	}
	if cc := argString(args, "containing_class"); cc != "" {
		mem.ContainingClass = types.MemoryID(cc)
	}
	mem.StartLine = argInt(args, "start_line", 0)
	mem.EndLine = argInt(args, "end_line", 0)
	mem.ExecutionTime = argFloat(args, "execution_time", 0)
	if v, ok := asNumber(args["design_alignment_score"]); ok {
		mem.DesignAlignmentScore = &v
	}
	if t := argTime(args, "start_time"); t != nil {
		mem.StartTime = t
	}
	if t := argTime(args, "end_time"); t != nil {
		mem.EndTime = t
	}
	return mem
}

func (s *Server) handleMemoryAdd(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	kind := types.MemoryKind(argString(args, "memory_type"))
	mem := memoryFromArgs(kind, args)
	checkConflicts := argBool(args, "check_conflicts", true)

	conflicts, err := s.deps.Manager.Add(ctx, mem, checkConflicts, true)
	if err != nil {
		return nil, err
	}

	if rels, ok := args["relationships"].([]interface{}); ok {
		for _, raw := range rels {
			rel, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			target := argString(rel, "target_id")
			relType := types.RelationshipType(argString(rel, "type"))
			if target == "" || relType == "" {
				continue
			}
			props, _ := rel["properties"].(map[string]interface{})
			if err := s.deps.Graph.CreateRelationship(ctx, string(mem.ID), target, relType, props); err != nil {
				s.log.Debug("memory_add: relationship skipped", "target", target, "type", relType, "error", err)
			}
		}
	}

	result := map[string]interface{}{
		"memory_id":   string(mem.ID),
		"memory_type": string(kind),
		"status":      "created",
	}
	if len(conflicts) > 0 {
		result["conflicts"] = conflictList(conflicts)
	}
	return result, nil
}

func conflictList(conflicts []memory.Conflict) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(conflicts))
	for _, c := range conflicts {
		out = append(out, map[string]interface{}{"id": string(c.ID), "score": c.Score})
	}
	return out
}

func (s *Server) handleMemoryUpdate(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	id := types.MemoryID(argString(args, "memory_id"))
	kind := types.MemoryKind(argString(args, "memory_type"))
	regenerate := argBool(args, "regenerate_embedding", true)

	patch := memory.Patch{}
	for key, value := range args {
		switch key {
		case "memory_id", "memory_type", "regenerate_embedding":
		default:
			patch[key] = value
		}
	}

	updated, err := s.deps.Manager.Update(ctx, id, kind, patch, regenerate)
	if err != nil {
		if ce, ok := corerr.As(err); ok && ce.Kind == corerr.KindNotFound {
			return map[string]interface{}{"status": "not_found", "memory_id": string(id)}, nil
		}
		return nil, err
	}
	return map[string]interface{}{
		"status":     "updated",
		"memory_id":  string(updated.ID),
		"updated_at": updated.UpdatedAt.Format(time.RFC3339Nano),
	}, nil
}

func (s *Server) handleMemoryDelete(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	id := types.MemoryID(argString(args, "memory_id"))
	kind := types.MemoryKind(argString(args, "memory_type"))
	hard := argBool(args, "hard_delete", false)

	deleted, err := s.deps.Manager.Delete(ctx, id, kind, !hard)
	if err != nil {
		return nil, err
	}
	status := "deleted"
	if !deleted {
		status = "not_found"
	}
	return map[string]interface{}{
		"status":      status,
		"memory_id":   string(id),
		"hard_delete": hard,
	}, nil
}

func (s *Server) handleMemoryGet(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	id := types.MemoryID(argString(args, "memory_id"))
	kind := types.MemoryKind(argString(args, "memory_type"))

	mem, err := s.deps.Manager.Get(ctx, id, kind, false, true)
	if err != nil {
		if ce, ok := corerr.As(err); ok && ce.Kind == corerr.KindNotFound {
			return map[string]interface{}{"status": "not_found", "memory_id": string(id)}, nil
		}
		return nil, err
	}

	result := mem.ToPayload()
	if argBool(args, "include_relationships", false) {
		related, err := s.deps.Graph.GetRelated(ctx, string(id), nil, types.DirectionBoth, 1, 20)
		if err == nil {
			result["relationships"] = relatedList(related)
		}
	}
	return result, nil
}

func relatedList(related []types.RelatedNode) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(related))
	for _, r := range related {
		out = append(out, map[string]interface{}{
			"id":             string(r.ID),
			"labels":         r.Labels,
			"last_edge_type": string(r.LastEdgeType),
			"properties":     r.Properties,
		})
	}
	return out
}

func (s *Server) handleMemoryBulkAdd(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	raw, _ := args["memories"].([]interface{})
	items := make([]memory.BulkAddItem, 0, len(raw))
	var preErrors []string
	for _, entry := range raw {
		rec, ok := entry.(map[string]interface{})
		if !ok {
			preErrors = append(preErrors, "memory record must be an object")
			continue
		}
		kind := types.MemoryKind(argString(rec, "memory_type"))
		if !kind.IsValid() {
			preErrors = append(preErrors, "unrecognized memory_type")
			continue
		}
		items = append(items, memory.BulkAddItem{Memory: memoryFromArgs(kind, rec)})
	}

	checkConflicts := argBool(args, "check_conflicts", false)
	syncToGraph := argBool(args, "sync_to_graph", true)
	ids, bulkErrs := s.deps.Manager.BulkAdd(ctx, items, checkConflicts, syncToGraph)

	addedIDs := make([]string, 0, len(ids))
	failed := make(map[int]bool, len(bulkErrs))
	errStrs := preErrors
	for _, be := range bulkErrs {
		failed[be.Index] = true
		errStrs = append(errStrs, be.Err.Error())
	}
	for i, id := range ids {
		if id == "" || failed[i] {
			continue
		}
		addedIDs = append(addedIDs, string(id))
	}

	return map[string]interface{}{
		"added_count": len(addedIDs),
		"added_ids":   addedIDs,
		"errors":      errStrs,
	}, nil
}
