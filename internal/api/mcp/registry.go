package mcp

// registerTools builds the tool registry. Registration order is the order
// tools/list reports.
func (s *Server) registerTools() {
	obj := func(required []string, props map[string]interface{}) map[string]interface{} {
		schema := map[string]interface{}{"type": "object", "properties": props}
		if len(required) > 0 {
			schema["required"] = required
		}
		return schema
	}
	str := func(desc string) map[string]interface{} {
		return map[string]interface{}{"type": "string", "description": desc}
	}
	boolean := func(desc string) map[string]interface{} {
		return map[string]interface{}{"type": "boolean", "description": desc}
	}
	integer := func(desc string) map[string]interface{} {
		return map[string]interface{}{"type": "integer", "description": desc}
	}
	number := func(desc string) map[string]interface{} {
		return map[string]interface{}{"type": "number", "description": desc}
	}
	array := func(desc string, items map[string]interface{}) map[string]interface{} {
		return map[string]interface{}{"type": "array", "items": items, "description": desc}
	}
	object := func(desc string) map[string]interface{} {
		return map[string]interface{}{"type": "object", "description": desc}
	}
	enum := func(desc string, values []string) map[string]interface{} {
		return map[string]interface{}{"type": "string", "enum": values, "description": desc}
	}
	memoryType := enum("Memory type discriminator", kindEnum)

	s.register(toolDef{
		Name:        "memory_add",
		Description: "Store a typed memory. Embeds the content, checks for near-duplicate conflicts, writes to the vector store and graph store, and optionally creates relationships to existing memories.",
		InputSchema: obj([]string{"memory_type", "content"}, map[string]interface{}{
			"memory_type":     memoryType,
			"content":         str("Primary content; the embedding input (required)"),
			"metadata":        object("Free-form metadata key/value pairs"),
			"check_conflicts": boolean("Search for near-duplicates before storing (default true)"),
			"relationships":   array("Edges to create from the new memory: [{target_id, type, properties?}]", object("")),
		}),
		Handler: s.handleMemoryAdd,
	})
	s.register(toolDef{
		Name:        "memory_update",
		Description: "Patch an existing memory. Re-embeds only when the content changed; always advances updated_at.",
		InputSchema: obj([]string{"memory_id", "memory_type"}, map[string]interface{}{
			"memory_id":            str("Memory id (required)"),
			"memory_type":          memoryType,
			"content":              str("Replacement content"),
			"metadata":             object("Metadata keys to merge"),
			"regenerate_embedding": boolean("Re-embed when content changed (default true)"),
		}),
		Handler: s.handleMemoryUpdate,
	})
	s.register(toolDef{
		Name:        "memory_delete",
		Description: "Delete a memory. Default is a reversible soft delete; hard_delete removes the row and detach-deletes the graph node.",
		InputSchema: obj([]string{"memory_id", "memory_type"}, map[string]interface{}{
			"memory_id":   str("Memory id (required)"),
			"memory_type": memoryType,
			"hard_delete": boolean("Permanently remove from both stores (default false)"),
		}),
		Handler: s.handleMemoryDelete,
	})
	s.register(toolDef{
		Name:        "memory_get",
		Description: "Fetch a memory by id, tracking the access. Optionally includes its 1-hop graph relationships.",
		InputSchema: obj([]string{"memory_id", "memory_type"}, map[string]interface{}{
			"memory_id":             str("Memory id (required)"),
			"memory_type":           memoryType,
			"include_relationships": boolean("Attach 1-hop related nodes (default false)"),
		}),
		Handler: s.handleMemoryGet,
	})
	s.register(toolDef{
		Name:        "memory_bulk_add",
		Description: "Ingest many memories at once. Groups by type, batches embedding calls, and upserts per-type batches; graph sync failures are queued for the drainer rather than failing the call.",
		InputSchema: obj([]string{"memories"}, map[string]interface{}{
			"memories":        array("Memory records, each with memory_type, content, and per-type fields", object("")),
			"check_conflicts": boolean("Run conflict detection per record (default false)"),
			"sync_to_graph":   boolean("Create graph nodes (default true)"),
		}),
		Handler: s.handleMemoryBulkAdd,
	})
	s.register(toolDef{
		Name:        "memory_search",
		Description: "Semantic search over memories, optionally restricted by type and creation-time range. Soft-deleted memories never appear.",
		InputSchema: obj([]string{"query"}, map[string]interface{}{
			"query":        str("Natural-language query (required)"),
			"memory_types": array("Restrict to these memory types", memoryType),
			"time_range":   object("{from, to} RFC-3339 bounds on created_at"),
			"limit":        integer("Max results (default 10, max 100)"),
			"offset":       integer("Pagination offset"),
		}),
		Handler: s.handleMemorySearch,
	})
	s.register(toolDef{
		Name:        "code_search",
		Description: "Semantic search restricted to indexed functions and components, optionally filtered by language.",
		InputSchema: obj([]string{"query"}, map[string]interface{}{
			"query":    str("Natural-language or code query (required)"),
			"language": str("Restrict to this source language"),
			"limit":    integer("Max results (default 10)"),
		}),
		Handler: s.handleCodeSearch,
	})
	s.register(toolDef{
		Name:        "graph_query",
		Description: "Run a read-only Cypher query against the memory graph. Write clauses are rejected before the query reaches the store.",
		InputSchema: obj([]string{"cypher"}, map[string]interface{}{
			"cypher":     str("Read-only Cypher query (required)"),
			"parameters": object("Query parameters"),
		}),
		Handler: s.handleGraphQuery,
	})
	s.register(toolDef{
		Name:        "find_duplicates",
		Description: "Find indexed functions whose embedding is close to the given code snippet. The similarity threshold is clamped to [0.7, 0.95].",
		InputSchema: obj([]string{"code"}, map[string]interface{}{
			"code":      str("Code snippet to match (required)"),
			"language":  str("Restrict to this source language"),
			"threshold": number("Similarity threshold, clamped to [0.7, 0.95] (default 0.85)"),
		}),
		Handler: s.handleFindDuplicates,
	})
	s.register(toolDef{
		Name:        "get_related",
		Description: "Traverse typed relationships from a memory, breadth-bounded by depth and limit.",
		InputSchema: obj([]string{"entity_id"}, map[string]interface{}{
			"entity_id":          str("Start memory id (required)"),
			"relationship_types": array("Restrict traversal to these edge types", str("")),
			"direction":          enum("Traversal direction", []string{"outgoing", "incoming", "both"}),
			"depth": map[string]interface{}{
				"type": "integer", "minimum": 1, "maximum": 5,
				"description": "Traversal depth, 1-5 (default 1)",
			},
			"limit": integer("Max results (default 20)"),
		}),
		Handler: s.handleGetRelated,
	})
	s.register(toolDef{
		Name:        "index_file",
		Description: "Parse one source file into function and component memories. Skipped when the content hash is unchanged unless force is set.",
		InputSchema: obj([]string{"file_path"}, map[string]interface{}{
			"file_path": str("File path inside the project root (required)"),
			"force":     boolean("Re-index even when the content hash matches (default false)"),
		}),
		Handler: s.handleIndexFile,
	})
	s.register(toolDef{
		Name:        "index_directory",
		Description: "Walk a directory and index every matching source file, reporting progress to the job registry. Per-file failures don't abort the run.",
		InputSchema: obj([]string{"directory_path"}, map[string]interface{}{
			"directory_path": str("Directory inside the project root (required)"),
			"extensions":     array("Include only these extensions (default .py/.go)", str("")),
			"exclude":        array("Exclude paths matching these patterns", str("")),
			"force":          boolean("Re-index unchanged files too (default false)"),
		}),
		Handler: s.handleIndexDirectory,
	})
	s.register(toolDef{
		Name:        "index_status",
		Description: "Report an indexing job's record by id, or aggregate index counts plus recent jobs.",
		InputSchema: obj(nil, map[string]interface{}{
			"job_id": str("Job id to look up"),
		}),
		Handler: s.handleIndexStatus,
	})
	s.register(toolDef{
		Name:        "reindex",
		Description: "Re-run directory indexing. scope=changed (default) only processes files whose content hash moved; scope=full re-indexes everything.",
		InputSchema: obj([]string{"directory_path"}, map[string]interface{}{
			"directory_path": str("Directory inside the project root (required)"),
			"scope":          enum("Reindex scope", []string{"full", "changed"}),
			"extensions":     array("Include only these extensions", str("")),
			"exclude":        array("Exclude paths matching these patterns", str("")),
		}),
		Handler: s.handleReindex,
	})
	s.register(toolDef{
		Name:        "normalize_memory",
		Description: "Run the normalization pipeline (snapshot, deduplication, orphan detection, embedding refresh, retention cleanup, validation, swap) or a sublist of phases. dry_run reports counts without mutating anything.",
		InputSchema: obj(nil, map[string]interface{}{
			"phases":  array("Restrict to these phases; canonical order is preserved", str("")),
			"dry_run": boolean("Count candidates without mutating (default false)"),
		}),
		Handler: s.handleNormalizeMemory,
	})
	s.register(toolDef{
		Name:        "normalize_status",
		Description: "Report a normalization job's record by id, or whether a normalization run is currently in flight.",
		InputSchema: obj(nil, map[string]interface{}{
			"job_id": str("Job id to look up"),
		}),
		Handler: s.handleNormalizeStatus,
	})
	s.register(toolDef{
		Name:        "memory_statistics",
		Description: "Aggregate counts: live memories per type, sync status distribution, storage backend, and embedding cache size.",
		InputSchema: obj(nil, map[string]interface{}{}),
		Handler:     s.handleMemoryStatistics,
	})
	s.register(toolDef{
		Name:        "export_memory",
		Description: "Export memories as newline-delimited JSON with embeddings stripped. With output_path the file is written inside the project root; without it a sample (up to 100 records) is returned inline.",
		InputSchema: obj(nil, map[string]interface{}{
			"memory_types": array("Restrict to these memory types", memoryType),
			"filters":      object("Field equality filters applied to the payload"),
			"output_path":  str("Destination file inside the project root"),
		}),
		Handler: s.handleExportMemory,
	})
	s.register(toolDef{
		Name:        "import_memory",
		Description: "Import memories from an NDJSON export (input_path, .md files with YAML frontmatter are also accepted) or from inline data records. Embeddings are regenerated during import.",
		InputSchema: obj(nil, map[string]interface{}{
			"input_path":          str("Source file inside the project root"),
			"data":                array("Inline memory records", object("")),
			"conflict_resolution": enum("Behavior when a record's id already exists", []string{"skip", "overwrite", "error"}),
		}),
		Handler: s.handleImportMemory,
	})
	s.register(toolDef{
		Name:        "check_consistency",
		Description: "Score how consistent a component's stored state is: cross-store presence, sync status, member functions filed outside the component's file, and recent test failures.",
		InputSchema: obj([]string{"component_id"}, map[string]interface{}{
			"component_id": str("Component identifier (required)"),
		}),
		Handler: s.handleCheckConsistency,
	})
	s.register(toolDef{
		Name:        "validate_fix",
		Description: "Gather contextual evidence for a proposed fix: related designs, patterns, and requirements, plus the affected component's stored interface.",
		InputSchema: obj([]string{"fix_description"}, map[string]interface{}{
			"fix_description":      str("What the fix changes (required)"),
			"affected_component":   str("Component identifier the fix touches"),
			"related_requirements": array("Requirement ids (REQ-...) the fix should satisfy", str("")),
		}),
		Handler: s.handleValidateFix,
	})
	s.register(toolDef{
		Name:        "get_design_context",
		Description: "Collect the designs, code patterns, and requirements relevant to a component or a free-text query, grouped by type.",
		InputSchema: obj(nil, map[string]interface{}{
			"component_id": str("Component identifier to contextualize"),
			"query":        str("Free-text query when no component is given"),
		}),
		Handler: s.handleGetDesignContext,
	})
	s.register(toolDef{
		Name:        "trace_requirements",
		Description: "Trace a requirement to the components that implement it and the tests that cover those implementations.",
		InputSchema: obj([]string{"requirement_id"}, map[string]interface{}{
			"requirement_id": str("Requirement id, REQ-... (required)"),
			"direction":      enum("Trace direction", []string{"forward", "backward"}),
		}),
		Handler: s.handleTraceRequirements,
	})
}
