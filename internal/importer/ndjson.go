// Package importer implements the export_memory/import_memory exchange
// format: newline-delimited JSON, one memory per line, with the
// embedding stripped on export and regenerated on import. It also ingests
// Markdown documents with YAML frontmatter (markdown.go) so existing project
// notes can be pulled into the memory service without hand-writing JSON.
package importer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/scrypster/memento/internal/memory"
	"github.com/scrypster/memento/internal/storage"
	"github.com/scrypster/memento/pkg/types"
)

// ConflictResolution selects import behavior when a record's id already
// exists.
type ConflictResolution string

const (
	ResolutionSkip      ConflictResolution = "skip"
	ResolutionOverwrite ConflictResolution = "overwrite"
	ResolutionError     ConflictResolution = "error"
)

// Exchange bundles the stores and manager needed by export and import.
type Exchange struct {
	vec     storage.VectorStore
	manager *memory.Manager
}

func New(vec storage.VectorStore, manager *memory.Manager) *Exchange {
	return &Exchange{vec: vec, manager: manager}
}

// Export writes every live memory of the requested kinds (all kinds when
// empty) matching filter to w as NDJSON, one record per line with the
// embedding stripped. Returns the record count.
func (e *Exchange) Export(ctx context.Context, kinds []types.MemoryKind, filter storage.Filter, w io.Writer) (int, error) {
	records, err := e.collect(ctx, kinds, filter, 0)
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(w)
	for _, mem := range records {
		if err := enc.Encode(mem); err != nil {
			return 0, fmt.Errorf("importer: encode record %s: %w", mem.ID, err)
		}
	}
	return len(records), nil
}

// Sample returns up to max exported records as in-memory values, the
// no-output_path branch of export_memory.
func (e *Exchange) Sample(ctx context.Context, kinds []types.MemoryKind, filter storage.Filter, max int) ([]*types.BaseMemory, int, error) {
	records, err := e.collect(ctx, kinds, filter, 0)
	if err != nil {
		return nil, 0, err
	}
	total := len(records)
	if max > 0 && len(records) > max {
		records = records[:max]
	}
	return records, total, nil
}

func (e *Exchange) collect(ctx context.Context, kinds []types.MemoryKind, filter storage.Filter, limit int) ([]*types.BaseMemory, error) {
	if len(kinds) == 0 {
		kinds = types.AllKinds
	}
	full := storage.Filter{"deleted": false}
	for k, v := range filter {
		full[k] = v
	}
	var out []*types.BaseMemory
	for _, kind := range kinds {
		points, err := e.vec.Scroll(ctx, kind.Collection(), full, scrollPageSize, 0)
		if err != nil {
			return nil, fmt.Errorf("importer: scroll %s: %w", kind.Collection(), err)
		}
		for _, p := range points {
			mem := types.FromPayload(p.Payload)
			mem.Embedding = nil
			out = append(out, mem)
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
	}
	return out, nil
}

const scrollPageSize = 100000

// ImportResult is import_memory's outcome.
type ImportResult struct {
	Imported    int
	Skipped     int
	Overwritten int
	Errors      []string
}

// ImportReader ingests NDJSON records from r, applying resolution when a
// record's id already exists. Embeddings are always regenerated; a stored
// embedding field in the input is ignored. Malformed lines are
// recorded as errors and do not abort the run.
func (e *Exchange) ImportReader(ctx context.Context, r io.Reader, resolution ConflictResolution) (ImportResult, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)

	var records []map[string]interface{}
	lineNo := 0
	var result ImportResult
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec map[string]interface{}
		if err := json.Unmarshal(line, &rec); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", lineNo, err))
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("importer: read input: %w", err)
	}
	e.importRecords(ctx, records, resolution, &result)
	return result, nil
}

// ImportData ingests records already decoded from the tool call's `data`
// argument.
func (e *Exchange) ImportData(ctx context.Context, data []interface{}, resolution ConflictResolution) ImportResult {
	var result ImportResult
	records := make([]map[string]interface{}, 0, len(data))
	for i, raw := range data {
		rec, ok := raw.(map[string]interface{})
		if !ok {
			result.Errors = append(result.Errors, fmt.Sprintf("record %d: not an object", i))
			continue
		}
		records = append(records, rec)
	}
	e.importRecords(ctx, records, resolution, &result)
	return result
}

func (e *Exchange) importRecords(ctx context.Context, records []map[string]interface{}, resolution ConflictResolution, result *ImportResult) {
	if resolution == "" {
		resolution = ResolutionSkip
	}
	for i, rec := range records {
		mem := types.FromPayload(rec)
		mem.Embedding = nil
		if !mem.Kind.IsValid() {
			result.Errors = append(result.Errors, fmt.Sprintf("record %d: unrecognized kind %q", i, mem.Kind))
			continue
		}

		exists := false
		if mem.ID != "" {
			if _, err := e.vec.Get(ctx, mem.Kind.Collection(), string(mem.ID), false); err == nil {
				exists = true
			}
		}

		switch {
		case exists && resolution == ResolutionSkip:
			result.Skipped++
			continue
		case exists && resolution == ResolutionError:
			result.Errors = append(result.Errors, fmt.Sprintf("record %d: id %s already exists", i, mem.ID))
			continue
		}

		if _, err := e.manager.Add(ctx, mem, false, true); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("record %d: %v", i, err))
			continue
		}
		if exists {
			result.Overwritten++
		} else {
			result.Imported++
		}
	}
}
