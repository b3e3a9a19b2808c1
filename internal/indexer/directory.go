package indexer

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/scrypster/memento/internal/jobs"
	"github.com/scrypster/memento/internal/storage"
	"github.com/scrypster/memento/pkg/types"
)

// DirectoryResult is the outcome of index_directory/reindex.
type DirectoryResult struct {
	Status            string
	FilesProcessed    int
	FilesSkipped      int
	FilesErrored      int
	FunctionsIndexed  int
	ComponentsIndexed int
	JobID             string
}

// IndexDirectory walks directoryPath respecting includeExtensions/exclude
// patterns, indexing each file and reporting progress/phase to the
// JobRegistry at scanning -> indexing -> relationships -> complete.
// Per-file failures do not abort the job.
func (ix *Indexer) IndexDirectory(ctx context.Context, directoryPath string, includeExtensions, exclude []string, force bool) (DirectoryResult, error) {
	absRoot, err := ix.ResolvePath(directoryPath)
	if err != nil {
		return DirectoryResult{}, err
	}

	jobID := ix.jobs.Create("index", map[string]interface{}{"directory_path": directoryPath, "force": force})
	running := jobs.StatusRunning
	scanPhase := "scanning"
	ix.jobs.Update(jobID, jobs.Update{Status: &running, Phase: &scanPhase})

	var files []string
	_ = filepath.Walk(absRoot, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil || info == nil || info.IsDir() {
			return nil
		}
		if !matchesExtension(path, includeExtensions) {
			return nil
		}
		if matchesExclude(path, exclude) {
			return nil
		}
		files = append(files, path)
		return nil
	})

	result := DirectoryResult{Status: "completed", JobID: jobID}
	indexPhase := "indexing"
	ix.jobs.Update(jobID, jobs.Update{Phase: &indexPhase, Progress: intPtr(0)})

	for i, path := range files {
		if err := ctx.Err(); err != nil {
			failed := jobs.StatusFailed
			errStr := err.Error()
			ix.jobs.Update(jobID, jobs.Update{Status: &failed, Error: &errStr})
			result.Status = "cancelled"
			return result, nil
		}

		fr, err := ix.IndexFile(ctx, path, force)
		switch {
		case err != nil:
			result.FilesErrored++
		case fr.Status == "skipped":
			result.FilesSkipped++
		case fr.Status == "error":
			result.FilesErrored++
		default:
			result.FilesProcessed++
			result.FunctionsIndexed += fr.FunctionsIndexed
			result.ComponentsIndexed += fr.ComponentsIndexed
		}

		progress := 0
		if len(files) > 0 {
			progress = int(float64(i+1) / float64(len(files)) * 90)
		}
		ix.jobs.Update(jobID, jobs.Update{Progress: intPtr(progress)})
	}

	relPhase := "relationships"
	ix.jobs.Update(jobID, jobs.Update{Phase: &relPhase, Progress: intPtr(95)})
	ix.materializeCallsForFunctions(ctx)

	completePhase := "complete"
	completed := jobs.StatusCompleted
	ix.jobs.Update(jobID, jobs.Update{Status: &completed, Phase: &completePhase, Progress: intPtr(100), Result: result})

	return result, nil
}

// materializeCallsForFunctions builds the function_name -> id map across
// every indexed Function memory and resolves any recorded call_names.
// This is best-effort: a parser that never surfaces call
// names simply produces no CALLS edges.
func (ix *Indexer) materializeCallsForFunctions(ctx context.Context) {
	points, err := ix.vec.Scroll(ctx, types.KindFunction.Collection(), storage.Filter{"deleted": false}, 10000, 0)
	if err != nil {
		return
	}
	byName := make(map[string]types.MemoryID, len(points))
	calls := make(map[types.MemoryID][]string)
	for _, p := range points {
		mem := types.FromPayload(p.Payload)
		byName[mem.Name] = mem.ID
		if md, ok := p.Payload["metadata"].(map[string]interface{}); ok {
			if names, ok := md["call_names"].([]interface{}); ok {
				for _, n := range names {
					if s, ok := n.(string); ok {
						calls[mem.ID] = append(calls[mem.ID], s)
					}
				}
			}
		}
	}
	ix.MaterializeCalls(ctx, byName, calls)
}

// ClearIndex hard-deletes all VectorStore points the Indexer created
// (metadata source="indexer") in the Function and Component collections,
// and clears the file-hash table.
func (ix *Indexer) ClearIndex(ctx context.Context) error {
	for _, kind := range []types.MemoryKind{types.KindFunction, types.KindComponent} {
		// The tag sits inside the nested metadata map, which a Filter key
		// cannot address, so matching rows are picked out here.
		points, err := ix.vec.Scroll(ctx, kind.Collection(), storage.Filter{}, 1<<30, 0)
		if err != nil {
			return err
		}
		for _, p := range points {
			meta, _ := p.Payload["metadata"].(map[string]interface{})
			if meta[sourceMetadataKey] != sourceMetadataValue {
				continue
			}
			if err := ix.vec.Delete(ctx, kind.Collection(), p.ID); err != nil {
				return err
			}
		}
	}
	ix.mu.Lock()
	ix.hashes = make(map[string]string)
	ix.mu.Unlock()
	return nil
}

func matchesExtension(path string, exts []string) bool {
	if len(exts) == 0 {
		return strings.HasSuffix(path, ".py") || strings.HasSuffix(path, ".go")
	}
	ext := filepath.Ext(path)
	for _, e := range exts {
		if e == ext || e == strings.TrimPrefix(ext, ".") {
			return true
		}
	}
	return false
}

func matchesExclude(path string, patterns []string) bool {
	for _, pat := range patterns {
		if matched, _ := filepath.Match(pat, filepath.Base(path)); matched {
			return true
		}
		if strings.Contains(path, pat) {
			return true
		}
	}
	return false
}

func intPtr(i int) *int { return &i }
