package mcp

import (
	"context"
	"os"
	"strings"

	"github.com/scrypster/memento/internal/corerr"
	"github.com/scrypster/memento/internal/importer"
	"github.com/scrypster/memento/internal/jobs"
	"github.com/scrypster/memento/internal/normalize"
	"github.com/scrypster/memento/internal/storage"
	"github.com/scrypster/memento/pkg/types"
)

func (s *Server) handleNormalizeMemory(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	phases := argStringSlice(args, "phases")
	dryRun := argBool(args, "dry_run", false)

	jobID := s.deps.Jobs.Create("normalize", map[string]interface{}{"phases": phases, "dry_run": dryRun})
	running := jobs.StatusRunning
	s.deps.Jobs.Update(jobID, jobs.Update{Status: &running})

	result, err := s.deps.Normalizer.Run(ctx, phases, dryRun)

	out := map[string]interface{}{
		"status":           result.Status,
		"phases_completed": result.PhasesCompleted,
		"phases_skipped":   result.PhasesSkipped,
		"statistics":       phaseStats(result.Statistics),
		"job_id":           jobID,
	}
	if result.RolledBack {
		out["rollback"] = true
	}

	if err != nil {
		failed := jobs.StatusFailed
		errStr := err.Error()
		s.deps.Jobs.Update(jobID, jobs.Update{Status: &failed, Error: &errStr, Result: out})
		return nil, err
	}
	completed := jobs.StatusCompleted
	s.deps.Jobs.Update(jobID, jobs.Update{Status: &completed, Result: out})
	return out, nil
}

func phaseStats(stats map[string]normalize.PhaseStat) map[string]interface{} {
	out := make(map[string]interface{}, len(stats))
	for phase, st := range stats {
		entry := map[string]interface{}{"count": st.Count, "dry_run": st.DryRun}
		if phase == normalize.PhaseOrphanDetection {
			entry["edges_removed"] = st.EdgesRemoved
		}
		if len(st.Issues) > 0 {
			entry["issues"] = st.Issues
		}
		out[phase] = entry
	}
	return out
}

func (s *Server) handleNormalizeStatus(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if jobID := argString(args, "job_id"); jobID != "" {
		job, ok := s.deps.Jobs.Get(jobID)
		if !ok {
			return map[string]interface{}{"status": "not_found", "job_id": jobID}, nil
		}
		return jobMap(job), nil
	}

	recent := s.deps.Jobs.List(jobs.Filters{Type: "normalize"}, 5)
	recentMaps := make([]map[string]interface{}, 0, len(recent))
	for _, job := range recent {
		recentMaps = append(recentMaps, jobMap(job))
	}
	return map[string]interface{}{
		"running":     s.deps.Normalizer.Running(),
		"recent_jobs": recentMaps,
	}, nil
}

func (s *Server) handleMemoryStatistics(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	counts, err := s.deps.Manager.Counts(ctx)
	if err != nil {
		return nil, err
	}
	memoryCounts := make(map[string]interface{}, len(counts))
	total := 0
	for kind, n := range counts {
		memoryCounts[string(kind)] = n
		total += n
	}

	syncCounts := map[string]interface{}{}
	for _, status := range []types.SyncStatus{types.SyncSynced, types.SyncPending, types.SyncFailed} {
		n := 0
		for _, kind := range types.AllKinds {
			c, err := s.deps.Vec.Count(ctx, kind.Collection(), storage.Filter{"sync_status": string(status), "deleted": false})
			if err != nil {
				return nil, err
			}
			n += c
		}
		syncCounts[string(status)] = n
	}
	if s.deps.Sync != nil {
		if audit, err := s.deps.Sync.Audit(ctx, 50); err == nil {
			syncCounts["audit"] = map[string]interface{}{
				"consistent":  audit.Consistent,
				"vector_only": audit.VectorOnly,
				"graph_only":  audit.GraphOnly,
				"mismatched":  audit.Mismatched,
			}
		}
	}

	return map[string]interface{}{
		"memory_counts": memoryCounts,
		"sync_status":   syncCounts,
		"storage": map[string]interface{}{
			"vector_engine": s.cfg.VectorStore.StorageEngine,
			"graph_engine":  s.cfg.GraphStore.Engine,
		},
		"cache": map[string]interface{}{
			"entries":     s.deps.Cache.Len(),
			"max_entries": s.cfg.Cache.MaxEntries,
		},
		"totals": map[string]interface{}{"memories": total},
	}, nil
}

// exportSampleLimit bounds the inline sample returned when export_memory is
// called without an output_path.
const exportSampleLimit = 100

func (s *Server) handleExportMemory(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	kinds, err := argKinds(args, "memory_types")
	if err != nil {
		return nil, err
	}
	filter := storage.Filter{}
	if raw, ok := args["filters"].(map[string]interface{}); ok {
		for k, v := range raw {
			filter[k] = v
		}
	}

	outputPath := argString(args, "output_path")
	if outputPath == "" {
		records, total, err := s.deps.Exchange.Sample(ctx, kinds, filter, exportSampleLimit)
		if err != nil {
			return nil, err
		}
		sample := make([]map[string]interface{}, 0, len(records))
		for _, mem := range records {
			sample = append(sample, mem.ToPayload())
		}
		return map[string]interface{}{
			"status":       "sample",
			"memory_count": total,
			"truncated":    total > len(sample),
			"records":      sample,
		}, nil
	}

	abs, err := s.containedPath(outputPath)
	if err != nil {
		return nil, err
	}
	f, err := os.Create(abs)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	count, err := s.deps.Exchange.Export(ctx, kinds, filter, f)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"status":       "exported",
		"memory_count": count,
		"output_path":  abs,
	}, nil
}

func (s *Server) handleImportMemory(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	resolution := importer.ConflictResolution(argString(args, "conflict_resolution"))
	inputPath := argString(args, "input_path")
	data, hasData := args["data"].([]interface{})

	var result importer.ImportResult
	switch {
	case inputPath != "":
		abs, err := s.containedPath(inputPath)
		if err != nil {
			return nil, err
		}
		if strings.HasSuffix(abs, ".md") {
			content, err := os.ReadFile(abs)
			if err != nil {
				return nil, err
			}
			mem, err := importer.ParseMarkdownMemory(content, inputPath)
			if err != nil {
				return nil, err
			}
			if _, err := s.deps.Manager.Add(ctx, mem, false, true); err != nil {
				return nil, err
			}
			result.Imported = 1
		} else {
			f, err := os.Open(abs)
			if err != nil {
				return nil, err
			}
			defer f.Close()
			result, err = s.deps.Exchange.ImportReader(ctx, f, resolution)
			if err != nil {
				return nil, err
			}
		}
	case hasData:
		result = s.deps.Exchange.ImportData(ctx, data, resolution)
	default:
		return nil, corerr.Field("input_path", "either input_path or data is required")
	}

	return map[string]interface{}{
		"status":       "completed",
		"imported":     result.Imported,
		"skipped":      result.Skipped,
		"overwritten":  result.Overwritten,
		"total_errors": len(result.Errors),
		"errors":       result.Errors,
	}, nil
}
