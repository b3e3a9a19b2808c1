package mcp

import (
	"context"

	"github.com/scrypster/memento/internal/jobs"
	"github.com/scrypster/memento/internal/storage"
	"github.com/scrypster/memento/pkg/types"
)

func (s *Server) handleIndexFile(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	path := argString(args, "file_path")
	force := argBool(args, "force", false)

	fr, err := s.deps.Indexer.IndexFile(ctx, path, force)
	if err != nil {
		return nil, err
	}
	result := map[string]interface{}{
		"status":             fr.Status,
		"functions_indexed":  fr.FunctionsIndexed,
		"components_indexed": fr.ComponentsIndexed,
	}
	if len(fr.Errors) > 0 {
		result["errors"] = fr.Errors
	}
	return result, nil
}

func (s *Server) handleIndexDirectory(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	dr, err := s.deps.Indexer.IndexDirectory(ctx,
		argString(args, "directory_path"),
		argStringSlice(args, "extensions"),
		argStringSlice(args, "exclude"),
		argBool(args, "force", false),
	)
	if err != nil {
		return nil, err
	}
	return directoryResultMap(dr.Status, dr.FilesProcessed, dr.FilesSkipped, dr.FilesErrored, dr.FunctionsIndexed, dr.ComponentsIndexed, dr.JobID), nil
}

func (s *Server) handleReindex(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	scope := argString(args, "scope")
	if scope == "" {
		scope = "changed"
	}

	dr, err := s.deps.Indexer.IndexDirectory(ctx,
		argString(args, "directory_path"),
		argStringSlice(args, "extensions"),
		argStringSlice(args, "exclude"),
		scope == "full",
	)
	if err != nil {
		return nil, err
	}
	result := directoryResultMap(dr.Status, dr.FilesProcessed, dr.FilesSkipped, dr.FilesErrored, dr.FunctionsIndexed, dr.ComponentsIndexed, dr.JobID)
	result["scope"] = scope
	return result, nil
}

func directoryResultMap(status string, processed, skipped, errored, functions, components int, jobID string) map[string]interface{} {
	result := map[string]interface{}{
		"status":             status,
		"files_processed":    processed,
		"files_skipped":      skipped,
		"files_errored":      errored,
		"functions_indexed":  functions,
		"components_indexed": components,
	}
	if jobID != "" {
		result["job_id"] = jobID
	}
	return result
}

func (s *Server) handleIndexStatus(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if jobID := argString(args, "job_id"); jobID != "" {
		job, ok := s.deps.Jobs.Get(jobID)
		if !ok {
			return map[string]interface{}{"status": "not_found", "job_id": jobID}, nil
		}
		return jobMap(job), nil
	}

	functions, err := s.deps.Vec.Count(ctx, types.KindFunction.Collection(), storage.Filter{"deleted": false})
	if err != nil {
		return nil, err
	}
	components, err := s.deps.Vec.Count(ctx, types.KindComponent.Collection(), storage.Filter{"deleted": false})
	if err != nil {
		return nil, err
	}

	recent := s.deps.Jobs.List(jobs.Filters{Type: "index"}, 5)
	recentMaps := make([]map[string]interface{}, 0, len(recent))
	for _, job := range recent {
		recentMaps = append(recentMaps, jobMap(job))
	}
	return map[string]interface{}{
		"functions_indexed":  functions,
		"components_indexed": components,
		"recent_jobs":        recentMaps,
	}, nil
}

func jobMap(job jobs.Job) map[string]interface{} {
	m := map[string]interface{}{
		"job_id":     job.ID,
		"type":       job.Type,
		"status":     string(job.Status),
		"phase":      job.Phase,
		"progress":   job.Progress,
		"created_at": job.CreatedAt,
	}
	if job.StartedAt != nil {
		m["started_at"] = *job.StartedAt
	}
	if job.CompletedAt != nil {
		m["completed_at"] = *job.CompletedAt
	}
	if job.Result != nil {
		m["result"] = job.Result
	}
	if job.Error != "" {
		m["error"] = job.Error
	}
	return m
}
