// Package jobs tracks background work (indexing, normalization) as an
// in-memory map of job records guarded by a single exclusive lock. Jobs are
// process-local; there is no durability requirement.
package jobs

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is one of a job's four lifecycle states.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Job is a named, progress-reporting unit of background work.
type Job struct {
	ID          string
	Type        string
	Status      Status
	Phase       string
	Progress    int
	Params      map[string]interface{}
	Result      interface{}
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Registry is the single-lock job store. Critical sections are short
// (metadata updates only); no I/O ever happens inside the lock.
type Registry struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

func New() *Registry {
	return &Registry{jobs: make(map[string]*Job)}
}

// Create registers a new job in StatusPending and returns its id.
func (r *Registry) Create(jobType string, params map[string]interface{}) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := uuid.NewString()
	r.jobs[id] = &Job{
		ID:        id,
		Type:      jobType,
		Status:    StatusPending,
		Params:    params,
		CreatedAt: time.Now().UTC(),
	}
	return id
}

// Update is one field-level Update applied to a job record.
type Update struct {
	Status   *Status
	Phase    *string
	Progress *int
	Result   interface{}
	Error    *string
}

// Update applies patch to the job idempotently. It sets StartedAt on the
// first transition into StatusRunning and CompletedAt on the first
// transition into a terminal state.
func (r *Registry) Update(id string, patch Update) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return false
	}
	now := time.Now().UTC()
	if patch.Status != nil {
		if *patch.Status == StatusRunning && job.StartedAt == nil {
			job.StartedAt = &now
		}
		if (*patch.Status == StatusCompleted || *patch.Status == StatusFailed) && job.CompletedAt == nil {
			job.CompletedAt = &now
		}
		job.Status = *patch.Status
	}
	if patch.Phase != nil {
		job.Phase = *patch.Phase
	}
	if patch.Progress != nil {
		job.Progress = *patch.Progress
	}
	if patch.Result != nil {
		job.Result = patch.Result
	}
	if patch.Error != nil {
		job.Error = *patch.Error
	}
	return true
}

// Get returns a copy of the job record, or ok=false if absent.
func (r *Registry) Get(id string) (Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// Filters narrows List's result set.
type Filters struct {
	Type   string
	Status Status
}

// List returns jobs matching filters, sorted descending by creation time,
// bounded to limit (0 means unbounded).
func (r *Registry) List(f Filters, limit int) []Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		if f.Type != "" && job.Type != f.Type {
			continue
		}
		if f.Status != "" && job.Status != f.Status {
			continue
		}
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Cleanup removes terminal jobs older than maxAge, returning the count
// removed.
func (r *Registry) Cleanup(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().UTC().Add(-maxAge)
	removed := 0
	for id, job := range r.jobs {
		if job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(r.jobs, id)
			removed++
		}
	}
	return removed
}
