package jobs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func statusPtr(s Status) *Status { return &s }
func strPtr(s string) *string    { return &s }
func intPtr(i int) *int          { return &i }

func TestCreateAndGet(t *testing.T) {
	r := New()
	id := r.Create("index", map[string]interface{}{"path": "src"})

	job, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, "index", job.Type)
	assert.Equal(t, StatusPending, job.Status)
	assert.Nil(t, job.StartedAt)
	assert.Nil(t, job.CompletedAt)
}

func TestUpdate_Lifecycle(t *testing.T) {
	r := New()
	id := r.Create("normalize", nil)

	require.True(t, r.Update(id, Update{Status: statusPtr(StatusRunning), Phase: strPtr("snapshot")}))
	job, _ := r.Get(id)
	require.NotNil(t, job.StartedAt)
	started := *job.StartedAt

	// A second transition to running must not move started_at.
	r.Update(id, Update{Status: statusPtr(StatusRunning), Progress: intPtr(50)})
	job, _ = r.Get(id)
	assert.Equal(t, started, *job.StartedAt)
	assert.Equal(t, 50, job.Progress)

	r.Update(id, Update{Status: statusPtr(StatusCompleted), Result: map[string]interface{}{"n": 1}})
	job, _ = r.Get(id)
	require.NotNil(t, job.CompletedAt)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.NotNil(t, job.Result)
}

func TestUpdate_UnknownJob(t *testing.T) {
	r := New()
	assert.False(t, r.Update("missing", Update{Status: statusPtr(StatusRunning)}))
}

func TestList_SortedAndFiltered(t *testing.T) {
	r := New()
	first := r.Create("index", nil)
	time.Sleep(2 * time.Millisecond)
	second := r.Create("index", nil)
	r.Create("normalize", nil)

	jobs := r.List(Filters{Type: "index"}, 0)
	require.Len(t, jobs, 2)
	assert.Equal(t, second, jobs[0].ID, "newest first")
	assert.Equal(t, first, jobs[1].ID)

	limited := r.List(Filters{}, 1)
	assert.Len(t, limited, 1)

	running := r.List(Filters{Status: StatusRunning}, 0)
	assert.Empty(t, running)
}

func TestCleanup_RemovesOldTerminalJobs(t *testing.T) {
	r := New()
	done := r.Create("index", nil)
	r.Update(done, Update{Status: statusPtr(StatusCompleted)})
	live := r.Create("index", nil)

	// Age the completed job past the cutoff.
	r.mu.Lock()
	old := time.Now().UTC().Add(-2 * time.Hour)
	r.jobs[done].CompletedAt = &old
	r.mu.Unlock()

	removed := r.Cleanup(time.Hour)
	assert.Equal(t, 1, removed)

	_, ok := r.Get(done)
	assert.False(t, ok)
	_, ok = r.Get(live)
	assert.True(t, ok, "non-terminal jobs survive cleanup")
}
