package types

import "time"

// JobKind is the tagged variant of background work. Handlers dispatch on the
// tag; there is no job-type hierarchy.
type JobKind string

const (
	JobStructuralIndex JobKind = "structural"
	JobSemanticIndex   JobKind = "semantic"
	JobChunkEmbed      JobKind = "chunk_embed"
	JobReindexFile     JobKind = "reindex_file"
	JobSyncFile        JobKind = "sync_file"
)

// Resumable reports whether a kind restarts after a crash instead of being
// marked failed. Indexing jobs resume from the persisted file-hash map.
func (k JobKind) Resumable() bool {
	return k == JobStructuralIndex || k == JobSemanticIndex
}

// JobState is the lifecycle state of a job.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// JobParams carries the inputs of one job.
type JobParams struct {
	KBID        int64             `json:"kb_id,omitempty"`
	ProjectID   int64             `json:"project_id,omitempty"`
	Role        KBRole            `json:"role,omitempty"`
	Path        string            `json:"path,omitempty"`
	ProjectPath string            `json:"project_path,omitempty"`
	TokenBudget int               `json:"token_budget,omitempty"`
	Selective   bool              `json:"selective,omitempty"`
	StructKBID  int64             `json:"struct_kb_id,omitempty"`
	EventKind   string            `json:"event_kind,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// CoalesceKey collapses duplicate in-flight work. While one job with a given
// key is queued or running, later submissions merge into it.
type CoalesceKey struct {
	Role      KBRole
	ProjectID int64
	Path      string
}

// JobSnapshot is an immutable view of a job at one point in time.
type JobSnapshot struct {
	ID          string     `json:"id"`
	Kind        JobKind    `json:"kind"`
	State       JobState   `json:"state"`
	Progress    float64    `json:"progress"` // percent, [0,100]
	Message     string     `json:"message,omitempty"`
	Error       string     `json:"error,omitempty"`
	Params      JobParams  `json:"params"`
	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// SyncTask is the watcher's unit of work handed to the queue.
type SyncTask struct {
	Role       KBRole    `json:"kb_role"`
	ProjectID  int64     `json:"project_id"`
	Path       string    `json:"path"`
	EventKind  string    `json:"event_kind"` // create | modify | delete | rename
	ObservedAt time.Time `json:"observed_at"`
}

// Key returns the coalescing key for the task.
func (t SyncTask) Key() CoalesceKey {
	return CoalesceKey{Role: t.Role, ProjectID: t.ProjectID, Path: t.Path}
}
