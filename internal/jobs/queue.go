// Package jobs runs background work: a bounded queue, a small worker pool,
// coalescing of duplicate sync tasks, cooperative cancellation, and snapshot
// persistence so interrupted jobs can be recovered after a restart.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"corpusd/internal/logging"
	"corpusd/internal/store"
	"corpusd/internal/types"
)

// Handler executes one job kind. It must honor ctx cancellation at file
// boundaries and between embedding batches.
type Handler func(ctx context.Context, job *Active) error

// Active is the handler-facing view of a running job.
type Active struct {
	id    string
	kind  types.JobKind
	queue *Queue

	mu     sync.Mutex
	params types.JobParams
}

// ID returns the job id.
func (a *Active) ID() string { return a.id }

// Params returns the job's current parameters. Coalesced resubmissions swap
// them between runs, never mid-run.
func (a *Active) Params() types.JobParams {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.params
}

// SetProgress reports progress in percent with an optional message.
// Persistence is throttled to once per second.
func (a *Active) SetProgress(pct float64, message string) {
	a.queue.setProgress(a.id, pct, message)
}

type job struct {
	id          string
	kind        types.JobKind
	state       types.JobState
	progress    float64
	message     string
	errMsg      string
	params      types.JobParams
	submittedAt time.Time
	startedAt   *time.Time
	completedAt *time.Time

	key       *types.CoalesceKey
	rerun     bool // a newer event arrived while running
	cancel    context.CancelFunc
	cancelled bool // cancel was requested

	lastPersist time.Time
}

func (j *job) snapshot() types.JobSnapshot {
	return types.JobSnapshot{
		ID:          j.id,
		Kind:        j.kind,
		State:       j.state,
		Progress:    j.progress,
		Message:     j.message,
		Error:       j.errMsg,
		Params:      j.params,
		SubmittedAt: j.submittedAt,
		StartedAt:   j.startedAt,
		CompletedAt: j.completedAt,
	}
}

// Queue is the job queue and worker pool.
type Queue struct {
	store    *store.Store
	workers  int
	handlers map[types.JobKind]Handler

	mu    sync.Mutex
	jobs  map[string]*job
	byKey map[types.CoalesceKey]*job

	pending chan *job
	wg      sync.WaitGroup
	ctx     context.Context
	stop    context.CancelFunc
}

// New builds a queue persisting through st. workers <= 0 selects
// min(4, NumCPU).
func New(st *store.Store, workers int) *Queue {
	if workers <= 0 {
		workers = runtime.NumCPU()
		if workers > 4 {
			workers = 4
		}
		if workers < 1 {
			workers = 1
		}
	}
	return &Queue{
		store:    st,
		workers:  workers,
		handlers: make(map[types.JobKind]Handler),
		jobs:     make(map[string]*job),
		byKey:    make(map[types.CoalesceKey]*job),
		pending:  make(chan *job, 16_384),
	}
}

// Register binds a handler to a job kind. Must be called before Start.
func (q *Queue) Register(kind types.JobKind, h Handler) {
	q.handlers[kind] = h
}

// Start recovers interrupted jobs and launches the worker pool.
func (q *Queue) Start(ctx context.Context) error {
	q.ctx, q.stop = context.WithCancel(ctx)

	if q.store != nil {
		resumed, err := q.store.RecoverInterruptedJobs()
		if err != nil {
			return fmt.Errorf("recover jobs: %w", err)
		}
		for _, snap := range resumed {
			j := &job{
				id:          snap.ID,
				kind:        snap.Kind,
				state:       types.JobQueued,
				params:      snap.Params,
				submittedAt: snap.SubmittedAt,
			}
			q.mu.Lock()
			q.jobs[j.id] = j
			q.mu.Unlock()
			q.enqueue(j)
		}
	}

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	logging.Jobs("queue started: %d workers", q.workers)
	return nil
}

// Shutdown cancels all running work and waits for the workers to exit.
func (q *Queue) Shutdown() {
	if q.stop != nil {
		q.stop()
	}
	q.wg.Wait()
}

// Depth returns the number of queued-but-not-started jobs, the watcher's
// backpressure signal.
func (q *Queue) Depth() int { return len(q.pending) }

// Submit enqueues a job and returns its id.
func (q *Queue) Submit(kind types.JobKind, params types.JobParams) (string, error) {
	if _, ok := q.handlers[kind]; !ok {
		return "", types.E(types.KindValidation, "no handler registered for job kind %q", kind)
	}
	j := &job{
		id:          uuid.NewString(),
		kind:        kind,
		state:       types.JobQueued,
		params:      params,
		submittedAt: time.Now().UTC(),
	}
	q.mu.Lock()
	q.jobs[j.id] = j
	q.mu.Unlock()
	q.persist(j)
	q.enqueue(j)
	return j.id, nil
}

// SubmitSync enqueues a file sync task with coalescing: while a job with the
// same (role, project, path) key is queued or running, the new event merges
// into it and the final event wins.
func (q *Queue) SubmitSync(task types.SyncTask) (string, error) {
	if _, ok := q.handlers[types.JobSyncFile]; !ok {
		return "", types.E(types.KindValidation, "no handler registered for job kind %q", types.JobSyncFile)
	}
	key := task.Key()
	params := types.JobParams{
		ProjectID: task.ProjectID,
		Role:      task.Role,
		Path:      task.Path,
		EventKind: task.EventKind,
	}

	q.mu.Lock()
	if existing, ok := q.byKey[key]; ok && !existing.state.Terminal() {
		existing.params = params
		if existing.state == types.JobRunning {
			existing.rerun = true
		}
		id := existing.id
		q.mu.Unlock()
		logging.JobsDebug("coalesced %s event for %s into job %s", task.EventKind, task.Path, id)
		return id, nil
	}

	j := &job{
		id:          uuid.NewString(),
		kind:        types.JobSyncFile,
		state:       types.JobQueued,
		params:      params,
		submittedAt: time.Now().UTC(),
		key:         &key,
	}
	q.jobs[j.id] = j
	q.byKey[key] = j
	q.mu.Unlock()
	q.persist(j)
	q.enqueue(j)
	return j.id, nil
}

// Status returns the latest snapshot of a job.
func (q *Queue) Status(id string) (types.JobSnapshot, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return types.JobSnapshot{}, types.E(types.KindNotFound, "job %q not found", id)
	}
	return j.snapshot(), nil
}

// List returns snapshots, optionally filtered by state, newest first.
func (q *Queue) List(state types.JobState) []types.JobSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]types.JobSnapshot, 0, len(q.jobs))
	for _, j := range q.jobs {
		if state != "" && j.state != state {
			continue
		}
		out = append(out, j.snapshot())
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].SubmittedAt.Equal(out[k].SubmittedAt) {
			return out[i].SubmittedAt.After(out[k].SubmittedAt)
		}
		return out[i].ID < out[k].ID
	})
	return out
}

// Cancel requests cancellation. Queued jobs cancel immediately; running jobs
// stop at their next cancellation checkpoint. Terminal states are a no-op.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	j, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return types.E(types.KindNotFound, "job %q not found", id)
	}
	if j.state.Terminal() {
		q.mu.Unlock()
		return nil
	}
	j.cancelled = true
	j.rerun = false
	if j.state == types.JobQueued {
		q.finishLocked(j, types.JobCancelled, "")
		q.mu.Unlock()
		q.persist(j)
		return nil
	}
	if j.cancel != nil {
		j.cancel()
	}
	q.mu.Unlock()
	return nil
}

func (q *Queue) enqueue(j *job) {
	select {
	case q.pending <- j:
	default:
		// The channel holds more jobs than the backpressure high-water
		// mark, so producers should have paused long before this point.
		q.mu.Lock()
		q.finishLocked(j, types.JobFailed, "queue full")
		q.mu.Unlock()
		q.persist(j)
	}
}

func (q *Queue) worker(n int) {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case j := <-q.pending:
			q.run(n, j)
		}
	}
}

func (q *Queue) run(worker int, j *job) {
	q.mu.Lock()
	if j.state != types.JobQueued {
		q.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	j.state = types.JobRunning
	j.startedAt = &now
	ctx, cancel := context.WithCancel(q.ctx)
	j.cancel = cancel
	active := &Active{id: j.id, kind: j.kind, queue: q, params: j.params}
	q.mu.Unlock()
	q.persist(j)
	defer cancel()

	logging.JobsDebug("worker %d: job %s (%s) started", worker, j.id, j.kind)
	err := q.handlers[j.kind](ctx, active)

	q.mu.Lock()
	switch {
	case err == nil:
		q.finishLocked(j, types.JobCompleted, "")
	case j.cancelled || errors.Is(err, context.Canceled):
		q.finishLocked(j, types.JobCancelled, "")
	default:
		q.finishLocked(j, types.JobFailed, err.Error())
	}

	// A coalesced event arrived mid-run: go again with the latest params.
	var resubmit *types.SyncTask
	if j.rerun && j.key != nil {
		resubmit = &types.SyncTask{
			Role:      j.params.Role,
			ProjectID: j.params.ProjectID,
			Path:      j.params.Path,
			EventKind: j.params.EventKind,
		}
		delete(q.byKey, *j.key)
	}
	final := j.state
	q.mu.Unlock()
	q.persist(j)

	if resubmit != nil {
		if _, err := q.SubmitSync(*resubmit); err != nil {
			logging.Jobs("resubmit after coalesce failed: %v", err)
		}
	}
	logging.JobsDebug("worker %d: job %s finished %s", worker, j.id, final)
}

// finishLocked moves a job to a terminal state. Caller holds q.mu.
func (q *Queue) finishLocked(j *job, state types.JobState, errMsg string) {
	now := time.Now().UTC()
	j.state = state
	j.errMsg = errMsg
	j.completedAt = &now
	if state == types.JobCompleted {
		j.progress = 100
	}
	if j.key != nil && !j.rerun {
		if q.byKey[*j.key] == j {
			delete(q.byKey, *j.key)
		}
	}
}

func (q *Queue) setProgress(id string, pct float64, message string) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	q.mu.Lock()
	j, ok := q.jobs[id]
	if !ok || j.state != types.JobRunning {
		q.mu.Unlock()
		return
	}
	j.progress = pct
	j.message = message
	throttled := time.Since(j.lastPersist) < time.Second
	if !throttled {
		j.lastPersist = time.Now()
	}
	q.mu.Unlock()
	if !throttled {
		q.persist(j)
	}
}

func (q *Queue) persist(j *job) {
	if q.store == nil {
		return
	}
	q.mu.Lock()
	snap := j.snapshot()
	q.mu.Unlock()
	if err := q.store.SaveJobSnapshot(snap); err != nil {
		logging.Jobs("persist job %s failed: %v", j.id, err)
	}
}
