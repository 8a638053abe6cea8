package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"corpusd/internal/store"
	"corpusd/internal/types"
)

func waitState(t *testing.T, q *Queue, id string, want types.JobState) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap, err := q.Status(id)
		return err == nil && snap.State == want
	}, 3*time.Second, 5*time.Millisecond, "job %s never reached %s", id, want)
}

func TestSubmitRunsToCompletion(t *testing.T) {
	q := New(nil, 1)
	ran := make(chan types.JobParams, 1)
	q.Register(types.JobStructuralIndex, func(ctx context.Context, job *Active) error {
		job.SetProgress(50, "halfway")
		ran <- job.Params()
		return nil
	})
	require.NoError(t, q.Start(context.Background()))
	defer q.Shutdown()

	id, err := q.Submit(types.JobStructuralIndex, types.JobParams{KBID: 7})
	require.NoError(t, err)

	waitState(t, q, id, types.JobCompleted)
	params := <-ran
	assert.Equal(t, int64(7), params.KBID)

	snap, err := q.Status(id)
	require.NoError(t, err)
	assert.Equal(t, float64(100), snap.Progress)
	assert.NotNil(t, snap.StartedAt)
	assert.NotNil(t, snap.CompletedAt)
}

func TestSubmitUnknownKind(t *testing.T) {
	q := New(nil, 1)
	_, err := q.Submit(types.JobSemanticIndex, types.JobParams{})
	assert.True(t, types.IsKind(err, types.KindValidation))
}

func TestStatusNotFound(t *testing.T) {
	q := New(nil, 1)
	_, err := q.Status("nope")
	assert.True(t, types.IsKind(err, types.KindNotFound))
}

func TestFailedJobRecordsError(t *testing.T) {
	q := New(nil, 1)
	q.Register(types.JobStructuralIndex, func(ctx context.Context, job *Active) error {
		return errors.New("disk on fire")
	})
	require.NoError(t, q.Start(context.Background()))
	defer q.Shutdown()

	id, err := q.Submit(types.JobStructuralIndex, types.JobParams{})
	require.NoError(t, err)
	waitState(t, q, id, types.JobFailed)

	snap, _ := q.Status(id)
	assert.Equal(t, "disk on fire", snap.Error)
}

func TestCancelQueuedJobNeverRuns(t *testing.T) {
	q := New(nil, 1)
	ran := false
	q.Register(types.JobStructuralIndex, func(ctx context.Context, job *Active) error {
		ran = true
		return nil
	})

	// Submitted before Start, so it sits queued.
	id, err := q.Submit(types.JobStructuralIndex, types.JobParams{})
	require.NoError(t, err)
	require.NoError(t, q.Cancel(id))

	snap, _ := q.Status(id)
	assert.Equal(t, types.JobCancelled, snap.State)

	require.NoError(t, q.Start(context.Background()))
	q.Shutdown()
	assert.False(t, ran)

	// Cancel on a terminal job is a no-op.
	assert.NoError(t, q.Cancel(id))
}

func TestCancelRunningJobIsCooperative(t *testing.T) {
	q := New(nil, 1)
	started := make(chan struct{})
	q.Register(types.JobSemanticIndex, func(ctx context.Context, job *Active) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, q.Start(context.Background()))
	defer q.Shutdown()

	id, err := q.Submit(types.JobSemanticIndex, types.JobParams{})
	require.NoError(t, err)
	<-started

	require.NoError(t, q.Cancel(id))
	waitState(t, q, id, types.JobCancelled)
}

func TestSyncCoalescingFinalEventWins(t *testing.T) {
	q := New(nil, 1)

	var mu sync.Mutex
	var events []string
	release := make(chan struct{})
	started := make(chan struct{}, 4)
	q.Register(types.JobSyncFile, func(ctx context.Context, job *Active) error {
		started <- struct{}{}
		<-release
		mu.Lock()
		events = append(events, job.Params().EventKind)
		mu.Unlock()
		return nil
	})
	require.NoError(t, q.Start(context.Background()))
	defer q.Shutdown()

	task := types.SyncTask{Role: types.RoleDocs, ProjectID: 1, Path: "a.md", EventKind: "create"}
	id1, err := q.SubmitSync(task)
	require.NoError(t, err)
	<-started

	// Two more events for the same file while the first run is in flight.
	task.EventKind = "modify"
	id2, err := q.SubmitSync(task)
	require.NoError(t, err)
	task.EventKind = "delete"
	id3, err := q.SubmitSync(task)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.Equal(t, id1, id3)

	close(release)
	<-started // the coalesced rerun

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2
	}, 3*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"create", "delete"}, events)
}

func TestDistinctKeysRunInParallel(t *testing.T) {
	q := New(nil, 2)

	var wg sync.WaitGroup
	wg.Add(2)
	bothRunning := make(chan struct{})
	go func() {
		wg.Wait()
		close(bothRunning)
	}()
	q.Register(types.JobSyncFile, func(ctx context.Context, job *Active) error {
		wg.Done()
		select {
		case <-bothRunning:
			return nil
		case <-time.After(3 * time.Second):
			return errors.New("peer never started")
		}
	})
	require.NoError(t, q.Start(context.Background()))
	defer q.Shutdown()

	id1, err := q.SubmitSync(types.SyncTask{Role: types.RoleDocs, ProjectID: 1, Path: "a.md", EventKind: "modify"})
	require.NoError(t, err)
	id2, err := q.SubmitSync(types.SyncTask{Role: types.RoleDocs, ProjectID: 1, Path: "b.md", EventKind: "modify"})
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	waitState(t, q, id1, types.JobCompleted)
	waitState(t, q, id2, types.JobCompleted)
}

func TestListFiltersAndOrders(t *testing.T) {
	q := New(nil, 1)
	q.Register(types.JobStructuralIndex, func(ctx context.Context, job *Active) error { return nil })

	id1, err := q.Submit(types.JobStructuralIndex, types.JobParams{})
	require.NoError(t, err)
	require.NoError(t, q.Cancel(id1))
	id2, err := q.Submit(types.JobStructuralIndex, types.JobParams{})
	require.NoError(t, err)

	all := q.List("")
	require.Len(t, all, 2)

	cancelled := q.List(types.JobCancelled)
	require.Len(t, cancelled, 1)
	assert.Equal(t, id1, cancelled[0].ID)

	queued := q.List(types.JobQueued)
	require.Len(t, queued, 1)
	assert.Equal(t, id2, queued[0].ID)
}

func TestStartRecoversPersistedJobs(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	defer s.Close()

	now := time.Now().UTC()
	started := now.Add(time.Second)
	require.NoError(t, s.SaveJobSnapshot(types.JobSnapshot{
		ID: "resume-me", Kind: types.JobSemanticIndex, State: types.JobRunning,
		Params: types.JobParams{KBID: 3}, SubmittedAt: now, StartedAt: &started,
	}))
	require.NoError(t, s.SaveJobSnapshot(types.JobSnapshot{
		ID: "drop-me", Kind: types.JobSyncFile, State: types.JobRunning,
		SubmittedAt: now, StartedAt: &started,
	}))

	q := New(s, 1)
	var gotKB int64
	done := make(chan struct{})
	q.Register(types.JobSemanticIndex, func(ctx context.Context, job *Active) error {
		gotKB = job.Params().KBID
		close(done)
		return nil
	})
	q.Register(types.JobSyncFile, func(ctx context.Context, job *Active) error { return nil })
	require.NoError(t, q.Start(context.Background()))
	defer q.Shutdown()

	<-done
	waitState(t, q, "resume-me", types.JobCompleted)
	assert.Equal(t, int64(3), gotKB)

	failed, err := s.LoadJobSnapshots(types.JobFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "drop-me", failed[0].ID)
	assert.Equal(t, "interrupted", failed[0].Error)
}
