package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-attendance-sync/internal/models"
	"github.com/noah-isme/sma-attendance-sync/pkg/jobs"
)

type remoteStub struct {
	mu        sync.Mutex
	batches   [][]models.AttendanceEvent
	removed   []string
	err       error
	removeErr error
}

func (r *remoteStub) Push(ctx context.Context, events []models.AttendanceEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.batches = append(r.batches, events)
	return nil
}

func (r *remoteStub) Remove(ctx context.Context, ids ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.removeErr != nil {
		return r.removeErr
	}
	r.removed = append(r.removed, ids...)
	return nil
}

func (r *remoteStub) pushed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.batches {
		n += len(b)
	}
	return n
}

func seedLedger(t *testing.T, svc *AttendanceService, ids ...string) {
	t.Helper()
	at := time.Now().Add(-time.Minute)
	for _, id := range ids {
		_, err := svc.Record(context.Background(), id, "Homeroom", models.AttendanceStatusPresent, at)
		require.NoError(t, err)
	}
}

func TestSyncWorkerUploadsAllBatches(t *testing.T) {
	svc, _, _ := newAttendanceServiceForTest(t, time.UTC)
	seedLedger(t, svc, "S-1", "S-2", "S-3", "S-4", "S-5")
	remote := &remoteStub{}
	worker := NewSyncWorker(svc, remote, 2, nil)

	require.NoError(t, worker.Handle(context.Background(), jobs.Job{ID: "job-1", Type: SyncJobType}))

	assert.Equal(t, 5, remote.pushed())
	assert.Len(t, remote.batches, 3)
	count, err := svc.UnsyncedCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSyncWorkerPushFailureLeavesRowsUnsynced(t *testing.T) {
	svc, _, _ := newAttendanceServiceForTest(t, time.UTC)
	seedLedger(t, svc, "S-1", "S-2")
	remote := &remoteStub{err: errors.New("connection refused")}
	worker := NewSyncWorker(svc, remote, 10, nil)

	err := worker.Handle(context.Background(), jobs.Job{ID: "job-1"})
	require.Error(t, err)

	count, err := svc.UnsyncedCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestSyncWorkerEmptyLedger(t *testing.T) {
	svc, _, _ := newAttendanceServiceForTest(t, time.UTC)
	remote := &remoteStub{}

	require.NoError(t, NewSyncWorker(svc, remote, 10, nil).Handle(context.Background(), jobs.Job{}))
	assert.Empty(t, remote.batches)
}

func TestQueueSyncTriggerResolvesHandle(t *testing.T) {
	svc, _, _ := newAttendanceServiceForTest(t, time.UTC)
	seedLedger(t, svc, "S-1")
	remote := &remoteStub{}
	worker := NewSyncWorker(svc, remote, 10, nil)

	queue := jobs.NewQueue("sync", worker.Handle, jobs.QueueConfig{Workers: 1, MaxRetries: 0})
	queue.Start(context.Background())
	defer queue.Stop()

	trigger := NewQueueSyncTrigger(queue)
	handle, err := trigger.EnqueueSync(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, handle.Wait(ctx))
	assert.Equal(t, 1, remote.pushed())
}

func TestQueueSyncTriggerReportsFailure(t *testing.T) {
	svc, _, _ := newAttendanceServiceForTest(t, time.UTC)
	seedLedger(t, svc, "S-1")
	worker := NewSyncWorker(svc, &remoteStub{err: errors.New("remote down")}, 10, nil)

	queue := jobs.NewQueue("sync", worker.Handle, jobs.QueueConfig{Workers: 1, MaxRetries: 1, RetryDelay: 10 * time.Millisecond})
	queue.Start(context.Background())
	defer queue.Stop()

	handle, err := NewQueueSyncTrigger(queue).EnqueueSync(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = handle.Wait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remote down")
}

func TestQueueSyncTriggerQueueNotStarted(t *testing.T) {
	queue := jobs.NewQueue("sync", func(context.Context, jobs.Job) error { return nil }, jobs.QueueConfig{})

	_, err := NewQueueSyncTrigger(queue).EnqueueSync(context.Background())
	assert.Error(t, err)
}

func TestSyncEndToEndThroughCoordinator(t *testing.T) {
	svc, _, _ := newAttendanceServiceForTest(t, time.UTC)
	seedLedger(t, svc, "S-1", "S-2")
	remote := &remoteStub{}
	worker := NewSyncWorker(svc, remote, 10, nil)
	queue := jobs.NewQueue("sync", worker.Handle, jobs.QueueConfig{Workers: 1})
	queue.Start(context.Background())
	defer queue.Stop()

	coordinator := NewSyncService(NewQueueSyncTrigger(queue), svc, nil, SyncServiceConfig{DisplayInterval: time.Hour}, nil)
	defer coordinator.Wait()

	state, ran := coordinator.Refresh(context.Background(), false)
	require.True(t, ran)
	assert.Equal(t, models.SyncPhaseSuccess, state.Phase)

	snap := coordinator.Snapshot()
	assert.Zero(t, snap.UnsyncedCount)
	require.NotNil(t, snap.LastSyncedAt)
	assert.Equal(t, 2, remote.pushed())
}

func TestSyncWorkerRemovesDeletedRowsRemotely(t *testing.T) {
	svc, _, _ := newAttendanceServiceForTest(t, time.UTC)
	ctx := context.Background()
	seedLedger(t, svc, "S-1", "S-2", "S-3")
	remote := &remoteStub{}
	worker := NewSyncWorker(svc, remote, 2, nil)
	require.NoError(t, worker.Handle(ctx, jobs.Job{ID: "push"}))

	history, err := svc.History(ctx, models.AttendanceFilter{})
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.NoError(t, svc.Delete(ctx, history[0].ID))
	_, err = svc.Wipe(ctx)
	require.NoError(t, err)

	require.NoError(t, worker.Handle(ctx, jobs.Job{ID: "remove"}))
	assert.ElementsMatch(t, []string{history[0].ID, history[1].ID, history[2].ID}, remote.removed)
	pending, err := svc.PendingRemovals(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSyncWorkerRemovalFailureKeepsTombstones(t *testing.T) {
	svc, _, _ := newAttendanceServiceForTest(t, time.UTC)
	ctx := context.Background()
	seedLedger(t, svc, "S-1")
	remote := &remoteStub{}
	worker := NewSyncWorker(svc, remote, 10, nil)
	require.NoError(t, worker.Handle(ctx, jobs.Job{ID: "push"}))
	_, err := svc.Wipe(ctx)
	require.NoError(t, err)

	remote.removeErr = errors.New("remote down")
	err = worker.Handle(ctx, jobs.Job{ID: "remove"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remote removal of 1 events failed")

	pending, err := svc.PendingRemovals(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestSyncTimesOutWhenQueueIsSaturated(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	queue := jobs.NewQueue("sync", func(ctx context.Context, job jobs.Job) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}, jobs.QueueConfig{Workers: 1, BufferSize: 1})
	queue.Start(context.Background())
	defer queue.Stop()

	coordinator := NewSyncService(NewQueueSyncTrigger(queue), &factsStub{}, nil, SyncServiceConfig{Timeout: 50 * time.Millisecond, DisplayInterval: time.Hour}, nil)
	defer coordinator.Wait()

	for i := 0; i < 3; i++ {
		done := make(chan models.SyncState, 1)
		go func() {
			state, _ := coordinator.Refresh(context.Background(), true)
			done <- state
		}()
		select {
		case state := <-done:
			assert.Equal(t, models.SyncPhaseError, state.Phase)
			assert.Equal(t, "sync timed out", state.Message)
		case <-time.After(2 * time.Second):
			t.Fatalf("refresh %d still blocked; phase=%s", i+1, coordinator.Snapshot().State.Phase)
		}
	}
}
