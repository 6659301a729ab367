package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-attendance-sync/internal/models"
	appErrors "github.com/noah-isme/sma-attendance-sync/pkg/errors"
	"github.com/noah-isme/sma-attendance-sync/pkg/jobs"
)

// SyncJobType labels sync jobs on the queue.
const SyncJobType = "attendance.sync"

// maxSyncBatches bounds one job so rows rewritten during upload cannot keep it running forever.
const maxSyncBatches = 50

type jobEnqueuer interface {
	EnqueueContext(ctx context.Context, job jobs.Job) error
}

// QueueSyncTrigger enqueues sync jobs on a worker queue.
type QueueSyncTrigger struct {
	queue jobEnqueuer
}

// NewQueueSyncTrigger constructs the trigger.
func NewQueueSyncTrigger(queue jobEnqueuer) *QueueSyncTrigger {
	return &QueueSyncTrigger{queue: queue}
}

type queueSyncHandle struct {
	id   string
	done chan struct{}
	err  error
}

func (h *queueSyncHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnqueueSync implements SyncTrigger. It gives up when ctx ends while the queue is full.
func (t *QueueSyncTrigger) EnqueueSync(ctx context.Context) (SyncHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	handle := &queueSyncHandle{id: uuid.NewString(), done: make(chan struct{})}
	job := jobs.Job{
		ID:   handle.id,
		Type: SyncJobType,
		Done: func(err error) {
			handle.err = err
			close(handle.done)
		},
	}
	if err := t.queue.EnqueueContext(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueue sync: %w", err)
	}
	return handle, nil
}

type syncLedger interface {
	PendingBatch(ctx context.Context, limit int) ([]models.AttendanceEvent, error)
	MarkSynced(ctx context.Context, ids []string, readAt time.Time) (int64, error)
	PendingRemovals(ctx context.Context, limit int) ([]string, error)
	ConfirmRemovals(ctx context.Context, ids []string) (int64, error)
}

type remotePusher interface {
	Push(ctx context.Context, events []models.AttendanceEvent) error
	Remove(ctx context.Context, ids ...string) error
}

// SyncWorker uploads unsynced ledger rows to the remote store and removes remote copies of
// deleted rows.
type SyncWorker struct {
	ledger    syncLedger
	remote    remotePusher
	batchSize int
	logger    *zap.Logger
}

// NewSyncWorker constructs the queue handler.
func NewSyncWorker(ledger syncLedger, remote remotePusher, batchSize int, logger *zap.Logger) *SyncWorker {
	if batchSize <= 0 {
		batchSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncWorker{ledger: ledger, remote: remote, batchSize: batchSize, logger: logger}
}

// Handle is a jobs.Handler. It pushes batches until the ledger has no more unsynced rows, then
// drains pending removals.
func (w *SyncWorker) Handle(ctx context.Context, job jobs.Job) error {
	var pushed, marked int64
	for i := 0; i < maxSyncBatches; i++ {
		readAt := time.Now().UTC()
		batch, err := w.ledger.PendingBatch(ctx, w.batchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			break
		}
		if err := w.remote.Push(ctx, batch); err != nil {
			return appErrors.Wrap(err, appErrors.ErrSyncFailed.Code, appErrors.ErrSyncFailed.Status, fmt.Sprintf("remote push of %d events failed", len(batch)))
		}
		ids := make([]string, len(batch))
		for j := range batch {
			ids[j] = batch[j].ID
		}
		n, err := w.ledger.MarkSynced(ctx, ids, readAt)
		if err != nil {
			return err
		}
		pushed += int64(len(batch))
		marked += n
		if len(batch) < w.batchSize || n == 0 {
			break
		}
	}
	removed, err := w.removeDeleted(ctx)
	if err != nil {
		return err
	}
	w.logger.Info("sync job finished",
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempt),
		zap.Int64("pushed", pushed),
		zap.Int64("marked", marked),
		zap.Int64("removed", removed))
	return nil
}

func (w *SyncWorker) removeDeleted(ctx context.Context) (int64, error) {
	var removed int64
	for i := 0; i < maxSyncBatches; i++ {
		ids, err := w.ledger.PendingRemovals(ctx, w.batchSize)
		if err != nil {
			return removed, err
		}
		if len(ids) == 0 {
			break
		}
		if err := w.remote.Remove(ctx, ids...); err != nil {
			return removed, appErrors.Wrap(err, appErrors.ErrSyncFailed.Code, appErrors.ErrSyncFailed.Status, fmt.Sprintf("remote removal of %d events failed", len(ids)))
		}
		n, err := w.ledger.ConfirmRemovals(ctx, ids)
		if err != nil {
			return removed, err
		}
		removed += n
		if len(ids) < w.batchSize {
			break
		}
	}
	return removed, nil
}
