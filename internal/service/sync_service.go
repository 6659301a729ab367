package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-attendance-sync/internal/models"
	appErrors "github.com/noah-isme/sma-attendance-sync/pkg/errors"
)

const (
	defaultSyncTimeout         = 2 * time.Minute
	defaultSyncDisplayInterval = 3 * time.Second
	defaultSyncPollInterval    = 30 * time.Second

	syncTimedOutMessage  = "sync timed out"
	syncCancelledMessage = "sync cancelled"
)

// SyncHandle resolves to the terminal outcome of one enqueued sync job.
type SyncHandle interface {
	Wait(ctx context.Context) error
}

// SyncTrigger schedules background sync work.
type SyncTrigger interface {
	EnqueueSync(ctx context.Context) (SyncHandle, error)
}

type ledgerFacts interface {
	UnsyncedCount(ctx context.Context) (int, error)
	LastSyncedAt(ctx context.Context) (*time.Time, error)
}

// SyncServiceConfig tunes the coordinator.
type SyncServiceConfig struct {
	Timeout         time.Duration
	DisplayInterval time.Duration
	PollInterval    time.Duration
}

// SyncService drives the Idle → Loading → Success|Error → Idle lifecycle and publishes the
// ledger's unsynced count and last sync time alongside it.
type SyncService struct {
	trigger SyncTrigger
	ledger  ledgerFacts
	metrics *MetricsService
	logger  *zap.Logger
	cfg     SyncServiceConfig

	mu         sync.Mutex
	state      models.SyncState
	unsynced   int
	lastSynced *time.Time
	generation uint64
	resetTimer *time.Timer
	subs       map[int]chan models.SyncSnapshot
	nextSubID  int

	dirty chan struct{}
	runs  sync.WaitGroup
}

// NewSyncService constructs the coordinator in the Idle state.
func NewSyncService(trigger SyncTrigger, ledger ledgerFacts, metrics *MetricsService, cfg SyncServiceConfig, logger *zap.Logger) *SyncService {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSyncTimeout
	}
	if cfg.DisplayInterval <= 0 {
		cfg.DisplayInterval = defaultSyncDisplayInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultSyncPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncService{
		trigger: trigger,
		ledger:  ledger,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
		state:   models.SyncState{Phase: models.SyncPhaseIdle},
		subs:    make(map[int]chan models.SyncSnapshot),
		dirty:   make(chan struct{}, 1),
	}
}

// Refresh starts a sync run and waits for its terminal state. A non-forced call while a run is
// Loading is a no-op and reports ran=false. A forced call supersedes the running one, whose
// outcome is then discarded.
func (s *SyncService) Refresh(ctx context.Context, force bool) (state models.SyncState, ran bool) {
	gen, ok := s.begin(force)
	if !ok {
		return s.currentState(), false
	}
	s.runs.Add(1)
	defer s.runs.Done()
	return s.run(ctx, gen), true
}

// RefreshAsync is Refresh without waiting. The run is bound to ctx, not to the caller's request.
func (s *SyncService) RefreshAsync(ctx context.Context, force bool) bool {
	gen, ok := s.begin(force)
	if !ok {
		return false
	}
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		s.run(ctx, gen)
	}()
	return true
}

func (s *SyncService) begin(force bool) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Phase == models.SyncPhaseLoading && !force {
		return 0, false
	}
	s.generation++
	s.stopResetLocked()
	s.state = models.SyncState{Phase: models.SyncPhaseLoading}
	s.publishLocked()
	return s.generation, true
}

func (s *SyncService) run(ctx context.Context, gen uint64) models.SyncState {
	started := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	handle, err := s.trigger.EnqueueSync(waitCtx)
	if err == nil {
		err = handle.Wait(waitCtx)
	}

	result := models.SyncState{Phase: models.SyncPhaseSuccess}
	if err != nil {
		result = models.SyncState{Phase: models.SyncPhaseError, Message: s.failureMessage(ctx, waitCtx, err)}
	}
	s.metrics.RecordSyncRun(err == nil, time.Since(started))

	factsCtx, factsCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer factsCancel()
	s.RefreshFacts(factsCtx)

	return s.finish(gen, result)
}

func (s *SyncService) failureMessage(ctx, waitCtx context.Context, err error) string {
	switch {
	case ctx.Err() != nil:
		return syncCancelledMessage
	case errors.Is(waitCtx.Err(), context.DeadlineExceeded):
		return syncTimedOutMessage
	}
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}

func (s *SyncService) finish(gen uint64, result models.SyncState) models.SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		s.logger.Debug("discarding superseded sync outcome", zap.Stringer("state", result))
		return result
	}
	s.state = result
	if result.Phase == models.SyncPhaseError {
		s.logger.Warn("sync failed", zap.String("message", result.Message))
	} else {
		s.logger.Info("sync completed", zap.Int("unsynced", s.unsynced))
	}
	s.publishLocked()
	s.resetTimer = time.AfterFunc(s.cfg.DisplayInterval, func() { s.resetToIdle(gen) })
	return result
}

func (s *SyncService) resetToIdle(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation || s.state.Phase == models.SyncPhaseLoading {
		return
	}
	s.state = models.SyncState{Phase: models.SyncPhaseIdle}
	s.resetTimer = nil
	s.publishLocked()
}

func (s *SyncService) stopResetLocked() {
	if s.resetTimer != nil {
		s.resetTimer.Stop()
		s.resetTimer = nil
	}
}

func (s *SyncService) currentState() models.SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RefreshFacts re-reads the unsynced count and last sync time from the ledger. The phase is
// not affected; read failures keep the previous values.
func (s *SyncService) RefreshFacts(ctx context.Context) {
	count, err := s.ledger.UnsyncedCount(ctx)
	if err != nil {
		s.logger.Warn("unsynced count unavailable", zap.Error(err))
		return
	}
	last, err := s.ledger.LastSyncedAt(ctx)
	if err != nil {
		s.logger.Warn("last sync time unavailable", zap.Error(err))
		return
	}
	s.metrics.SetUnsynced(count)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsynced = count
	s.lastSynced = last
	s.publishLocked()
}

// NotifyLedgerChanged schedules a facts refresh. It never blocks.
func (s *SyncService) NotifyLedgerChanged() {
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

// Start keeps the ledger facts fresh until ctx is done, refreshing on change notifications and
// on the poll interval.
func (s *SyncService) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	s.RefreshFacts(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.dirty:
			s.RefreshFacts(ctx)
		case <-ticker.C:
			s.RefreshFacts(ctx)
		}
	}
}

// Snapshot returns the current phase with the latest ledger facts.
func (s *SyncService) Snapshot() models.SyncSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *SyncService) snapshotLocked() models.SyncSnapshot {
	var last *time.Time
	if s.lastSynced != nil {
		t := *s.lastSynced
		last = &t
	}
	return models.SyncSnapshot{
		State:         s.state,
		UnsyncedCount: s.unsynced,
		LastSyncedAt:  last,
		StatusText:    models.SyncStatusText(s.state, s.unsynced),
	}
}

// Subscribe returns a channel that always holds the most recent snapshot. Slow readers skip
// intermediate values. Call the returned func to unsubscribe.
func (s *SyncService) Subscribe() (<-chan models.SyncSnapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	ch := make(chan models.SyncSnapshot, 1)
	ch <- s.snapshotLocked()
	s.subs[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
	}
}

func (s *SyncService) publishLocked() {
	if len(s.subs) == 0 {
		return
	}
	snap := s.snapshotLocked()
	for _, ch := range s.subs {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- snap
		}
	}
}

// Wait blocks until in-flight runs finish and stops the idle reset timer.
func (s *SyncService) Wait() {
	s.runs.Wait()
	s.mu.Lock()
	s.stopResetLocked()
	s.mu.Unlock()
}
