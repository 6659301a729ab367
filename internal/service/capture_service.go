package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-attendance-sync/internal/capture"
	"github.com/noah-isme/sma-attendance-sync/internal/models"
	appErrors "github.com/noah-isme/sma-attendance-sync/pkg/errors"
)

// OpenSessionRequest is the payload for starting a capture screen.
type OpenSessionRequest struct {
	Context         string     `json:"context" validate:"required,max=128"`
	CooldownMillis  int        `json:"cooldown_ms" validate:"omitempty,min=0,max=60000"`
	ValiditySeconds int        `json:"validity_seconds" validate:"omitempty,min=0,max=3600"`
	LateAfter       *time.Time `json:"late_after"`
	OpenedBy        string     `json:"-"`
}

// CaptureSessionInfo describes an open session.
type CaptureSessionInfo struct {
	ID             string     `json:"id"`
	Context        string     `json:"context"`
	OpenedBy       string     `json:"opened_by,omitempty"`
	CooldownMillis int64      `json:"cooldown_ms"`
	ValiditySecs   int64      `json:"validity_seconds"`
	OpenedAt       time.Time  `json:"opened_at"`
	LastAcceptedAt *time.Time `json:"last_accepted_at,omitempty"`
	Processed      int64      `json:"frames_processed"`
}

// ScanOutcome is returned for every barcode submitted to a session.
type ScanOutcome struct {
	Raw       string                  `json:"raw"`
	Accepted  bool                    `json:"accepted"`
	SubjectID string                  `json:"subject_id,omitempty"`
	Reason    string                  `json:"reason,omitempty"`
	Event     *models.AttendanceEvent `json:"event,omitempty"`
	Error     string                  `json:"error,omitempty"`
}

// CaptureDefaults apply when an open request leaves a tuning field at zero.
type CaptureDefaults struct {
	Cooldown       time.Duration
	ValidityWindow time.Duration
	FrameBuffer    int
	IdleTimeout    time.Duration
}

type captureEntry struct {
	analyzer *capture.Analyzer
	openedBy string
	lastUsed time.Time
}

// CaptureService owns the open capture sessions and their analyzers.
type CaptureService struct {
	recorder  capture.Recorder
	validator *validator.Validate
	metrics   *MetricsService
	logger    *zap.Logger
	base      context.Context
	defaults  CaptureDefaults
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*captureEntry
}

// NewCaptureService constructs the registry. Analyzers live under base, not under the request
// that opened them.
func NewCaptureService(base context.Context, recorder capture.Recorder, validate *validator.Validate, metrics *MetricsService, defaults CaptureDefaults, logger *zap.Logger) *CaptureService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaults.IdleTimeout <= 0 {
		defaults.IdleTimeout = 30 * time.Minute
	}
	return &CaptureService{
		recorder:  recorder,
		validator: validate,
		metrics:   metrics,
		logger:    logger,
		base:      base,
		defaults:  defaults,
		now:       time.Now,
		sessions:  make(map[string]*captureEntry),
	}
}

// Open starts a session for req.Context.
func (s *CaptureService) Open(req OpenSessionRequest) (*CaptureSessionInfo, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Validation(err)
	}
	ctxName := strings.TrimSpace(req.Context)
	if ctxName == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "context is required")
	}
	cooldown := time.Duration(req.CooldownMillis) * time.Millisecond
	if cooldown <= 0 {
		cooldown = s.defaults.Cooldown
	}
	validity := time.Duration(req.ValiditySeconds) * time.Second
	if validity <= 0 {
		validity = s.defaults.ValidityWindow
	}
	session := capture.Open(capture.SessionOptions{
		Context:        ctxName,
		Cooldown:       cooldown,
		ValidityWindow: validity,
		LateAfter:      req.LateAfter,
	})
	analyzer := capture.NewAnalyzer(s.base, session, s.recorder, capture.AnalyzerConfig{
		Buffer: s.defaults.FrameBuffer,
		Clock:  s.now,
		Logger: s.logger.With(zap.String("session_id", session.ID())),
		OnResult: func(res capture.Result) {
			outcome := "accepted"
			if !res.Decision.Accepted {
				outcome = string(res.Decision.Reason)
			} else if res.Err != nil {
				outcome = "record_failed"
			}
			s.metrics.RecordScan(outcome)
		},
	})

	entry := &captureEntry{analyzer: analyzer, openedBy: req.OpenedBy, lastUsed: s.now()}
	s.mu.Lock()
	s.sessions[session.ID()] = entry
	s.mu.Unlock()

	s.logger.Info("capture session opened",
		zap.String("session_id", session.ID()),
		zap.String("context", ctxName),
		zap.String("opened_by", req.OpenedBy))
	return describeSession(entry), nil
}

// Scan feeds the barcodes of one frame into the session and waits for the outcomes.
func (s *CaptureService) Scan(ctx context.Context, id string, payloads []string) ([]ScanOutcome, error) {
	s.mu.Lock()
	entry, ok := s.sessions[id]
	if ok {
		entry.lastUsed = s.now()
	}
	s.mu.Unlock()
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "capture session not found")
	}

	results, err := entry.analyzer.Process(ctx, capture.NewTextFrame(payloads...))
	if err != nil {
		if errors.Is(err, capture.ErrAnalyzerClosed) {
			return nil, appErrors.ErrSessionClosed
		}
		if errors.Is(err, capture.ErrAnalyzerBusy) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "capture session busy, frame dropped")
		}
		return nil, err
	}

	outcomes := make([]ScanOutcome, 0, len(results))
	for _, res := range results {
		outcome := ScanOutcome{
			Raw:       res.Raw,
			Accepted:  res.Decision.Accepted && res.Err == nil,
			SubjectID: res.Decision.SubjectID,
			Reason:    string(res.Decision.Reason),
			Event:     res.Event,
		}
		if res.Err != nil {
			outcome.Error = res.Err.Error()
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

// Get describes an open session.
func (s *CaptureService) Get(id string) (*CaptureSessionInfo, error) {
	s.mu.Lock()
	entry, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "capture session not found")
	}
	return describeSession(entry), nil
}

// List describes every open session, oldest first.
func (s *CaptureService) List() []CaptureSessionInfo {
	s.mu.Lock()
	infos := make([]CaptureSessionInfo, 0, len(s.sessions))
	for _, entry := range s.sessions {
		infos = append(infos, *describeSession(entry))
	}
	s.mu.Unlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].OpenedAt.Before(infos[j].OpenedAt) })
	return infos
}

// Close ends a session. Writes already accepted are allowed to finish.
func (s *CaptureService) Close(id string) error {
	s.mu.Lock()
	entry, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		return appErrors.Clone(appErrors.ErrNotFound, "capture session not found")
	}
	entry.analyzer.Close()
	s.logger.Info("capture session closed", zap.String("session_id", id), zap.Int64("frames", entry.analyzer.Processed()))
	return nil
}

// CloseIdle closes sessions that have not received a frame within maxIdle, or within the
// configured idle timeout when maxIdle is zero.
func (s *CaptureService) CloseIdle(maxIdle time.Duration) int {
	if maxIdle <= 0 {
		maxIdle = s.defaults.IdleTimeout
	}
	cutoff := s.now().Add(-maxIdle)
	s.mu.Lock()
	var stale []*captureEntry
	for id, entry := range s.sessions {
		if entry.lastUsed.Before(cutoff) {
			stale = append(stale, entry)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()
	for _, entry := range stale {
		entry.analyzer.Close()
	}
	if len(stale) > 0 {
		s.logger.Info("idle capture sessions closed", zap.Int("count", len(stale)))
	}
	return len(stale)
}

// Shutdown closes every session.
func (s *CaptureService) Shutdown() {
	s.mu.Lock()
	entries := make([]*captureEntry, 0, len(s.sessions))
	for id, entry := range s.sessions {
		entries = append(entries, entry)
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	for _, entry := range entries {
		entry.analyzer.Close()
	}
}

func describeSession(entry *captureEntry) *CaptureSessionInfo {
	a := entry.analyzer
	session := a.Session()
	info := &CaptureSessionInfo{
		ID:             session.ID(),
		Context:        session.Context(),
		OpenedBy:       entry.openedBy,
		CooldownMillis: session.Cooldown().Milliseconds(),
		ValiditySecs:   int64(session.ValidityWindow() / time.Second),
		OpenedAt:       session.OpenedAt(),
		Processed:      a.Processed(),
	}
	if last, ok := session.LastAcceptedAt(); ok {
		t := last.UTC()
		info.LastAcceptedAt = &t
	}
	return info
}
