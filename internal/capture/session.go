package capture

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/sma-attendance-sync/internal/models"
)

const (
	DefaultCooldown       = 1500 * time.Millisecond
	DefaultValidityWindow = 60 * time.Second
)

// SessionOptions configures a capture session.
type SessionOptions struct {
	Context        string
	Cooldown       time.Duration
	ValidityWindow time.Duration
	// LateAfter, when set, records scans accepted after it as late instead of present.
	LateAfter *time.Time
}

// Session is the transient state of one capture screen. It is owned by whoever opened it and
// must be closed when capture stops.
type Session struct {
	id             string
	context        string
	cooldown       time.Duration
	validityWindow time.Duration
	lateAfter      *time.Time
	openedAt       time.Time

	// lastAccepted holds unix nanoseconds of the last accepted scan; zero means none yet.
	lastAccepted atomic.Int64
	closed       atomic.Bool
}

// Open starts a new session.
func Open(opts SessionOptions) *Session {
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	if opts.ValidityWindow <= 0 {
		opts.ValidityWindow = DefaultValidityWindow
	}
	return &Session{
		id:             uuid.NewString(),
		context:        opts.Context,
		cooldown:       opts.Cooldown,
		validityWindow: opts.ValidityWindow,
		lateAfter:      opts.LateAfter,
		openedAt:       time.Now().UTC(),
	}
}

func (s *Session) ID() string                    { return s.id }
func (s *Session) Context() string               { return s.context }
func (s *Session) Cooldown() time.Duration       { return s.cooldown }
func (s *Session) ValidityWindow() time.Duration { return s.validityWindow }
func (s *Session) OpenedAt() time.Time           { return s.openedAt }

// Close discards the session; later Accept calls are rejected.
func (s *Session) Close() { s.closed.Store(true) }

// Closed reports whether Close was called.
func (s *Session) Closed() bool { return s.closed.Load() }

// LastAcceptedAt returns the time of the last accepted scan, if any.
func (s *Session) LastAcceptedAt() (time.Time, bool) {
	n := s.lastAccepted.Load()
	if n == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, n), true
}

// StatusAt is the attendance status a scan accepted at now records.
func (s *Session) StatusAt(now time.Time) models.AttendanceStatus {
	if s.lateAfter != nil && now.After(*s.lateAfter) {
		return models.AttendanceStatusLate
	}
	return models.AttendanceStatusPresent
}

// claim atomically moves lastAccepted to now when the cooldown has elapsed. Concurrent callers
// racing inside one window see exactly one success.
func (s *Session) claim(now time.Time) bool {
	next := now.UnixNano()
	for {
		last := s.lastAccepted.Load()
		if last != 0 && next-last < int64(s.cooldown) {
			return false
		}
		if s.lastAccepted.CompareAndSwap(last, next) {
			return true
		}
	}
}
