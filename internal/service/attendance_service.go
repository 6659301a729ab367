package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-attendance-sync/internal/models"
	appErrors "github.com/noah-isme/sma-attendance-sync/pkg/errors"
)

type attendanceRepository interface {
	Upsert(ctx context.Context, event *models.AttendanceEvent) (*models.AttendanceEvent, error)
	UpsertMany(ctx context.Context, events []models.AttendanceEvent) ([]models.AttendanceEvent, error)
	UnsyncedCount(ctx context.Context) (int, error)
	ListUnsynced(ctx context.Context, limit int) ([]models.AttendanceEvent, error)
	MarkSynced(ctx context.Context, ids []string, readAt, syncedAt time.Time) (int64, error)
	LastSyncedAt(ctx context.Context) (*time.Time, error)
	History(ctx context.Context, filter models.AttendanceFilter) ([]models.AttendanceEvent, error)
	CountHistory(ctx context.Context, filter models.AttendanceFilter) (int, error)
	Current(ctx context.Context, studentID, attendanceContext string, day time.Time) (*models.AttendanceEvent, error)
	Delete(ctx context.Context, id string) error
	Wipe(ctx context.Context) (int64, error)
	PendingRemovals(ctx context.Context, limit int) ([]string, error)
	ConfirmRemovals(ctx context.Context, ids []string) (int64, error)
}

type studentRoster interface {
	List(ctx context.Context, activeOnly bool) ([]models.Student, error)
	Known(ctx context.Context, ids []string) (map[string]bool, error)
	UpsertMany(ctx context.Context, students []models.Student) error
}

// AttendanceService is the single writer of the attendance ledger.
type AttendanceService struct {
	repo      attendanceRepository
	students  studentRoster
	validator *validator.Validate
	logger    *zap.Logger
	location  *time.Location
	now       func() time.Time

	mu        sync.RWMutex
	listeners []func()
}

// NewAttendanceService constructs the attendance service. Calendar days are computed in loc.
func NewAttendanceService(repo attendanceRepository, students studentRoster, validate *validator.Validate, loc *time.Location, logger *zap.Logger) *AttendanceService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if loc == nil {
		loc = time.UTC
	}
	svc := &AttendanceService{repo: repo, students: students, validator: validate, logger: logger, location: loc, now: time.Now}
	_ = svc.validator.RegisterValidation("attendance_status", func(fl validator.FieldLevel) bool {
		return models.ParseAttendanceStatus(fl.Field().String()).Valid()
	})
	return svc
}

// RecordAttendanceRequest is the payload for a single manual or retroactive entry.
type RecordAttendanceRequest struct {
	StudentID  string     `json:"student_id" validate:"required,max=64"`
	Context    string     `json:"context" validate:"required,max=128"`
	Status     string     `json:"status" validate:"required,attendance_status"`
	RecordedAt *time.Time `json:"recorded_at"`
}

// BulkRecordRequest is the payload for batch entry.
type BulkRecordRequest struct {
	StudentIDs []string   `json:"student_ids" validate:"required,min=1,max=1000"`
	Context    string     `json:"context" validate:"required,max=128"`
	Status     string     `json:"status" validate:"required,attendance_status"`
	RecordedAt *time.Time `json:"recorded_at"`
}

// OnChange registers fn to run after every successful ledger mutation.
func (s *AttendanceService) OnChange(fn func()) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *AttendanceService) changed() {
	s.mu.RLock()
	listeners := append([]func(){}, s.listeners...)
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn()
	}
}

// Day returns the calendar day of at in the school timezone, as a UTC midnight date.
func (s *AttendanceService) Day(at time.Time) time.Time {
	y, m, d := at.In(s.location).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Record upserts the status for (student, context, day of at). A later write on the same day
// supersedes the earlier one and marks the row unsynced again.
func (s *AttendanceService) Record(ctx context.Context, studentID, attendanceContext string, status models.AttendanceStatus, at time.Time) (*models.AttendanceEvent, error) {
	studentID = strings.TrimSpace(studentID)
	attendanceContext = strings.TrimSpace(attendanceContext)
	if studentID == "" || attendanceContext == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "student_id and context are required")
	}
	if !status.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "invalid attendance status")
	}
	if at.IsZero() {
		at = s.now()
	}
	event := &models.AttendanceEvent{
		StudentID:  studentID,
		Context:    attendanceContext,
		Day:        s.Day(at),
		Status:     status,
		RecordedAt: at.UTC(),
	}
	stored, err := s.repo.Upsert(ctx, event)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record attendance")
	}
	s.logger.Debug("attendance recorded",
		zap.String("student_id", stored.StudentID),
		zap.String("context", stored.Context),
		zap.String("status", string(stored.Status)))
	s.changed()
	return stored, nil
}

// RecordRequest validates and records a manual entry.
func (s *AttendanceService) RecordRequest(ctx context.Context, req RecordAttendanceRequest) (*models.AttendanceEvent, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Validation(err)
	}
	at := s.now()
	if req.RecordedAt != nil {
		at = *req.RecordedAt
	}
	return s.Record(ctx, req.StudentID, req.Context, models.ParseAttendanceStatus(req.Status), at)
}

// BulkRecord records status for every known id in one transaction. Duplicate, blank and unknown
// ids are skipped and reported; a storage failure fails the whole batch.
func (s *AttendanceService) BulkRecord(ctx context.Context, req BulkRecordRequest) (*models.BulkRecordResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Validation(err)
	}
	at := s.now()
	if req.RecordedAt != nil {
		at = *req.RecordedAt
	}
	status := models.ParseAttendanceStatus(req.Status)
	result := &models.BulkRecordResult{Requested: len(req.StudentIDs), Recorded: []models.AttendanceEvent{}}

	seen := make(map[string]struct{}, len(req.StudentIDs))
	ids := make([]string, 0, len(req.StudentIDs))
	for _, raw := range req.StudentIDs {
		id := strings.TrimSpace(raw)
		if id == "" {
			result.Skipped = append(result.Skipped, models.BulkSkip{StudentID: raw, Reason: "empty id"})
			continue
		}
		if _, dup := seen[id]; dup {
			result.Skipped = append(result.Skipped, models.BulkSkip{StudentID: id, Reason: "duplicate id"})
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	known, err := s.students.Known(ctx, ids)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to look up students")
	}

	day := s.Day(at)
	events := make([]models.AttendanceEvent, 0, len(ids))
	for _, id := range ids {
		if !known[id] {
			result.Skipped = append(result.Skipped, models.BulkSkip{StudentID: id, Reason: appErrors.ErrUnknownStudent.Message})
			continue
		}
		events = append(events, models.AttendanceEvent{
			StudentID:  id,
			Context:    strings.TrimSpace(req.Context),
			Day:        day,
			Status:     status,
			RecordedAt: at.UTC(),
		})
	}
	if len(events) == 0 {
		return result, nil
	}

	stored, err := s.repo.UpsertMany(ctx, events)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "bulk record failed")
	}
	result.Recorded = stored
	s.changed()
	return result, nil
}

// UnsyncedCount returns the number of rows awaiting upload.
func (s *AttendanceService) UnsyncedCount(ctx context.Context) (int, error) {
	count, err := s.repo.UnsyncedCount(ctx)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count unsynced attendance")
	}
	return count, nil
}

// PendingBatch returns up to limit unsynced rows, oldest first.
func (s *AttendanceService) PendingBatch(ctx context.Context, limit int) ([]models.AttendanceEvent, error) {
	events, err := s.repo.ListUnsynced(ctx, limit)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load unsynced attendance")
	}
	return events, nil
}

// MarkSynced flags the ids as acknowledged by the remote store. Rows rewritten after readAt
// stay unsynced.
func (s *AttendanceService) MarkSynced(ctx context.Context, ids []string, readAt time.Time) (int64, error) {
	affected, err := s.repo.MarkSynced(ctx, ids, readAt, s.now().UTC())
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to mark attendance synced")
	}
	if affected > 0 {
		s.changed()
	}
	return affected, nil
}

// PendingRemovals returns up to limit ids of deleted events that the remote store still holds.
func (s *AttendanceService) PendingRemovals(ctx context.Context, limit int) ([]string, error) {
	ids, err := s.repo.PendingRemovals(ctx, limit)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load pending removals")
	}
	return ids, nil
}

// ConfirmRemovals records that the remote store dropped ids.
func (s *AttendanceService) ConfirmRemovals(ctx context.Context, ids []string) (int64, error) {
	n, err := s.repo.ConfirmRemovals(ctx, ids)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to confirm removals")
	}
	return n, nil
}

// LastSyncedAt returns the last remote acknowledgement time, if any.
func (s *AttendanceService) LastSyncedAt(ctx context.Context) (*time.Time, error) {
	last, err := s.repo.LastSyncedAt(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to read last sync time")
	}
	return last, nil
}

// History returns events most recent first. Each call queries the store again and returns a new slice.
func (s *AttendanceService) History(ctx context.Context, filter models.AttendanceFilter) ([]models.AttendanceEvent, error) {
	events, err := s.repo.History(ctx, filter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load attendance history")
	}
	if events == nil {
		events = []models.AttendanceEvent{}
	}
	return events, nil
}

// HistoryPage returns one page of history with its pagination metadata.
func (s *AttendanceService) HistoryPage(ctx context.Context, filter models.AttendanceFilter) ([]models.AttendanceEvent, *models.Pagination, error) {
	if filter.Page <= 0 {
		filter.Page = 1
	}
	if filter.Limit <= 0 || filter.Limit > 5000 {
		filter.Limit = 500
	}
	events, err := s.History(ctx, filter)
	if err != nil {
		return nil, nil, err
	}
	total, err := s.repo.CountHistory(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count attendance history")
	}
	return events, &models.Pagination{Page: filter.Page, PageSize: filter.Limit, TotalCount: total}, nil
}

// CurrentStatus returns the authoritative event for the student on the day containing at.
func (s *AttendanceService) CurrentStatus(ctx context.Context, studentID, attendanceContext string, at time.Time) (*models.AttendanceEvent, error) {
	event, err := s.repo.Current(ctx, studentID, attendanceContext, s.Day(at))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "no attendance recorded")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load attendance")
	}
	return event, nil
}

// Delete removes one event as a history edit. A copy already pushed is removed from the remote
// store by the next sync.
func (s *AttendanceService) Delete(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "attendance event not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete attendance")
	}
	s.changed()
	return nil
}

// Wipe removes every ledger row.
func (s *AttendanceService) Wipe(ctx context.Context) (int64, error) {
	n, err := s.repo.Wipe(ctx)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to wipe attendance")
	}
	s.logger.Warn("attendance ledger wiped", zap.Int64("rows", n))
	s.changed()
	return n, nil
}

// RegisterStudentsRequest replaces or extends the roster.
type RegisterStudentsRequest struct {
	Students []models.Student `json:"students" validate:"required,min=1,dive"`
}

// RegisterStudents upserts roster entries used to validate bulk entry.
func (s *AttendanceService) RegisterStudents(ctx context.Context, req RegisterStudentsRequest) (int, error) {
	if err := s.validator.Struct(req); err != nil {
		return 0, appErrors.Validation(err)
	}
	if err := s.students.UpsertMany(ctx, req.Students); err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to register students")
	}
	return len(req.Students), nil
}

// Students lists the roster.
func (s *AttendanceService) Students(ctx context.Context, activeOnly bool) ([]models.Student, error) {
	students, err := s.students.List(ctx, activeOnly)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list students")
	}
	return students, nil
}
