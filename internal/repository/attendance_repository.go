package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/sma-attendance-sync/internal/models"
)

const attendanceColumns = `id, student_id, context, day, status, recorded_at, synced, synced_at, created_at, updated_at`

const upsertAttendanceQuery = `INSERT INTO attendance_events (id, student_id, context, day, status, recorded_at, synced, synced_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, FALSE, NULL, $7, $8)
ON CONFLICT (student_id, context, day)
DO UPDATE SET status = EXCLUDED.status, recorded_at = EXCLUDED.recorded_at, synced = FALSE, updated_at = EXCLUDED.updated_at
RETURNING ` + attendanceColumns

const markSyncedQuery = `UPDATE attendance_events SET synced = TRUE, synced_at = $2
WHERE id = ANY($1) AND synced = FALSE AND updated_at <= $3`

// recordSyncQuery never moves the acknowledgement time backwards.
const recordSyncQuery = `INSERT INTO sync_state (name, last_synced_at, updated_at) VALUES ($1, $2, $2)
ON CONFLICT (name) DO UPDATE SET last_synced_at = GREATEST(sync_state.last_synced_at, EXCLUDED.last_synced_at), updated_at = EXCLUDED.updated_at`

const insertTombstoneQuery = `INSERT INTO attendance_tombstones (event_id, deleted_at) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING`

// wipeAttendanceQuery tombstones every row that ever reached the remote store, then reports how
// many rows were removed.
const wipeAttendanceQuery = `WITH removed AS (
    DELETE FROM attendance_events RETURNING id, synced_at
), tombstoned AS (
    INSERT INTO attendance_tombstones (event_id, deleted_at)
    SELECT id, $1 FROM removed WHERE synced_at IS NOT NULL
    ON CONFLICT (event_id) DO NOTHING
)
SELECT COUNT(*) FROM removed`

const attendanceSyncState = "attendance"

type attendanceQueryer interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

// AttendanceRepository is the ledger store: one row per (student, context, day).
type AttendanceRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewAttendanceRepository constructs an attendance repository.
func NewAttendanceRepository(db *sqlx.DB) *AttendanceRepository {
	return &AttendanceRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Upsert inserts the event or supersedes the existing row for its day. Any write marks the row unsynced.
func (r *AttendanceRepository) Upsert(ctx context.Context, event *models.AttendanceEvent) (*models.AttendanceEvent, error) {
	stored, err := r.upsert(ctx, r.db, event)
	if err != nil {
		return nil, fmt.Errorf("upsert attendance event: %w", err)
	}
	return stored, nil
}

// UpsertMany writes all events in one transaction; either every row is written or none is.
func (r *AttendanceRepository) UpsertMany(ctx context.Context, events []models.AttendanceEvent) ([]models.AttendanceEvent, error) {
	if len(events) == 0 {
		return nil, nil
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin bulk attendance: %w", err)
	}
	commit := false
	defer func() {
		if !commit {
			_ = tx.Rollback()
		}
	}()

	stored := make([]models.AttendanceEvent, 0, len(events))
	for i := range events {
		row, err := r.upsert(ctx, tx, &events[i])
		if err != nil {
			return nil, fmt.Errorf("bulk upsert attendance for student %s: %w", events[i].StudentID, err)
		}
		stored = append(stored, *row)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit bulk attendance: %w", err)
	}
	commit = true
	return stored, nil
}

func (r *AttendanceRepository) upsert(ctx context.Context, q attendanceQueryer, event *models.AttendanceEvent) (*models.AttendanceEvent, error) {
	now := r.now()
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now
	}
	event.UpdatedAt = now
	var stored models.AttendanceEvent
	if err := q.GetContext(ctx, &stored, upsertAttendanceQuery,
		event.ID, event.StudentID, event.Context, event.Day, event.Status, event.RecordedAt, event.CreatedAt, event.UpdatedAt); err != nil {
		return nil, err
	}
	return &stored, nil
}

// UnsyncedCount returns how many rows still need to reach the remote store.
func (r *AttendanceRepository) UnsyncedCount(ctx context.Context) (int, error) {
	var count int
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM attendance_events WHERE synced = FALSE`); err != nil {
		return 0, fmt.Errorf("count unsynced attendance: %w", err)
	}
	return count, nil
}

// ListUnsynced returns the oldest unsynced rows first.
func (r *AttendanceRepository) ListUnsynced(ctx context.Context, limit int) ([]models.AttendanceEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM attendance_events WHERE synced = FALSE ORDER BY updated_at ASC LIMIT %d`, attendanceColumns, limit)
	var events []models.AttendanceEvent
	if err := r.db.SelectContext(ctx, &events, query); err != nil {
		return nil, fmt.Errorf("list unsynced attendance: %w", err)
	}
	return events, nil
}

// MarkSynced flags rows as acknowledged. Rows modified after readAt keep synced = FALSE so a
// superseding write made during the upload is pushed on the next run. When any row is
// acknowledged, syncedAt becomes the ledger's last sync time.
func (r *AttendanceRepository) MarkSynced(ctx context.Context, ids []string, readAt, syncedAt time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin mark attendance synced: %w", err)
	}
	commit := false
	defer func() {
		if !commit {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, markSyncedQuery, pq.Array(ids), syncedAt, readAt)
	if err != nil {
		return 0, fmt.Errorf("mark attendance synced: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark attendance synced rows: %w", err)
	}
	if affected > 0 {
		if _, err := tx.ExecContext(ctx, recordSyncQuery, attendanceSyncState, syncedAt); err != nil {
			return 0, fmt.Errorf("record attendance sync time: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit mark attendance synced: %w", err)
	}
	commit = true
	return affected, nil
}

// LastSyncedAt returns the most recent acknowledgement time, or nil when nothing was synced yet.
// Rewrites, deletes and wipes of ledger rows do not affect it.
func (r *AttendanceRepository) LastSyncedAt(ctx context.Context) (*time.Time, error) {
	var last time.Time
	err := r.db.GetContext(ctx, &last, `SELECT last_synced_at FROM sync_state WHERE name = $1`, attendanceSyncState)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last attendance sync: %w", err)
	}
	return &last, nil
}

// History lists events most recent first.
func (r *AttendanceRepository) History(ctx context.Context, filter models.AttendanceFilter) ([]models.AttendanceEvent, error) {
	where, args := historyWhere(filter)
	limit := historyLimit(filter.Limit)
	query := fmt.Sprintf(`SELECT %s FROM attendance_events WHERE %s ORDER BY recorded_at DESC, id ASC LIMIT %d`,
		attendanceColumns, where, limit)
	if filter.Page > 1 {
		query += fmt.Sprintf(" OFFSET %d", (filter.Page-1)*limit)
	}
	var events []models.AttendanceEvent
	if err := r.db.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, fmt.Errorf("list attendance history: %w", err)
	}
	return events, nil
}

// CountHistory counts the rows History would page through.
func (r *AttendanceRepository) CountHistory(ctx context.Context, filter models.AttendanceFilter) (int, error) {
	where, args := historyWhere(filter)
	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM attendance_events WHERE `+where, args...); err != nil {
		return 0, fmt.Errorf("count attendance history: %w", err)
	}
	return total, nil
}

func historyLimit(limit int) int {
	if limit <= 0 || limit > 5000 {
		return 500
	}
	return limit
}

func historyWhere(filter models.AttendanceFilter) (string, []interface{}) {
	where := []string{"1=1"}
	args := []interface{}{}
	if filter.Context != "" {
		where = append(where, fmt.Sprintf("context = $%d", len(args)+1))
		args = append(args, filter.Context)
	}
	if filter.StudentID != "" {
		where = append(where, fmt.Sprintf("student_id = $%d", len(args)+1))
		args = append(args, filter.StudentID)
	}
	if filter.From != nil {
		where = append(where, fmt.Sprintf("day >= $%d", len(args)+1))
		args = append(args, *filter.From)
	}
	if filter.To != nil {
		where = append(where, fmt.Sprintf("day <= $%d", len(args)+1))
		args = append(args, *filter.To)
	}
	return strings.Join(where, " AND "), args
}

// Current returns the authoritative row for (student, context, day).
func (r *AttendanceRepository) Current(ctx context.Context, studentID, attendanceContext string, day time.Time) (*models.AttendanceEvent, error) {
	query := fmt.Sprintf(`SELECT %s FROM attendance_events WHERE student_id = $1 AND context = $2 AND day = $3`, attendanceColumns)
	var event models.AttendanceEvent
	if err := r.db.GetContext(ctx, &event, query, studentID, attendanceContext, day); err != nil {
		return nil, err
	}
	return &event, nil
}

// Delete removes a single event. It returns sql.ErrNoRows when the id does not exist. A row that
// was ever pushed leaves a tombstone so the remote copy is removed on the next sync.
func (r *AttendanceRepository) Delete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete attendance event: %w", err)
	}
	commit := false
	defer func() {
		if !commit {
			_ = tx.Rollback()
		}
	}()

	var syncedAt sql.NullTime
	if err := tx.GetContext(ctx, &syncedAt, `DELETE FROM attendance_events WHERE id = $1 RETURNING synced_at`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sql.ErrNoRows
		}
		return fmt.Errorf("delete attendance event: %w", err)
	}
	if syncedAt.Valid {
		if _, err := tx.ExecContext(ctx, insertTombstoneQuery, id, r.now()); err != nil {
			return fmt.Errorf("tombstone attendance event: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete attendance event: %w", err)
	}
	commit = true
	return nil
}

// Wipe removes every event and returns how many were deleted.
func (r *AttendanceRepository) Wipe(ctx context.Context) (int64, error) {
	var removed int64
	if err := r.db.GetContext(ctx, &removed, wipeAttendanceQuery, r.now()); err != nil {
		return 0, fmt.Errorf("wipe attendance events: %w", err)
	}
	return removed, nil
}

// PendingRemovals returns ids of deleted events whose remote copies still have to be removed,
// oldest deletion first.
func (r *AttendanceRepository) PendingRemovals(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	var ids []string
	query := fmt.Sprintf(`SELECT event_id FROM attendance_tombstones ORDER BY deleted_at ASC, event_id ASC LIMIT %d`, limit)
	if err := r.db.SelectContext(ctx, &ids, query); err != nil {
		return nil, fmt.Errorf("list attendance tombstones: %w", err)
	}
	return ids, nil
}

// ConfirmRemovals drops tombstones once the remote store has forgotten the events.
func (r *AttendanceRepository) ConfirmRemovals(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM attendance_tombstones WHERE event_id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("clear attendance tombstones: %w", err)
	}
	return res.RowsAffected()
}
