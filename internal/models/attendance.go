package models

import (
	"strings"
	"time"
)

// AttendanceStatus represents the outcome stored for a student on a day.
type AttendanceStatus string

const (
	AttendanceStatusPresent  AttendanceStatus = "present"
	AttendanceStatusLate     AttendanceStatus = "late"
	AttendanceStatusAbsent   AttendanceStatus = "absent"
	AttendanceStatusUnmarked AttendanceStatus = "unmarked"
	// AttendanceStatusUnknown keeps rows written by older clients readable.
	AttendanceStatusUnknown AttendanceStatus = "unknown"
)

// ParseAttendanceStatus maps free-form and legacy single-letter codes onto the closed set.
func ParseAttendanceStatus(raw string) AttendanceStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "present", "p", "h":
		return AttendanceStatusPresent
	case "late", "l", "t":
		return AttendanceStatusLate
	case "absent", "a":
		return AttendanceStatusAbsent
	case "unmarked", "":
		return AttendanceStatusUnmarked
	default:
		return AttendanceStatusUnknown
	}
}

// Valid reports whether the status may be written by callers.
func (s AttendanceStatus) Valid() bool {
	switch s {
	case AttendanceStatusPresent, AttendanceStatusLate, AttendanceStatusAbsent, AttendanceStatusUnmarked:
		return true
	default:
		return false
	}
}

// AttendanceEvent is a single ledger row, unique per (student, context, day).
type AttendanceEvent struct {
	ID         string           `db:"id" json:"id"`
	StudentID  string           `db:"student_id" json:"student_id"`
	Context    string           `db:"context" json:"context"`
	Day        time.Time        `db:"day" json:"day"`
	Status     AttendanceStatus `db:"status" json:"status"`
	RecordedAt time.Time        `db:"recorded_at" json:"recorded_at"`
	Synced     bool             `db:"synced" json:"synced"`
	SyncedAt   *time.Time       `db:"synced_at" json:"synced_at,omitempty"`
	CreatedAt  time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time        `db:"updated_at" json:"updated_at"`
}

// DayKey identifies the uniqueness slot of an event.
func (e AttendanceEvent) DayKey() string {
	return e.StudentID + "|" + e.Context + "|" + e.Day.Format("2006-01-02")
}

// BulkRecordResult aggregates the outcome of a batch write.
type BulkRecordResult struct {
	Requested int               `json:"requested"`
	Recorded  []AttendanceEvent `json:"recorded"`
	Skipped   []BulkSkip        `json:"skipped,omitempty"`
}

// BulkSkip describes an id that was not written.
type BulkSkip struct {
	StudentID string `json:"student_id"`
	Reason    string `json:"reason"`
}

// AttendanceFilter narrows history queries; zero values mean no constraint.
type AttendanceFilter struct {
	Context   string     `form:"context"`
	StudentID string     `form:"student_id"`
	From      *time.Time `form:"-"`
	To        *time.Time `form:"-"`
	Limit     int        `form:"limit"`
	Page      int        `form:"page"`
}
