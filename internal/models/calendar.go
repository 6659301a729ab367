package models

import (
	"fmt"
	"time"
)

// EventType classifies calendar entries.
type EventType string

const (
	EventTypeHoliday  EventType = "holiday"
	EventTypeNoClass  EventType = "no_class"
	EventTypeBreak    EventType = "break"
	EventTypeExam     EventType = "exam"
	EventTypeActivity EventType = "activity"
	EventTypePeriod   EventType = "period"
	// EventTypeOther covers labels this version does not recognise; TypeLabel keeps the original.
	EventTypeOther EventType = "other"
)

// SchoolEvent is one entry of the replaceable calendar event set.
type SchoolEvent struct {
	ID          string    `db:"id" json:"id"`
	Date        time.Time `db:"date" json:"date"`
	Title       string    `db:"title" json:"title"`
	Description string    `db:"description" json:"description"`
	Type        EventType `db:"type" json:"type"`
	TypeLabel   string    `db:"type_label" json:"type_label"`
	IsNoClass   bool      `db:"is_no_class" json:"is_no_class"`
	Synced      bool      `db:"synced" json:"synced"`
}

// Track distinguishes the junior-high and senior-high quarter calendars.
type Track string

const (
	TrackJunior Track = "jhs"
	TrackSenior Track = "shs"
)

// Boundary selects the start or end date of a quarter.
type Boundary string

const (
	BoundaryStart Boundary = "start"
	BoundaryEnd   Boundary = "end"
)

// PeriodField addresses one date of the SchoolPeriod aggregate.
type PeriodField struct {
	Track    Track
	Quarter  int
	Boundary Boundary
}

func (f PeriodField) String() string {
	return fmt.Sprintf("%s_q%d_%s", f.Track, f.Quarter, f.Boundary)
}

// SchoolPeriod is the singleton per school year holding quarter boundaries for both tracks.
// Senior-high quarters pair into semesters: (Q1,Q2) and (Q3,Q4).
type SchoolPeriod struct {
	SchoolYear string     `db:"school_year" json:"school_year"`
	JHSQ1Start *time.Time `db:"jhs_q1_start" json:"jhs_q1_start,omitempty"`
	JHSQ1End   *time.Time `db:"jhs_q1_end" json:"jhs_q1_end,omitempty"`
	JHSQ2Start *time.Time `db:"jhs_q2_start" json:"jhs_q2_start,omitempty"`
	JHSQ2End   *time.Time `db:"jhs_q2_end" json:"jhs_q2_end,omitempty"`
	JHSQ3Start *time.Time `db:"jhs_q3_start" json:"jhs_q3_start,omitempty"`
	JHSQ3End   *time.Time `db:"jhs_q3_end" json:"jhs_q3_end,omitempty"`
	JHSQ4Start *time.Time `db:"jhs_q4_start" json:"jhs_q4_start,omitempty"`
	JHSQ4End   *time.Time `db:"jhs_q4_end" json:"jhs_q4_end,omitempty"`
	SHSQ1Start *time.Time `db:"shs_q1_start" json:"shs_q1_start,omitempty"`
	SHSQ1End   *time.Time `db:"shs_q1_end" json:"shs_q1_end,omitempty"`
	SHSQ2Start *time.Time `db:"shs_q2_start" json:"shs_q2_start,omitempty"`
	SHSQ2End   *time.Time `db:"shs_q2_end" json:"shs_q2_end,omitempty"`
	SHSQ3Start *time.Time `db:"shs_q3_start" json:"shs_q3_start,omitempty"`
	SHSQ3End   *time.Time `db:"shs_q3_end" json:"shs_q3_end,omitempty"`
	SHSQ4Start *time.Time `db:"shs_q4_start" json:"shs_q4_start,omitempty"`
	SHSQ4End   *time.Time `db:"shs_q4_end" json:"shs_q4_end,omitempty"`
	UpdatedAt  time.Time  `db:"updated_at" json:"updated_at"`
}

func (p *SchoolPeriod) slot(f PeriodField) **time.Time {
	type pair struct{ start, end **time.Time }
	var quarters [4]pair
	switch f.Track {
	case TrackJunior:
		quarters = [4]pair{{&p.JHSQ1Start, &p.JHSQ1End}, {&p.JHSQ2Start, &p.JHSQ2End}, {&p.JHSQ3Start, &p.JHSQ3End}, {&p.JHSQ4Start, &p.JHSQ4End}}
	case TrackSenior:
		quarters = [4]pair{{&p.SHSQ1Start, &p.SHSQ1End}, {&p.SHSQ2Start, &p.SHSQ2End}, {&p.SHSQ3Start, &p.SHSQ3End}, {&p.SHSQ4Start, &p.SHSQ4End}}
	default:
		return nil
	}
	if f.Quarter < 1 || f.Quarter > 4 {
		return nil
	}
	q := quarters[f.Quarter-1]
	if f.Boundary == BoundaryEnd {
		return q.end
	}
	return q.start
}

// Get returns the stored date for the field, or nil.
func (p *SchoolPeriod) Get(f PeriodField) *time.Time {
	if s := p.slot(f); s != nil {
		return *s
	}
	return nil
}

// Set overwrites exactly one field and reports whether the field was addressable.
func (p *SchoolPeriod) Set(f PeriodField, value time.Time) bool {
	s := p.slot(f)
	if s == nil {
		return false
	}
	v := value
	*s = &v
	return true
}

// Semester describes a senior-high semester range.
type Semester struct {
	Name  string
	Start *time.Time
	End   *time.Time
}

// Semesters groups the senior-high quarters for export.
func (p *SchoolPeriod) Semesters() []Semester {
	return []Semester{
		{Name: "First Semester", Start: p.SHSQ1Start, End: p.SHSQ2End},
		{Name: "Second Semester", Start: p.SHSQ3Start, End: p.SHSQ4End},
	}
}

// SemesterFor returns the semester containing day, or "" when the period does not cover it.
func (p *SchoolPeriod) SemesterFor(day time.Time) string {
	for _, sem := range p.Semesters() {
		if sem.Start == nil || sem.End == nil {
			continue
		}
		if !day.Before(*sem.Start) && !day.After(*sem.End) {
			return sem.Name
		}
	}
	return ""
}

// Earliest returns the earliest boundary set on either track, or nil when none is.
func (p *SchoolPeriod) Earliest() *time.Time {
	var earliest *time.Time
	for _, track := range []Track{TrackJunior, TrackSenior} {
		for q := 1; q <= 4; q++ {
			for _, b := range []Boundary{BoundaryStart, BoundaryEnd} {
				if t := p.Get(PeriodField{Track: track, Quarter: q, Boundary: b}); t != nil && (earliest == nil || t.Before(*earliest)) {
					earliest = t
				}
			}
		}
	}
	return earliest
}
