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

	"github.com/noah-isme/sma-attendance-sync/internal/models"
)

const periodColumns = `school_year, jhs_q1_start, jhs_q1_end, jhs_q2_start, jhs_q2_end, jhs_q3_start, jhs_q3_end, jhs_q4_start, jhs_q4_end,
shs_q1_start, shs_q1_end, shs_q2_start, shs_q2_end, shs_q3_start, shs_q3_end, shs_q4_start, shs_q4_end, updated_at`

const upsertPeriodQuery = `INSERT INTO school_periods (` + periodColumns + `)
VALUES (:school_year, :jhs_q1_start, :jhs_q1_end, :jhs_q2_start, :jhs_q2_end, :jhs_q3_start, :jhs_q3_end, :jhs_q4_start, :jhs_q4_end,
:shs_q1_start, :shs_q1_end, :shs_q2_start, :shs_q2_end, :shs_q3_start, :shs_q3_end, :shs_q4_start, :shs_q4_end, :updated_at)
ON CONFLICT (school_year) DO UPDATE SET
jhs_q1_start = COALESCE(EXCLUDED.jhs_q1_start, school_periods.jhs_q1_start), jhs_q1_end = COALESCE(EXCLUDED.jhs_q1_end, school_periods.jhs_q1_end),
jhs_q2_start = COALESCE(EXCLUDED.jhs_q2_start, school_periods.jhs_q2_start), jhs_q2_end = COALESCE(EXCLUDED.jhs_q2_end, school_periods.jhs_q2_end),
jhs_q3_start = COALESCE(EXCLUDED.jhs_q3_start, school_periods.jhs_q3_start), jhs_q3_end = COALESCE(EXCLUDED.jhs_q3_end, school_periods.jhs_q3_end),
jhs_q4_start = COALESCE(EXCLUDED.jhs_q4_start, school_periods.jhs_q4_start), jhs_q4_end = COALESCE(EXCLUDED.jhs_q4_end, school_periods.jhs_q4_end),
shs_q1_start = COALESCE(EXCLUDED.shs_q1_start, school_periods.shs_q1_start), shs_q1_end = COALESCE(EXCLUDED.shs_q1_end, school_periods.shs_q1_end),
shs_q2_start = COALESCE(EXCLUDED.shs_q2_start, school_periods.shs_q2_start), shs_q2_end = COALESCE(EXCLUDED.shs_q2_end, school_periods.shs_q2_end),
shs_q3_start = COALESCE(EXCLUDED.shs_q3_start, school_periods.shs_q3_start), shs_q3_end = COALESCE(EXCLUDED.shs_q3_end, school_periods.shs_q3_end),
shs_q4_start = COALESCE(EXCLUDED.shs_q4_start, school_periods.shs_q4_start), shs_q4_end = COALESCE(EXCLUDED.shs_q4_end, school_periods.shs_q4_end),
updated_at = EXCLUDED.updated_at`

// lockPeriodQuery serialises imports of one school year, including the first one when no row
// exists yet to lock.
const lockPeriodQuery = `SELECT pg_advisory_xact_lock(hashtext($1))`

const insertEventQuery = `INSERT INTO school_events (id, date, title, description, type, type_label, is_no_class, synced)
VALUES (:id, :date, :title, :description, :type, :type_label, :is_no_class, :synced)`

// CalendarRepository persists the school period singleton and the calendar event set.
type CalendarRepository struct {
	db *sqlx.DB
}

// NewCalendarRepository constructs a calendar repository.
func NewCalendarRepository(db *sqlx.DB) *CalendarRepository {
	return &CalendarRepository{db: db}
}

// GetPeriod fetches the period for a school year. It returns sql.ErrNoRows when none exists yet.
func (r *CalendarRepository) GetPeriod(ctx context.Context, schoolYear string) (*models.SchoolPeriod, error) {
	query := fmt.Sprintf(`SELECT %s FROM school_periods WHERE school_year = $1`, periodColumns)
	var period models.SchoolPeriod
	if err := r.db.GetContext(ctx, &period, query, schoolYear); err != nil {
		return nil, err
	}
	return &period, nil
}

// ListEvents returns events ordered by date, optionally bounded.
func (r *CalendarRepository) ListEvents(ctx context.Context, from, to *time.Time) ([]models.SchoolEvent, error) {
	where := []string{"1=1"}
	args := []interface{}{}
	if from != nil {
		where = append(where, fmt.Sprintf("date >= $%d", len(args)+1))
		args = append(args, *from)
	}
	if to != nil {
		where = append(where, fmt.Sprintf("date <= $%d", len(args)+1))
		args = append(args, *to)
	}
	query := fmt.Sprintf(`SELECT id, date, title, description, type, type_label, is_no_class, synced
FROM school_events WHERE %s ORDER BY date ASC, title ASC`, strings.Join(where, " AND "))
	var events []models.SchoolEvent
	if err := r.db.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, fmt.Errorf("list school events: %w", err)
	}
	return events, nil
}

// CalendarChanges is the result of a merge ready to be persisted. A nil Period leaves the stored
// period untouched; Events replaces the whole event set only when ReplaceEvents is true.
type CalendarChanges struct {
	Period        *models.SchoolPeriod
	Events        []models.SchoolEvent
	ReplaceEvents bool
}

// CalendarMerge computes the changes for an import from the period currently stored for the
// school year, nil when there is none. Returning an error aborts the import.
type CalendarMerge func(existing *models.SchoolPeriod) (CalendarChanges, error)

// Import runs merge against the stored period and writes its outcome in one transaction. Imports
// for the same school year are serialised so each merge sees the previous one's boundaries.
func (r *CalendarRepository) Import(ctx context.Context, schoolYear string, merge CalendarMerge) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin calendar import tx: %w", err)
	}
	commit := false
	defer func() {
		if !commit {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, lockPeriodQuery, "school_periods:"+schoolYear); err != nil {
		return fmt.Errorf("lock school period: %w", err)
	}
	var existing *models.SchoolPeriod
	var period models.SchoolPeriod
	query := fmt.Sprintf(`SELECT %s FROM school_periods WHERE school_year = $1 FOR UPDATE`, periodColumns)
	switch err := tx.GetContext(ctx, &period, query, schoolYear); {
	case err == nil:
		existing = &period
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("load school period: %w", err)
	}

	changes, err := merge(existing)
	if err != nil {
		return err
	}
	if changes.Period == nil && !changes.ReplaceEvents {
		return nil
	}

	if changes.Period != nil {
		changes.Period.SchoolYear = schoolYear
		changes.Period.UpdatedAt = time.Now().UTC()
		if _, err := tx.NamedExecContext(ctx, upsertPeriodQuery, changes.Period); err != nil {
			return fmt.Errorf("upsert school period: %w", err)
		}
	}
	if changes.ReplaceEvents {
		if _, err := tx.ExecContext(ctx, `DELETE FROM school_events`); err != nil {
			return fmt.Errorf("clear school events: %w", err)
		}
		for i := range changes.Events {
			if changes.Events[i].ID == "" {
				changes.Events[i].ID = uuid.NewString()
			}
			if _, err := tx.NamedExecContext(ctx, insertEventQuery, changes.Events[i]); err != nil {
				return fmt.Errorf("insert school event: %w", err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit calendar import tx: %w", err)
	}
	commit = true
	return nil
}
