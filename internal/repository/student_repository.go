package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/sma-attendance-sync/internal/models"
)

// StudentRepository manages the student roster.
type StudentRepository struct {
	db *sqlx.DB
}

// NewStudentRepository constructs a StudentRepository.
func NewStudentRepository(db *sqlx.DB) *StudentRepository {
	return &StudentRepository{db: db}
}

// List returns the roster ordered by name.
func (r *StudentRepository) List(ctx context.Context, activeOnly bool) ([]models.Student, error) {
	query := `SELECT id, full_name, active, created_at FROM students`
	if activeOnly {
		query += ` WHERE active = TRUE`
	}
	query += ` ORDER BY full_name ASC, id ASC`
	var students []models.Student
	if err := r.db.SelectContext(ctx, &students, query); err != nil {
		return nil, fmt.Errorf("list students: %w", err)
	}
	return students, nil
}

// Known returns the subset of ids that belong to active students.
func (r *StudentRepository) Known(ctx context.Context, ids []string) (map[string]bool, error) {
	known := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return known, nil
	}
	var found []string
	if err := r.db.SelectContext(ctx, &found, `SELECT id FROM students WHERE id = ANY($1) AND active = TRUE`, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("lookup students: %w", err)
	}
	for _, id := range found {
		known[id] = true
	}
	return known, nil
}

// UpsertMany writes roster entries in one transaction.
func (r *StudentRepository) UpsertMany(ctx context.Context, students []models.Student) error {
	if len(students) == 0 {
		return nil
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin student roster tx: %w", err)
	}
	const query = `INSERT INTO students (id, full_name, active, created_at)
VALUES (:id, :full_name, :active, :created_at)
ON CONFLICT (id) DO UPDATE SET full_name = EXCLUDED.full_name, active = EXCLUDED.active`
	now := time.Now().UTC()
	for i := range students {
		if students[i].CreatedAt.IsZero() {
			students[i].CreatedAt = now
		}
		if _, err := tx.NamedExecContext(ctx, query, students[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("upsert student %s: %w", students[i].ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit student roster tx: %w", err)
	}
	return nil
}
