package models

import "time"

// Student is a roster entry; scans and bulk entries reference it by ID.
type Student struct {
	ID        string    `db:"id" json:"id" validate:"required,max=64"`
	FullName  string    `db:"full_name" json:"full_name" validate:"max=255"`
	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
