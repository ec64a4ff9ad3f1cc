package repo

import (
	"database/sql"
	"errors"
)

// Repo is the persistence layer over SQLite. Mutations take the caller's
// transaction so state changes, counters, and audit events commit together.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
