// Package store is the hand-written persistence layer for the diagnosis
// pipeline. It replaces a generated ORM client with direct database/sql
// queries against the schema in pkg/database/migrations, following the
// same raw-SQL-over-pgx approach the event publisher already uses for
// NOTIFY payloads and catch-up queries.
package store

import (
	"database/sql"
)

// Store groups every repository behind the single *sql.DB connection
// handed out by database.Client. All callers share this one type; there
// are no narrower per-concern views.
type Store struct {
	db *sql.DB
}

// New wraps a live *sql.DB in a Store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying connection for callers that need to compose a
// transaction spanning more than one repository method (e.g. the run
// orchestrator persisting a run row and its tasks together).
func (s *Store) DB() *sql.DB {
	return s.db
}
