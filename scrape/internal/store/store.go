// Package store provides the data access layer for the scraping pipeline.
//
// All tables are append-mostly: attempts and events are inserted once and
// only their status/error columns mutate afterwards; page cache rows and
// diagnostic logs are never updated at all.
package store

import "database/sql"

// Store wraps an open database for pipeline operations.
type Store struct {
	DB *sql.DB
}

// NewStore creates a Store from an already-opened database connection.
func NewStore(db *sql.DB) *Store {
	return &Store{DB: db}
}
