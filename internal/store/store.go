// Package store contains the persistence layer: row types mapped to the
// schema in internal/db/migrations plus query functions for every table.
//
// All functions take an sqlx.ExtContext so they work identically against
// *sqlx.DB and *sqlx.Tx, and queries are written with `?` placeholders and
// rebound per driver, keeping the package portable between SQLite and
// Postgres.
package store

import (
	"database/sql"
	"errors"
)

// ErrNotFound is returned when a row does not exist or is not visible to
// the requesting user. Callers map it to a 404 at the API boundary.
var ErrNotFound = errors.New("store: not found")

// notFound converts sql.ErrNoRows into ErrNotFound and passes everything
// else through.
func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
