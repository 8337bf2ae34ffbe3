// Package database provides the PostgreSQL connection pool and schema for
// the session journal.
package database
