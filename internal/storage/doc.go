// Package storage owns the SQLite database: leads, the connect queue,
// scrape runs, persisted settings, and the browser profile lease row.
//
// The database is opened with a single writer connection; all timestamps
// are stored as RFC3339Nano text in UTC and interpreted in local time
// where calendar-day semantics apply.
package storage
