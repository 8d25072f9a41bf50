// Package storage persists the run history of scheduled jobs.
//
// Every Run call the engine makes ends up as one RunRecord. Drivers:
//   - file: append-only JSON Lines, no dependencies
//   - sqlite: a single SQLite database (modernc.org/sqlite, pure Go)
package storage
