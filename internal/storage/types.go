package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file next to Path
//   - "sqlite": SQLite database file at Path
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// RunRecord is one job run. Keep it compact and schema-stable.
type RunRecord struct {
	ID       string    `json:"id"`
	Task     string    `json:"task"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	Outcome  string    `json:"outcome"`
	Error    string    `json:"error,omitempty"`
	TookMS   int64     `json:"took_ms"`
}

// Store is the persistence API used by the app.
type Store interface {
	AppendRun(ctx context.Context, r RunRecord) error
	// RecentRuns returns up to n records, newest first.
	RecentRuns(ctx context.Context, n int) ([]RunRecord, error)
	// Prune deletes records that started before cutoff and reports how many.
	Prune(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}
