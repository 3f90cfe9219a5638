package storage

import (
	"time"

	"memoalarm/internal/alarm"
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "memory": in-process maps; nothing survives a restart
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is everything the engine persists.
type Store interface {
	alarm.Store
	alarm.MemoStore
	alarm.HistoryStore
	Close() error
}
