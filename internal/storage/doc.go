// Package storage persists memos, alarms and their delivery history.
//
// Two drivers are available:
//   - "sqlite": a SQLite database file (modernc.org/sqlite, no cgo)
//   - "memory": process-local maps, for tests and throwaway runs
//
// Every driver implements the optimistic version check of
// alarm.Store.ConditionalUpdate, which is what lets several dispatcher
// instances share one database.
package storage
