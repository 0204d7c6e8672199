// Package storage persists the history of finished scheduler cycles.
//
// Two backends are available:
//   - "file": append-only JSON Lines, one record per cycle
//   - "sqlite": SQLite database (pure Go driver, WAL mode)
package storage
