// Package storage persists the pipeline journal and the answered-challenge
// dedup set.
//
// Drivers:
//   - "file": JSON Lines journal plus a dedup snapshot/journal pair
//   - "sqlite": single SQLite database (modernc.org/sqlite, no cgo)
package storage
