// Package store is the SQLite tracking store for agent runs, run steps,
// schedule state and checkpoints.
//
// Every write is an upsert keyed by id so callers may retry freely. Times
// are stored as unix milliseconds.
package store
