// Package store is the Postgres-backed persistence layer for Nova's
// conversation and task entities: Thread, ThreadMessage, Task,
// Interaction, TaskDefinition, CheckpointLink, DaySegment, and
// TranscriptChunk. It follows the raw-SQL, *sql.DB-wrapping idiom used
// throughout this codebase rather than an ORM.
package store

import (
	"database/sql"

	"github.com/google/uuid"

	"github.com/haasonsaas/nova/internal/checkpoint"
)

// Store wraps a single *sql.DB connection pool shared by every entity
// accessor. Splitting by entity (thread.go, task.go, ...) keeps each
// file focused while sharing one connection pool and one set of scan
// helpers. The checkpoint store rides along on the same pool so thread
// deletion can reach the opaque payloads SQL cascades cannot.
type Store struct {
	db          *sql.DB
	checkpoints *checkpoint.Store
}

// New wraps an existing *sql.DB (opened with the "postgres" driver,
// i.e. lib/pq) for Nova's entity tables.
func New(db *sql.DB) *Store {
	return &Store{db: db, checkpoints: checkpoint.NewStore(db)}
}

func newID() string { return uuid.NewString() }

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
