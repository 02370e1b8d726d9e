// Package checkpoint implements the opaque key->state map that backs
// agent graph state, and the single-writer lock that protects it: only
// one active Task may drive a given (thread, agent) checkpoint at once.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrLockTimeout is returned when acquiring a checkpoint lock times out.
var ErrLockTimeout = errors.New("checkpoint: lock acquisition timeout")

// DefaultLockTimeout bounds how long execute()/resume() wait for a busy
// checkpoint before giving up (the caller turns this into a
// novaerr.CategorySystem failure).
const DefaultLockTimeout = 5 * time.Second

const lockPollInterval = 10 * time.Millisecond

// checkpointLock is a per-id mutex guarding a held flag, which Lock
// polls so that acquisition can time out instead of blocking.
type checkpointLock struct {
	mu     sync.Mutex
	locked bool
}

// Locker grants exclusive, in-process access to one checkpoint id at a
// time. It is the single-writer guard described in the concurrency
// model: continuous-mode rebuilds and graph invocation both run while
// holding this lock.
//
// Thread safety: Locker is safe for concurrent use from multiple
// goroutines, which is the only concurrency unit a single worker
// process needs; its exclusivity holds within one process only.
type Locker struct {
	locks   sync.Map // map[string]*checkpointLock
	timeout time.Duration
}

// NewLocker creates a Locker with the given default acquisition timeout.
func NewLocker(timeout time.Duration) *Locker {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &Locker{timeout: timeout}
}

func (l *Locker) getOrCreate(id string) *checkpointLock {
	if v, ok := l.locks.Load(id); ok {
		return v.(*checkpointLock)
	}
	fresh := &checkpointLock{}
	actual, _ := l.locks.LoadOrStore(id, fresh)
	return actual.(*checkpointLock)
}

// Lock blocks until the checkpoint id is free or ctx is done/timeout
// elapses, then marks it held. Call the returned func to release.
func (l *Locker) Lock(ctx context.Context, id string) (func(), error) {
	lk := l.getOrCreate(id)
	deadline := time.Now().Add(l.timeout)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		lk.mu.Lock()
		if !lk.locked {
			lk.locked = true
			lk.mu.Unlock()
			return func() {
				lk.mu.Lock()
				lk.locked = false
				lk.mu.Unlock()
			}, nil
		}
		lk.mu.Unlock()

		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

// State is the opaque state blob for one checkpoint. Callers treat the
// contents as a black box; only the graph implementation interprets it.
type State struct {
	CheckpointID string
	Payload      json.RawMessage
	UpdatedAt    time.Time
}

// Store persists opaque checkpoint state keyed by CheckpointLink.id
// (a UUID). It mirrors the minimal graph contract from the design notes
// ({update_state, aget_tuple, delete}) without depending on any
// particular graph/agent-framework implementation.
type Store struct {
	db *sql.DB
}

// NewStore wraps a *sql.DB for checkpoint persistence. Schema:
//
//	CREATE TABLE checkpoints (
//	  checkpoint_id TEXT PRIMARY KEY,
//	  payload       JSONB NOT NULL,
//	  updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Get returns the current state for a checkpoint id, or (nil, nil) if
// none exists yet (a brand-new checkpoint starts empty).
func (s *Store) Get(ctx context.Context, checkpointID string) (*State, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT payload, updated_at FROM checkpoints WHERE checkpoint_id = $1`, checkpointID)
	var payload json.RawMessage
	var updatedAt time.Time
	if err := row.Scan(&payload, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("checkpoint get: %w", err)
	}
	return &State{CheckpointID: checkpointID, Payload: payload, UpdatedAt: updatedAt}, nil
}

// Update upserts the checkpoint's opaque state.
func (s *Store) Update(ctx context.Context, checkpointID string, payload json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (checkpoint_id, payload, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (checkpoint_id) DO UPDATE SET payload = EXCLUDED.payload, updated_at = now()
	`, checkpointID, payload)
	if err != nil {
		return fmt.Errorf("checkpoint update: %w", err)
	}
	return nil
}

// Delete removes a checkpoint's state. Deleting a non-existent
// checkpoint is not an error (rebuild and thread-deletion cascades both
// call this unconditionally).
func (s *Store) Delete(ctx context.Context, checkpointID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE checkpoint_id = $1`, checkpointID)
	if err != nil {
		return fmt.Errorf("checkpoint delete: %w", err)
	}
	return nil
}

// DeleteAllForThread removes every checkpoint linked to a thread, used
// when a Thread is deleted (invariant 9: cascades to CheckpointLinks and
// their opaque checkpoints).
func (s *Store) DeleteAllForThread(ctx context.Context, checkpointIDs []string) error {
	for _, id := range checkpointIDs {
		if err := s.Delete(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
