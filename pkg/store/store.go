// Package store defines the governance state store port: the durability
// boundary every runtime operation goes through, and the adapters that
// implement it (memstore, sqlitestore, pgstore).
package store

import (
	"context"

	"github.com/talosprotocol/tga/pkg/model"
)

// StateStore is the single durability port the runtime depends on. Every
// adapter — in-memory, SQLite, Postgres — implements the same contract so
// the runtime never branches on which backend is active.
type StateStore interface {
	// AcquireTraceLock blocks until the single-writer lock for traceID is
	// available or ctx is cancelled, per spec.md §4.2's acquire_trace_lock.
	// The runtime holds this across the full read-last/validate/write
	// sequence of a governance operation.
	AcquireTraceLock(ctx context.Context, traceID string) error

	// ReleaseTraceLock releases a lock acquired by AcquireTraceLock, per
	// spec.md §4.2's release_trace_lock. Callers must release exactly once
	// per successful acquire, on every exit path including errors.
	ReleaseTraceLock(traceID string) error

	// AppendLogEntry persists entry after validating, within one atomic
	// unit of work: sequence_number is exactly one past the trace's last
	// entry (or 1 for a new trace), prev_entry_digest chains to the last
	// persisted entry_digest (or the zero digest for a new trace), the
	// (from_state, to_state) pair is a legal transition (or the genesis
	// PENDING->PENDING self-loop at sequence 1), and entry_digest matches
	// the entry's own recomputed digest. The derived ExecutionState
	// projection is updated in the same unit of work.
	AppendLogEntry(ctx context.Context, entry model.LogEntry) error

	// LoadState returns the current derived state projection for trace_id,
	// or (zero value, false, nil) if the trace has no entries yet.
	LoadState(ctx context.Context, traceID string) (model.ExecutionStateProjection, bool, error)

	// ListLogEntries returns every entry for trace_id with sequence_number
	// greater than afterSeq, ordered ascending.
	ListLogEntries(ctx context.Context, traceID string, afterSeq int64) ([]model.LogEntry, error)

	// WriteCheckpoint persists a new checkpoint snapshot.
	WriteCheckpoint(ctx context.Context, cp model.Checkpoint) error

	// LoadLatestCheckpoint returns the highest-sequence checkpoint for
	// trace_id, or (zero value, false, nil) if none exists.
	LoadLatestCheckpoint(ctx context.Context, traceID string) (model.Checkpoint, bool, error)

	// PutSession persists a new session record.
	PutSession(ctx context.Context, s model.SessionRecord) error

	// GetSession returns the session for sessionID, or (zero value, false,
	// nil) if it does not exist or has no record.
	GetSession(ctx context.Context, sessionID string) (model.SessionRecord, bool, error)

	// TouchSession updates a session's liveness marker; used by the
	// warm-path fast authorization check to confirm the session is still
	// being exercised without re-running full capability verification.
	TouchSession(ctx context.Context, sessionID string, now string) error

	// DeleteExpiredSessions removes every session whose expires_at is
	// before now, returning the count removed.
	DeleteExpiredSessions(ctx context.Context, now string) (int, error)
}
