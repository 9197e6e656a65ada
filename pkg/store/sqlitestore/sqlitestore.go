// Package sqlitestore is the durable StateStore adapter: a single SQLite
// file in WAL mode, 0600 permissions, with every append validated and
// persisted inside one transaction. It is the recommended backend for any
// deployment that must survive a process restart.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/talosprotocol/tga/pkg/canon"
	"github.com/talosprotocol/tga/pkg/governance"
	"github.com/talosprotocol/tga/pkg/model"
	"github.com/talosprotocol/tga/pkg/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS schema_versions (
	version TEXT PRIMARY KEY,
	applied_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS execution_logs (
	trace_id TEXT NOT NULL,
	sequence_number INTEGER NOT NULL,
	data TEXT NOT NULL,
	PRIMARY KEY (trace_id, sequence_number)
);
CREATE TABLE IF NOT EXISTS execution_states (
	trace_id TEXT PRIMARY KEY,
	data TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS checkpoints (
	trace_id TEXT NOT NULL,
	sequence_number INTEGER NOT NULL,
	data TEXT NOT NULL,
	PRIMARY KEY (trace_id, sequence_number)
);
CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	trace_id TEXT NOT NULL,
	principal_id TEXT NOT NULL,
	capability_jti TEXT NOT NULL,
	capability_kid TEXT NOT NULL,
	data TEXT NOT NULL,
	expires_at TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_principal_jti ON sessions(principal_id, capability_jti);
CREATE INDEX IF NOT EXISTS idx_sessions_principal ON sessions(principal_id);
CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);
`

// Store is a durable SQLite-backed StateStore.
type Store struct {
	db    *sql.DB
	locks *store.TraceLocks
}

// Open creates (if necessary) the database file at path with 0600
// permissions, enables WAL and a busy timeout, applies the schema, and
// returns a ready Store.
func Open(path string) (*Store, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: creating database file: %w", err)
		}
		_ = f.Close()
		if err := os.Chmod(path, 0o600); err != nil {
			return nil, fmt.Errorf("sqlitestore: chmod database file: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: opening database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("sqlitestore: enabling WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		return nil, fmt.Errorf("sqlitestore: setting synchronous mode: %w", err)
	}
	return newWithDB(db)
}

// OpenMemory opens a private, in-process SQLite database that exists only
// for the lifetime of the returned Store. Used by tests that want real
// SQLite semantics (transactions, constraint checks) without
// touching the filesystem.
func OpenMemory() (*Store, error) {
	db, err := sql.Open("sqlite", "file::memory:")
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: opening in-memory database: %w", err)
	}
	db.SetMaxOpenConns(1) // a private :memory: db only exists on one connection
	return newWithDB(db)
}

func newWithDB(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("sqlitestore: applying schema: %w", err)
	}
	if _, err := db.Exec(`INSERT OR IGNORE INTO schema_versions (version, applied_at) VALUES ('1.0.0', datetime('now'))`); err != nil {
		return nil, fmt.Errorf("sqlitestore: recording schema version: %w", err)
	}
	return &Store{db: db, locks: store.NewTraceLocks()}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) AcquireTraceLock(ctx context.Context, traceID string) error {
	return s.locks.Acquire(ctx, traceID)
}

func (s *Store) ReleaseTraceLock(traceID string) error {
	s.locks.Release(traceID)
	return nil
}

func (s *Store) AppendLogEntry(ctx context.Context, entry model.LogEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return governance.Wrap(governance.ErrKindStoreUnavailable, "beginning transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	var lastSeq int64
	var lastDigest string
	row := tx.QueryRowContext(ctx,
		`SELECT sequence_number, data FROM execution_logs WHERE trace_id = ? ORDER BY sequence_number DESC LIMIT 1`,
		entry.TraceID)
	var lastData string
	hasLast := true
	if err := row.Scan(&lastSeq, &lastData); err != nil {
		if err != sql.ErrNoRows {
			return governance.Wrap(governance.ErrKindStoreUnavailable, "reading last log entry", err)
		}
		hasLast = false
	} else {
		var lastEntry model.LogEntry
		if err := json.Unmarshal([]byte(lastData), &lastEntry); err != nil {
			return governance.Wrap(governance.ErrKindStoreUnavailable, "decoding last log entry", err)
		}
		lastDigest = lastEntry.EntryDigest
	}

	expectedSeq := int64(1)
	prevDigest := canon.ZeroDigest
	if hasLast {
		expectedSeq = lastSeq + 1
		prevDigest = lastDigest
	}
	if entry.SequenceNumber != expectedSeq {
		return governance.NewError(governance.ErrKindSequenceConflict, "sequence number out of order")
	}
	if entry.PrevEntryDigest != prevDigest {
		return governance.NewError(governance.ErrKindChainMismatch, "prev_entry_digest does not chain to the last entry")
	}
	if !(entry.SequenceNumber == 1 && model.IsGenesisSelfLoop(entry.FromState, entry.ToState)) {
		if !model.IsAllowedTransition(entry.FromState, entry.ToState) {
			return governance.NewError(governance.ErrKindIllegalTransition,
				string(entry.FromState)+" -> "+string(entry.ToState)+" is not a legal transition")
		}
	}
	recomputed, err := canon.DigestModel(entry, "entry_digest")
	if err != nil {
		return governance.Wrap(governance.ErrKindStoreUnavailable, "computing entry digest", err)
	}
	if entry.EntryDigest != recomputed {
		return governance.NewError(governance.ErrKindChainMismatch, "entry_digest mismatch")
	}

	encoded, err := json.Marshal(entry)
	if err != nil {
		return governance.Wrap(governance.ErrKindStoreUnavailable, "encoding log entry", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO execution_logs (trace_id, sequence_number, data) VALUES (?, ?, ?)`,
		entry.TraceID, entry.SequenceNumber, string(encoded)); err != nil {
		return governance.Wrap(governance.ErrKindStoreUnavailable, "inserting log entry", err)
	}

	state, _, err := loadStateTx(ctx, tx, entry.TraceID)
	if err != nil {
		return err
	}
	state.SchemaID = entry.SchemaID
	state.SchemaVersion = entry.SchemaVersion
	state.TraceID = entry.TraceID
	if entry.SequenceNumber == 1 {
		state.PlanID = entry.ArtifactID
	}
	state.CurrentState = entry.ToState
	state.LastSequenceNumber = entry.SequenceNumber
	state.LastEntryDigest = entry.EntryDigest
	stateDigest, err := canon.DigestModel(state, "state_digest")
	if err != nil {
		return governance.Wrap(governance.ErrKindStoreUnavailable, "computing state digest", err)
	}
	state.StateDigest = stateDigest

	stateEncoded, err := json.Marshal(state)
	if err != nil {
		return governance.Wrap(governance.ErrKindStoreUnavailable, "encoding state projection", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO execution_states (trace_id, data) VALUES (?, ?)
		 ON CONFLICT(trace_id) DO UPDATE SET data = excluded.data`,
		entry.TraceID, string(stateEncoded)); err != nil {
		return governance.Wrap(governance.ErrKindStoreUnavailable, "upserting state projection", err)
	}

	if err := tx.Commit(); err != nil {
		return governance.Wrap(governance.ErrKindStoreUnavailable, "committing transaction", err)
	}
	return nil
}

func loadStateTx(ctx context.Context, tx *sql.Tx, traceID string) (model.ExecutionStateProjection, bool, error) {
	var data string
	row := tx.QueryRowContext(ctx, `SELECT data FROM execution_states WHERE trace_id = ?`, traceID)
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return model.ExecutionStateProjection{}, false, nil
		}
		return model.ExecutionStateProjection{}, false, governance.Wrap(governance.ErrKindStoreUnavailable, "reading state projection", err)
	}
	var state model.ExecutionStateProjection
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return model.ExecutionStateProjection{}, false, governance.Wrap(governance.ErrKindStoreUnavailable, "decoding state projection", err)
	}
	return state, true, nil
}

func (s *Store) LoadState(ctx context.Context, traceID string) (model.ExecutionStateProjection, bool, error) {
	var data string
	row := s.db.QueryRowContext(ctx, `SELECT data FROM execution_states WHERE trace_id = ?`, traceID)
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return model.ExecutionStateProjection{}, false, nil
		}
		return model.ExecutionStateProjection{}, false, governance.Wrap(governance.ErrKindStoreUnavailable, "reading state projection", err)
	}
	var state model.ExecutionStateProjection
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return model.ExecutionStateProjection{}, false, governance.Wrap(governance.ErrKindStoreUnavailable, "decoding state projection", err)
	}
	return state, true, nil
}

func (s *Store) ListLogEntries(ctx context.Context, traceID string, afterSeq int64) ([]model.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM execution_logs WHERE trace_id = ? AND sequence_number > ? ORDER BY sequence_number ASC`,
		traceID, afterSeq)
	if err != nil {
		return nil, governance.Wrap(governance.ErrKindStoreUnavailable, "listing log entries", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.LogEntry
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, governance.Wrap(governance.ErrKindStoreUnavailable, "scanning log entry", err)
		}
		var entry model.LogEntry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			return nil, governance.Wrap(governance.ErrKindStoreUnavailable, "decoding log entry", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *Store) WriteCheckpoint(ctx context.Context, cp model.Checkpoint) error {
	encoded, err := json.Marshal(cp)
	if err != nil {
		return governance.Wrap(governance.ErrKindStoreUnavailable, "encoding checkpoint", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (trace_id, sequence_number, data) VALUES (?, ?, ?)`,
		cp.TraceID, cp.CheckpointSequenceNumber, string(encoded)); err != nil {
		return governance.Wrap(governance.ErrKindStoreUnavailable, "inserting checkpoint", err)
	}
	return nil
}

func (s *Store) LoadLatestCheckpoint(ctx context.Context, traceID string) (model.Checkpoint, bool, error) {
	var data string
	row := s.db.QueryRowContext(ctx,
		`SELECT data FROM checkpoints WHERE trace_id = ? ORDER BY sequence_number DESC LIMIT 1`, traceID)
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return model.Checkpoint{}, false, nil
		}
		return model.Checkpoint{}, false, governance.Wrap(governance.ErrKindStoreUnavailable, "reading checkpoint", err)
	}
	var cp model.Checkpoint
	if err := json.Unmarshal([]byte(data), &cp); err != nil {
		return model.Checkpoint{}, false, governance.Wrap(governance.ErrKindStoreUnavailable, "decoding checkpoint", err)
	}
	return cp, true, nil
}

func (s *Store) PutSession(ctx context.Context, rec model.SessionRecord) error {
	encoded, err := json.Marshal(rec)
	if err != nil {
		return governance.Wrap(governance.ErrKindStoreUnavailable, "encoding session", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, trace_id, principal_id, capability_jti, capability_kid, data, expires_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.TraceID, rec.PrincipalID, rec.CapabilityJTI, rec.CapabilityKID, string(encoded), rec.ExpiresAt); err != nil {
		if isUniqueConstraintError(err) {
			return governance.Wrap(governance.ErrKindSessionConflict,
				"a session already exists for this (principal_id, capability_jti) pair", err)
		}
		return governance.Wrap(governance.ErrKindStoreUnavailable, "inserting session", err)
	}
	return nil
}

// isUniqueConstraintError reports whether err came from violating
// idx_sessions_principal_jti. modernc.org/sqlite surfaces SQLite's
// constraint errors as plain strings rather than a typed sentinel, so this
// matches on the driver's "UNIQUE constraint failed" wording.
func isUniqueConstraintError(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (model.SessionRecord, bool, error) {
	var data string
	row := s.db.QueryRowContext(ctx, `SELECT data FROM sessions WHERE session_id = ?`, sessionID)
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return model.SessionRecord{}, false, nil
		}
		return model.SessionRecord{}, false, governance.Wrap(governance.ErrKindStoreUnavailable, "reading session", err)
	}
	var rec model.SessionRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return model.SessionRecord{}, false, governance.Wrap(governance.ErrKindStoreUnavailable, "decoding session", err)
	}
	return rec, true, nil
}

func (s *Store) TouchSession(ctx context.Context, sessionID string, now string) error {
	rec, ok, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if !ok {
		return governance.NewError(governance.ErrKindNotFound, "session not found")
	}
	rec.LastSeenAt = now
	encoded, err := json.Marshal(rec)
	if err != nil {
		return governance.Wrap(governance.ErrKindStoreUnavailable, "encoding session", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE sessions SET data = ? WHERE session_id = ?`, string(encoded), sessionID); err != nil {
		return governance.Wrap(governance.ErrKindStoreUnavailable, "updating session", err)
	}
	return nil
}

func (s *Store) DeleteExpiredSessions(ctx context.Context, now string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < ?`, now)
	if err != nil {
		return 0, governance.Wrap(governance.ErrKindStoreUnavailable, "deleting expired sessions", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, governance.Wrap(governance.ErrKindStoreUnavailable, "counting deleted sessions", err)
	}
	return int(n), nil
}
