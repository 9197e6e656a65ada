// Package pgstore is a Postgres-backed StateStore adapter for deployments
// that already run a shared Postgres cluster and want the governance log
// alongside their other durable state rather than in a standalone SQLite
// file. It implements the identical StateStore contract as sqlitestore.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/lib/pq"

	"github.com/talosprotocol/tga/pkg/canon"
	"github.com/talosprotocol/tga/pkg/governance"
	"github.com/talosprotocol/tga/pkg/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS execution_logs (
	trace_id TEXT NOT NULL,
	sequence_number BIGINT NOT NULL,
	data JSONB NOT NULL,
	PRIMARY KEY (trace_id, sequence_number)
);
CREATE TABLE IF NOT EXISTS execution_states (
	trace_id TEXT PRIMARY KEY,
	data JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS checkpoints (
	trace_id TEXT NOT NULL,
	sequence_number BIGINT NOT NULL,
	data JSONB NOT NULL,
	PRIMARY KEY (trace_id, sequence_number)
);
CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	trace_id TEXT NOT NULL,
	principal_id TEXT NOT NULL,
	capability_jti TEXT NOT NULL,
	capability_kid TEXT NOT NULL,
	data JSONB NOT NULL,
	expires_at TEXT NOT NULL,
	UNIQUE (principal_id, capability_jti)
);
CREATE INDEX IF NOT EXISTS idx_sessions_principal ON sessions(principal_id);
CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);
`

// Store is a Postgres-backed StateStore.
//
// AcquireTraceLock/ReleaseTraceLock use Postgres session-level advisory
// locks (pg_advisory_lock/pg_advisory_unlock) rather than an in-process
// map, since Postgres is the one backend this module supports that
// several gateway replicas can share — an advisory lock held here
// serializes a trace across the whole fleet, not just one process.
type Store struct {
	db *sql.DB

	lockMu    sync.Mutex
	lockConns map[string]*sql.Conn
}

// Open connects to Postgres using dsn (a "postgres://" connection string)
// and applies the schema.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: opening connection: %w", err)
	}
	return New(db)
}

// New wraps an already-configured *sql.DB (e.g. from a shared connection
// pool) and applies the schema.
func New(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("pgstore: applying schema: %w", err)
	}
	return &Store{db: db, lockConns: make(map[string]*sql.Conn)}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// traceLockKey hashes traceID to the int64 key pg_advisory_lock takes.
// Collisions between two distinct trace_ids would over-serialize (a false
// shared lock), never under-serialize, so a 64-bit FNV hash is a safe
// choice here.
func traceLockKey(traceID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(traceID))
	return int64(binary.BigEndian.Uint64(h.Sum(nil)))
}

// AcquireTraceLock blocks, on a dedicated connection, until the
// session-level advisory lock for traceID is granted or ctx is cancelled.
// The connection is held (one per in-flight trace) until ReleaseTraceLock
// runs, since pg_advisory_lock is scoped to the session that took it.
func (s *Store) AcquireTraceLock(ctx context.Context, traceID string) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return governance.Wrap(governance.ErrKindStoreUnavailable, "opening trace lock connection", err)
	}
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, traceLockKey(traceID)); err != nil {
		_ = conn.Close()
		return governance.Wrap(governance.ErrKindStoreUnavailable, "acquiring trace advisory lock", err)
	}
	s.lockMu.Lock()
	s.lockConns[traceID] = conn
	s.lockMu.Unlock()
	return nil
}

// ReleaseTraceLock releases the advisory lock acquired by
// AcquireTraceLock and returns its dedicated connection to the pool.
func (s *Store) ReleaseTraceLock(traceID string) error {
	s.lockMu.Lock()
	conn, ok := s.lockConns[traceID]
	if ok {
		delete(s.lockConns, traceID)
	}
	s.lockMu.Unlock()
	if !ok {
		return nil
	}
	_, unlockErr := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, traceLockKey(traceID))
	closeErr := conn.Close()
	if unlockErr != nil {
		return governance.Wrap(governance.ErrKindStoreUnavailable, "releasing trace advisory lock", unlockErr)
	}
	if closeErr != nil {
		return governance.Wrap(governance.ErrKindStoreUnavailable, "closing trace lock connection", closeErr)
	}
	return nil
}

func (s *Store) AppendLogEntry(ctx context.Context, entry model.LogEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return governance.Wrap(governance.ErrKindStoreUnavailable, "beginning transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	var lastSeq int64
	var lastData string
	hasLast := true
	row := tx.QueryRowContext(ctx,
		`SELECT sequence_number, data FROM execution_logs WHERE trace_id = $1 ORDER BY sequence_number DESC LIMIT 1`,
		entry.TraceID)
	if err := row.Scan(&lastSeq, &lastData); err != nil {
		if err != sql.ErrNoRows {
			return governance.Wrap(governance.ErrKindStoreUnavailable, "reading last log entry", err)
		}
		hasLast = false
	}

	expectedSeq := int64(1)
	prevDigest := canon.ZeroDigest
	if hasLast {
		var lastEntry model.LogEntry
		if err := json.Unmarshal([]byte(lastData), &lastEntry); err != nil {
			return governance.Wrap(governance.ErrKindStoreUnavailable, "decoding last log entry", err)
		}
		expectedSeq = lastSeq + 1
		prevDigest = lastEntry.EntryDigest
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
		`INSERT INTO execution_logs (trace_id, sequence_number, data) VALUES ($1, $2, $3)`,
		entry.TraceID, entry.SequenceNumber, string(encoded)); err != nil {
		return governance.Wrap(governance.ErrKindStoreUnavailable, "inserting log entry", err)
	}

	var stateData string
	var state model.ExecutionStateProjection
	row2 := tx.QueryRowContext(ctx, `SELECT data FROM execution_states WHERE trace_id = $1`, entry.TraceID)
	if err := row2.Scan(&stateData); err != nil && err != sql.ErrNoRows {
		return governance.Wrap(governance.ErrKindStoreUnavailable, "reading state projection", err)
	} else if err == nil {
		if err := json.Unmarshal([]byte(stateData), &state); err != nil {
			return governance.Wrap(governance.ErrKindStoreUnavailable, "decoding state projection", err)
		}
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
		`INSERT INTO execution_states (trace_id, data) VALUES ($1, $2)
		 ON CONFLICT (trace_id) DO UPDATE SET data = EXCLUDED.data`,
		entry.TraceID, string(stateEncoded)); err != nil {
		return governance.Wrap(governance.ErrKindStoreUnavailable, "upserting state projection", err)
	}

	if err := tx.Commit(); err != nil {
		return governance.Wrap(governance.ErrKindStoreUnavailable, "committing transaction", err)
	}
	return nil
}

func (s *Store) LoadState(ctx context.Context, traceID string) (model.ExecutionStateProjection, bool, error) {
	var data string
	row := s.db.QueryRowContext(ctx, `SELECT data FROM execution_states WHERE trace_id = $1`, traceID)
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
		`SELECT data FROM execution_logs WHERE trace_id = $1 AND sequence_number > $2 ORDER BY sequence_number ASC`,
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
		`INSERT INTO checkpoints (trace_id, sequence_number, data) VALUES ($1, $2, $3)`,
		cp.TraceID, cp.CheckpointSequenceNumber, string(encoded)); err != nil {
		return governance.Wrap(governance.ErrKindStoreUnavailable, "inserting checkpoint", err)
	}
	return nil
}

func (s *Store) LoadLatestCheckpoint(ctx context.Context, traceID string) (model.Checkpoint, bool, error) {
	var data string
	row := s.db.QueryRowContext(ctx,
		`SELECT data FROM checkpoints WHERE trace_id = $1 ORDER BY sequence_number DESC LIMIT 1`, traceID)
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
		`INSERT INTO sessions (session_id, trace_id, principal_id, capability_jti, capability_kid, data, expires_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.SessionID, rec.TraceID, rec.PrincipalID, rec.CapabilityJTI, rec.CapabilityKID, string(encoded), rec.ExpiresAt); err != nil {
		if isUniqueViolation(err) {
			return governance.Wrap(governance.ErrKindSessionConflict,
				"a session already exists for this (principal_id, capability_jti) pair", err)
		}
		return governance.Wrap(governance.ErrKindStoreUnavailable, "inserting session", err)
	}
	return nil
}

// isUniqueViolation reports whether err is Postgres error code 23505
// (unique_violation), which the sessions table's UNIQUE (principal_id,
// capability_jti) constraint raises on a duplicate insert.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (model.SessionRecord, bool, error) {
	var data string
	row := s.db.QueryRowContext(ctx, `SELECT data FROM sessions WHERE session_id = $1`, sessionID)
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
	if _, err := s.db.ExecContext(ctx, `UPDATE sessions SET data = $1 WHERE session_id = $2`, string(encoded), sessionID); err != nil {
		return governance.Wrap(governance.ErrKindStoreUnavailable, "updating session", err)
	}
	return nil
}

func (s *Store) DeleteExpiredSessions(ctx context.Context, now string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < $1`, now)
	if err != nil {
		return 0, governance.Wrap(governance.ErrKindStoreUnavailable, "deleting expired sessions", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, governance.Wrap(governance.ErrKindStoreUnavailable, "counting deleted sessions", err)
	}
	return int(n), nil
}
