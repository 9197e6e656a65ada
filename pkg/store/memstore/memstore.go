// Package memstore is an in-process StateStore implementation: a
// mutex-guarded map of append-only entry slices, one per trace. It is the
// default store for tests and single-process deployments that don't need
// durability across restarts.
package memstore

import (
	"context"
	"sync"

	"github.com/talosprotocol/tga/pkg/canon"
	"github.com/talosprotocol/tga/pkg/governance"
	"github.com/talosprotocol/tga/pkg/model"
	"github.com/talosprotocol/tga/pkg/store"
)

type traceData struct {
	entries     []model.LogEntry
	state       model.ExecutionStateProjection
	hasState    bool
	checkpoints []model.Checkpoint
}

// Store is an in-memory StateStore. The zero value is not usable; build
// one with New.
type Store struct {
	mu          sync.RWMutex
	traces      map[string]*traceData
	sessions    map[string]model.SessionRecord
	sessionJTIs map[string]string // "principal_id\x00capability_jti" -> session_id
	locks       *store.TraceLocks
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		traces:      make(map[string]*traceData),
		sessions:    make(map[string]model.SessionRecord),
		sessionJTIs: make(map[string]string),
		locks:       store.NewTraceLocks(),
	}
}

func sessionJTIKey(principalID, capabilityJTI string) string {
	return principalID + "\x00" + capabilityJTI
}

func (s *Store) AcquireTraceLock(ctx context.Context, traceID string) error {
	return s.locks.Acquire(ctx, traceID)
}

func (s *Store) ReleaseTraceLock(traceID string) error {
	s.locks.Release(traceID)
	return nil
}

func (s *Store) AppendLogEntry(ctx context.Context, entry model.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	td, ok := s.traces[entry.TraceID]
	if !ok {
		td = &traceData{}
		s.traces[entry.TraceID] = td
	}

	expectedSeq := int64(1)
	var prevDigest string = canon.ZeroDigest
	if len(td.entries) > 0 {
		last := td.entries[len(td.entries)-1]
		expectedSeq = last.SequenceNumber + 1
		prevDigest = last.EntryDigest
	}
	if entry.SequenceNumber != expectedSeq {
		return governance.NewError(governance.ErrKindSequenceConflict, "sequence number out of order")
	}
	if entry.PrevEntryDigest != prevDigest {
		return governance.NewError(governance.ErrKindChainMismatch, "prev_entry_digest does not chain to the last entry")
	}
	if !model.IsGenesisSelfLoop(entry.FromState, entry.ToState) || entry.SequenceNumber != 1 {
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

	td.entries = append(td.entries, entry)
	td.state = model.ExecutionStateProjection{
		SchemaID:           entry.SchemaID,
		SchemaVersion:      entry.SchemaVersion,
		TraceID:            entry.TraceID,
		PlanID:             td.state.PlanID,
		CurrentState:       entry.ToState,
		LastSequenceNumber: entry.SequenceNumber,
		LastEntryDigest:    entry.EntryDigest,
	}
	if entry.SequenceNumber == 1 {
		td.state.PlanID = entry.ArtifactID
	}
	stateDigest, err := canon.DigestModel(td.state, "state_digest")
	if err != nil {
		return governance.Wrap(governance.ErrKindStoreUnavailable, "computing state digest", err)
	}
	td.state.StateDigest = stateDigest
	td.hasState = true

	return nil
}

func (s *Store) LoadState(ctx context.Context, traceID string) (model.ExecutionStateProjection, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	td, ok := s.traces[traceID]
	if !ok || !td.hasState {
		return model.ExecutionStateProjection{}, false, nil
	}
	return td.state, true, nil
}

func (s *Store) ListLogEntries(ctx context.Context, traceID string, afterSeq int64) ([]model.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	td, ok := s.traces[traceID]
	if !ok {
		return nil, nil
	}
	var out []model.LogEntry
	for _, e := range td.entries {
		if e.SequenceNumber > afterSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) WriteCheckpoint(ctx context.Context, cp model.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	td, ok := s.traces[cp.TraceID]
	if !ok {
		td = &traceData{}
		s.traces[cp.TraceID] = td
	}
	td.checkpoints = append(td.checkpoints, cp)
	return nil
}

func (s *Store) LoadLatestCheckpoint(ctx context.Context, traceID string) (model.Checkpoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	td, ok := s.traces[traceID]
	if !ok || len(td.checkpoints) == 0 {
		return model.Checkpoint{}, false, nil
	}
	latest := td.checkpoints[0]
	for _, cp := range td.checkpoints[1:] {
		if cp.CheckpointSequenceNumber > latest.CheckpointSequenceNumber {
			latest = cp
		}
	}
	return latest, true, nil
}

func (s *Store) PutSession(ctx context.Context, rec model.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	jtiKey := sessionJTIKey(rec.PrincipalID, rec.CapabilityJTI)
	if existing, ok := s.sessionJTIs[jtiKey]; ok && existing != rec.SessionID {
		return governance.NewError(governance.ErrKindSessionConflict,
			"a session already exists for this (principal_id, capability_jti) pair")
	}
	s.sessionJTIs[jtiKey] = rec.SessionID
	s.sessions[rec.SessionID] = rec
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (model.SessionRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[sessionID]
	return rec, ok, nil
}

func (s *Store) TouchSession(ctx context.Context, sessionID string, now string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return governance.NewError(governance.ErrKindNotFound, "session not found")
	}
	rec.LastSeenAt = now
	s.sessions[sessionID] = rec
	return nil
}

// TamperEntryDigest overwrites a persisted entry's entry_digest in place,
// bypassing AppendLogEntry's validation. It exists only so tests can
// simulate storage-level corruption between a write and a later recover().
func (s *Store) TamperEntryDigest(traceID string, seq int64, digest string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	td, ok := s.traces[traceID]
	if !ok {
		return
	}
	for i := range td.entries {
		if td.entries[i].SequenceNumber == seq {
			td.entries[i].EntryDigest = digest
			return
		}
	}
}

func (s *Store) DeleteExpiredSessions(ctx context.Context, now string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, rec := range s.sessions {
		if rec.ExpiresAt < now {
			delete(s.sessions, id)
			delete(s.sessionJTIs, sessionJTIKey(rec.PrincipalID, rec.CapabilityJTI))
			count++
		}
	}
	return count, nil
}
