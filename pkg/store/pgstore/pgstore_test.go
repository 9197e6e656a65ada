package pgstore

import (
	"context"
	"database/sql"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talosprotocol/tga/pkg/canon"
	"github.com/talosprotocol/tga/pkg/governance"
	"github.com/talosprotocol/tga/pkg/model"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE")).WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := New(db)
	require.NoError(t, err)
	return s, mock
}

func TestAppendLogEntryGenesisInsertsAndUpserts(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	entry := model.LogEntry{
		SchemaID:        "tga.log_entry",
		SchemaVersion:   "1.0",
		TraceID:         "trace-1",
		PrincipalID:     "principal-1",
		SequenceNumber:  1,
		PrevEntryDigest: canon.ZeroDigest,
		FromState:       model.StatePending,
		ToState:         model.StatePending,
		ArtifactType:    model.ArtifactActionRequest,
		ArtifactID:      "plan-1",
		ArtifactDigest:  canon.ZeroDigest,
		Timestamp:       "2026-01-01T00:00:00Z",
	}
	d, err := canon.DigestModel(entry, "entry_digest")
	require.NoError(t, err)
	entry.EntryDigest = d

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT sequence_number, data FROM execution_logs")).
		WithArgs("trace-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO execution_logs")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT data FROM execution_states")).
		WithArgs("trace-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO execution_states")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err = s.AppendLogEntry(ctx, entry)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPutSessionInsertsJTIAndKID(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	rec := model.SessionRecord{
		SessionID:     "sess-1",
		TraceID:       "trace-1",
		PrincipalID:   "principal-1",
		CapabilityJTI: "nonce-1",
		CapabilityKID: "key-1",
		ExpiresAt:     "2026-01-01T01:00:00Z",
	}
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO sessions")).
		WithArgs(rec.SessionID, rec.TraceID, rec.PrincipalID, rec.CapabilityJTI, rec.CapabilityKID, sqlmock.AnyArg(), rec.ExpiresAt).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.PutSession(ctx, rec)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPutSessionSurfacesUniqueViolationAsSessionConflict(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	rec := model.SessionRecord{
		SessionID:     "sess-2",
		TraceID:       "trace-2",
		PrincipalID:   "principal-1",
		CapabilityJTI: "nonce-1",
		CapabilityKID: "key-1",
		ExpiresAt:     "2026-01-01T01:00:00Z",
	}
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO sessions")).
		WithArgs(rec.SessionID, rec.TraceID, rec.PrincipalID, rec.CapabilityJTI, rec.CapabilityKID, sqlmock.AnyArg(), rec.ExpiresAt).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	err := s.PutSession(ctx, rec)
	require.Error(t, err)
	assert.True(t, governance.Is(err, governance.ErrKindSessionConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquireAndReleaseTraceLockUsesAdvisoryLock(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	key := traceLockKey("trace-1")
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_lock")).
		WithArgs(key).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_unlock")).
		WithArgs(key).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.AcquireTraceLock(ctx, "trace-1"))
	require.NoError(t, s.ReleaseTraceLock("trace-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
