package governance

import (
	"errors"
	"fmt"
)

// ErrorKind tags a governance failure with its class, so callers at the
// transport boundary can coarsen it into the right status code without
// string-matching messages.
type ErrorKind string

const (
	// ErrKindInvalidCapability covers malformed tokens, bad signatures, and
	// algorithms other than the one pinned for capability tokens.
	ErrKindInvalidCapability ErrorKind = "invalid_capability"
	// ErrKindCapabilityExpired covers exp/nbf window violations.
	ErrKindCapabilityExpired ErrorKind = "capability_expired"
	// ErrKindConstraintViolation covers a tool call that does not satisfy
	// the capability's constraints (tool identity, arg prefix, arg schema).
	ErrKindConstraintViolation ErrorKind = "constraint_violation"
	// ErrKindIllegalTransition covers a requested state change the Moore
	// machine does not permit from the trace's current state.
	ErrKindIllegalTransition ErrorKind = "illegal_transition"
	// ErrKindSequenceConflict covers a sequence_number collision, indicating
	// concurrent writers raced past the per-trace lock or a replay attempt.
	ErrKindSequenceConflict ErrorKind = "sequence_conflict"
	// ErrKindChainMismatch covers a prev_entry_digest that does not match
	// the trace's actual last entry digest.
	ErrKindChainMismatch ErrorKind = "chain_mismatch"
	// ErrKindNotFound covers lookups against a trace, session, or checkpoint
	// that does not exist.
	ErrKindNotFound ErrorKind = "not_found"
	// ErrKindStoreUnavailable covers adapter-level failures (connection,
	// transaction, disk) distinct from domain rule violations.
	ErrKindStoreUnavailable ErrorKind = "store_unavailable"
	// ErrKindRecoveryConflict covers a recover() call finding a trace whose
	// outstanding tool_call cannot be unambiguously resolved.
	ErrKindRecoveryConflict ErrorKind = "recovery_conflict"
	// ErrKindSessionExpired covers a warm-path lookup against a session
	// whose expires_at has already passed.
	ErrKindSessionExpired ErrorKind = "session_expired"
	// ErrKindPrincipalMismatch covers a warm-path call whose supplied
	// principal_id does not match the session record's.
	ErrKindPrincipalMismatch ErrorKind = "principal_mismatch"
	// ErrKindInvalidState covers a runtime operation invoked against a
	// trace whose current state does not permit it (e.g. record_tool_effect
	// outside EXECUTING, or a second cold-path authorize outside AUTHORIZED).
	ErrKindInvalidState ErrorKind = "invalid_state"
	// ErrKindRecoveryFailed covers recover() finding no state or no log
	// entries for the requested trace.
	ErrKindRecoveryFailed ErrorKind = "state_recovery_failed"
	// ErrKindChecksumMismatch covers recover() finding a broken hash chain
	// or a recomputed entry digest that disagrees with what was stored.
	ErrKindChecksumMismatch ErrorKind = "state_checksum_mismatch"
	// ErrKindSessionConflict covers put_session violating the store's
	// unique index on (principal_id, capability_jti).
	ErrKindSessionConflict ErrorKind = "session_conflict"
)

// Error is the tagged error type returned by every governance-facing
// operation. Transport layers switch on Kind rather than parsing Message.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds a tagged Error with no wrapped cause.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a tagged Error around an underlying cause.
func Wrap(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the ErrorKind from err if it (or something it wraps) is a
// *Error, returning ok=false otherwise.
func KindOf(err error) (ErrorKind, bool) {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind, true
	}
	return "", false
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind ErrorKind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
