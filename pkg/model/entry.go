// Package model holds the wire-level data types of the governance log: the
// execution log entry, its derived state projection, checkpoints, session
// records, and the Moore-machine transition table that binds them together.
package model

// ExecutionState enumerates the Moore-machine states a trace moves through.
type ExecutionState string

const (
	StatePending    ExecutionState = "PENDING"
	StateAuthorized ExecutionState = "AUTHORIZED"
	StateExecuting  ExecutionState = "EXECUTING"
	StateCompleted  ExecutionState = "COMPLETED"
	StateFailed     ExecutionState = "FAILED"
	StateDenied     ExecutionState = "DENIED"
)

// ArtifactType identifies the payload kind bound to a log entry.
type ArtifactType string

const (
	ArtifactActionRequest      ArtifactType = "action_request"
	ArtifactSupervisorDecision ArtifactType = "supervisor_decision"
	ArtifactToolCall           ArtifactType = "tool_call"
	ArtifactToolEffect         ArtifactType = "tool_effect"
)

// transition is an (from, to) pair in the allowed transition table.
type transition struct {
	From, To ExecutionState
}

// allowedTransitions is the Moore machine's edge set. The genesis self-loop
// (PENDING, PENDING) is intentionally excluded here and checked separately,
// since it is legal only for sequence_number == 1.
var allowedTransitions = map[transition]bool{
	{StatePending, StateAuthorized}: true,
	{StatePending, StateDenied}:     true,
	{StateAuthorized, StateExecuting}: true,
	{StateExecuting, StateCompleted}:  true,
	{StateExecuting, StateFailed}:     true,
}

// IsAllowedTransition reports whether (from, to) is a legal state change for
// a non-genesis entry. The genesis (PENDING, PENDING) self-loop is validated
// by the caller against sequence_number == 1, not by this function.
func IsAllowedTransition(from, to ExecutionState) bool {
	return allowedTransitions[transition{from, to}]
}

// IsGenesisSelfLoop reports the one legal self-loop, reserved for seq 1.
func IsGenesisSelfLoop(from, to ExecutionState) bool {
	return from == StatePending && to == StatePending
}

// LogEntry is the atomic, immutable record of the audit trail.
//
// entry_digest is computed over the canonical JSON of every other field
// (see pkg/canon); it is therefore excluded from the entry's own digest
// input by convention rather than by struct tag — canon.DigestModel takes
// care of that exclusion explicitly.
type LogEntry struct {
	SchemaID        string         `json:"schema_id"`
	SchemaVersion   string         `json:"schema_version"`
	TraceID         string         `json:"trace_id"`
	PrincipalID     string         `json:"principal_id"`
	SequenceNumber  int64          `json:"sequence_number"`
	PrevEntryDigest string         `json:"prev_entry_digest"`
	EntryDigest     string         `json:"entry_digest"`
	Timestamp       string         `json:"ts"`
	FromState       ExecutionState `json:"from_state"`
	ToState         ExecutionState `json:"to_state"`
	ArtifactType    ArtifactType   `json:"artifact_type"`
	ArtifactID      string         `json:"artifact_id"`
	ArtifactDigest  string         `json:"artifact_digest"`

	ToolCallID     string `json:"tool_call_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
}

// ExecutionStateProjection is the derived, per-trace view recomputed after
// every append. It may always be rebuilt by replaying the log from seq 1.
type ExecutionStateProjection struct {
	SchemaID           string         `json:"schema_id"`
	SchemaVersion      string         `json:"schema_version"`
	TraceID            string         `json:"trace_id"`
	PlanID             string         `json:"plan_id"`
	CurrentState       ExecutionState `json:"current_state"`
	LastSequenceNumber int64          `json:"last_sequence_number"`
	LastEntryDigest    string         `json:"last_entry_digest"`
	StateDigest        string         `json:"state_digest"`
}

// Checkpoint is an optional snapshot used to skip full-log replay.
type Checkpoint struct {
	SchemaID                string         `json:"schema_id"`
	SchemaVersion            string         `json:"schema_version"`
	TraceID                  string         `json:"trace_id"`
	CheckpointSequenceNumber int64          `json:"checkpoint_sequence_number"`
	CheckpointState          map[string]any `json:"checkpoint_state"`
	CheckpointDigest         string         `json:"checkpoint_digest"`
	Timestamp                string         `json:"ts"`
}
