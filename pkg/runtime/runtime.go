// Package runtime implements the Moore-machine lifecycle engine: cold-path
// and warm-path authorization, tool-effect recording, and crash-safe
// recovery. It is the orchestration layer that drives every other package
// in this module under a per-trace lock held by the state store.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/talosprotocol/tga/pkg/canon"
	"github.com/talosprotocol/tga/pkg/capvalidator"
	"github.com/talosprotocol/tga/pkg/governance"
	"github.com/talosprotocol/tga/pkg/model"
	"github.com/talosprotocol/tga/pkg/sessioncache"
	"github.com/talosprotocol/tga/pkg/store"
)

const (
	schemaID      = "talos.tga.execution_log_entry"
	schemaVersion = "v1"
)

// Clock abstracts wall-clock time so tests can inject a deterministic one,
// matching spec.md §4.3's "time source is injected" requirement.
type Clock func() time.Time

// Runtime orchestrates authorize -> execute -> record-effect with
// crash-safe recovery, per spec.md §4.4.
type Runtime struct {
	store     store.StateStore
	validator *capvalidator.Validator
	clock     Clock
	tracer    trace.Tracer
	cache     *sessioncache.Cache
}

// Option configures optional Runtime behavior.
type Option func(*Runtime)

// WithClock overrides the time source used for expiry checks.
func WithClock(c Clock) Option {
	return func(r *Runtime) { r.clock = c }
}

// WithTracer attaches an OpenTelemetry tracer. AuthorizeToolCall,
// RecordToolEffect and Recover each open a span named after the operation;
// the spans carry no attributes, and AuthorizeWarmPath opens no span. Omit
// to run with a no-op tracer (the default), so tracing never becomes a
// hidden correctness dependency.
func WithTracer(t trace.Tracer) Option {
	return func(r *Runtime) { r.tracer = t }
}

// WithSessionCache attaches an optional Redis-backed front cache for
// warm-path session lookups. The state store remains the system of record:
// a cache miss or a disabled cache only costs latency, never correctness.
func WithSessionCache(c *sessioncache.Cache) Option {
	return func(r *Runtime) { r.cache = c }
}

// New builds a Runtime over the given store and capability validator.
func New(st store.StateStore, validator *capvalidator.Validator, opts ...Option) *Runtime {
	r := &Runtime{
		store:     st,
		validator: validator,
		clock:     time.Now,
		tracer:    noop.NewTracerProvider().Tracer("tga/runtime"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ToolCallDescriptor is the payload authorize_tool_call digests and returns
// as the tool_call artifact, per spec.md §4.4 step 5.
type ToolCallDescriptor struct {
	ToolCallID       string         `json:"tool_call_id"`
	TraceID          string         `json:"trace_id"`
	PlanID           string         `json:"plan_id"`
	CapabilityDigest string         `json:"capability_digest"`
	Call             ToolCallTarget `json:"call"`
	IdempotencyKey   string         `json:"idempotency_key"`
	SessionID        string         `json:"session_id"`
}

// ToolCallTarget names the tool a ToolCallDescriptor invokes.
type ToolCallTarget struct {
	Server string         `json:"server"`
	Name   string         `json:"name"`
	Args   map[string]any `json:"args"`
}

// ToolEffect is the caller-reported outcome of dispatching a tool_call,
// recorded by RecordToolEffect.
type ToolEffect struct {
	ToolEffectID string         `json:"tool_effect_id,omitempty"`
	Outcome      ToolOutcome    `json:"outcome"`
	Data         map[string]any `json:"data,omitempty"`
}

// ToolOutcome reports success/failure of a dispatched tool call.
type ToolOutcome struct {
	Status string `json:"status"` // "SUCCESS" or any other value, treated as failure
}

func (r *Runtime) now() time.Time { return r.clock() }

func (r *Runtime) nowISO() string {
	return r.now().UTC().Format("2006-01-02T15:04:05.000Z")
}

func (r *Runtime) startSpan(ctx context.Context, name, traceID string) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, name, trace.WithAttributes())
}

// lookupSession tries the optional front cache before falling back to the
// state store, repopulating the cache on a miss. With no cache configured
// it degrades to a plain store read.
func (r *Runtime) lookupSession(ctx context.Context, sessionID string) (model.SessionRecord, bool, error) {
	if r.cache != nil {
		if session, ok, err := r.cache.Get(ctx, sessionID); err == nil && ok {
			return session, true, nil
		}
	}
	session, ok, err := r.store.GetSession(ctx, sessionID)
	if err != nil || !ok {
		return session, ok, err
	}
	if r.cache != nil {
		_ = r.cache.Put(ctx, session)
	}
	return session, true, nil
}

func (r *Runtime) makeEntry(traceID, principalID string, seq int64, prevDigest string, from, to model.ExecutionState, artifactType model.ArtifactType, artifactID, artifactDigest string, toolCallID, idempotencyKey, sessionID string) (model.LogEntry, error) {
	entry := model.LogEntry{
		SchemaID:        schemaID,
		SchemaVersion:   schemaVersion,
		TraceID:         traceID,
		PrincipalID:     principalID,
		SequenceNumber:  seq,
		PrevEntryDigest: prevDigest,
		Timestamp:       r.nowISO(),
		FromState:       from,
		ToState:         to,
		ArtifactType:    artifactType,
		ArtifactID:      artifactID,
		ArtifactDigest:  artifactDigest,
		ToolCallID:      toolCallID,
		IdempotencyKey:  idempotencyKey,
		SessionID:       sessionID,
	}
	digest, err := canon.DigestModel(entry, "entry_digest")
	if err != nil {
		return model.LogEntry{}, fmt.Errorf("runtime: computing entry digest: %w", err)
	}
	entry.EntryDigest = digest
	return entry, nil
}

// AuthorizeToolCall is the cold path: decode and verify a fresh capability,
// persist the warm-path session, write the genesis pair if this is a new
// trace, and append the AUTHORIZED->EXECUTING tool_call entry.
func (r *Runtime) AuthorizeToolCall(ctx context.Context, capabilityJWS, toolServer, toolName string, args map[string]any) (model.LogEntry, error) {
	ctx, span := r.startSpan(ctx, "authorize_tool_call", "")
	defer span.End()

	cap, err := r.validator.DecodeAndVerify(capabilityJWS)
	if err != nil {
		return model.LogEntry{}, err
	}
	if err := r.validator.ValidateToolCall(cap, toolServer, toolName, args); err != nil {
		return model.LogEntry{}, err
	}

	if err := r.store.AcquireTraceLock(ctx, cap.TraceID); err != nil {
		return model.LogEntry{}, governance.Wrap(governance.ErrKindStoreUnavailable, "acquiring trace lock", err)
	}
	defer func() { _ = r.store.ReleaseTraceLock(cap.TraceID) }()

	sessionID := canon.NewID()
	capDigest := capvalidator.CapabilityDigest(capabilityJWS)

	constraintsJSON, err := canon.Canonical(cap.Constraints)
	if err != nil {
		return model.LogEntry{}, fmt.Errorf("runtime: canonicalizing capability constraints: %w", err)
	}

	session := model.SessionRecord{
		SessionID:        sessionID,
		TraceID:          cap.TraceID,
		PrincipalID:      cap.Issuer,
		CapabilityJTI:    cap.Nonce,
		CapabilityKID:    cap.KID,
		CapabilityDigest: capDigest,
		ConstraintsJSON:  string(constraintsJSON),
		ExpiresAt:        time.Unix(cap.ExpiresAt, 0).UTC().Format(time.RFC3339),
		CreatedAt:        r.nowISO(),
	}
	if err := r.store.PutSession(ctx, session); err != nil {
		return model.LogEntry{}, err
	}
	if r.cache != nil {
		// Best-effort: the cache is never the system of record, so a write
		// failure here costs latency on the next warm-path call, not
		// correctness.
		_ = r.cache.Put(ctx, session)
	}

	existing, hasState, err := r.store.LoadState(ctx, cap.TraceID)
	if err != nil {
		return model.LogEntry{}, err
	}

	var lastSeq int64
	var lastDigest string

	if !hasState {
		actionPayload := map[string]any{
			"tool_server": toolServer,
			"tool_name":   toolName,
			"args":        args,
		}
		actionDigest, err := canon.DigestModel(actionPayload)
		if err != nil {
			return model.LogEntry{}, fmt.Errorf("runtime: digesting action payload: %w", err)
		}
		genesis, err := r.makeEntry(cap.TraceID, cap.Issuer, 1, canon.ZeroDigest,
			model.StatePending, model.StatePending,
			model.ArtifactActionRequest, cap.PlanID, actionDigest, "", "", "")
		if err != nil {
			return model.LogEntry{}, err
		}
		if err := r.store.AppendLogEntry(ctx, genesis); err != nil {
			return model.LogEntry{}, err
		}

		decision, err := r.makeEntry(cap.TraceID, cap.Issuer, 2, genesis.EntryDigest,
			model.StatePending, model.StateAuthorized,
			model.ArtifactSupervisorDecision, cap.Nonce, capDigest, "", "", "")
		if err != nil {
			return model.LogEntry{}, err
		}
		if err := r.store.AppendLogEntry(ctx, decision); err != nil {
			return model.LogEntry{}, err
		}
		lastSeq = decision.SequenceNumber
		lastDigest = decision.EntryDigest
	} else {
		if existing.CurrentState != model.StateAuthorized {
			return model.LogEntry{}, governance.NewError(governance.ErrKindInvalidState,
				fmt.Sprintf("trace %s is not in AUTHORIZED state (current: %s)", cap.TraceID, existing.CurrentState))
		}
		lastSeq = existing.LastSequenceNumber
		lastDigest = existing.LastEntryDigest
	}

	idempotencyKey := canon.NewID()
	descriptor := ToolCallDescriptor{
		ToolCallID:       sessionID,
		TraceID:          cap.TraceID,
		PlanID:           cap.PlanID,
		CapabilityDigest: capDigest,
		Call: ToolCallTarget{
			Server: toolServer,
			Name:   toolName,
			Args:   args,
		},
		IdempotencyKey: idempotencyKey,
		SessionID:      sessionID,
	}
	callDigest, err := canon.DigestModel(descriptor)
	if err != nil {
		return model.LogEntry{}, fmt.Errorf("runtime: digesting tool_call descriptor: %w", err)
	}

	execEntry, err := r.makeEntry(cap.TraceID, cap.Issuer, lastSeq+1, lastDigest,
		model.StateAuthorized, model.StateExecuting,
		model.ArtifactToolCall, sessionID, callDigest, sessionID, idempotencyKey, sessionID)
	if err != nil {
		return model.LogEntry{}, err
	}
	if err := r.store.AppendLogEntry(ctx, execEntry); err != nil {
		return model.LogEntry{}, err
	}

	return execEntry, nil
}

// AuthorizeWarmPath fast-paths a repeated authorization against an existing
// session: no log write, synchronous touch_session on success.
func (r *Runtime) AuthorizeWarmPath(ctx context.Context, sessionID, principalID, toolServer, toolName string, args map[string]any) (ToolCallDescriptor, error) {
	session, ok, err := r.lookupSession(ctx, sessionID)
	if err != nil {
		return ToolCallDescriptor{}, err
	}
	if !ok {
		return ToolCallDescriptor{}, governance.NewError(governance.ErrKindNotFound, "session not found")
	}
	if r.now().UTC().Format(time.RFC3339) >= session.ExpiresAt {
		return ToolCallDescriptor{}, governance.NewError(governance.ErrKindSessionExpired, "session expired")
	}
	if session.PrincipalID != principalID {
		return ToolCallDescriptor{}, governance.NewError(governance.ErrKindPrincipalMismatch, "principal_id does not match session")
	}

	var con model.CapabilityConstraints
	if err := json.Unmarshal([]byte(session.ConstraintsJSON), &con); err != nil {
		return ToolCallDescriptor{}, fmt.Errorf("runtime: decoding session constraints: %w", err)
	}
	if err := r.validator.ValidateConstraints(con, toolServer, toolName, args); err != nil {
		return ToolCallDescriptor{}, err
	}

	if err := r.store.TouchSession(ctx, sessionID, r.nowISO()); err != nil {
		return ToolCallDescriptor{}, err
	}
	if r.cache != nil {
		// Invalidate rather than re-Put: the cached copy's last_seen_at is
		// now stale, and the next warm-path call will repopulate it from
		// the state store, which just received the authoritative touch.
		_ = r.cache.Invalidate(ctx, sessionID)
	}

	return ToolCallDescriptor{
		ToolCallID:       sessionID,
		TraceID:          session.TraceID,
		CapabilityDigest: session.CapabilityDigest,
		Call: ToolCallTarget{
			Server: toolServer,
			Name:   toolName,
			Args:   args,
		},
		SessionID: sessionID,
	}, nil
}

// RecordToolEffect appends the terminal entry for a trace currently in
// EXECUTING, transitioning to COMPLETED or FAILED based on the effect's
// outcome status.
func (r *Runtime) RecordToolEffect(ctx context.Context, traceID string, effect ToolEffect) (model.LogEntry, error) {
	if err := r.store.AcquireTraceLock(ctx, traceID); err != nil {
		return model.LogEntry{}, governance.Wrap(governance.ErrKindStoreUnavailable, "acquiring trace lock", err)
	}
	defer func() { _ = r.store.ReleaseTraceLock(traceID) }()

	ctx, span := r.startSpan(ctx, "record_tool_effect", traceID)
	defer span.End()

	state, ok, err := r.store.LoadState(ctx, traceID)
	if err != nil {
		return model.LogEntry{}, err
	}
	if !ok || state.CurrentState != model.StateExecuting {
		return model.LogEntry{}, governance.NewError(governance.ErrKindInvalidState,
			fmt.Sprintf("trace %s is not in EXECUTING state", traceID))
	}

	entries, err := r.store.ListLogEntries(ctx, traceID, 0)
	if err != nil {
		return model.LogEntry{}, err
	}
	if len(entries) == 0 {
		return model.LogEntry{}, governance.NewError(governance.ErrKindInvalidState, "no log entries for trace")
	}
	last := entries[len(entries)-1]

	effectID := effect.ToolEffectID
	if effectID == "" {
		effectID = canon.NewID()
	}

	to := model.StateCompleted
	if effect.Outcome.Status != "SUCCESS" {
		to = model.StateFailed
		category := classifyFailure(effect.Outcome.Status)
		if effect.Data == nil {
			effect.Data = make(map[string]any)
		}
		effect.Data["error_category"] = string(category)
		effect.Data["retryable"] = category.retryable()
	}

	effectDigest, err := canon.DigestModel(effect)
	if err != nil {
		return model.LogEntry{}, fmt.Errorf("runtime: digesting tool_effect: %w", err)
	}

	entry, err := r.makeEntry(traceID, last.PrincipalID, last.SequenceNumber+1, last.EntryDigest,
		model.StateExecuting, to,
		model.ArtifactToolEffect, effectID, effectDigest, last.ToolCallID, last.IdempotencyKey, last.SessionID)
	if err != nil {
		return model.LogEntry{}, err
	}
	if err := r.store.AppendLogEntry(ctx, entry); err != nil {
		return model.LogEntry{}, err
	}
	return entry, nil
}

// RecoveryResult is the outcome of Recover. LatestEntryDigest is the real
// digest of the trace's last entry: original_source's mcp_server.py returns
// a zero-digest placeholder here pending runtime support; this
// implementation has that support, so it returns the actual value.
type RecoveryResult struct {
	RecoveredState       model.ExecutionState
	RecoveredFromSeq     int64
	LatestEntryDigest    string
	ReDispatched         bool
	ToolCallToRedispatch *ToolCallDescriptor
}

// Recover replays and revalidates a trace's log after a crash, detecting an
// EXECUTING trace with an unmatched tool_call for at-most-once re-dispatch.
func (r *Runtime) Recover(ctx context.Context, traceID string) (RecoveryResult, error) {
	if err := r.store.AcquireTraceLock(ctx, traceID); err != nil {
		return RecoveryResult{}, governance.Wrap(governance.ErrKindStoreUnavailable, "acquiring trace lock", err)
	}
	defer func() { _ = r.store.ReleaseTraceLock(traceID) }()

	ctx, span := r.startSpan(ctx, "recover", traceID)
	defer span.End()

	state, ok, err := r.store.LoadState(ctx, traceID)
	if err != nil {
		return RecoveryResult{}, err
	}
	if !ok {
		return RecoveryResult{}, governance.NewError(governance.ErrKindRecoveryFailed, fmt.Sprintf("no state found for trace %s", traceID))
	}

	entries, err := r.store.ListLogEntries(ctx, traceID, 0)
	if err != nil {
		return RecoveryResult{}, err
	}
	if len(entries) == 0 {
		return RecoveryResult{}, governance.NewError(governance.ErrKindRecoveryFailed, fmt.Sprintf("no log entries for trace %s", traceID))
	}

	for i, e := range entries {
		if i == 0 {
			if e.PrevEntryDigest != canon.ZeroDigest {
				return RecoveryResult{}, governance.NewError(governance.ErrKindChecksumMismatch, "genesis entry has a non-zero prev_entry_digest")
			}
		} else if e.PrevEntryDigest != entries[i-1].EntryDigest {
			return RecoveryResult{}, governance.NewError(governance.ErrKindChecksumMismatch,
				fmt.Sprintf("hash chain broken at sequence %d", e.SequenceNumber))
		}
		recomputed, err := canon.DigestModel(e, "entry_digest")
		if err != nil {
			return RecoveryResult{}, fmt.Errorf("runtime: recomputing digest for entry %d: %w", e.SequenceNumber, err)
		}
		if recomputed != e.EntryDigest {
			return RecoveryResult{}, governance.NewError(governance.ErrKindChecksumMismatch,
				fmt.Sprintf("entry_digest mismatch at sequence %d", e.SequenceNumber))
		}
	}

	last := entries[len(entries)-1]
	result := RecoveryResult{
		RecoveredState:    state.CurrentState,
		RecoveredFromSeq:  last.SequenceNumber,
		LatestEntryDigest: last.EntryDigest,
	}

	if state.CurrentState == model.StateExecuting {
		var toolCallEntry, toolEffectEntry *model.LogEntry
		for i := range entries {
			if entries[i].ArtifactType == model.ArtifactToolCall && toolCallEntry == nil {
				toolCallEntry = &entries[i]
			}
			if entries[i].ArtifactType == model.ArtifactToolEffect {
				toolEffectEntry = &entries[i]
			}
		}
		if toolCallEntry != nil && toolEffectEntry == nil {
			result.ReDispatched = true
			result.ToolCallToRedispatch = &ToolCallDescriptor{
				ToolCallID:     toolCallEntry.ToolCallID,
				TraceID:        traceID,
				IdempotencyKey: toolCallEntry.IdempotencyKey,
				SessionID:      toolCallEntry.SessionID,
			}
		}
	}

	return result, nil
}
