package runtime

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/talosprotocol/tga/pkg/capvalidator"
	"github.com/talosprotocol/tga/pkg/governance"
	"github.com/talosprotocol/tga/pkg/model"
	"github.com/talosprotocol/tga/pkg/store/memstore"
)

type capClaims struct {
	jwt.RegisteredClaims
	Nonce       string                      `json:"nonce"`
	TraceID     string                      `json:"trace_id"`
	PlanID      string                      `json:"plan_id"`
	Constraints model.CapabilityConstraints `json:"constraints"`
}

func mintCapability(t *testing.T, priv ed25519.PrivateKey, toolServer, toolName string, readOnly bool, ttl time.Duration) (string, string) {
	t.Helper()
	traceID, err := uuid.NewV7()
	if err != nil {
		t.Fatal(err)
	}
	planID, err := uuid.NewV7()
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	c := &capClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "supervisor-1",
			Audience:  jwt.ClaimStrings{capvalidator.ExpectedAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Nonce:   uuid.New().String(),
		TraceID: traceID.String(),
		PlanID:  planID.String(),
		Constraints: model.CapabilityConstraints{
			ToolServer: toolServer,
			ToolName:   toolName,
			ReadOnly:   readOnly,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, c)
	token.Header["kid"] = "key-1"
	signed, err := token.SignedString(priv)
	if err != nil {
		t.Fatalf("signing test capability: %v", err)
	}
	return signed, traceID.String()
}

func newTestRuntime(t *testing.T) (*Runtime, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	keys := capvalidator.StaticKeySet{KID: "key-1", Pub: pub}
	validator := capvalidator.New(keys)
	rt := New(memstore.New(), validator)
	return rt, priv
}

func TestHappyPathReachesCompleted(t *testing.T) {
	ctx := context.Background()
	rt, priv := newTestRuntime(t)
	capJWS, traceID := mintCapability(t, priv, "mcp-github", "create-pr", false, time.Hour)

	entry, err := rt.AuthorizeToolCall(ctx, capJWS, "mcp-github", "create-pr", map[string]any{"title": "x"})
	if err != nil {
		t.Fatalf("authorize_tool_call: %v", err)
	}
	if entry.ToState != model.StateExecuting || entry.SequenceNumber != 3 {
		t.Fatalf("unexpected authorize entry: %+v", entry)
	}
	if len(entry.EntryDigest) != 43 {
		t.Fatalf("expected 43-char digest, got %d", len(entry.EntryDigest))
	}

	effectEntry, err := rt.RecordToolEffect(ctx, traceID, ToolEffect{
		Outcome: ToolOutcome{Status: "SUCCESS"},
	})
	if err != nil {
		t.Fatalf("record_tool_effect: %v", err)
	}
	if effectEntry.ToState != model.StateCompleted || effectEntry.SequenceNumber != 4 {
		t.Fatalf("unexpected effect entry: %+v", effectEntry)
	}
	if effectEntry.PrevEntryDigest != entry.EntryDigest {
		t.Fatalf("effect entry does not chain to authorize entry")
	}

	state, ok, err := rt.store.LoadState(ctx, traceID)
	if err != nil || !ok {
		t.Fatalf("load_state: ok=%v err=%v", ok, err)
	}
	if state.CurrentState != model.StateCompleted {
		t.Fatalf("expected COMPLETED, got %s", state.CurrentState)
	}
}

func TestWarmPathEnforcesConstraintsAndAdvancesLastSeenAt(t *testing.T) {
	ctx := context.Background()
	rt, priv := newTestRuntime(t)
	capJWS, _ := mintCapability(t, priv, "mcp-github", "read-file", true, time.Hour)

	entry, err := rt.AuthorizeToolCall(ctx, capJWS, "mcp-github", "read-file", nil)
	if err != nil {
		t.Fatalf("authorize_tool_call: %v", err)
	}
	sessionID := entry.SessionID

	before, ok, err := rt.store.GetSession(ctx, sessionID)
	if err != nil || !ok {
		t.Fatalf("get_session before warm path: ok=%v err=%v", ok, err)
	}

	if _, err := rt.AuthorizeWarmPath(ctx, sessionID, "supervisor-1", "mcp-github", "delete-file", nil); err == nil {
		t.Fatal("expected warm path to reject a tool_name the session was not authorized for")
	}

	time.Sleep(5 * time.Millisecond)
	if _, err := rt.AuthorizeWarmPath(ctx, sessionID, "supervisor-1", "mcp-github", "read-file", nil); err != nil {
		t.Fatalf("authorize_warm_path: %v", err)
	}

	after, ok, err := rt.store.GetSession(ctx, sessionID)
	if err != nil || !ok {
		t.Fatalf("get_session after warm path: ok=%v err=%v", ok, err)
	}
	if after.LastSeenAt <= before.LastSeenAt {
		t.Fatalf("expected last_seen_at to strictly advance, before=%q after=%q", before.LastSeenAt, after.LastSeenAt)
	}
}

func TestRecordToolEffectClassifiesFailure(t *testing.T) {
	ctx := context.Background()
	rt, priv := newTestRuntime(t)
	capJWS, traceID := mintCapability(t, priv, "mcp-github", "create-pr", false, time.Hour)

	if _, err := rt.AuthorizeToolCall(ctx, capJWS, "mcp-github", "create-pr", nil); err != nil {
		t.Fatalf("authorize_tool_call: %v", err)
	}

	entry, err := rt.RecordToolEffect(ctx, traceID, ToolEffect{
		Outcome: ToolOutcome{Status: "upstream request timeout"},
	})
	if err != nil {
		t.Fatalf("record_tool_effect: %v", err)
	}
	if entry.ToState != model.StateFailed {
		t.Fatalf("expected FAILED, got %s", entry.ToState)
	}

	state, ok, err := rt.store.LoadState(ctx, traceID)
	if err != nil || !ok {
		t.Fatalf("load_state: ok=%v err=%v", ok, err)
	}
	if state.CurrentState != model.StateFailed {
		t.Fatalf("expected FAILED, got %s", state.CurrentState)
	}
}

func TestRecoveryAfterSimulatedCrash(t *testing.T) {
	ctx := context.Background()
	rt, priv := newTestRuntime(t)
	capJWS, traceID := mintCapability(t, priv, "mcp-github", "create-pr", false, time.Hour)

	if _, err := rt.AuthorizeToolCall(ctx, capJWS, "mcp-github", "create-pr", nil); err != nil {
		t.Fatalf("authorize_tool_call: %v", err)
	}

	result, err := rt.Recover(ctx, traceID)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if result.RecoveredState != model.StateExecuting || result.RecoveredFromSeq != 3 {
		t.Fatalf("unexpected recovery result: %+v", result)
	}
	if !result.ReDispatched {
		t.Fatal("expected re_dispatched=true for an unmatched tool_call")
	}

	entries, err := rt.store.ListLogEntries(ctx, traceID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("recover must not append entries, found %d", len(entries))
	}
}

func TestTamperDetection(t *testing.T) {
	ctx := context.Background()
	rt, priv := newTestRuntime(t)
	capJWS, traceID := mintCapability(t, priv, "mcp-github", "create-pr", false, time.Hour)

	if _, err := rt.AuthorizeToolCall(ctx, capJWS, "mcp-github", "create-pr", nil); err != nil {
		t.Fatalf("authorize_tool_call: %v", err)
	}

	ms := rt.store.(interface {
		TamperEntryDigest(traceID string, seq int64, digest string)
	})
	ms.TamperEntryDigest(traceID, 3, strings.Repeat("A", 43))

	_, err := rt.Recover(ctx, traceID)
	if err == nil {
		t.Fatal("expected tamper detection to fail recovery")
	}
	if !governance.Is(err, governance.ErrKindChecksumMismatch) {
		t.Fatalf("expected ErrKindChecksumMismatch, got %v", err)
	}
}

func TestInvalidLifecycleRejectsEffectOutsideExecuting(t *testing.T) {
	ctx := context.Background()
	rt, _ := newTestRuntime(t)
	randomTrace := uuid.New().String()

	_, err := rt.RecordToolEffect(ctx, randomTrace, ToolEffect{Outcome: ToolOutcome{Status: "SUCCESS"}})
	if err == nil {
		t.Fatal("expected record_tool_effect against an unknown trace to fail")
	}
	if !strings.Contains(err.Error(), "EXECUTING") {
		t.Fatalf("expected error mentioning EXECUTING state, got %v", err)
	}
}

func TestReadOnlyEnforcementBlocksMutationAndWritesNoEntries(t *testing.T) {
	ctx := context.Background()
	rt, priv := newTestRuntime(t)
	capJWS, traceID := mintCapability(t, priv, "mcp-github", "create-pr", true, time.Hour)

	_, err := rt.AuthorizeToolCall(ctx, capJWS, "mcp-github", "create-pr", nil)
	if err == nil {
		t.Fatal("expected read-only capability to reject a mutating tool call")
	}
	if !governance.Is(err, governance.ErrKindConstraintViolation) {
		t.Fatalf("expected ErrKindConstraintViolation, got %v", err)
	}

	entries, err := rt.store.ListLogEntries(ctx, traceID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries written, found %d", len(entries))
	}
}

func TestDuplicateCapabilityNonceRejectedOnSecondAuthorize(t *testing.T) {
	ctx := context.Background()
	rt, priv := newTestRuntime(t)
	capJWS, _ := mintCapability(t, priv, "mcp-github", "create-pr", false, time.Hour)

	if _, err := rt.AuthorizeToolCall(ctx, capJWS, "mcp-github", "create-pr", nil); err != nil {
		t.Fatalf("first authorize_tool_call: %v", err)
	}

	_, err := rt.AuthorizeToolCall(ctx, capJWS, "mcp-github", "create-pr", nil)
	if err == nil {
		t.Fatal("expected re-using the same capability's (principal_id, capability_jti) to be rejected")
	}
	if !governance.Is(err, governance.ErrKindSessionConflict) {
		t.Fatalf("expected ErrKindSessionConflict, got %v", err)
	}
}

func TestExpiredCapabilityRejectsWithNoSessionOrEntries(t *testing.T) {
	ctx := context.Background()
	rt, priv := newTestRuntime(t)
	capJWS, traceID := mintCapability(t, priv, "mcp-github", "create-pr", false, -time.Hour)

	_, err := rt.AuthorizeToolCall(ctx, capJWS, "mcp-github", "create-pr", nil)
	if err == nil {
		t.Fatal("expected expired capability to be rejected")
	}
	if !governance.Is(err, governance.ErrKindCapabilityExpired) {
		t.Fatalf("expected ErrKindCapabilityExpired, got %v", err)
	}

	entries, err := rt.store.ListLogEntries(ctx, traceID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries written for a rejected capability, found %d", len(entries))
	}

	n, err := rt.store.DeleteExpiredSessions(ctx, "9999-12-31T23:59:59Z")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected no session created for a rejected capability, found %d", n)
	}
}
