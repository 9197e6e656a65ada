package capvalidator

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/talosprotocol/tga/pkg/model"
)

func signedToken(t *testing.T, priv ed25519.PrivateKey, mutate func(*claims)) string {
	t.Helper()
	now := time.Now()
	traceID, err := uuid.NewV7()
	if err != nil {
		t.Fatal(err)
	}
	planID, err := uuid.NewV7()
	if err != nil {
		t.Fatal(err)
	}
	c := &claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "supervisor-1",
			Audience:  jwt.ClaimStrings{ExpectedAudience},
			ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Nonce:   "nonce-1",
		TraceID: traceID.String(),
		PlanID:  planID.String(),
		Constraints: model.CapabilityConstraints{
			ToolServer: "mcp-github",
			ToolName:   "read-file",
		},
	}
	if mutate != nil {
		mutate(c)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, c)
	token.Header["kid"] = "key-1"
	signed, err := token.SignedString(priv)
	if err != nil {
		t.Fatalf("signing test token: %v", err)
	}
	return signed
}

func testKeys(t *testing.T) (ed25519.PrivateKey, KeySet) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return priv, StaticKeySet{KID: "key-1", Pub: pub}
}

func TestDecodeAndVerifyAcceptsValidToken(t *testing.T) {
	priv, keys := testKeys(t)
	v := New(keys)
	raw := signedToken(t, priv, nil)

	cap, err := v.DecodeAndVerify(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cap.Issuer != "supervisor-1" {
		t.Errorf("unexpected decoded capability: %+v", cap)
	}
}

func TestDecodeAndVerifyRejectsExpired(t *testing.T) {
	priv, keys := testKeys(t)
	v := New(keys)
	raw := signedToken(t, priv, func(c *claims) {
		c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	})

	_, err := v.DecodeAndVerify(raw)
	if err == nil {
		t.Fatal("expected expired capability to be rejected")
	}
}

func TestDecodeAndVerifyUsesInjectedClock(t *testing.T) {
	priv, keys := testKeys(t)
	mintedAt := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	raw := signedToken(t, priv, func(c *claims) {
		c.IssuedAt = jwt.NewNumericDate(mintedAt)
		c.NotBefore = jwt.NewNumericDate(mintedAt)
		c.ExpiresAt = jwt.NewNumericDate(mintedAt.Add(5 * time.Minute))
	})

	fixed := func() time.Time { return mintedAt.Add(time.Minute) }
	v := New(keys).WithClock(fixed)
	if _, err := v.DecodeAndVerify(raw); err != nil {
		t.Fatalf("expected token valid at injected clock time, got %v", err)
	}

	pastExpiry := func() time.Time { return mintedAt.Add(time.Hour) }
	v2 := New(keys).WithClock(pastExpiry)
	if _, err := v2.DecodeAndVerify(raw); err == nil {
		t.Fatal("expected token expired relative to injected clock time")
	}

	beforeNotBefore := func() time.Time { return mintedAt.Add(-time.Hour) }
	v3 := New(keys).WithClock(beforeNotBefore)
	if _, err := v3.DecodeAndVerify(raw); err == nil {
		t.Fatal("expected token not yet valid relative to injected clock time")
	}
}

func TestDecodeAndVerifyRejectsWrongAudience(t *testing.T) {
	priv, keys := testKeys(t)
	v := New(keys)
	raw := signedToken(t, priv, func(c *claims) {
		c.Audience = jwt.ClaimStrings{"someone-else"}
	})

	_, err := v.DecodeAndVerify(raw)
	if err == nil {
		t.Fatal("expected wrong-audience capability to be rejected")
	}
}

func TestDecodeAndVerifyRejectsMalformedTraceID(t *testing.T) {
	priv, keys := testKeys(t)
	v := New(keys)
	raw := signedToken(t, priv, func(c *claims) {
		c.TraceID = "not-a-uuid"
	})

	_, err := v.DecodeAndVerify(raw)
	if err == nil {
		t.Fatal("expected malformed trace_id to be rejected")
	}
}

func TestDecodeAndVerifyRejectsUnsignedNoneAlg(t *testing.T) {
	_, keys := testKeys(t)
	v := New(keys)
	c := &claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{ExpectedAudience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodNone, c)
	raw, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}

	_, err = v.DecodeAndVerify(raw)
	if err == nil {
		t.Fatal("expected alg=none token to be rejected")
	}
}

func TestValidateToolCallEnforcesToolIdentity(t *testing.T) {
	priv, keys := testKeys(t)
	v := New(keys)
	raw := signedToken(t, priv, nil)
	cap, err := v.DecodeAndVerify(raw)
	if err != nil {
		t.Fatal(err)
	}

	if err := v.ValidateToolCall(cap, "mcp-github", "read-file", nil); err != nil {
		t.Errorf("expected matching tool call to pass, got %v", err)
	}
	if err := v.ValidateToolCall(cap, "mcp-github", "delete-file", nil); err == nil {
		t.Error("expected mismatched tool call to fail")
	}
}

func TestValidateToolCallEnforcesReadOnlyPrefixGuard(t *testing.T) {
	priv, keys := testKeys(t)
	v := New(keys)
	raw := signedToken(t, priv, func(c *claims) {
		c.Constraints.ToolName = "delete-file"
		c.Constraints.ReadOnly = true
	})
	cap, err := v.DecodeAndVerify(raw)
	if err != nil {
		t.Fatal(err)
	}

	if err := v.ValidateToolCall(cap, "mcp-github", "delete-file", nil); err == nil {
		t.Error("expected mutation-prefixed tool under read-only capability to fail")
	}
}

func TestValidateToolCallEnforcesArgSchemaWhenResolverConfigured(t *testing.T) {
	priv, keys := testKeys(t)
	schemaDoc := map[string]any{
		"type":     "object",
		"required": []string{"path"},
	}
	digest := "schema-digest-1"
	resolver := NewStaticSchemaResolver(map[string]any{digest: schemaDoc})
	v := New(keys).WithSchemaResolver(resolver)
	raw := signedToken(t, priv, func(c *claims) {
		c.Constraints.ArgConstraints = digest
	})
	cap, err := v.DecodeAndVerify(raw)
	if err != nil {
		t.Fatal(err)
	}

	if err := v.ValidateToolCall(cap, "mcp-github", "read-file", map[string]any{"path": "/tmp/x"}); err != nil {
		t.Errorf("expected args satisfying schema to pass, got %v", err)
	}
	if err := v.ValidateToolCall(cap, "mcp-github", "read-file", map[string]any{}); err == nil {
		t.Error("expected args missing required field to fail")
	}
}

func TestDecodeAndVerifyExtractsKID(t *testing.T) {
	priv, keys := testKeys(t)
	v := New(keys)
	raw := signedToken(t, priv, nil)

	cap, err := v.DecodeAndVerify(raw)
	if err != nil {
		t.Fatal(err)
	}
	if cap.KID != "key-1" {
		t.Errorf("expected kid %q, got %q", "key-1", cap.KID)
	}
}

func TestCapabilityDigestIsDeterministic(t *testing.T) {
	priv, _ := testKeys(t)
	raw := signedToken(t, priv, nil)
	if CapabilityDigest(raw) != CapabilityDigest(raw) {
		t.Error("capability digest must be deterministic")
	}
}
