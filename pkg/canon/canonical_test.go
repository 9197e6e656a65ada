package canon

import (
	"strings"
	"testing"
)

func TestCanonicalSortsKeys(t *testing.T) {
	a, err := Canonical(map[string]any{"b": 1, "a": 2})
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != `{"a":2,"b":1}` {
		t.Errorf("got %s", a)
	}
}

func TestDigestIsStableAndURLSafe(t *testing.T) {
	d1 := Digest([]byte(`{"a":1}`))
	d2 := Digest([]byte(`{"a":1}`))
	if d1 != d2 {
		t.Error("digest must be deterministic")
	}
	if strings.ContainsAny(d1, "+/=") {
		t.Errorf("digest must be unpadded base64url, got %s", d1)
	}
	if len(d1) != 43 {
		t.Errorf("expected 43-char digest, got %d (%s)", len(d1), d1)
	}
}

func TestZeroDigestShape(t *testing.T) {
	if len(ZeroDigest) != 43 {
		t.Errorf("ZeroDigest must be 43 chars, got %d", len(ZeroDigest))
	}
	if strings.Trim(ZeroDigest, "A") != "" {
		t.Errorf("ZeroDigest must be all 'A', got %s", ZeroDigest)
	}
}

func TestDigestModelExcludesFields(t *testing.T) {
	type entry struct {
		A string `json:"a"`
		B string `json:"b"`
	}
	d1, err := DigestModel(entry{A: "x", B: "self-digest"}, "b")
	if err != nil {
		t.Fatal(err)
	}
	d2, err := DigestModel(entry{A: "x", B: "different-self-digest"}, "b")
	if err != nil {
		t.Fatal(err)
	}
	if d1 != d2 {
		t.Error("excluded field must not affect the digest")
	}
}

func TestNewIDIsUUIDv7Shaped(t *testing.T) {
	id := NewID()
	parts := strings.Split(id, "-")
	if len(parts) != 5 {
		t.Fatalf("expected canonical UUID dash layout, got %s", id)
	}
	if parts[2][0] != '7' {
		t.Errorf("expected version nibble 7, got %s", parts[2])
	}
}
