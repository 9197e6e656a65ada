// Package canon provides the canonical-JSON digesting and time-ordered ID
// primitives shared by every component that needs tamper-evident identity:
// log entries, capability digests, and checkpoint state.
package canon

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// ZeroDigest is the placeholder digest used as prev_entry_digest for the
// genesis entry of a trace, where no prior entry exists to chain from.
// It is 43 ASCII 'A' characters: the unpadded base64url encoding of a
// 32-byte all-zero value.
const ZeroDigest = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

// Canonical produces the RFC 8785 (JSON Canonicalization Scheme) encoding
// of v: object keys sorted, no insignificant whitespace, no HTML escaping.
// v is first marshaled with encoding/json, then transformed through JCS,
// matching the canonicalization original_source performs in Python via its
// own recursive key-sort-and-compact routine.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canon: marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canon: jcs transform: %w", err)
	}
	return out, nil
}

// Digest returns the unpadded base64url SHA-256 digest of b.
func Digest(b []byte) string {
	sum := sha256.Sum256(b)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// DigestModel canonicalizes v as a JSON object, removes the named fields
// (typically the model's own digest field and any fields not meant to
// participate in its own content hash), and returns the digest of what
// remains. Field removal happens on the decoded map so key order and
// nested structures are unaffected.
func DigestModel(v any, exclude ...string) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("canon: marshal: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", fmt.Errorf("canon: unmarshal for exclusion: %w", err)
	}
	for _, f := range exclude {
		delete(m, f)
	}
	canonical, err := Canonical(m)
	if err != nil {
		return "", err
	}
	return Digest(canonical), nil
}
