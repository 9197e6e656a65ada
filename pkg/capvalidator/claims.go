package capvalidator

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/talosprotocol/tga/pkg/governance"
)

// knownClaimFields are the only top-level fields a capability token payload
// may carry. golang-jwt's MapClaims decoding is permissive by design (it
// never rejects extra fields), so spec.md's "reject unknown top-level
// fields" requirement is enforced here, against the raw JWS payload
// segment, before signature verification even runs.
var knownClaimFields = map[string]bool{
	"iss": true, "aud": true, "exp": true, "nbf": true, "iat": true, "nonce": true,
	"trace_id": true, "plan_id": true, "constraints": true,
}

// rejectUnknownFields decodes the base64url JWS payload segment (the
// middle of a three-part "header.payload.signature" token) with
// json.Decoder.DisallowUnknownFields-equivalent strictness: any top-level
// key outside knownClaimFields fails the token outright.
func rejectUnknownFields(rawToken string) error {
	parts := strings.Split(rawToken, ".")
	if len(parts) != 3 {
		return governance.NewError(governance.ErrKindInvalidCapability, "malformed JWS: expected three dot-separated segments")
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return governance.Wrap(governance.ErrKindInvalidCapability, "malformed JWS payload segment", err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return governance.Wrap(governance.ErrKindInvalidCapability, "malformed JWS payload JSON", err)
	}
	for k := range m {
		if !knownClaimFields[k] {
			return governance.NewError(governance.ErrKindInvalidCapability, fmt.Sprintf("unknown capability claim %q", k))
		}
	}
	return nil
}
