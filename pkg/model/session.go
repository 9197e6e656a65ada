package model

// SessionRecord backs the warm-path authorization fast path. It caches the
// outcome of a prior cold-path authorization so repeated calls against the
// same capability within its validity window skip signature
// re-verification; the constraints are still re-checked from
// ConstraintsJSON.
type SessionRecord struct {
	SessionID   string `json:"session_id"`
	TraceID     string `json:"trace_id"`
	PrincipalID string `json:"principal_id"`
	// CapabilityJTI is the capability's nonce claim, per spec.md §3's
	// "capability_jti (the nonce)". Together with PrincipalID it forms the
	// session store's uniqueness key: a (principal_id, capability_jti) pair
	// may back at most one session.
	CapabilityJTI string `json:"capability_jti"`
	// CapabilityKID is the JWS header kid that selected the verification
	// key for the authorizing capability.
	CapabilityKID string `json:"capability_kid"`
	// CapabilityDigest is the base64url SHA-256 digest of the raw
	// authorizing JWS. It binds a session (and the tool_call descriptors
	// served from it) to the exact token bytes that authorized it; unlike
	// CapabilityJTI it is not an identity key, since re-signing the same
	// claims changes it.
	CapabilityDigest string `json:"capability_digest"`
	ToolCallID       string `json:"tool_call_id"`
	// ConstraintsJSON is the canonical JSON encoding of the capability's
	// CapabilityConstraints at authorize_tool_call time, per spec.md §4.4
	// step 2. The warm path re-parses it to check tool_server/tool_name/
	// arg_constraints/read_only without re-verifying the original JWS.
	ConstraintsJSON string `json:"constraints_json"`
	ExpiresAt       string `json:"expires_at"`
	CreatedAt       string `json:"created_at"`
	LastSeenAt      string `json:"last_seen_at"`
}
