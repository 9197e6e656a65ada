package model

// CapabilityConstraints bounds what a capability token may authorize: the
// exact tool server/name pair, an optional target allowlist, a read-only
// flag that forbids mutating tool-name prefixes, and an optional reference
// to a JSON Schema the tool call's arguments must satisfy.
type CapabilityConstraints struct {
	ToolServer      string   `json:"tool_server"`
	ToolName        string   `json:"tool_name"`
	TargetAllowlist []string `json:"target_allowlist,omitempty"`
	// ArgConstraints is the base64url digest of the argument schema this
	// capability enforces, as minted by the Supervisor. When non-empty and
	// the validator has a SchemaResolver that knows the digest, the
	// validator compiles the resolved schema and enforces it; otherwise the
	// arguments are not schema-checked.
	ArgConstraints string `json:"arg_constraints,omitempty"`
	ReadOnly       bool   `json:"read_only"`
}

// Capability is the decoded, verified claim set of a capability token (JWS
// payload). Field names mirror spec.md's claim-set definition.
type Capability struct {
	Issuer      string                `json:"iss"`
	Audience    string                `json:"aud"`
	IssuedAt    int64                 `json:"iat"`
	NotBefore   int64                 `json:"nbf,omitempty"`
	ExpiresAt   int64                 `json:"exp"`
	Nonce       string                `json:"nonce"`
	TraceID     string                `json:"trace_id"`
	PlanID      string                `json:"plan_id"`
	Constraints CapabilityConstraints `json:"constraints"`
	// KID is the JWS header's key ID, not a claim: it names which
	// verification key signed the token and is persisted onto the session
	// record as capability_kid (spec.md §3).
	KID string `json:"-"`
}
