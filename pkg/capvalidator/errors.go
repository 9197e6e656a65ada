package capvalidator

import "fmt"

// ErrWrongAlgorithm reports a capability token signed with anything other
// than EdDSA. Capability tokens never accept "none" or an HMAC/RSA
// algorithm regardless of what the header claims.
func ErrWrongAlgorithm(alg any) error {
	return fmt.Errorf("capvalidator: unexpected signing algorithm %v, want EdDSA", alg)
}

// ErrUnknownKID reports a kid header that does not match the configured key.
func ErrUnknownKID(kid string) error {
	return fmt.Errorf("capvalidator: unknown key id %q", kid)
}
