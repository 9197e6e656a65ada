// Package capvalidator decodes, verifies, and constraint-checks capability
// tokens: short-lived, audience-pinned JWS tokens that authorize a single
// trace to invoke a specific tool under specific argument constraints.
package capvalidator

import (
	"crypto/ed25519"

	"github.com/golang-jwt/jwt/v5"
)

// KeySet resolves a capability token's kid to the Ed25519 public key that
// must have signed it. A single active key is enough for most deployments;
// this interface exists so a rotating multi-key set can be swapped in
// without touching Validator.
type KeySet interface {
	KeyFunc() jwt.Keyfunc
}

// StaticKeySet is a KeySet with one fixed verification key, for deployments
// where the supervisor's signing key is provisioned out of band rather than
// rotated in-process.
type StaticKeySet struct {
	KID string
	Pub ed25519.PublicKey
}

func (s StaticKeySet) KeyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, ErrWrongAlgorithm(token.Header["alg"])
		}
		if kid, ok := token.Header["kid"].(string); ok && s.KID != "" && kid != s.KID {
			return nil, ErrUnknownKID(kid)
		}
		return s.Pub, nil
	}
}
