package capvalidator

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// LoadPublicKeyPEM reads a PEM-encoded Ed25519 public key (PKIX,
// "PUBLIC KEY" block) from path, as configured by supervisor_public_key.
func LoadPublicKeyPEM(path string) (ed25519.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("capvalidator: reading supervisor public key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("capvalidator: %s does not contain a PEM block", path)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("capvalidator: parsing PKIX public key: %w", err)
	}
	edPub, ok := pub.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("capvalidator: %s is not an Ed25519 public key", path)
	}
	return edPub, nil
}
