package auth

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strings"
)

const (
	KeyActive  = "active"
	KeyRevoked = "revoked"
)

// KeyRecord holds an executor's public signing key.
type KeyRecord struct {
	Kid       string
	Signer    string
	PublicKey []byte
	Status    string
}

type KeyStore interface {
	GetKey(ctx context.Context, kid string) (*KeyRecord, error)
}

// StaticKeyStore serves keys configured at startup.
type StaticKeyStore map[string]KeyRecord

// ParseStaticKeys reads "kid=base64pubkey" pairs separated by commas.
func ParseStaticKeys(raw string) (StaticKeyStore, error) {
	out := StaticKeyStore{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kid, pubB64, ok := strings.Cut(part, "=")
		kid = strings.TrimSpace(kid)
		if !ok || kid == "" {
			return nil, fmt.Errorf("executor key %q: want kid=base64", part)
		}
		pub, err := base64.StdEncoding.DecodeString(strings.TrimSpace(pubB64))
		if err != nil {
			return nil, fmt.Errorf("executor key %q: %w", kid, err)
		}
		if len(pub) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("executor key %q: want %d byte ed25519 key, got %d", kid, ed25519.PublicKeySize, len(pub))
		}
		out[kid] = KeyRecord{Kid: kid, Signer: "static:" + kid, PublicKey: pub, Status: KeyActive}
	}
	return out, nil
}

func (s StaticKeyStore) GetKey(_ context.Context, kid string) (*KeyRecord, error) {
	rec, ok := s[strings.TrimSpace(kid)]
	if !ok {
		return nil, fmt.Errorf("kid %q not configured", kid)
	}
	return &rec, nil
}
