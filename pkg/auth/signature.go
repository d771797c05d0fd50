package auth

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"atlasux/pkg/intent"
)

const AlgEd25519 = "ed25519"

var ErrBadSignature = errors.New("invalid executor signature")

// Signature is a detached signature over the canonical JSON of a message.
type Signature struct {
	KeyID string `json:"keyId"`
	Alg   string `json:"alg"`
	Sig   string `json:"sig"`
}

// SigningPayload is the canonical JSON of v: sorted keys, no whitespace.
func SigningPayload(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal signing payload: %w", err)
	}
	canon, err := intent.CanonicalJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize signing payload: %w", err)
	}
	return canon, nil
}

func SignEd25519(priv ed25519.PrivateKey, kid string, v any) (Signature, error) {
	payload, err := SigningPayload(v)
	if err != nil {
		return Signature{}, err
	}
	return Signature{KeyID: kid, Alg: AlgEd25519, Sig: base64.StdEncoding.EncodeToString(ed25519.Sign(priv, payload))}, nil
}

// VerifyEd25519 checks sig over v with the key keys holds for sig.KeyID.
func VerifyEd25519(ctx context.Context, keys KeyStore, sig Signature, v any) error {
	if !strings.EqualFold(sig.Alg, AlgEd25519) {
		return fmt.Errorf("%w: unsupported alg %q", ErrBadSignature, sig.Alg)
	}
	if keys == nil {
		return fmt.Errorf("%w: no key store configured", ErrBadSignature)
	}
	rec, err := keys.GetKey(ctx, sig.KeyID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if rec.Status != KeyActive {
		return fmt.Errorf("%w: key %s is %s", ErrBadSignature, rec.Kid, rec.Status)
	}
	if len(rec.PublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: key %s has invalid length", ErrBadSignature, rec.Kid)
	}
	raw, err := base64.StdEncoding.DecodeString(sig.Sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	payload, err := SigningPayload(v)
	if err != nil {
		return err
	}
	if !ed25519.Verify(rec.PublicKey, payload, raw) {
		return ErrBadSignature
	}
	return nil
}
