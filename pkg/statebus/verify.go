package statebus

import (
	"context"
	"fmt"

	"atlasux/pkg/auth"
)

const (
	VerifyOff      = "off"
	VerifyOptional = "optional"
	VerifyRequired = "required"
)

// Verifier checks executor signatures on reports. In optional mode only signed
// reports are checked; in required mode an unsigned report is rejected.
type Verifier struct {
	Mode string
	Keys auth.KeyStore
}

func (v Verifier) Verify(ctx context.Context, r Report) error {
	switch v.Mode {
	case "", VerifyOff:
		return nil
	case VerifyOptional:
		if r.Signature == nil {
			return nil
		}
	case VerifyRequired:
		if r.Signature == nil {
			return fmt.Errorf("%w: report for intent %s is unsigned", auth.ErrBadSignature, r.IntentID)
		}
	default:
		return fmt.Errorf("unsupported signature mode %q", v.Mode)
	}
	if err := auth.VerifyEd25519(ctx, v.Keys, *r.Signature, r.Unsigned()); err != nil {
		return err
	}
	if r.Executor != "" && r.Executor != r.Signature.KeyID {
		return fmt.Errorf("%w: executor %q signed with key %q", auth.ErrBadSignature, r.Executor, r.Signature.KeyID)
	}
	return nil
}
