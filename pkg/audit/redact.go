package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// DefaultSensitiveKeys are metadata keys whose values never reach the audit log in clear.
var DefaultSensitiveKeys = []string{"beneficiary", "accountNumber", "iban", "ssn", "email", "phone", "authorization"}

// Redactor replaces sensitive metadata values with salted sha256 hashes.
type Redactor struct {
	Salt        []byte
	Keys        []string
	HashActorID bool
}

func NewRedactor(salt []byte, keys ...string) *Redactor {
	if len(keys) == 0 {
		keys = DefaultSensitiveKeys
	}
	return &Redactor{Salt: salt, Keys: keys}
}

func (r *Redactor) Apply(e Entry) Entry {
	if r == nil {
		return e
	}
	if r.HashActorID && e.ActorID != "" {
		e.ActorID = hashString(e.ActorID, r.Salt)
	}
	e.Metadata = r.redactMetadata(e.Metadata)
	return e
}

func (r *Redactor) redactMetadata(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		b, _ := json.Marshal(map[string]any{
			"metadata_hash":   hashBytes(raw, r.Salt),
			"redaction_error": "invalid_json",
		})
		return b
	}
	keys := make(map[string]struct{}, len(r.Keys))
	for _, k := range r.Keys {
		keys[strings.ToLower(k)] = struct{}{}
	}
	b, err := json.Marshal(r.walk(v, keys))
	if err != nil {
		return raw
	}
	return b
}

func (r *Redactor) walk(v any, keys map[string]struct{}) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if _, ok := keys[strings.ToLower(k)]; ok {
				out[k+"_hash"] = hashValue(val, r.Salt)
				continue
			}
			out[k] = r.walk(val, keys)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = r.walk(val, keys)
		}
		return out
	default:
		return v
	}
}

func hashValue(v any, salt []byte) string {
	if s, ok := v.(string); ok {
		return hashString(s, salt)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return hashBytes(raw, salt)
}

func hashString(v string, salt []byte) string {
	return hashBytes([]byte(v), salt)
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
