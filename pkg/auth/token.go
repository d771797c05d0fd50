package auth

import (
	"context"
	"crypto"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var errUnsupportedMode = errors.New("unsupported auth mode")

type TokenClaims struct {
	Sub    string   `json:"sub"`
	Roles  []string `json:"roles"`
	Tenant string   `json:"tenant"`
	Iss    string   `json:"iss,omitempty"`
	Aud    any      `json:"aud,omitempty"`
	Exp    int64    `json:"exp"`
	Nbf    int64    `json:"nbf,omitempty"`
	Iat    int64    `json:"iat,omitempty"`
}

type tokenParts struct {
	header  struct{ Alg, Kid string }
	payload []byte
	signed  string
	sig     []byte
}

func splitToken(token string) (tokenParts, error) {
	var tp tokenParts
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return tp, errors.New("invalid token format")
	}
	headerRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return tp, err
	}
	if tp.payload, err = base64.RawURLEncoding.DecodeString(parts[1]); err != nil {
		return tp, err
	}
	if tp.sig, err = base64.RawURLEncoding.DecodeString(parts[2]); err != nil {
		return tp, err
	}
	var header struct {
		Alg string `json:"alg"`
		Kid string `json:"kid"`
	}
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return tp, err
	}
	tp.header.Alg = strings.ToUpper(header.Alg)
	tp.header.Kid = strings.TrimSpace(header.Kid)
	tp.signed = parts[0] + "." + parts[1]
	return tp, nil
}

// parseClaims decodes claims leniently: a single string is accepted for roles.
func parseClaims(payload []byte) (TokenClaims, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return TokenClaims{}, err
	}
	var c TokenClaims
	fields := map[string]any{"sub": &c.Sub, "tenant": &c.Tenant, "iss": &c.Iss, "exp": &c.Exp, "nbf": &c.Nbf, "iat": &c.Iat, "aud": &c.Aud}
	for name, dst := range fields {
		if v, ok := raw[name]; ok {
			_ = json.Unmarshal(v, dst)
		}
	}
	if v, ok := raw["roles"]; ok {
		if err := json.Unmarshal(v, &c.Roles); err != nil {
			var single string
			if json.Unmarshal(v, &single) == nil && single != "" {
				c.Roles = []string{single}
			}
		}
	}
	return c, nil
}

func validateClaims(c TokenClaims, now time.Time, issuer, audience string) error {
	switch {
	case c.Sub == "":
		return errors.New("subject required")
	case c.Exp == 0 || now.Unix() >= c.Exp:
		return errors.New("token expired")
	case c.Nbf != 0 && now.Unix() < c.Nbf:
		return errors.New("token not active")
	case issuer != "" && c.Iss != issuer:
		return errors.New("issuer mismatch")
	case audience != "" && !audContains(c.Aud, audience):
		return errors.New("audience mismatch")
	}
	return nil
}

func VerifyHS256Token(token, secret string, now time.Time, issuer, audience string) (TokenClaims, error) {
	if secret == "" {
		return TokenClaims{}, errors.New("secret is required")
	}
	tp, err := splitToken(token)
	if err != nil {
		return TokenClaims{}, err
	}
	if tp.header.Alg != "HS256" {
		return TokenClaims{}, errors.New("unsupported alg")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(tp.signed))
	if !hmac.Equal(tp.sig, mac.Sum(nil)) {
		return TokenClaims{}, errors.New("signature mismatch")
	}
	claims, err := parseClaims(tp.payload)
	if err != nil {
		return TokenClaims{}, err
	}
	if err := validateClaims(claims, now, issuer, audience); err != nil {
		return TokenClaims{}, err
	}
	return claims, nil
}

func VerifyRS256Token(ctx context.Context, token string, now time.Time, keys *jwksCache, issuer, audience string) (TokenClaims, error) {
	tp, err := splitToken(token)
	if err != nil {
		return TokenClaims{}, err
	}
	if tp.header.Alg != "RS256" {
		return TokenClaims{}, errors.New("unsupported alg")
	}
	if tp.header.Kid == "" {
		return TokenClaims{}, errors.New("kid required")
	}
	pub, err := keys.key(ctx, tp.header.Kid, now)
	if err != nil {
		return TokenClaims{}, err
	}
	h := sha256.Sum256([]byte(tp.signed))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, h[:], tp.sig); err != nil {
		return TokenClaims{}, err
	}
	claims, err := parseClaims(tp.payload)
	if err != nil {
		return TokenClaims{}, err
	}
	if err := validateClaims(claims, now, issuer, audience); err != nil {
		return TokenClaims{}, err
	}
	return claims, nil
}

// SignHS256Token mints a token for claims. atlasctl uses it to issue development tokens.
func SignHS256Token(claims TokenClaims, secret string) (string, error) {
	if secret == "" {
		return "", errors.New("secret is required")
	}
	headerRaw, _ := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	payloadRaw, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	signed := base64.RawURLEncoding.EncodeToString(headerRaw) + "." + base64.RawURLEncoding.EncodeToString(payloadRaw)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signed))
	return signed + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

func audContains(aud any, expected string) bool {
	switch v := aud.(type) {
	case string:
		return v == expected
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s == expected {
				return true
			}
		}
	}
	return false
}
