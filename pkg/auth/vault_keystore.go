package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"atlasux/pkg/httpx"
)

// VaultTransitKeyStore resolves executor Ed25519 public keys from Vault Transit.
type VaultTransitKeyStore struct {
	Client     *http.Client
	Addr       string
	Token      string
	Namespace  string
	Transit    string
	KeyPrefix  string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

func (s VaultTransitKeyStore) GetKey(ctx context.Context, kid string) (*KeyRecord, error) {
	kid = strings.TrimSpace(kid)
	if kid == "" {
		return nil, errors.New("kid required")
	}
	addr := strings.TrimRight(strings.TrimSpace(s.Addr), "/")
	if addr == "" {
		return nil, errors.New("vault addr required")
	}
	if strings.TrimSpace(s.Token) == "" {
		return nil, errors.New("vault token required")
	}
	transit := strings.Trim(s.Transit, "/")
	if transit == "" {
		transit = "transit"
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 1500 * time.Millisecond
	}
	keyName := s.KeyPrefix + kid
	headers := map[string]string{"X-Vault-Token": s.Token}
	if ns := strings.TrimSpace(s.Namespace); ns != "" {
		headers["X-Vault-Namespace"] = ns
	}

	ctx, cancel := context.WithTimeout(ctx, timeout*time.Duration(max(s.MaxRetries, 0)+1))
	defer cancel()
	status, body, err := httpx.RequestJSON(ctx, s.Client, http.MethodGet,
		addr+"/v1/"+transit+"/keys/"+url.PathEscape(keyName), nil, headers, s.MaxRetries, s.RetryDelay)
	if err != nil {
		return nil, fmt.Errorf("vault transit lookup: %w", err)
	}
	if status == http.StatusNotFound {
		return nil, fmt.Errorf("kid %q not found in vault transit", kid)
	}
	if status >= 300 {
		return nil, fmt.Errorf("vault transit key lookup failed status=%d", status)
	}
	pub, err := parseVaultTransitPublicKey(body)
	if err != nil {
		return nil, err
	}
	return &KeyRecord{Kid: kid, Signer: "vault-transit:" + keyName, PublicKey: pub, Status: KeyActive}, nil
}

func parseVaultTransitPublicKey(body []byte) ([]byte, error) {
	var payload struct {
		Data struct {
			LatestVersion int `json:"latest_version"`
			Keys          map[string]struct {
				PublicKey string `json:"public_key"`
			} `json:"keys"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("invalid vault response: %w", err)
	}
	if len(payload.Data.Keys) == 0 {
		return nil, errors.New("vault response missing key versions")
	}
	version := payload.Data.LatestVersion
	if version <= 0 {
		for k := range payload.Data.Keys {
			if n, err := strconv.Atoi(k); err == nil && n > version {
				version = n
			}
		}
	}
	item, ok := payload.Data.Keys[strconv.Itoa(version)]
	if !ok {
		return nil, errors.New("vault response missing latest public key")
	}
	pub := strings.TrimSpace(item.PublicKey)
	if _, rest, found := strings.Cut(pub, ":"); found {
		pub = strings.TrimSpace(rest)
	}
	if pub == "" {
		return nil, errors.New("vault response has empty public key")
	}
	pk, err := base64.StdEncoding.DecodeString(pub)
	if err != nil {
		return nil, fmt.Errorf("vault public key decode failed: %w", err)
	}
	return pk, nil
}
