// Package client is the Go SDK for the intent engine HTTP API.
package client

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"atlasux/pkg/audit"
	"atlasux/pkg/auth"
	"atlasux/pkg/httpx"
	"atlasux/pkg/intent"
	"atlasux/pkg/kb"
	"atlasux/pkg/statebus"
)

// ReplayHeader is set on a create response that returned an existing intent.
const ReplayHeader = "Idempotent-Replay"

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	AuthToken  string
	// Subject is sent as the development subject header when AuthToken is empty.
	Subject    string
	Retries    int
	RetryDelay time.Duration
}

// APIError is a non-2xx response from the engine.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("engine api status=%d code=%s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("engine api status=%d: %s", e.Status, e.Message)
}

// IsStatus reports whether err is an APIError with the given HTTP status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
		Retries:    2,
		RetryDelay: 200 * time.Millisecond,
	}
}

// CreateIntent submits a draft. replayed is true when idempotencyKey matched an earlier create.
func (c *Client) CreateIntent(ctx context.Context, in intent.DraftInput, idempotencyKey string) (out intent.Intent, replayed bool, err error) {
	headers := map[string]string{}
	retries := 0
	if key := strings.TrimSpace(idempotencyKey); key != "" {
		headers["Idempotency-Key"] = key
		retries = c.Retries
	}
	status, body, err := c.do(ctx, http.MethodPost, "/v1/intents", in, headers, retries)
	if err != nil {
		return intent.Intent{}, false, err
	}
	if err := decode(status, body, &out); err != nil {
		return intent.Intent{}, false, err
	}
	return out, status == http.StatusOK, nil
}

func (c *Client) GetIntent(ctx context.Context, tenantID, id string) (intent.Intent, error) {
	var out intent.Intent
	err := c.get(ctx, "/v1/intents/"+url.PathEscape(id), url.Values{"tenant": {tenantID}}, &out)
	return out, err
}

func (c *Client) ListIntents(ctx context.Context, tenantID string, status intent.Status, limit int) ([]intent.Intent, error) {
	q := url.Values{"tenant": {tenantID}}
	if status != "" {
		q.Set("status", string(status))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Intents []intent.Intent `json:"intents"`
	}
	err := c.get(ctx, "/v1/intents", q, &out)
	return out.Intents, err
}

func (c *Client) Audit(ctx context.Context, tenantID, id string) ([]audit.Entry, error) {
	var out struct {
		Entries []audit.Entry `json:"entries"`
	}
	err := c.get(ctx, "/v1/intents/"+url.PathEscape(id)+"/audit", url.Values{"tenant": {tenantID}}, &out)
	return out.Entries, err
}

type DecisionRequest struct {
	TenantID string `json:"tenantId"`
	Note     string `json:"note,omitempty"`
}

func (c *Client) Approve(ctx context.Context, tenantID, id, note string) (intent.Intent, error) {
	return c.decide(ctx, "approve", tenantID, id, note)
}

func (c *Client) Reject(ctx context.Context, tenantID, id, note string) (intent.Intent, error) {
	return c.decide(ctx, "reject", tenantID, id, note)
}

func (c *Client) decide(ctx context.Context, verb, tenantID, id, note string) (intent.Intent, error) {
	var out intent.Intent
	err := c.post(ctx, "/v1/intents/"+url.PathEscape(id)+"/"+verb, DecisionRequest{TenantID: tenantID, Note: note}, &out)
	return out, err
}

// ReportExecution posts an executor report. Reports are idempotent on the server, so
// transient failures are retried.
func (c *Client) ReportExecution(ctx context.Context, r statebus.Report) (intent.Intent, error) {
	status, body, err := c.do(ctx, http.MethodPost, "/v1/intents/"+url.PathEscape(r.IntentID)+"/execution", r, nil, c.Retries)
	if err != nil {
		return intent.Intent{}, err
	}
	var out intent.Intent
	return out, decode(status, body, &out)
}

type TenantEngine struct {
	TenantID string `json:"tenantId"`
	Enabled  bool   `json:"enabled"`
}

func (c *Client) SetTenantEngine(ctx context.Context, tenantID string, enabled bool) (TenantEngine, error) {
	var out TenantEngine
	status, body, err := c.do(ctx, http.MethodPut, "/v1/tenants/"+url.PathEscape(tenantID)+"/engine", map[string]bool{"enabled": enabled}, nil, c.Retries)
	if err != nil {
		return out, err
	}
	return out, decode(status, body, &out)
}

func (c *Client) Knowledge(ctx context.Context, tenantID, agentID, query string) (kb.Context, error) {
	q := url.Values{"tenant": {tenantID}}
	if strings.TrimSpace(query) != "" {
		q.Set("q", query)
	}
	var out kb.Context
	err := c.get(ctx, "/v1/knowledge/"+url.PathEscape(agentID), q, &out)
	return out, err
}

type InvalidateRequest struct {
	TenantID string   `json:"tenantId"`
	AgentIDs []string `json:"agentIds,omitempty"`
}

func (c *Client) InvalidateKnowledge(ctx context.Context, tenantID string, agentIDs ...string) error {
	return c.post(ctx, "/v1/knowledge/invalidate", InvalidateRequest{TenantID: tenantID, AgentIDs: agentIDs}, nil)
}

func (c *Client) Health(ctx context.Context) error {
	return c.get(ctx, "/healthz", nil, nil)
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	status, body, err := c.do(ctx, http.MethodGet, path, nil, nil, c.Retries)
	if err != nil {
		return err
	}
	return decode(status, body, out)
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	status, body, err := c.do(ctx, http.MethodPost, path, in, nil, 0)
	if err != nil {
		return err
	}
	return decode(status, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, in any, headers map[string]string, retries int) (int, []byte, error) {
	var payload []byte
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal request: %w", err)
		}
		payload = raw
	}
	if headers == nil {
		headers = map[string]string{}
	}
	c.applyAuth(headers)
	return httpx.RequestJSON(ctx, c.httpClient(), method, c.BaseURL+path, payload, headers, retries, c.RetryDelay)
}

func decode(status int, body []byte, out any) error {
	if status >= 300 {
		apiErr := &APIError{Status: status, Message: httpx.ErrorMessage(body)}
		var coded struct {
			Code string `json:"code"`
		}
		if json.Unmarshal(body, &coded) == nil {
			apiErr.Code = coded.Code
		}
		return apiErr
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 5 * time.Second}
}

func (c *Client) applyAuth(headers map[string]string) {
	if token := strings.TrimSpace(c.AuthToken); token != "" {
		headers["Authorization"] = "Bearer " + token
		return
	}
	if subject := strings.TrimSpace(c.Subject); subject != "" {
		headers[auth.DevSubjectHeader] = subject
	}
}

// Signer signs executor reports with an Ed25519 key registered with the engine.
type Signer struct {
	Kid        string
	PrivateKey ed25519.PrivateKey
}

func NewSignerFromBase64(kid, privateKeyB64 string) (Signer, error) {
	privBytes, err := base64.StdEncoding.DecodeString(strings.TrimSpace(privateKeyB64))
	if err != nil {
		return Signer{}, fmt.Errorf("decode private key: %w", err)
	}
	if len(privBytes) != ed25519.PrivateKeySize {
		return Signer{}, fmt.Errorf("invalid private key length: got=%d want=%d", len(privBytes), ed25519.PrivateKeySize)
	}
	if strings.TrimSpace(kid) == "" {
		return Signer{}, errors.New("kid is required")
	}
	return Signer{Kid: strings.TrimSpace(kid), PrivateKey: ed25519.PrivateKey(privBytes)}, nil
}

// SignReport normalizes r the way the engine decodes it and attaches a signature.
// An empty Executor is set to the signer's key id.
func (s Signer) SignReport(r statebus.Report) (statebus.Report, error) {
	r, err := statebus.Normalize(r)
	if err != nil {
		return statebus.Report{}, err
	}
	if r.Executor == "" {
		r.Executor = s.Kid
	}
	sig, err := auth.SignEd25519(s.PrivateKey, s.Kid, r.Unsigned())
	if err != nil {
		return statebus.Report{}, err
	}
	r.Signature = &sig
	return r, nil
}
