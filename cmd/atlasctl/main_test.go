package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"atlasux/pkg/auth"
	"atlasux/pkg/intent"
	"atlasux/pkg/kb"
	"atlasux/pkg/statebus"

	"github.com/go-chi/chi/v5"
)

func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

type recorded struct {
	Method string
	Path   string
	Query  string
	Auth   string
	Header http.Header
	Body   []byte
}

// fakeEngine answers the engine routes atlasctl calls and records every request.
type fakeEngine struct {
	mu   sync.Mutex
	reqs []recorded
}

func (f *fakeEngine) last(t *testing.T) recorded {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reqs) == 0 {
		t.Fatal("no request recorded")
	}
	return f.reqs[len(f.reqs)-1]
}

func (f *fakeEngine) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := chi.NewRouter()
	sample := intent.Intent{ID: "i-1", TenantID: "t-1", Type: "CHAT_CALL", Status: intent.AwaitingHuman}
	writeJSON := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}
	mux.Post("/v1/intents", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Idempotency-Key") == "replay" {
			w.Header().Set("Idempotent-Replay", "true")
			writeJSON(w, http.StatusOK, sample)
			return
		}
		writeJSON(w, http.StatusCreated, sample)
	})
	mux.Get("/v1/intents", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"intents": []intent.Intent{sample}})
	})
	mux.Get("/v1/intents/{id}", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "id") == "missing" {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "intent not found", "code": "NOT_FOUND"})
			return
		}
		writeJSON(w, http.StatusOK, sample)
	})
	mux.Get("/v1/intents/{id}/audit", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"entries": []any{}})
	})
	mux.Post("/v1/intents/{id}/{verb}", func(w http.ResponseWriter, r *http.Request) {
		out := sample
		switch chi.URLParam(r, "verb") {
		case "approve":
			out.Status = intent.Approved
		case "reject":
			out.Status = intent.Rejected
		case "execution":
			out.Status = intent.Executed
		}
		writeJSON(w, http.StatusOK, out)
	})
	mux.Put("/v1/tenants/{tenant}/engine", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Enabled bool `json:"enabled"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		writeJSON(w, http.StatusOK, map[string]any{"tenantId": chi.URLParam(r, "tenant"), "enabled": body.Enabled})
	})
	mux.Get("/v1/knowledge/{agent}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, kb.Context{TenantID: r.URL.Query().Get("tenant"), AgentID: chi.URLParam(r, "agent")})
	})
	mux.Post("/v1/knowledge/invalidate", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "invalidated"})
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewReader(body))
		f.mu.Lock()
		f.reqs = append(f.reqs, recorded{
			Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery,
			Auth: r.Header.Get("Authorization"), Header: r.Header.Clone(), Body: body,
		})
		f.mu.Unlock()
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestMainExitsOnError(t *testing.T) {
	origExit, origOut, origErr, origArgs := osExit, stdout, stderr, os.Args
	defer func() { osExit, stdout, stderr, os.Args = origExit, origOut, origErr, origArgs }()

	code := 0
	osExit = func(c int) { code = c }
	var errOut bytes.Buffer
	stdout, stderr = io.Discard, &errOut
	os.Args = []string{"atlasctl", "no-such-command"}

	main()

	if code != 1 || !strings.Contains(errOut.String(), "unknown command") {
		t.Fatalf("code=%d stderr=%q", code, errOut.String())
	}
}

func TestEvaluateOffline(t *testing.T) {
	tests := []struct {
		name    string
		draft   string
		args    []string
		verdict string
		reason  string
	}{
		{"allow", `{"tenantId":"t-1","actor":"ATLAS","intentType":"CHAT_CALL","payload":{"spendUsd":10}}`, nil, "ALLOW", ""},
		{"spend review", `{"tenantId":"t-1","actor":"ATLAS","intentType":"CHAT_CALL","payload":{"spendUsd":250}}`, nil, "REVIEW", "SPEND_THRESHOLD"},
		{"custom threshold", `{"tenantId":"t-1","actor":"ATLAS","intentType":"CHAT_CALL","payload":{"spendUsd":250}}`, []string{"--spend-threshold", "1000"}, "ALLOW", ""},
		{"non atlas actor", `{"tenantId":"t-1","actor":"BINKY","intentType":"CHAT_CALL"}`, nil, "BLOCK", "ONLY_ATLAS_EXECUTES"},
		{"regulated", `{"tenantId":"t-1","actor":"ATLAS","intentType":"BANK_TRANSFER","payload":{"amountUsd":5}}`, nil, "REVIEW", "REGULATED_ACTION"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeFile(t, "draft.json", tc.draft)
			out, err := runCLI(t, "", append([]string{"evaluate", "-f", path}, tc.args...)...)
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			var got evaluation
			if err := json.Unmarshal([]byte(out), &got); err != nil {
				t.Fatalf("decode output %q: %v", out, err)
			}
			if string(got.Decision.Verdict) != tc.verdict {
				t.Fatalf("verdict = %s, want %s", got.Decision.Verdict, tc.verdict)
			}
			if tc.reason != "" && (len(got.Decision.Reasons) != 1 || got.Decision.Reasons[0] != tc.reason) {
				t.Fatalf("reasons = %v, want %s", got.Decision.Reasons, tc.reason)
			}
			if got.Packets != nil {
				t.Fatal("packets printed without --packets")
			}
		})
	}
}

func TestEvaluateFromStdinWithPackets(t *testing.T) {
	draft := `{"actor":"ATLAS","intentType":"CHAT_CALL","payload":{"spendUsd":10}}`
	out, err := runCLI(t, draft, "evaluate", "-f", "-", "--tenant", "t-9", "--packets")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	var got evaluation
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if got.Intent.TenantID != "t-9" {
		t.Fatalf("tenant flag not applied: %q", got.Intent.TenantID)
	}
	if got.Packets == nil || len(got.Packets.Packets) != 5 {
		t.Fatalf("expected five packets, got %+v", got.Packets)
	}
}

func TestEvaluateFinanceReviewOverride(t *testing.T) {
	path := writeFile(t, "draft.json", `{"tenantId":"t-1","actor":"ATLAS","intentType":"CHAT_CALL","payload":{"spendUsd":150}}`)
	recommendation := func(args ...string) any {
		t.Helper()
		out, err := runCLI(t, "", append([]string{"evaluate", "-f", path, "--packets"}, args...)...)
		if err != nil {
			t.Fatalf("evaluate %v: %v", args, err)
		}
		var got evaluation
		if err := json.Unmarshal([]byte(out), &got); err != nil {
			t.Fatalf("decode output: %v", err)
		}
		if got.Packets == nil || len(got.Packets.Packets) != 5 {
			t.Fatalf("expected five packets, got %+v", got.Packets)
		}
		return got.Packets.Packets[3].Data["recommendation"]
	}
	if got := recommendation(); got != "OK" {
		t.Fatalf("default threshold recommendation = %v, want OK", got)
	}
	if got := recommendation("--finance-review", "100"); got != "REVIEW" {
		t.Fatalf("custom threshold recommendation = %v, want REVIEW", got)
	}
}

func TestEvaluateErrors(t *testing.T) {
	if _, err := runCLI(t, "", "evaluate"); err == nil || !strings.Contains(err.Error(), "--file") {
		t.Fatalf("expected missing file error, got %v", err)
	}
	if _, err := runCLI(t, "", "evaluate", "-f", filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected read error")
	}
	bad := writeFile(t, "bad.json", "{")
	if _, err := runCLI(t, "", "evaluate", "-f", bad); err == nil || !strings.Contains(err.Error(), "decode draft") {
		t.Fatalf("expected decode error, got %v", err)
	}
	noTenant := writeFile(t, "d.json", `{"actor":"ATLAS","intentType":"CHAT_CALL"}`)
	if _, err := runCLI(t, "", "evaluate", "-f", noTenant); err == nil {
		t.Fatal("expected tenant error")
	}
	negative := writeFile(t, "n.json", `{"tenantId":"t","actor":"ATLAS","intentType":"CHAT_CALL","payload":{"spendUsd":-1}}`)
	if _, err := runCLI(t, "", "evaluate", "-f", negative); err == nil {
		t.Fatal("expected payload error")
	}
	ok := writeFile(t, "ok.json", `{"tenantId":"t","actor":"ATLAS","intentType":"CHAT_CALL"}`)
	if _, err := runCLI(t, "", "evaluate", "-f", ok, "--spend-threshold", "0"); err == nil {
		t.Fatal("expected threshold config error")
	}
	if _, err := runCLI(t, "", "evaluate", "-f", ok, "--packets", "--finance-review", "-5"); err == nil {
		t.Fatal("expected finance config error")
	}
}

func TestTokenMintsVerifiableHS256(t *testing.T) {
	out, err := runCLI(t, "", "token", "--secret", "s3cret", "--sub", "ops@atlas", "--tenant", "t-1", "--role", "admin", "--role", "executor")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	claims, err := auth.VerifyHS256Token(strings.TrimSpace(out), "s3cret", time.Now(), "", "")
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if claims.Sub != "ops@atlas" || claims.Tenant != "t-1" || len(claims.Roles) != 2 {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	t.Setenv("OIDC_HS256_SECRET", "from-env")
	out, err = runCLI(t, "", "token", "--sub", "svc", "--tenant", "*")
	if err != nil {
		t.Fatalf("token from env secret: %v", err)
	}
	if _, err := auth.VerifyHS256Token(strings.TrimSpace(out), "from-env", time.Now(), "", ""); err != nil {
		t.Fatalf("env secret not used: %v", err)
	}

	for _, args := range [][]string{
		{"token", "--secret", "s", "--tenant", "t"},
		{"token", "--secret", "s", "--sub", "a"},
		{"token", "--secret", "s", "--sub", "a", "--tenant", "t", "--ttl", "0s"},
	} {
		if _, err := runCLI(t, "", args...); err == nil {
			t.Fatalf("expected error for %v", args)
		}
	}
}

func TestGenKeyWritesUsableKeys(t *testing.T) {
	dir := t.TempDir()
	priv := filepath.Join(dir, "runner.key")
	pub := filepath.Join(dir, "runner.pub")
	out, err := runCLI(t, "", "gen-key", "--out-private", priv, "--out-public", pub, "--kid", "runner-1")
	if err != nil {
		t.Fatalf("gen-key: %v", err)
	}
	pubRaw, err := os.ReadFile(pub)
	if err != nil {
		t.Fatalf("read public key: %v", err)
	}
	if !strings.Contains(out, "EXECUTOR_KEYS entry: runner-1="+string(pubRaw)) {
		t.Fatalf("missing key entry in output: %q", out)
	}
	keys, err := auth.ParseStaticKeys("runner-1=" + string(pubRaw))
	if err != nil {
		t.Fatalf("public key not accepted by engine parser: %v", err)
	}
	privRaw, _ := os.ReadFile(priv)
	privBytes, err := base64.StdEncoding.DecodeString(string(privRaw))
	if err != nil || len(privBytes) != ed25519.PrivateKeySize {
		t.Fatalf("bad private key: len=%d err=%v", len(privBytes), err)
	}
	sig, err := auth.SignEd25519(ed25519.PrivateKey(privBytes), "runner-1", map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := auth.VerifyEd25519(context.Background(), keys, sig, map[string]string{"k": "v"}); err != nil {
		t.Fatalf("generated pair does not verify: %v", err)
	}

	if _, err := runCLI(t, "", "gen-key", "--out-private", filepath.Join(dir, "missing", "k"), "--out-public", pub); err == nil {
		t.Fatal("expected write error")
	}
}

func TestIntentCommandsAgainstEngine(t *testing.T) {
	fe := &fakeEngine{}
	srv := fe.server(t)
	base := []string{"--url", srv.URL, "--token", "tok-1", "--tenant", "t-1"}
	run := func(args ...string) string {
		t.Helper()
		out, err := runCLI(t, "", append(args, base...)...)
		if err != nil {
			t.Fatalf("%v: %v", args, err)
		}
		return out
	}

	draft := writeFile(t, "draft.json", `{"actor":"ATLAS","intentType":"CHAT_CALL","payload":{"message":"hi"}}`)
	out := run("intent", "create", "-f", draft, "--idempotency-key", "k-1")
	req := fe.last(t)
	if req.Method != http.MethodPost || req.Path != "/v1/intents" || req.Auth != "Bearer tok-1" {
		t.Fatalf("unexpected create request: %+v", req)
	}
	if req.Header.Get("Idempotency-Key") != "k-1" {
		t.Fatalf("idempotency key not sent: %v", req.Header)
	}
	var sent intent.DraftInput
	if err := json.Unmarshal(req.Body, &sent); err != nil || sent.TenantID != "t-1" {
		t.Fatalf("tenant not filled from flag: %+v err=%v", sent, err)
	}
	if !strings.Contains(out, `"id": "i-1"`) {
		t.Fatalf("unexpected create output: %s", out)
	}
	run("intent", "create", "-f", draft, "--idempotency-key", "replay")

	run("intent", "get", "i-1")
	if req := fe.last(t); req.Path != "/v1/intents/i-1" || req.Query != "tenant=t-1" {
		t.Fatalf("unexpected get request: %+v", req)
	}

	out = run("intent", "list", "--status", "awaiting_human", "--limit", "5")
	req = fe.last(t)
	if !strings.Contains(req.Query, "status=AWAITING_HUMAN") || !strings.Contains(req.Query, "limit=5") {
		t.Fatalf("unexpected list query: %s", req.Query)
	}
	if !strings.HasPrefix(strings.TrimSpace(out), "[") {
		t.Fatalf("list should print an array: %s", out)
	}

	run("intent", "audit", "i-1")
	if req := fe.last(t); req.Path != "/v1/intents/i-1/audit" {
		t.Fatalf("unexpected audit path: %s", req.Path)
	}

	out = run("intent", "approve", "i-1", "--note", "looks fine")
	req = fe.last(t)
	if req.Path != "/v1/intents/i-1/approve" || !strings.Contains(string(req.Body), "looks fine") {
		t.Fatalf("unexpected approve request: %+v", req)
	}
	if !strings.Contains(out, `"APPROVED"`) {
		t.Fatalf("unexpected approve output: %s", out)
	}
	run("intent", "reject", "i-1")
	if req := fe.last(t); req.Path != "/v1/intents/i-1/reject" {
		t.Fatalf("unexpected reject path: %s", req.Path)
	}
}

func TestIntentCommandErrors(t *testing.T) {
	fe := &fakeEngine{}
	srv := fe.server(t)

	if _, err := runCLI(t, "", "intent", "get", "i-1", "--url", srv.URL); err == nil || !strings.Contains(err.Error(), "--tenant") {
		t.Fatalf("expected tenant error, got %v", err)
	}
	_, err := runCLI(t, "", "intent", "get", "missing", "--url", srv.URL, "--tenant", "t-1")
	if err == nil || !strings.Contains(err.Error(), "NOT_FOUND") {
		t.Fatalf("expected api error, got %v", err)
	}
	if _, err := runCLI(t, "", "intent", "list", "--url", srv.URL, "--tenant", "t-1", "--status", "bogus"); err == nil {
		t.Fatal("expected status error")
	}
	if _, err := runCLI(t, "", "intent", "get", "--url", srv.URL, "--tenant", "t-1"); err == nil {
		t.Fatal("expected arg count error")
	}
	if _, err := runCLI(t, "", "intent", "report", "i-1", "--url", srv.URL, "--tenant", "t-1"); err == nil {
		t.Fatal("expected required status flag error")
	}
	if _, err := runCLI(t, "", "intent", "report", "i-1", "--url", srv.URL, "--tenant", "t-1", "--status", "EXECUTED", "--kid", "runner-1"); err == nil {
		t.Fatal("expected signer flags error")
	}
}

func TestEnvironmentConfiguresClient(t *testing.T) {
	fe := &fakeEngine{}
	srv := fe.server(t)
	t.Setenv("ATLAS_URL", srv.URL)
	t.Setenv("ATLAS_TENANT", "t-env")
	t.Setenv("ATLAS_SUBJECT", "dev-user")

	if _, err := runCLI(t, "", "intent", "get", "i-1"); err != nil {
		t.Fatalf("get via env: %v", err)
	}
	req := fe.last(t)
	if req.Query != "tenant=t-env" || req.Header.Get(auth.DevSubjectHeader) != "dev-user" || req.Auth != "" {
		t.Fatalf("env not applied: %+v", req)
	}
}

func TestReportSignsWithExecutorKey(t *testing.T) {
	fe := &fakeEngine{}
	srv := fe.server(t)
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	keyFile := writeFile(t, "runner.key", base64.StdEncoding.EncodeToString(priv))

	_, err = runCLI(t, "", "intent", "report", "i-1", "--url", srv.URL, "--tenant", "t-1",
		"--status", "executed", "--detail", "done", "--kid", "runner-1", "--private-key", keyFile)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	req := fe.last(t)
	if req.Path != "/v1/intents/i-1/execution" {
		t.Fatalf("unexpected report path: %s", req.Path)
	}
	var r statebus.Report
	if err := json.Unmarshal(req.Body, &r); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if r.Status != "EXECUTED" || r.Executor != "runner-1" || r.Signature == nil {
		t.Fatalf("unexpected report: %+v", r)
	}
	keys := auth.StaticKeyStore{"runner-1": auth.KeyRecord{Kid: "runner-1", PublicKey: pub, Status: auth.KeyActive}}
	if err := auth.VerifyEd25519(context.Background(), keys, *r.Signature, r.Unsigned()); err != nil {
		t.Fatalf("signature does not verify: %v", err)
	}

	_, err = runCLI(t, "", "intent", "report", "i-2", "--url", srv.URL, "--tenant", "t-1", "--status", "FAILED", "--detail", "boom")
	if err != nil {
		t.Fatalf("unsigned report: %v", err)
	}
	if err := json.Unmarshal(fe.last(t).Body, &r); err != nil || r.Signature != nil || r.Status != "FAILED" {
		t.Fatalf("unexpected unsigned report: %+v err=%v", r, err)
	}

	badKey := writeFile(t, "bad.key", "not-base64!")
	if _, err := runCLI(t, "", "intent", "report", "i-1", "--url", srv.URL, "--tenant", "t-1", "--status", "EXECUTED", "--kid", "k", "--private-key", badKey); err == nil {
		t.Fatal("expected bad key error")
	}
}

func TestTenantAndKnowledgeCommands(t *testing.T) {
	fe := &fakeEngine{}
	srv := fe.server(t)
	base := []string{"--url", srv.URL, "--tenant", "t-1"}

	out, err := runCLI(t, "", append([]string{"tenant", "disable"}, base...)...)
	if err != nil {
		t.Fatalf("tenant disable: %v", err)
	}
	req := fe.last(t)
	if req.Method != http.MethodPut || req.Path != "/v1/tenants/t-1/engine" || !strings.Contains(string(req.Body), `"enabled":false`) {
		t.Fatalf("unexpected tenant request: %+v body=%s", req, req.Body)
	}
	if !strings.Contains(out, `"enabled": false`) {
		t.Fatalf("unexpected tenant output: %s", out)
	}
	if _, err := runCLI(t, "", append([]string{"tenant", "enable"}, base...)...); err != nil {
		t.Fatalf("tenant enable: %v", err)
	}
	if !strings.Contains(string(fe.last(t).Body), `"enabled":true`) {
		t.Fatal("enable did not send enabled=true")
	}

	out, err = runCLI(t, "", append([]string{"kb", "get", "binky", "-q", "pricing"}, base...)...)
	if err != nil {
		t.Fatalf("kb get: %v", err)
	}
	req = fe.last(t)
	if req.Path != "/v1/knowledge/binky" || !strings.Contains(req.Query, "q=pricing") {
		t.Fatalf("unexpected kb request: %+v", req)
	}
	if !strings.Contains(out, "binky") {
		t.Fatalf("unexpected kb output: %s", out)
	}

	out, err = runCLI(t, "", append([]string{"kb", "invalidate", "binky", "cheryl"}, base...)...)
	if err != nil {
		t.Fatalf("kb invalidate: %v", err)
	}
	var inv struct {
		TenantID string   `json:"tenantId"`
		AgentIDs []string `json:"agentIds"`
	}
	if err := json.Unmarshal(fe.last(t).Body, &inv); err != nil || inv.TenantID != "t-1" || len(inv.AgentIDs) != 2 {
		t.Fatalf("unexpected invalidate body: %+v err=%v", inv, err)
	}
	if !strings.Contains(out, "invalidated knowledge cache for t-1") {
		t.Fatalf("unexpected invalidate output: %s", out)
	}

	if _, err := runCLI(t, "", "tenant", "enable", "--url", srv.URL); err == nil {
		t.Fatal("expected tenant required error")
	}
}
